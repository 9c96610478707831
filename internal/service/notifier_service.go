package service

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"batcher-core/internal/event"
	"batcher-core/internal/service/mq"
	"batcher-core/pkg/logger"
)

// NotifierService 消费广播事件并输出审计日志。
// 下游商户通知等都从同一个 topic 接事件，这里是本服务自带的消费方。
type NotifierService struct {
	consumer mq.Consumer
}

func NewNotifierService(consumer mq.Consumer) *NotifierService {
	return &NotifierService{consumer: consumer}
}

func (s *NotifierService) Start(ctx context.Context) error {
	return s.consumer.Subscribe(ctx, event.TopicPaymentBroadcast, s.handleBroadcast)
}

func (s *NotifierService) handleBroadcast(msg *mq.Message) error {
	var evt event.PaymentBroadcast
	if err := json.Unmarshal(msg.Payload, &evt); err != nil {
		logger.Error("[Notifier] 事件解析失败", zap.String("msg_id", msg.ID), zap.Error(err))
		// 格式错误的消息重试也无济于事，ACK 掉
		return nil
	}

	logger.Info("[Notifier] 批量支付已上链",
		zap.String("wallet_id", evt.WalletID),
		zap.String("txid", evt.Txid),
		zap.Uint64s("request_ids", evt.RequestIDs),
		zap.Int64("total_fee_sat", evt.TotalFeeSat),
		zap.Int64("amount_sat", evt.AmountSat))
	return nil
}
