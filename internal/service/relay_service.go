package service

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"batcher-core/internal/model"
	"batcher-core/internal/service/mq"
	"batcher-core/pkg/logger"
)

// RelayService 负责将本地消息表的消息搬运到 MQ
type RelayService struct {
	db       *gorm.DB
	producer mq.Producer
	interval time.Duration
}

func NewRelayService(db *gorm.DB, producer mq.Producer) *RelayService {
	return &RelayService{
		db:       db,
		producer: producer,
		interval: 500 * time.Millisecond,
	}
}

func (s *RelayService) Start(ctx context.Context) {
	logger.Info("[Relay] 启动消息中继服务...")
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("[Relay] 停止服务")
			return
		case <-ticker.C:
			s.processPendingMessages(ctx)
		}
	}
}

func (s *RelayService) processPendingMessages(ctx context.Context) {
	// 1. 获取一批 Pending 消息
	var messages []model.OutboxMessage
	// 每次取 50 条，避免内存爆炸
	if err := s.db.Where("status = ?", "PENDING").Limit(50).Find(&messages).Error; err != nil {
		logger.Error("[Relay] 查询消息失败", zap.Error(err))
		return
	}

	if len(messages) == 0 {
		return
	}

	for _, msg := range messages {
		// 2. 发送 MQ (Key 为 wallet_id, 保证同一 wallet 的事件有序)
		if err := s.producer.Publish(ctx, msg.Topic, msg.Key, msg.Payload); err != nil {
			logger.Error("[Relay] 发送消息失败", zap.Uint64("id", msg.ID), zap.Error(err))
			continue
		}

		// 3. 更新状态为 SENT
		// 只有发送成功了才更新状态 => At-least-once (至少一次投递)
		// 如果这里更新失败，下次还会发，Consumer 需做好幂等
		if err := s.db.Model(&msg).Update("status", "SENT").Error; err != nil {
			logger.Error("[Relay] 更新状态失败", zap.Uint64("id", msg.ID), zap.Error(err))
		}
	}
}
