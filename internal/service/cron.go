package service

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"batcher-core/pkg/errno"
	"batcher-core/pkg/logger"
)

// CronService 定时任务：max-wait 冲洗。
// 单笔 fee_ratio 超过阈值的请求不能永远等不到同伴——排队最久的
// 请求超过 batching.max_wait 后，该 wallet 的整个队列被强制广播。
type CronService struct {
	cron     *cron.Cron
	payments *PaymentService
	maxWait  time.Duration
}

func NewCronService(payments *PaymentService, maxWait time.Duration) *CronService {
	return &CronService{
		cron:     cron.New(),
		payments: payments,
		maxWait:  maxWait,
	}
}

func (s *CronService) Start() {
	_, _ = s.cron.AddFunc("@every 1m", s.FlushExpiredWallets)
	s.cron.Start()
	logger.Info("Cron Service started", zap.Duration("max_wait", s.maxWait))
}

func (s *CronService) Stop() {
	s.cron.Stop()
	logger.Info("Cron Service stopped")
}

// FlushExpiredWallets 扫描所有存在 queued 请求的 wallet，超龄的强制冲洗
func (s *CronService) FlushExpiredWallets() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	wallets, err := s.payments.QueuedWallets(ctx)
	if err != nil {
		logger.Error("[Flush] 查询排队 wallet 失败", zap.Error(err))
		return
	}

	for _, walletID := range wallets {
		queued, err := s.payments.ledger.ListQueued(ctx, walletID)
		if err != nil || len(queued) == 0 {
			continue
		}
		oldest := queued[0].CreatedAt
		if time.Since(oldest) < s.maxWait {
			continue
		}

		logger.Info("[Flush] 最老请求超过 max-wait，强制广播",
			zap.String("wallet_id", walletID),
			zap.Time("oldest", oldest),
			zap.Int("queued", len(queued)))

		if err := s.payments.FlushWallet(ctx, walletID); err != nil {
			if errno.IsRetryable(err) {
				// 其他实例在处理或上游数据未就绪，下一轮再试
				logger.Warn("[Flush] 冲洗推迟", zap.String("wallet_id", walletID), zap.Error(err))
				continue
			}
			logger.Error("[Flush] 冲洗失败", zap.String("wallet_id", walletID), zap.Error(err))
		}
	}
}
