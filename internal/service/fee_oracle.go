package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"batcher-core/internal/chain"
	"batcher-core/pkg/errno"
	"batcher-core/pkg/logger"
	"batcher-core/pkg/monitor"
)

const feeCacheTTL = 10 * time.Minute

// FeeOracle 获取当前网络费率 (sat/kvB)。
// 上游暂无数据时以指数退避等待，直到拿到数据或调用方的超时耗尽；
// 超时后回退到 Redis 里缓存的最近一次费率 (静态回退)。
type FeeOracle struct {
	network    chain.NetworkClient
	cache      *redis.Client // 可为 nil, 只是失去回退能力
	confTarget int
	timeout    time.Duration
}

func NewFeeOracle(network chain.NetworkClient, cache *redis.Client, confTarget int, timeout time.Duration) *FeeOracle {
	return &FeeOracle{
		network:    network,
		cache:      cache,
		confTarget: confTarget,
		timeout:    timeout,
	}
}

func (o *FeeOracle) RateSatPerKvB(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	backoff := 200 * time.Millisecond
	for {
		rate, err := o.network.FeeEstimate(ctx, o.confTarget)
		if err == nil {
			o.cacheRate(rate)
			return rate, nil
		}
		// 上游暂无数据、网络未就绪、传输失败都按同一套退避处理:
		// 守护进程刚重启时这些错误会交替出现，等待由调用方的超时封顶
		if !errors.Is(err, errno.ErrFeeUnavailable) {
			logger.Debug("费率查询失败，退避重试", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return o.fallback()
		case <-time.After(backoff):
		}
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
}

func (o *FeeOracle) cacheKey() string {
	return "fee:estimate:" + strconv.Itoa(o.confTarget)
}

func (o *FeeOracle) cacheRate(rate int64) {
	if o.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := o.cache.Set(ctx, o.cacheKey(), rate, feeCacheTTL).Err(); err != nil {
		logger.Debug("缓存费率失败", zap.Error(err))
	}
}

// fallback 上游超时后使用缓存的最近费率
func (o *FeeOracle) fallback() (int64, error) {
	if o.cache == nil {
		return 0, errno.ErrFeeUnavailable
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	val, err := o.cache.Get(ctx, o.cacheKey()).Result()
	if err != nil {
		return 0, errno.ErrFeeUnavailable
	}
	rate, err := strconv.ParseInt(val, 10, 64)
	if err != nil || rate <= 0 {
		return 0, errno.ErrFeeUnavailable
	}

	logger.Warn("费率上游超时，使用缓存费率", zap.Int64("sat_per_kvb", rate))
	if monitor.Business != nil {
		monitor.Business.FeeOracleFallbackTotal.Inc()
	}
	return rate, nil
}

// WalletSizeSource 由钱包守护进程做 coin selection 后估算交易大小
type WalletSizeSource struct {
	wallet chain.WalletClient
}

func NewWalletSizeSource(wallet chain.WalletClient) *WalletSizeSource {
	return &WalletSizeSource{wallet: wallet}
}

func (s *WalletSizeSource) VSize(ctx context.Context, walletID string, outputs []chain.Output) (int, error) {
	size, err := s.wallet.EstimateSize(ctx, walletID, outputs)
	if err != nil {
		if errors.Is(err, errno.ErrSizeEstimation) {
			return 0, err
		}
		return 0, fmt.Errorf("%v: %w", err, errno.ErrSizeEstimation)
	}
	return size, nil
}

// StaticSizeSource 不访问钱包的确定性估算 (pkg/txsize)
type StaticSizeSource struct {
	estimate func(addresses []string) (int, error)
}

func NewStaticSizeSource(estimate func(addresses []string) (int, error)) *StaticSizeSource {
	return &StaticSizeSource{estimate: estimate}
}

func (s *StaticSizeSource) VSize(ctx context.Context, walletID string, outputs []chain.Output) (int, error) {
	addrs := make([]string, 0, len(outputs))
	for _, o := range outputs {
		addrs = append(addrs, o.Address)
	}
	size, err := s.estimate(addrs)
	if err != nil {
		return 0, fmt.Errorf("%v: %w", err, errno.ErrSizeEstimation)
	}
	return size, nil
}
