package service

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"batcher-core/internal/chain"
	"batcher-core/internal/model"
	"batcher-core/pkg/errno"
	"batcher-core/pkg/monitor"
)

func newTestService(fees FeeSource, sizes SizeSource, thresholdBps, maxBatch int) (*PaymentService, *memLedger, *memJournal, *fakeWallet, *fakeNetwork) {
	ledger := newMemLedger()
	journal := newMemJournal()
	wallet := &fakeWallet{}
	network := &fakeNetwork{}
	engine := NewBatchEngine(fees, sizes, thresholdBps, maxBatch)
	coord := NewBroadcastCoordinator(ledger, journal, wallet, network)
	return NewPaymentService(ledger, engine, coord, nil), ledger, journal, wallet, network
}

func TestSubmitQueuesAboveThreshold(t *testing.T) {
	svc, ledger, _, _, network := newTestService(&stubFees{rate: 40000}, &stubSizes{size: 200}, 500, 20)

	res, err := svc.Submit(context.Background(), "w1", "addr-a", 100_000)
	require.NoError(t, err)

	assert.False(t, res.Broadcast)
	assert.Empty(t, res.Txid)
	assert.Equal(t, int64(8000), res.FeeSat)
	assert.Equal(t, 0, network.broadcasts)

	row, err := ledger.Get(context.Background(), res.RequestID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusQueued, row.Status)
}

func TestSubmitSecondPaymentTriggersBatch(t *testing.T) {
	svc, ledger, _, _, network := newTestService(&stubFees{rate: 40000}, &stubSizes{size: 200}, 500, 20)

	first, err := svc.Submit(context.Background(), "w1", "addr-a", 100_000)
	require.NoError(t, err)
	require.False(t, first.Broadcast)

	second, err := svc.Submit(context.Background(), "w1", "addr-b", 400_000)
	require.NoError(t, err)

	assert.True(t, second.Broadcast)
	assert.NotEmpty(t, second.Txid)
	assert.Equal(t, 1, network.broadcasts)
	assert.Equal(t, int64(6400), second.FeeSat)

	// 两条共享同一 txid，份额之和等于整批手续费
	a, _ := ledger.Get(context.Background(), first.RequestID)
	b, _ := ledger.Get(context.Background(), second.RequestID)
	assert.Equal(t, model.StatusSent, a.Status)
	assert.Equal(t, model.StatusSent, b.Status)
	assert.Equal(t, a.Txid, b.Txid)
	assert.Equal(t, int64(8000), a.FeeSat+b.FeeSat)
}

func TestSubmitInvalidAmount(t *testing.T) {
	svc, _, _, _, _ := newTestService(&stubFees{rate: 40000}, &stubSizes{size: 200}, 500, 20)

	_, err := svc.Submit(context.Background(), "w1", "addr-a", 0)
	require.ErrorIs(t, err, errno.ErrInvalidAmount)

	_, err = svc.Submit(context.Background(), "w1", "addr-a", -5)
	require.ErrorIs(t, err, errno.ErrInvalidAmount)
}

func TestSubmitFeeUnavailableKeepsQueued(t *testing.T) {
	svc, ledger, _, _, _ := newTestService(&stubFees{err: errno.ErrFeeUnavailable}, &stubSizes{size: 200}, 500, 20)

	res, err := svc.Submit(context.Background(), "w1", "addr-a", 100_000)
	require.Error(t, err)
	assert.True(t, errno.IsRetryable(err))

	// 请求已受理: ID 已分配且保持 queued，不会丢
	require.NotZero(t, res.RequestID)
	row, getErr := ledger.Get(context.Background(), res.RequestID)
	require.NoError(t, getErr)
	assert.Equal(t, model.StatusQueued, row.Status)
}

func TestSubmitBroadcastFailureKeepsQueued(t *testing.T) {
	svc, ledger, _, wallet, network := newTestService(&stubFees{rate: 40000}, &stubSizes{size: 200}, 500, 20)
	network.broadcastErr = errno.ErrSubmitTx

	_, err := svc.Submit(context.Background(), "w1", "addr-a", 100_000)
	require.NoError(t, err)

	res, err := svc.Submit(context.Background(), "w1", "addr-b", 400_000)
	require.ErrorIs(t, err, errno.ErrSubmitTx)
	require.NotZero(t, res.RequestID)

	// 已构造的交易被丢弃，两条请求都还在队列里
	assert.NotEmpty(t, wallet.discarded)
	queued, _ := ledger.ListQueued(context.Background(), "w1")
	assert.Len(t, queued, 2)

	// 下一轮恢复后整批照常广播
	network.broadcastErr = nil
	third, err := svc.Submit(context.Background(), "w1", "addr-c", 500_000)
	require.NoError(t, err)
	assert.True(t, third.Broadcast)
	queued, _ = ledger.ListQueued(context.Background(), "w1")
	assert.Empty(t, queued)
}

// 未对账完成的 submitted 广播占住其请求行：这些行可能已经随原交易
// 上链，在传播状态确认前再次入选等于对同一批收款人付两次钱。
func TestSubmitExcludesRowsHeldByUnresolvedAttempt(t *testing.T) {
	svc, ledger, journal, _, network := newTestService(&stubFees{rate: 40000}, &stubSizes{size: 200}, 500, 20)

	// 模拟: 两条请求已随 tx-limbo 提交过网络，进程随后崩溃，
	// 启动对账时传播状态未知，attempt 留在 submitted
	heldIDs := seedQueued(t, ledger, "w1", 100_000, 400_000)
	attempt := &model.BroadcastAttempt{
		WalletID:    "w1",
		Txid:        "tx-limbo",
		RequestIDs:  model.JoinIDs(heldIDs),
		TotalFeeSat: 8000,
		Status:      model.AttemptSubmitted,
	}
	require.NoError(t, journal.Create(context.Background(), attempt))
	require.NoError(t, svc.broadcaster.Recover(context.Background()))

	// 干跑同样看不到被占的行
	est, err := svc.Estimate(context.Background(), "w1", "addr-z", 2_000_000)
	require.NoError(t, err)
	assert.Equal(t, 1, est.BatchSize)

	// 新请求单独成批广播，被占的两行不参与
	res, err := svc.Submit(context.Background(), "w1", "addr-z", 2_000_000)
	require.NoError(t, err)
	assert.True(t, res.Broadcast)
	assert.NotEqual(t, "tx-limbo", res.Txid)

	for _, id := range heldIDs {
		row, _ := ledger.Get(context.Background(), id)
		assert.Equal(t, model.StatusQueued, row.Status)
		assert.Empty(t, row.Txid)
	}

	// 传播确认后对账把行在原 txid 下落定，不会二次广播
	network.propagation = map[string]chain.Propagation{"tx-limbo": chain.PropagationPropagated}
	require.NoError(t, svc.broadcaster.Recover(context.Background()))
	for _, id := range heldIDs {
		row, _ := ledger.Get(context.Background(), id)
		assert.Equal(t, model.StatusSent, row.Status)
		assert.Equal(t, "tx-limbo", row.Txid)
	}
}

func TestSubmitBuildFailureMarksBatchFailed(t *testing.T) {
	svc, ledger, _, wallet, _ := newTestService(&stubFees{rate: 40000}, &stubSizes{size: 200}, 10_000, 20)
	wallet.buildErr = errno.ErrBuildTx

	res, err := svc.Submit(context.Background(), "w1", "addr-a", 100_000)
	require.ErrorIs(t, err, errno.ErrBuildTx)

	row, _ := ledger.Get(context.Background(), res.RequestID)
	assert.Equal(t, model.StatusFailed, row.Status)
}

func TestEstimateDoesNotTouchLedger(t *testing.T) {
	svc, ledger, _, _, network := newTestService(&stubFees{rate: 40000}, &stubSizes{size: 200}, 500, 20)

	res, err := svc.Estimate(context.Background(), "w1", "addr-a", 100_000)
	require.NoError(t, err)

	assert.Equal(t, int64(8000), res.FeeSat)
	assert.Equal(t, int64(800), res.FeeRatioBps)
	assert.False(t, res.WouldBroadcast)
	assert.Equal(t, 1, res.BatchSize)

	// 干跑不入账不广播
	queued, _ := ledger.ListQueued(context.Background(), "w1")
	assert.Empty(t, queued)
	assert.Equal(t, 0, network.broadcasts)
}

func TestEstimateIncludesQueuedSet(t *testing.T) {
	svc, _, _, _, _ := newTestService(&stubFees{rate: 40000}, &stubSizes{size: 200}, 500, 20)

	_, err := svc.Submit(context.Background(), "w1", "addr-a", 100_000)
	require.NoError(t, err)

	// 排队集合 + 这笔干跑请求共 500000 聪，阈值满足
	res, err := svc.Estimate(context.Background(), "w1", "addr-b", 400_000)
	require.NoError(t, err)

	assert.True(t, res.WouldBroadcast)
	assert.Equal(t, 2, res.BatchSize)
	assert.Equal(t, int64(8000), res.TotalFeeSat)
	assert.Equal(t, int64(6400), res.FeeSat)
}

func TestFlushWalletBypassesThreshold(t *testing.T) {
	svc, ledger, _, _, network := newTestService(&stubFees{rate: 40000}, &stubSizes{size: 200}, 500, 20)

	res, err := svc.Submit(context.Background(), "w1", "addr-a", 100_000)
	require.NoError(t, err)
	require.False(t, res.Broadcast)

	require.NoError(t, svc.FlushWallet(context.Background(), "w1"))

	assert.Equal(t, 1, network.broadcasts)
	row, _ := ledger.Get(context.Background(), res.RequestID)
	assert.Equal(t, model.StatusSent, row.Status)
	assert.Equal(t, int64(8000), row.FeeSat)
}

func TestWalletsIsolated(t *testing.T) {
	svc, ledger, _, _, network := newTestService(&stubFees{rate: 40000}, &stubSizes{size: 200}, 500, 20)

	_, err := svc.Submit(context.Background(), "w1", "addr-a", 100_000)
	require.NoError(t, err)

	// w2 的批量不吸收 w1 的排队请求
	res, err := svc.Submit(context.Background(), "w2", "addr-b", 1_000_000)
	require.NoError(t, err)
	assert.True(t, res.Broadcast)
	assert.Equal(t, 1, network.broadcasts)

	queued, _ := ledger.ListQueued(context.Background(), "w1")
	assert.Len(t, queued, 1)
}

func TestStatusAndHistory(t *testing.T) {
	svc, _, _, _, _ := newTestService(&stubFees{rate: 40000}, &stubSizes{size: 200}, 500, 20)

	res, err := svc.Submit(context.Background(), "w1", "addr-a", 100_000)
	require.NoError(t, err)

	row, err := svc.Status(context.Background(), res.RequestID)
	require.NoError(t, err)
	assert.Equal(t, "addr-a", row.Address)

	_, err = svc.Status(context.Background(), 999)
	require.ErrorIs(t, err, errno.ErrRequestNotFound)

	rows, err := svc.History(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

// 容量裁剪后批量可能小于候选集，队列深度指标必须反映剩余的排队行。
func TestSubmitQueueGaugeAfterCapTrim(t *testing.T) {
	if monitor.Business == nil {
		monitor.InitBusinessMetrics()
	}
	svc, ledger, _, _, network := newTestService(&stubFees{rate: 40000}, &stubSizes{size: 200}, 10_000, 2)

	// 广播暂时不可用，积压三条
	network.broadcastErr = errno.ErrSubmitTx
	for i := 0; i < 3; i++ {
		_, err := svc.Submit(context.Background(), "w-gauge", fmt.Sprintf("addr-%d", i), 100_000)
		require.ErrorIs(t, err, errno.ErrSubmitTx)
	}

	// 恢复后下一条触发广播，批量被容量裁到 2，剩两行继续排队
	network.broadcastErr = nil
	res, err := svc.Submit(context.Background(), "w-gauge", "addr-3", 100_000)
	require.NoError(t, err)
	require.True(t, res.Broadcast)

	queued, _ := ledger.ListQueued(context.Background(), "w-gauge")
	require.Len(t, queued, 2)
	gauge := monitor.Business.QueuedRequests.WithLabelValues("w-gauge")
	assert.Equal(t, float64(len(queued)), testutil.ToFloat64(gauge))
}

// 并发正确性: 同一 wallet 并发提交，每条请求恰好被一笔交易选中一次。
// 内存账本的 MarkSent 会对非 queued 行报 ErrInvalidTransition，
// 任何重复选中都会让测试失败。
func TestSubmitConcurrentNoDoubleSelect(t *testing.T) {
	svc, ledger, _, _, _ := newTestService(&stubFees{rate: 40000}, &stubSizes{size: 200}, 10_000, 20)

	const n = 32
	var wg sync.WaitGroup
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Submit(context.Background(), "w1", fmt.Sprintf("addr-%d", i), 100_000)
			errCh <- err
		}(i)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		require.NoError(t, err)
	}

	// 阈值 10000 bps 下每轮必然广播: 所有请求终态 sent，队列清空
	queued, _ := ledger.ListQueued(context.Background(), "w1")
	assert.Empty(t, queued)

	rows, _ := ledger.ListRecent(context.Background(), n)
	require.Len(t, rows, n)
	for _, r := range rows {
		assert.Equal(t, model.StatusSent, r.Status)
		assert.NotEmpty(t, r.Txid)
	}
}
