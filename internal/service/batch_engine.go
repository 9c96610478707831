package service

import (
	"context"
	"fmt"
	"math/big"

	"batcher-core/internal/chain"
	"batcher-core/internal/model"
)

// Decision 一次决策周期的结果。
// Broadcast 为 false 时仅携带干跑的费用估计，账本不发生任何变更。
type Decision struct {
	Broadcast      bool
	RequestIDs     []uint64
	Outputs        []chain.Output
	TotalAmountSat int64
	TotalFeeSat    int64
	FeeRatioBps    int64
	VSize          int
	RateSatPerKvB  int64
	// Attributions 按请求 ID 的手续费份额，sum == TotalFeeSat
	Attributions map[uint64]int64
	// CapReached 本次广播由容量/强制触发，而非阈值满足
	CapReached bool
}

// BatchEngine 决定一批 queued 请求是立即广播还是继续等待。
// 纯决策逻辑：不触碰账本，不持有锁，调用方负责两者。
type BatchEngine struct {
	fees         FeeSource
	sizes        SizeSource
	thresholdBps int64
	maxBatchSize int
}

func NewBatchEngine(fees FeeSource, sizes SizeSource, thresholdBps int, maxBatchSize int) *BatchEngine {
	if maxBatchSize < 1 {
		maxBatchSize = 1
	}
	return &BatchEngine{
		fees:         fees,
		sizes:        sizes,
		thresholdBps: int64(thresholdBps),
		maxBatchSize: maxBatchSize,
	}
}

// Evaluate 对候选请求集合 (最老的在前，最后一条为本次新到的请求，
// 若有) 做一次决策。force 为 true 时跳过阈值判断直接广播，用于
// max-wait 到期的强制冲洗。
//
// 费率或大小数据不可用时返回相应的瞬时错误，候选集不发生任何变化。
func (e *BatchEngine) Evaluate(ctx context.Context, walletID string, candidates []model.PaymentRequest, force bool) (*Decision, error) {
	if len(candidates) == 0 {
		return nil, fmt.Errorf("empty candidate set")
	}

	batch := e.capCandidates(candidates)

	outputs := make([]chain.Output, 0, len(batch))
	ids := make([]uint64, 0, len(batch))
	var totalAmount int64
	for _, r := range batch {
		outputs = append(outputs, chain.Output{Address: r.Address, AmountSat: r.AmountSat})
		ids = append(ids, r.ID)
		totalAmount += r.AmountSat
	}

	rate, err := e.fees.RateSatPerKvB(ctx)
	if err != nil {
		return nil, err
	}

	vsize, err := e.sizes.VSize(ctx, walletID, outputs)
	if err != nil {
		return nil, err
	}

	totalFee := feeForSize(vsize, rate)

	capReached := len(batch) >= e.maxBatchSize
	// 整数交叉相乘代替 fee/amount 浮点比较:
	// fee/amount <= threshold  <=>  fee * 10000 <= thresholdBps * amount
	// 批量总额可达数千万 BTC 量级，乘积必须走 big.Int
	underThreshold := underThresholdBps(totalFee, totalAmount, e.thresholdBps)

	d := &Decision{
		Broadcast:      force || capReached || underThreshold,
		RequestIDs:     ids,
		Outputs:        outputs,
		TotalAmountSat: totalAmount,
		TotalFeeSat:    totalFee,
		FeeRatioBps:    feeRatioBps(totalFee, totalAmount),
		VSize:          vsize,
		RateSatPerKvB:  rate,
		Attributions:   attributeFee(batch, totalFee, totalAmount),
		CapReached:     capReached || force,
	}
	return d, nil
}

// capCandidates 容量裁剪：最老的优先保留；新到的请求 (末尾) 始终入选
func (e *BatchEngine) capCandidates(candidates []model.PaymentRequest) []model.PaymentRequest {
	if len(candidates) <= e.maxBatchSize {
		return candidates
	}
	batch := make([]model.PaymentRequest, 0, e.maxBatchSize)
	batch = append(batch, candidates[:e.maxBatchSize-1]...)
	batch = append(batch, candidates[len(candidates)-1])
	return batch
}

// underThresholdBps 判定 fee/amount <= thresholdBps，整数交叉相乘
func underThresholdBps(totalFee, totalAmount, thresholdBps int64) bool {
	lhs := new(big.Int).Mul(big.NewInt(totalFee), big.NewInt(10_000))
	rhs := new(big.Int).Mul(big.NewInt(thresholdBps), big.NewInt(totalAmount))
	return lhs.Cmp(rhs) <= 0
}

// feeForSize 手续费 = vsize * 费率，四舍五入 (round half up)，单位聪
func feeForSize(vsize int, rateSatPerKvB int64) int64 {
	return (int64(vsize)*rateSatPerKvB + 500) / 1000
}

// feeRatioBps 手续费与总金额之比，基点
func feeRatioBps(totalFee, totalAmount int64) int64 {
	if totalAmount == 0 {
		return 0
	}
	// 报告值四舍五入；广播判定另行用交叉相乘，不受此处舍入影响
	num := new(big.Int).Mul(big.NewInt(totalFee), big.NewInt(10_000))
	num.Add(num, big.NewInt(totalAmount/2))
	return new(big.Int).Quo(num, big.NewInt(totalAmount)).Int64()
}

// attributeFee 按金额比例分摊手续费。
// 整数截断产生的余数全部记到金额最大的一条上 (并列取最先出现的)，
// 保证 sum(份额) 恒等于 totalFee。
func attributeFee(batch []model.PaymentRequest, totalFee, totalAmount int64) map[uint64]int64 {
	attrs := make(map[uint64]int64, len(batch))
	if totalAmount == 0 || totalFee == 0 {
		for _, r := range batch {
			attrs[r.ID] = 0
		}
		return attrs
	}

	bigFee := big.NewInt(totalFee)
	bigAmount := big.NewInt(totalAmount)

	var assigned int64
	largestIdx := 0
	for i, r := range batch {
		share := new(big.Int).Mul(big.NewInt(r.AmountSat), bigFee)
		share.Quo(share, bigAmount)
		attrs[r.ID] = share.Int64()
		assigned += share.Int64()

		if r.AmountSat > batch[largestIdx].AmountSat {
			largestIdx = i
		}
	}

	attrs[batch[largestIdx].ID] += totalFee - assigned
	return attrs
}
