package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"batcher-core/internal/chain"
	"batcher-core/internal/model"
	"batcher-core/pkg/errno"
)

// ---- 决策数据源 ----

type stubFees struct {
	rate int64
	err  error
}

func (s *stubFees) RateSatPerKvB(ctx context.Context) (int64, error) {
	return s.rate, s.err
}

type stubSizes struct {
	size int
	err  error
}

func (s *stubSizes) VSize(ctx context.Context, walletID string, outputs []chain.Output) (int, error) {
	return s.size, s.err
}

// ---- 内存账本 ----

type memLedger struct {
	mu   sync.Mutex
	seq  uint64
	rows map[uint64]*model.PaymentRequest
}

func newMemLedger() *memLedger {
	return &memLedger{rows: make(map[uint64]*model.PaymentRequest)}
}

func (l *memLedger) Append(ctx context.Context, req *model.PaymentRequest) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	req.ID = l.seq
	req.Status = model.StatusQueued
	req.CreatedAt = time.Now()
	cp := *req
	l.rows[req.ID] = &cp
	return nil
}

func (l *memLedger) ListQueued(ctx context.Context, walletID string) ([]model.PaymentRequest, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []model.PaymentRequest
	for _, r := range l.rows {
		if r.WalletID == walletID && r.Status == model.StatusQueued {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (l *memLedger) MarkSent(ctx context.Context, ids []uint64, txid string, attributions map[uint64]int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	// 先整体校验再变更，模拟真实实现的事务语义
	for _, id := range ids {
		r, ok := l.rows[id]
		if !ok || r.Status != model.StatusQueued {
			return fmt.Errorf("request %d: %w", id, errno.ErrInvalidTransition)
		}
	}
	for _, id := range ids {
		l.rows[id].Status = model.StatusSent
		l.rows[id].Txid = txid
		l.rows[id].FeeSat = attributions[id]
	}
	return nil
}

func (l *memLedger) MarkFailed(ctx context.Context, ids []uint64, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range ids {
		r, ok := l.rows[id]
		if !ok || r.Status != model.StatusQueued {
			return fmt.Errorf("request %d: %w", id, errno.ErrInvalidTransition)
		}
	}
	for _, id := range ids {
		l.rows[id].Status = model.StatusFailed
	}
	return nil
}

func (l *memLedger) RequeueSent(ctx context.Context, ids []uint64, txid string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range ids {
		r, ok := l.rows[id]
		if ok && r.Status == model.StatusSent && r.Txid == txid {
			r.Status = model.StatusQueued
			r.Txid = ""
			r.FeeSat = 0
		}
	}
	return nil
}

func (l *memLedger) Get(ctx context.Context, id uint64) (*model.PaymentRequest, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.rows[id]
	if !ok {
		return nil, errno.ErrRequestNotFound
	}
	cp := *r
	return &cp, nil
}

func (l *memLedger) ListRecent(ctx context.Context, limit int) ([]model.PaymentRequest, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []model.PaymentRequest
	for _, r := range l.rows {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (l *memLedger) WalletsWithQueued(ctx context.Context) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, r := range l.rows {
		if r.Status == model.StatusQueued && !seen[r.WalletID] {
			seen[r.WalletID] = true
			out = append(out, r.WalletID)
		}
	}
	return out, nil
}

// ---- 内存广播日志 ----

type memJournal struct {
	mu       sync.Mutex
	seq      uint64
	attempts map[uint64]*model.BroadcastAttempt
}

func newMemJournal() *memJournal {
	return &memJournal{attempts: make(map[uint64]*model.BroadcastAttempt)}
}

func (j *memJournal) Create(ctx context.Context, a *model.BroadcastAttempt) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.seq++
	a.ID = j.seq
	cp := *a
	j.attempts[a.ID] = &cp
	return nil
}

func (j *memJournal) Update(ctx context.Context, a *model.BroadcastAttempt) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	cp := *a
	j.attempts[a.ID] = &cp
	return nil
}

func (j *memJournal) ListUnresolved(ctx context.Context) ([]model.BroadcastAttempt, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []model.BroadcastAttempt
	for _, a := range j.attempts {
		if a.Status == model.AttemptBuilding || a.Status == model.AttemptSubmitted {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

// ---- 假钱包 / 假网络 ----

type fakeWallet struct {
	mu        sync.Mutex
	seq       int
	buildErr  error
	built     []*chain.BuiltTx
	discarded []string
}

func (w *fakeWallet) BuildTransaction(ctx context.Context, walletID string, outputs []chain.Output, feeSat int64) (*chain.BuiltTx, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buildErr != nil {
		return nil, w.buildErr
	}
	w.seq++
	tx := &chain.BuiltTx{
		Txid:  fmt.Sprintf("txid-%d", w.seq),
		RawTx: []byte{0x01, byte(w.seq)},
	}
	w.built = append(w.built, tx)
	return tx, nil
}

func (w *fakeWallet) EstimateSize(ctx context.Context, walletID string, outputs []chain.Output) (int, error) {
	return 200, nil
}

func (w *fakeWallet) Discard(ctx context.Context, walletID string, txid string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.discarded = append(w.discarded, txid)
	return nil
}

func (w *fakeWallet) UnusedAddress(ctx context.Context, walletID string) (string, error) {
	return "addr-unused", nil
}

type fakeNetwork struct {
	mu           sync.Mutex
	broadcastErr error
	broadcasts   int
	propagation  map[string]chain.Propagation
}

func (n *fakeNetwork) Start(ctx context.Context) error { return nil }
func (n *fakeNetwork) Stop() error                     { return nil }

func (n *fakeNetwork) FeeEstimate(ctx context.Context, confTarget int) (int64, error) {
	return 40000, nil
}

func (n *fakeNetwork) Broadcast(ctx context.Context, rawTx []byte) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.broadcastErr != nil {
		return "", n.broadcastErr
	}
	n.broadcasts++
	return "", nil // coordinator 回退使用钱包给出的 txid
}

func (n *fakeNetwork) QueryPropagation(ctx context.Context, txid string) (chain.Propagation, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if p, ok := n.propagation[txid]; ok {
		return p, nil
	}
	return chain.PropagationUnknown, nil
}
