package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"batcher-core/internal/event"
	"batcher-core/internal/model"
	"batcher-core/pkg/errno"
)

// SQLLedger 基于 Postgres 的账本实现。
// mark_sent / mark_failed 对整个 ID 集合是原子的：任何一条校验失败，
// 事务整体回滚，不允许出现半个批次 sent 半个批次 queued 的中间态。
type SQLLedger struct {
	db *gorm.DB
}

func NewSQLLedger(db *gorm.DB) *SQLLedger {
	return &SQLLedger{db: db}
}

func (l *SQLLedger) Append(ctx context.Context, req *model.PaymentRequest) error {
	req.Status = model.StatusQueued
	if err := l.db.WithContext(ctx).Create(req).Error; err != nil {
		return fmt.Errorf("append payment request: %v: %w", err, errno.ErrDatabase)
	}
	return nil
}

func (l *SQLLedger) ListQueued(ctx context.Context, walletID string) ([]model.PaymentRequest, error) {
	var rows []model.PaymentRequest
	err := l.db.WithContext(ctx).
		Where("wallet_id = ? AND status = ?", walletID, model.StatusQueued).
		Order("created_at ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list queued: %v: %w", err, errno.ErrDatabase)
	}
	return rows, nil
}

func (l *SQLLedger) MarkSent(ctx context.Context, ids []uint64, txid string, attributions map[uint64]int64) error {
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rows, err := l.lockRows(tx, ids)
		if err != nil {
			return err
		}

		var walletID string
		var amountSum, feeSum int64
		now := time.Now()
		for _, r := range rows {
			fee, ok := attributions[r.ID]
			if !ok {
				return fmt.Errorf("request %d has no fee attribution: %w", r.ID, errno.ErrInvalidTransition)
			}
			walletID = r.WalletID
			amountSum += r.AmountSat
			feeSum += fee

			res := tx.Model(&model.PaymentRequest{}).
				Where("id = ? AND status = ?", r.ID, model.StatusQueued).
				Updates(map[string]interface{}{
					"status":     model.StatusSent,
					"txid":       txid,
					"fee_sat":    fee,
					"updated_at": now,
				})
			if res.Error != nil {
				return fmt.Errorf("mark sent: %v: %w", res.Error, errno.ErrDatabase)
			}
			if res.RowsAffected != 1 {
				return fmt.Errorf("request %d not queued anymore: %w", r.ID, errno.ErrInvalidTransition)
			}
		}

		// 同事务写入 Outbox，Relay 负责投递
		return model.CreateOutboxMessage(tx, event.TopicPaymentBroadcast, walletID, event.PaymentBroadcast{
			WalletID:    walletID,
			Txid:        txid,
			RequestIDs:  ids,
			TotalFeeSat: feeSum,
			AmountSat:   amountSum,
			OccurredAt:  now,
		})
	})
}

func (l *SQLLedger) MarkFailed(ctx context.Context, ids []uint64, reason string) error {
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rows, err := l.lockRows(tx, ids)
		if err != nil {
			return err
		}

		var walletID string
		now := time.Now()
		for _, r := range rows {
			walletID = r.WalletID
			res := tx.Model(&model.PaymentRequest{}).
				Where("id = ? AND status = ?", r.ID, model.StatusQueued).
				Updates(map[string]interface{}{
					"status":     model.StatusFailed,
					"updated_at": now,
				})
			if res.Error != nil {
				return fmt.Errorf("mark failed: %v: %w", res.Error, errno.ErrDatabase)
			}
			if res.RowsAffected != 1 {
				return fmt.Errorf("request %d not queued anymore: %w", r.ID, errno.ErrInvalidTransition)
			}
		}

		return model.CreateOutboxMessage(tx, event.TopicPaymentFailed, walletID, event.PaymentFailed{
			WalletID:   walletID,
			RequestIDs: ids,
			Reason:     reason,
			OccurredAt: now,
		})
	})
}

// RequeueSent 补偿回滚。只有确认交易从未传播的对账路径允许调用。
func (l *SQLLedger) RequeueSent(ctx context.Context, ids []uint64, txid string) error {
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, id := range ids {
			res := tx.Model(&model.PaymentRequest{}).
				Where("id = ? AND status = ? AND txid = ?", id, model.StatusSent, txid).
				Updates(map[string]interface{}{
					"status":     model.StatusQueued,
					"txid":       "",
					"fee_sat":    0,
					"updated_at": time.Now(),
				})
			if res.Error != nil {
				return fmt.Errorf("requeue sent: %v: %w", res.Error, errno.ErrDatabase)
			}
			// 行不处于 sent/txid 不匹配时跳过：该行从未被这笔交易标记过
		}
		return nil
	})
}

func (l *SQLLedger) Get(ctx context.Context, id uint64) (*model.PaymentRequest, error) {
	var row model.PaymentRequest
	err := l.db.WithContext(ctx).First(&row, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errno.ErrRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get request: %v: %w", err, errno.ErrDatabase)
	}
	return &row, nil
}

func (l *SQLLedger) ListRecent(ctx context.Context, limit int) ([]model.PaymentRequest, error) {
	var rows []model.PaymentRequest
	err := l.db.WithContext(ctx).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list recent: %v: %w", err, errno.ErrDatabase)
	}
	return rows, nil
}

func (l *SQLLedger) WalletsWithQueued(ctx context.Context) ([]string, error) {
	var wallets []string
	err := l.db.WithContext(ctx).
		Model(&model.PaymentRequest{}).
		Where("status = ?", model.StatusQueued).
		Distinct("wallet_id").
		Pluck("wallet_id", &wallets).Error
	if err != nil {
		return nil, fmt.Errorf("wallets with queued: %v: %w", err, errno.ErrDatabase)
	}
	return wallets, nil
}

// lockRows SELECT ... FOR UPDATE 锁住整批行并校验全部处于 queued
func (l *SQLLedger) lockRows(tx *gorm.DB, ids []uint64) ([]model.PaymentRequest, error) {
	var rows []model.PaymentRequest
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id IN ?", ids).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("lock rows: %v: %w", err, errno.ErrDatabase)
	}
	if len(rows) != len(ids) {
		return nil, fmt.Errorf("expected %d rows, found %d: %w", len(ids), len(rows), errno.ErrInvalidTransition)
	}
	for _, r := range rows {
		if r.Status != model.StatusQueued {
			return nil, fmt.Errorf("request %d is %s, not queued: %w", r.ID, r.Status, errno.ErrInvalidTransition)
		}
	}
	return rows, nil
}

// SQLAttemptJournal 广播日志的 Postgres 实现
type SQLAttemptJournal struct {
	db *gorm.DB
}

func NewSQLAttemptJournal(db *gorm.DB) *SQLAttemptJournal {
	return &SQLAttemptJournal{db: db}
}

func (j *SQLAttemptJournal) Create(ctx context.Context, attempt *model.BroadcastAttempt) error {
	if err := j.db.WithContext(ctx).Create(attempt).Error; err != nil {
		return fmt.Errorf("create attempt: %v: %w", err, errno.ErrDatabase)
	}
	return nil
}

func (j *SQLAttemptJournal) Update(ctx context.Context, attempt *model.BroadcastAttempt) error {
	attempt.UpdatedAt = time.Now()
	if err := j.db.WithContext(ctx).Save(attempt).Error; err != nil {
		return fmt.Errorf("update attempt: %v: %w", err, errno.ErrDatabase)
	}
	return nil
}

func (j *SQLAttemptJournal) ListUnresolved(ctx context.Context) ([]model.BroadcastAttempt, error) {
	var rows []model.BroadcastAttempt
	err := j.db.WithContext(ctx).
		Where("status IN ?", []string{model.AttemptBuilding, model.AttemptSubmitted}).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list unresolved attempts: %v: %w", err, errno.ErrDatabase)
	}
	return rows, nil
}
