package model

import "time"

// PaymentRequest 状态机: queued -> sent / failed (终态)。
// 终态行不再变更；唯一例外是广播对账确认交易未传播时的
// 补偿回滚 sent -> queued (见 BroadcastAttempt)。
const (
	StatusQueued = "queued"
	StatusSent   = "sent"
	StatusFailed = "failed"
)

// PaymentRequest 支付请求表
// 金额一律使用整数聪，避免浮点漂移
type PaymentRequest struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	WalletID  string    `gorm:"type:varchar(64);not null;index:idx_wallet_status" json:"wallet_id"`
	Address   string    `gorm:"type:varchar(128);not null" json:"address"`
	AmountSat int64     `gorm:"not null" json:"amount_sat"`
	Status    string    `gorm:"type:varchar(16);not null;default:'queued';index:idx_wallet_status" json:"status"`
	Txid      string    `gorm:"type:varchar(64)" json:"txid,omitempty"`
	FeeSat    int64     `json:"fee_sat,omitempty"` // 按比例分摊的手续费，仅 sent 时有值
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (PaymentRequest) TableName() string {
	return "payment_requests"
}

// IsTerminal 返回请求是否已处于终态
func (r *PaymentRequest) IsTerminal() bool {
	return r.Status == StatusSent || r.Status == StatusFailed
}
