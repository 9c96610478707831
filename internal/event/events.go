package event

import "time"

// Topic 常量，Outbox 与 MQ 共用
const (
	TopicPaymentBroadcast = "payment_events_broadcast"
	TopicPaymentFailed    = "payment_events_failed"
)

// PaymentBroadcast 一批支付请求成功上链后发布
type PaymentBroadcast struct {
	WalletID    string    `json:"wallet_id"`
	Txid        string    `json:"txid"`
	RequestIDs  []uint64  `json:"request_ids"`
	TotalFeeSat int64     `json:"total_fee_sat"`
	AmountSat   int64     `json:"amount_sat"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// PaymentFailed 一批支付请求被标记为 failed 后发布
type PaymentFailed struct {
	WalletID   string    `json:"wallet_id"`
	RequestIDs []uint64  `json:"request_ids"`
	Reason     string    `json:"reason"`
	OccurredAt time.Time `json:"occurred_at"`
}
