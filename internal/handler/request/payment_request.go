package request

import "github.com/shopspring/decimal"

// PresendRequest 干跑估费
type PresendRequest struct {
	WalletID  string          `json:"wallet_id" binding:"required"`
	ToAddress string          `json:"to_address" binding:"required"`
	Amount    decimal.Decimal `json:"amount" binding:"required"` // BTC
}

// SendRequest 受理支付
type SendRequest struct {
	WalletID  string          `json:"wallet_id" binding:"required"`
	ToAddress string          `json:"to_address" binding:"required"`
	Amount    decimal.Decimal `json:"amount" binding:"required"` // BTC
}

// HistoryQuery 最近请求列表
type HistoryQuery struct {
	Limit int `form:"limit"`
}
