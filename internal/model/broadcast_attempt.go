package model

import (
	"strconv"
	"strings"
	"time"
)

// BroadcastAttempt 广播日志表
// 在提交网络之前落库，进程在提交后、账本更新前崩溃时，
// 重启对账依据这张表查询交易的传播状态再决定 sent 还是回滚。
const (
	AttemptBuilding  = "building"
	AttemptSubmitted = "submitted"
	AttemptConfirmed = "confirmed"
	AttemptAbandoned = "abandoned"
)

type BroadcastAttempt struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	WalletID    string    `gorm:"type:varchar(64);not null;index" json:"wallet_id"`
	Txid        string    `gorm:"type:varchar(64);index" json:"txid"`
	RawTx       []byte    `gorm:"type:bytea" json:"-"`
	RequestIDs  string    `gorm:"type:text;not null" json:"request_ids"` // 逗号分隔
	TotalFeeSat int64     `gorm:"not null" json:"total_fee_sat"`
	Status      string    `gorm:"type:varchar(16);not null;index" json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (BroadcastAttempt) TableName() string {
	return "broadcast_attempts"
}

// JoinIDs 将请求 ID 集合编码进 RequestIDs 列
func JoinIDs(ids []uint64) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, strconv.FormatUint(id, 10))
	}
	return strings.Join(parts, ",")
}

// SplitIDs 解析 RequestIDs 列
func SplitIDs(s string) []uint64 {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	ids := make([]uint64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseUint(strings.TrimSpace(p), 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}
