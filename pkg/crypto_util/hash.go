package crypto_util

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// CalculateSHA256 计算输入的 SHA256 哈希值。
func CalculateSHA256(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// SecureCompare 恒定时间字符串比较，用于口令校验
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
