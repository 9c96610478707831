package safe_random

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerateRandomBytes(t *testing.T) {
	b, err := GenerateRandomBytes(32)
	assert.NoError(t, err)
	assert.Len(t, b, 32)

	b2, err := GenerateRandomBytes(32)
	assert.NoError(t, err)
	assert.NotEqual(t, b, b2, "两次生成的随机字节不应相同")
}

func TestGenerateRandomHexString(t *testing.T) {
	s, err := GenerateRandomHexString(16)
	assert.NoError(t, err)
	assert.Len(t, s, 32) // Hex 编码后长度翻倍
}
