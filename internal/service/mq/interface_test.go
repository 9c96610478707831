package mq

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// 实现必须完整覆盖接口 (Publish + Close / Subscribe + Close)
var (
	_ Producer = (*KafkaProducer)(nil)
	_ Producer = (*RedisProducer)(nil)
	_ Consumer = (*KafkaConsumer)(nil)
	_ Consumer = (*RedisConsumer)(nil)
)

func TestRedisProducerClose(t *testing.T) {
	// 共享客户端不在这里关闭，Close 必须安全可调用
	p := NewRedisProducer(nil)
	assert.NoError(t, p.Close())
}
