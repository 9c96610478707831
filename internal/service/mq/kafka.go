package mq

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaProducer 实现 Producer 接口
type KafkaProducer struct {
	writer *kafka.Writer
}

// NewKafkaProducer 创建 Kafka 生产者
// brokers: Kafka 节点地址列表 (e.g. ["localhost:9092"])
// topic: 默认主题
func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{}, // 按 Key 哈希，保证同一 wallet 的事件有序
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireAll,
		BatchSize:              100,
		BatchTimeout:           10 * time.Millisecond,
	}

	return &KafkaProducer{
		writer: writer,
	}
}

// Publish 发送消息到 Kafka
func (p *KafkaProducer) Publish(ctx context.Context, topic string, key string, payload []byte) error {
	msg := kafka.Message{
		Value: payload,
		Key:   []byte(key), // Writer 已绑定 Topic
	}

	err := p.writer.WriteMessages(ctx, msg)
	if err != nil {
		log.Printf("[Kafka] Publish Error: %v", err)
		return fmt.Errorf("kafka write error: %w", err)
	}

	return nil
}

// Close 关闭连接
func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}

// KafkaConsumer 实现 Consumer 接口
type KafkaConsumer struct {
	brokers []string
	groupID string
	reader  *kafka.Reader
}

// NewKafkaConsumer 创建 Kafka 消费者
func NewKafkaConsumer(brokers []string, groupID string) *KafkaConsumer {
	return &KafkaConsumer{
		brokers: brokers,
		groupID: groupID,
	}
}

// Subscribe 订阅 Kafka 主题
func (c *KafkaConsumer) Subscribe(ctx context.Context, topic string, handler func(msg *Message) error) error {
	c.reader = kafka.NewReader(kafka.ReaderConfig{
		Brokers:     c.brokers,
		GroupID:     c.groupID,
		Topic:       topic,
		MinBytes:    10e3, // 10KB
		MaxBytes:    10e6, // 10MB
		StartOffset: kafka.LastOffset,
	})

	log.Printf("[Kafka MQ] 开始监听主题: %s (Group: %s)", topic, c.groupID)

	go c.consumeLoop(ctx, topic, handler)

	return nil
}

func (c *KafkaConsumer) consumeLoop(ctx context.Context, topic string, handler func(msg *Message) error) {
	defer c.reader.Close()

	for {
		// 1. 读取消息 (阻塞直到有消息)
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[Kafka MQ] 读取消息错误: %v", err)
			time.Sleep(1 * time.Second)
			continue
		}

		// 2. 构造通用消息
		msg := &Message{
			ID:      string(m.Key),
			Topic:   topic,
			Key:     string(m.Key),
			Payload: m.Value,
		}

		// 3. 调用业务处理函数
		if err := handler(msg); err != nil {
			log.Printf("[Kafka MQ] 业务处理失败: %v", err)
			continue
		}

		// 4. 手动提交 Offset (确认消费成功)
		if err := c.reader.CommitMessages(ctx, m); err != nil {
			log.Printf("[Kafka MQ] 提交 Offset 失败: %v", err)
		}
	}
}

// Close 关闭消费者
func (c *KafkaConsumer) Close() error {
	if c.reader != nil {
		return c.reader.Close()
	}
	return nil
}
