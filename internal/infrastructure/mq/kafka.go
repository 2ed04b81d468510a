package mq

import (
	"fmt"

	"jmspos/internal/config"

	"github.com/IBM/sarama"
)

// Producer 对 sarama 同步生产者的简单封装
type Producer struct {
	producer sarama.SyncProducer
}

// NewProducer 创建 Kafka 生产者
func NewProducer(cfg config.KafkaConfig) (*Producer, error) {
	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Producer.RequiredAcks = sarama.WaitForAll // 等待所有副本确认
	kafkaConfig.Producer.Retry.Max = 3
	kafkaConfig.Producer.Return.Successes = true

	producer, err := sarama.NewSyncProducer(cfg.Brokers, kafkaConfig)
	if err != nil {
		return nil, fmt.Errorf("创建 Kafka 生产者失败: %w", err)
	}
	return &Producer{producer: producer}, nil
}

// WrapProducer 测试时传入 sarama/mocks 的生产者
func WrapProducer(p sarama.SyncProducer) *Producer {
	return &Producer{producer: p}
}

// SendMessage 发送消息，key 决定分区（同一张销售单的消息有序）
func (p *Producer) SendMessage(topic, key, value string) error {
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.StringEncoder(value),
	}
	_, _, err := p.producer.SendMessage(msg)
	return err
}

func (p *Producer) Close() error {
	if p == nil || p.producer == nil {
		return nil
	}
	return p.producer.Close()
}

// NewConsumerGroup 创建消费者组，从最早未提交的位置开始消费
func NewConsumerGroup(cfg config.KafkaConfig) (sarama.ConsumerGroup, error) {
	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Consumer.Offsets.Initial = sarama.OffsetOldest
	kafkaConfig.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.ConsumerGroup, kafkaConfig)
	if err != nil {
		return nil, fmt.Errorf("创建 Kafka 消费者组失败: %w", err)
	}
	return group, nil
}
