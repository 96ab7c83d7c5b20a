package mq

import (
	"errors"
	"fmt"
	"log/slog"

	"coinledger/internal/config"

	"github.com/IBM/sarama"
)

// Publisher 事件发布器，OutboxSender 只依赖该接口
type Publisher interface {
	Publish(topic, key string, payload []byte) error
	Close() error
}

// KafkaPublisher 基于 sarama 同步生产者
type KafkaPublisher struct {
	producer sarama.SyncProducer
	log      *slog.Logger
}

// NewKafkaProducer 创建同步生产者
func NewKafkaProducer(cfg *config.KafkaConfig) (sarama.SyncProducer, error) {
	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Producer.RequiredAcks = sarama.WaitForAll // 等待所有副本确认
	kafkaConfig.Producer.Retry.Max = 3
	kafkaConfig.Producer.Return.Successes = true

	producer, err := sarama.NewSyncProducer(cfg.Brokers, kafkaConfig)
	if err != nil {
		return nil, fmt.Errorf("创建 Kafka 生产者失败: %w", err)
	}
	return producer, nil
}

func NewKafkaPublisher(producer sarama.SyncProducer, log *slog.Logger) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, log: log}
}

// Publish 发送消息，key 用于分区，保证同一单号的事件有序
func (p *KafkaPublisher) Publish(topic, key string, payload []byte) error {
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(payload),
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return err
	}
	p.log.Debug("kafka 消息已发送", "topic", topic, "key", key, "partition", partition, "offset", offset)
	return nil
}

func (p *KafkaPublisher) Close() error {
	if p.producer == nil {
		return nil
	}
	return p.producer.Close()
}

// NopPublisher 未启用 Kafka 时使用，消息保留在本地消息表中
type NopPublisher struct{}

func (NopPublisher) Publish(string, string, []byte) error {
	return ErrPublisherDisabled
}

func (NopPublisher) Close() error { return nil }

var ErrPublisherDisabled = errors.New("kafka 未启用")
