package mq

import (
	"context"
	"fmt"
	"log"

	"github.com/IBM/sarama"

	"github.com/tarikibrahimovic/NLB-Payments/internal/config"
)

const eventTypeHeader = "event_type"

type KafkaPublisher struct {
	producer sarama.SyncProducer
}

func NewKafkaConfig() *sarama.Config {
	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Producer.RequiredAcks = sarama.WaitForAll // all in-sync replicas
	kafkaConfig.Producer.Retry.Max = 3
	kafkaConfig.Producer.Return.Successes = true // required by SyncProducer
	return kafkaConfig
}

func NewKafkaPublisher(cfg *config.KafkaConfig) (*KafkaPublisher, error) {
	producer, err := sarama.NewSyncProducer(cfg.Brokers, NewKafkaConfig())
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	log.Printf("[Kafka] producer connected: brokers=%v", cfg.Brokers)
	return NewKafkaPublisherWithProducer(producer), nil
}

func NewKafkaPublisherWithProducer(producer sarama.SyncProducer) *KafkaPublisher {
	return &KafkaPublisher{producer: producer}
}

// Publish keys the record by msg.Key so all events of one order land on the
// same partition.
func (p *KafkaPublisher) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, _, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: msg.Topic,
		Key:   sarama.StringEncoder(msg.Key),
		Value: sarama.ByteEncoder(msg.Body),
		Headers: []sarama.RecordHeader{
			{Key: []byte(eventTypeHeader), Value: []byte(msg.EventType)},
		},
	})
	return err
}

func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}
