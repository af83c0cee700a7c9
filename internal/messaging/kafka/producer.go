package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/UTKARSH698/CloudFlow/internal/domain"
	"github.com/UTKARSH698/CloudFlow/internal/service/eventlog"
)

// Producer публикует события CloudFlow в Kafka.
type Producer struct {
	producer sarama.SyncProducer
	logger   *log.Entry
}

// NewProducer создает Kafka producer с идемпотентной доставкой.
func NewProducer(brokers []string) (*Producer, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll // Wait for all in-sync replicas
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Idempotent = true
	config.Net.MaxOpenRequests = 1 // Для идемпотентности

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	return &Producer{
		producer: producer,
		logger:   log.WithField("component", "kafka-producer"),
	}, nil
}

// PublishEvent публикует произвольное событие в указанный топик.
func (p *Producer) PublishEvent(topic string, key string, event interface{}) error {
	eventData, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic:     topic,
		Key:       sarama.StringEncoder(key),
		Value:     sarama.ByteEncoder(eventData),
		Timestamp: time.Now(),
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		p.logger.WithError(err).WithFields(log.Fields{
			"topic": topic,
			"key":   key,
		}).Error("failed to send message to kafka")
		return fmt.Errorf("failed to send message: %w", err)
	}

	p.logger.WithFields(log.Fields{
		"topic":     topic,
		"key":       key,
		"partition": partition,
		"offset":    offset,
	}).Debug("message sent to kafka")

	return nil
}

// Publish реализует domain.NotificationPublisher: терминальное уведомление
// уходит в TopicNotifications с ключом order_id.
func (p *Producer) Publish(ctx context.Context, n domain.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.PublishEvent(TopicNotifications, n.OrderID, NewNotificationEvent(n))
}

// PublishOrderEvent зеркалирует событие заказа в TopicOrderEvents с ключом
// order_id: события одного заказа читаются из одной партиции по порядку.
func (p *Producer) PublishOrderEvent(ctx context.Context, event domain.OrderEvent, correlationID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.PublishEvent(TopicOrderEvents, event.OrderID, NewOrderLogEvent(event, correlationID))
}

// Close закрывает producer.
func (p *Producer) Close() error {
	if err := p.producer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka producer: %w", err)
	}
	return nil
}

var (
	_ domain.NotificationPublisher = (*Producer)(nil)
	_ eventlog.EventPublisher      = (*Producer)(nil)
)
