package mqx

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"predictive-maintenance-core/shared/config"
	"predictive-maintenance-core/shared/events"
)

const (
	HeaderEventID    = "event_id"
	HeaderTenantID   = "tenant_id"
	HeaderTopic      = "topic"
	HeaderRetryCount = "retry_count"
)

type Producer struct {
	writer *kafka.Writer
}

func NewProducer(cfg config.Config) (*Producer, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("KAFKA_BROKERS is required")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.KafkaBrokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		Async:                  false,
		MaxAttempts:            max(cfg.KafkaRetryMax, 1),
		BatchTimeout:           10 * time.Millisecond,
		WriteTimeout:           time.Duration(cfg.KafkaWriteMS) * time.Millisecond,
		AllowAutoTopicCreation: true,
		Transport: &kafka.Transport{
			ClientID: cfg.KafkaClientID,
		},
	}
	return &Producer{writer: w}, nil
}

func (p *Producer) Publish(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error {
	if p == nil || p.writer == nil {
		return errors.New("producer not initialized")
	}
	ctx, span := otel.Tracer("mqx").Start(ctx, "kafka.produce")
	span.SetAttributes(
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination", topic),
	)
	defer span.End()

	msg := kafka.Message{Topic: topic, Key: key, Value: value}
	for k, v := range headers {
		msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// PublishEnvelope keys the message by partition key so one asset's events
// land on one partition in order.
func (p *Producer) PublishEnvelope(ctx context.Context, env events.Envelope, partitionKey string, retryCount int) error {
	value, err := env.Encode()
	if err != nil {
		return err
	}
	return p.Publish(ctx, env.Topic, []byte(partitionKey), value, map[string]string{
		HeaderEventID:    env.EventID.String(),
		HeaderTenantID:   env.TenantID.String(),
		HeaderTopic:      env.Topic,
		HeaderRetryCount: strconv.Itoa(retryCount),
	})
}

func (p *Producer) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

// NewConsumer subscribes one consumer group to several topics.
func NewConsumer(cfg config.Config, topics []string, groupID string) (*kafka.Reader, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("KAFKA_BROKERS is required")
	}
	if groupID == "" {
		groupID = cfg.KafkaGroupID
	}
	if groupID == "" {
		return nil, errors.New("KAFKA_CONSUMER_GROUP is required")
	}
	if len(topics) == 0 {
		return nil, errors.New("at least one topic is required")
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.KafkaBrokers,
		GroupID:     groupID,
		GroupTopics: topics,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     500 * time.Millisecond,
	}), nil
}

func Header(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func RetryCount(msg kafka.Message) int {
	n, err := strconv.Atoi(Header(msg, HeaderRetryCount))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
