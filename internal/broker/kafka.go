package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"onboarding/internal/config"
	"onboarding/internal/constants"
	"onboarding/internal/logger"
	"onboarding/pkg/metrics"
	"onboarding/pkg/tracing"
)

const (
	kafkaHeaderRoutingKey = "routing-key"
	kafkaHeaderExchange   = "exchange"
)

// KafkaProducer writes saga events to a single Kafka topic. The AMQP exchange and
// routing key travel as record headers and the correlation id is the record key,
// so all events of one onboarding land on the same partition.
type KafkaProducer struct {
	writer      *kafka.Writer
	topic       string
	logger      logger.Logger
	serviceName string
}

func NewKafkaProducer(cfg config.KafkaConfig, log logger.Logger) *KafkaProducer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.OutcomeTopic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: constants.KafkaBatchTimeout,
		WriteTimeout: constants.KafkaWriteTimeout,
		Async:        false,
	}
	return &KafkaProducer{writer: w, topic: cfg.OutcomeTopic, logger: log, serviceName: "unknown"}
}

func (p *KafkaProducer) SetServiceName(name string) {
	p.serviceName = name
}

func (p *KafkaProducer) Publish(ctx context.Context, exchange, routingKey string, msg Message) error {
	start := time.Now()

	headers := []kafka.Header{
		{Key: kafkaHeaderExchange, Value: []byte(exchange)},
		{Key: kafkaHeaderRoutingKey, Value: []byte(routingKey)},
	}
	for k, v := range msg.Headers {
		if s, ok := v.(string); ok {
			headers = append(headers, kafka.Header{Key: k, Value: []byte(s)})
		}
	}
	headers = tracing.InjectTraceContext(ctx, headers)

	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	err := p.writer.WriteMessages(ctx,
		kafka.Message{
			Key:     []byte(msg.CorrelationID),
			Value:   msg.Body,
			Headers: headers,
			Time:    ts,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to write kafka message: %w", err)
	}

	metrics.IncKafkaMessagesWritten(p.serviceName, p.topic)
	metrics.ObserveKafkaWriteDuration(p.serviceName, p.topic, time.Since(start))
	return nil
}

func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}
