package broker

import (
	"context"
	"fmt"

	"onboarding/internal/config"
	"onboarding/internal/constants"
	"onboarding/internal/logger"
)

// Broker is a transport that can publish, consume and declare topology.
type Broker interface {
	Producer
	Consumer
	DeclareExchange(name, kind string) error
	DeclareQueue(name string, args map[string]interface{}) error
	BindQueue(queue, bindingKey, exchange string) error
	Ping(ctx context.Context) error
}

var (
	_ Broker = (*RabbitMQ)(nil)
	_ Broker = (*Memory)(nil)
)

// New opens the broker a service process talks through. The in-memory broker
// is not offered here: it only connects code sharing one *Memory, so tests build
// it with NewMemory.
func New(cfg config.BrokerConfig, log logger.Logger) (Broker, error) {
	switch cfg.Type {
	case constants.BrokerTypeRabbitMQ:
		return NewRabbitMQ(cfg.RabbitMQ, log)
	default:
		return nil, fmt.Errorf("unsupported broker type: %s", cfg.Type)
	}
}

// NewProducer wraps b with the Kafka outcome mirror when one is configured.
func NewProducer(b Broker, cfg config.BrokerConfig, log logger.Logger, serviceName string) Producer {
	if cfg.Kafka.OutcomeTopic == "" || len(cfg.Kafka.Brokers) == 0 {
		return b
	}
	kp := NewKafkaProducer(cfg.Kafka, log)
	kp.SetServiceName(serviceName)
	log.Infow("Mirroring terminal outcomes to Kafka",
		"topic", cfg.Kafka.OutcomeTopic,
		"brokers", cfg.Kafka.Brokers,
	)
	return NewMirrorProducer(b, kp, log,
		constants.RoutingKeyOnboardingCompleted,
		constants.RoutingKeyOnboardingFailed,
	)
}
