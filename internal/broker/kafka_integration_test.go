//go:build integration

package broker

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	kafkamodule "github.com/testcontainers/testcontainers-go/modules/kafka"

	"onboarding/internal/config"
	"onboarding/internal/constants"
	"onboarding/internal/logger"
)

func setupKafka(t *testing.T, topic string) []string {
	t.Helper()
	ctx := context.Background()

	container, err := kafkamodule.Run(ctx, "confluentinc/confluent-local:7.5.0",
		kafkamodule.WithClusterID("onboarding-test"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	brokers, err := container.Brokers(ctx)
	require.NoError(t, err)

	conn, err := kafka.Dial("tcp", brokers[0])
	require.NoError(t, err)
	defer conn.Close()

	controller, err := conn.Controller()
	require.NoError(t, err)

	ctrl, err := kafka.Dial("tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	require.NoError(t, err)
	defer ctrl.Close()

	require.NoError(t, ctrl.CreateTopics(kafka.TopicConfig{Topic: topic, NumPartitions: 1, ReplicationFactor: 1}))
	return brokers
}

func TestKafkaProducer_MirrorsOutcome(t *testing.T) {
	const topic = "onboarding.outcomes"
	brokers := setupKafka(t, topic)

	p := NewKafkaProducer(config.KafkaConfig{Brokers: brokers, OutcomeTopic: topic}, logger.NopLogger())
	p.SetServiceName("test")
	t.Cleanup(func() { p.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	require.NoError(t, p.Publish(ctx, constants.ExchangeName, constants.RoutingKeyOnboardingFailed, Message{
		Body:          []byte(`{"requestId":"r1","eventType":"OnboardingFailed"}`),
		CorrelationID: "r1",
		Headers:       map[string]interface{}{"source": "test"},
	}))

	reader := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, Partition: 0})
	t.Cleanup(func() { reader.Close() })

	msg, err := reader.ReadMessage(ctx)
	require.NoError(t, err)

	assert.Equal(t, "r1", string(msg.Key))
	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, constants.RoutingKeyOnboardingFailed, headers[kafkaHeaderRoutingKey])
	assert.Equal(t, constants.ExchangeName, headers[kafkaHeaderExchange])
	assert.Equal(t, "test", headers["source"])
}
