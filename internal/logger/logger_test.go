package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"onboarding/pkg/logging"
)

func observed() (*SugaredLogger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return &SugaredLogger{SugaredLogger: zap.New(core).Sugar()}, logs
}

func TestContextFields(t *testing.T) {
	log, logs := observed()
	log.SetServiceName("kyc-service")

	ctx := logging.WithRequestID(context.Background(), "r-1")
	ctx = logging.WithStage(ctx, "KYC")
	log.InfowCtx(ctx, "Stage completed", "routing_key", "kyc.completed")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "r-1", fields["request_id"])
	assert.Equal(t, "KYC", fields["stage"])
	assert.Equal(t, "kyc-service", fields["service_name"])
	assert.Equal(t, "kyc.completed", fields["routing_key"])
}

func TestContextServiceNameWins(t *testing.T) {
	log, logs := observed()
	log.SetServiceName("fallback")

	ctx := logging.WithServiceName(context.Background(), "failure-service")
	log.WarnwCtx(ctx, "Dead letter without correlation id")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "failure-service", logs.All()[0].ContextMap()["service_name"])
}

func TestWith(t *testing.T) {
	log, logs := observed()
	log.SetServiceName("identity-service")

	child := log.With("stage_id", "identity")
	child.ErrorwCtx(context.Background(), "Stage failed, dead-lettering message")

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, zapcore.ErrorLevel, entry.Level)
	assert.Equal(t, "identity", entry.ContextMap()["stage_id"])
	assert.Equal(t, "identity-service", entry.ContextMap()["service_name"])
}

func TestNewWithFormat(t *testing.T) {
	for _, format := range []string{"json", "console", ""} {
		log, err := NewWithFormat("debug", format)
		require.NoError(t, err)
		require.NotNil(t, log)
	}

	log, err := NewWithFormat("verbose", "json")
	require.NoError(t, err)
	assert.NotNil(t, log)
}
