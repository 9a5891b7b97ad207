package saga

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRegistry_Stages(t *testing.T) {
	r := DefaultRegistry()

	assert.Equal(t, []string{"kyc", "identity", "provisioning", "notification"}, r.IDs())

	kyc := r.MustStage("kyc")
	assert.Equal(t, "KYC", kyc.Name)
	assert.Equal(t, "onboarding.requested", kyc.RequestKey)
	assert.Equal(t, "kyc.completed", kyc.SuccessKey)
	assert.Equal(t, "kyc.failed", kyc.FailureKey)
	assert.Equal(t, "kyc.queue", kyc.QueueName)
	assert.Equal(t, "kyc.dlq", kyc.DLQName)
	assert.Equal(t, "KYC_FAILED", kyc.ErrorCode)

	provisioning := r.MustStage("PROVISIONING")
	assert.Equal(t, "identity.verified", provisioning.RequestKey)
	assert.Equal(t, "account.provisioned", provisioning.SuccessKey)
	assert.Equal(t, "provisioning.failed", provisioning.FailureKey)
	assert.Equal(t, "provisioning.dlq", provisioning.DLQName)

	assert.Equal(t, "notification", r.FinalStage().ID)
	assert.Equal(t, "notification.sent", r.FinalStage().SuccessKey)
}

func TestRegistry_EachStageConsumesPreviousSuccess(t *testing.T) {
	stages := DefaultRegistry().Stages()
	for i := 1; i < len(stages); i++ {
		assert.Equal(t, stages[i-1].SuccessKey, stages[i].RequestKey, stages[i].ID)
	}
}

func TestNewRegistry_RejectsDuplicates(t *testing.T) {
	stages := DefaultStages()
	_, err := NewRegistry(append(stages, stages[0]))
	require.Error(t, err)

	clash := newStage("other", "a", "b", "c")
	clash.DLQName = stages[0].DLQName
	_, err = NewRegistry(append(DefaultStages(), clash))
	require.Error(t, err)
}

func TestStateFor(t *testing.T) {
	r := DefaultRegistry()

	tests := []struct {
		key       string
		state     State
		failStage string
	}{
		{"onboarding.requested", StateRequested, ""},
		{"kyc.completed", StateKYCDone, ""},
		{"identity.verified", StateIdentityDone, ""},
		{"account.provisioned", StateProvisioned, ""},
		{"notification.sent", StateNotified, ""},
		{"onboarding.completed", StateCompleted, ""},
		{"kyc.failed", StateFailed, "KYC"},
		{"notification.failed", StateFailed, "NOTIFICATION"},
		{"onboarding.failed", StateFailed, ""},
		{"something.else", StateUnknown, ""},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			state, stage := r.StateFor(tt.key)
			assert.Equal(t, tt.state, state)
			assert.Equal(t, tt.failStage, stage)
		})
	}

	assert.True(t, StateCompleted.IsTerminal())
	assert.True(t, StateFailed.IsTerminal())
	assert.False(t, StateNotified.IsTerminal())
}
