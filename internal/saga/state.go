package saga

import "onboarding/internal/constants"

type State string

const (
	StateRequested    State = "REQUESTED"
	StateKYCDone      State = "KYC_DONE"
	StateIdentityDone State = "IDENTITY_DONE"
	StateProvisioned  State = "PROVISIONED"
	StateNotified     State = "NOTIFIED"
	StateCompleted    State = "COMPLETED"
	StateFailed       State = "FAILED"
	StateUnknown      State = "UNKNOWN"
)

var successStates = map[string]State{
	constants.RoutingKeyOnboardingRequested: StateRequested,
	constants.RoutingKeyKYCCompleted:        StateKYCDone,
	constants.RoutingKeyIdentityVerified:    StateIdentityDone,
	constants.RoutingKeyAccountProvisioned:  StateProvisioned,
	constants.RoutingKeyNotificationSent:    StateNotified,
	constants.RoutingKeyOnboardingCompleted: StateCompleted,
}

// StateFor maps a routing key to the progress state it implies, and for failure
// keys the stage that failed. It does not look at any prior state: an event
// observed out of order simply yields its own state.
func (r *Registry) StateFor(routingKey string) (State, string) {
	if state, ok := successStates[routingKey]; ok {
		return state, ""
	}
	for _, s := range r.stages {
		if s.FailureKey == routingKey {
			return StateFailed, s.Name
		}
	}
	if routingKey == constants.RoutingKeyOnboardingFailed {
		return StateFailed, ""
	}
	return StateUnknown, ""
}

func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}
