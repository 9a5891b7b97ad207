// Package saga holds the static description of the onboarding saga: which stages
// exist, which routing keys and queues each one owns, and the advisory progress
// states those keys imply. Nothing here enforces ordering between stages.
package saga

import (
	"fmt"
	"strings"

	"onboarding/internal/constants"
)

// Stage is everything a component needs to know about one saga stage.
type Stage struct {
	ID              string // lower-case identifier, e.g. "kyc"
	Name            string // upper-case name used in failure records, e.g. "KYC"
	RequestKey      string
	SuccessKey      string
	FailureKey      string
	QueueName       string
	DLQName         string
	FailedQueueName string
	ErrorCode       string
}

// Registry maps stage identifiers to their routing configuration.
type Registry struct {
	stages []Stage
	byID   map[string]Stage
}

func newStage(id, requestKey, successKey, failureKey string) Stage {
	name := strings.ToUpper(id)
	return Stage{
		ID:              id,
		Name:            name,
		RequestKey:      requestKey,
		SuccessKey:      successKey,
		FailureKey:      failureKey,
		QueueName:       id + ".queue",
		DLQName:         id + ".dlq",
		FailedQueueName: id + ".failed.queue",
		ErrorCode:       name + "_FAILED",
	}
}

// DefaultStages returns the onboarding stages in their expected order.
func DefaultStages() []Stage {
	return []Stage{
		newStage("kyc", constants.RoutingKeyOnboardingRequested, constants.RoutingKeyKYCCompleted, constants.RoutingKeyKYCFailed),
		newStage("identity", constants.RoutingKeyKYCCompleted, constants.RoutingKeyIdentityVerified, constants.RoutingKeyIdentityFailed),
		newStage("provisioning", constants.RoutingKeyIdentityVerified, constants.RoutingKeyAccountProvisioned, constants.RoutingKeyProvisioningFailed),
		newStage("notification", constants.RoutingKeyAccountProvisioned, constants.RoutingKeyNotificationSent, constants.RoutingKeyNotificationFailed),
	}
}

func NewRegistry(stages []Stage) (*Registry, error) {
	r := &Registry{
		stages: make([]Stage, 0, len(stages)),
		byID:   make(map[string]Stage, len(stages)),
	}

	queues := make(map[string]string)
	for _, s := range stages {
		if s.ID == "" {
			return nil, fmt.Errorf("stage without identifier")
		}
		if _, dup := r.byID[s.ID]; dup {
			return nil, fmt.Errorf("duplicate stage %q", s.ID)
		}
		for _, q := range []string{s.QueueName, s.DLQName, s.FailedQueueName} {
			if owner, taken := queues[q]; taken {
				return nil, fmt.Errorf("queue %q is claimed by both %q and %q", q, owner, s.ID)
			}
			queues[q] = s.ID
		}
		r.stages = append(r.stages, s)
		r.byID[s.ID] = s
	}

	return r, nil
}

// DefaultRegistry is built once at process start.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(DefaultStages())
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Registry) Stages() []Stage {
	out := make([]Stage, len(r.stages))
	copy(out, r.stages)
	return out
}

func (r *Registry) Stage(id string) (Stage, bool) {
	s, ok := r.byID[strings.ToLower(id)]
	return s, ok
}

func (r *Registry) MustStage(id string) Stage {
	s, ok := r.Stage(id)
	if !ok {
		panic(fmt.Sprintf("unknown stage %q", id))
	}
	return s
}

// FinalStage is the stage whose success completes the saga.
func (r *Registry) FinalStage() Stage {
	return r.stages[len(r.stages)-1]
}

func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.stages))
	for _, s := range r.stages {
		ids = append(ids, s.ID)
	}
	return ids
}
