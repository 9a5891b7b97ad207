package stage

import (
	"context"
	"fmt"

	"onboarding/internal/config"
	"onboarding/pkg/cel"
	"onboarding/pkg/errors"
	"onboarding/pkg/models"
)

// Triggers are configured fault injections for a stage. A matching transient
// condition fails the attempt with a retryable error; a matching reject condition
// raises an explicit business rejection.
type Triggers struct {
	stageName string
	transient []*cel.Condition
	reject    []*cel.Condition
}

func NewTriggers(stageName string, cfg config.TriggerConfig) (*Triggers, error) {
	evaluator, err := cel.NewEvaluator()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL evaluator: %w", err)
	}

	t := &Triggers{stageName: stageName}
	for _, expr := range cfg.Transient {
		cond, err := evaluator.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid transient trigger for %s: %w", stageName, err)
		}
		t.transient = append(t.transient, cond)
	}
	for _, expr := range cfg.Reject {
		cond, err := evaluator.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid reject trigger for %s: %w", stageName, err)
		}
		t.reject = append(t.reject, cond)
	}
	return t, nil
}

func (t *Triggers) Empty() bool {
	return t == nil || (len(t.transient) == 0 && len(t.reject) == 0)
}

// Check returns the error the first matching trigger asks for, or nil. Reject
// conditions are checked first.
func (t *Triggers) Check(ctx context.Context, evt models.Event) error {
	if t.Empty() {
		return nil
	}

	for _, cond := range t.reject {
		matched, err := cond.Matches(ctx, t.stageName, evt)
		if err != nil {
			return fmt.Errorf("reject trigger %q: %w", cond.Expression, err)
		}
		if matched {
			return errors.NewTerminalStageError(t.stageName+"_REJECTED",
				fmt.Sprintf("%s rejected request %s", t.stageName, evt.RequestID))
		}
	}

	for _, cond := range t.transient {
		matched, err := cond.Matches(ctx, t.stageName, evt)
		if err != nil {
			return fmt.Errorf("transient trigger %q: %w", cond.Expression, err)
		}
		if matched {
			return errors.NewTransientStageError(
				fmt.Errorf("%s service temporarily unavailable for request %s", t.stageName, evt.RequestID))
		}
	}

	return nil
}
