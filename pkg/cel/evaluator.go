package cel

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"onboarding/pkg/models"
)

// Evaluator compiles and runs boolean conditions over saga events. Expressions see
// requestId, stage, eventType and payload.
type Evaluator struct {
	env *cel.Env
}

// Condition is a compiled boolean expression.
type Condition struct {
	Expression string
	program    cel.Program
}

func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("requestId", cel.StringType),
		cel.Variable("stage", cel.StringType),
		cel.Variable("eventType", cel.StringType),
		cel.Variable("payload", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Evaluator{env: env}, nil
}

func (e *Evaluator) ValidateExpression(expression string) error {
	_, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("CEL expression validation failed: %w", issues.Err())
	}
	return nil
}

func (e *Evaluator) ValidateCondition(expression string) error {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("CEL expression validation failed: %w", issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return fmt.Errorf("condition must return bool, got %v", ast.OutputType())
	}

	return nil
}

func (e *Evaluator) Compile(expression string) (*Condition, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile CEL expression: %w", issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("condition must return bool, got %v", ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	return &Condition{Expression: expression, program: program}, nil
}

// Matches evaluates the condition against evt as seen by stage.
func (c *Condition) Matches(ctx context.Context, stage string, evt models.Event) (bool, error) {
	payload := map[string]interface{}(evt.Payload)
	if payload == nil {
		payload = map[string]interface{}{}
	}

	vars := map[string]interface{}{
		"requestId": evt.RequestID,
		"stage":     stage,
		"eventType": string(evt.Type),
		"payload":   payload,
	}

	result, _, err := c.program.ContextEval(ctx, vars)
	if err != nil {
		return false, fmt.Errorf("failed to evaluate CEL expression: %w", err)
	}

	boolVal, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression did not return bool, got %T", result.Value())
	}

	return boolVal, nil
}

// EvaluateCondition compiles and evaluates expression in one step.
func (e *Evaluator) EvaluateCondition(ctx context.Context, expression, stage string, evt models.Event) (bool, error) {
	cond, err := e.Compile(expression)
	if err != nil {
		return false, err
	}
	return cond.Matches(ctx, stage, evt)
}
