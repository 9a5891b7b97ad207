// Package topology declares the exchanges, queues and bindings the onboarding saga
// runs on. Declaration is idempotent and safe to run from every process at startup.
package topology

import (
	"context"
	"fmt"

	"onboarding/internal/constants"
	"onboarding/internal/logger"
	"onboarding/internal/saga"
)

// Declarer is the subset of a broker needed to create topology.
type Declarer interface {
	DeclareExchange(name, kind string) error
	DeclareQueue(name string, args map[string]interface{}) error
	BindQueue(queue, bindingKey, exchange string) error
}

type Exchange struct {
	Name string
	Kind string
}

type Queue struct {
	Name string
	Args map[string]interface{}
}

type Binding struct {
	Queue      string
	BindingKey string
	Exchange   string
}

// Plan is the complete declarative topology.
type Plan struct {
	Exchanges []Exchange
	Queues    []Queue
	Bindings  []Binding
}

type Manager struct {
	registry *saga.Registry
	logger   logger.Logger
}

func NewManager(registry *saga.Registry, log logger.Logger) *Manager {
	return &Manager{registry: registry, logger: log}
}

// Plan builds the topology for every stage in the registry. Each stage queue
// dead-letters to its own DLQ through the DLX; DLQs are bound only to the DLX.
func (m *Manager) Plan() Plan {
	p := Plan{
		Exchanges: []Exchange{
			{Name: constants.ExchangeName, Kind: constants.ExchangeKindTopic},
			{Name: constants.DeadLetterExchangeName, Kind: constants.ExchangeKindTopic},
		},
	}

	for _, s := range m.registry.Stages() {
		p.Queues = append(p.Queues,
			Queue{
				Name: s.QueueName,
				Args: map[string]interface{}{
					constants.HeaderDeadLetterExchange:   constants.DeadLetterExchangeName,
					constants.HeaderDeadLetterRoutingKey: s.DLQName,
				},
			},
			Queue{Name: s.DLQName},
			Queue{Name: s.FailedQueueName},
		)
		p.Bindings = append(p.Bindings,
			Binding{Queue: s.QueueName, BindingKey: s.RequestKey, Exchange: constants.ExchangeName},
			Binding{Queue: s.DLQName, BindingKey: s.DLQName, Exchange: constants.DeadLetterExchangeName},
			Binding{Queue: s.FailedQueueName, BindingKey: s.FailureKey, Exchange: constants.ExchangeName},
		)
	}

	p.Queues = append(p.Queues,
		Queue{Name: constants.CompletionQueueName},
		Queue{
			Name: constants.ProgressQueueName,
			Args: map[string]interface{}{
				constants.HeaderMaxLength: constants.ProgressQueueMaxLength,
			},
		},
	)
	p.Bindings = append(p.Bindings,
		Binding{Queue: constants.CompletionQueueName, BindingKey: m.registry.FinalStage().SuccessKey, Exchange: constants.ExchangeName},
		Binding{Queue: constants.ProgressQueueName, BindingKey: constants.ProgressBindingKey, Exchange: constants.ExchangeName},
	)

	return p
}

// Declare applies the plan. Running it again against the same broker changes nothing.
func (m *Manager) Declare(ctx context.Context, d Declarer) error {
	p := m.Plan()

	for _, ex := range p.Exchanges {
		if err := d.DeclareExchange(ex.Name, ex.Kind); err != nil {
			return fmt.Errorf("failed to declare exchange %s: %w", ex.Name, err)
		}
	}

	for _, q := range p.Queues {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.DeclareQueue(q.Name, q.Args); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", q.Name, err)
		}
	}

	for _, b := range p.Bindings {
		if err := d.BindQueue(b.Queue, b.BindingKey, b.Exchange); err != nil {
			return fmt.Errorf("failed to bind %s to %s with %s: %w", b.Queue, b.Exchange, b.BindingKey, err)
		}
	}

	m.logger.Infow("Topology declared",
		"exchanges", len(p.Exchanges),
		"queues", len(p.Queues),
		"bindings", len(p.Bindings),
	)
	return nil
}
