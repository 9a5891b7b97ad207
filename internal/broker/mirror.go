package broker

import (
	"context"

	"onboarding/internal/logger"
)

// MirrorProducer publishes through primary and copies selected routing keys to a
// secondary producer. Mirror failures are logged and never fail the publish.
type MirrorProducer struct {
	primary   Producer
	secondary Producer
	keys      map[string]bool
	logger    logger.Logger
}

func NewMirrorProducer(primary, secondary Producer, log logger.Logger, routingKeys ...string) *MirrorProducer {
	keys := make(map[string]bool, len(routingKeys))
	for _, k := range routingKeys {
		keys[k] = true
	}
	return &MirrorProducer{primary: primary, secondary: secondary, keys: keys, logger: log}
}

func (p *MirrorProducer) Publish(ctx context.Context, exchange, routingKey string, msg Message) error {
	if err := p.primary.Publish(ctx, exchange, routingKey, msg); err != nil {
		return err
	}

	if p.secondary != nil && p.keys[routingKey] {
		if err := p.secondary.Publish(ctx, exchange, routingKey, msg); err != nil {
			p.logger.WarnwCtx(ctx, "Failed to mirror event",
				"routing_key", routingKey,
				"error", err,
			)
		}
	}
	return nil
}

// Close closes only the secondary; the primary is owned by whoever created it.
func (p *MirrorProducer) Close() error {
	if p.secondary != nil {
		return p.secondary.Close()
	}
	return nil
}
