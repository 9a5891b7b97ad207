package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/streadway/amqp"

	"onboarding/internal/config"
	"onboarding/internal/constants"
	"onboarding/internal/logger"
	"onboarding/pkg/errors"
	"onboarding/pkg/logging"
	"onboarding/pkg/metrics"
	"onboarding/pkg/tracing"
)

// RabbitMQ is a producer, consumer and topology declarer over one AMQP connection.
// Publishes go through a single confirm-mode channel; each Consume call opens its own.
type RabbitMQ struct {
	cfg         config.RabbitMQConfig
	conn        *amqp.Connection
	logger      logger.Logger
	serviceName string

	pubMu    sync.Mutex
	pubCh    *amqp.Channel
	confirms chan amqp.Confirmation

	wg sync.WaitGroup
}

func RabbitMQURL(cfg config.RabbitMQConfig) string {
	vhost := cfg.VHost
	if vhost == "" {
		vhost = "/"
	}
	return amqp.URI{
		Scheme:   "amqp",
		Host:     cfg.Host,
		Port:     cfg.Port,
		Username: cfg.User,
		Password: cfg.Password,
		Vhost:    vhost,
	}.String()
}

func NewRabbitMQ(cfg config.RabbitMQConfig, log logger.Logger) (*RabbitMQ, error) {
	return DialRabbitMQ(RabbitMQURL(cfg), cfg, log)
}

func DialRabbitMQ(url string, cfg config.RabbitMQConfig, log logger.Logger) (*RabbitMQ, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	r := &RabbitMQ{
		cfg:         cfg,
		conn:        conn,
		logger:      log,
		serviceName: "unknown",
	}

	if err := r.openPublishChannel(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return r, nil
}

func (r *RabbitMQ) openPublishChannel() error {
	ch, err := r.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open publish channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return fmt.Errorf("failed to enable publisher confirms: %w", err)
	}
	r.pubCh = ch
	r.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	return nil
}

func (r *RabbitMQ) SetServiceName(name string) {
	r.serviceName = name
}

// Publish sends msg and waits for the broker to confirm it. A nack or a closed
// channel is reported as a publish error.
func (r *RabbitMQ) Publish(ctx context.Context, exchange, routingKey string, msg Message) error {
	start := time.Now()

	headers := cloneHeaders(msg.Headers)
	tracing.InjectHeaders(ctx, headers)

	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	publishing := amqp.Publishing{
		Headers:       amqp.Table(headers),
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     msg.MessageID,
		CorrelationId: msg.CorrelationID,
		Timestamp:     msg.Timestamp,
		Body:          msg.Body,
	}

	r.pubMu.Lock()
	defer r.pubMu.Unlock()

	if r.pubCh == nil {
		if err := r.openPublishChannel(); err != nil {
			metrics.IncBrokerPublished(r.serviceName, exchange, "error")
			return errors.NewPublishError(routingKey, err)
		}
	}

	if err := r.pubCh.Publish(exchange, routingKey, false, false, publishing); err != nil {
		r.pubCh = nil
		metrics.IncBrokerPublished(r.serviceName, exchange, "error")
		return errors.NewPublishError(routingKey, err)
	}

	select {
	case confirm, ok := <-r.confirms:
		if !ok {
			r.pubCh = nil
			metrics.IncBrokerPublished(r.serviceName, exchange, "error")
			return errors.NewPublishError(routingKey, fmt.Errorf("publish channel closed before confirm"))
		}
		if !confirm.Ack {
			metrics.IncBrokerPublished(r.serviceName, exchange, "nack")
			return errors.NewPublishError(routingKey, fmt.Errorf("broker nacked delivery tag %d", confirm.DeliveryTag))
		}
	case <-ctx.Done():
		// the channel's confirm sequence is now out of step; start a fresh one
		_ = r.pubCh.Close()
		r.pubCh = nil
		metrics.IncBrokerPublished(r.serviceName, exchange, "error")
		return errors.NewPublishError(routingKey, ctx.Err())
	}

	metrics.IncBrokerPublished(r.serviceName, exchange, "ok")
	metrics.ObserveBrokerPublishDuration(r.serviceName, exchange, time.Since(start))
	metrics.ObserveBrokerMessageSize(r.serviceName, "out", len(msg.Body))
	return nil
}

// Consume delivers messages from queue to handler until ctx is cancelled or the
// connection drops. Acknowledgement is manual and driven by the handler's result.
func (r *RabbitMQ) Consume(ctx context.Context, queue string, handler HandlerFunc) error {
	ch, err := r.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open consumer channel: %w", err)
	}
	defer ch.Close()

	prefetch := r.cfg.Prefetch
	if prefetch <= 0 {
		prefetch = constants.DefaultPrefetch
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set qos on %s: %w", queue, err)
	}

	tag := fmt.Sprintf("%s-%s", r.serviceName, uuid.NewString()[:8])
	deliveries, err := ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume from %s: %w", queue, err)
	}

	workers := r.cfg.Workers
	if workers <= 0 {
		workers = constants.DefaultWorkers
	}

	r.logger.Infow("Started consuming",
		"queue", queue,
		"prefetch", prefetch,
		"workers", workers,
		"service_name", r.serviceName,
	)

	closed := make(chan struct{})
	var workersWg sync.WaitGroup
	for i := 0; i < workers; i++ {
		workersWg.Add(1)
		r.wg.Add(1)
		go func() {
			defer workersWg.Done()
			defer r.wg.Done()
			for d := range deliveries {
				r.handle(ctx, queue, d, handler)
			}
		}()
	}
	go func() {
		workersWg.Wait()
		close(closed)
	}()

	select {
	case <-ctx.Done():
		_ = ch.Cancel(tag, false)
		<-closed
		r.logger.Infow("Stopped consuming",
			"queue", queue,
			"reason", "context canceled",
		)
		return ctx.Err()
	case <-closed:
		return fmt.Errorf("delivery channel for %s closed", queue)
	}
}

func (r *RabbitMQ) handle(ctx context.Context, queue string, d amqp.Delivery, handler HandlerFunc) {
	delivery := Delivery{
		Message: Message{
			Body:          d.Body,
			Headers:       plainTable(d.Headers),
			MessageID:     d.MessageId,
			CorrelationID: d.CorrelationId,
			Timestamp:     d.Timestamp,
		},
		Exchange:    d.Exchange,
		RoutingKey:  d.RoutingKey,
		Queue:       queue,
		Redelivered: d.Redelivered,
	}

	msgCtx, span := tracing.StartConsumerSpan(ctx, "rabbitmq.consume "+queue, delivery.Headers)
	defer span.End()

	msgCtx = logging.WithServiceName(msgCtx, r.serviceName)
	msgCtx = logging.WithMessageID(msgCtx, d.MessageId)
	if d.CorrelationId != "" {
		msgCtx = logging.WithRequestID(msgCtx, d.CorrelationId)
	}

	metrics.ObserveBrokerMessageSize(r.serviceName, "in", len(d.Body))

	if err := invoke(msgCtx, handler, delivery); err != nil {
		if IsRequeue(err) {
			metrics.IncBrokerConsumed(r.serviceName, queue, "requeued")
			if nackErr := d.Nack(false, true); nackErr != nil {
				r.logger.ErrorwCtx(msgCtx, "Failed to requeue message", "error", nackErr, "queue", queue)
			}
			return
		}
		r.logger.WarnwCtx(msgCtx, "Rejecting message",
			"error", err,
			"queue", queue,
			"routing_key", d.RoutingKey,
		)
		metrics.IncBrokerConsumed(r.serviceName, queue, "rejected")
		if nackErr := d.Nack(false, false); nackErr != nil {
			r.logger.ErrorwCtx(msgCtx, "Failed to reject message", "error", nackErr, "queue", queue)
		}
		return
	}

	metrics.IncBrokerConsumed(r.serviceName, queue, "acked")
	if ackErr := d.Ack(false); ackErr != nil {
		r.logger.ErrorwCtx(msgCtx, "Failed to acknowledge message", "error", ackErr, "queue", queue)
	}
}

// invoke runs handler and turns a panic into an error so the delivery is rejected
// rather than left unacknowledged.
func invoke(ctx context.Context, handler HandlerFunc, d Delivery) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.RecoverPanic(rec)
		}
	}()
	return handler(ctx, d)
}

// plainTable converts an AMQP table, including nested tables such as x-death
// entries, into plain maps.
func plainTable(t amqp.Table) map[string]interface{} {
	out := make(map[string]interface{}, len(t))
	for k, v := range t {
		out[k] = plainValue(v)
	}
	return out
}

func plainValue(v interface{}) interface{} {
	switch val := v.(type) {
	case amqp.Table:
		return plainTable(val)
	case []interface{}:
		items := make([]interface{}, len(val))
		for i, item := range val {
			items[i] = plainValue(item)
		}
		return items
	default:
		return v
	}
}

func (r *RabbitMQ) withChannel(fn func(ch *amqp.Channel) error) error {
	ch, err := r.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()
	return fn(ch)
}

func (r *RabbitMQ) DeclareExchange(name, kind string) error {
	return r.withChannel(func(ch *amqp.Channel) error {
		return ch.ExchangeDeclare(name, kind, true, false, false, false, nil)
	})
}

func (r *RabbitMQ) DeclareQueue(name string, args map[string]interface{}) error {
	return r.withChannel(func(ch *amqp.Channel) error {
		_, err := ch.QueueDeclare(name, true, false, false, false, amqp.Table(args))
		return err
	})
}

func (r *RabbitMQ) BindQueue(queue, bindingKey, exchange string) error {
	return r.withChannel(func(ch *amqp.Channel) error {
		return ch.QueueBind(queue, bindingKey, exchange, false, nil)
	})
}

// Ping reports whether the underlying connection is still open.
func (r *RabbitMQ) Ping(ctx context.Context) error {
	if r.conn == nil || r.conn.IsClosed() {
		return fmt.Errorf("rabbitmq connection is closed")
	}
	return nil
}

func (r *RabbitMQ) Close() error {
	r.pubMu.Lock()
	if r.pubCh != nil {
		_ = r.pubCh.Close()
		r.pubCh = nil
	}
	r.pubMu.Unlock()

	err := r.conn.Close()
	r.wg.Wait()
	if err == amqp.ErrClosed {
		return nil
	}
	return err
}
