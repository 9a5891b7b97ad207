package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"onboarding/internal/constants"
	"onboarding/internal/logger"
	"onboarding/pkg/logging"
	"onboarding/pkg/metrics"
)

// Memory is an in-process topic broker. It follows the RabbitMQ rules the saga
// depends on: topic bindings with * and # wildcards, unroutable messages are
// dropped, and a rejected delivery is re-published to the queue's dead-letter
// exchange when the queue was declared with one.
type Memory struct {
	mu          sync.RWMutex
	exchanges   map[string]string
	queues      map[string]*memoryQueue
	bindings    []binding
	history     []Delivery
	logger      logger.Logger
	serviceName string
	closed      bool
}

type binding struct {
	exchange string
	key      string
	queue    string
}

type memoryQueue struct {
	name   string
	args   map[string]interface{}
	maxLen int
	mu     sync.Mutex
	items  []Delivery
	notify chan struct{}
}

func NewMemory(log logger.Logger) *Memory {
	return &Memory{
		exchanges:   make(map[string]string),
		queues:      make(map[string]*memoryQueue),
		logger:      log,
		serviceName: "memory",
	}
}

func (m *Memory) SetServiceName(name string) {
	m.serviceName = name
}

func (m *Memory) DeclareExchange(name, kind string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.exchanges[name]; ok && existing != kind {
		return fmt.Errorf("exchange %s already declared as %s", name, existing)
	}
	m.exchanges[name] = kind
	return nil
}

func (m *Memory) DeclareQueue(name string, args map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if q, ok := m.queues[name]; ok {
		if !sameArgs(q.args, args) {
			return fmt.Errorf("queue %s already declared with different arguments", name)
		}
		return nil
	}
	q := &memoryQueue{
		name:   name,
		args:   cloneHeaders(args),
		notify: make(chan struct{}, 1),
	}
	if n, ok := toInt(args[constants.HeaderMaxLength]); ok && n > 0 {
		q.maxLen = n
	}
	m.queues[name] = q
	return nil
}

func (m *Memory) BindQueue(queue, bindingKey, exchange string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.queues[queue]; !ok {
		return fmt.Errorf("queue %s not declared", queue)
	}
	if _, ok := m.exchanges[exchange]; !ok {
		return fmt.Errorf("exchange %s not declared", exchange)
	}
	b := binding{exchange: exchange, key: bindingKey, queue: queue}
	for _, existing := range m.bindings {
		if existing == b {
			return nil
		}
	}
	m.bindings = append(m.bindings, b)
	return nil
}

// Bindings returns the binding keys of queue on exchange.
func (m *Memory) Bindings(queue, exchange string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for _, b := range m.bindings {
		if b.queue == queue && b.exchange == exchange {
			keys = append(keys, b.key)
		}
	}
	return keys
}

// QueueArgs returns the arguments queue was declared with.
func (m *Memory) QueueArgs(queue string) (map[string]interface{}, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	q, ok := m.queues[queue]
	if !ok {
		return nil, false
	}
	return cloneHeaders(q.args), true
}

// Depth is the number of messages waiting in queue.
func (m *Memory) Depth(queue string) int {
	m.mu.RLock()
	q, ok := m.queues[queue]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Published returns every message published to exchange, in order, including
// dead-letter re-publications.
func (m *Memory) Published(exchange string) []Delivery {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Delivery
	for _, d := range m.history {
		if d.Exchange == exchange {
			out = append(out, d)
		}
	}
	return out
}

// PublishedWithKey filters Published by routing key.
func (m *Memory) PublishedWithKey(exchange, routingKey string) []Delivery {
	var out []Delivery
	for _, d := range m.Published(exchange) {
		if d.RoutingKey == routingKey {
			out = append(out, d)
		}
	}
	return out
}

func (m *Memory) Publish(ctx context.Context, exchange, routingKey string, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	msg.Headers = cloneHeaders(msg.Headers)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("memory broker is closed")
	}
	if _, ok := m.exchanges[exchange]; !ok {
		m.mu.Unlock()
		metrics.IncBrokerPublished(m.serviceName, exchange, "error")
		return fmt.Errorf("exchange %s not declared", exchange)
	}

	m.history = append(m.history, Delivery{Message: msg, Exchange: exchange, RoutingKey: routingKey})

	var targets []*memoryQueue
	seen := make(map[string]bool)
	for _, b := range m.bindings {
		if b.exchange != exchange || seen[b.queue] || !TopicMatches(b.key, routingKey) {
			continue
		}
		seen[b.queue] = true
		targets = append(targets, m.queues[b.queue])
	}
	m.mu.Unlock()

	for _, q := range targets {
		q.push(Delivery{
			Message: Message{
				Body:          msg.Body,
				Headers:       cloneHeaders(msg.Headers),
				MessageID:     msg.MessageID,
				CorrelationID: msg.CorrelationID,
				Timestamp:     msg.Timestamp,
			},
			Exchange:   exchange,
			RoutingKey: routingKey,
			Queue:      q.name,
		})
	}

	metrics.IncBrokerPublished(m.serviceName, exchange, "ok")
	return nil
}

func (m *Memory) Consume(ctx context.Context, queue string, handler HandlerFunc) error {
	m.mu.RLock()
	q, ok := m.queues[queue]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("queue %s not declared", queue)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		d, ok := q.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-q.notify:
				continue
			}
		}

		msgCtx := logging.WithServiceName(ctx, m.serviceName)
		msgCtx = logging.WithMessageID(msgCtx, d.MessageID)

		if err := invoke(msgCtx, handler, d); err != nil {
			if IsRequeue(err) {
				metrics.IncBrokerConsumed(m.serviceName, queue, "requeued")
				d.Redelivered = true
				q.pushFront(d)
				continue
			}
			metrics.IncBrokerConsumed(m.serviceName, queue, "rejected")
			m.deadLetter(msgCtx, q, d, err)
			continue
		}
		metrics.IncBrokerConsumed(m.serviceName, queue, "acked")
	}
}

// deadLetter mirrors RabbitMQ's reject-without-requeue: the message moves to the
// queue's dead-letter exchange, or is dropped when the queue has none.
func (m *Memory) deadLetter(ctx context.Context, q *memoryQueue, d Delivery, cause error) {
	dlx, _ := q.args[constants.HeaderDeadLetterExchange].(string)
	if dlx == "" {
		m.logger.WarnwCtx(ctx, "Dropping rejected message, queue has no dead-letter exchange",
			"queue", q.name,
			"error", cause,
		)
		return
	}

	routingKey := d.RoutingKey
	if rk, ok := q.args[constants.HeaderDeadLetterRoutingKey].(string); ok && rk != "" {
		routingKey = rk
	}

	headers := cloneHeaders(d.Headers)
	headers[constants.HeaderDeath] = []interface{}{
		map[string]interface{}{
			"queue":        q.name,
			"reason":       "rejected",
			"exchange":     d.Exchange,
			"routing-keys": []interface{}{d.RoutingKey},
			"count":        int64(1),
		},
	}
	if _, ok := headers[constants.HeaderOriginalRoutingKey]; !ok {
		headers[constants.HeaderOriginalRoutingKey] = d.RoutingKey
	}

	msg := d.Message
	msg.Headers = headers
	if err := m.Publish(context.Background(), dlx, routingKey, msg); err != nil {
		m.logger.ErrorwCtx(ctx, "Failed to dead-letter rejected message",
			"queue", q.name,
			"error", err,
		)
	}
}

func (m *Memory) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return fmt.Errorf("memory broker is closed")
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// push appends d, dropping the oldest message when the queue is at its
// x-max-length.
func (q *memoryQueue) push(d Delivery) {
	q.mu.Lock()
	q.items = append(q.items, d)
	if q.maxLen > 0 && len(q.items) > q.maxLen {
		q.items = q.items[len(q.items)-q.maxLen:]
	}
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *memoryQueue) pushFront(d Delivery) {
	q.mu.Lock()
	q.items = append([]Delivery{d}, q.items...)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *memoryQueue) pop() (Delivery, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return Delivery{}, false
	}
	d := q.items[0]
	q.items = q.items[1:]
	if len(q.items) > 0 {
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}
	return d, true
}

// TopicMatches reports whether routingKey matches an AMQP topic binding pattern:
// "*" matches exactly one word and "#" matches zero or more.
func TopicMatches(pattern, routingKey string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(routingKey, "."))
}

func matchWords(pattern, words []string) bool {
	if len(pattern) == 0 {
		return len(words) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(words); i++ {
			if matchWords(pattern[1:], words[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(words) > 0 && matchWords(pattern[1:], words[1:])
	default:
		return len(words) > 0 && pattern[0] == words[0] && matchWords(pattern[1:], words[1:])
	}
}

func sameArgs(a, b map[string]interface{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if fmt.Sprint(b[k]) != fmt.Sprint(v) {
			return false
		}
	}
	return true
}
