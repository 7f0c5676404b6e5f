package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/covenant-sec/covenant/internal/metrics"
)

// Topics, one partition per event type.
const (
	TopicConstitutional = "constitutional.events"
	TopicViolations     = "constitutional.violations"
	TopicAuditTrail     = "audit.trail"
	TopicEvaluations    = "policy.evaluations"
	TopicSandbox        = "sandbox.events"
	TopicReviews        = "human.review.requests"
)

// Publisher is the NATS surface the router needs. *nats.Conn satisfies it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Handler receives the serialized envelope for a topic.
type Handler func(topic string, data []byte)

// Envelope wraps every routed event.
type Envelope struct {
	Topic     string      `json:"topic"`
	Kind      string      `json:"kind"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// Router fans events out to in-process subscribers and, when configured, to
// NATS for external collaborators (metrics, notification). In-process
// delivery is synchronous so the audit ledger sees events in publish order.
type Router struct {
	mu          sync.RWMutex
	nc          Publisher
	subscribers map[string][]Handler
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// NewRouter creates a new event router. nc may be nil for in-process-only
// operation.
func NewRouter(nc Publisher, m *metrics.Metrics, logger *slog.Logger) *Router {
	return &Router{
		nc:          nc,
		subscribers: make(map[string][]Handler),
		logger:      logger,
		metrics:     m,
	}
}

// Subscribe registers an in-process handler for a topic.
func (r *Router) Subscribe(topic string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribers[topic] = append(r.subscribers[topic], handler)
}

// Publish routes one event to all in-process subscribers of the topic and to
// NATS. A NATS failure is counted and logged but does not fail the publish:
// in-process consumers (the audit ledger above all) have already seen it.
func (r *Router) Publish(topic, kind string, payload interface{}) error {
	envelope := Envelope{
		Topic:     topic,
		Kind:      kind,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal event for topic %s: %w", topic, err)
	}

	r.mu.RLock()
	handlers := make([]Handler, len(r.subscribers[topic]))
	copy(handlers, r.subscribers[topic])
	nc := r.nc
	r.mu.RUnlock()

	for _, handler := range handlers {
		handler(topic, data)
	}

	if nc != nil {
		if err := nc.Publish(topic, data); err != nil {
			if r.metrics != nil {
				r.metrics.EventPublishErrors.Inc()
			}
			r.logger.Error("Failed to publish event to NATS", "topic", topic, "kind", kind, "error", err)
		}
	}

	if r.metrics != nil {
		r.metrics.EventsPublished.WithLabelValues(topic).Inc()
	}
	r.logger.Debug("Event published", "topic", topic, "kind", kind)
	return nil
}
