package events

import (
	"encoding/json"
	"log/slog"

	"github.com/covenant-sec/covenant/internal/ledger"
	"github.com/covenant-sec/covenant/internal/model"
)

// AuditBridge subscribes the audit ledger to the event topics so every
// evaluation, violation, review request, and review decision lands in the
// hash chain. One ledger partition per topic.
type AuditBridge struct {
	ledger *ledger.Ledger
	logger *slog.Logger
}

// NewAuditBridge wires the ledger into the router.
func NewAuditBridge(router *Router, l *ledger.Ledger, logger *slog.Logger) *AuditBridge {
	bridge := &AuditBridge{ledger: l, logger: logger}
	for _, topic := range []string{TopicConstitutional, TopicViolations, TopicEvaluations, TopicSandbox, TopicReviews} {
		router.Subscribe(topic, bridge.handle)
	}
	return bridge
}

// handle appends one routed event to the ledger partition named by its topic.
func (b *AuditBridge) handle(topic string, data []byte) {
	var envelope struct {
		Kind    string                 `json:"kind"`
		Payload map[string]interface{} `json:"payload"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		b.logger.Error("Failed to decode routed event for audit", "topic", topic, "error", err)
		return
	}

	event := model.AuditEvent{
		Type:            topic,
		SourceComponent: sourceFor(envelope.Kind),
		Actor:           actorFor(envelope.Kind, envelope.Payload),
		Action:          envelope.Kind,
		Payload:         envelope.Payload,
	}
	if _, err := b.ledger.Append(event); err != nil {
		b.logger.Error("Failed to append routed event to audit ledger", "topic", topic, "kind", envelope.Kind, "error", err)
	}
}

func sourceFor(kind string) string {
	switch kind {
	case "evaluation":
		return "policy-evaluator"
	case "violation":
		return "sandbox-detector"
	case "review-request", "review-decision":
		return "review-coordinator"
	default:
		return "event-router"
	}
}

// actorFor pulls the most specific actor identity the payload carries.
func actorFor(kind string, payload map[string]interface{}) string {
	if kind == "review-decision" {
		if after, ok := payload["after"].(map[string]interface{}); ok {
			if reviewer, ok := after["reviewed_by"].(string); ok && reviewer != "" {
				return reviewer
			}
		}
	}
	if agentID, ok := payload["agent_id"].(string); ok && agentID != "" {
		return agentID
	}
	return "system"
}
