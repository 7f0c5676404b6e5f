package review

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/covenant-sec/covenant/internal/events"
	"github.com/covenant-sec/covenant/internal/metrics"
	"github.com/covenant-sec/covenant/internal/model"
)

var (
	// ErrAlreadyDecided is returned when deciding a request that is already
	// terminal.
	ErrAlreadyDecided = errors.New("review request already decided")
	// ErrNotFound is returned for unknown request IDs.
	ErrNotFound = errors.New("review request not found")
)

// TimeoutActor is recorded as the reviewer when the sweep auto-escalates an
// overdue request.
const TimeoutActor = "system-timeout"

// timeoutFor maps priority to the review SLA window.
func timeoutFor(priority model.Severity) time.Duration {
	switch priority {
	case model.SeverityCritical:
		return 2 * time.Hour
	case model.SeverityHigh:
		return 24 * time.Hour
	case model.SeverityMedium:
		return 48 * time.Hour
	default:
		return 7 * 24 * time.Hour
	}
}

// Coordinator queues evaluations flagged for review, enforces the
// auto-timeout, and routes every decision back through the event router.
// Requests reach exactly one terminal state: a human decision or the
// timeout sweep, whichever lands first.
type Coordinator struct {
	mu       sync.Mutex
	requests map[string]*model.HumanReviewRequest
	router   *events.Router
	logger   *slog.Logger
	metrics  *metrics.Metrics

	sweepTicker *time.Ticker
	stopSweep   chan struct{}
}

// NewCoordinator creates a new review coordinator.
func NewCoordinator(router *events.Router, m *metrics.Metrics, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		requests: make(map[string]*model.HumanReviewRequest),
		router:   router,
		logger:   logger,
		metrics:  m,
	}
}

// Enqueue creates a pending review request. Enqueueing an already-known
// requestID returns the existing request instead of opening a second one.
func (c *Coordinator) Enqueue(requestID, agentID, action string, riskScore float64, priority model.Severity, context map[string]interface{}, policyViolations []string) (*model.HumanReviewRequest, error) {
	if err := model.ValidateScore("riskScore", riskScore); err != nil {
		return nil, err
	}
	if !priority.Valid() {
		return nil, fmt.Errorf("unknown priority %q", priority)
	}
	if requestID == "" {
		requestID = uuid.New().String()
	}

	c.mu.Lock()
	if existing, ok := c.requests[requestID]; ok {
		c.mu.Unlock()
		return existing, nil
	}

	now := time.Now().UTC()
	request := &model.HumanReviewRequest{
		ID:               uuid.New().String(),
		RequestID:        requestID,
		AgentID:          agentID,
		Action:           action,
		RiskScore:        riskScore,
		Priority:         priority,
		Context:          context,
		PolicyViolations: policyViolations,
		RequestedAt:      now,
		AutoTimeoutAt:    now.Add(timeoutFor(priority)),
	}
	c.requests[requestID] = request
	pending := c.pendingCountLocked()
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.ReviewsEnqueued.WithLabelValues(string(priority)).Inc()
		c.metrics.ReviewsPending.Set(float64(pending))
	}
	c.logger.Info("Review request enqueued",
		"request_id", requestID,
		"agent_id", agentID,
		"action", action,
		"priority", priority,
		"risk_score", riskScore,
		"auto_timeout_at", request.AutoTimeoutAt)

	if err := c.router.Publish(events.TopicReviews, "review-request", request); err != nil {
		c.logger.Error("Failed to publish review request event", "request_id", requestID, "error", err)
	}

	return request, nil
}

// Decide records a human decision. Fails with ErrNotFound for unknown
// requests and ErrAlreadyDecided once a request is terminal; terminal
// requests never change again.
func (c *Coordinator) Decide(requestID string, decision model.ReviewDecision, reviewer, notes string) (*model.HumanReviewRequest, error) {
	switch decision {
	case model.DecisionApprove, model.DecisionReject, model.DecisionEscalate:
	default:
		return nil, fmt.Errorf("unknown decision %q", decision)
	}

	c.mu.Lock()
	request, ok := c.requests[requestID]
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}
	if !request.Pending() {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyDecided, requestID)
	}

	before := *request
	now := time.Now().UTC()
	request.ReviewedAt = &now
	request.ReviewedBy = reviewer
	request.Decision = decision
	request.Notes = notes
	after := *request
	pending := c.pendingCountLocked()
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.ReviewsDecided.WithLabelValues(string(decision)).Inc()
		c.metrics.ReviewsPending.Set(float64(pending))
	}
	c.logger.Info("Review request decided",
		"request_id", requestID,
		"decision", decision,
		"reviewer", reviewer)

	c.publishDecision(before, after)
	return &after, nil
}

// Get returns a request by ID.
func (c *Coordinator) Get(requestID string) (*model.HumanReviewRequest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	request, ok := c.requests[requestID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}
	copied := *request
	return &copied, nil
}

// Pending returns pending requests ordered by priority (critical first),
// then by request time.
func (c *Coordinator) Pending() []*model.HumanReviewRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	var pending []*model.HumanReviewRequest
	for _, request := range c.requests {
		if request.Pending() {
			copied := *request
			pending = append(pending, &copied)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].Priority != pending[j].Priority {
			return pending[i].Priority.AtLeast(pending[j].Priority)
		}
		return pending[i].RequestedAt.Before(pending[j].RequestedAt)
	})
	return pending
}

// All returns every request, terminal or pending.
func (c *Coordinator) All() []*model.HumanReviewRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	all := make([]*model.HumanReviewRequest, 0, len(c.requests))
	for _, request := range c.requests {
		copied := *request
		all = append(all, &copied)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].RequestedAt.Before(all[j].RequestedAt)
	})
	return all
}

// SweepOnce transitions requests past their auto-timeout to escalated with
// the system-timeout actor. The transition is a compare-and-swap on
// reviewedAt under the coordinator lock, so concurrent sweeps agree on a
// single winner per request; later attempts are no-ops, not errors.
func (c *Coordinator) SweepOnce(now time.Time) int {
	type diff struct{ before, after model.HumanReviewRequest }
	var timedOut []diff

	c.mu.Lock()
	for _, request := range c.requests {
		if !request.Pending() || now.Before(request.AutoTimeoutAt) {
			continue
		}
		before := *request
		ts := now.UTC()
		request.ReviewedAt = &ts
		request.ReviewedBy = TimeoutActor
		request.Decision = model.DecisionEscalate
		request.Notes = "auto-escalated by review timeout"
		timedOut = append(timedOut, diff{before, *request})
	}
	pending := c.pendingCountLocked()
	c.mu.Unlock()

	for _, d := range timedOut {
		if c.metrics != nil {
			c.metrics.ReviewsTimedOut.Inc()
			c.metrics.ReviewsDecided.WithLabelValues(string(model.DecisionEscalate)).Inc()
		}
		c.logger.Warn("Review request auto-escalated by timeout",
			"request_id", d.after.RequestID,
			"priority", d.after.Priority,
			"requested_at", d.after.RequestedAt)
		c.publishDecision(d.before, d.after)
	}
	if c.metrics != nil {
		c.metrics.ReviewsPending.Set(float64(pending))
	}
	return len(timedOut)
}

// StartSweep runs the timeout sweep on a fixed interval until StopSweep.
func (c *Coordinator) StartSweep(interval time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sweepTicker != nil {
		return // Already started
	}
	c.sweepTicker = time.NewTicker(interval)
	c.stopSweep = make(chan struct{})

	go c.sweepRoutine(c.sweepTicker, c.stopSweep)
}

// StopSweep stops the timeout sweep routine.
func (c *Coordinator) StopSweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sweepTicker != nil {
		c.sweepTicker.Stop()
		c.sweepTicker = nil
	}
	if c.stopSweep != nil {
		close(c.stopSweep)
		c.stopSweep = nil
	}
}

func (c *Coordinator) sweepRoutine(ticker *time.Ticker, stopChan chan struct{}) {
	for {
		select {
		case <-ticker.C:
			c.SweepOnce(time.Now())
		case <-stopChan:
			return
		}
	}
}

// publishDecision emits the decision with the full before/after diff so the
// audit ledger records the transition.
func (c *Coordinator) publishDecision(before, after model.HumanReviewRequest) {
	payload := map[string]interface{}{
		"before": before,
		"after":  after,
	}
	if err := c.router.Publish(events.TopicReviews, "review-decision", payload); err != nil {
		c.logger.Error("Failed to publish review decision event", "request_id", after.RequestID, "error", err)
	}
}

func (c *Coordinator) pendingCountLocked() int {
	count := 0
	for _, request := range c.requests {
		if request.Pending() {
			count++
		}
	}
	return count
}

// GetStats returns coordinator statistics.
func (c *Coordinator) GetStats() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	pending := 0
	timedOut := 0
	for _, request := range c.requests {
		if request.Pending() {
			pending++
		} else if request.ReviewedBy == TimeoutActor {
			timedOut++
		}
	}
	return map[string]interface{}{
		"total":     len(c.requests),
		"pending":   pending,
		"timed_out": timedOut,
	}
}
