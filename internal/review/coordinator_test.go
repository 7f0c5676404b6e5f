package review

import (
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covenant-sec/covenant/internal/events"
	"github.com/covenant-sec/covenant/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestCoordinator() (*Coordinator, *events.Router) {
	logger := testLogger()
	router := events.NewRouter(nil, nil, logger)
	return NewCoordinator(router, nil, logger), router
}

func TestEnqueue_SetsTimeoutFromPriority(t *testing.T) {
	coordinator, _ := newTestCoordinator()

	tests := []struct {
		priority model.Severity
		window   time.Duration
	}{
		{model.SeverityCritical, 2 * time.Hour},
		{model.SeverityHigh, 24 * time.Hour},
		{model.SeverityMedium, 48 * time.Hour},
		{model.SeverityLow, 7 * 24 * time.Hour},
	}

	for _, tt := range tests {
		t.Run(string(tt.priority), func(t *testing.T) {
			request, err := coordinator.Enqueue("", "agent-1", "propose_evolution", 0.5, tt.priority, nil, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.window, request.AutoTimeoutAt.Sub(request.RequestedAt))
			assert.True(t, request.Pending())
		})
	}
}

func TestEnqueue_SameRequestIDIsIdempotent(t *testing.T) {
	coordinator, _ := newTestCoordinator()

	first, err := coordinator.Enqueue("eval-1", "agent-1", "propose_evolution", 0.9, model.SeverityHigh, nil, nil)
	require.NoError(t, err)

	second, err := coordinator.Enqueue("eval-1", "agent-1", "propose_evolution", 0.9, model.SeverityHigh, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, coordinator.Pending(), 1)
}

func TestEnqueue_RejectsOutOfRangeRiskScore(t *testing.T) {
	coordinator, _ := newTestCoordinator()

	_, err := coordinator.Enqueue("", "agent-1", "action", 1.5, model.SeverityHigh, nil, nil)
	assert.Error(t, err)

	_, err = coordinator.Enqueue("", "agent-1", "action", -0.1, model.SeverityHigh, nil, nil)
	assert.Error(t, err)
}

func TestDecide_TerminalExactlyOnce(t *testing.T) {
	coordinator, _ := newTestCoordinator()

	request, err := coordinator.Enqueue("eval-1", "agent-1", "propose_evolution", 0.9, model.SeverityHigh, nil, nil)
	require.NoError(t, err)

	decided, err := coordinator.Decide(request.RequestID, model.DecisionApprove, "alice", "looks safe")
	require.NoError(t, err)
	assert.Equal(t, model.DecisionApprove, decided.Decision)
	assert.Equal(t, "alice", decided.ReviewedBy)
	assert.False(t, decided.Pending())

	_, err = coordinator.Decide(request.RequestID, model.DecisionReject, "bob", "")
	assert.ErrorIs(t, err, ErrAlreadyDecided)
}

func TestDecide_UnknownRequest(t *testing.T) {
	coordinator, _ := newTestCoordinator()

	_, err := coordinator.Decide("no-such-request", model.DecisionApprove, "alice", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDecide_AfterTimeoutFailsAlreadyDecided(t *testing.T) {
	coordinator, _ := newTestCoordinator()

	request, err := coordinator.Enqueue("eval-1", "agent-1", "propose_evolution", 0.9, model.SeverityCritical, nil, nil)
	require.NoError(t, err)

	transitions := coordinator.SweepOnce(request.AutoTimeoutAt.Add(time.Minute))
	assert.Equal(t, 1, transitions)

	_, err = coordinator.Decide(request.RequestID, model.DecisionApprove, "alice", "")
	assert.ErrorIs(t, err, ErrAlreadyDecided)

	timedOut, err := coordinator.Get(request.RequestID)
	require.NoError(t, err)
	assert.Equal(t, model.DecisionEscalate, timedOut.Decision)
	assert.Equal(t, TimeoutActor, timedOut.ReviewedBy)
}

func TestSweep_ConcurrentIdempotence(t *testing.T) {
	coordinator, router := newTestCoordinator()

	decisionEvents := 0
	var eventMu sync.Mutex
	router.Subscribe(events.TopicReviews, func(topic string, data []byte) {
		var envelope struct {
			Kind string `json:"kind"`
		}
		require.NoError(t, json.Unmarshal(data, &envelope))
		if envelope.Kind == "review-decision" {
			eventMu.Lock()
			decisionEvents++
			eventMu.Unlock()
		}
	})

	request, err := coordinator.Enqueue("eval-1", "agent-1", "propose_evolution", 0.9, model.SeverityCritical, nil, nil)
	require.NoError(t, err)

	overdue := request.AutoTimeoutAt.Add(time.Minute)

	var wg sync.WaitGroup
	total := 0
	var totalMu sync.Mutex
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n := coordinator.SweepOnce(overdue)
			totalMu.Lock()
			total += n
			totalMu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, total, "exactly one sweep wins the transition")
	assert.Equal(t, 1, decisionEvents, "exactly one decision event published")
}

func TestSweep_LeavesNonOverdueAlone(t *testing.T) {
	coordinator, _ := newTestCoordinator()

	_, err := coordinator.Enqueue("eval-1", "agent-1", "action", 0.5, model.SeverityLow, nil, nil)
	require.NoError(t, err)

	transitions := coordinator.SweepOnce(time.Now())
	assert.Equal(t, 0, transitions)
	assert.Len(t, coordinator.Pending(), 1)
}

func TestPending_SortsByPriorityThenAge(t *testing.T) {
	coordinator, _ := newTestCoordinator()

	_, err := coordinator.Enqueue("low-1", "agent-1", "a", 0.1, model.SeverityLow, nil, nil)
	require.NoError(t, err)
	_, err = coordinator.Enqueue("crit-1", "agent-2", "b", 0.9, model.SeverityCritical, nil, nil)
	require.NoError(t, err)
	_, err = coordinator.Enqueue("high-1", "agent-3", "c", 0.7, model.SeverityHigh, nil, nil)
	require.NoError(t, err)

	pending := coordinator.Pending()
	require.Len(t, pending, 3)
	assert.Equal(t, "crit-1", pending[0].RequestID)
	assert.Equal(t, "high-1", pending[1].RequestID)
	assert.Equal(t, "low-1", pending[2].RequestID)
}

func TestDecisionEventCarriesBeforeAfterDiff(t *testing.T) {
	coordinator, router := newTestCoordinator()

	var diffs []map[string]interface{}
	router.Subscribe(events.TopicReviews, func(topic string, data []byte) {
		var envelope struct {
			Kind    string                 `json:"kind"`
			Payload map[string]interface{} `json:"payload"`
		}
		require.NoError(t, json.Unmarshal(data, &envelope))
		if envelope.Kind == "review-decision" {
			diffs = append(diffs, envelope.Payload)
		}
	})

	request, err := coordinator.Enqueue("eval-1", "agent-1", "action", 0.9, model.SeverityHigh, nil, nil)
	require.NoError(t, err)
	_, err = coordinator.Decide(request.RequestID, model.DecisionReject, "alice", "too risky")
	require.NoError(t, err)

	require.Len(t, diffs, 1)
	before := diffs[0]["before"].(map[string]interface{})
	after := diffs[0]["after"].(map[string]interface{})
	assert.Nil(t, before["reviewed_at"])
	assert.NotNil(t, after["reviewed_at"])
	assert.Equal(t, "reject", after["decision"])
}
