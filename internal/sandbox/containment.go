package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// containmentActions is what an isolator is asked to do, in order.
var containmentActions = []string{"terminate_process", "revoke_network", "freeze_filesystem"}

// NATSContainment asks the sandbox runtime, an external collaborator, to
// isolate an instance over NATS request/reply. The reply is the isolation
// confirmation, which keeps containment synchronous with detection.
type NATSContainment struct {
	nc      *nats.Conn
	subject string
	timeout time.Duration
	logger  *slog.Logger
}

// NewNATSContainment creates a containment backed by a NATS request/reply
// subject.
func NewNATSContainment(nc *nats.Conn, subject string, timeout time.Duration, logger *slog.Logger) *NATSContainment {
	if subject == "" {
		subject = "sandbox.containment"
	}
	return &NATSContainment{nc: nc, subject: subject, timeout: timeout, logger: logger}
}

type containmentRequest struct {
	SandboxID string   `json:"sandbox_id"`
	Actions   []string `json:"actions"`
}

type containmentReply struct {
	Contained bool   `json:"contained"`
	Error     string `json:"error,omitempty"`
}

// Isolate sends the containment command and waits for confirmation.
func (c *NATSContainment) Isolate(ctx context.Context, sandboxID string) ([]string, error) {
	payload, err := json.Marshal(containmentRequest{SandboxID: sandboxID, Actions: containmentActions})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal containment request: %w", err)
	}

	timeout := c.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	msg, err := c.nc.Request(c.subject, payload, timeout)
	if err != nil {
		return nil, fmt.Errorf("containment request failed: %w", err)
	}

	var reply containmentReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return nil, fmt.Errorf("failed to parse containment reply: %w", err)
	}
	if !reply.Contained {
		return nil, fmt.Errorf("sandbox runtime refused containment: %s", reply.Error)
	}

	c.logger.Info("Containment confirmed", "sandbox_id", sandboxID, "actions", containmentActions)
	return containmentActions, nil
}

// LocalContainment tracks isolated sandboxes in process. Used in development
// and tests, and as the fallback when no NATS runtime is configured.
type LocalContainment struct {
	mu       sync.Mutex
	isolated map[string]time.Time
	logger   *slog.Logger
}

// NewLocalContainment creates an in-process containment.
func NewLocalContainment(logger *slog.Logger) *LocalContainment {
	return &LocalContainment{
		isolated: make(map[string]time.Time),
		logger:   logger,
	}
}

// Isolate marks the sandbox isolated.
func (c *LocalContainment) Isolate(ctx context.Context, sandboxID string) ([]string, error) {
	c.mu.Lock()
	c.isolated[sandboxID] = time.Now().UTC()
	c.mu.Unlock()

	c.logger.Info("Sandbox isolated locally", "sandbox_id", sandboxID)
	return containmentActions, nil
}

// IsIsolated reports whether a sandbox has been isolated.
func (c *LocalContainment) IsIsolated(sandboxID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.isolated[sandboxID]
	return ok
}
