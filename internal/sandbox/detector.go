package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/covenant-sec/covenant/internal/events"
	"github.com/covenant-sec/covenant/internal/metrics"
	"github.com/covenant-sec/covenant/internal/model"
	"github.com/covenant-sec/covenant/internal/review"
)

// ErrContainmentFailed signals that a sandbox could not be confirmed
// isolated. The system never silently continues running a sandbox it failed
// to contain: the failure escalates straight to critical human review.
var ErrContainmentFailed = errors.New("sandbox containment failed")

// Containment isolates or terminates a sandbox instance. Implementations
// must block until isolation is confirmed; containment is evaluated in the
// same causal step as detection to bound the exposure window.
type Containment interface {
	Isolate(ctx context.Context, sandboxID string) ([]string, error)
}

// escalationSyscalls are hard-coded high-confidence escape signatures.
var escalationSyscalls = map[string]bool{
	"ptrace": true,
	"setuid": true,
	"setns":  true,
	"capset": true,
}

var injectionSyscalls = map[string]bool{
	"process_vm_writev": true,
	"process_vm_readv":  true,
	"tgkill":            true,
}

// Detector classifies sandbox execution telemetry into violations and
// triggers containment before returning for high-severity detections.
type Detector struct {
	mu          sync.RWMutex
	policy      *Policy
	containment Containment
	router      *events.Router
	coordinator *review.Coordinator
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// NewDetector creates a new violation detector.
func NewDetector(policy *Policy, containment Containment, router *events.Router, coordinator *review.Coordinator, m *metrics.Metrics, logger *slog.Logger) *Detector {
	return &Detector{
		policy:      policy,
		containment: containment,
		router:      router,
		coordinator: coordinator,
		logger:      logger,
		metrics:     m,
	}
}

// UpdatePolicy swaps the classification policy.
func (d *Detector) UpdatePolicy(policy *Policy) {
	d.mu.Lock()
	d.policy = policy
	d.mu.Unlock()
	d.logger.Info("Sandbox policy updated", "sensitive_paths", len(policy.SensitivePaths))
}

// Classify inspects one telemetry sample. It returns nil when nothing
// matches an escape signature. For high or critical severity the sandbox is
// confirmed isolated before Classify returns; a containment failure is
// reported as ErrContainmentFailed together with the violation.
func (d *Detector) Classify(ctx context.Context, sandboxID, agentID string, telemetry model.SandboxTelemetry) (*model.SandboxViolation, error) {
	d.mu.RLock()
	policy := d.policy
	d.mu.RUnlock()

	violation := d.classify(policy, sandboxID, agentID, telemetry)
	if violation == nil {
		return nil, nil
	}

	if d.metrics != nil {
		d.metrics.ViolationsTotal.WithLabelValues(string(violation.ViolationType), string(violation.Severity)).Inc()
	}
	d.logger.Warn("Sandbox violation detected",
		"sandbox_id", sandboxID,
		"agent_id", agentID,
		"violation_type", violation.ViolationType,
		"severity", violation.Severity,
		"indicators", violation.Indicators)

	var containErr error
	if violation.Severity.AtLeast(policy.Containment.MinSeverity) {
		actions, err := d.containment.Isolate(ctx, sandboxID)
		violation.ContainmentActions = actions
		if err != nil {
			containErr = fmt.Errorf("%w: sandbox %s: %v", ErrContainmentFailed, sandboxID, err)
			if d.metrics != nil {
				d.metrics.ContainmentFailed.Inc()
			}
			d.logger.Error("Containment failed", "sandbox_id", sandboxID, "error", err)
		} else {
			if d.metrics != nil {
				d.metrics.ContainmentsTotal.Inc()
			}
			d.logger.Info("Sandbox contained", "sandbox_id", sandboxID, "actions", actions)
		}
	}

	if err := d.router.Publish(events.TopicViolations, "violation", violation); err != nil {
		d.logger.Error("Failed to publish violation event", "violation_id", violation.ID, "error", err)
	}

	// High-severity violations force a critical human review regardless of
	// any separate policy evaluation. A failed containment escalates even if
	// the violation itself would not.
	if violation.Severity.AtLeast(model.SeverityHigh) || containErr != nil {
		reviewContext := map[string]interface{}{
			"sandbox_id":     sandboxID,
			"violation_id":   violation.ID,
			"violation_type": violation.ViolationType,
			"indicators":     violation.Indicators,
		}
		if containErr != nil {
			reviewContext["containment_failed"] = true
		}
		_, err := d.coordinator.Enqueue(violation.ID, agentID, "sandbox_violation", 1.0,
			model.SeverityCritical, reviewContext, []string{string(violation.ViolationType)})
		if err != nil {
			d.logger.Error("Failed to enqueue violation review", "violation_id", violation.ID, "error", err)
		}
	}

	return violation, containErr
}

// classify applies the escape signatures in descending severity priority and
// returns the strongest match.
func (d *Detector) classify(policy *Policy, sandboxID, agentID string, telemetry model.SandboxTelemetry) *model.SandboxViolation {
	newViolation := func(vt model.ViolationType, severity model.Severity, layer string, indicators []string) *model.SandboxViolation {
		return &model.SandboxViolation{
			ID:             uuid.New().String(),
			SandboxID:      sandboxID,
			AgentID:        agentID,
			ViolationType:  vt,
			Severity:       severity,
			DetectionLayer: layer,
			Indicators:     indicators,
			DetectedAt:     time.Now().UTC(),
		}
	}

	// Privilege escalation: ptrace-class syscalls or explicit flags.
	var privIndicators []string
	for _, syscall := range telemetry.Syscalls {
		if escalationSyscalls[syscall] {
			privIndicators = append(privIndicators, "syscall:"+syscall)
		}
	}
	for _, flag := range telemetry.PrivilegeFlags {
		privIndicators = append(privIndicators, "flag:"+flag)
	}
	if len(privIndicators) > 0 {
		return newViolation(model.ViolationPrivilegeEscalation, model.SeverityCritical, "syscall", privIndicators)
	}

	// Process injection signatures.
	var injIndicators []string
	for _, syscall := range telemetry.Syscalls {
		if injectionSyscalls[syscall] {
			injIndicators = append(injIndicators, "syscall:"+syscall)
		}
	}
	if len(injIndicators) > 0 {
		return newViolation(model.ViolationProcessInjection, model.SeverityHigh, "syscall", injIndicators)
	}

	// Any non-zero network attempt count.
	if telemetry.NetworkAttempts > 0 {
		return newViolation(model.ViolationNetworkAttempt, model.SeverityCritical, "network",
			[]string{fmt.Sprintf("attempts:%d", telemetry.NetworkAttempts)})
	}

	// File access: severity scales with path sensitivity.
	var fileSeverity model.Severity
	var fileIndicators []string
	for _, path := range telemetry.FilesAccessed {
		if severity, ok := policy.PathSeverity(path); ok {
			fileIndicators = append(fileIndicators, "path:"+path)
			if fileSeverity == "" || severity.AtLeast(fileSeverity) {
				fileSeverity = severity
			}
		}
	}
	if len(fileIndicators) > 0 {
		return newViolation(model.ViolationFileAccess, fileSeverity, "filesystem", fileIndicators)
	}

	// Resource breach against the sandbox policy limits.
	var resIndicators []string
	severity := model.SeverityMedium
	if telemetry.MemoryMB > policy.Resources.MaxMemoryMB {
		resIndicators = append(resIndicators, fmt.Sprintf("memory_mb:%.0f", telemetry.MemoryMB))
		if telemetry.MemoryMB > 2*policy.Resources.MaxMemoryMB {
			severity = model.SeverityHigh
		}
	}
	if telemetry.CPUCores > policy.Resources.MaxCPUCores {
		resIndicators = append(resIndicators, fmt.Sprintf("cpu_cores:%.2f", telemetry.CPUCores))
		if telemetry.CPUCores > 2*policy.Resources.MaxCPUCores {
			severity = model.SeverityHigh
		}
	}
	if len(resIndicators) > 0 {
		return newViolation(model.ViolationResourceBreach, severity, "resource", resIndicators)
	}

	return nil
}
