package model

import (
	"fmt"
	"time"
)

// Verdict is the outcome of a policy evaluation.
type Verdict string

const (
	VerdictAllow  Verdict = "allow"
	VerdictDeny   Verdict = "deny"
	VerdictReview Verdict = "review"
)

// Severity classifies how serious a sandbox violation or review request is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// severityLevels orders severities for comparison
var severityLevels = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// AtLeast reports whether s is at least as severe as min.
func (s Severity) AtLeast(min Severity) bool {
	return severityLevels[s] >= severityLevels[min]
}

// Valid reports whether s is one of the known severities.
func (s Severity) Valid() bool {
	_, ok := severityLevels[s]
	return ok
}

// ViolationType classifies a sandbox escape attempt.
type ViolationType string

const (
	ViolationResourceBreach      ViolationType = "resource_breach"
	ViolationNetworkAttempt      ViolationType = "network_attempt"
	ViolationPrivilegeEscalation ViolationType = "privilege_escalation"
	ViolationFileAccess          ViolationType = "file_access"
	ViolationProcessInjection    ViolationType = "process_injection"
)

// ReviewDecision is a terminal outcome recorded by a human reviewer or the timeout sweep.
type ReviewDecision string

const (
	DecisionApprove  ReviewDecision = "approve"
	DecisionReject   ReviewDecision = "reject"
	DecisionEscalate ReviewDecision = "escalate"
)

// PolicyRule is a versioned, named policy rule. Immutable once published;
// a new version supersedes but never overwrites.
type PolicyRule struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Version     int        `json:"version"`
	Family      RuleFamily `json:"family"`
	Params      RuleParams `json:"params"`
	Actions     []string   `json:"actions"`
	ContentHash string     `json:"content_hash"`
	Active      bool       `json:"active"`
	PublishedAt time.Time  `json:"published_at"`
}

// RuleFamily is the fixed enum of rule kinds, each with its own typed
// predicate and confidence constant.
type RuleFamily string

const (
	FamilyEvolutionThreshold RuleFamily = "evolution_threshold"
	FamilyResourceLimit      RuleFamily = "resource_limit"
	FamilyReviewTrigger      RuleFamily = "review_trigger"
)

// RuleParams holds the per-family predicate thresholds. Only the fields for
// the rule's family are meaningful.
type RuleParams struct {
	// evolution_threshold
	MinFitnessImprovement float64 `json:"min_fitness_improvement,omitempty" yaml:"min_fitness_improvement"`
	MinSafetyScore        float64 `json:"min_safety_score,omitempty" yaml:"min_safety_score"`
	MinCompliance         float64 `json:"min_compliance,omitempty" yaml:"min_compliance"`

	// resource_limit
	MaxMemoryMB         float64 `json:"max_memory_mb,omitempty" yaml:"max_memory_mb"`
	MaxCPUCores         float64 `json:"max_cpu_cores,omitempty" yaml:"max_cpu_cores"`
	MaxExecutionTimeSec float64 `json:"max_execution_time_sec,omitempty" yaml:"max_execution_time_sec"`
	AllowNetworkAccess  bool    `json:"allow_network_access,omitempty" yaml:"allow_network_access"`

	// review_trigger
	RiskScoreThreshold float64 `json:"risk_score_threshold,omitempty" yaml:"risk_score_threshold"`
}

// Evaluation records a single policy evaluation. Immutable once created.
type Evaluation struct {
	ID              string                 `json:"id"`
	RuleID          string                 `json:"rule_id"`
	RuleVersion     int                    `json:"rule_version"`
	AgentID         string                 `json:"agent_id"`
	Action          string                 `json:"action"`
	InputData       map[string]interface{} `json:"input_data"`
	Result          Verdict                `json:"result"`
	Violations      []string               `json:"violations"`
	ConfidenceScore float64                `json:"confidence_score"`
	Latency         time.Duration          `json:"evaluation_latency"`
	CreatedAt       time.Time              `json:"created_at"`
	CacheHit        bool                   `json:"cache_hit"`
}

// AuditEvent is one hash-chained record in the audit ledger.
type AuditEvent struct {
	ID              int64                  `json:"id"`
	EventID         string                 `json:"event_id"`
	Type            string                 `json:"type"`
	SourceComponent string                 `json:"source_component"`
	Actor           string                 `json:"actor"`
	Action          string                 `json:"action"`
	Payload         map[string]interface{} `json:"payload,omitempty"`
	Timestamp       time.Time              `json:"timestamp"`
	HashChain       string                 `json:"hash_chain"`
	PreviousHash    string                 `json:"previous_hash"`
}

// SandboxViolation is produced by the violation detector when telemetry
// matches an escape signature.
type SandboxViolation struct {
	ID                 string        `json:"id"`
	SandboxID          string        `json:"sandbox_id"`
	AgentID            string        `json:"agent_id"`
	ViolationType      ViolationType `json:"violation_type"`
	Severity           Severity      `json:"severity"`
	DetectionLayer     string        `json:"detection_layer"`
	Indicators         []string      `json:"indicators"`
	ContainmentActions []string      `json:"containment_actions"`
	DetectedAt         time.Time     `json:"detected_at"`
	ResolvedAt         *time.Time    `json:"resolved_at,omitempty"`
	ResolvedBy         string        `json:"resolved_by,omitempty"`
}

// SandboxTelemetry is one execution telemetry sample from a sandboxed agent.
type SandboxTelemetry struct {
	Syscalls        []string  `json:"syscalls"`
	FilesAccessed   []string  `json:"files_accessed"`
	NetworkAttempts int       `json:"network_attempts"`
	PrivilegeFlags  []string  `json:"privilege_flags"`
	MemoryMB        float64   `json:"memory_mb"`
	CPUCores        float64   `json:"cpu_cores"`
	CollectedAt     time.Time `json:"collected_at"`
}

// HumanReviewRequest tracks one borderline decision awaiting human judgment.
// Once terminal it never changes again.
type HumanReviewRequest struct {
	ID               string                 `json:"id"`
	RequestID        string                 `json:"request_id"`
	AgentID          string                 `json:"agent_id"`
	Action           string                 `json:"action"`
	RiskScore        float64                `json:"risk_score"`
	Priority         Severity               `json:"priority"`
	Context          map[string]interface{} `json:"context,omitempty"`
	PolicyViolations []string               `json:"policy_violations,omitempty"`
	RequestedAt      time.Time              `json:"requested_at"`
	AutoTimeoutAt    time.Time              `json:"auto_timeout_at"`
	ReviewedAt       *time.Time             `json:"reviewed_at,omitempty"`
	ReviewedBy       string                 `json:"reviewed_by,omitempty"`
	Decision         ReviewDecision         `json:"decision,omitempty"`
	Notes            string                 `json:"notes,omitempty"`
}

// Pending reports whether the request has not yet reached a terminal state.
func (r *HumanReviewRequest) Pending() bool {
	return r.ReviewedAt == nil
}

// ValidateScore rejects scores outside [0,1]. Out-of-range values are a
// construction error, not a runtime state.
func ValidateScore(name string, v float64) error {
	if v < 0 || v > 1 {
		return fmt.Errorf("%s must be in [0,1], got %v", name, v)
	}
	return nil
}
