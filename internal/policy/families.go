package policy

import (
	"github.com/covenant-sec/covenant/internal/model"
)

// Violation codes emitted by the rule family predicates.
const (
	CodeDefaultDeny       = "default_deny"
	CodeEvaluationTimeout = "evaluation_timeout"

	CodeFitnessBelowThreshold    = "fitness_improvement_below_threshold"
	CodeSafetyBelowThreshold     = "safety_score_below_threshold"
	CodeComplianceBelowThreshold = "constitutional_compliance_below_threshold"

	CodeMemoryLimitExceeded    = "memory_limit_exceeded"
	CodeCPULimitExceeded       = "cpu_limit_exceeded"
	CodeExecutionTimeExceeded  = "execution_time_exceeded"
	CodeNetworkAccessForbidden = "network_access_forbidden"

	CodeRiskScoreReview       = "risk_score_review_threshold"
	CodePriorPolicyViolations = "prior_policy_violations"
	CodeNovelBehavior         = "novel_behavior"
)

// familyConfidence is the fixed per-family confidence constant, so that
// evaluation is reproducible for identical inputs and rule version.
var familyConfidence = map[model.RuleFamily]float64{
	model.FamilyEvolutionThreshold: 0.95,
	model.FamilyResourceLimit:      1.0,
	model.FamilyReviewTrigger:      0.9,
}

// familyResult is the outcome of one rule's predicate: a verdict and the
// ordered list of sub-check violation codes.
type familyResult struct {
	verdict    model.Verdict
	violations []string
	confidence float64
}

// evaluateFamily dispatches to the family predicate. Each predicate is a
// conjunction of named sub-checks, each independently producing zero-or-one
// violation code; missing inputs fail closed.
func evaluateFamily(rule model.PolicyRule, input map[string]interface{}) familyResult {
	switch rule.Family {
	case model.FamilyEvolutionThreshold:
		return evaluateEvolution(rule.Params, input)
	case model.FamilyResourceLimit:
		return evaluateResourceLimit(rule.Params, input)
	case model.FamilyReviewTrigger:
		return evaluateReviewTrigger(rule.Params, input)
	default:
		// Unknown families cannot be published, but fail closed anyway.
		return familyResult{verdict: model.VerdictDeny, violations: []string{CodeDefaultDeny}, confidence: 1.0}
	}
}

func evaluateEvolution(params model.RuleParams, input map[string]interface{}) familyResult {
	var violations []string

	if v, ok := getFloat(input, "fitnessImprovement"); !ok || v < params.MinFitnessImprovement {
		violations = append(violations, CodeFitnessBelowThreshold)
	}
	if v, ok := getFloat(input, "safetyScore"); !ok || v < params.MinSafetyScore {
		violations = append(violations, CodeSafetyBelowThreshold)
	}
	if v, ok := getFloat(input, "constitutionalCompliance"); !ok || v < params.MinCompliance {
		violations = append(violations, CodeComplianceBelowThreshold)
	}

	verdict := model.VerdictAllow
	if len(violations) > 0 {
		verdict = model.VerdictDeny
	}
	return familyResult{verdict: verdict, violations: violations, confidence: familyConfidence[model.FamilyEvolutionThreshold]}
}

func evaluateResourceLimit(params model.RuleParams, input map[string]interface{}) familyResult {
	var violations []string

	if v, ok := getFloat(input, "memoryMB"); !ok || v > params.MaxMemoryMB {
		violations = append(violations, CodeMemoryLimitExceeded)
	}
	if v, ok := getFloat(input, "cpuCores"); !ok || v > params.MaxCPUCores {
		violations = append(violations, CodeCPULimitExceeded)
	}
	if v, ok := getFloat(input, "executionTimeSec"); !ok || v > params.MaxExecutionTimeSec {
		violations = append(violations, CodeExecutionTimeExceeded)
	}
	if getBool(input, "networkAccess") && !params.AllowNetworkAccess {
		violations = append(violations, CodeNetworkAccessForbidden)
	}

	verdict := model.VerdictAllow
	if len(violations) > 0 {
		verdict = model.VerdictDeny
	}
	return familyResult{verdict: verdict, violations: violations, confidence: familyConfidence[model.FamilyResourceLimit]}
}

// evaluateReviewTrigger flags borderline actions for human review. Its
// output is review, not deny: review is a distinct terminal outcome, not a
// severity of deny.
func evaluateReviewTrigger(params model.RuleParams, input map[string]interface{}) familyResult {
	var violations []string

	if v, ok := getFloat(input, "riskScore"); ok && v >= params.RiskScoreThreshold {
		violations = append(violations, CodeRiskScoreReview)
	}
	if v, ok := getFloat(input, "policyViolationCount"); ok && v > 0 {
		violations = append(violations, CodePriorPolicyViolations)
	}
	if getBool(input, "novelBehavior") {
		violations = append(violations, CodeNovelBehavior)
	}

	verdict := model.VerdictAllow
	if len(violations) > 0 {
		verdict = model.VerdictReview
	}
	return familyResult{verdict: verdict, violations: violations, confidence: familyConfidence[model.FamilyReviewTrigger]}
}

// getFloat extracts a numeric input, accepting the types JSON decoding
// produces.
func getFloat(input map[string]interface{}, key string) (float64, bool) {
	switch v := input[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

func getBool(input map[string]interface{}, key string) bool {
	v, _ := input[key].(bool)
	return v
}
