package policy

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covenant-sec/covenant/internal/config"
	"github.com/covenant-sec/covenant/internal/events"
	"github.com/covenant-sec/covenant/internal/model"
	"github.com/covenant-sec/covenant/internal/rulestore"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestEvaluator(t *testing.T) (*Evaluator, *rulestore.Store, *events.Router) {
	t.Helper()
	logger := testLogger()
	store := rulestore.NewStore(logger)
	router := events.NewRouter(nil, nil, logger)
	cfg := &config.Config{
		EvalTimeout: 2 * time.Second,
		CacheTTL:    30 * time.Second,
		CacheSize:   128,
		CacheScope:  config.CacheScopeGlobal,
	}
	return NewEvaluator(store, router, cfg, nil, logger), store, router
}

func publishEvolutionRule(t *testing.T, store *rulestore.Store) {
	t.Helper()
	_, err := store.Publish(model.PolicyRule{
		Name:    "evolution-threshold",
		Family:  model.FamilyEvolutionThreshold,
		Actions: []string{"propose_evolution"},
		Params: model.RuleParams{
			MinFitnessImprovement: 0.05,
			MinSafetyScore:        0.95,
			MinCompliance:         0.99,
		},
	})
	require.NoError(t, err)
}

func publishResourceRule(t *testing.T, store *rulestore.Store) {
	t.Helper()
	_, err := store.Publish(model.PolicyRule{
		Name:    "resource-limit",
		Family:  model.FamilyResourceLimit,
		Actions: []string{"request_resources"},
		Params: model.RuleParams{
			MaxMemoryMB:         2048,
			MaxCPUCores:         0.5,
			MaxExecutionTimeSec: 300,
		},
	})
	require.NoError(t, err)
}

func TestEvaluate_DefaultDeny(t *testing.T) {
	evaluator, _, _ := newTestEvaluator(t)

	evaluation, err := evaluator.Evaluate(context.Background(), "agent-1", "unknown_action", nil)
	require.NoError(t, err)

	assert.Equal(t, model.VerdictDeny, evaluation.Result)
	assert.Equal(t, []string{CodeDefaultDeny}, evaluation.Violations)
	assert.Equal(t, 1.0, evaluation.ConfidenceScore)
	assert.False(t, evaluation.CacheHit)
}

func TestEvaluate_EvolutionScenarioAllow(t *testing.T) {
	evaluator, store, router := newTestEvaluator(t)
	publishEvolutionRule(t, store)

	published := 0
	router.Subscribe(events.TopicEvaluations, func(topic string, data []byte) { published++ })

	evaluation, err := evaluator.Evaluate(context.Background(), "agent-1", "propose_evolution", map[string]interface{}{
		"fitnessImprovement":       0.10,
		"safetyScore":              0.97,
		"constitutionalCompliance": 0.995,
	})
	require.NoError(t, err)

	assert.Equal(t, model.VerdictAllow, evaluation.Result)
	assert.Empty(t, evaluation.Violations)
	assert.Equal(t, 0.95, evaluation.ConfidenceScore)
	assert.Equal(t, 1, published)
}

func TestEvaluate_EvolutionBoundary(t *testing.T) {
	evaluator, store, _ := newTestEvaluator(t)
	publishEvolutionRule(t, store)

	base := map[string]interface{}{
		"safetyScore":              0.97,
		"constitutionalCompliance": 0.995,
	}

	tests := []struct {
		name           string
		fitness        float64
		wantResult     model.Verdict
		wantViolations []string
	}{
		{"at threshold allows", 0.05, model.VerdictAllow, nil},
		{"below threshold denies", 0.0499999, model.VerdictDeny, []string{CodeFitnessBelowThreshold}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input := map[string]interface{}{"fitnessImprovement": tt.fitness}
			for k, v := range base {
				input[k] = v
			}
			evaluation, err := evaluator.Evaluate(context.Background(), "agent-1", "propose_evolution", input)
			require.NoError(t, err)
			assert.Equal(t, tt.wantResult, evaluation.Result)
			assert.Equal(t, tt.wantViolations, evaluation.Violations)
		})
	}
}

func TestEvaluate_ResourceBoundary(t *testing.T) {
	evaluator, store, _ := newTestEvaluator(t)
	publishResourceRule(t, store)

	base := map[string]interface{}{
		"cpuCores":         0.25,
		"executionTimeSec": 100,
		"networkAccess":    false,
	}

	tests := []struct {
		name       string
		memoryMB   float64
		wantResult model.Verdict
	}{
		{"at limit allows", 2048, model.VerdictAllow},
		{"over limit denies", 2049, model.VerdictDeny},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input := map[string]interface{}{"memoryMB": tt.memoryMB}
			for k, v := range base {
				input[k] = v
			}
			evaluation, err := evaluator.Evaluate(context.Background(), "agent-1", "request_resources", input)
			require.NoError(t, err)
			assert.Equal(t, tt.wantResult, evaluation.Result)
			if tt.wantResult == model.VerdictDeny {
				assert.Contains(t, evaluation.Violations, CodeMemoryLimitExceeded)
				assert.Equal(t, 1.0, evaluation.ConfidenceScore)
			}
		})
	}
}

func TestEvaluate_NetworkAccessForbidden(t *testing.T) {
	evaluator, store, _ := newTestEvaluator(t)
	publishResourceRule(t, store)

	evaluation, err := evaluator.Evaluate(context.Background(), "agent-1", "request_resources", map[string]interface{}{
		"memoryMB":         512,
		"cpuCores":         0.25,
		"executionTimeSec": 100,
		"networkAccess":    true,
	})
	require.NoError(t, err)

	assert.Equal(t, model.VerdictDeny, evaluation.Result)
	assert.Equal(t, []string{CodeNetworkAccessForbidden}, evaluation.Violations)
}

func TestEvaluate_ReviewTriggerIsReviewNotDeny(t *testing.T) {
	evaluator, store, _ := newTestEvaluator(t)
	_, err := store.Publish(model.PolicyRule{
		Name:    "borderline-review",
		Family:  model.FamilyReviewTrigger,
		Actions: []string{"external_call"},
		Params:  model.RuleParams{RiskScoreThreshold: 0.8},
	})
	require.NoError(t, err)

	evaluation, err := evaluator.Evaluate(context.Background(), "agent-1", "external_call", map[string]interface{}{
		"riskScore": 0.85,
	})
	require.NoError(t, err)

	assert.Equal(t, model.VerdictReview, evaluation.Result)
	assert.Equal(t, []string{CodeRiskScoreReview}, evaluation.Violations)
	assert.Equal(t, 0.9, evaluation.ConfidenceScore)
}

func TestEvaluate_Determinism(t *testing.T) {
	evaluator, store, _ := newTestEvaluator(t)
	publishEvolutionRule(t, store)

	input := map[string]interface{}{
		"fitnessImprovement":       0.02,
		"safetyScore":              0.97,
		"constitutionalCompliance": 0.995,
	}

	first, err := evaluator.Evaluate(context.Background(), "agent-1", "propose_evolution", input)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		again, err := evaluator.Evaluate(context.Background(), "agent-1", "propose_evolution", input)
		require.NoError(t, err)
		assert.Equal(t, first.Result, again.Result)
		assert.Equal(t, first.Violations, again.Violations)
		assert.Equal(t, first.ConfidenceScore, again.ConfidenceScore)
	}
}

func TestEvaluate_CacheHitAndPurgeOnPublish(t *testing.T) {
	evaluator, store, _ := newTestEvaluator(t)
	publishEvolutionRule(t, store)

	input := map[string]interface{}{
		"fitnessImprovement":       0.10,
		"safetyScore":              0.97,
		"constitutionalCompliance": 0.995,
	}

	first, err := evaluator.Evaluate(context.Background(), "agent-1", "propose_evolution", input)
	require.NoError(t, err)
	assert.False(t, first.CacheHit)

	second, err := evaluator.Evaluate(context.Background(), "agent-1", "propose_evolution", input)
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, first.Result, second.Result)
	assert.NotEqual(t, first.ID, second.ID)

	// Publishing a new rule version invalidates the cache entirely.
	publishEvolutionRule(t, store)
	assert.Equal(t, 0, evaluator.CacheLen())

	third, err := evaluator.Evaluate(context.Background(), "agent-1", "propose_evolution", input)
	require.NoError(t, err)
	assert.False(t, third.CacheHit)
}

func TestEvaluate_TimeoutFailsClosed(t *testing.T) {
	evaluator, store, _ := newTestEvaluator(t)
	publishEvolutionRule(t, store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	evaluation, err := evaluator.Evaluate(ctx, "agent-1", "propose_evolution", map[string]interface{}{
		"fitnessImprovement":       0.10,
		"safetyScore":              0.97,
		"constitutionalCompliance": 0.995,
	})
	require.NoError(t, err)

	assert.Equal(t, model.VerdictDeny, evaluation.Result)
	assert.Equal(t, []string{CodeEvaluationTimeout}, evaluation.Violations)
}

func TestEvaluate_DenyWinsOverReview(t *testing.T) {
	evaluator, store, _ := newTestEvaluator(t)
	_, err := store.Publish(model.PolicyRule{
		Name:    "resource-limit",
		Family:  model.FamilyResourceLimit,
		Actions: []string{"mixed_action"},
		Params: model.RuleParams{
			MaxMemoryMB:         2048,
			MaxCPUCores:         0.5,
			MaxExecutionTimeSec: 300,
		},
	})
	require.NoError(t, err)
	_, err = store.Publish(model.PolicyRule{
		Name:    "borderline-review",
		Family:  model.FamilyReviewTrigger,
		Actions: []string{"mixed_action"},
		Params:  model.RuleParams{RiskScoreThreshold: 0.8},
	})
	require.NoError(t, err)

	evaluation, err := evaluator.Evaluate(context.Background(), "agent-1", "mixed_action", map[string]interface{}{
		"memoryMB":         4096,
		"cpuCores":         0.25,
		"executionTimeSec": 100,
		"riskScore":        0.95,
	})
	require.NoError(t, err)

	assert.Equal(t, model.VerdictDeny, evaluation.Result)
	assert.Contains(t, evaluation.Violations, CodeMemoryLimitExceeded)
	assert.Contains(t, evaluation.Violations, CodeRiskScoreReview)
}
