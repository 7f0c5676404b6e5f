package rulestore

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covenant-sec/covenant/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func validEvolutionRule() model.PolicyRule {
	return model.PolicyRule{
		Name:    "evolution-threshold",
		Family:  model.FamilyEvolutionThreshold,
		Actions: []string{"propose_evolution"},
		Params: model.RuleParams{
			MinFitnessImprovement: 0.05,
			MinSafetyScore:        0.95,
			MinCompliance:         0.99,
		},
	}
}

func TestPublish_AssignsVersionAndHash(t *testing.T) {
	store := NewStore(testLogger())

	ruleID, err := store.Publish(validEvolutionRule())
	require.NoError(t, err)
	assert.NotEmpty(t, ruleID)

	rule, err := store.Get("evolution-threshold", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, rule.Version)
	assert.True(t, rule.Active)
	assert.NotEmpty(t, rule.ContentHash)
	assert.Equal(t, ContentHash(rule.Family, rule.Params), rule.ContentHash)
}

func TestPublish_NewVersionSupersedes(t *testing.T) {
	store := NewStore(testLogger())

	_, err := store.Publish(validEvolutionRule())
	require.NoError(t, err)

	updated := validEvolutionRule()
	updated.Params.MinSafetyScore = 0.97
	_, err = store.Publish(updated)
	require.NoError(t, err)

	latest, err := store.Get("evolution-threshold", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)
	assert.Equal(t, 0.97, latest.Params.MinSafetyScore)

	// The first version is still retrievable, just inactive.
	v1, err := store.Get("evolution-threshold", 1)
	require.NoError(t, err)
	assert.False(t, v1.Active)
	assert.Equal(t, 0.95, v1.Params.MinSafetyScore)
	assert.NotEqual(t, v1.ContentHash, latest.ContentHash)
}

func TestPublish_RejectsInvalidRules(t *testing.T) {
	store := NewStore(testLogger())

	tests := []struct {
		name string
		rule model.PolicyRule
	}{
		{"missing name", model.PolicyRule{Family: model.FamilyReviewTrigger, Actions: []string{"x"}}},
		{"unknown family", model.PolicyRule{Name: "r", Family: "fancy_ml_rule", Actions: []string{"x"}}},
		{"no actions", model.PolicyRule{Name: "r", Family: model.FamilyReviewTrigger}},
		{"out of range threshold", model.PolicyRule{
			Name: "r", Family: model.FamilyReviewTrigger, Actions: []string{"x"},
			Params: model.RuleParams{RiskScoreThreshold: 1.5},
		}},
		{"zero resource limits", model.PolicyRule{
			Name: "r", Family: model.FamilyResourceLimit, Actions: []string{"x"},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.Publish(tt.rule)
			assert.ErrorIs(t, err, ErrInvalidRule)
		})
	}
}

func TestGet_NotFound(t *testing.T) {
	store := NewStore(testLogger())

	_, err := store.Get("no-such-rule", 0)
	assert.ErrorIs(t, err, ErrRuleNotFound)

	_, err = store.Publish(validEvolutionRule())
	require.NoError(t, err)

	_, err = store.Get("evolution-threshold", 7)
	assert.ErrorIs(t, err, ErrRuleNotFound)
}

func TestDeactivate_KeepsHistory(t *testing.T) {
	store := NewStore(testLogger())

	_, err := store.Publish(validEvolutionRule())
	require.NoError(t, err)

	require.NoError(t, store.Deactivate("evolution-threshold"))

	_, err = store.Get("evolution-threshold", 0)
	assert.ErrorIs(t, err, ErrRuleNotFound, "no active version remains")

	// Historical version still retrievable for explainability.
	v1, err := store.Get("evolution-threshold", 1)
	require.NoError(t, err)
	assert.False(t, v1.Active)

	assert.ErrorIs(t, store.Deactivate("never-existed"), ErrRuleNotFound)
}

func TestForAction(t *testing.T) {
	store := NewStore(testLogger())

	_, err := store.Publish(validEvolutionRule())
	require.NoError(t, err)
	_, err = store.Publish(model.PolicyRule{
		Name:    "borderline-review",
		Family:  model.FamilyReviewTrigger,
		Actions: []string{"propose_evolution", "external_call"},
		Params:  model.RuleParams{RiskScoreThreshold: 0.8},
	})
	require.NoError(t, err)

	bound := store.ForAction("propose_evolution")
	assert.Len(t, bound, 2)

	bound = store.ForAction("external_call")
	require.Len(t, bound, 1)
	assert.Equal(t, "borderline-review", bound[0].Name)

	assert.Empty(t, store.ForAction("unbound_action"))
}

func TestSubscribe_NotifiedOnPublish(t *testing.T) {
	store := NewStore(testLogger())

	var published []model.PolicyRule
	store.Subscribe(func(rule model.PolicyRule) { published = append(published, rule) })

	_, err := store.Publish(validEvolutionRule())
	require.NoError(t, err)
	_, err = store.Publish(validEvolutionRule())
	require.NoError(t, err)

	require.Len(t, published, 2)
	assert.Equal(t, 1, published[0].Version)
	assert.Equal(t, 2, published[1].Version)
}

func TestRestore_RoundTripPreservesHistory(t *testing.T) {
	source := NewStore(testLogger())

	_, err := source.Publish(validEvolutionRule())
	require.NoError(t, err)
	updated := validEvolutionRule()
	updated.Params.MinSafetyScore = 0.97
	_, err = source.Publish(updated)
	require.NoError(t, err)

	// Simulate a restart: everything the mirror persisted, active and not,
	// comes back into a fresh store.
	persisted := source.List(false)
	require.Len(t, persisted, 2)

	restored := NewStore(testLogger())
	var notified []model.PolicyRule
	restored.Subscribe(func(rule model.PolicyRule) { notified = append(notified, rule) })
	restored.Restore(persisted)

	// Restore must not re-publish, or the mirror would be written back to
	// during its own replay.
	assert.Empty(t, notified)

	latest, err := restored.Get("evolution-threshold", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)
	assert.True(t, latest.Active)
	assert.Equal(t, 0.97, latest.Params.MinSafetyScore)

	v1, err := restored.Get("evolution-threshold", 1)
	require.NoError(t, err)
	assert.False(t, v1.Active)
	assert.Equal(t, persisted[0].ID, v1.ID, "IDs survive the round trip")

	bound := restored.ForAction("propose_evolution")
	require.Len(t, bound, 1)
	assert.Equal(t, 2, bound[0].Version)

	// A publish after restore continues the version sequence.
	newer := validEvolutionRule()
	newer.Params.MinSafetyScore = 0.98
	_, err = restored.Publish(newer)
	require.NoError(t, err)
	latest, err = restored.Get("evolution-threshold", 0)
	require.NoError(t, err)
	assert.Equal(t, 3, latest.Version)
}

func TestRestore_OutOfOrderVersions(t *testing.T) {
	store := NewStore(testLogger())

	v2 := validEvolutionRule()
	v2.ID = "id-2"
	v2.Version = 2
	v2.Active = true
	v1 := validEvolutionRule()
	v1.ID = "id-1"
	v1.Version = 1

	store.Restore([]model.PolicyRule{v2, v1})

	got, err := store.Get("evolution-threshold", 1)
	require.NoError(t, err)
	assert.Equal(t, "id-1", got.ID)
	got, err = store.Get("evolution-threshold", 0)
	require.NoError(t, err)
	assert.Equal(t, "id-2", got.ID)
}

func TestContentHash_Deterministic(t *testing.T) {
	rule := validEvolutionRule()
	first := ContentHash(rule.Family, rule.Params)
	second := ContentHash(rule.Family, rule.Params)
	assert.Equal(t, first, second)

	rule.Params.MinCompliance = 0.999
	assert.NotEqual(t, first, ContentHash(rule.Family, rule.Params))
}

func TestLoadFile_BootstrapsRules(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/rules.yaml"
	content := `rules:
  - name: evolution-threshold
    family: evolution_threshold
    actions: [propose_evolution]
    params:
      min_fitness_improvement: 0.05
      min_safety_score: 0.95
      min_compliance: 0.99
  - name: broken-rule
    family: resource_limit
    actions: [spawn_sandbox]
    params: {}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	store := NewStore(testLogger())
	require.NoError(t, LoadFile(store, path, testLogger()))

	// The invalid rule is skipped, the valid one loads.
	assert.Equal(t, 1, store.ActiveCount())
	rule, err := store.Get("evolution-threshold", 0)
	require.NoError(t, err)
	assert.Equal(t, model.FamilyEvolutionThreshold, rule.Family)
	assert.False(t, rule.PublishedAt.After(time.Now()))
}

func TestLoadFile_UnchangedRuleNotRepublished(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/rules.yaml"
	content := `rules:
  - name: evolution-threshold
    family: evolution_threshold
    actions: [propose_evolution]
    params:
      min_fitness_improvement: 0.05
      min_safety_score: 0.95
      min_compliance: 0.99
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	store := NewStore(testLogger())
	require.NoError(t, LoadFile(store, path, testLogger()))
	require.NoError(t, LoadFile(store, path, testLogger()))

	rule, err := store.Get("evolution-threshold", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, rule.Version, "identical bootstrap entry does not mint a new version")
}

func TestLoadFile_MissingFileIsNotError(t *testing.T) {
	store := NewStore(testLogger())
	assert.NoError(t, LoadFile(store, "/nonexistent/rules.yaml", testLogger()))
	assert.Equal(t, 0, store.ActiveCount())
}
