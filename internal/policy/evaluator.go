package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/covenant-sec/covenant/internal/config"
	"github.com/covenant-sec/covenant/internal/events"
	"github.com/covenant-sec/covenant/internal/metrics"
	"github.com/covenant-sec/covenant/internal/model"
	"github.com/covenant-sec/covenant/internal/rulestore"
)

// Evaluator computes allow/deny/review verdicts for proposed agent actions.
// Evaluations run fully in parallel across agents; the rule store is the
// only shared state, and it is read-mostly with copy-on-publish snapshots.
type Evaluator struct {
	store      *rulestore.Store
	router     *events.Router
	cache      *expirable.LRU[string, model.Evaluation]
	cacheScope config.CacheScope
	timeout    time.Duration
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewEvaluator creates a new policy evaluator. The evaluation cache is
// purged whenever a rule is published so stale verdicts can never cross a
// rule version change.
func NewEvaluator(store *rulestore.Store, router *events.Router, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) *Evaluator {
	e := &Evaluator{
		store:      store,
		router:     router,
		cache:      expirable.NewLRU[string, model.Evaluation](cfg.CacheSize, nil, cfg.CacheTTL),
		cacheScope: cfg.CacheScope,
		timeout:    cfg.EvalTimeout,
		logger:     logger,
		metrics:    m,
	}
	store.Subscribe(func(rule model.PolicyRule) {
		e.cache.Purge()
		logger.Info("Evaluation cache purged after rule publish", "rule_id", rule.ID, "name", rule.Name)
	})
	return e
}

// Evaluate computes a verdict for one proposed action. The caller always
// receives a verdict: on timeout the result is a fail-closed deny, never an
// unresolved state. An evaluation event is published on every call, cache
// hits included.
func (e *Evaluator) Evaluate(ctx context.Context, agentID, action string, input map[string]interface{}) (model.Evaluation, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	start := time.Now()
	var evaluation model.Evaluation
	if ctx.Err() != nil {
		evaluation = e.timeoutFallback(agentID, action, input)
	} else {
		resultCh := make(chan model.Evaluation, 1)
		go func() {
			resultCh <- e.evaluate(agentID, action, input)
		}()
		select {
		case evaluation = <-resultCh:
		case <-ctx.Done():
			evaluation = e.timeoutFallback(agentID, action, input)
		}
	}
	evaluation.Latency = time.Since(start)

	if e.metrics != nil {
		e.metrics.EvaluationsTotal.WithLabelValues(string(evaluation.Result)).Inc()
		e.metrics.EvaluationDuration.Observe(evaluation.Latency.Seconds())
		if evaluation.CacheHit {
			e.metrics.EvaluationCacheHits.Inc()
		}
	}

	e.logger.Info("Action evaluated",
		"agent_id", agentID,
		"action", action,
		"result", evaluation.Result,
		"violations", evaluation.Violations,
		"confidence", evaluation.ConfidenceScore,
		"cache_hit", evaluation.CacheHit,
		"latency", evaluation.Latency)

	if err := e.router.Publish(events.TopicEvaluations, "evaluation", evaluation); err != nil {
		e.logger.Error("Failed to publish evaluation event", "evaluation_id", evaluation.ID, "error", err)
	}

	return evaluation, nil
}

// timeoutFallback is the fail-closed deny returned when an evaluation could
// not complete inside its deadline.
func (e *Evaluator) timeoutFallback(agentID, action string, input map[string]interface{}) model.Evaluation {
	if e.metrics != nil {
		e.metrics.EvaluationTimeouts.Inc()
	}
	e.logger.Warn("Evaluation timed out, failing closed", "agent_id", agentID, "action", action)
	return model.Evaluation{
		ID:              uuid.New().String(),
		AgentID:         agentID,
		Action:          action,
		InputData:       input,
		Result:          model.VerdictDeny,
		Violations:      []string{CodeEvaluationTimeout},
		ConfidenceScore: 1.0,
		CreatedAt:       time.Now().UTC(),
	}
}

// evaluate runs the applicable rule predicates and combines their outcomes.
// Deny takes precedence over review, review over allow; violations keep the
// order the rules produced them in.
func (e *Evaluator) evaluate(agentID, action string, input map[string]interface{}) model.Evaluation {
	now := time.Now().UTC()
	rules := e.store.ForAction(action)

	// Default-deny is the uncontested fallback, never default-allow.
	if len(rules) == 0 {
		return model.Evaluation{
			ID:              uuid.New().String(),
			AgentID:         agentID,
			Action:          action,
			InputData:       input,
			Result:          model.VerdictDeny,
			Violations:      []string{CodeDefaultDeny},
			ConfidenceScore: 1.0,
			CreatedAt:       now,
		}
	}

	cacheKey := e.cacheKey(agentID, rules, input)
	if cached, ok := e.cache.Get(cacheKey); ok {
		cached.ID = uuid.New().String()
		cached.AgentID = agentID
		cached.CreatedAt = now
		cached.CacheHit = true
		return cached
	}

	result := model.VerdictAllow
	confidence := 1.0
	var violations []string
	decisiveRule := rules[0]

	for _, rule := range rules {
		outcome := evaluateFamily(rule, input)
		violations = append(violations, outcome.violations...)

		if stricter(outcome.verdict, result) {
			result = outcome.verdict
			decisiveRule = rule
			confidence = outcome.confidence
		} else if outcome.verdict == result && rule.ID == decisiveRule.ID {
			confidence = outcome.confidence
		}
	}

	// An all-allow outcome takes the confidence of its least certain family.
	if result == model.VerdictAllow {
		for _, rule := range rules {
			if c := familyConfidence[rule.Family]; c < confidence {
				confidence = c
			}
		}
	}

	evaluation := model.Evaluation{
		ID:              uuid.New().String(),
		RuleID:          decisiveRule.ID,
		RuleVersion:     decisiveRule.Version,
		AgentID:         agentID,
		Action:          action,
		InputData:       input,
		Result:          result,
		Violations:      violations,
		ConfidenceScore: confidence,
		CreatedAt:       now,
	}

	e.cache.Add(cacheKey, evaluation)
	return evaluation
}

// stricter reports whether a is a stronger verdict than b (deny > review > allow).
func stricter(a, b model.Verdict) bool {
	rank := map[model.Verdict]int{model.VerdictAllow: 0, model.VerdictReview: 1, model.VerdictDeny: 2}
	return rank[a] > rank[b]
}

// cacheKey builds the cache key from rule identities (ID and version, so a
// publish always misses) and the canonicalized input. JSON marshaling sorts
// map keys, which gives a canonical form.
func (e *Evaluator) cacheKey(agentID string, rules []model.PolicyRule, input map[string]interface{}) string {
	canonical, _ := json.Marshal(input)
	key := ""
	for _, rule := range rules {
		key += fmt.Sprintf("%s:%d|", rule.ID, rule.Version)
	}
	if e.cacheScope == config.CacheScopeAgent {
		key += agentID + "|"
	}
	return key + string(canonical)
}

// CacheLen returns the number of cached evaluations.
func (e *Evaluator) CacheLen() int {
	return e.cache.Len()
}
