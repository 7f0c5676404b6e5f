package rulestore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/covenant-sec/covenant/internal/model"
)

var (
	// ErrInvalidRule is returned when a rule fails the static predicate check.
	ErrInvalidRule = errors.New("invalid rule")
	// ErrRuleNotFound is returned when no matching rule exists.
	ErrRuleNotFound = errors.New("rule not found")
)

// Store holds versioned policy rules. Rules are immutable once published; a
// new version supersedes but never overwrites, and rules are deactivated
// rather than deleted so historical evaluations stay explainable.
type Store struct {
	mu        sync.RWMutex
	byName    map[string][]model.PolicyRule // sorted by version ascending
	byAction  map[string][]string           // action -> rule names
	validator *Validator
	logger    *slog.Logger
	watchers  []func(model.PolicyRule)
}

// NewStore creates a new in-memory rule store.
func NewStore(logger *slog.Logger) *Store {
	return &Store{
		byName:    make(map[string][]model.PolicyRule),
		byAction:  make(map[string][]string),
		validator: NewValidator(),
		logger:    logger,
	}
}

// Subscribe registers a callback invoked after every successful publish.
// The evaluator uses this to invalidate its cache on rule version changes.
func (s *Store) Subscribe(fn func(model.PolicyRule)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchers = append(s.watchers, fn)
}

// Publish validates and stores a new rule version, returning its ID.
// The stored version is always one greater than the latest existing version
// for the same name (or 1 for a new name).
func (s *Store) Publish(rule model.PolicyRule) (string, error) {
	if rule.Name == "" {
		return "", fmt.Errorf("%w: name is required", ErrInvalidRule)
	}
	if err := s.validator.Validate(rule); err != nil {
		return "", err
	}

	s.mu.Lock()

	versions := s.byName[rule.Name]
	rule.Version = len(versions) + 1
	rule.ID = uuid.New().String()
	rule.ContentHash = ContentHash(rule.Family, rule.Params)
	rule.Active = true
	rule.PublishedAt = time.Now().UTC()

	// Supersede: earlier versions stay stored but inactive.
	for i := range versions {
		versions[i].Active = false
	}
	s.byName[rule.Name] = append(versions, rule)

	for _, action := range rule.Actions {
		if !contains(s.byAction[action], rule.Name) {
			s.byAction[action] = append(s.byAction[action], rule.Name)
		}
	}

	watchers := make([]func(model.PolicyRule), len(s.watchers))
	copy(watchers, s.watchers)
	s.mu.Unlock()

	s.logger.Info("Rule published",
		"rule_id", rule.ID,
		"name", rule.Name,
		"version", rule.Version,
		"family", rule.Family,
		"content_hash", rule.ContentHash)

	for _, fn := range watchers {
		fn(rule)
	}

	return rule.ID, nil
}

// Restore loads previously published rule versions back into the store,
// preserving their IDs, versions, content hashes, and active flags. It is
// used on startup to rehydrate from a persistence mirror; unlike Publish it
// does not renumber versions and does not notify watchers, so the mirror is
// not written back to during its own replay.
func (s *Store) Restore(rules []model.PolicyRule) {
	s.mu.Lock()
	defer s.mu.Unlock()

	touched := make(map[string]bool)
	for _, rule := range rules {
		if rule.Name == "" {
			continue
		}
		s.byName[rule.Name] = append(s.byName[rule.Name], rule)
		touched[rule.Name] = true
		for _, action := range rule.Actions {
			if !contains(s.byAction[action], rule.Name) {
				s.byAction[action] = append(s.byAction[action], rule.Name)
			}
		}
	}

	for name := range touched {
		versions := s.byName[name]
		sort.Slice(versions, func(i, j int) bool {
			return versions[i].Version < versions[j].Version
		})
	}
}

// Get returns the rule with the given name and version. Version 0 selects
// the latest active version.
func (s *Store) Get(name string, version int) (model.PolicyRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions, ok := s.byName[name]
	if !ok || len(versions) == 0 {
		return model.PolicyRule{}, fmt.Errorf("%w: %s", ErrRuleNotFound, name)
	}

	if version > 0 {
		if version > len(versions) {
			return model.PolicyRule{}, fmt.Errorf("%w: %s version %d", ErrRuleNotFound, name, version)
		}
		return versions[version-1], nil
	}

	// Latest active version.
	for i := len(versions) - 1; i >= 0; i-- {
		if versions[i].Active {
			return versions[i], nil
		}
	}
	return model.PolicyRule{}, fmt.Errorf("%w: %s has no active version", ErrRuleNotFound, name)
}

// ForAction returns the active rules bound to an action.
func (s *Store) ForAction(action string) []model.PolicyRule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rules []model.PolicyRule
	for _, name := range s.byAction[action] {
		versions := s.byName[name]
		for i := len(versions) - 1; i >= 0; i-- {
			if versions[i].Active {
				rules = append(rules, versions[i])
				break
			}
		}
	}
	return rules
}

// List returns rules, optionally restricted to active versions only.
func (s *Store) List(activeOnly bool) []model.PolicyRule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rules []model.PolicyRule
	for _, versions := range s.byName {
		for _, rule := range versions {
			if !activeOnly || rule.Active {
				rules = append(rules, rule)
			}
		}
	}
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Name != rules[j].Name {
			return rules[i].Name < rules[j].Name
		}
		return rules[i].Version < rules[j].Version
	})
	return rules
}

// Deactivate marks all versions of the named rule inactive. The rule remains
// stored; there is no deletion path.
func (s *Store) Deactivate(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions, ok := s.byName[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, name)
	}
	for i := range versions {
		versions[i].Active = false
	}
	s.logger.Info("Rule deactivated", "name", name, "versions", len(versions))
	return nil
}

// ActiveCount returns the number of rule names with an active version.
func (s *Store) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, versions := range s.byName {
		for i := len(versions) - 1; i >= 0; i-- {
			if versions[i].Active {
				count++
				break
			}
		}
	}
	return count
}

// GetStats returns store statistics.
func (s *Store) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0
	for _, versions := range s.byName {
		total += len(versions)
	}
	return map[string]interface{}{
		"rule_names":     len(s.byName),
		"total_versions": total,
		"bound_actions":  len(s.byAction),
	}
}

// ContentHash computes the provenance hash of a rule's canonicalized
// predicate spec. Provenance, not secrecy.
func ContentHash(family model.RuleFamily, params model.RuleParams) string {
	canonical, _ := json.Marshal(struct {
		Family model.RuleFamily `json:"family"`
		Params model.RuleParams `json:"params"`
	}{family, params})
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
