package rulestore

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/covenant-sec/covenant/internal/model"
)

// familySchemas defines the static predicate-spec check per rule family.
// Publishing a rule whose params fail its family schema is rejected with
// ErrInvalidRule before anything is stored.
var familySchemas = map[model.RuleFamily]string{
	model.FamilyEvolutionThreshold: `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"properties": {
			"min_fitness_improvement": {"type": "number", "minimum": 0, "maximum": 1},
			"min_safety_score":        {"type": "number", "minimum": 0, "maximum": 1},
			"min_compliance":          {"type": "number", "minimum": 0, "maximum": 1}
		},
		"required": ["min_fitness_improvement", "min_safety_score", "min_compliance"]
	}`,
	model.FamilyResourceLimit: `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"properties": {
			"max_memory_mb":          {"type": "number", "exclusiveMinimum": 0},
			"max_cpu_cores":          {"type": "number", "exclusiveMinimum": 0},
			"max_execution_time_sec": {"type": "number", "exclusiveMinimum": 0},
			"allow_network_access":   {"type": "boolean"}
		},
		"required": ["max_memory_mb", "max_cpu_cores", "max_execution_time_sec"]
	}`,
	model.FamilyReviewTrigger: `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"properties": {
			"risk_score_threshold": {"type": "number", "minimum": 0, "maximum": 1}
		},
		"required": ["risk_score_threshold"]
	}`,
}

// Validator performs the static syntax check on rule predicate specs.
type Validator struct {
	schemas map[model.RuleFamily]*jsonschema.Schema
}

// NewValidator compiles the per-family predicate schemas.
func NewValidator() *Validator {
	compiled := make(map[model.RuleFamily]*jsonschema.Schema, len(familySchemas))
	for family, src := range familySchemas {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		name := string(family) + ".json"
		if err := compiler.AddResource(name, strings.NewReader(src)); err != nil {
			panic(fmt.Sprintf("rulestore: bad builtin schema for %s: %v", family, err))
		}
		schema, err := compiler.Compile(name)
		if err != nil {
			panic(fmt.Sprintf("rulestore: bad builtin schema for %s: %v", family, err))
		}
		compiled[family] = schema
	}
	return &Validator{schemas: compiled}
}

// Validate checks a rule's family and params against the family schema.
func (v *Validator) Validate(rule model.PolicyRule) error {
	schema, ok := v.schemas[rule.Family]
	if !ok {
		return fmt.Errorf("%w: unknown rule family %q", ErrInvalidRule, rule.Family)
	}

	paramsMap, err := paramsToMap(rule.Family, rule.Params)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	if err := schema.Validate(paramsMap); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	if len(rule.Actions) == 0 {
		return fmt.Errorf("%w: at least one bound action is required", ErrInvalidRule)
	}
	return nil
}

// paramsToMap projects only the fields belonging to the family so the schema
// "required" checks see exactly what the predicate will use.
func paramsToMap(family model.RuleFamily, params model.RuleParams) (map[string]interface{}, error) {
	var projected interface{}
	switch family {
	case model.FamilyEvolutionThreshold:
		projected = map[string]interface{}{
			"min_fitness_improvement": params.MinFitnessImprovement,
			"min_safety_score":        params.MinSafetyScore,
			"min_compliance":          params.MinCompliance,
		}
	case model.FamilyResourceLimit:
		projected = map[string]interface{}{
			"max_memory_mb":          params.MaxMemoryMB,
			"max_cpu_cores":          params.MaxCPUCores,
			"max_execution_time_sec": params.MaxExecutionTimeSec,
			"allow_network_access":   params.AllowNetworkAccess,
		}
	case model.FamilyReviewTrigger:
		projected = map[string]interface{}{
			"risk_score_threshold": params.RiskScoreThreshold,
		}
	default:
		return nil, fmt.Errorf("unknown family %q", family)
	}

	// Round-trip through JSON so numbers take the form the validator expects.
	data, err := json.Marshal(projected)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
