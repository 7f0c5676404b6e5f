package sandbox

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/covenant-sec/covenant/internal/model"
)

// PathRule maps a filesystem prefix to the severity of touching it. The
// sensitive-path taxonomy is policy data, not hardcoded logic.
type PathRule struct {
	Prefix   string         `yaml:"prefix"`
	Severity model.Severity `yaml:"severity"`
}

// Policy is the detector's configurable classification policy.
type Policy struct {
	SensitivePaths []PathRule `yaml:"sensitive_paths"`
	Resources      struct {
		MaxMemoryMB float64 `yaml:"max_memory_mb"`
		MaxCPUCores float64 `yaml:"max_cpu_cores"`
	} `yaml:"resources"`
	Containment struct {
		MinSeverity model.Severity `yaml:"min_severity"`
	} `yaml:"containment"`
}

// DefaultPolicy returns the built-in classification policy used when no
// policy file is configured.
func DefaultPolicy() *Policy {
	p := &Policy{
		SensitivePaths: []PathRule{
			{Prefix: "/etc/shadow", Severity: model.SeverityCritical},
			{Prefix: "/etc/sudoers", Severity: model.SeverityCritical},
			{Prefix: "/etc/passwd", Severity: model.SeverityHigh},
			{Prefix: "/etc/", Severity: model.SeverityHigh},
			{Prefix: "/root/", Severity: model.SeverityHigh},
			{Prefix: "/proc/", Severity: model.SeverityMedium},
			{Prefix: "/sys/", Severity: model.SeverityMedium},
		},
	}
	p.Resources.MaxMemoryMB = 2048
	p.Resources.MaxCPUCores = 0.5
	p.Containment.MinSeverity = model.SeverityHigh
	return p
}

// LoadPolicy reads a policy file, falling back to the defaults when the file
// does not exist.
func LoadPolicy(path string, logger *slog.Logger) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Info("No sandbox policy file found, using built-in defaults", "path", path)
			return DefaultPolicy(), nil
		}
		return nil, fmt.Errorf("failed to read sandbox policy %s: %w", path, err)
	}

	policy := DefaultPolicy()
	if err := yaml.Unmarshal(data, policy); err != nil {
		return nil, fmt.Errorf("failed to parse sandbox policy %s: %w", path, err)
	}
	for _, rule := range policy.SensitivePaths {
		if !rule.Severity.Valid() {
			return nil, fmt.Errorf("sandbox policy %s: invalid severity %q for prefix %s", path, rule.Severity, rule.Prefix)
		}
	}
	if !policy.Containment.MinSeverity.Valid() {
		policy.Containment.MinSeverity = model.SeverityHigh
	}

	logger.Info("Sandbox policy loaded", "path", path, "sensitive_paths", len(policy.SensitivePaths))
	return policy, nil
}

// PathSeverity returns the severity of accessing a path, or false when the
// path matches no sensitive prefix. Longest matching prefix wins.
func (p *Policy) PathSeverity(path string) (model.Severity, bool) {
	var best PathRule
	found := false
	for _, rule := range p.SensitivePaths {
		if strings.HasPrefix(path, rule.Prefix) {
			if !found || len(rule.Prefix) > len(best.Prefix) {
				best = rule
				found = true
			}
		}
	}
	if !found {
		return "", false
	}
	return best.Severity, true
}
