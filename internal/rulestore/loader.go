package rulestore

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/covenant-sec/covenant/internal/model"
)

// ruleFile is the on-disk shape of the bootstrap rules file.
type ruleFile struct {
	Rules []ruleEntry `yaml:"rules"`
}

type ruleEntry struct {
	Name    string           `yaml:"name"`
	Family  model.RuleFamily `yaml:"family"`
	Actions []string         `yaml:"actions"`
	Params  model.RuleParams `yaml:"params"`
}

// LoadFile publishes the rules from a YAML bootstrap file into the store.
// A missing file is not an error; the store starts empty and everything
// falls through to default-deny.
func LoadFile(store *Store, path string, logger *slog.Logger) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Info("No rules file found, starting with empty rule store", "path", path)
			return nil
		}
		return fmt.Errorf("failed to read rules file %s: %w", path, err)
	}

	var file ruleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse rules file %s: %w", path, err)
	}

	loaded, unchanged := 0, 0
	for _, entry := range file.Rules {
		// Restored rules already cover an identical bootstrap entry;
		// republishing it would mint a new version on every restart.
		if existing, err := store.Get(entry.Name, 0); err == nil &&
			existing.ContentHash == ContentHash(entry.Family, entry.Params) {
			unchanged++
			continue
		}
		rule := model.PolicyRule{
			Name:    entry.Name,
			Family:  entry.Family,
			Actions: entry.Actions,
			Params:  entry.Params,
		}
		if _, err := store.Publish(rule); err != nil {
			logger.Warn("Invalid rule skipped", "name", entry.Name, "error", err)
			continue
		}
		loaded++
	}

	logger.Info("Rules file loaded",
		"path", path,
		"loaded", loaded,
		"unchanged", unchanged,
		"skipped", len(file.Rules)-loaded-unchanged)
	return nil
}
