package rulestore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"

	"github.com/covenant-sec/covenant/internal/model"
)

// PostgresStore persists published rules so the in-memory store can be
// rebuilt on restart. The memory store remains the source of truth for
// reads; this is a write-through mirror.
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresStore creates a new PostgreSQL rule store.
func NewPostgresStore(host, port, user, password, dbname string, logger *slog.Logger) (*PostgresStore, error) {
	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		host, port, user, password, dbname)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgresStore{db: db, logger: logger}, nil
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// InitSchema creates the policy_rules table if it does not exist.
func (s *PostgresStore) InitSchema() error {
	query := `
		CREATE TABLE IF NOT EXISTS policy_rules (
			id UUID PRIMARY KEY,
			name TEXT NOT NULL,
			version INT NOT NULL,
			family TEXT NOT NULL,
			params JSONB NOT NULL,
			actions JSONB NOT NULL,
			content_hash TEXT NOT NULL,
			active BOOLEAN NOT NULL,
			published_at TIMESTAMPTZ NOT NULL,
			UNIQUE (name, version)
		)
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("failed to create policy_rules table: %w", err)
	}
	return nil
}

// SaveRule upserts one published rule version and deactivates earlier
// versions of the same name.
func (s *PostgresStore) SaveRule(rule model.PolicyRule) error {
	params, err := json.Marshal(rule.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal rule params: %w", err)
	}
	actions, err := json.Marshal(rule.Actions)
	if err != nil {
		return fmt.Errorf("failed to marshal rule actions: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE policy_rules SET active = false WHERE name = $1`, rule.Name); err != nil {
		return fmt.Errorf("failed to supersede earlier versions: %w", err)
	}

	query := `
		INSERT INTO policy_rules (id, name, version, family, params, actions, content_hash, active, published_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (name, version) DO UPDATE SET active = EXCLUDED.active
	`
	if _, err := tx.Exec(query, rule.ID, rule.Name, rule.Version, rule.Family,
		params, actions, rule.ContentHash, rule.Active, rule.PublishedAt); err != nil {
		return fmt.Errorf("failed to insert rule: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rule: %w", err)
	}

	s.logger.Debug("Rule persisted", "rule_id", rule.ID, "name", rule.Name, "version", rule.Version)
	return nil
}

// LoadRules returns all persisted rules ordered by name and version, for
// rebuilding the memory store at startup.
func (s *PostgresStore) LoadRules() ([]model.PolicyRule, error) {
	query := `
		SELECT id, name, version, family, params, actions, content_hash, active, published_at
		FROM policy_rules
		ORDER BY name, version
	`
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var rules []model.PolicyRule
	for rows.Next() {
		var rule model.PolicyRule
		var params, actions []byte

		err := rows.Scan(&rule.ID, &rule.Name, &rule.Version, &rule.Family,
			&params, &actions, &rule.ContentHash, &rule.Active, &rule.PublishedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		if err := json.Unmarshal(params, &rule.Params); err != nil {
			return nil, fmt.Errorf("failed to unmarshal rule params: %w", err)
		}
		if err := json.Unmarshal(actions, &rule.Actions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal rule actions: %w", err)
		}
		rules = append(rules, rule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return rules, nil
}
