package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"

	"github.com/covenant-sec/covenant/internal/model"
)

// PostgresSink persists committed audit events. Rows are never updated or
// deleted; the (partition, seq) index supports sequential scan verification
// of the retained segment.
type PostgresSink struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresSink creates a new PostgreSQL audit sink.
func NewPostgresSink(host, port, user, password, dbname string, logger *slog.Logger) (*PostgresSink, error) {
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

	return &PostgresSink{db: db, logger: logger}, nil
}

// Close closes the database connection.
func (s *PostgresSink) Close() error {
	return s.db.Close()
}

// InitSchema creates the audit_events table and the chain-scan index.
func (s *PostgresSink) InitSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS audit_events (
			partition TEXT NOT NULL,
			seq BIGINT NOT NULL,
			event_id UUID NOT NULL UNIQUE,
			source_component TEXT NOT NULL,
			actor TEXT NOT NULL,
			action TEXT NOT NULL,
			payload JSONB,
			created_at TIMESTAMPTZ NOT NULL,
			hash_chain TEXT NOT NULL,
			previous_hash TEXT NOT NULL,
			PRIMARY KEY (partition, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS audit_events_chain_idx ON audit_events (partition, seq, hash_chain)`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to init audit schema: %w", err)
		}
	}
	return nil
}

// SaveEvent inserts one committed audit event.
func (s *PostgresSink) SaveEvent(event model.AuditEvent) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal audit payload: %w", err)
	}

	query := `
		INSERT INTO audit_events (partition, seq, event_id, source_component, actor, action, payload, created_at, hash_chain, previous_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	if _, err := s.db.Exec(query, event.Type, event.ID, event.EventID, event.SourceComponent,
		event.Actor, event.Action, payload, event.Timestamp, event.HashChain, event.PreviousHash); err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

// LoadPartition returns the stored events of one partition in sequence
// order, for rebuilding or out-of-band verification.
func (s *PostgresSink) LoadPartition(partitionName string) ([]model.AuditEvent, error) {
	query := `
		SELECT partition, seq, event_id, source_component, actor, action, payload, created_at, hash_chain, previous_hash
		FROM audit_events
		WHERE partition = $1
		ORDER BY seq
	`
	rows, err := s.db.Query(query, partitionName)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []model.AuditEvent
	for rows.Next() {
		var event model.AuditEvent
		var payload []byte

		err := rows.Scan(&event.Type, &event.ID, &event.EventID, &event.SourceComponent,
			&event.Actor, &event.Action, &payload, &event.Timestamp, &event.HashChain, &event.PreviousHash)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &event.Payload); err != nil {
				return nil, fmt.Errorf("failed to unmarshal audit payload: %w", err)
			}
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return events, nil
}
