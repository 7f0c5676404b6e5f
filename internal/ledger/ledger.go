package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/covenant-sec/covenant/internal/metrics"
	"github.com/covenant-sec/covenant/internal/model"
)

// GenesisHash is the fixed previous-hash marker for the first event in a
// partition.
const GenesisHash = "genesis"

var (
	// ErrIntegrity signals a broken hash chain. The affected partition stops
	// accepting appends until an operator clears it; the chain is never
	// auto-repaired.
	ErrIntegrity = errors.New("audit chain integrity violation")
	// ErrPartitionBlocked is returned for appends to a partition that failed
	// verification and has not been cleared.
	ErrPartitionBlocked = errors.New("audit partition blocked after integrity violation")
)

// Sink receives every committed audit event, e.g. for Postgres persistence.
// Sink failures are surfaced in metrics and logs but do not undo a commit:
// the in-memory chain is the source of truth for verification.
type Sink interface {
	SaveEvent(event model.AuditEvent) error
}

// partition is an arena of immutable records in strict append order. The
// single writer lock is the one structurally-required critical section: the
// hash of each event includes the previous event's hash.
type partition struct {
	mu      sync.Mutex
	events  []model.AuditEvent
	blocked bool
}

// Ledger is the append-only, hash-chained audit log, partitioned by event
// type. Within a partition the order is total; across partitions no order is
// guaranteed.
type Ledger struct {
	mu         sync.RWMutex
	partitions map[string]*partition
	sink       Sink
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewLedger creates a new in-memory ledger. sink may be nil.
func NewLedger(sink Sink, m *metrics.Metrics, logger *slog.Logger) *Ledger {
	return &Ledger{
		partitions: make(map[string]*partition),
		sink:       sink,
		logger:     logger,
		metrics:    m,
	}
}

func (l *Ledger) partitionFor(name string) *partition {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.partitions[name]
	if !ok {
		p = &partition{}
		l.partitions[name] = p
	}
	return p
}

// Append commits one event to the partition named by its type, filling in
// sequence, timestamp, previous hash, and chain hash. Returns the stored
// chain hash. Appends to a blocked partition fail with ErrPartitionBlocked.
func (l *Ledger) Append(event model.AuditEvent) (string, error) {
	if event.Type == "" {
		return "", fmt.Errorf("audit event type is required")
	}
	if event.EventID == "" {
		event.EventID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	p := l.partitionFor(event.Type)

	p.mu.Lock()
	if p.blocked {
		p.mu.Unlock()
		if l.metrics != nil {
			l.metrics.AuditAppendErrors.Inc()
		}
		return "", fmt.Errorf("%w: partition %s", ErrPartitionBlocked, event.Type)
	}

	prev := GenesisHash
	if n := len(p.events); n > 0 {
		prev = p.events[n-1].HashChain
	}
	event.ID = int64(len(p.events) + 1)
	event.PreviousHash = prev
	event.HashChain = computeHash(&event)
	p.events = append(p.events, event)
	p.mu.Unlock()

	if l.metrics != nil {
		l.metrics.AuditAppendsTotal.WithLabelValues(event.Type).Inc()
	}
	l.logger.Debug("Audit event appended",
		"partition", event.Type,
		"event_id", event.EventID,
		"seq", event.ID,
		"hash", event.HashChain)

	if l.sink != nil {
		if err := l.sink.SaveEvent(event); err != nil {
			if l.metrics != nil {
				l.metrics.AuditAppendErrors.Inc()
			}
			l.logger.Error("Failed to persist audit event", "event_id", event.EventID, "error", err)
		}
	}

	return event.HashChain, nil
}

// computeHash calculates the chain hash for an audit event:
// SHA-256(eventID|type|source|actor|action|timestamp|prevHash), hex encoded.
func computeHash(e *model.AuditEvent) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%s|%s",
		e.EventID, e.Type, e.SourceComponent,
		e.Actor, e.Action, e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.PreviousHash)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyResult reports the outcome of a chain verification.
type VerifyResult struct {
	Valid    bool   `json:"valid"`
	BrokenAt string `json:"broken_at,omitempty"` // eventID of the first broken link
}

// VerifyChain recomputes the hash chain of one partition between the given
// sequence numbers (0 means unbounded) and compares against the stored
// values. On the first mismatch the partition is blocked for further appends
// and ErrIntegrity is returned alongside the broken event ID.
func (l *Ledger) VerifyChain(partitionName string, fromSeq, toSeq int64) (VerifyResult, error) {
	p := l.partitionFor(partitionName)

	p.mu.Lock()
	defer p.mu.Unlock()

	if fromSeq <= 0 {
		fromSeq = 1
	}
	if toSeq <= 0 || toSeq > int64(len(p.events)) {
		toSeq = int64(len(p.events))
	}
	// An empty range (empty partition, or fromSeq past the end) has no links
	// to check and is trivially valid.
	if fromSeq > toSeq {
		return VerifyResult{Valid: true}, nil
	}

	prev := GenesisHash
	if fromSeq > 1 {
		prev = p.events[fromSeq-2].HashChain
	}

	for seq := fromSeq; seq <= toSeq; seq++ {
		stored := p.events[seq-1]
		check := stored
		check.PreviousHash = prev
		if stored.PreviousHash != prev || computeHash(&check) != stored.HashChain {
			p.blocked = true
			if l.metrics != nil {
				l.metrics.AuditChainValid.Set(0)
			}
			l.logger.Error("Audit chain integrity violation",
				"partition", partitionName,
				"seq", seq,
				"event_id", stored.EventID)
			return VerifyResult{Valid: false, BrokenAt: stored.EventID},
				fmt.Errorf("%w: partition %s at event %s", ErrIntegrity, partitionName, stored.EventID)
		}
		prev = stored.HashChain
	}

	if l.metrics != nil {
		l.metrics.AuditChainValid.Set(1)
	}
	return VerifyResult{Valid: true}, nil
}

// VerifyAll verifies every partition and returns the first failure, if any.
func (l *Ledger) VerifyAll() (VerifyResult, error) {
	for _, name := range l.Partitions() {
		result, err := l.VerifyChain(name, 0, 0)
		if !result.Valid {
			return result, err
		}
	}
	return VerifyResult{Valid: true}, nil
}

// ClearBlock re-enables appends to a partition after operator intervention.
// It does not repair the chain; verification will keep failing until the
// underlying store is corrected out of band.
func (l *Ledger) ClearBlock(partitionName string) {
	p := l.partitionFor(partitionName)
	p.mu.Lock()
	p.blocked = false
	p.mu.Unlock()
	l.logger.Warn("Audit partition unblocked by operator", "partition", partitionName)
}

// Partitions returns the known partition names in sorted order.
func (l *Ledger) Partitions() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	names := make([]string, 0, len(l.partitions))
	for name := range l.partitions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Events returns up to limit most recent events from a partition, oldest
// first. limit <= 0 returns everything.
func (l *Ledger) Events(partitionName string, limit int) []model.AuditEvent {
	p := l.partitionFor(partitionName)

	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.events)
	start := 0
	if limit > 0 && n > limit {
		start = n - limit
	}
	out := make([]model.AuditEvent, n-start)
	copy(out, p.events[start:])
	return out
}

// GetStats returns per-partition event counts.
func (l *Ledger) GetStats() map[string]interface{} {
	stats := make(map[string]interface{})
	for _, name := range l.Partitions() {
		p := l.partitionFor(name)
		p.mu.Lock()
		stats[name] = map[string]interface{}{
			"events":  len(p.events),
			"blocked": p.blocked,
		}
		p.mu.Unlock()
	}
	return stats
}
