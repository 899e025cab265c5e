package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// QueryFilter narrows an event query. Zero-valued fields are ignored.
type QueryFilter struct {
	EventType EventType
	Severity  *Severity
	EntityID  string
	SourceIP  string
	Since     time.Time
	Until     time.Time
	Limit     int
}

// Statistics summarizes the trail over a window.
type Statistics struct {
	Total            int            `json:"total"`
	CountsBySeverity map[string]int `json:"counts_by_severity"`
	CountsByType     map[string]int `json:"counts_by_type"`
	CriticalCount    int            `json:"critical_count"`
}

// Store persists security events. Implementations must tolerate
// concurrent writers.
type Store interface {
	Append(ctx context.Context, e *SecurityEvent) error
	Query(ctx context.Context, filter QueryFilter) ([]*SecurityEvent, error)
	Statistics(ctx context.Context, window time.Duration) (*Statistics, error)
	SetResolution(ctx context.Context, eventID string, resolved, falsePositive bool) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	Close() error
}

// SQLiteStore persists events in a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex // sqlite handles one writer at a time
}

// NewSQLiteStore opens (creating if needed) the event database at path.
// Pass ":memory:" for an ephemeral store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open event database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS security_events (
		event_id           TEXT PRIMARY KEY,
		event_type         TEXT NOT NULL,
		severity           TEXT NOT NULL,
		timestamp          INTEGER NOT NULL,
		entity_id          TEXT,
		source_ip          TEXT,
		component          TEXT,
		description        TEXT NOT NULL,
		details            TEXT,
		risk_indicators    TEXT,
		mitigation_actions TEXT,
		resolved           INTEGER NOT NULL DEFAULT 0,
		false_positive     INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_events_timestamp ON security_events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_events_type ON security_events(event_type);
	CREATE INDEX IF NOT EXISTS idx_events_severity ON security_events(severity);
	CREATE INDEX IF NOT EXISTS idx_events_entity ON security_events(entity_id);
	CREATE INDEX IF NOT EXISTS idx_events_source_ip ON security_events(source_ip);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize event schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Append(ctx context.Context, e *SecurityEvent) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("failed to encode event details: %w", err)
	}
	indicators, _ := json.Marshal(e.RiskIndicators)
	mitigations, _ := json.Marshal(e.MitigationActions)

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO security_events
		(event_id, event_type, severity, timestamp, entity_id, source_ip,
		 component, description, details, risk_indicators, mitigation_actions,
		 resolved, false_positive)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.EventID, string(e.EventType), e.Severity.String(), e.Timestamp.UnixNano(),
		e.EntityID, e.SourceIP, e.Component, e.Description,
		string(details), string(indicators), string(mitigations),
		boolInt(e.Resolved), boolInt(e.FalsePositive))
	if err != nil {
		return fmt.Errorf("failed to persist event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Query(ctx context.Context, filter QueryFilter) ([]*SecurityEvent, error) {
	var conds []string
	var args []interface{}

	if filter.EventType != "" {
		conds = append(conds, "event_type = ?")
		args = append(args, string(filter.EventType))
	}
	if filter.Severity != nil {
		conds = append(conds, "severity = ?")
		args = append(args, filter.Severity.String())
	}
	if filter.EntityID != "" {
		conds = append(conds, "entity_id = ?")
		args = append(args, filter.EntityID)
	}
	if filter.SourceIP != "" {
		conds = append(conds, "source_ip = ?")
		args = append(args, filter.SourceIP)
	}
	if !filter.Since.IsZero() {
		conds = append(conds, "timestamp >= ?")
		args = append(args, filter.Since.UnixNano())
	}
	if !filter.Until.IsZero() {
		conds = append(conds, "timestamp <= ?")
		args = append(args, filter.Until.UnixNano())
	}

	query := "SELECT event_id, event_type, severity, timestamp, entity_id, source_ip, component, description, details, risk_indicators, mitigation_actions, resolved, false_positive FROM security_events"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY timestamp DESC"
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []*SecurityEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Statistics(ctx context.Context, window time.Duration) (*Statistics, error) {
	since := time.Now().Add(-window).UnixNano()

	stats := &Statistics{
		CountsBySeverity: make(map[string]int),
		CountsByType:     make(map[string]int),
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT event_type, severity, COUNT(*)
		FROM security_events WHERE timestamp >= ?
		GROUP BY event_type, severity`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to compute event statistics: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var eventType, severity string
		var count int
		if err := rows.Scan(&eventType, &severity, &count); err != nil {
			return nil, fmt.Errorf("failed to scan statistics row: %w", err)
		}
		stats.Total += count
		stats.CountsByType[eventType] += count
		stats.CountsBySeverity[severity] += count
		if ParseSeverity(severity) >= SeverityCritical {
			stats.CriticalCount += count
		}
	}
	return stats, rows.Err()
}

func (s *SQLiteStore) SetResolution(ctx context.Context, eventID string, resolved, falsePositive bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"UPDATE security_events SET resolved = ?, false_positive = ? WHERE event_id = ?",
		boolInt(resolved), boolInt(falsePositive), eventID)
	if err != nil {
		return fmt.Errorf("failed to update event resolution: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("unknown event: %s", eventID)
	}
	return nil
}

func (s *SQLiteStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"DELETE FROM security_events WHERE timestamp < ?", cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired events: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func scanEvent(rows *sql.Rows) (*SecurityEvent, error) {
	var e SecurityEvent
	var eventType, severity, details, indicators, mitigations string
	var ts int64
	var resolved, falsePositive int

	err := rows.Scan(&e.EventID, &eventType, &severity, &ts, &e.EntityID,
		&e.SourceIP, &e.Component, &e.Description, &details, &indicators,
		&mitigations, &resolved, &falsePositive)
	if err != nil {
		return nil, fmt.Errorf("failed to scan event row: %w", err)
	}

	e.EventType = EventType(eventType)
	e.Severity = ParseSeverity(severity)
	e.Timestamp = time.Unix(0, ts)
	e.Resolved = resolved != 0
	e.FalsePositive = falsePositive != 0
	if details != "" {
		json.Unmarshal([]byte(details), &e.Details)
	}
	if indicators != "" {
		json.Unmarshal([]byte(indicators), &e.RiskIndicators)
	}
	if mitigations != "" {
		json.Unmarshal([]byte(mitigations), &e.MitigationActions)
	}
	return &e, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// MemoryStore is a fixed-capacity ring of recent events. The logger
// writes here before any durable store so alerting and status queries
// survive a persistence outage.
type MemoryStore struct {
	mu       sync.RWMutex
	ring     []*SecurityEvent
	capacity int
	next     int
	size     int
}

func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = 1000
	}
	return &MemoryStore{ring: make([]*SecurityEvent, capacity), capacity: capacity}
}

func (m *MemoryStore) Append(_ context.Context, e *SecurityEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ring[m.next] = e
	m.next = (m.next + 1) % m.capacity
	if m.size < m.capacity {
		m.size++
	}
	return nil
}

// snapshot returns events newest first.
func (m *MemoryStore) snapshot() []*SecurityEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*SecurityEvent, 0, m.size)
	for i := 1; i <= m.size; i++ {
		idx := (m.next - i + m.capacity) % m.capacity
		if m.ring[idx] != nil {
			out = append(out, m.ring[idx])
		}
	}
	return out
}

func (m *MemoryStore) Query(_ context.Context, filter QueryFilter) ([]*SecurityEvent, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	var out []*SecurityEvent
	for _, e := range m.snapshot() {
		if filter.EventType != "" && e.EventType != filter.EventType {
			continue
		}
		if filter.Severity != nil && e.Severity != *filter.Severity {
			continue
		}
		if filter.EntityID != "" && e.EntityID != filter.EntityID {
			continue
		}
		if filter.SourceIP != "" && e.SourceIP != filter.SourceIP {
			continue
		}
		if !filter.Since.IsZero() && e.Timestamp.Before(filter.Since) {
			continue
		}
		if !filter.Until.IsZero() && e.Timestamp.After(filter.Until) {
			continue
		}
		out = append(out, e)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) Statistics(_ context.Context, window time.Duration) (*Statistics, error) {
	since := time.Now().Add(-window)
	stats := &Statistics{
		CountsBySeverity: make(map[string]int),
		CountsByType:     make(map[string]int),
	}
	for _, e := range m.snapshot() {
		if e.Timestamp.Before(since) {
			continue
		}
		stats.Total++
		stats.CountsByType[string(e.EventType)]++
		stats.CountsBySeverity[e.Severity.String()]++
		if e.Severity >= SeverityCritical {
			stats.CriticalCount++
		}
	}
	return stats, nil
}

func (m *MemoryStore) SetResolution(_ context.Context, eventID string, resolved, falsePositive bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.ring {
		if e != nil && e.EventID == eventID {
			e.Resolved = resolved
			e.FalsePositive = falsePositive
			return nil
		}
	}
	return fmt.Errorf("unknown event: %s", eventID)
}

func (m *MemoryStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var purged int64
	for i, e := range m.ring {
		if e != nil && e.Timestamp.Before(cutoff) {
			m.ring[i] = nil
			purged++
		}
	}
	return purged, nil
}

func (m *MemoryStore) Close() error { return nil }
