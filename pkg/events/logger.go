package events

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ztsec/zerotrust-core/config"
)

// alertWindow bounds the rolling per-(type, ip) counters used for
// threshold alerting.
const alertWindow = 15 * time.Minute

// Alert is raised when an event type crosses its threshold for a source
// IP, or unconditionally for CRITICAL and EMERGENCY events.
type Alert struct {
	EventID   string    `json:"event_id"`
	EventType EventType `json:"event_type"`
	Severity  Severity  `json:"severity"`
	SourceIP  string    `json:"source_ip,omitempty"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertHandler receives alerts as they fire. Handlers run on the logging
// goroutine and must not block.
type AlertHandler func(Alert)

// Entry is the caller-supplied portion of a security event.
type Entry struct {
	Type        EventType
	Severity    Severity
	Description string
	Details     map[string]interface{}
	EntityID    string
	SourceIP    string
	Component   string
}

// Logger classifies, persists and alerts on security events. Persistence
// failures never propagate to the caller: the in-memory ring and alert
// evaluation always proceed, and the failure is recorded as a meta-event.
type Logger struct {
	cfg      config.EventsConfig
	ring     *MemoryStore
	store    Store // durable store, may be nil
	counters CounterBackend
	logger   *log.Logger

	mu           sync.Mutex
	recentAlerts []Alert
	handlers     []AlertHandler
	lastStamp    time.Time
}

// NewLogger builds an event logger. store may be nil for ring-only
// operation; counters defaults to in-memory when nil.
func NewLogger(cfg config.EventsConfig, store Store, counters CounterBackend, logger *log.Logger) *Logger {
	if counters == nil {
		counters = NewMemoryCounters()
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Logger{
		cfg:      cfg,
		ring:     NewMemoryStore(cfg.RingSize),
		store:    store,
		counters: counters,
		logger:   logger,
	}
}

// OnAlert registers a handler for future alerts.
func (l *Logger) OnAlert(h AlertHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = append(l.handlers, h)
}

// Log records a security event and returns its id. It never fails; see
// the Logger doc for the persistence contract.
func (l *Logger) Log(ctx context.Context, entry Entry) string {
	e := l.build(entry)

	// Ring first so the event is observable even if the store is down.
	l.ring.Append(ctx, e)

	if l.store != nil {
		if err := l.store.Append(ctx, e); err != nil {
			l.logger.WithFields(log.Fields{
				"event_id": e.EventID,
				"error":    err,
			}).Error("Failed to persist security event")
			l.logPersistenceFailure(ctx, e, err)
		}
	}

	// Only failure-class events feed the rolling counters; routine INFO
	// events must never accumulate toward a failure threshold.
	if e.Severity >= SeverityWarning {
		if err := l.counters.Increment(e.EventType, e.SourceIP, alertWindow); err != nil {
			l.logger.WithError(err).Warn("Failed to update event counter")
		}
	}
	l.evaluateAlert(e)

	l.logger.WithFields(log.Fields{
		"event_id":   e.EventID,
		"event_type": e.EventType,
		"severity":   e.Severity.String(),
		"entity_id":  e.EntityID,
		"source_ip":  e.SourceIP,
		"component":  e.Component,
	}).Info(e.Description)

	return e.EventID
}

// build assembles the full event record. Timestamps are forced monotonic
// so insertion order matches timestamp order for audit replay.
func (l *Logger) build(entry Entry) *SecurityEvent {
	l.mu.Lock()
	now := time.Now()
	if !now.After(l.lastStamp) {
		now = l.lastStamp.Add(time.Nanosecond)
	}
	l.lastStamp = now
	l.mu.Unlock()

	e := &SecurityEvent{
		EventID:     newEventID(now, entry.Type, entry.Description),
		EventType:   entry.Type,
		Severity:    entry.Severity,
		Timestamp:   now,
		EntityID:    entry.EntityID,
		SourceIP:    entry.SourceIP,
		Component:   entry.Component,
		Description: entry.Description,
		Details:     entry.Details,
	}

	failedAuths := 0
	if e.EventType == EventAuthentication && e.Severity >= SeverityWarning && e.SourceIP != "" {
		failedAuths, _ = l.counters.Count(EventAuthentication, e.SourceIP, alertWindow)
	}
	e.RiskIndicators = riskIndicators(e, failedAuths)
	e.MitigationActions = mitigationActions(e)
	return e
}

// logPersistenceFailure records the store failure itself, ring-only to
// avoid recursing into the failing store.
func (l *Logger) logPersistenceFailure(ctx context.Context, failed *SecurityEvent, cause error) {
	meta := l.build(Entry{
		Type:        EventSuspiciousActivity,
		Severity:    SeverityWarning,
		Description: "security event persistence failed",
		Details: map[string]interface{}{
			"failed_event_id": failed.EventID,
			"error":           cause.Error(),
		},
		Component: "event_logger",
	})
	l.ring.Append(ctx, meta)
}

func (l *Logger) evaluateAlert(e *SecurityEvent) {
	threshold, hasThreshold := l.cfg.AlertThresholds[string(e.EventType)]

	// Thresholds apply to failure-class events only; an INFO event can
	// still alert on severity but never crosses a failure threshold.
	var count int
	if hasThreshold && e.Severity >= SeverityWarning {
		var err error
		count, err = l.counters.Count(e.EventType, e.SourceIP, alertWindow)
		if err != nil {
			l.logger.WithError(err).Warn("Failed to read event counter, alerting on severity only")
		}
	}

	crossed := hasThreshold && e.Severity >= SeverityWarning && count >= threshold
	if !crossed && e.Severity < SeverityCritical {
		return
	}

	alert := Alert{
		EventID:   e.EventID,
		EventType: e.EventType,
		Severity:  e.Severity,
		SourceIP:  e.SourceIP,
		Count:     count,
		Threshold: threshold,
		Timestamp: e.Timestamp,
	}

	l.mu.Lock()
	l.recentAlerts = append(l.recentAlerts, alert)
	handlers := append([]AlertHandler(nil), l.handlers...)
	l.mu.Unlock()

	l.logger.WithFields(log.Fields{
		"event_type": e.EventType,
		"source_ip":  e.SourceIP,
		"count":      count,
		"threshold":  threshold,
		"severity":   e.Severity.String(),
	}).Warn("Security alert triggered")

	for _, h := range handlers {
		h(alert)
	}
}

// RecentAlertCount returns the number of alerts raised within the window.
func (l *Logger) RecentAlertCount(window time.Duration) int {
	cutoff := time.Now().Add(-window)

	l.mu.Lock()
	defer l.mu.Unlock()

	// Drop aged-out alerts while counting, the slice stays small.
	kept := l.recentAlerts[:0]
	for _, a := range l.recentAlerts {
		if a.Timestamp.After(cutoff) {
			kept = append(kept, a)
		}
	}
	l.recentAlerts = kept
	return len(kept)
}

// Query reads events newest first, preferring the durable store.
func (l *Logger) Query(ctx context.Context, filter QueryFilter) ([]*SecurityEvent, error) {
	if l.store != nil {
		return l.store.Query(ctx, filter)
	}
	return l.ring.Query(ctx, filter)
}

// Statistics summarizes the trail over the window.
func (l *Logger) Statistics(ctx context.Context, window time.Duration) (*Statistics, error) {
	if l.store != nil {
		return l.store.Statistics(ctx, window)
	}
	return l.ring.Statistics(ctx, window)
}

// SetResolution updates the post-hoc resolution flags on an event.
func (l *Logger) SetResolution(ctx context.Context, eventID string, resolved, falsePositive bool) error {
	if l.store != nil {
		return l.store.SetResolution(ctx, eventID, resolved, falsePositive)
	}
	return l.ring.SetResolution(ctx, eventID, resolved, falsePositive)
}

// PurgeExpired bulk-deletes events past the retention window. The
// retention sweep calls this on a fixed interval.
func (l *Logger) PurgeExpired(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-l.cfg.RetentionWindow())
	l.ring.DeleteOlderThan(ctx, cutoff)
	if l.store != nil {
		return l.store.DeleteOlderThan(ctx, cutoff)
	}
	return 0, nil
}

// Close releases the store and counter backends.
func (l *Logger) Close() error {
	var firstErr error
	if l.store != nil {
		if err := l.store.Close(); err != nil {
			firstErr = err
		}
	}
	if err := l.counters.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
