package events_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ztsec/zerotrust-core/pkg/events"
)

func newSQLiteStore(t *testing.T) *events.SQLiteStore {
	t.Helper()
	store, err := events.NewSQLiteStore(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleEvent(id string, eventType events.EventType, severity events.Severity, ts time.Time) *events.SecurityEvent {
	return &events.SecurityEvent{
		EventID:     id,
		EventType:   eventType,
		Severity:    severity,
		Timestamp:   ts,
		EntityID:    "svc-1",
		SourceIP:    "10.0.0.5",
		Component:   "test",
		Description: "sample event",
		Details:     map[string]interface{}{"key": "value"},
	}
}

func TestSQLiteRoundTrip(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	now := time.Now()

	want := sampleEvent("ev-1", events.EventAccessDenied, events.SeverityWarning, now)
	want.RiskIndicators = []string{"high_severity"}
	want.MitigationActions = []string{"review_policy_configuration"}

	if err := store.Append(ctx, want); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	got, err := store.Query(ctx, events.QueryFilter{EventType: events.EventAccessDenied, Limit: 10})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(got))
	}

	e := got[0]
	if e.EventID != "ev-1" || e.Severity != events.SeverityWarning || e.EntityID != "svc-1" {
		t.Errorf("Round trip lost core fields: %+v", e)
	}
	if e.Details["key"] != "value" {
		t.Errorf("Details lost: %v", e.Details)
	}
	if len(e.RiskIndicators) != 1 || len(e.MitigationActions) != 1 {
		t.Error("Indicator lists lost in round trip")
	}
}

func TestSQLiteQueryFilters(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	now := time.Now()

	store.Append(ctx, sampleEvent("ev-1", events.EventAuthentication, events.SeverityInfo, now.Add(-2*time.Hour)))
	store.Append(ctx, sampleEvent("ev-2", events.EventAccessDenied, events.SeverityWarning, now.Add(-time.Hour)))
	store.Append(ctx, sampleEvent("ev-3", events.EventAccessDenied, events.SeverityWarning, now))

	t.Run("ByType", func(t *testing.T) {
		got, err := store.Query(ctx, events.QueryFilter{EventType: events.EventAccessDenied, Limit: 10})
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("Expected 2 events, got %d", len(got))
		}
		if got[0].EventID != "ev-3" {
			t.Error("Results must be newest first")
		}
	})

	t.Run("ByTimeRange", func(t *testing.T) {
		got, err := store.Query(ctx, events.QueryFilter{Since: now.Add(-90 * time.Minute), Limit: 10})
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("Expected 2 events in range, got %d", len(got))
		}
	})

	t.Run("Limit", func(t *testing.T) {
		got, err := store.Query(ctx, events.QueryFilter{Limit: 1})
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		if len(got) != 1 {
			t.Fatalf("Expected limit to apply, got %d", len(got))
		}
	})
}

func TestSQLiteResolutionUpdate(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	store.Append(ctx, sampleEvent("ev-1", events.EventSuspiciousActivity, events.SeverityWarning, time.Now()))

	if err := store.SetResolution(ctx, "ev-1", true, true); err != nil {
		t.Fatalf("SetResolution failed: %v", err)
	}
	got, _ := store.Query(ctx, events.QueryFilter{Limit: 1})
	if !got[0].Resolved || !got[0].FalsePositive {
		t.Error("Resolution flags not persisted")
	}

	if err := store.SetResolution(ctx, "missing", true, false); err == nil {
		t.Error("Expected error for unknown event id")
	}
}

func TestSQLiteRetentionPurge(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	now := time.Now()

	store.Append(ctx, sampleEvent("old-1", events.EventAuthentication, events.SeverityInfo, now.Add(-400*24*time.Hour)))
	store.Append(ctx, sampleEvent("old-2", events.EventAuthentication, events.SeverityInfo, now.Add(-366*24*time.Hour)))
	store.Append(ctx, sampleEvent("recent", events.EventAuthentication, events.SeverityInfo, now))

	purged, err := store.DeleteOlderThan(ctx, now.Add(-365*24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteOlderThan failed: %v", err)
	}
	if purged != 2 {
		t.Errorf("Expected 2 events purged, got %d", purged)
	}

	got, _ := store.Query(ctx, events.QueryFilter{Limit: 10})
	if len(got) != 1 || got[0].EventID != "recent" {
		t.Errorf("Retention purge removed the wrong rows: %d remaining", len(got))
	}
}

func TestMemoryStoreRingEviction(t *testing.T) {
	ring := events.NewMemoryStore(3)
	ctx := context.Background()
	now := time.Now()

	for i, id := range []string{"a", "b", "c", "d"} {
		ring.Append(ctx, sampleEvent(id, events.EventAuthorization, events.SeverityInfo, now.Add(time.Duration(i)*time.Second)))
	}

	got, _ := ring.Query(ctx, events.QueryFilter{Limit: 10})
	if len(got) != 3 {
		t.Fatalf("Ring of 3 should hold 3 events, got %d", len(got))
	}
	for _, e := range got {
		if e.EventID == "a" {
			t.Error("Oldest event should have been evicted")
		}
	}
	if got[0].EventID != "d" {
		t.Error("Newest event should come first")
	}
}

func TestMemoryCountersWindow(t *testing.T) {
	counters := events.NewMemoryCounters()
	defer counters.Close()

	for i := 0; i < 3; i++ {
		if err := counters.Increment(events.EventAuthentication, "10.0.0.5", time.Minute); err != nil {
			t.Fatalf("Increment failed: %v", err)
		}
	}

	count, err := counters.Count(events.EventAuthentication, "10.0.0.5", time.Minute)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 3 {
		t.Errorf("Expected 3, got %d", count)
	}

	// Other keys are independent.
	count, _ = counters.Count(events.EventAuthentication, "10.0.0.6", time.Minute)
	if count != 0 {
		t.Errorf("Expected 0 for other IP, got %d", count)
	}
	count, _ = counters.Count(events.EventAccessDenied, "10.0.0.5", time.Minute)
	if count != 0 {
		t.Errorf("Expected 0 for other type, got %d", count)
	}
}
