package trust_test

import (
	"testing"
	"time"

	"github.com/ztsec/zerotrust-core/config"
	"github.com/ztsec/zerotrust-core/pkg/entity"
	"github.com/ztsec/zerotrust-core/pkg/trust"
)

func newEvaluator(t *testing.T) *trust.Evaluator {
	t.Helper()
	return trust.NewEvaluator(config.DefaultSettings().Trust, nil)
}

func serviceEntity(fingerprint string) *entity.Entity {
	e := &entity.Entity{
		ID:                     "svc-1",
		Type:                   entity.TypeService,
		IPAddresses:            []string{"10.0.0.5"},
		CertificateFingerprint: "abc123",
		Attributes:             map[string]interface{}{},
	}
	if fingerprint != "" {
		e.Attributes["device_fingerprint"] = fingerprint
	}
	return e
}

func TestEvaluateAllFactorsPresent(t *testing.T) {
	ev := newEvaluator(t)
	fp := trust.DeviceFingerprint("test-agent", "en-US")
	e := serviceEntity(fp)
	now := time.Now()

	eval := ev.Evaluate(e, trust.Context{
		CertificateValid:  true,
		LastVerified:      now.Add(-time.Minute),
		BehaviorScore:     1.0,
		SourceIP:          "10.0.0.5",
		DeviceFingerprint: fp,
		Now:               now,
	})

	if eval.Level != entity.TrustLevelVerified {
		t.Errorf("Expected VERIFIED with every factor at full credit, got %s (score %.2f)", eval.Level, eval.Score)
	}
	if eval.Score < 0.99 {
		t.Errorf("Expected score near 1.0, got %.2f", eval.Score)
	}
	if len(eval.FactorsLow) != 0 {
		t.Errorf("No factor should be low, got %v", eval.FactorsLow)
	}
}

func TestRecencyDecay(t *testing.T) {
	ev := newEvaluator(t)
	fp := trust.DeviceFingerprint("test-agent", "en-US")
	now := time.Now()

	score := func(lastVerified time.Time) float64 {
		return ev.Evaluate(serviceEntity(fp), trust.Context{
			CertificateValid:  true,
			LastVerified:      lastVerified,
			BehaviorScore:     1.0,
			SourceIP:          "10.0.0.5",
			DeviceFingerprint: fp,
			Now:               now,
		}).Score
	}

	fresh := score(now.Add(-time.Minute))
	halfDay := score(now.Add(-2 * time.Hour))
	stale := score(now.Add(-48 * time.Hour))

	if !(fresh > halfDay && halfDay > stale) {
		t.Errorf("Recency credit must decay: fresh=%.2f halfDay=%.2f stale=%.2f", fresh, halfDay, stale)
	}
	// Stale entities lose exactly the recency weight relative to fresh.
	if diff := fresh - stale; diff < 0.19 || diff > 0.21 {
		t.Errorf("Expected ~0.20 score drop past 24h, got %.3f", diff)
	}
}

func TestStaleVerificationCapsLevel(t *testing.T) {
	ev := newEvaluator(t)
	fp := trust.DeviceFingerprint("test-agent", "en-US")
	now := time.Now()
	e := serviceEntity(fp)

	freshLevel := ev.Evaluate(e, trust.Context{
		CertificateValid: true, LastVerified: now.Add(-time.Minute),
		BehaviorScore: 1.0, SourceIP: "10.0.0.5", DeviceFingerprint: fp, Now: now,
	}).Level
	staleLevel := ev.Evaluate(e, trust.Context{
		CertificateValid: true, LastVerified: now.Add(-25 * time.Hour),
		BehaviorScore: 1.0, SourceIP: "10.0.0.5", DeviceFingerprint: fp, Now: now,
	}).Level

	if staleLevel > freshLevel {
		t.Errorf("Stale verification produced a higher level (%s) than fresh (%s)", staleLevel, freshLevel)
	}
}

func TestLevelThresholds(t *testing.T) {
	ev := newEvaluator(t)

	// Certificate invalid and everything else at zero leaves only the
	// neutral behavior credit (0.5 * 0.20 = 0.10) -> UNTRUSTED.
	eval := ev.Evaluate(&entity.Entity{ID: "u-1", Type: entity.TypeUser}, trust.Context{
		CertificateValid: false,
		BehaviorScore:    -1,
		Now:              time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC), // outside default user hours
	})
	if eval.Level != entity.TrustLevelUntrusted {
		t.Errorf("Expected UNTRUSTED, got %s (score %.2f)", eval.Level, eval.Score)
	}
}

func TestRiskScorePenalties(t *testing.T) {
	ev := newEvaluator(t)
	fp := trust.DeviceFingerprint("test-agent", "en-US")
	now := time.Now()

	full := ev.Evaluate(serviceEntity(fp), trust.Context{
		CertificateValid: true, LastVerified: now.Add(-time.Minute),
		BehaviorScore: 1.0, SourceIP: "10.0.0.5", DeviceFingerprint: fp, Now: now,
	})
	abnormalBehavior := ev.Evaluate(serviceEntity(fp), trust.Context{
		CertificateValid: true, LastVerified: now.Add(-time.Minute),
		BehaviorScore: 0.0, SourceIP: "10.0.0.5", DeviceFingerprint: fp, Now: now,
	})

	if abnormalBehavior.RiskScore <= full.RiskScore {
		t.Errorf("Abnormal behavior must raise risk: %.2f vs %.2f", abnormalBehavior.RiskScore, full.RiskScore)
	}
	if full.RiskScore > 0.1 {
		t.Errorf("Fully trusted entity should carry minimal risk, got %.2f", full.RiskScore)
	}
}

func TestRiskScoreCapped(t *testing.T) {
	ev := newEvaluator(t)
	eval := ev.Evaluate(&entity.Entity{ID: "u-1", Type: entity.TypeUser}, trust.Context{
		CertificateValid: false,
		BehaviorScore:    0,
		SourceIP:         "203.0.113.50",
		Now:              time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC),
	})
	if eval.RiskScore > 1.0 {
		t.Errorf("Risk score must cap at 1.0, got %.2f", eval.RiskScore)
	}
}

func TestDeviceFingerprintDeterministic(t *testing.T) {
	a := trust.DeviceFingerprint("agent", "en-US")
	b := trust.DeviceFingerprint("agent", "en-US")
	c := trust.DeviceFingerprint("agent", "de-DE")

	if a != b {
		t.Error("Same inputs must produce the same fingerprint")
	}
	if a == c {
		t.Error("Different inputs must produce different fingerprints")
	}
	if len(a) != 32 {
		t.Errorf("Expected 32-char fingerprint, got %d", len(a))
	}
}

func TestNeedsReverification(t *testing.T) {
	ev := newEvaluator(t)
	now := time.Now()

	fresh := &entity.Entity{ID: "a", LastVerified: now.Add(-10 * time.Minute)}
	stale := &entity.Entity{ID: "b", LastVerified: now.Add(-2 * time.Hour)}
	never := &entity.Entity{ID: "c"}

	if ev.NeedsReverification(fresh, now) {
		t.Error("Entity verified 10 minutes ago should not need re-verification")
	}
	if !ev.NeedsReverification(stale, now) {
		t.Error("Entity verified 2 hours ago should need re-verification")
	}
	if !ev.NeedsReverification(never, now) {
		t.Error("Never-verified entity should need re-verification")
	}
}

func TestBaselineTracker(t *testing.T) {
	b := trust.NewBaselineTracker()
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	if got := b.Score("svc-1", "10.0.0.5", at); got >= 0 {
		t.Errorf("Expected no signal before observations, got %.2f", got)
	}

	for i := 0; i < 10; i++ {
		b.Record("svc-1", "10.0.0.5", at.Add(time.Duration(i)*time.Minute))
	}

	typical := b.Score("svc-1", "10.0.0.5", at)
	if typical < 0.9 {
		t.Errorf("Typical request should score high, got %.2f", typical)
	}

	oddHourNewIP := b.Score("svc-1", "203.0.113.9", at.Add(12*time.Hour))
	if oddHourNewIP >= typical {
		t.Errorf("Atypical request should score below typical: %.2f vs %.2f", oddHourNewIP, typical)
	}
}
