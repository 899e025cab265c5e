// Package trust computes composite trust scores for entities and maps them
// to discrete trust levels. Evaluation is a pure function of its inputs so
// the same context always yields the same level.
package trust

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"time"

	"github.com/ztsec/zerotrust-core/config"
	"github.com/ztsec/zerotrust-core/pkg/entity"
)

// Trust thresholds for level banding.
const (
	thresholdVerified = 0.9
	thresholdHigh     = 0.7
	thresholdMedium   = 0.5
	thresholdLow      = 0.3
)

// Base risk per trust band. Penalties are added on top, capped at 1.0.
var baseRisk = map[entity.TrustLevel]float64{
	entity.TrustLevelVerified:  0.05,
	entity.TrustLevelHigh:      0.15,
	entity.TrustLevelMedium:    0.35,
	entity.TrustLevelLow:       0.60,
	entity.TrustLevelUntrusted: 0.85,
}

// Context carries the signals for one evaluation. All fields are explicit;
// the evaluator holds no per-entity state.
type Context struct {
	CertificateValid bool
	LastVerified     time.Time
	// BehaviorScore is an externally supplied normalcy score in [0,1]
	// (1 = entirely typical). Negative means no signal available.
	BehaviorScore     float64
	SourceIP          string
	DeviceFingerprint string
	Now               time.Time
}

// Evaluation is the result of scoring one entity.
type Evaluation struct {
	Score      float64
	Level      entity.TrustLevel
	RiskScore  float64
	FactorsLow []string // factor names that earned no credit
}

// Evaluator computes weighted trust scores.
type Evaluator struct {
	cfg    config.TrustConfig
	origin *OriginChecker
}

// NewEvaluator creates an evaluator with the given weights. The origin
// checker may be nil, in which case the location factor falls back to the
// entity's registered addresses and private-network heuristics.
func NewEvaluator(cfg config.TrustConfig, origin *OriginChecker) *Evaluator {
	return &Evaluator{cfg: cfg, origin: origin}
}

// Evaluate scores the entity against the context and returns the score,
// level, and recomputed risk. Trust level and risk score always move
// together; callers store both.
func (ev *Evaluator) Evaluate(e *entity.Entity, ctx Context) Evaluation {
	now := ctx.Now
	if now.IsZero() {
		now = time.Now()
	}

	w := ev.cfg.Weights
	var score float64
	var low []string

	credit := func(name string, c float64) {
		score += w[name] * c
		if c == 0 {
			low = append(low, name)
		}
	}

	// Certificate validity.
	if ctx.CertificateValid {
		credit(config.WeightCertificate, 1.0)
	} else {
		credit(config.WeightCertificate, 0)
	}

	// Recency of last verification: full credit under an hour, half under
	// a day, nothing beyond that. Trust decays rather than persisting.
	credit(config.WeightRecency, recencyCredit(ctx.LastVerified, now))

	// Behavioral normalcy, externally supplied.
	switch {
	case ctx.BehaviorScore < 0:
		credit(config.WeightBehavior, 0.5) // no signal, neutral credit
	default:
		credit(config.WeightBehavior, clamp01(ctx.BehaviorScore))
	}

	// Expected geographic/network origin.
	if ev.expectedOrigin(e, ctx.SourceIP) {
		credit(config.WeightLocation, 1.0)
	} else {
		credit(config.WeightLocation, 0)
	}

	// Expected time-of-access window.
	if withinAccessWindow(e, now) {
		credit(config.WeightTimeOfDay, 1.0)
	} else {
		credit(config.WeightTimeOfDay, 0)
	}

	// Known device fingerprint.
	if knownDevice(e, ctx.DeviceFingerprint) {
		credit(config.WeightDevice, 1.0)
	} else {
		credit(config.WeightDevice, 0)
	}

	level := levelForScore(score)
	risk := baseRisk[level]
	for _, name := range low {
		switch name {
		case config.WeightBehavior:
			risk += 0.15
		case config.WeightLocation:
			risk += 0.10
		case config.WeightTimeOfDay:
			risk += 0.05
		}
	}

	return Evaluation{
		Score:      score,
		Level:      level,
		RiskScore:  math.Min(1.0, risk),
		FactorsLow: low,
	}
}

// NeedsReverification reports whether the entity's last verification is
// stale enough that the continuous-verification sweep should re-evaluate.
func (ev *Evaluator) NeedsReverification(e *entity.Entity, now time.Time) bool {
	interval := ev.cfg.VerificationInterval
	if interval <= 0 {
		interval = time.Hour
	}
	return e.LastVerified.IsZero() || now.Sub(e.LastVerified) > interval
}

// DeviceFingerprint derives a deterministic device fingerprint from the
// client-visible characteristics of a request.
func DeviceFingerprint(userAgent, acceptLanguage string) string {
	h := sha256.New()
	h.Write([]byte(userAgent))
	h.Write([]byte{0})
	h.Write([]byte(acceptLanguage))
	return hex.EncodeToString(h.Sum(nil))[:32]
}

func recencyCredit(lastVerified, now time.Time) float64 {
	if lastVerified.IsZero() {
		return 0
	}
	age := now.Sub(lastVerified)
	switch {
	case age < time.Hour:
		return 1.0
	case age < 24*time.Hour:
		return 0.5
	default:
		return 0
	}
}

func levelForScore(score float64) entity.TrustLevel {
	switch {
	case score >= thresholdVerified:
		return entity.TrustLevelVerified
	case score >= thresholdHigh:
		return entity.TrustLevelHigh
	case score >= thresholdMedium:
		return entity.TrustLevelMedium
	case score >= thresholdLow:
		return entity.TrustLevelLow
	default:
		return entity.TrustLevelUntrusted
	}
}

func (ev *Evaluator) expectedOrigin(e *entity.Entity, sourceIP string) bool {
	if sourceIP == "" {
		return false
	}
	if e.HasIP(sourceIP) {
		return true
	}
	if ev.origin != nil {
		return ev.origin.Expected(e, sourceIP)
	}
	return isPrivateIP(sourceIP)
}

// withinAccessWindow checks the entity's expected access hours. The window
// comes from the "access_hours" attribute as [startHour, endHour); absent
// an attribute, services are always in-window and interactive entities get
// a 06:00-22:00 default.
func withinAccessWindow(e *entity.Entity, now time.Time) bool {
	start, end := 6, 22
	if e.Type == entity.TypeService || e.Type == entity.TypeAIModule {
		start, end = 0, 24
	}
	if raw, ok := e.Attributes["access_hours"]; ok {
		if hours, ok := raw.([]int); ok && len(hours) == 2 {
			start, end = hours[0], hours[1]
		}
	}
	h := now.Hour()
	if start <= end {
		return h >= start && h < end
	}
	// Window wraps midnight.
	return h >= start || h < end
}

func knownDevice(e *entity.Entity, fingerprint string) bool {
	if fingerprint == "" {
		return false
	}
	raw, ok := e.Attributes["device_fingerprint"]
	if !ok {
		return false
	}
	known, ok := raw.(string)
	return ok && known == fingerprint
}

func clamp01(v float64) float64 {
	return math.Max(0.0, math.Min(1.0, v))
}
