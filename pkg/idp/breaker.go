package idp

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// BreakerState is the circuit state of a guarded provider.
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half_open"
)

// ErrProviderUnavailable is returned while the circuit is open. Callers
// treat it like any other provider error: authentication fails closed.
var ErrProviderUnavailable = fmt.Errorf("identity provider unavailable: circuit open")

// BreakerConfig tunes the failure detection of a Breaker.
type BreakerConfig struct {
	FailureThreshold int           // consecutive errors before opening
	Cooldown         time.Duration // open duration before a half-open probe
	ProbeSuccesses   int           // half-open successes required to close
}

// DefaultBreakerConfig returns conservative settings for an external
// identity provider.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		ProbeSuccesses:   2,
	}
}

// Breaker wraps a Provider with a circuit breaker. While the circuit is
// open every Validate call fails immediately instead of waiting out the
// provider timeout again. Only transport errors trip the circuit; an
// invalid-credentials answer is a healthy response.
type Breaker struct {
	inner  Provider
	cfg    BreakerConfig
	logger *log.Logger

	mu          sync.Mutex
	state       BreakerState
	failures    int
	probeWins   int
	openedAt    time.Time
	lastFailure time.Time
}

func NewBreaker(inner Provider, cfg BreakerConfig, logger *log.Logger) *Breaker {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultBreakerConfig().Cooldown
	}
	if cfg.ProbeSuccesses <= 0 {
		cfg.ProbeSuccesses = DefaultBreakerConfig().ProbeSuccesses
	}
	return &Breaker{
		inner:  inner,
		cfg:    cfg,
		logger: logger,
		state:  StateClosed,
	}
}

// Validate delegates to the wrapped provider when the circuit permits.
func (b *Breaker) Validate(ctx context.Context, entityID, credentials string) (Result, error) {
	if !b.allow() {
		return Result{}, ErrProviderUnavailable
	}

	res, err := b.inner.Validate(ctx, entityID, credentials)
	if err != nil {
		b.recordFailure()
		return Result{}, err
	}
	b.recordSuccess()
	return res, nil
}

// State reports the current circuit state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if time.Since(b.openedAt) < b.cfg.Cooldown {
			return false
		}
		b.transition(StateHalfOpen)
		b.probeWins = 0
	}
	return true
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = time.Now()
	if b.state == StateHalfOpen {
		// The probe failed, back to waiting.
		b.open()
		return
	}
	b.failures++
	if b.failures >= b.cfg.FailureThreshold {
		b.open()
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.probeWins++
		if b.probeWins >= b.cfg.ProbeSuccesses {
			b.failures = 0
			b.transition(StateClosed)
		}
	case StateClosed:
		b.failures = 0
	}
}

func (b *Breaker) open() {
	b.failures = 0
	b.openedAt = time.Now()
	b.transition(StateOpen)
}

func (b *Breaker) transition(to BreakerState) {
	if b.state == to {
		return
	}
	b.logger.WithFields(log.Fields{
		"from": string(b.state),
		"to":   string(to),
	}).Warn("Identity provider circuit state changed")
	b.state = to
}
