package session_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ztsec/zerotrust-core/config"
	"github.com/ztsec/zerotrust-core/pkg/entity"
	"github.com/ztsec/zerotrust-core/pkg/idp"
	"github.com/ztsec/zerotrust-core/pkg/session"
)

func testConfigs() (config.SessionConfig, config.TokenConfig) {
	return config.SessionConfig{
			Timeout:           30 * time.Minute,
			MaxFailedAttempts: 3,
			LockoutDuration:   15 * time.Minute,
			IdPTimeout:        time.Second,
		}, config.TokenConfig{
			TTL:    time.Hour,
			Issuer: "zerotrust-core-test",
		}
}

func newManager(t *testing.T, provider idp.Provider) *session.Manager {
	t.Helper()
	sessCfg, tokenCfg := testConfigs()
	m, err := session.NewManager(sessCfg, tokenCfg, provider, nil, nil)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return m
}

func registeredProvider() *idp.MemoryProvider {
	p := idp.NewMemoryProvider()
	p.Register("svc-1", "correct-horse", "service", []string{"data:read", "data:write"})
	return p
}

func TestAuthenticateSuccess(t *testing.T) {
	m := newManager(t, registeredProvider())

	res, err := m.Authenticate(context.Background(), "svc-1", "correct-horse", "10.0.0.5", "test-agent", entity.TrustLevelHigh, false)
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if res.Session.EntityID != "svc-1" {
		t.Errorf("Session bound to wrong entity: %s", res.Session.EntityID)
	}
	if res.Token == "" {
		t.Error("Expected a signed token")
	}
	if ttl := time.Until(res.Claims.ExpiresAt); ttl < 59*time.Minute || ttl > 61*time.Minute {
		t.Errorf("Expected ~1h token TTL, got %s", ttl)
	}
	if m.ActiveSessions() != 1 {
		t.Errorf("Expected 1 active session, got %d", m.ActiveSessions())
	}
}

func TestLockoutAfterRepeatedFailures(t *testing.T) {
	m := newManager(t, registeredProvider())
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		_, err := m.Authenticate(ctx, "svc-1", "wrong", "10.0.0.5", "ua", entity.TrustLevelLow, false)
		if !errors.Is(err, session.ErrInvalidCredentials) {
			t.Fatalf("Attempt %d: expected ErrInvalidCredentials, got %v", i, err)
		}
	}

	// The third consecutive failure engages the lockout immediately.
	_, err := m.Authenticate(ctx, "svc-1", "wrong", "10.0.0.5", "ua", entity.TrustLevelLow, false)
	if !errors.Is(err, session.ErrAccountLocked) {
		t.Fatalf("Third failure: expected ErrAccountLocked, got %v", err)
	}

	// Correct credentials make no difference while locked.
	_, err = m.Authenticate(ctx, "svc-1", "correct-horse", "10.0.0.5", "ua", entity.TrustLevelLow, false)
	if !errors.Is(err, session.ErrAccountLocked) {
		t.Fatalf("Attempt during lockout: expected ErrAccountLocked, got %v", err)
	}

	if m.LockedUntil("svc-1").IsZero() {
		t.Error("Lockout expiry should be set")
	}
}

func TestFailureCountResetsOnSuccess(t *testing.T) {
	m := newManager(t, registeredProvider())
	ctx := context.Background()

	m.Authenticate(ctx, "svc-1", "wrong", "10.0.0.5", "ua", entity.TrustLevelLow, false)
	m.Authenticate(ctx, "svc-1", "wrong", "10.0.0.5", "ua", entity.TrustLevelLow, false)
	if _, err := m.Authenticate(ctx, "svc-1", "correct-horse", "10.0.0.5", "ua", entity.TrustLevelLow, false); err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if got := m.FailedAttempts("svc-1"); got != 0 {
		t.Errorf("Expected failure count reset, got %d", got)
	}
}

func TestTokenRoundTrip(t *testing.T) {
	m := newManager(t, registeredProvider())

	res, err := m.Authenticate(context.Background(), "svc-1", "correct-horse", "10.0.0.5", "ua", entity.TrustLevelHigh, true)
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}

	claims, err := m.ValidateToken(res.Token, "")
	if err != nil {
		t.Fatalf("ValidateToken failed: %v", err)
	}
	if claims.EntityID != "svc-1" || claims.SessionID != res.Session.ID {
		t.Error("Claims do not match the issued session")
	}
	if claims.TrustLevel != entity.TrustLevelHigh {
		t.Errorf("Expected HIGH trust in claims, got %s", claims.TrustLevel)
	}
	if !claims.MFAVerified {
		t.Error("MFA flag lost in round trip")
	}
	if !claims.HasPermission("data:read") || !claims.HasPermission("data:write") {
		t.Error("Permission snapshot lost in round trip")
	}

	if _, err := m.ValidateToken(res.Token, "data:read"); err != nil {
		t.Errorf("Expected held permission to pass, got %v", err)
	}
	if _, err := m.ValidateToken(res.Token, "admin:all"); !errors.Is(err, session.ErrInsufficientPermission) {
		t.Errorf("Expected ErrInsufficientPermission, got %v", err)
	}
}

func TestRevokedTokenFailsOpaquely(t *testing.T) {
	m := newManager(t, registeredProvider())

	res, err := m.Authenticate(context.Background(), "svc-1", "correct-horse", "10.0.0.5", "ua", entity.TrustLevelHigh, false)
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}

	if err := m.Revoke(res.Claims.TokenID, "test"); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	// Idempotent.
	if err := m.Revoke(res.Claims.TokenID, "test"); err != nil {
		t.Fatalf("Second revoke failed: %v", err)
	}

	if _, err := m.ValidateToken(res.Token, ""); !errors.Is(err, session.ErrTokenInvalid) {
		t.Errorf("Expected ErrTokenInvalid for revoked token, got %v", err)
	}
}

func TestForgedTokenFailsOpaquely(t *testing.T) {
	m := newManager(t, registeredProvider())
	other := newManager(t, registeredProvider())

	// A token signed by a different process secret must fail with the
	// same error as any other invalid token.
	res, err := other.Authenticate(context.Background(), "svc-1", "correct-horse", "10.0.0.5", "ua", entity.TrustLevelHigh, false)
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}

	if _, err := m.ValidateToken(res.Token, ""); !errors.Is(err, session.ErrTokenInvalid) {
		t.Errorf("Expected ErrTokenInvalid, got %v", err)
	}
	if _, err := m.ValidateToken("not.a.token", ""); !errors.Is(err, session.ErrTokenInvalid) {
		t.Errorf("Expected ErrTokenInvalid, got %v", err)
	}
}

func TestDestroySessionInvalidatesTokens(t *testing.T) {
	m := newManager(t, registeredProvider())

	res, err := m.Authenticate(context.Background(), "svc-1", "correct-horse", "10.0.0.5", "ua", entity.TrustLevelHigh, false)
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}

	m.DestroySession(res.Session.ID, "test")

	if _, err := m.ValidateToken(res.Token, ""); !errors.Is(err, session.ErrTokenInvalid) {
		t.Errorf("Expected ErrTokenInvalid after session destruction, got %v", err)
	}
	if m.ActiveSessions() != 0 {
		t.Errorf("Expected 0 sessions, got %d", m.ActiveSessions())
	}
}

func TestRevokeBelow(t *testing.T) {
	m := newManager(t, registeredProvider())
	ctx := context.Background()

	low, err := m.Authenticate(ctx, "svc-1", "correct-horse", "10.0.0.5", "ua", entity.TrustLevelLow, false)
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	verified, err := m.Authenticate(ctx, "svc-1", "correct-horse", "10.0.0.5", "ua", entity.TrustLevelVerified, false)
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}

	revoked := m.RevokeBelow(entity.TrustLevelVerified, "lockdown")
	if revoked != 1 {
		t.Errorf("Expected 1 token revoked, got %d", revoked)
	}

	if _, err := m.ValidateToken(low.Token, ""); !errors.Is(err, session.ErrTokenInvalid) {
		t.Error("Low-trust token should be revoked")
	}
	if _, err := m.ValidateToken(verified.Token, ""); err != nil {
		t.Errorf("Verified token should survive: %v", err)
	}
}

func TestSweepExpiredSessions(t *testing.T) {
	sessCfg, tokenCfg := testConfigs()
	sessCfg.Timeout = 10 * time.Millisecond
	m, err := session.NewManager(sessCfg, tokenCfg, registeredProvider(), nil, nil)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	res, err := m.Authenticate(context.Background(), "svc-1", "correct-horse", "10.0.0.5", "ua", entity.TrustLevelHigh, false)
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	_, destroyed := m.SweepExpired(context.Background())
	if destroyed != 1 {
		t.Errorf("Expected 1 idle session destroyed, got %d", destroyed)
	}
	if _, err := m.ValidateToken(res.Token, ""); !errors.Is(err, session.ErrTokenInvalid) {
		t.Error("Token of a swept session should be invalid")
	}
}

func TestSweepCountsOnlyRevokedTokens(t *testing.T) {
	sessCfg, tokenCfg := testConfigs()
	tokenCfg.TTL = time.Millisecond
	m, err := session.NewManager(sessCfg, tokenCfg, registeredProvider(), nil, nil)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	res, err := m.Authenticate(context.Background(), "svc-1", "correct-horse", "10.0.0.5", "ua", entity.TrustLevelHigh, false)
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	// A cancelled sweep reports only what it actually revoked, not what
	// it found stale.
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	expiredTokens, expiredSessions := m.SweepExpired(cancelled)
	if expiredTokens != 0 || expiredSessions != 0 {
		t.Errorf("Cancelled sweep must report 0 revocations, got %d tokens, %d sessions", expiredTokens, expiredSessions)
	}

	expiredTokens, _ = m.SweepExpired(context.Background())
	if expiredTokens != 1 {
		t.Errorf("Expected 1 token revoked, got %d", expiredTokens)
	}
	if _, err := m.ValidateToken(res.Token, ""); !errors.Is(err, session.ErrTokenInvalid) {
		t.Error("Expired token should be invalid after the sweep")
	}
}

// stuckProvider blocks until the context expires.
type stuckProvider struct{}

func (stuckProvider) Validate(ctx context.Context, _, _ string) (idp.Result, error) {
	<-ctx.Done()
	return idp.Result{}, ctx.Err()
}

func TestProviderTimeoutFailsClosed(t *testing.T) {
	sessCfg, tokenCfg := testConfigs()
	sessCfg.IdPTimeout = 20 * time.Millisecond
	m, err := session.NewManager(sessCfg, tokenCfg, stuckProvider{}, nil, nil)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	_, err = m.Authenticate(context.Background(), "svc-1", "correct-horse", "10.0.0.5", "ua", entity.TrustLevelHigh, false)
	if !errors.Is(err, session.ErrProviderTimeout) {
		t.Fatalf("Expected ErrProviderTimeout, got %v", err)
	}
	// Timeouts say nothing about credentials and must not count toward
	// lockout.
	if got := m.FailedAttempts("svc-1"); got != 0 {
		t.Errorf("Timeout counted toward lockout: %d", got)
	}
}
