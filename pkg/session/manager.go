// Package session owns session and access-token lifecycle: credential
// checks against the identity provider, lockout tracking, token signing
// and revocation, and the idle-session sweep.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/ztsec/zerotrust-core/config"
	"github.com/ztsec/zerotrust-core/pkg/entity"
	"github.com/ztsec/zerotrust-core/pkg/idp"
)

// Authentication failures distinguishable by the caller. Anything not
// listed here surfaces as ErrInvalidCredentials so entity enumeration
// stays impossible.
var (
	ErrInvalidCredentials = errors.New("authentication failed")
	ErrAccountLocked      = errors.New("account locked")
	ErrProviderTimeout    = errors.New("identity provider timeout")
)

// Session is one authenticated presence of an entity.
type Session struct {
	ID           string            `json:"id"`
	EntityID     string            `json:"entity_id"`
	SourceIP     string            `json:"source_ip"`
	UserAgent    string            `json:"user_agent"`
	Role         string            `json:"role"`
	TrustLevel   entity.TrustLevel `json:"trust_level"`
	Permissions  []string          `json:"permissions"`
	MFAVerified  bool              `json:"mfa_verified"`
	CreatedAt    time.Time         `json:"created_at"`
	LastActivity time.Time         `json:"last_activity"`
}

// tokenRecord tracks a live token for the sweep and for bulk revocation.
type tokenRecord struct {
	sessionID  string
	entityID   string
	trustLevel entity.TrustLevel
	expiresAt  time.Time
}

// lockoutState tracks consecutive authentication failures per entity.
type lockoutState struct {
	failedAttempts int
	lockedUntil    time.Time
}

// Manager serializes all session, token and lockout state behind one
// lock; this is control-plane state with low contention.
type Manager struct {
	cfg      config.SessionConfig
	tokenCfg config.TokenConfig
	tokens   *tokenService
	revoked  RevocationStore
	provider idp.Provider
	logger   *log.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	live     map[string]*tokenRecord // token id -> record
	lockouts map[string]*lockoutState
}

// NewManager builds a session manager. The signing secret is generated
// here and lives only for the life of the process.
func NewManager(cfg config.SessionConfig, tokenCfg config.TokenConfig, provider idp.Provider, revoked RevocationStore, logger *log.Logger) (*Manager, error) {
	tokens, err := newTokenService(tokenCfg)
	if err != nil {
		return nil, err
	}
	if revoked == nil {
		revoked = NewMemoryRevocations()
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Manager{
		cfg:      cfg,
		tokenCfg: tokenCfg,
		tokens:   tokens,
		revoked:  revoked,
		provider: provider,
		logger:   logger,
		sessions: make(map[string]*Session),
		live:     make(map[string]*tokenRecord),
		lockouts: make(map[string]*lockoutState),
	}, nil
}

// AuthResult is a successful authentication.
type AuthResult struct {
	Session *Session
	Token   string
	Claims  *Claims
}

// Authenticate validates credentials, enforces lockout, creates a
// session and issues its first token. trustLevel is the evaluation the
// caller just computed for this entity.
func (m *Manager) Authenticate(ctx context.Context, entityID, credentials, sourceIP, userAgent string, trustLevel entity.TrustLevel, mfaVerified bool) (*AuthResult, error) {
	// Lockout check runs before the credential check so a locked account
	// never burns provider calls.
	if err := m.checkLockout(entityID); err != nil {
		return nil, err
	}

	checkCtx, cancel := context.WithTimeout(ctx, m.idpTimeout())
	defer cancel()

	result, err := m.provider.Validate(checkCtx, entityID, credentials)
	if err != nil {
		if errors.Is(checkCtx.Err(), context.DeadlineExceeded) {
			// Fail closed, and let the caller log this distinctly. The
			// failure does not count toward lockout; it says nothing
			// about the credentials.
			return nil, ErrProviderTimeout
		}
		m.logger.WithFields(log.Fields{
			"entity_id": entityID,
			"error":     err,
		}).Warn("Identity provider error")
		return nil, ErrInvalidCredentials
	}
	if !result.Valid {
		if m.recordFailure(entityID) {
			// The failure that trips the limit reports the lockout
			// immediately, not on the next attempt.
			return nil, ErrAccountLocked
		}
		return nil, ErrInvalidCredentials
	}

	m.clearLockout(entityID)

	now := time.Now()
	sess := &Session{
		ID:           uuid.NewString(),
		EntityID:     entityID,
		SourceIP:     sourceIP,
		UserAgent:    userAgent,
		Role:         result.Role,
		TrustLevel:   trustLevel,
		Permissions:  result.Permissions,
		MFAVerified:  mfaVerified,
		CreatedAt:    now,
		LastActivity: now,
	}

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()

	token, claims, err := m.IssueToken(sess)
	if err != nil {
		m.mu.Lock()
		delete(m.sessions, sess.ID)
		m.mu.Unlock()
		return nil, err
	}

	m.logger.WithFields(log.Fields{
		"entity_id":   entityID,
		"session_id":  sess.ID,
		"trust_level": trustLevel.String(),
	}).Info("Session established")

	return &AuthResult{Session: sess, Token: token, Claims: claims}, nil
}

// IssueToken mints a signed token for an existing session.
func (m *Manager) IssueToken(sess *Session) (string, *Claims, error) {
	now := time.Now()
	ttl := m.tokenCfg.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	claims := &Claims{
		TokenID:     newTokenID(),
		EntityID:    sess.EntityID,
		SessionID:   sess.ID,
		Role:        sess.Role,
		TrustLevel:  sess.TrustLevel,
		Permissions: append([]string(nil), sess.Permissions...),
		IssuedAt:    now,
		ExpiresAt:   now.Add(ttl),
		SourceIP:    sess.SourceIP,
		MFAVerified: sess.MFAVerified,
	}

	token, err := m.tokens.sign(claims)
	if err != nil {
		return "", nil, err
	}

	m.mu.Lock()
	m.live[claims.TokenID] = &tokenRecord{
		sessionID:  sess.ID,
		entityID:   sess.EntityID,
		trustLevel: sess.TrustLevel,
		expiresAt:  claims.ExpiresAt,
	}
	m.mu.Unlock()

	return token, claims, nil
}

// ValidateToken verifies a token end to end: signature, expiry,
// revocation, parent session liveness and optionally a required
// permission. Session last-activity is refreshed on success.
func (m *Manager) ValidateToken(tokenString, requiredPermission string) (*Claims, error) {
	claims, err := m.tokens.verify(tokenString)
	if err != nil {
		return nil, ErrTokenInvalid
	}

	revoked, err := m.revoked.IsRevoked(claims.TokenID)
	if err != nil {
		m.logger.WithError(err).Warn("Revocation check failed, rejecting token")
		return nil, ErrTokenInvalid
	}
	if revoked {
		return nil, ErrTokenInvalid
	}

	m.mu.Lock()
	sess, ok := m.sessions[claims.SessionID]
	if ok {
		sess.LastActivity = time.Now()
	}
	m.mu.Unlock()
	if !ok {
		return nil, ErrTokenInvalid
	}

	if requiredPermission != "" && !claims.HasPermission(requiredPermission) {
		return nil, ErrInsufficientPermission
	}
	return claims, nil
}

// Revoke invalidates a token. Idempotent; revoking an unknown or already
// revoked token succeeds.
func (m *Manager) Revoke(tokenID, reason string) error {
	m.mu.Lock()
	rec, ok := m.live[tokenID]
	delete(m.live, tokenID)
	m.mu.Unlock()

	ttl := time.Hour
	if ok {
		if remaining := time.Until(rec.expiresAt); remaining > 0 {
			ttl = remaining + time.Minute
		}
	}
	if err := m.revoked.Revoke(tokenID, reason, ttl); err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	return nil
}

// RevokeBelow revokes every live token whose trust level is below the
// given tier. Lockdown uses this to cut off all non-override sessions.
func (m *Manager) RevokeBelow(level entity.TrustLevel, reason string) int {
	m.mu.Lock()
	var ids []string
	for id, rec := range m.live {
		if rec.trustLevel < level {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.Revoke(id, reason); err != nil {
			m.logger.WithFields(log.Fields{
				"token_id": id,
				"error":    err,
			}).Warn("Failed to revoke token during bulk revocation")
		}
	}
	return len(ids)
}

// DestroySession removes a session and revokes all of its tokens.
func (m *Manager) DestroySession(sessionID, reason string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	var ids []string
	for id, rec := range m.live {
		if rec.sessionID == sessionID {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Revoke(id, reason)
	}
}

// SweepExpired revokes tokens past expiry and destroys sessions idle
// beyond the session timeout. It iterates snapshots so request handling
// never waits on a full sweep.
func (m *Manager) SweepExpired(ctx context.Context) (expiredTokens, expiredSessions int) {
	now := time.Now()
	timeout := m.cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}

	m.mu.Lock()
	var staleTokens []string
	for id, rec := range m.live {
		if now.After(rec.expiresAt) {
			staleTokens = append(staleTokens, id)
		}
	}
	var idleSessions []string
	for id, sess := range m.sessions {
		if now.Sub(sess.LastActivity) > timeout {
			idleSessions = append(idleSessions, id)
		}
	}
	m.mu.Unlock()

	for _, id := range staleTokens {
		if ctx.Err() != nil {
			return expiredTokens, expiredSessions
		}
		m.Revoke(id, "expired")
		expiredTokens++
	}
	for _, id := range idleSessions {
		if ctx.Err() != nil {
			break
		}
		m.DestroySession(id, "session timeout")
		expiredSessions++
	}
	return expiredTokens, expiredSessions
}

// ActiveSessions returns the current session count.
func (m *Manager) ActiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// ActiveTokens returns the number of live (unexpired, unrevoked) tokens.
func (m *Manager) ActiveTokens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	count := 0
	for _, rec := range m.live {
		if rec.expiresAt.After(now) {
			count++
		}
	}
	return count
}

// Session returns a session by id.
func (m *Manager) Session(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	return sess, ok
}

// Close releases the revocation backend.
func (m *Manager) Close() error {
	return m.revoked.Close()
}

func (m *Manager) idpTimeout() time.Duration {
	if m.cfg.IdPTimeout > 0 {
		return m.cfg.IdPTimeout
	}
	return 5 * time.Second
}

func (m *Manager) checkLockout(entityID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.lockouts[entityID]
	if !ok {
		return nil
	}
	if time.Now().Before(state.lockedUntil) {
		return ErrAccountLocked
	}
	if !state.lockedUntil.IsZero() && time.Now().After(state.lockedUntil) {
		// Lockout elapsed, start a fresh failure count.
		delete(m.lockouts, entityID)
	}
	return nil
}

// recordFailure increments the consecutive-failure count and reports
// whether this failure engaged the lockout.
func (m *Manager) recordFailure(entityID string) bool {
	maxAttempts := m.cfg.MaxFailedAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	lockout := m.cfg.LockoutDuration
	if lockout <= 0 {
		lockout = 15 * time.Minute
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.lockouts[entityID]
	if !ok {
		state = &lockoutState{}
		m.lockouts[entityID] = state
	}
	state.failedAttempts++
	if state.failedAttempts >= maxAttempts {
		state.lockedUntil = time.Now().Add(lockout)
		m.logger.WithFields(log.Fields{
			"entity_id":       entityID,
			"failed_attempts": state.failedAttempts,
			"locked_until":    state.lockedUntil,
		}).Warn("Account locked after repeated authentication failures")
		return true
	}
	return false
}

func (m *Manager) clearLockout(entityID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.lockouts, entityID)
}

// FailedAttempts reports the current consecutive failure count for an
// entity.
func (m *Manager) FailedAttempts(entityID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if state, ok := m.lockouts[entityID]; ok {
		return state.failedAttempts
	}
	return 0
}

// LockedUntil reports the lockout expiry for an entity, zero when not
// locked.
func (m *Manager) LockedUntil(entityID string) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if state, ok := m.lockouts[entityID]; ok {
		return state.lockedUntil
	}
	return time.Time{}
}
