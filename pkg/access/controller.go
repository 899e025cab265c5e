// Package access is the orchestrator: it composes the certificate
// authority, trust evaluator, policy engine, session manager and event
// logger into the three public entry points, and owns the emergency
// lockdown state machine and all background sweeps.
package access

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/tomb.v2"

	"github.com/ztsec/zerotrust-core/config"
	"github.com/ztsec/zerotrust-core/pkg/ca"
	"github.com/ztsec/zerotrust-core/pkg/entity"
	"github.com/ztsec/zerotrust-core/pkg/events"
	"github.com/ztsec/zerotrust-core/pkg/policy"
	"github.com/ztsec/zerotrust-core/pkg/session"
	"github.com/ztsec/zerotrust-core/pkg/trust"
)

// State is the controller's operating state.
type State int

const (
	StateOperational State = iota
	StateLockdown
)

func (s State) String() string {
	if s == StateLockdown {
		return "LOCKDOWN"
	}
	return "OPERATIONAL"
}

// Permissions recognized on tokens presented to privileged operations.
const (
	PermLockdown = "emergency:lockdown"
	PermOverride = "emergency:override"
)

const component = "access_controller"

// ErrLockdownActive is returned by operations short-circuited while the
// controller is in lockdown.
var ErrLockdownActive = errors.New("emergency lockdown active")

// statusWindow bounds the recent-alert count reported by SecurityStatus.
const statusWindow = time.Hour

// Controller composes the core components behind the public entry
// points.
type Controller struct {
	cfg       *config.Settings
	entities  *entity.Store
	authority *ca.Authority
	evaluator *trust.Evaluator
	baseline  *trust.BaselineTracker
	policies  *policy.Engine
	sessions  *session.Manager
	eventLog  *events.Logger
	metrics   *Metrics
	logger    *log.Logger

	mu             sync.RWMutex
	state          State
	lockdownReason string
	lockdownBy     string
	lockdownAt     time.Time

	t tomb.Tomb
}

// NewController wires the components together. Alerting feeds the alert
// metric; background sweeps start with Start.
func NewController(cfg *config.Settings, entities *entity.Store, authority *ca.Authority, evaluator *trust.Evaluator, policies *policy.Engine, sessions *session.Manager, eventLog *events.Logger, logger *log.Logger) *Controller {
	if logger == nil {
		logger = log.StandardLogger()
	}
	c := &Controller{
		cfg:       cfg,
		entities:  entities,
		authority: authority,
		evaluator: evaluator,
		baseline:  trust.NewBaselineTracker(),
		policies:  policies,
		sessions:  sessions,
		eventLog:  eventLog,
		metrics:   initMetrics(),
		logger:    logger,
		state:     StateOperational,
	}
	eventLog.OnAlert(func(events.Alert) {
		c.metrics.alertsTriggered.Inc()
	})
	return c
}

// RegisterEntity admits a new principal: it creates the entity record,
// issues its leaf certificate and stores the fingerprint. New entities
// always start UNTRUSTED.
func (c *Controller) RegisterEntity(ctx context.Context, entityID string, entityType entity.EntityType, ipAddresses []string, mac string) (*entity.Entity, *ca.IssuedCertificate, error) {
	if entityID == "" {
		return nil, nil, fmt.Errorf("entity id is required")
	}
	switch entityType {
	case entity.TypeUser, entity.TypeDevice, entity.TypeService, entity.TypeAIModule:
	default:
		return nil, nil, fmt.Errorf("unknown entity type: %s", entityType)
	}
	if existing := c.entities.Get(entityID); existing != nil {
		return nil, nil, fmt.Errorf("entity already registered: %s", entityID)
	}

	e := &entity.Entity{
		ID:          entityID,
		Type:        entityType,
		IPAddresses: append([]string(nil), ipAddresses...),
		TrustLevel:  entity.TrustLevelUntrusted,
		RiskScore:   1.0,
		Attributes:  make(map[string]interface{}),
		CreatedAt:   time.Now(),
	}
	if mac != "" {
		e.Attributes["mac_address"] = mac
	}

	cert, err := c.authority.IssueCertificate(e)
	if err != nil {
		c.eventLog.Log(ctx, events.Entry{
			Type:        events.EventConfigurationChange,
			Severity:    events.SeverityError,
			Description: fmt.Sprintf("entity registration failed for %s", entityID),
			Details:     map[string]interface{}{"error": err.Error()},
			EntityID:    entityID,
			Component:   component,
		})
		return nil, nil, fmt.Errorf("certificate issuance failed: %w", err)
	}
	e.CertificateFingerprint = cert.Fingerprint
	c.entities.Put(e)
	c.metrics.registrations.Inc()

	c.eventLog.Log(ctx, events.Entry{
		Type:        events.EventConfigurationChange,
		Severity:    events.SeverityInfo,
		Description: fmt.Sprintf("entity %s registered", entityID),
		Details: map[string]interface{}{
			"entity_type":             string(entityType),
			"certificate_fingerprint": cert.Fingerprint,
		},
		EntityID:  entityID,
		Component: component,
	})
	return e, cert, nil
}

// AuthResult is the structured outcome of authenticate_entity. Failure
// reasons are deliberately generic; internal logs carry specifics.
type AuthResult struct {
	Authenticated bool              `json:"authenticated"`
	SessionID     string            `json:"session_id,omitempty"`
	Token         string            `json:"token,omitempty"`
	TrustLevel    entity.TrustLevel `json:"trust_level,omitempty"`
	Reason        string            `json:"reason,omitempty"`
}

// AuthenticateEntity checks credentials, re-evaluates trust and issues a
// session token. Exactly one security event is logged per call.
func (c *Controller) AuthenticateEntity(ctx context.Context, entityID, credentials, sourceIP, userAgent string) *AuthResult {
	if c.CurrentState() == StateLockdown {
		c.metrics.authAttempts.WithLabelValues("lockdown").Inc()
		c.eventLog.Log(ctx, events.Entry{
			Type:        events.EventAuthentication,
			Severity:    events.SeverityWarning,
			Description: fmt.Sprintf("authentication rejected during lockdown for %s", entityID),
			EntityID:    entityID,
			SourceIP:    sourceIP,
			Component:   component,
		})
		return &AuthResult{Reason: "system is in emergency lockdown"}
	}

	e := c.entities.Get(entityID)
	if e == nil || e.Quarantined {
		// Same response as wrong credentials so entity ids cannot be
		// enumerated.
		c.metrics.authAttempts.WithLabelValues("failure").Inc()
		c.eventLog.Log(ctx, events.Entry{
			Type:        events.EventAuthentication,
			Severity:    events.SeverityWarning,
			Description: fmt.Sprintf("authentication failed for %s", entityID),
			Details:     map[string]interface{}{"unknown_or_quarantined": true},
			EntityID:    entityID,
			SourceIP:    sourceIP,
			Component:   component,
		})
		return &AuthResult{Reason: "authentication failed"}
	}

	// Score the entity as if this credential check succeeds (full
	// recency credit); the result is only stored once it actually does.
	now := time.Now()
	eval := c.evaluator.Evaluate(e, trust.Context{
		CertificateValid:  e.CertificateFingerprint != "",
		LastVerified:      now,
		BehaviorScore:     c.baseline.Score(entityID, sourceIP, now),
		SourceIP:          sourceIP,
		DeviceFingerprint: trust.DeviceFingerprint(userAgent, ""),
	})
	c.metrics.trustEvaluations.Inc()

	res, err := c.sessions.Authenticate(ctx, entityID, credentials, sourceIP, userAgent, eval.Level, false)
	if err != nil {
		// The failed attempt still re-scores the entity with its real
		// (possibly stale) verification time.
		c.applyEvaluation(e.ID, c.evaluateTrust(e, sourceIP, userAgent), false)
		return c.authFailure(ctx, entityID, sourceIP, err)
	}

	c.applyEvaluation(e.ID, eval, true)
	c.baseline.Record(entityID, sourceIP, now)

	c.metrics.authAttempts.WithLabelValues("success").Inc()
	c.metrics.activeSessions.Set(float64(c.sessions.ActiveSessions()))
	c.metrics.activeTokens.Set(float64(c.sessions.ActiveTokens()))

	c.eventLog.Log(ctx, events.Entry{
		Type:        events.EventAuthentication,
		Severity:    events.SeverityInfo,
		Description: fmt.Sprintf("entity %s authenticated", entityID),
		Details: map[string]interface{}{
			"session_id":  res.Session.ID,
			"trust_level": eval.Level.String(),
			"risk_score":  eval.RiskScore,
		},
		EntityID:  entityID,
		SourceIP:  sourceIP,
		Component: component,
	})

	return &AuthResult{
		Authenticated: true,
		SessionID:     res.Session.ID,
		Token:         res.Token,
		TrustLevel:    eval.Level,
	}
}

func (c *Controller) authFailure(ctx context.Context, entityID, sourceIP string, err error) *AuthResult {
	switch {
	case errors.Is(err, session.ErrAccountLocked):
		c.metrics.authAttempts.WithLabelValues("locked").Inc()
		c.eventLog.Log(ctx, events.Entry{
			Type:        events.EventAuthentication,
			Severity:    events.SeverityWarning,
			Description: fmt.Sprintf("authentication rejected, account locked: %s", entityID),
			EntityID:    entityID,
			SourceIP:    sourceIP,
			Component:   component,
		})
		return &AuthResult{Reason: "account locked"}
	case errors.Is(err, session.ErrProviderTimeout):
		c.metrics.authAttempts.WithLabelValues("provider_timeout").Inc()
		c.eventLog.Log(ctx, events.Entry{
			Type:        events.EventAuthentication,
			Severity:    events.SeverityError,
			Description: "identity provider timed out during credential validation",
			Details:     map[string]interface{}{"idp_timeout": true},
			EntityID:    entityID,
			SourceIP:    sourceIP,
			Component:   component,
		})
		return &AuthResult{Reason: "authentication failed"}
	default:
		c.metrics.authAttempts.WithLabelValues("failure").Inc()
		c.eventLog.Log(ctx, events.Entry{
			Type:        events.EventAuthentication,
			Severity:    events.SeverityWarning,
			Description: fmt.Sprintf("authentication failed for %s", entityID),
			EntityID:    entityID,
			SourceIP:    sourceIP,
			Component:   component,
		})
		return &AuthResult{Reason: "authentication failed"}
	}
}

// AuthorizeRequest is one access request presented to authorize_access.
type AuthorizeRequest struct {
	Token       string
	Resource    string
	Action      string
	SourceIP    string
	NetworkZone string
}

// AuthzResult is the structured outcome of authorize_access.
type AuthzResult struct {
	Allowed  bool   `json:"allowed"`
	Action   string `json:"action,omitempty"`
	PolicyID string `json:"policy_id,omitempty"`
	Reason   string `json:"reason"`
}

// AuthorizeAccess validates the presented token and evaluates the
// request against the policy set. During lockdown only VERIFIED tokens
// carrying the override permission proceed. Exactly one security event
// is logged per call.
func (c *Controller) AuthorizeAccess(ctx context.Context, req AuthorizeRequest) *AuthzResult {
	claims, err := c.sessions.ValidateToken(req.Token, "")
	if err != nil {
		c.metrics.authzDecisions.WithLabelValues("deny").Inc()
		c.eventLog.Log(ctx, events.Entry{
			Type:        events.EventAccessDenied,
			Severity:    events.SeverityWarning,
			Description: fmt.Sprintf("access denied to %s: invalid token", req.Resource),
			Details:     map[string]interface{}{"resource": req.Resource, "action": req.Action},
			SourceIP:    req.SourceIP,
			Component:   component,
		})
		return &AuthzResult{Reason: "invalid token"}
	}

	if c.CurrentState() == StateLockdown && !c.overrides(claims) {
		c.mu.RLock()
		reason := c.lockdownReason
		c.mu.RUnlock()
		c.metrics.authzDecisions.WithLabelValues("deny").Inc()
		c.eventLog.Log(ctx, events.Entry{
			Type:        events.EventAccessDenied,
			Severity:    events.SeverityWarning,
			Description: fmt.Sprintf("access denied to %s: lockdown active", req.Resource),
			Details:     map[string]interface{}{"lockdown_reason": reason},
			EntityID:    claims.EntityID,
			SourceIP:    req.SourceIP,
			Component:   component,
		})
		return &AuthzResult{Reason: "emergency lockdown: " + reason}
	}

	e := c.entities.Get(claims.EntityID)
	policyReq := policy.Request{
		EntityID:    claims.EntityID,
		TrustLevel:  claims.TrustLevel,
		Resource:    req.Resource,
		Action:      req.Action,
		SourceIP:    req.SourceIP,
		NetworkZone: req.NetworkZone,
		Time:        time.Now(),
	}
	if e != nil {
		policyReq.EntityType = e.Type
		// The live evaluation may have decayed below the level frozen in
		// the token; the stricter of the two applies.
		if e.TrustLevel < policyReq.TrustLevel {
			policyReq.TrustLevel = e.TrustLevel
		}
	}

	decision := c.policies.Evaluate(policyReq)
	c.metrics.authzDecisions.WithLabelValues(string(decision.Action)).Inc()

	if decision.Allowed() {
		c.eventLog.Log(ctx, events.Entry{
			Type:        events.EventAuthorization,
			Severity:    events.SeverityInfo,
			Description: fmt.Sprintf("access granted to %s for %s", req.Resource, claims.EntityID),
			Details: map[string]interface{}{
				"resource":  req.Resource,
				"action":    req.Action,
				"policy_id": decision.PolicyID,
			},
			EntityID:  claims.EntityID,
			SourceIP:  req.SourceIP,
			Component: component,
		})
	} else {
		c.eventLog.Log(ctx, events.Entry{
			Type:        events.EventAccessDenied,
			Severity:    events.SeverityWarning,
			Description: fmt.Sprintf("access denied to %s for %s", req.Resource, claims.EntityID),
			Details: map[string]interface{}{
				"resource":  req.Resource,
				"action":    req.Action,
				"policy_id": decision.PolicyID,
				"reason":    decision.Reason,
			},
			EntityID:  claims.EntityID,
			SourceIP:  req.SourceIP,
			Component: component,
		})
	}

	return &AuthzResult{
		Allowed:  decision.Allowed(),
		Action:   string(decision.Action),
		PolicyID: decision.PolicyID,
		Reason:   decision.Reason,
	}
}

// ValidateToken verifies a token, optionally requiring a permission.
func (c *Controller) ValidateToken(token, requiredPermission string) (*session.Claims, error) {
	return c.sessions.ValidateToken(token, requiredPermission)
}

// overrides reports whether the claims carry the lockdown override:
// VERIFIED tier plus the explicit override permission.
func (c *Controller) overrides(claims *session.Claims) bool {
	return claims.TrustLevel >= entity.TrustLevelVerified && claims.HasPermission(PermOverride)
}

// InitiateLockdown moves the controller to LOCKDOWN. The caller must
// present a VERIFIED-tier token carrying the lockdown permission. Every
// live token below the override tier is revoked.
func (c *Controller) InitiateLockdown(ctx context.Context, token, reason, initiatedBy string) error {
	claims, err := c.sessions.ValidateToken(token, PermLockdown)
	if err != nil || claims.TrustLevel < entity.TrustLevelVerified {
		c.eventLog.Log(ctx, events.Entry{
			Type:        events.EventPrivilegeEscalation,
			Severity:    events.SeverityCritical,
			Description: "lockdown initiation rejected: insufficient privilege",
			Details:     map[string]interface{}{"initiated_by": initiatedBy},
			Component:   component,
		})
		return fmt.Errorf("lockdown requires a verified emergency token")
	}

	c.mu.Lock()
	if c.state == StateLockdown {
		c.mu.Unlock()
		return nil
	}
	c.state = StateLockdown
	c.lockdownReason = reason
	c.lockdownBy = initiatedBy
	c.lockdownAt = time.Now()
	c.mu.Unlock()

	revoked := c.sessions.RevokeBelow(entity.TrustLevelVerified, "emergency lockdown")
	c.metrics.lockdownEngaged.Inc()
	c.metrics.activeTokens.Set(float64(c.sessions.ActiveTokens()))

	c.eventLog.Log(ctx, events.Entry{
		Type:        events.EventEmergencyLockdown,
		Severity:    events.SeverityCritical,
		Description: fmt.Sprintf("emergency lockdown initiated: %s", reason),
		Details: map[string]interface{}{
			"initiated_by":   initiatedBy,
			"tokens_revoked": revoked,
		},
		EntityID:  claims.EntityID,
		Component: component,
	})

	c.logger.WithFields(log.Fields{
		"reason":         reason,
		"initiated_by":   initiatedBy,
		"tokens_revoked": revoked,
	}).Error("EMERGENCY LOCKDOWN INITIATED")
	return nil
}

// LiftLockdown returns the controller to OPERATIONAL. Same privilege
// requirement as initiation.
func (c *Controller) LiftLockdown(ctx context.Context, token, reason, liftedBy string) error {
	claims, err := c.sessions.ValidateToken(token, PermLockdown)
	if err != nil || claims.TrustLevel < entity.TrustLevelVerified {
		c.eventLog.Log(ctx, events.Entry{
			Type:        events.EventPrivilegeEscalation,
			Severity:    events.SeverityCritical,
			Description: "lockdown lift rejected: insufficient privilege",
			Details:     map[string]interface{}{"lifted_by": liftedBy},
			Component:   component,
		})
		return fmt.Errorf("lifting lockdown requires a verified emergency token")
	}

	c.mu.Lock()
	if c.state != StateLockdown {
		c.mu.Unlock()
		return nil
	}
	c.state = StateOperational
	duration := time.Since(c.lockdownAt)
	initiatedBy := c.lockdownBy
	c.lockdownReason = ""
	c.lockdownBy = ""
	c.mu.Unlock()

	c.eventLog.Log(ctx, events.Entry{
		Type:        events.EventEmergencyLockdown,
		Severity:    events.SeverityWarning,
		Description: fmt.Sprintf("emergency lockdown lifted: %s", reason),
		Details: map[string]interface{}{
			"lifted_by":         liftedBy,
			"initiated_by":      initiatedBy,
			"lockdown_duration": duration.String(),
		},
		EntityID:  claims.EntityID,
		Component: component,
	})

	c.logger.WithFields(log.Fields{
		"reason":    reason,
		"lifted_by": liftedBy,
		"duration":  duration,
	}).Warn("Emergency lockdown lifted")
	return nil
}

// CurrentState returns the controller's operating state.
func (c *Controller) CurrentState() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// SecurityStatus is the snapshot returned by get_security_status.
type SecurityStatus struct {
	State            string    `json:"state"`
	Lockdown         bool      `json:"lockdown"`
	LockdownReason   string    `json:"lockdown_reason,omitempty"`
	LockdownBy       string    `json:"lockdown_by,omitempty"`
	LockdownSince    time.Time `json:"lockdown_since,omitempty"`
	RegisteredCount  int       `json:"registered_entities"`
	ActiveSessions   int       `json:"active_sessions"`
	ActiveTokens     int       `json:"active_tokens"`
	RecentAlertCount int       `json:"recent_alert_count"`
}

// SecurityStatus reports the current security posture.
func (c *Controller) SecurityStatus() *SecurityStatus {
	c.mu.RLock()
	status := &SecurityStatus{
		State:          c.state.String(),
		Lockdown:       c.state == StateLockdown,
		LockdownReason: c.lockdownReason,
		LockdownBy:     c.lockdownBy,
	}
	if c.state == StateLockdown {
		status.LockdownSince = c.lockdownAt
	}
	c.mu.RUnlock()

	status.RegisteredCount = c.entities.Count()
	status.ActiveSessions = c.sessions.ActiveSessions()
	status.ActiveTokens = c.sessions.ActiveTokens()
	status.RecentAlertCount = c.eventLog.RecentAlertCount(statusWindow)
	return status
}

// evaluateTrust builds the evaluation context for a request.
func (c *Controller) evaluateTrust(e *entity.Entity, sourceIP, userAgent string) trust.Evaluation {
	c.metrics.trustEvaluations.Inc()
	return c.evaluator.Evaluate(e, trust.Context{
		CertificateValid:  e.CertificateFingerprint != "",
		LastVerified:      e.LastVerified,
		BehaviorScore:     c.baseline.Score(e.ID, sourceIP, time.Now()),
		SourceIP:          sourceIP,
		DeviceFingerprint: trust.DeviceFingerprint(userAgent, ""),
	})
}

// applyEvaluation stores the recomputed trust fields. verified marks a
// successful credential check and refreshes the verification timestamp.
func (c *Controller) applyEvaluation(entityID string, eval trust.Evaluation, verified bool) {
	c.entities.Update(entityID, func(e *entity.Entity) {
		e.TrustLevel = eval.Level
		e.RiskScore = eval.RiskScore
		if verified {
			e.LastVerified = time.Now()
		}
	})
}

// Start launches the background sweeps: token/session expiry, continuous
// trust re-verification and event retention.
func (c *Controller) Start() {
	c.t.Go(c.sessionSweepLoop)
	c.t.Go(c.reverifyLoop)
	c.t.Go(c.retentionLoop)
}

// Stop cancels the background sweeps and waits for them to exit.
func (c *Controller) Stop() error {
	c.t.Kill(nil)
	return c.t.Wait()
}

func (c *Controller) sessionSweepLoop() error {
	interval := c.cfg.Sessions.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.t.Dying():
			return nil
		case <-ticker.C:
			ctx := c.t.Context(nil)
			tokens, sessions := c.sessions.SweepExpired(ctx)
			if tokens > 0 || sessions > 0 {
				c.logger.WithFields(log.Fields{
					"expired_tokens":   tokens,
					"expired_sessions": sessions,
				}).Debug("Session sweep completed")
			}
			c.metrics.activeSessions.Set(float64(c.sessions.ActiveSessions()))
			c.metrics.activeTokens.Set(float64(c.sessions.ActiveTokens()))
		}
	}
}

// reverifyLoop re-evaluates entities whose verification is stale. Trust
// decays rather than persisting indefinitely.
func (c *Controller) reverifyLoop() error {
	interval := c.cfg.Trust.ReverifyInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.t.Dying():
			return nil
		case <-ticker.C:
			now := time.Now()
			for _, e := range c.entities.List() {
				if !c.evaluator.NeedsReverification(e, now) {
					continue
				}
				eval := c.evaluator.Evaluate(e, trust.Context{
					CertificateValid: e.CertificateFingerprint != "",
					LastVerified:     e.LastVerified,
					BehaviorScore:    -1,
					Now:              now,
				})
				c.applyEvaluation(e.ID, eval, false)
				c.metrics.reverifiedEntities.Inc()
			}
		}
	}
}

func (c *Controller) retentionLoop() error {
	interval := c.cfg.Events.SweepInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.t.Dying():
			return nil
		case <-ticker.C:
			ctx := c.t.Context(nil)
			purged, err := c.eventLog.PurgeExpired(ctx)
			if err != nil {
				c.logger.WithError(err).Warn("Event retention sweep failed")
				continue
			}
			if purged > 0 {
				c.logger.WithField("purged", purged).Info("Event retention sweep completed")
			}
		}
	}
}
