package session

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ztsec/zerotrust-core/config"
	"github.com/ztsec/zerotrust-core/pkg/entity"
)

// ErrTokenInvalid covers every terminal token failure: bad signature,
// expiry, revocation and a missing parent session. Callers get one
// opaque result so a forger cannot learn which check failed; internal
// logs carry the specifics.
var ErrTokenInvalid = errors.New("token invalid")

// ErrInsufficientPermission is returned when a valid token lacks the
// required permission.
var ErrInsufficientPermission = errors.New("insufficient permission")

// Claims is the decoded payload of an access token.
type Claims struct {
	TokenID     string             `json:"jti"`
	EntityID    string             `json:"entity_id"`
	SessionID   string             `json:"session_id"`
	Role        string             `json:"role"`
	TrustLevel  entity.TrustLevel  `json:"trust_level"`
	Permissions []string           `json:"permissions"`
	IssuedAt    time.Time          `json:"iat"`
	ExpiresAt   time.Time          `json:"exp"`
	SourceIP    string             `json:"source_ip"`
	MFAVerified bool               `json:"mfa"`
}

// HasPermission reports membership in the token's permission snapshot.
func (c *Claims) HasPermission(perm string) bool {
	for _, p := range c.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// tokenService signs and verifies access tokens with an HMAC secret
// generated once at process startup.
type tokenService struct {
	secret []byte
	cfg    config.TokenConfig
}

func newTokenService(cfg config.TokenConfig) (*tokenService, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate token signing secret: %w", err)
	}
	return &tokenService{secret: secret, cfg: cfg}, nil
}

func (t *tokenService) sign(c *Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"jti":         c.TokenID,
		"iss":         t.cfg.Issuer,
		"entity_id":   c.EntityID,
		"session_id":  c.SessionID,
		"role":        c.Role,
		"trust_level": int(c.TrustLevel),
		"permissions": c.Permissions,
		"iat":         c.IssuedAt.Unix(),
		"exp":         c.ExpiresAt.Unix(),
		"source_ip":   c.SourceIP,
		"mfa":         c.MFAVerified,
	})
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// verify checks the signature and expiry and decodes the claims. All
// failures map to ErrTokenInvalid.
func (t *tokenService) verify(tokenString string) (*Claims, error) {
	parsed, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return nil, ErrTokenInvalid
	}

	mc, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrTokenInvalid
	}

	claims := &Claims{
		TokenID:     stringClaim(mc, "jti"),
		EntityID:    stringClaim(mc, "entity_id"),
		SessionID:   stringClaim(mc, "session_id"),
		Role:        stringClaim(mc, "role"),
		SourceIP:    stringClaim(mc, "source_ip"),
		MFAVerified: boolClaim(mc, "mfa"),
	}
	if lvl, ok := mc["trust_level"].(float64); ok {
		claims.TrustLevel = entity.TrustLevel(int(lvl))
	}
	if perms, ok := mc["permissions"].([]interface{}); ok {
		for _, p := range perms {
			if s, ok := p.(string); ok {
				claims.Permissions = append(claims.Permissions, s)
			}
		}
	}
	if iat, ok := mc["iat"].(float64); ok {
		claims.IssuedAt = time.Unix(int64(iat), 0)
	}
	if exp, ok := mc["exp"].(float64); ok {
		claims.ExpiresAt = time.Unix(int64(exp), 0)
	}
	if claims.TokenID == "" || claims.SessionID == "" {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

func stringClaim(mc jwt.MapClaims, key string) string {
	s, _ := mc[key].(string)
	return s
}

func boolClaim(mc jwt.MapClaims, key string) bool {
	b, _ := mc[key].(bool)
	return b
}

func newTokenID() string {
	return uuid.NewString()
}

// RevocationStore is the shared revoked-token set. Entries only need to
// outlive the token's own expiry.
type RevocationStore interface {
	Revoke(tokenID, reason string, ttl time.Duration) error
	IsRevoked(tokenID string) (bool, error)
	Close() error
}

// MemoryRevocations keeps the revoked set in process memory.
type MemoryRevocations struct {
	mu      sync.RWMutex
	revoked map[string]time.Time // token id -> entry expiry
}

func NewMemoryRevocations() *MemoryRevocations {
	return &MemoryRevocations{revoked: make(map[string]time.Time)}
}

func (m *MemoryRevocations) Revoke(tokenID, _ string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked[tokenID] = time.Now().Add(ttl)
	return nil
}

func (m *MemoryRevocations) IsRevoked(tokenID string) (bool, error) {
	m.mu.RLock()
	expiry, ok := m.revoked[tokenID]
	m.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if time.Now().After(expiry) {
		m.mu.Lock()
		delete(m.revoked, tokenID)
		m.mu.Unlock()
		return false, nil
	}
	return true, nil
}

func (m *MemoryRevocations) Close() error { return nil }

// RedisRevocations shares the revoked set across nodes. A revoked token
// is a key with the token's remaining lifetime as TTL; Redis expiry then
// garbage-collects it.
type RedisRevocations struct {
	client    *redis.Client
	keyPrefix string
	timeout   time.Duration
}

func NewRedisRevocations(cfg config.RedisConfig) (*RedisRevocations, error) {
	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "zerotrust:"
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &RedisRevocations{client: client, keyPrefix: keyPrefix, timeout: timeout}, nil
}

func (r *RedisRevocations) key(tokenID string) string {
	return r.keyPrefix + "revoked:" + tokenID
}

func (r *RedisRevocations) Revoke(tokenID, reason string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if ttl <= 0 {
		ttl = time.Minute
	}
	if err := r.client.Set(ctx, r.key(tokenID), reason, ttl).Err(); err != nil {
		return fmt.Errorf("failed to record revocation: %w", err)
	}
	return nil
}

func (r *RedisRevocations) IsRevoked(tokenID string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	_, err := r.client.Get(ctx, r.key(tokenID)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		// Fail closed: an unreachable revocation store invalidates the
		// token rather than honoring a possibly revoked one.
		return true, fmt.Errorf("failed to check revocation: %w", err)
	}
	return true, nil
}

func (r *RedisRevocations) Close() error {
	return r.client.Close()
}
