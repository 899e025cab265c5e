// Package idp defines the external identity provider boundary. The core
// only needs a yes/no answer plus the role and permission snapshot; how
// credentials are actually checked belongs to the host environment.
package idp

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"sync"
)

// Result is the provider's answer for one credential check.
type Result struct {
	Valid       bool
	Role        string
	Permissions []string
}

// Provider validates credentials for an entity. Implementations must
// honor ctx cancellation; callers bound every check with a deadline and
// treat expiry as authentication failure.
type Provider interface {
	Validate(ctx context.Context, entityID, credentials string) (Result, error)
}

type account struct {
	credentialHash [32]byte
	role           string
	permissions    []string
}

// MemoryProvider is an in-process provider backed by registered
// accounts. It stores only credential digests.
type MemoryProvider struct {
	mu       sync.RWMutex
	accounts map[string]account
}

func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{accounts: make(map[string]account)}
}

// Register creates or replaces an account.
func (p *MemoryProvider) Register(entityID, credentials, role string, permissions []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accounts[entityID] = account{
		credentialHash: sha256.Sum256([]byte(credentials)),
		role:           role,
		permissions:    append([]string(nil), permissions...),
	}
}

// Validate checks the supplied credentials in constant time against the
// stored digest. Unknown entities and wrong credentials are both plain
// invalid results, not errors.
func (p *MemoryProvider) Validate(ctx context.Context, entityID, credentials string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("identity provider unavailable: %w", err)
	}

	p.mu.RLock()
	acct, ok := p.accounts[entityID]
	p.mu.RUnlock()
	if !ok {
		return Result{}, nil
	}

	supplied := sha256.Sum256([]byte(credentials))
	if subtle.ConstantTimeCompare(supplied[:], acct.credentialHash[:]) != 1 {
		return Result{}, nil
	}

	return Result{
		Valid:       true,
		Role:        acct.role,
		Permissions: append([]string(nil), acct.permissions...),
	}, nil
}
