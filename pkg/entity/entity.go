// Package entity defines the principals tracked by the zero-trust core.
package entity

import (
	"sync"
	"time"
)

// EntityType classifies a principal under zero-trust control.
type EntityType string

const (
	TypeUser     EntityType = "user"
	TypeDevice   EntityType = "device"
	TypeService  EntityType = "service"
	TypeAIModule EntityType = "ai_module"
)

// TrustLevel represents the discrete trust banding of an entity.
type TrustLevel int

const (
	TrustLevelUntrusted TrustLevel = iota
	TrustLevelLow
	TrustLevelMedium
	TrustLevelHigh
	TrustLevelVerified
)

// String returns string representation of TrustLevel
func (tl TrustLevel) String() string {
	switch tl {
	case TrustLevelUntrusted:
		return "untrusted"
	case TrustLevelLow:
		return "low"
	case TrustLevelMedium:
		return "medium"
	case TrustLevelHigh:
		return "high"
	case TrustLevelVerified:
		return "verified"
	default:
		return "unknown"
	}
}

// ParseTrustLevel maps the wire representation back to a TrustLevel.
// Unknown strings map to TrustLevelUntrusted (fail closed).
func ParseTrustLevel(s string) TrustLevel {
	switch s {
	case "low":
		return TrustLevelLow
	case "medium":
		return TrustLevelMedium
	case "high":
		return TrustLevelHigh
	case "verified":
		return TrustLevelVerified
	default:
		return TrustLevelUntrusted
	}
}

// Entity represents a registered principal. Trust fields are recomputed
// together by the evaluator; callers must not set RiskScore or TrustLevel
// independently.
type Entity struct {
	ID                     string                 `json:"entity_id"`
	Type                   EntityType             `json:"entity_type"`
	IPAddresses            []string               `json:"ip_addresses"`
	CertificateFingerprint string                 `json:"certificate_fingerprint,omitempty"`
	TrustLevel             TrustLevel             `json:"trust_level"`
	RiskScore              float64                `json:"risk_score"`
	LastVerified           time.Time              `json:"last_verified,omitempty"`
	Quarantined            bool                   `json:"quarantined"`
	Attributes             map[string]interface{} `json:"attributes"`
	CreatedAt              time.Time              `json:"created_at"`
}

// clone returns a deep copy. The store hands copies to readers so they
// never share mutable state with concurrent updates.
func (e *Entity) clone() *Entity {
	cp := *e
	cp.IPAddresses = append([]string(nil), e.IPAddresses...)
	if e.Attributes != nil {
		cp.Attributes = make(map[string]interface{}, len(e.Attributes))
		for k, v := range e.Attributes {
			cp.Attributes[k] = v
		}
	}
	return &cp
}

// HasIP reports whether ip is one of the entity's registered addresses.
func (e *Entity) HasIP(ip string) bool {
	for _, known := range e.IPAddresses {
		if known == ip {
			return true
		}
	}
	return false
}

// Store is an in-memory registry of entities. Entities are never removed;
// quarantine is the terminal state requiring manual reinstatement.
type Store struct {
	mu       sync.RWMutex
	entities map[string]*Entity
}

// NewStore creates an empty entity registry.
func NewStore() *Store {
	return &Store{entities: make(map[string]*Entity)}
}

// Put stores a copy of the entity, replacing any previous registration.
func (s *Store) Put(e *Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[e.ID] = e.clone()
}

// Get returns a snapshot of the entity with the given id, or nil. All
// mutation goes through Update; the snapshot never aliases stored state.
func (s *Store) Get(id string) *Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[id]
	if !ok {
		return nil
	}
	return e.clone()
}

// Update applies fn to the entity under the store lock, serializing all
// mutations to a given entity. It returns false if the entity is unknown.
func (s *Store) Update(id string, fn func(*Entity)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[id]
	if !ok {
		return false
	}
	fn(e)
	return true
}

// List returns snapshots of all entities. Background sweeps iterate the
// snapshot instead of holding the store lock.
func (s *Store) List() []*Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Entity, 0, len(s.entities))
	for _, e := range s.entities {
		out = append(out, e.clone())
	}
	return out
}

// Count returns the number of registered entities.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entities)
}
