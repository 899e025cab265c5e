// Package policy implements deterministic policy evaluation for access
// requests. Policies are ordered by ascending priority; the first match
// wins and no request ever leaves without exactly one decision.
package policy

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ztsec/zerotrust-core/pkg/entity"
)

// Action is one of the actions a policy may carry.
type Action string

const (
	ActionAllow       Action = "allow"
	ActionDeny        Action = "deny"
	ActionChallenge   Action = "challenge"
	ActionMonitor     Action = "monitor"
	ActionRequireMTLS Action = "require_mtls"
)

// DefaultDenyID is the id of the implicit last-resort policy. It is always
// present, cannot be disabled, and matches every request.
const DefaultDenyID = "default_deny"

// Request is an access request as seen by the engine.
type Request struct {
	EntityID    string
	EntityType  entity.EntityType
	TrustLevel  entity.TrustLevel
	Resource    string
	Action      string
	SourceIP    string
	NetworkZone string
	Time        time.Time
}

// Decision is the single outcome of evaluating a request.
type Decision struct {
	Action   Action
	PolicyID string
	Reason   string
}

// Allowed reports whether the decision permits access outright.
func (d Decision) Allowed() bool {
	return d.Action == ActionAllow || d.Action == ActionMonitor
}

// Condition is one clause of a policy. Conditions referencing a field the
// request does not carry never match.
type Condition interface {
	Matches(req Request) bool
	describe() string
}

// TrustLevelAtLeast matches requests whose entity trust is at or above the
// given level.
type TrustLevelAtLeast struct {
	Level entity.TrustLevel
}

func (c TrustLevelAtLeast) Matches(req Request) bool {
	return req.TrustLevel >= c.Level
}

func (c TrustLevelAtLeast) describe() string {
	return fmt.Sprintf("trust>=%s", c.Level)
}

// EntityTypeIn matches requests from any of the listed entity types.
type EntityTypeIn struct {
	Types []entity.EntityType
}

func (c EntityTypeIn) Matches(req Request) bool {
	if req.EntityType == "" {
		return false
	}
	for _, t := range c.Types {
		if req.EntityType == t {
			return true
		}
	}
	return false
}

func (c EntityTypeIn) describe() string {
	parts := make([]string, len(c.Types))
	for i, t := range c.Types {
		parts[i] = string(t)
	}
	return "type in {" + strings.Join(parts, ",") + "}"
}

// ResourceMatches matches the request resource against an anchored
// regular expression.
type ResourceMatches struct {
	re *regexp.Regexp
}

// NewResourceMatches compiles the pattern, anchoring it so a partial match
// cannot bypass the policy.
func NewResourceMatches(pattern string) (ResourceMatches, error) {
	if !strings.HasPrefix(pattern, "^") {
		pattern = "^" + pattern
	}
	if !strings.HasSuffix(pattern, "$") {
		pattern = pattern + "$"
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return ResourceMatches{}, fmt.Errorf("invalid resource pattern: %w", err)
	}
	return ResourceMatches{re: re}, nil
}

// MustResourceMatches is NewResourceMatches for static patterns.
func MustResourceMatches(pattern string) ResourceMatches {
	c, err := NewResourceMatches(pattern)
	if err != nil {
		panic(err)
	}
	return c
}

func (c ResourceMatches) Matches(req Request) bool {
	if req.Resource == "" || c.re == nil {
		return false
	}
	return c.re.MatchString(req.Resource)
}

func (c ResourceMatches) describe() string {
	if c.re == nil {
		return "resource~<nil>"
	}
	return "resource~" + c.re.String()
}

// TimeWindow matches requests whose hour-of-day falls in [Start, End).
// A window with Start > End wraps midnight.
type TimeWindow struct {
	Start int
	End   int
}

func (c TimeWindow) Matches(req Request) bool {
	if req.Time.IsZero() {
		return false
	}
	h := req.Time.Hour()
	if c.Start <= c.End {
		return h >= c.Start && h < c.End
	}
	return h >= c.Start || h < c.End
}

func (c TimeWindow) describe() string {
	return fmt.Sprintf("hour in [%d,%d)", c.Start, c.End)
}

// NetworkZoneIs matches a named network zone.
type NetworkZoneIs struct {
	Zone string
}

func (c NetworkZoneIs) Matches(req Request) bool {
	return req.NetworkZone != "" && req.NetworkZone == c.Zone
}

func (c NetworkZoneIs) describe() string {
	return "zone=" + c.Zone
}

// Default matches every request. Only the default-deny policy uses it.
type Default struct{}

func (Default) Matches(Request) bool { return true }
func (Default) describe() string     { return "default" }

// Policy is a named, prioritized rule. Lower priority evaluates first.
type Policy struct {
	ID         string
	Name       string
	Conditions []Condition
	Actions    []Action
	Priority   int
	Enabled    bool
}

// matches reports whether all conditions hold for the request.
func (p *Policy) matches(req Request) bool {
	for _, c := range p.Conditions {
		if !c.Matches(req) {
			return false
		}
	}
	return true
}

// effectiveAction resolves a multi-action policy to a single decision:
// deny beats challenge beats allow beats monitor.
func (p *Policy) effectiveAction() Action {
	precedence := []Action{ActionDeny, ActionChallenge, ActionAllow, ActionMonitor}
	for _, want := range precedence {
		for _, a := range p.Actions {
			if a == want {
				return a
			}
		}
	}
	return ActionDeny
}

// Engine evaluates requests against the ordered policy set.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*Policy
	ordered  []*Policy // sorted by ascending priority, rebuilt on change
}

// NewEngine creates an engine seeded with the default-deny policy.
func NewEngine() *Engine {
	e := &Engine{policies: make(map[string]*Policy)}
	e.policies[DefaultDenyID] = &Policy{
		ID:         DefaultDenyID,
		Name:       "Default Deny",
		Conditions: []Condition{Default{}},
		Actions:    []Action{ActionDeny},
		Priority:   math.MaxInt32,
		Enabled:    true,
	}
	e.rebuild()
	return e
}

// AddPolicy registers or replaces a policy. The default-deny policy cannot
// be replaced.
func (e *Engine) AddPolicy(p *Policy) error {
	if p.ID == "" {
		return fmt.Errorf("policy id is required")
	}
	if p.ID == DefaultDenyID {
		return fmt.Errorf("policy %s is reserved", DefaultDenyID)
	}
	if len(p.Actions) == 0 {
		return fmt.Errorf("policy %s has no actions", p.ID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.policies[p.ID] = p
	e.rebuild()
	return nil
}

// SetEnabled toggles a policy at runtime.
func (e *Engine) SetEnabled(id string, enabled bool) error {
	if id == DefaultDenyID && !enabled {
		return fmt.Errorf("policy %s cannot be disabled", DefaultDenyID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.policies[id]
	if !ok {
		return fmt.Errorf("unknown policy: %s", id)
	}
	p.Enabled = enabled
	e.rebuild()
	return nil
}

// Policies returns a snapshot of all registered policies sorted by
// priority.
func (e *Engine) Policies() []*Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Policy, len(e.ordered))
	copy(out, e.ordered)
	return out
}

// Evaluate matches the request against enabled policies in ascending
// priority order and returns the first match's decision. The default-deny
// policy guarantees a match.
func (e *Engine) Evaluate(req Request) Decision {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, p := range e.ordered {
		if !p.Enabled {
			continue
		}
		if !p.matches(req) {
			continue
		}
		action := p.effectiveAction()
		return Decision{
			Action:   action,
			PolicyID: p.ID,
			Reason:   reasonFor(p, action),
		}
	}

	// Unreachable while default_deny exists; kept so the engine can never
	// fail open.
	return Decision{
		Action:   ActionDeny,
		PolicyID: DefaultDenyID,
		Reason:   "no policy matched",
	}
}

func (e *Engine) rebuild() {
	ordered := make([]*Policy, 0, len(e.policies))
	for _, p := range e.policies {
		ordered = append(ordered, p)
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority < ordered[j].Priority
		}
		return ordered[i].ID < ordered[j].ID
	})
	e.ordered = ordered
}

func reasonFor(p *Policy, action Action) string {
	if p.ID == DefaultDenyID {
		return "no policy matched; default deny"
	}
	descs := make([]string, len(p.Conditions))
	for i, c := range p.Conditions {
		descs[i] = c.describe()
	}
	return fmt.Sprintf("policy %q (%s): %s", p.Name, strings.Join(descs, " and "), action)
}
