package policy_test

import (
	"testing"
	"time"

	"github.com/ztsec/zerotrust-core/pkg/entity"
	"github.com/ztsec/zerotrust-core/pkg/policy"
)

func TestDefaultDeny(t *testing.T) {
	engine := policy.NewEngine()

	decision := engine.Evaluate(policy.Request{
		EntityID:   "svc-1",
		EntityType: entity.TypeService,
		TrustLevel: entity.TrustLevelHigh,
		Resource:   "/admin/secrets",
		Action:     "read",
		Time:       time.Now(),
	})

	if decision.Allowed() {
		t.Error("Expected deny with no policies loaded")
	}
	if decision.PolicyID != policy.DefaultDenyID {
		t.Errorf("Expected policy_id %q, got %q", policy.DefaultDenyID, decision.PolicyID)
	}
	if decision.Action != policy.ActionDeny {
		t.Errorf("Expected deny action, got %s", decision.Action)
	}
}

func TestPriorityOrdering(t *testing.T) {
	engine := policy.NewEngine()

	// Both policies match; the lower priority must win.
	if err := engine.AddPolicy(&policy.Policy{
		ID:         "broad-deny",
		Name:       "Broad Deny",
		Conditions: []policy.Condition{policy.MustResourceMatches("/api/.*")},
		Actions:    []policy.Action{policy.ActionDeny},
		Priority:   200,
		Enabled:    true,
	}); err != nil {
		t.Fatalf("AddPolicy failed: %v", err)
	}
	if err := engine.AddPolicy(&policy.Policy{
		ID:         "specific-allow",
		Name:       "Specific Allow",
		Conditions: []policy.Condition{policy.MustResourceMatches("/api/public/.*")},
		Actions:    []policy.Action{policy.ActionAllow},
		Priority:   100,
		Enabled:    true,
	}); err != nil {
		t.Fatalf("AddPolicy failed: %v", err)
	}

	decision := engine.Evaluate(policy.Request{
		Resource: "/api/public/docs",
		Time:     time.Now(),
	})
	if !decision.Allowed() {
		t.Errorf("Expected allow from lower-priority policy, got %s via %s", decision.Action, decision.PolicyID)
	}
	if decision.PolicyID != "specific-allow" {
		t.Errorf("Expected specific-allow to match first, got %s", decision.PolicyID)
	}
}

func TestIntraPolicyActionPrecedence(t *testing.T) {
	cases := []struct {
		name    string
		actions []policy.Action
		want    policy.Action
	}{
		{"DenyBeatsAllow", []policy.Action{policy.ActionAllow, policy.ActionDeny}, policy.ActionDeny},
		{"ChallengeBeatsAllow", []policy.Action{policy.ActionAllow, policy.ActionChallenge}, policy.ActionChallenge},
		{"AllowBeatsMonitor", []policy.Action{policy.ActionMonitor, policy.ActionAllow}, policy.ActionAllow},
		{"MonitorAlone", []policy.Action{policy.ActionMonitor}, policy.ActionMonitor},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			engine := policy.NewEngine()
			if err := engine.AddPolicy(&policy.Policy{
				ID:         "multi",
				Name:       "Multi Action",
				Conditions: []policy.Condition{policy.MustResourceMatches("/data")},
				Actions:    tc.actions,
				Priority:   10,
				Enabled:    true,
			}); err != nil {
				t.Fatalf("AddPolicy failed: %v", err)
			}

			decision := engine.Evaluate(policy.Request{Resource: "/data", Time: time.Now()})
			if decision.Action != tc.want {
				t.Errorf("Expected %s, got %s", tc.want, decision.Action)
			}
		})
	}
}

func TestResourceMatchingIsAnchored(t *testing.T) {
	engine := policy.NewEngine()
	if err := engine.AddPolicy(&policy.Policy{
		ID:         "admin-allow",
		Name:       "Admin Allow",
		Conditions: []policy.Condition{policy.MustResourceMatches("/admin.*")},
		Actions:    []policy.Action{policy.ActionAllow},
		Priority:   10,
		Enabled:    true,
	}); err != nil {
		t.Fatalf("AddPolicy failed: %v", err)
	}

	// A resource merely containing /admin must not match.
	decision := engine.Evaluate(policy.Request{Resource: "/public/admin", Time: time.Now()})
	if decision.PolicyID != policy.DefaultDenyID {
		t.Errorf("Partial match bypassed anchoring, matched %s", decision.PolicyID)
	}

	decision = engine.Evaluate(policy.Request{Resource: "/admin/users", Time: time.Now()})
	if decision.PolicyID != "admin-allow" {
		t.Errorf("Expected anchored prefix to match, got %s", decision.PolicyID)
	}
}

func TestUnsetFieldsFailClosed(t *testing.T) {
	cases := []struct {
		name string
		cond policy.Condition
	}{
		{"EmptyEntityType", policy.EntityTypeIn{Types: []entity.EntityType{entity.TypeService}}},
		{"EmptyResource", policy.MustResourceMatches("/.*")},
		{"ZeroTime", policy.TimeWindow{Start: 0, End: 24}},
		{"EmptyZone", policy.NetworkZoneIs{Zone: "internal"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.cond.Matches(policy.Request{}) {
				t.Error("Condition matched a request with the field unset")
			}
		})
	}
}

func TestTimeWindowWrapsMidnight(t *testing.T) {
	window := policy.TimeWindow{Start: 22, End: 6}

	at := func(hour int) policy.Request {
		return policy.Request{Time: time.Date(2026, 3, 1, hour, 30, 0, 0, time.UTC)}
	}
	if !window.Matches(at(23)) {
		t.Error("23:30 should fall in a 22-06 window")
	}
	if !window.Matches(at(3)) {
		t.Error("03:30 should fall in a 22-06 window")
	}
	if window.Matches(at(12)) {
		t.Error("12:30 should not fall in a 22-06 window")
	}
}

func TestTrustLevelCondition(t *testing.T) {
	cond := policy.TrustLevelAtLeast{Level: entity.TrustLevelHigh}

	if cond.Matches(policy.Request{TrustLevel: entity.TrustLevelMedium}) {
		t.Error("MEDIUM should not satisfy a HIGH requirement")
	}
	if !cond.Matches(policy.Request{TrustLevel: entity.TrustLevelVerified}) {
		t.Error("VERIFIED should satisfy a HIGH requirement")
	}
}

func TestDefaultDenyCannotBeRemoved(t *testing.T) {
	engine := policy.NewEngine()

	if err := engine.AddPolicy(&policy.Policy{ID: policy.DefaultDenyID, Actions: []policy.Action{policy.ActionAllow}}); err == nil {
		t.Error("Expected error replacing the default-deny policy")
	}
	if err := engine.SetEnabled(policy.DefaultDenyID, false); err == nil {
		t.Error("Expected error disabling the default-deny policy")
	}
}

func TestDisabledPoliciesAreSkipped(t *testing.T) {
	engine := policy.NewEngine()
	if err := engine.AddPolicy(&policy.Policy{
		ID:         "allow-all-data",
		Name:       "Allow Data",
		Conditions: []policy.Condition{policy.MustResourceMatches("/data/.*")},
		Actions:    []policy.Action{policy.ActionAllow},
		Priority:   10,
		Enabled:    true,
	}); err != nil {
		t.Fatalf("AddPolicy failed: %v", err)
	}

	if err := engine.SetEnabled("allow-all-data", false); err != nil {
		t.Fatalf("SetEnabled failed: %v", err)
	}
	decision := engine.Evaluate(policy.Request{Resource: "/data/reports", Time: time.Now()})
	if decision.Allowed() {
		t.Error("Disabled policy still matched")
	}
}

func TestInvalidResourcePattern(t *testing.T) {
	if _, err := policy.NewResourceMatches("/data/[unclosed"); err == nil {
		t.Error("Expected error for invalid regex")
	}
}
