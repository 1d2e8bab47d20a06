package permission

import (
	"testing"
	"time"
)

func TestParseOperationAndScope(t *testing.T) {
	if op, err := ParseOperation(" Write "); err != nil || op != OpWrite {
		t.Fatalf("ParseOperation: %v %v", op, err)
	}
	if _, err := ParseOperation("exec"); err == nil {
		t.Fatalf("expected error for unknown operation")
	}
	if sc, err := ParseScope("GLOBAL"); err != nil || sc != ScopeGlobal {
		t.Fatalf("ParseScope: %v %v", sc, err)
	}
	if _, err := ParseScope("forever"); err == nil {
		t.Fatalf("expected error for unknown scope")
	}
	if ScopeSession.Durable() || ScopeOnce.Durable() || !ScopeProject.Durable() {
		t.Fatalf("unexpected durability")
	}
}

func TestIsExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		name    string
		expires time.Time
		want    bool
	}{
		{"session", time.Time{}, false},
		{"future", now.Add(time.Second), false},
		{"exact", now, true},
		{"past", now.Add(-time.Hour), true},
	}
	for _, tc := range cases {
		if got := IsExpired(Grant{ExpiresAt: tc.expires}, now); got != tc.want {
			t.Errorf("%s: IsExpired = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestSuggestPattern(t *testing.T) {
	cases := []struct {
		resource string
		op       Operation
		scope    Scope
		want     string
	}{
		{"config.yaml", OpRead, ScopeSession, "config.yaml"},
		{"src/main.go", OpWrite, ScopeProject, "src/main.go"},
		{"src/main.go", OpWrite, ScopeGlobal, "src/*"},
		{"main.go", OpWrite, ScopeGlobal, "*"},
		{"src/main.go", OpRead, ScopeGlobal, "src/main.go"},
		{"docs/[draft].md", OpRead, ScopeSession, `docs/\[draft\].md`},
	}
	for _, tc := range cases {
		got := SuggestPattern(tc.resource, tc.op, tc.scope)
		if got != tc.want {
			t.Errorf("SuggestPattern(%q, %s, %s) = %q, want %q", tc.resource, tc.op, tc.scope, got, tc.want)
		}
		if !matches(got, tc.resource) {
			t.Errorf("pattern %q does not match %q", got, tc.resource)
		}
	}
}

func TestMatches(t *testing.T) {
	cases := []struct {
		pattern, resource string
		want              bool
	}{
		{"config.yaml", "config.yaml", true},
		{"*.go", "main.go", true},
		{"*.go", "pkg/main.go", false},
		{"**/*.go", "pkg/agent/main.go", true},
		{"src/*", "src/a.go", true},
		{"src/*", "src/sub/a.go", false},
		{`docs/\[draft\].md`, "docs/[draft].md", true},
		{`docs/\[draft\].md`, "docs/d.md", false},
	}
	for _, tc := range cases {
		if got := matches(tc.pattern, tc.resource); got != tc.want {
			t.Errorf("matches(%q, %q) = %v, want %v", tc.pattern, tc.resource, got, tc.want)
		}
	}
}

func TestBestPrefersSpecificity(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	grants := []Grant{
		{Pattern: "**", Operation: OpAny, Effect: EffectAllow, GrantedAt: t0.Add(3 * time.Hour)},
		{Pattern: "src/*", Operation: OpWrite, Effect: EffectDeny, GrantedAt: t0.Add(2 * time.Hour)},
		{Pattern: "src/main.go", Operation: OpWrite, Effect: EffectAllow, GrantedAt: t0},
	}

	g, ok := best(grants, "src/main.go", OpWrite)
	if !ok || g.Pattern != "src/main.go" {
		t.Fatalf("exact pattern should win, got %+v", g)
	}
	g, _ = best(grants, "src/util.go", OpWrite)
	if g.Pattern != "src/*" {
		t.Fatalf("more literal glob should win, got %+v", g)
	}
	g, _ = best(grants, "README.md", OpRead)
	if g.Pattern != "**" {
		t.Fatalf("catch-all should apply, got %+v", g)
	}
	if _, ok := best(grants[1:], "README.md", OpRead); ok {
		t.Fatalf("expected no match")
	}
}

func TestBestTieBreaksOnGrantedAt(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	grants := []Grant{
		{Pattern: "a/*", Operation: OpRead, Effect: EffectAllow, GrantedAt: t0},
		{Pattern: "a/?", Operation: OpRead, Effect: EffectDeny, GrantedAt: t0.Add(time.Minute)},
	}
	g, ok := best(grants, "a/b", OpRead)
	if !ok || g.Effect != EffectDeny {
		t.Fatalf("expected the newer grant, got %+v", g)
	}
}

func TestRuleSetFirstMatchWins(t *testing.T) {
	rs := NewRuleSet([]Rule{
		{Pattern: ".env", Effect: "deny", Reason: "secrets"},
		{Pattern: "**", Operation: OpRead, Effect: "ALLOW"},
		{Pattern: "vendor/**", Effect: "bogus"},
	})
	if rs.Rules[0].ID != "rule-1" || rs.Rules[0].Operation != OpAny {
		t.Fatalf("rule not normalised: %+v", rs.Rules[0])
	}
	if rs.Rules[2].Effect != Ask {
		t.Fatalf("unknown effect should become ask, got %q", rs.Rules[2].Effect)
	}

	r, ok := rs.Evaluate(".env", OpRead)
	if !ok || r.Effect != Deny {
		t.Fatalf("expected deny for .env, got %+v", r)
	}
	r, ok = rs.Evaluate("main.go", OpRead)
	if !ok || r.Effect != Allow {
		t.Fatalf("expected allow for read, got %+v", r)
	}
	r, ok = rs.Evaluate("vendor/x.go", OpWrite)
	if !ok || r.Effect != Ask {
		t.Fatalf("expected ask for vendor write, got %+v", r)
	}
	if _, ok := rs.Evaluate("main.go", OpWrite); ok {
		t.Fatalf("expected no rule for main.go write")
	}
	var nilSet *RuleSet
	if _, ok := nilSet.Evaluate("x", OpRead); ok {
		t.Fatalf("nil rule set matches nothing")
	}
}

func TestValidatePattern(t *testing.T) {
	if ValidatePattern("") || ValidatePattern("src/[") {
		t.Fatalf("expected invalid patterns to be rejected")
	}
	if !ValidatePattern("src/**/*.go") {
		t.Fatalf("expected valid pattern")
	}
}
