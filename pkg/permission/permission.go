// Package permission decides whether an agent may touch a project path and
// remembers the decisions a user makes about it.
package permission

import (
	"fmt"
	"strings"
	"time"
)

// Decision is the outcome of a permission check.
type Decision string

const (
	Allow Decision = "allow"
	Deny  Decision = "deny"
	Ask   Decision = "ask"
)

// Operation is the kind of filesystem access being checked.
type Operation string

const (
	OpRead  Operation = "read"
	OpList  Operation = "list"
	OpWrite Operation = "write"
	// OpAny matches every operation when used in a grant or rule.
	OpAny Operation = "*"
)

// ParseOperation validates an operation name.
func ParseOperation(s string) (Operation, error) {
	switch op := Operation(strings.ToLower(strings.TrimSpace(s))); op {
	case OpRead, OpList, OpWrite, OpAny:
		return op, nil
	}
	return "", fmt.Errorf("unknown operation %q", s)
}

// Scope is how long a grant lives.
type Scope string

const (
	// ScopeOnce approves a single action and records nothing.
	ScopeOnce    Scope = "once"
	ScopeSession Scope = "session"
	ScopeProject Scope = "project"
	ScopeGlobal  Scope = "global"
)

// ParseScope validates a scope name.
func ParseScope(s string) (Scope, error) {
	switch sc := Scope(strings.ToLower(strings.TrimSpace(s))); sc {
	case ScopeOnce, ScopeSession, ScopeProject, ScopeGlobal:
		return sc, nil
	}
	return "", fmt.Errorf("unknown scope %q", s)
}

// Durable reports whether grants of this scope are persisted.
func (s Scope) Durable() bool {
	return s == ScopeProject || s == ScopeGlobal
}

// Effect is what a grant or rule decides when it matches.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Default lifetimes of durable grants.
const (
	DefaultProjectTTL = 7 * 24 * time.Hour
	DefaultGlobalTTL  = 30 * 24 * time.Hour
)

// Grant is a remembered decision about a path pattern.
type Grant struct {
	Pattern   string    `json:"pattern"`
	Operation Operation `json:"operation"`
	Effect    Effect    `json:"effect"`
	Scope     Scope     `json:"scope"`
	GrantedAt time.Time `json:"granted_at"`
	// ExpiresAt is zero for session grants.
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Key identifies a grant within its scope.
func (g Grant) Key() string {
	return string(g.Operation) + ":" + g.Pattern
}

// IsExpired reports whether g no longer applies at now. An expired grant is
// indistinguishable from no grant.
func IsExpired(g Grant, now time.Time) bool {
	return !g.ExpiresAt.IsZero() && !now.Before(g.ExpiresAt)
}

// Request describes an action awaiting confirmation.
type Request struct {
	// Resource is the workspace relative path.
	Resource  string
	Operation Operation
	// Action is the action kind that triggered the request, e.g. "write_file".
	Action string
	// Summary is a one line description shown to the user.
	Summary string
	// Agent identifies the requesting agent instance.
	Agent string
}

// Approval is the user's answer to a Request.
type Approval struct {
	Approved bool
	Scope    Scope
	// Pattern is the pattern to grant. Empty means the exact resource.
	Pattern string
	Reason  string
}

// SuggestPattern returns the pattern recorded for an approval at scope.
// Global write approvals cover the whole directory of the resource, the rest
// cover the resource itself.
func SuggestPattern(resource string, op Operation, scope Scope) string {
	if scope != ScopeGlobal || op != OpWrite {
		return escapeMeta(resource)
	}
	var dir string
	if i := strings.LastIndexByte(resource, '/'); i >= 0 {
		dir = resource[:i]
	}
	if dir == "" || dir == "." {
		return "*"
	}
	return escapeMeta(dir) + "/*"
}

// escapeMeta quotes glob metacharacters so a literal path matches only itself.
func escapeMeta(s string) string {
	if !strings.ContainsAny(s, `*?[]{}\`) {
		return s
	}
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '{', '}', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
