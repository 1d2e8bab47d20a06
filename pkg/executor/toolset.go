package executor

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/jllopis/codeagent/pkg/action"
)

// Role is the position of an agent in the delegation hierarchy.
type Role string

const (
	RoleMain Role = "main"
	RoleSub  Role = "sub"
)

// terminal returns the action that ends a turn for r.
func (r Role) terminal() action.Kind {
	if r == RoleSub {
		return action.KindRespondToMaster
	}
	return action.KindRespondToUser
}

// roleKinds lists what each role may emit before any configuration.
var roleKinds = map[Role]map[action.Kind]bool{
	RoleMain: {
		action.KindReadFile:      true,
		action.KindListDir:       true,
		action.KindWriteFile:     true,
		action.KindUpdateFile:    true,
		action.KindInvokeAgent:   true,
		action.KindRespond:       true,
		action.KindRespondToUser: true,
	},
	RoleSub: {
		action.KindReadFile:        true,
		action.KindListDir:         true,
		action.KindWriteFile:       true,
		action.KindUpdateFile:      true,
		action.KindRespond:         true,
		action.KindRespondToMaster: true,
	},
}

// ToolSet is the set of actions an agent role may use.
type ToolSet struct {
	role     Role
	denylist map[string]bool
}

// ToolSetOption configures a ToolSet.
type ToolSetOption func(*ToolSet)

// NewToolSet returns the default tool set for role.
func NewToolSet(role Role, opts ...ToolSetOption) *ToolSet {
	ts := &ToolSet{role: role, denylist: make(map[string]bool)}
	for _, opt := range opts {
		opt(ts)
	}
	return ts
}

// WithDisabled removes actions by name or glob (e.g. "write_file", "*_file",
// "{write,update}_file").
// The role's terminal action cannot be disabled.
func WithDisabled(names []string) ToolSetOption {
	return func(ts *ToolSet) {
		for _, n := range names {
			n = strings.TrimSpace(n)
			if n != "" {
				ts.denylist[n] = true
			}
		}
	}
}

// Role returns the role the set was built for.
func (ts *ToolSet) Role() Role { return ts.role }

// Allows reports whether kind may be executed, with the reason when not.
func (ts *ToolSet) Allows(kind action.Kind) (bool, string) {
	if !roleKinds[ts.role][kind] {
		return false, fmt.Sprintf("%s is not available to the %s agent", kind, ts.role)
	}
	if kind != ts.role.terminal() && ts.denied(string(kind)) {
		return false, fmt.Sprintf("%s is disabled by configuration", kind)
	}
	return true, ""
}

// Kinds returns the enabled actions in prompt order.
func (ts *ToolSet) Kinds() []action.Kind {
	var out []action.Kind
	for _, k := range action.Kinds {
		if ok, _ := ts.Allows(k); ok {
			out = append(out, k)
		}
	}
	return out
}

func (ts *ToolSet) denied(name string) bool {
	if ts.denylist[name] {
		return true
	}
	for pattern := range ts.denylist {
		if ok, err := doublestar.Match(pattern, name); err == nil && ok {
			return true
		}
	}
	return false
}
