package executor

import (
	"fmt"
	"strings"

	"github.com/jllopis/codeagent/pkg/action"
	"github.com/jllopis/codeagent/pkg/errors"
	"github.com/jllopis/codeagent/pkg/workspace"
)

// Result is the outcome of one action.
type Result struct {
	Kind action.Kind
	// Target is the workspace path or delegated task the action addressed.
	Target string
	// Output is what the model sees when the action succeeded.
	Output string
	// Err is set when the action failed. It is always an *errors.AgentError.
	Err error

	// Terminal is true for the role's turn-ending action; Message then holds
	// the final text. Progress messages also fill Message.
	Terminal bool
	Message  string

	Bytes       int
	Entries     int
	Occurrences int
	Created     bool
}

// OK reports whether the action succeeded.
func (r Result) OK() bool { return r.Err == nil }

// Aborted reports whether the action was interrupted by cancellation.
func (r Result) Aborted() bool { return errors.Is(r.Err, errors.CodeAborted) }

// Outcome is a short label for metrics and logs.
func (r Result) Outcome() string {
	switch {
	case r.Err == nil:
		return "ok"
	case errors.Is(r.Err, errors.CodeAborted):
		return "aborted"
	case errors.Is(r.Err, errors.CodePermissionDenied):
		return "denied"
	case errors.Is(r.Err, errors.CodeCapability):
		return "capability"
	default:
		return "error"
	}
}

// Format renders r as the tool turn recorded in the conversation.
func (r Result) Format() string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(string(r.Kind))
	if r.Target != "" {
		b.WriteString(" ")
		b.WriteString(r.Target)
	}
	b.WriteString("] ")
	if r.Err != nil {
		ae := errors.AsAgentError(r.Err)
		b.WriteString("failed: ")
		b.WriteString(string(ae.Code))
		if kind := workspace.IOKind(r.Err); kind != "" {
			b.WriteString(" (")
			b.WriteString(kind)
			b.WriteString(")")
		}
		b.WriteString(": ")
		b.WriteString(errorText(ae))
		return b.String()
	}
	b.WriteString(r.Output)
	return b.String()
}

// errorText is the message of ae with its cause, without the code prefix.
func errorText(ae *errors.AgentError) string {
	if ae.Err != nil {
		return fmt.Sprintf("%s: %v", ae.Message, ae.Err)
	}
	return ae.Message
}

func formatEntries(root string, entries []workspace.Entry) string {
	if len(entries) == 0 {
		return "(empty directory)"
	}
	var b strings.Builder
	for i, e := range entries {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(strings.Repeat("  ", e.Depth))
		if e.IsDir {
			b.WriteString(e.Name)
			b.WriteString("/")
			continue
		}
		fmt.Fprintf(&b, "%s (%d bytes)", e.Name, e.Size)
	}
	return fmt.Sprintf("%s: %d entries\n%s", root, len(entries), b.String())
}
