// Copyright 2026 © The Codeagent Authors
// SPDX-License-Identifier: Apache-2.0

// Package action defines the closed set of instructions a model may emit and
// the parser that turns raw model output into exactly one of them.
package action

// Kind names an action variant on the wire.
type Kind string

const (
	KindReadFile        Kind = "read_file"
	KindWriteFile       Kind = "write_file"
	KindListDir         Kind = "list_dir"
	KindUpdateFile      Kind = "update_file"
	KindInvokeAgent     Kind = "invoke_agent"
	KindRespondToMaster Kind = "respond_to_master"
	KindRespondToUser   Kind = "respond_to_user"
	KindRespond         Kind = "respond"
)

// Kinds lists every variant in prompt order.
var Kinds = []Kind{
	KindReadFile,
	KindListDir,
	KindWriteFile,
	KindUpdateFile,
	KindInvokeAgent,
	KindRespond,
	KindRespondToUser,
	KindRespondToMaster,
}

// DefaultMaxDepth bounds recursive listings when the model does not ask for
// a depth.
const DefaultMaxDepth = 3

// Action is one structured instruction. The set of implementations is closed:
// only the types in this package satisfy it.
type Action interface {
	Kind() Kind
	isAction()
}

// ReadFile reads a project file.
type ReadFile struct {
	Path string `json:"path"`
}

// WriteFile creates or replaces a project file.
type WriteFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// ListDir lists a project directory.
type ListDir struct {
	Path      string `json:"path"`
	Recursive bool   `json:"recursive,omitempty"`
	MaxDepth  int    `json:"max_depth,omitempty"`
}

// UpdateFile replaces every occurrence of OldText with NewText.
type UpdateFile struct {
	Path    string `json:"path"`
	OldText string `json:"old_text"`
	NewText string `json:"new_text"`
}

// InvokeAgent delegates Task to a sub agent.
type InvokeAgent struct {
	Task string `json:"task"`
}

// RespondToMaster ends a sub agent turn with Result.
type RespondToMaster struct {
	Result string `json:"result"`
}

// RespondToUser ends a main agent turn with Message.
type RespondToUser struct {
	Message string `json:"message"`
}

// Respond is a progress message. It does not end the turn.
type Respond struct {
	Message string `json:"message"`
}

func (ReadFile) Kind() Kind        { return KindReadFile }
func (WriteFile) Kind() Kind       { return KindWriteFile }
func (ListDir) Kind() Kind         { return KindListDir }
func (UpdateFile) Kind() Kind      { return KindUpdateFile }
func (InvokeAgent) Kind() Kind     { return KindInvokeAgent }
func (RespondToMaster) Kind() Kind { return KindRespondToMaster }
func (RespondToUser) Kind() Kind   { return KindRespondToUser }
func (Respond) Kind() Kind         { return KindRespond }

func (ReadFile) isAction()        {}
func (WriteFile) isAction()       {}
func (ListDir) isAction()         {}
func (UpdateFile) isAction()      {}
func (InvokeAgent) isAction()     {}
func (RespondToMaster) isAction() {}
func (RespondToUser) isAction()   {}
func (Respond) isAction()         {}

// IsFilesystem reports whether k touches the workspace.
func (k Kind) IsFilesystem() bool {
	switch k {
	case KindReadFile, KindWriteFile, KindListDir, KindUpdateFile:
		return true
	}
	return false
}

// IsTerminal reports whether k ends the turn of the agent that emits it.
func (k Kind) IsTerminal() bool {
	return k == KindRespondToUser || k == KindRespondToMaster
}

// Describe returns a short human readable summary of a.
func Describe(a Action) string {
	switch v := a.(type) {
	case ReadFile:
		return "read " + v.Path
	case WriteFile:
		return "write " + v.Path
	case ListDir:
		if v.Recursive {
			return "list " + v.Path + " (recursive)"
		}
		return "list " + v.Path
	case UpdateFile:
		return "update " + v.Path
	case InvokeAgent:
		return "delegate: " + truncate(v.Task, 60)
	case RespondToMaster:
		return "report to main agent"
	case RespondToUser:
		return "respond to user"
	case Respond:
		return "progress: " + truncate(v.Message, 60)
	default:
		return "unknown action"
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
