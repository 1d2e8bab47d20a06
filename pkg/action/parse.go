// Copyright 2026 © The Codeagent Authors
// SPDX-License-Identifier: Apache-2.0

package action

import (
	"fmt"
	"math"
	"strings"

	"github.com/jllopis/codeagent/pkg/errors"
)

// ParseError reports model output that could not be turned into an action.
// Raw is kept so the engine can record what the model actually said.
type ParseError struct {
	Raw    string
	Reason string
}

func (e *ParseError) Error() string {
	return "parse action: " + e.Reason
}

// Unwrap exposes the error as a PARSE_ERROR for errors.Is.
func (e *ParseError) Unwrap() error {
	return errors.New(errors.CodeParse, e.Reason, nil)
}

// Parse extracts exactly one action from raw model output.
//
// Surrounding prose, code fences, single quotes, comments and trailing commas
// are tolerated. When several action objects are present the last one wins;
// if that one is invalid the result is a ParseError even when an earlier
// object would have been valid.
func Parse(raw string) (a Action, err error) {
	defer func() {
		if r := recover(); r != nil {
			a = nil
			err = &ParseError{Raw: raw, Reason: fmt.Sprintf("internal parser failure: %v", r)}
		}
	}()

	if strings.TrimSpace(raw) == "" {
		return nil, &ParseError{Raw: raw, Reason: "empty response"}
	}

	candidate := lastActionObject(raw)
	if candidate == nil {
		return nil, &ParseError{Raw: raw, Reason: `no JSON object with an "action" field found`}
	}

	a, reason := fromObject(candidate)
	if reason != "" {
		return nil, &ParseError{Raw: raw, Reason: reason}
	}
	return a, nil
}

func fromObject(obj map[string]any) (Action, string) {
	if list, ok := obj["actions"]; ok {
		if _, both := obj["action"]; !both {
			items, ok := list.([]any)
			if !ok {
				return nil, `"actions" must be an array`
			}
			switch len(items) {
			case 0:
				return nil, `"actions" is empty`
			case 1:
			default:
				return nil, fmt.Sprintf(`"actions" has %d entries; emit exactly one action per reply`, len(items))
			}
			inner, ok := items[0].(map[string]any)
			if !ok {
				return nil, `"actions" entry must be an object`
			}
			obj = inner
		}
	}

	name, ok := obj["action"].(string)
	if !ok {
		return nil, `"action" must be a string`
	}
	name = strings.TrimSpace(name)

	p, reason := params(obj)
	if reason != "" {
		return nil, reason
	}

	switch Kind(name) {
	case KindReadFile:
		path, r := p.required("path", "file_path")
		if r != "" {
			return nil, r
		}
		return ReadFile{Path: path}, ""

	case KindWriteFile:
		if legacy, present, r := p.str("file_path_content"); r != "" {
			return nil, r
		} else if present {
			path, content, found := strings.Cut(legacy, "|")
			if !found || strings.TrimSpace(path) == "" {
				return nil, `"file_path_content" must look like "path|content"`
			}
			return WriteFile{Path: strings.TrimSpace(path), Content: content}, ""
		}
		path, r := p.required("path", "file_path")
		if r != "" {
			return nil, r
		}
		content, present, r := p.str("content")
		if r != "" {
			return nil, r
		}
		if !present {
			return nil, `write_file requires "content"`
		}
		return WriteFile{Path: path, Content: content}, ""

	case KindListDir, "list_files":
		path, _, r := p.str("path", "directory", "dir")
		if r != "" {
			return nil, r
		}
		if strings.TrimSpace(path) == "" {
			path = "."
		}
		recursive, r := p.boolean("recursive")
		if r != "" {
			return nil, r
		}
		depth, r := p.integer("max_depth")
		if r != "" {
			return nil, r
		}
		if depth < 0 {
			return nil, `"max_depth" must not be negative`
		}
		if recursive && depth == 0 {
			depth = DefaultMaxDepth
		}
		return ListDir{Path: path, Recursive: recursive, MaxDepth: depth}, ""

	case KindUpdateFile:
		path, r := p.required("path", "file_path")
		if r != "" {
			return nil, r
		}
		// Whitespace-only text is a valid target for indentation edits.
		oldText, _, r := p.str("old_text", "old_string")
		if r != "" {
			return nil, r
		}
		if oldText == "" {
			return nil, `missing required field "old_text"`
		}
		newText, present, r := p.str("new_text", "new_string")
		if r != "" {
			return nil, r
		}
		if !present {
			return nil, `update_file requires "new_text"`
		}
		return UpdateFile{Path: path, OldText: oldText, NewText: newText}, ""

	case KindInvokeAgent:
		if kind, present, r := p.str("agent_type"); r != "" {
			return nil, r
		} else if present && kind != "sub_agent" {
			return nil, fmt.Sprintf(`unsupported agent_type %q; only "sub_agent" exists`, kind)
		}
		task, r := p.required("task", "prompt")
		if r != "" {
			return nil, r
		}
		return InvokeAgent{Task: task}, ""

	case KindRespondToMaster:
		result, r := p.required("result", "response", "message")
		if r != "" {
			return nil, r
		}
		return RespondToMaster{Result: result}, ""

	case KindRespondToUser:
		msg, r := p.required("message", "response")
		if r != "" {
			return nil, r
		}
		return RespondToUser{Message: msg}, ""

	case KindRespond:
		msg, r := p.required("message", "response")
		if r != "" {
			return nil, r
		}
		return Respond{Message: msg}, ""
	}

	if name == "" {
		return nil, `"action" is empty`
	}
	return nil, fmt.Sprintf("unknown action %q", name)
}

type fields map[string]any

// params merges the parameter object with fields given next to "action".
// Explicit parameters take precedence.
func params(obj map[string]any) (fields, string) {
	p := fields{}
	for k, v := range obj {
		switch k {
		case "action", "actions", "parameters", "action_input":
			continue
		}
		p[k] = v
	}
	for _, key := range []string{"action_input", "parameters"} {
		raw, ok := obj[key]
		if !ok || raw == nil {
			continue
		}
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Sprintf("%q must be an object", key)
		}
		for k, v := range m {
			p[k] = v
		}
	}
	return p, ""
}

// str returns the first present key among names.
func (p fields) str(names ...string) (string, bool, string) {
	for _, n := range names {
		v, ok := p[n]
		if !ok || v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			return "", true, fmt.Sprintf("%q must be a string", n)
		}
		return s, true, ""
	}
	return "", false, ""
}

func (p fields) required(names ...string) (string, string) {
	s, _, r := p.str(names...)
	if r != "" {
		return "", r
	}
	if strings.TrimSpace(s) == "" {
		return "", fmt.Sprintf("missing required field %q", names[0])
	}
	return s, ""
}

func (p fields) boolean(name string) (bool, string) {
	v, ok := p[name]
	if !ok || v == nil {
		return false, ""
	}
	switch b := v.(type) {
	case bool:
		return b, ""
	case string:
		switch strings.ToLower(b) {
		case "true":
			return true, ""
		case "false", "":
			return false, ""
		}
	}
	return false, fmt.Sprintf("%q must be a boolean", name)
}

func (p fields) integer(name string) (int, string) {
	v, ok := p[name]
	if !ok || v == nil {
		return 0, ""
	}
	f, ok := v.(float64)
	if !ok || f != math.Trunc(f) || math.Abs(f) > 1<<20 {
		return 0, fmt.Sprintf("%q must be an integer", name)
	}
	return int(f), ""
}
