// Copyright 2026 © The Codeagent Authors
// SPDX-License-Identifier: Apache-2.0

package testing

import (
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/jllopis/codeagent/pkg/action"
	"github.com/jllopis/codeagent/pkg/errors"
	"github.com/jllopis/codeagent/pkg/llm"
)

// Assertions collects non-fatal checks against t.
type Assertions struct {
	t      *testing.T
	failed bool
}

// NewAssertions creates an assertions helper.
func NewAssertions(t *testing.T) *Assertions {
	return &Assertions{t: t}
}

// Failed reports whether any assertion failed.
func (a *Assertions) Failed() bool {
	return a.failed
}

func (a *Assertions) fail(format string, args ...any) {
	a.t.Helper()
	a.t.Errorf(format, args...)
	a.failed = true
}

// AssertEqual compares with go-cmp and prints the diff.
func (a *Assertions) AssertEqual(expected, actual any, msg string, opts ...cmp.Option) {
	a.t.Helper()
	if diff := cmp.Diff(expected, actual, opts...); diff != "" {
		a.fail("%s: mismatch (-want +got):\n%s", msg, diff)
	}
}

// AssertContains asserts that s contains substr.
func (a *Assertions) AssertContains(s, substr, msg string) {
	a.t.Helper()
	if !strings.Contains(s, substr) {
		a.fail("%s: %q does not contain %q", msg, s, substr)
	}
}

// AssertNoError asserts that err is nil.
func (a *Assertions) AssertNoError(err error, msg string) {
	a.t.Helper()
	if err != nil {
		a.fail("%s: unexpected error: %v", msg, err)
	}
}

// AssertErrorCode asserts that err carries code.
func (a *Assertions) AssertErrorCode(err error, code errors.ErrorCode, msg string) {
	a.t.Helper()
	if !errors.Is(err, code) {
		a.fail("%s: expected %s, got %v", msg, code, err)
	}
}

// RequestAssertions checks a captured model request.
type RequestAssertions struct {
	*Assertions
	req *llm.ChatRequest
}

// AssertRequest starts assertions on req.
func (a *Assertions) AssertRequest(req *llm.ChatRequest) *RequestAssertions {
	a.t.Helper()
	if req == nil {
		a.fail("request is nil")
		return &RequestAssertions{Assertions: a, req: &llm.ChatRequest{}}
	}
	return &RequestAssertions{Assertions: a, req: req}
}

// HasModel asserts the requested model.
func (r *RequestAssertions) HasModel(model string) *RequestAssertions {
	r.t.Helper()
	if r.req.Model != model {
		r.fail("expected model %q, got %q", model, r.req.Model)
	}
	return r
}

// HasMessageCount asserts the number of messages.
func (r *RequestAssertions) HasMessageCount(count int) *RequestAssertions {
	r.t.Helper()
	if len(r.req.Messages) != count {
		r.fail("expected %d messages, got %d", count, len(r.req.Messages))
	}
	return r
}

// HasJSONFormat asserts the request asks for JSON output.
func (r *RequestAssertions) HasJSONFormat() *RequestAssertions {
	r.t.Helper()
	if r.req.Format != llm.FormatJSON {
		r.fail("expected JSON format, got %q", r.req.Format)
	}
	return r
}

// HasMessage asserts some message of role contains text.
func (r *RequestAssertions) HasMessage(role llm.Role, contains string) *RequestAssertions {
	r.t.Helper()
	if !hasMessage(r.req.Messages, role, contains) {
		r.fail("no %s message containing %q", role, contains)
	}
	return r
}

// LacksMessage asserts no message of any role contains text.
func (r *RequestAssertions) LacksMessage(contains string) *RequestAssertions {
	r.t.Helper()
	for _, m := range r.req.Messages {
		if strings.Contains(m.Content, contains) {
			r.fail("unexpected %s message containing %q", m.Role, contains)
			return r
		}
	}
	return r
}

func hasMessage(msgs []llm.Message, role llm.Role, contains string) bool {
	for _, m := range msgs {
		if m.Role == role && strings.Contains(m.Content, contains) {
			return true
		}
	}
	return false
}

// RequireNoError fails the test immediately if err is not nil.
func RequireNoError(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %v", msg, err)
	}
}

// RequireCode fails the test immediately unless err carries code.
func RequireCode(t *testing.T, err error, code errors.ErrorCode) {
	t.Helper()
	if !errors.Is(err, code) {
		t.Fatalf("expected %s, got %v", code, err)
	}
}

// FormatActions renders actions for failure messages.
func FormatActions(acts []action.Action) string {
	if len(acts) == 0 {
		return "(none)"
	}
	names := make([]string, len(acts))
	for i, a := range acts {
		names[i] = action.Describe(a)
	}
	return fmt.Sprintf("[%s]", strings.Join(names, ", "))
}
