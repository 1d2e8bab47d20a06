// Copyright 2026 © The Codeagent Authors
// SPDX-License-Identifier: Apache-2.0

package permission

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/jllopis/codeagent/pkg/errors"
)

// Approver asks someone to confirm a pending action. A cancelled context must
// return an ABORTED error instead of an Approval.
type Approver interface {
	Confirm(ctx context.Context, req Request) (Approval, error)
}

// StaticApprover returns a fixed answer for every request.
type StaticApprover struct {
	Approval Approval
}

// Confirm returns the configured approval.
func (a StaticApprover) Confirm(ctx context.Context, _ Request) (Approval, error) {
	if err := ctx.Err(); err != nil {
		return Approval{}, errors.New(errors.CodeAborted, "approval cancelled", err)
	}
	ap := a.Approval
	if ap.Approved && ap.Scope == "" {
		ap.Scope = ScopeOnce
	}
	if !ap.Approved && ap.Reason == "" {
		ap.Reason = "approval not configured"
	}
	return ap, nil
}

// ConsoleApprover prompts on a terminal.
type ConsoleApprover struct {
	mu      sync.Mutex
	lines   <-chan string
	in      io.Reader
	out     io.Writer
	timeout time.Duration
	once    sync.Once
}

// ConsoleOption configures a ConsoleApprover.
type ConsoleOption func(*ConsoleApprover)

// NewConsoleApprover creates an approver reading answers from stdin.
func NewConsoleApprover(opts ...ConsoleOption) *ConsoleApprover {
	a := &ConsoleApprover{
		in:  os.Stdin,
		out: os.Stdout,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// WithApprovalInput sets the reader answers come from.
func WithApprovalInput(r io.Reader) ConsoleOption {
	return func(a *ConsoleApprover) {
		if r != nil {
			a.in = r
		}
	}
}

// WithApprovalLines shares an existing line feed, so the approver and the
// chat loop never race for the same input.
func WithApprovalLines(lines <-chan string) ConsoleOption {
	return func(a *ConsoleApprover) {
		a.lines = lines
	}
}

// WithApprovalOutput sets where prompts are written.
func WithApprovalOutput(w io.Writer) ConsoleOption {
	return func(a *ConsoleApprover) {
		if w != nil {
			a.out = w
		}
	}
}

// WithApprovalTimeout rejects the request when no answer arrives in time.
func WithApprovalTimeout(d time.Duration) ConsoleOption {
	return func(a *ConsoleApprover) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// ReadLines feeds the lines of r into a channel that is closed at EOF.
func ReadLines(r io.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			ch <- sc.Text()
		}
	}()
	return ch
}

// Confirm shows the request and waits for an answer.
func (a *ConsoleApprover) Confirm(ctx context.Context, req Request) (Approval, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.once.Do(func() {
		if a.lines == nil {
			a.lines = ReadLines(a.in)
		}
	})

	_, _ = fmt.Fprintf(a.out, "\nPermission required: %s %s\n", req.Operation, req.Resource)
	if req.Summary != "" {
		_, _ = fmt.Fprintf(a.out, "  %s\n", req.Summary)
	}
	if req.Agent != "" {
		_, _ = fmt.Fprintf(a.out, "  requested by %s\n", req.Agent)
	}
	_, _ = fmt.Fprintf(a.out, "  [1] allow once  [2] this session  [3] this project  [4] always  [5] deny\n")
	_, _ = fmt.Fprint(a.out, "Choice [5]: ")

	var timeout <-chan time.Time
	if a.timeout > 0 {
		t := time.NewTimer(a.timeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case <-ctx.Done():
		_, _ = fmt.Fprintln(a.out)
		return Approval{}, errors.New(errors.CodeAborted, "approval cancelled", ctx.Err())
	case <-timeout:
		_, _ = fmt.Fprintln(a.out)
		return Approval{Reason: "approval timed out"}, nil
	case line, ok := <-a.lines:
		if !ok {
			return Approval{Reason: "approval input closed"}, nil
		}
		return parseChoice(req, line), nil
	}
}

func parseChoice(req Request, line string) Approval {
	var scope Scope
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "1", "o", "once", "y", "yes":
		scope = ScopeOnce
	case "2", "s", "session":
		scope = ScopeSession
	case "3", "p", "project":
		scope = ScopeProject
	case "4", "g", "global", "always":
		scope = ScopeGlobal
	default:
		return Approval{Reason: "rejected by user"}
	}
	return Approval{
		Approved: true,
		Scope:    scope,
		Pattern:  SuggestPattern(req.Resource, req.Operation, scope),
		Reason:   "approved by user",
	}
}
