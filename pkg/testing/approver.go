// Copyright 2026 © The Codeagent Authors
// SPDX-License-Identifier: Apache-2.0

package testing

import (
	"context"
	"sync"

	"github.com/jllopis/codeagent/pkg/errors"
	"github.com/jllopis/codeagent/pkg/permission"
)

// RecordingApprover answers permission prompts from a script and records
// every request it was asked.
type RecordingApprover struct {
	mu       sync.Mutex
	answers  []permission.Approval
	requests []permission.Request
	// Fallback answers once the script is exhausted. The zero value denies.
	Fallback permission.Approval
	// OnConfirm, when set, runs before the answer is picked. Returning an
	// error fails the prompt with it.
	OnConfirm func(ctx context.Context, req permission.Request) error
}

// NewRecordingApprover creates an approver that replies with answers in order.
func NewRecordingApprover(answers ...permission.Approval) *RecordingApprover {
	return &RecordingApprover{answers: answers}
}

// Allow is an approval at scope.
func Allow(scope permission.Scope) permission.Approval {
	return permission.Approval{Approved: true, Scope: scope}
}

// Reject is a denial with reason.
func Reject(reason string) permission.Approval {
	return permission.Approval{Reason: reason}
}

// Confirm implements permission.Approver.
func (a *RecordingApprover) Confirm(ctx context.Context, req permission.Request) (permission.Approval, error) {
	a.mu.Lock()
	a.requests = append(a.requests, req)
	hook := a.OnConfirm
	a.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, req); err != nil {
			return permission.Approval{}, err
		}
	}
	if err := ctx.Err(); err != nil {
		return permission.Approval{}, errors.New(errors.CodeAborted, "approval cancelled", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.answers) == 0 {
		ap := a.Fallback
		if !ap.Approved && ap.Reason == "" {
			ap.Reason = "not scripted"
		}
		return ap, nil
	}
	ap := a.answers[0]
	a.answers = a.answers[1:]
	return ap, nil
}

// Requests returns the prompts seen so far.
func (a *RecordingApprover) Requests() []permission.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]permission.Request, len(a.requests))
	copy(out, a.requests)
	return out
}

// Count returns how many prompts were shown.
func (a *RecordingApprover) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.requests)
}
