// Copyright 2026 © The Codeagent Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/codeagent/pkg/errors"
	"github.com/jllopis/codeagent/pkg/telemetry"
)

// DelegationTask records one run of a sub agent.
type DelegationTask struct {
	ID          string
	SubID       string
	Description string
	Result      string
	Err         error
	StartedAt   time.Time
	FinishedAt  time.Time
}

// DelegationFailure is what the main agent sees when a sub agent could not
// finish its task.
type DelegationFailure struct {
	TaskID  string
	Code    errors.ErrorCode
	Message string
	Err     error
}

func (f *DelegationFailure) Error() string {
	return fmt.Sprintf("delegated task %s failed with %s: %s", f.TaskID, f.Code, f.Message)
}

func (f *DelegationFailure) Unwrap() error { return f.Err }

// Delegate runs task on a fresh sub agent and blocks until it responds to
// master or fails. Failures come back as an AgentError carrying the sub
// agent's code and wrapping a *DelegationFailure. Cancelling ctx aborts the
// sub agent and returns ABORTED.
func (m *Main) Delegate(ctx context.Context, task string) (string, error) {
	task = strings.TrimSpace(task)
	if task == "" {
		return "", errors.New(errors.CodeInvalidInput, "empty delegation task", nil)
	}

	sub := m.newSub()
	rec := DelegationTask{
		ID:          uuid.NewString(),
		SubID:       sub.ID(),
		Description: task,
		StartedAt:   m.opts.now(),
	}

	ctx, span := telemetry.Tracer().Start(ctx, "agent.delegate",
		trace.WithAttributes(telemetry.DelegationAttributes(rec.ID, task, "")...),
	)
	defer span.End()

	m.eng.emit(ctx, Event{Type: EventDelegation, Message: task})
	m.opts.logger.InfoContext(ctx, "agent.delegation.start",
		slog.String("agent_id", m.eng.id),
		slog.String("delegation_id", rec.ID),
		slog.String("sub_id", rec.SubID),
		slog.String("task", telemetry.Truncate(task, 200)),
	)

	result, err := sub.run(ctx, task)
	rec.FinishedAt = m.opts.now()
	rec.Result = result

	outcome := "ok"
	if err != nil {
		outcome = "failed"
		if errors.Is(err, errors.CodeAborted) || ctx.Err() != nil {
			outcome = "aborted"
			if !errors.Is(err, errors.CodeAborted) {
				err = errors.New(errors.CodeAborted, "delegation aborted", err)
			}
		} else {
			ae := errors.AsAgentError(err)
			failure := &DelegationFailure{TaskID: rec.ID, Code: ae.Code, Message: ae.Message, Err: err}
			err = errors.New(ae.Code, "sub agent did not complete the task", failure).
				WithContext("delegation_id", rec.ID).
				WithRecoverable(true)
		}
		rec.Err = err
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	span.SetAttributes(telemetry.DelegationAttributes(rec.ID, task, outcome)...)
	m.opts.metrics.RecordDelegation(ctx, outcome)

	m.mu.Lock()
	m.delegations = append(m.delegations, rec)
	m.mu.Unlock()

	m.eng.emit(ctx, Event{Type: EventDelegationDone, Message: result, Err: err})
	m.opts.logger.InfoContext(ctx, "agent.delegation.done",
		slog.String("agent_id", m.eng.id),
		slog.String("delegation_id", rec.ID),
		slog.String("outcome", outcome),
		slog.Duration("duration", rec.FinishedAt.Sub(rec.StartedAt)),
	)
	if err != nil {
		return "", err
	}
	return result, nil
}
