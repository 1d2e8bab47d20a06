// Copyright 2026 © The Codeagent Authors
// SPDX-License-Identifier: Apache-2.0

// Package executor runs parsed actions against the workspace under the
// permission policy of the session.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/codeagent/pkg/action"
	"github.com/jllopis/codeagent/pkg/errors"
	"github.com/jllopis/codeagent/pkg/permission"
	"github.com/jllopis/codeagent/pkg/telemetry"
	"github.com/jllopis/codeagent/pkg/workspace"
)

// Permissions is the part of the permission manager the executor needs.
type Permissions interface {
	Check(resource string, op permission.Operation) permission.Decision
	Grant(ctx context.Context, pattern string, op permission.Operation, scope permission.Scope) (permission.Grant, error)
}

// Delegator runs a task on a fresh sub agent and returns its result.
type Delegator interface {
	Delegate(ctx context.Context, task string) (string, error)
}

// Executor runs actions for one agent instance.
type Executor struct {
	role      Role
	agentID   string
	fs        workspace.FS
	perms     Permissions
	approver  permission.Approver
	delegator Delegator
	tools     *ToolSet
	logger    *slog.Logger
	metrics   *telemetry.Metrics
}

// Option configures an Executor.
type Option func(*Executor)

// WithApprover sets who is asked when the policy answers ask. Without one,
// such actions are denied.
func WithApprover(a permission.Approver) Option {
	return func(e *Executor) { e.approver = a }
}

// WithDelegator enables invoke_agent. Only main executors should get one.
func WithDelegator(d Delegator) Option {
	return func(e *Executor) { e.delegator = d }
}

// WithToolSet overrides the role's default tool set.
func WithToolSet(ts *ToolSet) Option {
	return func(e *Executor) {
		if ts != nil {
			e.tools = ts
		}
	}
}

// WithAgentID tags permission requests and logs with the agent instance.
func WithAgentID(id string) Option {
	return func(e *Executor) { e.agentID = id }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// New builds an executor for role.
func New(role Role, fs workspace.FS, perms Permissions, opts ...Option) *Executor {
	e := &Executor{
		role:    role,
		fs:      fs,
		perms:   perms,
		logger:  slog.Default(),
		metrics: telemetry.DefaultMetrics(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.tools == nil {
		e.tools = NewToolSet(role)
	}
	return e
}

// Role returns the executor role.
func (e *Executor) Role() Role { return e.role }

// Tools returns the enabled tool set.
func (e *Executor) Tools() *ToolSet { return e.tools }

// Execute runs a. Failures are reported in the Result; cancellation surfaces
// as an ABORTED error in Result.Err.
func (e *Executor) Execute(ctx context.Context, a action.Action) Result {
	start := time.Now()
	ctx, span := telemetry.Tracer().Start(ctx, "agent.action",
		trace.WithAttributes(telemetry.ActionAttributes(string(a.Kind()), "", "", 0)...),
	)
	defer span.End()

	res := e.execute(ctx, a)

	durationMs := float64(time.Since(start).Microseconds()) / 1000
	span.SetAttributes(telemetry.ActionAttributes(string(res.Kind), res.Target, res.Outcome(), durationMs)...)
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Outcome())
		e.metrics.RecordError(ctx, res.Err, "executor")
	}
	e.metrics.RecordAction(ctx, string(res.Kind), res.Outcome())
	e.logger.DebugContext(ctx, "agent.action.done",
		slog.String("agent_id", e.agentID),
		slog.String("kind", string(res.Kind)),
		slog.String("target", res.Target),
		slog.String("outcome", res.Outcome()),
		slog.Float64("duration_ms", durationMs),
	)
	return res
}

func (e *Executor) execute(ctx context.Context, a action.Action) Result {
	if a == nil {
		return Result{Err: errors.New(errors.CodeProtocol, "no action to execute", nil)}
	}
	kind := a.Kind()
	if ok, reason := e.tools.Allows(kind); !ok {
		return Result{Kind: kind, Err: errors.New(errors.CodeCapability, reason, nil)}
	}

	switch v := a.(type) {
	case action.ReadFile:
		return e.readFile(ctx, v)
	case action.WriteFile:
		return e.writeFile(ctx, v)
	case action.ListDir:
		return e.listDir(ctx, v)
	case action.UpdateFile:
		return e.updateFile(ctx, v)
	case action.InvokeAgent:
		return e.invokeAgent(ctx, v)
	case action.RespondToMaster:
		return Result{Kind: kind, Terminal: true, Message: v.Result, Output: "result delivered"}
	case action.RespondToUser:
		return Result{Kind: kind, Terminal: true, Message: v.Message, Output: "message delivered"}
	case action.Respond:
		return Result{Kind: kind, Message: v.Message, Output: "message shown to the user"}
	default:
		return Result{Kind: kind, Err: errors.Newf(errors.CodeProtocol, "unhandled action %T", a)}
	}
}

func (e *Executor) readFile(ctx context.Context, a action.ReadFile) Result {
	res := Result{Kind: a.Kind(), Target: a.Path}
	rel, err := e.authorize(ctx, a, a.Path, permission.OpRead)
	if rel != "" {
		res.Target = rel
	}
	if err != nil {
		res.Err = err
		return res
	}
	data, err := e.fs.ReadFile(ctx, rel)
	if err != nil {
		res.Err = err
		return res
	}
	res.Bytes = len(data)
	res.Output = fmt.Sprintf("%d bytes\n%s", len(data), data)
	return res
}

func (e *Executor) writeFile(ctx context.Context, a action.WriteFile) Result {
	res := Result{Kind: a.Kind(), Target: a.Path}
	rel, err := e.authorize(ctx, a, a.Path, permission.OpWrite)
	if rel != "" {
		res.Target = rel
	}
	if err != nil {
		res.Err = err
		return res
	}
	created, err := e.fs.WriteFile(ctx, rel, []byte(a.Content))
	if err != nil {
		res.Err = err
		return res
	}
	res.Bytes, res.Created = len(a.Content), created
	verb := "replaced"
	if created {
		verb = "created"
	}
	res.Output = fmt.Sprintf("%s, wrote %d bytes", verb, len(a.Content))
	return res
}

func (e *Executor) listDir(ctx context.Context, a action.ListDir) Result {
	res := Result{Kind: a.Kind(), Target: a.Path}
	rel, err := e.authorize(ctx, a, a.Path, permission.OpList)
	if rel != "" {
		res.Target = rel
	}
	if err != nil {
		res.Err = err
		return res
	}
	depth := a.MaxDepth
	if a.Recursive && depth <= 0 {
		depth = action.DefaultMaxDepth
	}
	entries, err := e.fs.ListDir(ctx, rel, a.Recursive, depth)
	if err != nil {
		res.Err = err
		return res
	}
	res.Entries = len(entries)
	res.Output = formatEntries(rel, entries)
	return res
}

func (e *Executor) updateFile(ctx context.Context, a action.UpdateFile) Result {
	res := Result{Kind: a.Kind(), Target: a.Path}
	if a.OldText == "" {
		res.Err = errors.New(errors.CodeInvalidInput, "old_text must not be empty", nil)
		return res
	}
	rel, err := e.authorize(ctx, a, a.Path, permission.OpWrite)
	if rel != "" {
		res.Target = rel
	}
	if err != nil {
		res.Err = err
		return res
	}
	data, err := e.fs.ReadFile(ctx, rel)
	if err != nil {
		res.Err = err
		return res
	}
	content := string(data)
	n := strings.Count(content, a.OldText)
	if n == 0 {
		res.Err = errors.New(errors.CodeInvalidInput, "old_text not found in "+rel, nil).
			WithContext("path", rel)
		return res
	}
	updated := strings.ReplaceAll(content, a.OldText, a.NewText)
	if _, err := e.fs.WriteFile(ctx, rel, []byte(updated)); err != nil {
		res.Err = err
		return res
	}
	res.Occurrences, res.Bytes = n, len(updated)
	res.Output = fmt.Sprintf("replaced %d occurrence(s), file is now %d bytes", n, len(updated))
	return res
}

func (e *Executor) invokeAgent(ctx context.Context, a action.InvokeAgent) Result {
	res := Result{Kind: a.Kind(), Target: telemetry.Truncate(a.Task, 60)}
	if e.delegator == nil {
		res.Err = errors.New(errors.CodeCapability, "this agent cannot delegate", nil)
		return res
	}
	out, err := e.delegator.Delegate(ctx, a.Task)
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, errors.CodeAborted) {
			err = errors.New(errors.CodeAborted, "delegation aborted", err)
		}
		res.Err = err
		return res
	}
	res.Output = out
	return res
}

// authorize canonicalises p and applies the permission policy, asking the
// approver when needed. It returns the workspace relative path.
func (e *Executor) authorize(ctx context.Context, a action.Action, p string, op permission.Operation) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", errors.New(errors.CodeAborted, "operation aborted", err)
	}
	rel, err := e.fs.Rel(p)
	if err != nil {
		return "", err
	}

	switch e.perms.Check(rel, op) {
	case permission.Allow:
		return rel, nil
	case permission.Deny:
		return rel, denied(rel, op, "denied by policy")
	}

	if e.approver == nil {
		return rel, denied(rel, op, "approval required but no approver is available")
	}
	req := permission.Request{
		Resource:  rel,
		Operation: op,
		Action:    string(a.Kind()),
		Summary:   action.Describe(a),
		Agent:     e.agentID,
	}
	ap, err := e.approver.Confirm(ctx, req)
	if err != nil {
		if errors.Is(err, errors.CodeAborted) || ctx.Err() != nil {
			return rel, errors.New(errors.CodeAborted, "approval aborted", err)
		}
		return rel, errors.New(errors.CodePermissionDenied, "approval failed", err).WithContext("path", rel)
	}
	if !ap.Approved {
		reason := ap.Reason
		if reason == "" {
			reason = "rejected"
		}
		return rel, denied(rel, op, reason)
	}

	if ap.Scope != "" && ap.Scope != permission.ScopeOnce {
		pattern := ap.Pattern
		if pattern == "" {
			pattern = permission.SuggestPattern(rel, op, ap.Scope)
		}
		if _, err := e.perms.Grant(ctx, pattern, op, ap.Scope); err != nil {
			e.logger.WarnContext(ctx, "permission.grant.failed",
				slog.String("pattern", pattern),
				slog.String("scope", string(ap.Scope)),
				slog.String("error", err.Error()),
			)
		}
	}
	return rel, nil
}

func denied(rel string, op permission.Operation, reason string) error {
	return errors.Newf(errors.CodePermissionDenied, "%s %s: %s", op, rel, reason).
		WithContext("path", rel).
		WithContext("operation", string(op))
}
