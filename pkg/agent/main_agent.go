// Copyright 2026 © The Codeagent Authors
// SPDX-License-Identifier: Apache-2.0

// Package agent implements the conversation engine: the main agent that talks
// to the user and the sub agents it delegates self-contained tasks to.
package agent

import (
	"context"
	stderrors "errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jllopis/codeagent/pkg/conversation"
	"github.com/jllopis/codeagent/pkg/errors"
	"github.com/jllopis/codeagent/pkg/executor"
	"github.com/jllopis/codeagent/pkg/llm"
	"github.com/jllopis/codeagent/pkg/permission"
	"github.com/jllopis/codeagent/pkg/telemetry"
	"github.com/jllopis/codeagent/pkg/workspace"
)

// ErrBusy is returned by Chat while another turn of the same session runs.
var ErrBusy = stderrors.New("agent: a turn is already in progress")

// Deps are the collaborators a session is built from. The same workspace and
// permission manager are handed down to sub agents.
type Deps struct {
	Provider    llm.Provider
	Workspace   workspace.FS
	Permissions executor.Permissions
	// Approver answers ask decisions. Nil denies them.
	Approver permission.Approver
}

type options struct {
	observer       Observer
	logger         *slog.Logger
	metrics        *telemetry.Metrics
	projectContext string
	now            func() time.Time
	counter        conversation.TokenCounter
	id             string
}

// Option configures a Main agent.
type Option func(*options)

// WithObserver receives state changes, progress and action results of the
// main agent and of every sub agent it spawns.
func WithObserver(o Observer) Option {
	return func(opts *options) {
		if o != nil {
			opts.observer = o
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(opts *options) {
		if l != nil {
			opts.logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(opts *options) { opts.metrics = m }
}

// WithProjectContext seeds the session with project instructions, kept as a
// system turn that is never trimmed.
func WithProjectContext(text string) Option {
	return func(opts *options) { opts.projectContext = text }
}

// WithClock overrides the time source of turns and events.
func WithClock(now func() time.Time) Option {
	return func(opts *options) {
		if now != nil {
			opts.now = now
		}
	}
}

// WithTokenCounter overrides how context size is estimated.
func WithTokenCounter(c conversation.TokenCounter) Option {
	return func(opts *options) {
		if c != nil {
			opts.counter = c
		}
	}
}

// WithID sets the session ID instead of a random one.
func WithID(id string) Option {
	return func(opts *options) { opts.id = id }
}

// Main is the user facing agent of a session. It is the only role that can
// delegate.
type Main struct {
	turn sync.Mutex

	deps Deps
	cfg  Config
	opts options
	eng  *engine

	mu          sync.Mutex
	delegations []DelegationTask
}

// New builds a session.
func New(deps Deps, cfg Config, opts ...Option) (*Main, error) {
	if deps.Provider == nil {
		return nil, errors.New(errors.CodeInvalidInput, "a model provider is required", nil)
	}
	if deps.Workspace == nil {
		return nil, errors.New(errors.CodeInvalidInput, "a workspace is required", nil)
	}
	if deps.Permissions == nil {
		return nil, errors.New(errors.CodeInvalidInput, "a permission manager is required", nil)
	}

	o := options{
		observer: NoopObserver{},
		logger:   slog.Default(),
		metrics:  telemetry.DefaultMetrics(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.id == "" {
		o.id = uuid.NewString()
	}
	if o.counter == nil {
		o.counter = conversation.NewTokenCounter()
	}

	m := &Main{deps: deps, cfg: cfg.normalize(), opts: o}
	m.eng = m.newEngine(o.id, executor.RoleMain, m.cfg.MaxIterations)

	if strings.TrimSpace(o.projectContext) != "" {
		m.eng.state.Append(conversation.Turn{
			Role:     conversation.RoleSystem,
			Content:  o.projectContext,
			Metadata: map[string]string{"source": "project"},
		})
	}
	return m, nil
}

// newEngine wires an engine for role. Main engines get the session as their
// delegator; sub engines get none.
func (m *Main) newEngine(id string, role executor.Role, maxIter int) *engine {
	e := &engine{
		id:       id,
		role:     role,
		cfg:      m.cfg,
		maxIter:  maxIter,
		provider: m.deps.Provider,
		state:    conversation.New(conversation.WithClock(m.opts.now)),
		window: conversation.Window{
			MaxTokens: m.cfg.ContextTokens,
			Ratio:     m.cfg.TruncateRatio,
			Counter:   m.opts.counter,
		},
		observer: m.opts.observer,
		logger:   m.opts.logger.With(slog.String("agent_id", id), slog.String("role", string(role))),
		metrics:  m.opts.metrics,
		now:      m.opts.now,
	}
	e.machine = newMachine(nil)

	execOpts := []executor.Option{
		executor.WithAgentID(id),
		executor.WithLogger(m.opts.logger),
		executor.WithMetrics(m.opts.metrics),
		executor.WithToolSet(executor.NewToolSet(role, executor.WithDisabled(m.cfg.DisabledActions))),
	}
	if m.deps.Approver != nil {
		execOpts = append(execOpts, executor.WithApprover(suspendingApprover{eng: e, next: m.deps.Approver}))
	}
	if role == executor.RoleMain {
		execOpts = append(execOpts, executor.WithDelegator(m))
	}
	e.exec = executor.New(role, m.deps.Workspace, m.deps.Permissions, execOpts...)
	e.prompt = SystemPrompt(e.exec.Tools())
	return e
}

// ID returns the session ID.
func (m *Main) ID() string { return m.eng.id }

// State returns the current engine state.
func (m *Main) State() State { return m.eng.machine.current() }

// Turns returns the committed conversation history.
func (m *Main) Turns() []conversation.Turn { return m.eng.state.Turns() }

// Delegations returns the sub agent tasks run so far, oldest first.
func (m *Main) Delegations() []DelegationTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DelegationTask, len(m.delegations))
	copy(out, m.delegations)
	return out
}

// Chat runs one user turn and returns the reply of respond_to_user.
//
// A turn that ends with an error leaves the session usable. An aborted turn
// (ctx cancelled) leaves no trace in the history.
func (m *Main) Chat(ctx context.Context, input string) (string, error) {
	if strings.TrimSpace(input) == "" {
		return "", errors.New(errors.CodeInvalidInput, "empty input", nil)
	}
	if !m.turn.TryLock() {
		return "", ErrBusy
	}
	defer m.turn.Unlock()

	if err := ctx.Err(); err != nil {
		return "", errors.New(errors.CodeAborted, "turn aborted", err)
	}
	return m.eng.runTurn(ctx, input)
}
