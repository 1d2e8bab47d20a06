// Copyright 2026 © The Codeagent Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	stderrors "errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/codeagent/pkg/action"
	"github.com/jllopis/codeagent/pkg/conversation"
	"github.com/jllopis/codeagent/pkg/errors"
	"github.com/jllopis/codeagent/pkg/executor"
	"github.com/jllopis/codeagent/pkg/llm"
	"github.com/jllopis/codeagent/pkg/permission"
	"github.com/jllopis/codeagent/pkg/resilience"
	"github.com/jllopis/codeagent/pkg/telemetry"
)

// engine is the loop shared by main and sub agents.
type engine struct {
	id       string
	role     executor.Role
	cfg      Config
	maxIter  int
	provider llm.Provider
	exec     *executor.Executor
	state    *conversation.State
	window   conversation.Window
	prompt   string
	machine  *machine
	observer Observer
	logger   *slog.Logger
	metrics  *telemetry.Metrics
	now      func() time.Time
}

// suspendingApprover marks the wait for a permission decision in the state
// machine of the agent that asked.
type suspendingApprover struct {
	eng  *engine
	next permission.Approver
}

func (s suspendingApprover) Confirm(ctx context.Context, req permission.Request) (permission.Approval, error) {
	if err := s.eng.machine.to(StateAwaitingPermissionDecision); err != nil {
		return permission.Approval{}, err
	}
	ap, err := s.next.Confirm(ctx, req)
	if err != nil && errors.Is(err, errors.CodeAborted) {
		return ap, err
	}
	if terr := s.eng.machine.to(StateExecutingAction); terr != nil {
		return permission.Approval{}, terr
	}
	return ap, err
}

func (e *engine) emit(ctx context.Context, ev Event) {
	ev.AgentID = e.id
	ev.Role = e.role
	ev.Timestamp = e.now()
	e.observer.Observe(ctx, ev)
}

func (e *engine) onStateChange(ctx context.Context) func(from, to State) {
	return func(from, to State) {
		e.emit(ctx, Event{Type: EventStateChanged, From: from, To: to})
	}
}

// runTurn drives one user (or delegated) turn to its terminal action.
// Turns produced on the way are staged and committed when the turn ends;
// an abort discards them.
func (e *engine) runTurn(ctx context.Context, input string) (reply string, err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "agent.turn",
		trace.WithAttributes(telemetry.AgentAttributes(e.id, string(e.role), e.cfg.Model, 0, e.maxIter)...),
	)
	defer span.End()

	e.machine.onChange = e.onStateChange(ctx)
	staged := e.state.Begin()
	staged.Append(conversation.Turn{Role: conversation.RoleUser, Content: input})

	e.logger.InfoContext(ctx, "agent.turn.start",
		slog.Int("history", e.state.Len()),
	)

	defer func() {
		if errors.Is(err, errors.CodeAborted) {
			staged.Discard()
		} else {
			staged.Commit()
		}
		e.machine.reset()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(errors.CodeOf(err)))
			e.metrics.RecordError(ctx, err, "agent")
			e.logger.WarnContext(ctx, "agent.turn.failed",
				slog.String("error", err.Error()),
			)
			return
		}
		e.logger.InfoContext(ctx, "agent.turn.done", slog.Int("history", e.state.Len()))
	}()

	if err := e.machine.to(StateModelInvocation); err != nil {
		return "", err
	}

	parseFailures := 0
	for iter := 1; ; iter++ {
		if iter > e.maxIter {
			return "", errors.Newf(errors.CodeProtocol, "no final answer after %d iterations", e.maxIter).
				WithContext("max_iterations", e.maxIter)
		}
		span.SetAttributes(attribute.Int(telemetry.AttrAgentIteration, iter))

		raw, err := e.invokeModel(ctx, staged.View(), iter)
		if err != nil {
			return "", err
		}
		if err := e.machine.to(StateParsingResponse); err != nil {
			return "", err
		}

		act, perr := action.Parse(raw)
		if perr != nil {
			parseFailures++
			reason := perr.Error()
			var pe *action.ParseError
			if stderrors.As(perr, &pe) {
				reason = pe.Reason
			}
			e.metrics.RecordParseFailure(ctx, string(e.role))
			e.emit(ctx, Event{Type: EventParseFailed, Message: reason, Err: perr})
			e.logger.DebugContext(ctx, "agent.parse.failed",
				slog.Int("consecutive", parseFailures),
				slog.String("reason", reason),
			)
			staged.Append(
				conversation.Turn{Role: conversation.RoleAgent, Content: raw},
				conversation.Turn{Role: conversation.RoleTool, Content: correction(reason, e.exec.Tools())},
			)
			if parseFailures > e.cfg.MaxParseRetries {
				return "", errors.New(errors.CodeProtocol, "model kept replying without a usable action", perr).
					WithContext("parse_failures", parseFailures)
			}
			if err := e.machine.to(StateModelInvocation); err != nil {
				return "", err
			}
			continue
		}
		parseFailures = 0
		staged.Append(conversation.Turn{
			Role:     conversation.RoleAgent,
			Content:  action.Encode(act),
			Metadata: map[string]string{"action": string(act.Kind())},
		})

		if err := e.machine.to(StateExecutingAction); err != nil {
			return "", err
		}
		res := e.exec.Execute(ctx, act)
		if res.Aborted() {
			return "", res.Err
		}
		if ctx.Err() != nil {
			return "", errors.New(errors.CodeAborted, "turn aborted", ctx.Err())
		}
		e.emit(ctx, Event{Type: EventAction, Action: act, Result: &res, Err: res.Err})
		if act.Kind() == action.KindRespond && res.OK() {
			e.emit(ctx, Event{Type: EventProgress, Message: res.Message})
		}

		if res.Terminal && res.OK() {
			if err := e.machine.to(StateRespondingToUser); err != nil {
				return "", err
			}
			return res.Message, nil
		}

		if err := e.machine.to(StateAppendingResult); err != nil {
			return "", err
		}
		staged.Append(conversation.Turn{
			Role:     conversation.RoleTool,
			Content:  res.Format(),
			Metadata: map[string]string{"action": string(res.Kind), "outcome": res.Outcome()},
		})
		if err := e.machine.to(StateModelInvocation); err != nil {
			return "", err
		}
	}
}

// invokeModel calls the provider with per-attempt timeout and retry.
func (e *engine) invokeModel(ctx context.Context, turns []conversation.Turn, iter int) (string, error) {
	msgs, dropped := e.messages(turns)
	if dropped > 0 {
		e.emit(ctx, Event{Type: EventContextTrimmed, Message: "dropped oldest turns"})
		e.logger.DebugContext(ctx, "agent.context.trimmed",
			slog.Int("dropped", dropped),
		)
	}

	ctx, span := telemetry.Tracer().Start(ctx, "agent.model",
		trace.WithAttributes(telemetry.LLMAttributes(e.cfg.Model, "", len(msgs))...),
	)
	defer span.End()
	span.SetAttributes(telemetry.SessionAttributes("", len(turns), dropped)...)

	req := llm.ChatRequest{
		Model:       e.cfg.Model,
		Messages:    msgs,
		Temperature: e.cfg.Temperature,
		Format:      llm.FormatJSON,
		MaxTokens:   e.cfg.MaxTokens,
	}
	rc := e.cfg.Retry.WithOnRetry(func(attempt int, err error, delay time.Duration) {
		e.emit(ctx, Event{Type: EventModelRetry, Err: err, Message: delay.String()})
		e.logger.WarnContext(ctx, "agent.model.retry",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
	})

	start := time.Now()
	resp, err := resilience.DoValue(ctx, rc, func() (*llm.ChatResponse, error) {
		return resilience.WithTimeoutValue(ctx, e.cfg.ModelTimeout, func(ctx context.Context) (*llm.ChatResponse, error) {
			return e.provider.Chat(ctx, req)
		})
	})
	durationMs := float64(time.Since(start).Microseconds()) / 1000
	e.metrics.RecordModelCall(ctx, e.cfg.Model, durationMs, err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "model call failed")
		if ctx.Err() != nil || errors.Is(err, errors.CodeAborted) {
			return "", errors.New(errors.CodeAborted, "model call aborted", err)
		}
		return "", errors.New(errors.CodeModel, "model call failed", err).
			WithContext("iteration", iter).
			WithRecoverable(false)
	}
	span.SetAttributes(telemetry.LLMUsageAttributes(resp.Usage.PromptTokens, resp.Usage.CompletionTokens, durationMs, resp.DoneReason)...)
	return resp.Content, nil
}

// messages renders the model context: the role prompt, then the history
// trimmed to the window.
func (e *engine) messages(turns []conversation.Turn) ([]llm.Message, int) {
	w := e.window
	if w.MaxTokens > 0 {
		counter := w.Counter
		if counter == nil {
			counter = conversation.ApproxCounter{}
		}
		ratio := w.Ratio
		if ratio <= 0 || ratio > 1 {
			ratio = conversation.DefaultRatio
		}
		reserved := conversation.CountTurn(counter, conversation.Turn{Content: e.prompt})
		w.MaxTokens -= int(float64(reserved) / ratio)
		if w.MaxTokens < 1 {
			w.MaxTokens = 1
		}
	}
	kept, dropped := w.Fit(turns)

	msgs := make([]llm.Message, 0, len(kept)+1)
	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: e.prompt})
	for _, t := range kept {
		msgs = append(msgs, toMessage(t))
	}
	return msgs, dropped
}

// toMessage maps a turn to a chat message. Tool results go back as user
// messages since the model replies in plain JSON rather than native tool
// calls.
func toMessage(t conversation.Turn) llm.Message {
	switch t.Role {
	case conversation.RoleAgent:
		return llm.Message{Role: llm.RoleAssistant, Content: t.Content}
	case conversation.RoleSystem:
		return llm.Message{Role: llm.RoleSystem, Content: t.Content}
	case conversation.RoleTool:
		return llm.Message{Role: llm.RoleUser, Content: "Action result:\n" + t.Content}
	default:
		return llm.Message{Role: llm.RoleUser, Content: t.Content}
	}
}
