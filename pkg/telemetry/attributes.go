// Copyright 2026 © The Codeagent Authors
// SPDX-License-Identifier: Apache-2.0

// Package telemetry provides OpenTelemetry integration and structured logging
// for the agent engine.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys used on spans and metrics.
const (
	// Agent attributes
	AttrAgentID        = "codeagent.agent.id"
	AttrAgentRole      = "codeagent.agent.role"
	AttrAgentModel     = "codeagent.agent.model"
	AttrAgentIteration = "codeagent.agent.iteration"
	AttrAgentMaxIter   = "codeagent.agent.max_iterations"

	// Session attributes
	AttrSessionID    = "codeagent.session.id"
	AttrTurnCount    = "codeagent.conversation.turn_count"
	AttrTurnsDropped = "codeagent.conversation.turns_dropped"

	// Action attributes
	AttrActionKind     = "codeagent.action.kind"
	AttrActionOutcome  = "codeagent.action.outcome"
	AttrActionResource = "codeagent.action.resource"
	AttrActionDuration = "codeagent.action.duration_ms"

	// Permission attributes
	AttrPermissionOperation = "codeagent.permission.operation"
	AttrPermissionDecision  = "codeagent.permission.decision"
	AttrPermissionScope     = "codeagent.permission.scope"
	AttrPermissionRule      = "codeagent.permission.rule"

	// Delegation attributes
	AttrDelegationID      = "codeagent.delegation.id"
	AttrDelegationTask    = "codeagent.delegation.task"
	AttrDelegationOutcome = "codeagent.delegation.outcome"

	// LLM attributes (extending standard gen_ai conventions)
	AttrLLMModel        = "gen_ai.request.model"
	AttrLLMProvider     = "gen_ai.system"
	AttrLLMMessages     = "gen_ai.request.messages"
	AttrLLMTokensInput  = "gen_ai.usage.input_tokens"
	AttrLLMTokensOutput = "gen_ai.usage.output_tokens"
	AttrLLMTokensTotal  = "gen_ai.usage.total_tokens"
	AttrLLMDurationMs   = "gen_ai.duration_ms"
	AttrLLMFinishReason = "gen_ai.finish_reason"

	// Error attributes
	AttrErrorCode = "error.code"
)

// AgentAttributes returns common attributes for agent spans.
func AgentAttributes(agentID, role, model string, iteration, maxIter int) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrAgentID, agentID),
	}
	if role != "" {
		attrs = append(attrs, attribute.String(AttrAgentRole, role))
	}
	if model != "" {
		attrs = append(attrs, attribute.String(AttrAgentModel, model))
	}
	if iteration > 0 {
		attrs = append(attrs, attribute.Int(AttrAgentIteration, iteration))
	}
	if maxIter > 0 {
		attrs = append(attrs, attribute.Int(AttrAgentMaxIter, maxIter))
	}
	return attrs
}

// SessionAttributes returns attributes for conversation tracking.
func SessionAttributes(sessionID string, turns, dropped int) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.Int(AttrTurnCount, turns),
	}
	if sessionID != "" {
		attrs = append(attrs, attribute.String(AttrSessionID, sessionID))
	}
	if dropped > 0 {
		attrs = append(attrs, attribute.Int(AttrTurnsDropped, dropped))
	}
	return attrs
}

// ActionAttributes returns attributes for an action execution span.
func ActionAttributes(kind, resource, outcome string, durationMs float64) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrActionKind, kind),
	}
	if resource != "" {
		attrs = append(attrs, attribute.String(AttrActionResource, resource))
	}
	if outcome != "" {
		attrs = append(attrs, attribute.String(AttrActionOutcome, outcome))
	}
	if durationMs > 0 {
		attrs = append(attrs, attribute.Float64(AttrActionDuration, durationMs))
	}
	return attrs
}

// PermissionAttributes returns attributes for a permission decision.
func PermissionAttributes(operation, decision, scope, rule string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrPermissionOperation, operation),
		attribute.String(AttrPermissionDecision, decision),
	}
	if scope != "" {
		attrs = append(attrs, attribute.String(AttrPermissionScope, scope))
	}
	if rule != "" {
		attrs = append(attrs, attribute.String(AttrPermissionRule, rule))
	}
	return attrs
}

// DelegationAttributes returns attributes for a delegation span.
func DelegationAttributes(id, task, outcome string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrDelegationID, id),
	}
	if task != "" {
		attrs = append(attrs, attribute.String(AttrDelegationTask, Truncate(task, 200)))
	}
	if outcome != "" {
		attrs = append(attrs, attribute.String(AttrDelegationOutcome, outcome))
	}
	return attrs
}

// LLMAttributes returns attributes for LLM call spans.
func LLMAttributes(model, provider string, msgCount int) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrLLMModel, model),
		attribute.Int(AttrLLMMessages, msgCount),
	}
	if provider != "" {
		attrs = append(attrs, attribute.String(AttrLLMProvider, provider))
	}
	return attrs
}

// LLMUsageAttributes returns token usage attributes.
func LLMUsageAttributes(inputTokens, outputTokens int, durationMs float64, finishReason string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{}
	if inputTokens > 0 {
		attrs = append(attrs, attribute.Int(AttrLLMTokensInput, inputTokens))
	}
	if outputTokens > 0 {
		attrs = append(attrs, attribute.Int(AttrLLMTokensOutput, outputTokens))
	}
	if inputTokens > 0 || outputTokens > 0 {
		attrs = append(attrs, attribute.Int(AttrLLMTokensTotal, inputTokens+outputTokens))
	}
	if durationMs > 0 {
		attrs = append(attrs, attribute.Float64(AttrLLMDurationMs, durationMs))
	}
	if finishReason != "" {
		attrs = append(attrs, attribute.String(AttrLLMFinishReason, finishReason))
	}
	return attrs
}

// Truncate shortens s to at most n bytes, marking the cut.
func Truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
