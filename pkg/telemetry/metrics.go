// Copyright 2026 © The Codeagent Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/codeagent/pkg/errors"
)

// InstrumentationName scopes every tracer and meter of the module.
const InstrumentationName = "github.com/jllopis/codeagent"

// Tracer returns the module tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

// Metrics holds the engine counters and histograms. All methods are safe on a
// nil receiver.
type Metrics struct {
	modelCalls     metric.Int64Counter
	modelLatencyMs metric.Float64Histogram
	parseFailures  metric.Int64Counter
	actions        metric.Int64Counter
	permissions    metric.Int64Counter
	delegations    metric.Int64Counter
	sweeps         metric.Int64Counter
	compacted      metric.Int64Counter
	errorsTotal    metric.Int64Counter
}

var (
	metricsOnce    sync.Once
	defaultMetrics *Metrics
)

// DefaultMetrics returns the process-wide Metrics bound to the global meter
// provider. Instruments created before the provider is installed forward to
// it once it is.
func DefaultMetrics() *Metrics {
	metricsOnce.Do(func() {
		m, err := NewMetrics(otel.Meter(InstrumentationName))
		if err == nil {
			defaultMetrics = m
		}
	})
	return defaultMetrics
}

// NewMetrics creates the instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)
	if m.modelCalls, err = meter.Int64Counter("codeagent.model.calls",
		metric.WithDescription("Model invocations by outcome")); err != nil {
		return nil, err
	}
	if m.modelLatencyMs, err = meter.Float64Histogram("codeagent.model.latency_ms",
		metric.WithDescription("Model invocation latency")); err != nil {
		return nil, err
	}
	if m.parseFailures, err = meter.Int64Counter("codeagent.parse.failures",
		metric.WithDescription("Model replies that did not parse into an action")); err != nil {
		return nil, err
	}
	if m.actions, err = meter.Int64Counter("codeagent.actions",
		metric.WithDescription("Executed actions by kind and outcome")); err != nil {
		return nil, err
	}
	if m.permissions, err = meter.Int64Counter("codeagent.permission.decisions",
		metric.WithDescription("Permission checks by operation and decision")); err != nil {
		return nil, err
	}
	if m.delegations, err = meter.Int64Counter("codeagent.delegations",
		metric.WithDescription("Sub agent delegations by outcome")); err != nil {
		return nil, err
	}
	if m.sweeps, err = meter.Int64Counter("codeagent.permission.sweep.count",
		metric.WithDescription("Expired grant sweeps")); err != nil {
		return nil, err
	}
	if m.compacted, err = meter.Int64Counter("codeagent.permission.compacted",
		metric.WithDescription("Expired grants removed by the sweeper")); err != nil {
		return nil, err
	}
	if m.errorsTotal, err = meter.Int64Counter("codeagent.errors.total",
		metric.WithDescription("Errors by code and component")); err != nil {
		return nil, err
	}
	return &m, nil
}

// RecordModelCall records one model invocation.
func (m *Metrics) RecordModelCall(ctx context.Context, model string, durationMs float64, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = string(errors.CodeOf(err))
		if outcome == "" {
			outcome = "error"
		}
	}
	attrs := metric.WithAttributes(
		attribute.String(AttrLLMModel, model),
		attribute.String("outcome", outcome),
	)
	m.modelCalls.Add(ctx, 1, attrs)
	m.modelLatencyMs.Record(ctx, durationMs, attrs)
}

// RecordParseFailure records a reply that did not parse.
func (m *Metrics) RecordParseFailure(ctx context.Context, role string) {
	if m == nil {
		return
	}
	m.parseFailures.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrAgentRole, role)))
}

// RecordAction records an executed action.
func (m *Metrics) RecordAction(ctx context.Context, kind, outcome string) {
	if m == nil {
		return
	}
	m.actions.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrActionKind, kind),
		attribute.String(AttrActionOutcome, outcome),
	))
}

// RecordPermission records a permission decision.
func (m *Metrics) RecordPermission(ctx context.Context, operation, decision string) {
	if m == nil {
		return
	}
	m.permissions.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrPermissionOperation, operation),
		attribute.String(AttrPermissionDecision, decision),
	))
}

// RecordDelegation records a finished delegation.
func (m *Metrics) RecordDelegation(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.delegations.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrDelegationOutcome, outcome)))
}

// RecordSweep records a sweeper pass over one store.
func (m *Metrics) RecordSweep(ctx context.Context, store string, removed int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("store", store))
	m.sweeps.Add(ctx, 1, attrs)
	if removed > 0 {
		m.compacted.Add(ctx, int64(removed), attrs)
	}
}

// RecordError increments the error counter for err's code in component.
func (m *Metrics) RecordError(ctx context.Context, err error, component string) {
	if m == nil || err == nil {
		return
	}
	code := "UNKNOWN"
	recoverable := "unknown"
	if ae := errors.AsAgentError(err); ae != nil && ae.Code != errors.CodeInternal {
		code = string(ae.Code)
		recoverable = ae.RecoverableString()
	}
	m.errorsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrErrorCode, code),
		attribute.String("component", component),
		attribute.String("recoverable", recoverable),
	))
}
