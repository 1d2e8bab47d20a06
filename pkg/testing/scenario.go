// Copyright 2026 © The Codeagent Authors
// SPDX-License-Identifier: Apache-2.0

// Package testing provides helpers for driving agent sessions in tests:
// a scripted model provider, a recording approver, declarative scenarios
// and a generic event collector.
//
// Example usage:
//
//	provider := testing.NewScenarioProvider().
//	    AddAction(action.RespondToUser{Message: "hi"})
//
//	scenario := testing.NewScenario("greeting").
//	    WithInput("Hello").
//	    ExpectOutput(testing.Equals("hi")).
//	    ExpectModelCalls(provider, 1)
//
//	result := scenario.Run(t, session)
//	result.Assert(t, scenario)
package testing

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jllopis/codeagent/pkg/errors"
)

// Scenario is one scripted exchange with an agent.
type Scenario struct {
	name          string
	description   string
	input         string
	context       context.Context
	timeout       time.Duration
	expectations  []Expectation
	setupFuncs    []func() error
	teardownFuncs []func() error
}

// Expectation is a condition checked after a scenario ran.
type Expectation interface {
	Check(result *ScenarioResult) error
	Description() string
}

// ScenarioResult is the outcome of running a scenario.
type ScenarioResult struct {
	Output   string
	Error    error
	Duration time.Duration
}

// NewScenario creates a scenario with a 30s timeout.
func NewScenario(name string) *Scenario {
	return &Scenario{
		name:    name,
		context: context.Background(),
		timeout: 30 * time.Second,
	}
}

// WithDescription sets the scenario description.
func (s *Scenario) WithDescription(desc string) *Scenario {
	s.description = desc
	return s
}

// WithInput sets the user input.
func (s *Scenario) WithInput(input string) *Scenario {
	s.input = input
	return s
}

// WithContext sets the parent context.
func (s *Scenario) WithContext(ctx context.Context) *Scenario {
	s.context = ctx
	return s
}

// WithTimeout bounds the run.
func (s *Scenario) WithTimeout(d time.Duration) *Scenario {
	s.timeout = d
	return s
}

// WithSetup runs fn before the scenario.
func (s *Scenario) WithSetup(fn func() error) *Scenario {
	s.setupFuncs = append(s.setupFuncs, fn)
	return s
}

// WithTeardown runs fn after the scenario.
func (s *Scenario) WithTeardown(fn func() error) *Scenario {
	s.teardownFuncs = append(s.teardownFuncs, fn)
	return s
}

// Expect adds an expectation.
func (s *Scenario) Expect(exp Expectation) *Scenario {
	s.expectations = append(s.expectations, exp)
	return s
}

// ExpectOutput expects the reply to match.
func (s *Scenario) ExpectOutput(matcher StringMatcher) *Scenario {
	return s.Expect(&outputExpectation{matcher: matcher})
}

// ExpectNoError expects the turn to succeed.
func (s *Scenario) ExpectNoError() *Scenario {
	return s.Expect(&noErrorExpectation{})
}

// ExpectError expects the turn to fail with a matching message.
func (s *Scenario) ExpectError(matcher StringMatcher) *Scenario {
	return s.Expect(&errorExpectation{matcher: matcher})
}

// ExpectErrorCode expects the turn to fail with code.
func (s *Scenario) ExpectErrorCode(code errors.ErrorCode) *Scenario {
	return s.Expect(&errorCodeExpectation{code: code})
}

// ExpectModelCalls expects p to have served exactly n calls.
func (s *Scenario) ExpectModelCalls(p *ScenarioProvider, n int) *Scenario {
	return s.Expect(&modelCallsExpectation{provider: p, want: n})
}

// ExpectPrompts expects a to have been asked exactly n times.
func (s *Scenario) ExpectPrompts(a *RecordingApprover, n int) *Scenario {
	return s.Expect(&promptsExpectation{approver: a, want: n})
}

// ExpectMaxDuration expects the turn to finish within d.
func (s *Scenario) ExpectMaxDuration(d time.Duration) *Scenario {
	return s.Expect(&maxDurationExpectation{max: d})
}

// AgentRunner is anything that runs a user turn.
type AgentRunner interface {
	Chat(ctx context.Context, input string) (string, error)
}

// Run executes the scenario against agent.
func (s *Scenario) Run(t *testing.T, agent AgentRunner) *ScenarioResult {
	t.Helper()

	for _, setup := range s.setupFuncs {
		if err := setup(); err != nil {
			t.Fatalf("scenario %q setup failed: %v", s.name, err)
		}
	}
	defer func() {
		for _, teardown := range s.teardownFuncs {
			if err := teardown(); err != nil {
				t.Errorf("scenario %q teardown failed: %v", s.name, err)
			}
		}
	}()

	ctx, cancel := context.WithTimeout(s.context, s.timeout)
	defer cancel()

	start := time.Now()
	output, err := agent.Chat(ctx, s.input)
	return &ScenarioResult{
		Output:   output,
		Error:    err,
		Duration: time.Since(start),
	}
}

// Assert checks every expectation of scenario and reports failures.
func (r *ScenarioResult) Assert(t *testing.T, scenario *Scenario) {
	t.Helper()
	for _, exp := range scenario.expectations {
		if err := exp.Check(r); err != nil {
			t.Errorf("scenario %q: expectation %q failed: %v", scenario.name, exp.Description(), err)
		}
	}
}

// StringMatcher matches strings in expectations.
type StringMatcher interface {
	Match(s string) bool
	Description() string
}

// Contains matches strings containing substr.
func Contains(substr string) StringMatcher {
	return stringMatcher{desc: fmt.Sprintf("contains %q", substr), fn: func(s string) bool {
		return strings.Contains(s, substr)
	}}
}

// Equals matches expected exactly.
func Equals(expected string) StringMatcher {
	return stringMatcher{desc: fmt.Sprintf("equals %q", expected), fn: func(s string) bool {
		return s == expected
	}}
}

// Regex matches a regular expression. An invalid pattern never matches.
func Regex(pattern string) StringMatcher {
	re, err := regexp.Compile(pattern)
	return stringMatcher{desc: fmt.Sprintf("matches /%s/", pattern), fn: func(s string) bool {
		return err == nil && re.MatchString(s)
	}}
}

// HasPrefix matches strings starting with prefix.
func HasPrefix(prefix string) StringMatcher {
	return stringMatcher{desc: fmt.Sprintf("has prefix %q", prefix), fn: func(s string) bool {
		return strings.HasPrefix(s, prefix)
	}}
}

type stringMatcher struct {
	desc string
	fn   func(string) bool
}

func (m stringMatcher) Match(s string) bool  { return m.fn(s) }
func (m stringMatcher) Description() string { return m.desc }

type outputExpectation struct {
	matcher StringMatcher
}

func (e *outputExpectation) Check(r *ScenarioResult) error {
	if !e.matcher.Match(r.Output) {
		return fmt.Errorf("output %q does not match: %s", r.Output, e.matcher.Description())
	}
	return nil
}

func (e *outputExpectation) Description() string { return "output " + e.matcher.Description() }

type noErrorExpectation struct{}

func (e *noErrorExpectation) Check(r *ScenarioResult) error {
	if r.Error != nil {
		return fmt.Errorf("unexpected error: %v", r.Error)
	}
	return nil
}

func (e *noErrorExpectation) Description() string { return "no error" }

type errorExpectation struct {
	matcher StringMatcher
}

func (e *errorExpectation) Check(r *ScenarioResult) error {
	if r.Error == nil {
		return fmt.Errorf("expected an error, got none")
	}
	if !e.matcher.Match(r.Error.Error()) {
		return fmt.Errorf("error %q does not match: %s", r.Error, e.matcher.Description())
	}
	return nil
}

func (e *errorExpectation) Description() string { return "error " + e.matcher.Description() }

type errorCodeExpectation struct {
	code errors.ErrorCode
}

func (e *errorCodeExpectation) Check(r *ScenarioResult) error {
	if !errors.Is(r.Error, e.code) {
		return fmt.Errorf("expected %s, got %v", e.code, r.Error)
	}
	return nil
}

func (e *errorCodeExpectation) Description() string { return "error code " + string(e.code) }

type modelCallsExpectation struct {
	provider *ScenarioProvider
	want     int
}

func (e *modelCallsExpectation) Check(*ScenarioResult) error {
	if got := e.provider.CallCount(); got != e.want {
		return fmt.Errorf("expected %d model calls, got %d", e.want, got)
	}
	return nil
}

func (e *modelCallsExpectation) Description() string { return fmt.Sprintf("%d model calls", e.want) }

type promptsExpectation struct {
	approver *RecordingApprover
	want     int
}

func (e *promptsExpectation) Check(*ScenarioResult) error {
	if got := e.approver.Count(); got != e.want {
		return fmt.Errorf("expected %d permission prompts, got %d", e.want, got)
	}
	return nil
}

func (e *promptsExpectation) Description() string {
	return fmt.Sprintf("%d permission prompts", e.want)
}

type maxDurationExpectation struct {
	max time.Duration
}

func (e *maxDurationExpectation) Check(r *ScenarioResult) error {
	if r.Duration > e.max {
		return fmt.Errorf("took %v, more than %v", r.Duration, e.max)
	}
	return nil
}

func (e *maxDurationExpectation) Description() string { return "finishes within " + e.max.String() }

// Collector gathers values, typically agent events, from concurrent callers.
type Collector[T any] struct {
	mu    sync.Mutex
	items []T
}

// NewCollector creates an empty collector.
func NewCollector[T any]() *Collector[T] {
	return &Collector[T]{}
}

// Collect records v.
func (c *Collector[T]) Collect(v T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append(c.items, v)
}

// Items returns a copy of what was collected.
func (c *Collector[T]) Items() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]T, len(c.items))
	copy(out, c.items)
	return out
}

// Filter returns the collected values keep accepts.
func (c *Collector[T]) Filter(keep func(T) bool) []T {
	var out []T
	for _, v := range c.Items() {
		if keep(v) {
			out = append(out, v)
		}
	}
	return out
}

// Count returns how many values were collected.
func (c *Collector[T]) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Reset forgets everything.
func (c *Collector[T]) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = nil
}
