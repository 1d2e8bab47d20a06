// Copyright 2026 © The Codeagent Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"time"

	"github.com/jllopis/codeagent/pkg/conversation"
	"github.com/jllopis/codeagent/pkg/resilience"
)

// Defaults for Config.
const (
	DefaultMaxIterations   = 40
	DefaultMaxParseRetries = 3
	DefaultContextTokens   = 8192
	DefaultModelTimeout    = 120 * time.Second
	DefaultTemperature     = 0.2
)

// Config bounds the engine loop and shapes model calls.
type Config struct {
	Model       string
	Temperature float64
	// MaxTokens bounds each completion; zero uses the backend default.
	MaxTokens int

	// MaxIterations bounds model calls within one user turn.
	MaxIterations int
	// SubMaxIterations bounds a delegated sub agent. Zero uses MaxIterations.
	SubMaxIterations int
	// MaxParseRetries is how many consecutive unparseable replies are
	// tolerated before the turn fails.
	MaxParseRetries int

	// ContextTokens is the model context ceiling. Zero disables trimming.
	ContextTokens int
	TruncateRatio float64

	// ModelTimeout bounds each model attempt.
	ModelTimeout time.Duration
	Retry        resilience.RetryConfig

	// DisabledActions removes actions from both roles, by name or glob.
	DisabledActions []string
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Temperature:     DefaultTemperature,
		MaxIterations:   DefaultMaxIterations,
		MaxParseRetries: DefaultMaxParseRetries,
		ContextTokens:   DefaultContextTokens,
		TruncateRatio:   conversation.DefaultRatio,
		ModelTimeout:    DefaultModelTimeout,
		Retry:           resilience.DefaultRetryConfig(),
	}
}

// normalize fills zero values with defaults.
func (c Config) normalize() Config {
	d := DefaultConfig()
	if c.MaxIterations <= 0 {
		c.MaxIterations = d.MaxIterations
	}
	if c.SubMaxIterations <= 0 {
		c.SubMaxIterations = c.MaxIterations
	}
	if c.MaxParseRetries < 0 {
		c.MaxParseRetries = 0
	}
	if c.TruncateRatio <= 0 || c.TruncateRatio > 1 {
		c.TruncateRatio = d.TruncateRatio
	}
	if c.Retry.MaxAttempts < 1 {
		c.Retry = d.Retry
	}
	return c
}
