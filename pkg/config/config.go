// Copyright 2026 © The Codeagent Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the layered codeagent configuration: built-in
// defaults, the global and project files, an explicit file, CODEAGENT_*
// environment variables and --set overrides, in that order.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/jllopis/codeagent/pkg/errors"
	"github.com/jllopis/codeagent/pkg/permission"
	"github.com/jllopis/codeagent/pkg/resilience"
)

// EnvPrefix prefixes environment overrides: CODEAGENT_LLM_MODEL sets llm.model.
const EnvPrefix = "CODEAGENT_"

// DirName is the per-user and per-project configuration directory.
const DirName = ".codeagent"

type Config struct {
	Log         LogConfig         `koanf:"log" yaml:"log"`
	LLM         LLMConfig         `koanf:"llm" yaml:"llm"`
	Agent       AgentConfig       `koanf:"agent" yaml:"agent"`
	Retry       RetryConfig       `koanf:"retry" yaml:"retry"`
	Permissions PermissionsConfig `koanf:"permissions" yaml:"permissions"`
	Telemetry   TelemetryConfig   `koanf:"telemetry" yaml:"telemetry"`
	Project     ProjectConfig     `koanf:"project" yaml:"project"`

	// Sources lists the files that were merged, lowest precedence first.
	Sources []string `koanf:"-" yaml:"-"`
}

type LogConfig struct {
	Level  string `koanf:"level" yaml:"level"`
	Format string `koanf:"format" yaml:"format"` // json, text
}

type LLMConfig struct {
	Provider       string  `koanf:"provider" yaml:"provider"` // ollama, mock
	Model          string  `koanf:"model" yaml:"model"`
	BaseURL        string  `koanf:"base_url" yaml:"base_url"`
	TimeoutSeconds int     `koanf:"timeout_seconds" yaml:"timeout_seconds"`
	Temperature    float64 `koanf:"temperature" yaml:"temperature"`
	MaxTokens      int     `koanf:"max_tokens" yaml:"max_tokens"`
	// ContextTokens is the model context ceiling used for trimming.
	ContextTokens int `koanf:"context_tokens" yaml:"context_tokens"`
}

type AgentConfig struct {
	MaxIterations    int      `koanf:"max_iterations" yaml:"max_iterations"`
	SubMaxIterations int      `koanf:"sub_max_iterations" yaml:"sub_max_iterations"`
	MaxParseRetries  int      `koanf:"max_parse_retries" yaml:"max_parse_retries"`
	TruncateRatio    float64  `koanf:"truncate_ratio" yaml:"truncate_ratio"`
	DisabledActions  []string `koanf:"disabled_actions" yaml:"disabled_actions"`
}

type RetryConfig struct {
	MaxAttempts    int     `koanf:"max_attempts" yaml:"max_attempts"`
	InitialDelayMs int     `koanf:"initial_delay_ms" yaml:"initial_delay_ms"`
	MaxDelayMs     int     `koanf:"max_delay_ms" yaml:"max_delay_ms"`
	Multiplier     float64 `koanf:"multiplier" yaml:"multiplier"`
	Jitter         float64 `koanf:"jitter" yaml:"jitter"`
}

type PermissionsConfig struct {
	// Store selects the durable backend: file or sqlite.
	Store string `koanf:"store" yaml:"store"`
	// ProjectPath and GlobalPath override the store locations.
	ProjectPath            string       `koanf:"project_path" yaml:"project_path,omitempty"`
	GlobalPath             string       `koanf:"global_path" yaml:"global_path,omitempty"`
	ProjectTTLHours        int          `koanf:"project_ttl_hours" yaml:"project_ttl_hours"`
	GlobalTTLHours         int          `koanf:"global_ttl_hours" yaml:"global_ttl_hours"`
	SweepIntervalSeconds   int          `koanf:"sweep_interval_seconds" yaml:"sweep_interval_seconds"`
	ApprovalTimeoutSeconds int          `koanf:"approval_timeout_seconds" yaml:"approval_timeout_seconds"`
	Watch                  bool         `koanf:"watch" yaml:"watch"`
	Rules                  []RuleConfig `koanf:"rules" yaml:"rules,omitempty"`
}

// RuleConfig is a static permission rule.
type RuleConfig struct {
	ID        string `koanf:"id" yaml:"id,omitempty"`
	Pattern   string `koanf:"pattern" yaml:"pattern"`
	Operation string `koanf:"operation" yaml:"operation,omitempty"`
	Effect    string `koanf:"effect" yaml:"effect"`
	Reason    string `koanf:"reason" yaml:"reason,omitempty"`
}

type TelemetryConfig struct {
	Exporter           string `koanf:"exporter" yaml:"exporter"` // none, stdout, otlp
	OTLPEndpoint       string `koanf:"otlp_endpoint" yaml:"otlp_endpoint,omitempty"`
	OTLPInsecure       bool   `koanf:"otlp_insecure" yaml:"otlp_insecure"`
	OTLPTimeoutSeconds int    `koanf:"otlp_timeout_seconds" yaml:"otlp_timeout_seconds"`
}

type ProjectConfig struct {
	Dir string `koanf:"dir" yaml:"dir"`
	// Context toggles loading AGENTS.md and .agent*.md into the session.
	Context bool `koanf:"context" yaml:"context"`
}

// Options locates the configuration layers.
type Options struct {
	// ProjectDir is the workspace root. Empty means the working directory.
	ProjectDir string
	// HomeDir holds the global configuration. Empty means the user home.
	HomeDir string
	// ConfigPath is an explicit file merged after the project file.
	ConfigPath string
	// Overrides are key=value pairs applied last.
	Overrides []string
}

func defaults(k *koanf.Koanf) {
	k.Set("log.level", "info")
	k.Set("log.format", "text")

	k.Set("llm.provider", "ollama")
	k.Set("llm.model", "qwen2.5-coder:7b-instruct-q5_K_M")
	k.Set("llm.base_url", "http://localhost:11434")
	k.Set("llm.timeout_seconds", 120)
	k.Set("llm.temperature", 0.2)
	k.Set("llm.max_tokens", 0)
	k.Set("llm.context_tokens", 8192)

	k.Set("agent.max_iterations", 40)
	k.Set("agent.sub_max_iterations", 0)
	k.Set("agent.max_parse_retries", 3)
	k.Set("agent.truncate_ratio", 0.9)
	k.Set("agent.disabled_actions", []string{})

	k.Set("retry.max_attempts", 3)
	k.Set("retry.initial_delay_ms", 500)
	k.Set("retry.max_delay_ms", 10000)
	k.Set("retry.multiplier", 2.0)
	k.Set("retry.jitter", 0.1)

	k.Set("permissions.store", "file")
	k.Set("permissions.project_ttl_hours", 7*24)
	k.Set("permissions.global_ttl_hours", 30*24)
	k.Set("permissions.sweep_interval_seconds", 3600)
	k.Set("permissions.approval_timeout_seconds", 0)
	k.Set("permissions.watch", true)

	k.Set("telemetry.exporter", "none")
	k.Set("telemetry.otlp_insecure", true)
	k.Set("telemetry.otlp_timeout_seconds", 10)

	k.Set("project.dir", ".")
	k.Set("project.context", true)
}

// Load merges every layer described by opts.
func Load(opts Options) (*Config, error) {
	k := koanf.New(".")
	defaults(k)

	projectDir := opts.ProjectDir
	if projectDir == "" {
		projectDir = "."
	}
	absProject, err := filepath.Abs(projectDir)
	if err != nil {
		return nil, errors.New(errors.CodeInvalidInput, "resolve project directory", err)
	}
	k.Set("project.dir", absProject)

	home := opts.HomeDir
	if home == "" {
		home, _ = os.UserHomeDir()
	}

	var sources []string
	optional := []string{joinConfig(absProject)}
	if home != "" {
		optional = append([]string{joinConfig(home)}, optional...)
	}
	for _, p := range optional {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := k.Load(file.Provider(p), yaml.Parser()); err != nil {
			return nil, errors.New(errors.CodeInvalidInput, "parse config file", err).WithContext("path", p)
		}
		sources = append(sources, p)
	}

	if opts.ConfigPath != "" {
		if err := k.Load(file.Provider(opts.ConfigPath), yaml.Parser()); err != nil {
			return nil, errors.New(errors.CodeInvalidInput, "load config file", err).WithContext("path", opts.ConfigPath)
		}
		sources = append(sources, opts.ConfigPath)
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, errors.New(errors.CodeInvalidInput, "load environment", err)
	}

	for _, kv := range opts.Overrides {
		key, value, err := parseOverride(kv)
		if err != nil {
			return nil, err
		}
		k.Set(key, value)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, errors.New(errors.CodeInvalidInput, "decode config", err)
	}
	cfg.Sources = sources
	if cfg.Project.Dir == "" || !filepath.IsAbs(cfg.Project.Dir) {
		cfg.Project.Dir = filepath.Join(absProject, cfg.Project.Dir)
	}
	if home != "" && cfg.Permissions.GlobalPath == "" {
		cfg.Permissions.GlobalPath = filepath.Join(home, DirName, storeFile(cfg.Permissions.Store))
	}
	if cfg.Permissions.ProjectPath == "" {
		cfg.Permissions.ProjectPath = filepath.Join(cfg.Project.Dir, DirName, storeFile(cfg.Permissions.Store))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps CODEAGENT_LLM_BASE_URL to llm.base_url: the first segment is
// the section and the rest is the key.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, key, ok := strings.Cut(s, "_")
	if !ok {
		return section
	}
	return section + "." + key
}

func joinConfig(dir string) string {
	return filepath.Join(dir, DirName, "config.yaml")
}

func storeFile(store string) string {
	if store == "sqlite" {
		return "permissions.db"
	}
	return "permissions.json"
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	invalid := func(key string, value any) error {
		return errors.Newf(errors.CodeInvalidInput, "invalid value %v for %s", value, key).WithContext("key", key)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return invalid("log.format", c.Log.Format)
	}
	switch c.LLM.Provider {
	case "ollama", "mock":
	default:
		return invalid("llm.provider", c.LLM.Provider)
	}
	switch c.Permissions.Store {
	case "file", "sqlite":
	default:
		return invalid("permissions.store", c.Permissions.Store)
	}
	switch c.Telemetry.Exporter {
	case "", "none", "stdout", "otlp":
	default:
		return invalid("telemetry.exporter", c.Telemetry.Exporter)
	}
	if c.Agent.TruncateRatio <= 0 || c.Agent.TruncateRatio > 1 {
		return invalid("agent.truncate_ratio", c.Agent.TruncateRatio)
	}
	if c.Agent.MaxParseRetries < 0 {
		return invalid("agent.max_parse_retries", c.Agent.MaxParseRetries)
	}
	if c.Retry.MaxAttempts < 1 {
		return invalid("retry.max_attempts", c.Retry.MaxAttempts)
	}
	if _, err := c.PermissionRules(); err != nil {
		return err
	}
	return nil
}

// PermissionRules converts the configured rules.
func (c *Config) PermissionRules() ([]permission.Rule, error) {
	rules := make([]permission.Rule, 0, len(c.Permissions.Rules))
	for i, r := range c.Permissions.Rules {
		op := permission.OpAny
		if r.Operation != "" {
			parsed, err := permission.ParseOperation(r.Operation)
			if err != nil {
				return nil, errors.New(errors.CodeInvalidInput, "invalid rule operation", err).WithContext("rule", i)
			}
			op = parsed
		}
		if !permission.ValidatePattern(r.Pattern) {
			return nil, errors.Newf(errors.CodeInvalidInput, "invalid rule pattern %q", r.Pattern).WithContext("rule", i)
		}
		effect := permission.Decision(strings.ToLower(r.Effect))
		switch effect {
		case permission.Allow, permission.Deny, permission.Ask:
		default:
			return nil, errors.Newf(errors.CodeInvalidInput, "invalid rule effect %q", r.Effect).WithContext("rule", i)
		}
		rules = append(rules, permission.Rule{
			ID:        r.ID,
			Pattern:   r.Pattern,
			Operation: op,
			Effect:    effect,
			Reason:    r.Reason,
		})
	}
	return rules, nil
}

// RetryPolicy converts the retry section.
func (c *Config) RetryPolicy() resilience.RetryConfig {
	rc := resilience.DefaultRetryConfig().
		WithMaxAttempts(c.Retry.MaxAttempts).
		WithInitialDelay(time.Duration(c.Retry.InitialDelayMs) * time.Millisecond).
		WithMaxDelay(time.Duration(c.Retry.MaxDelayMs) * time.Millisecond)
	if c.Retry.Multiplier > 0 {
		rc.Multiplier = c.Retry.Multiplier
	}
	rc.Jitter = c.Retry.Jitter
	return rc
}

// ModelTimeout is the per-attempt bound of model calls.
func (c *Config) ModelTimeout() time.Duration {
	return time.Duration(c.LLM.TimeoutSeconds) * time.Second
}

// TTLs returns the project and global grant lifetimes.
func (c *Config) TTLs() (project, global time.Duration) {
	return time.Duration(c.Permissions.ProjectTTLHours) * time.Hour,
		time.Duration(c.Permissions.GlobalTTLHours) * time.Hour
}
