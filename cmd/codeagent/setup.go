// Copyright 2026 © The Codeagent Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"golang.org/x/term"

	"github.com/jllopis/codeagent/pkg/action"
	"github.com/jllopis/codeagent/pkg/agent"
	"github.com/jllopis/codeagent/pkg/config"
	"github.com/jllopis/codeagent/pkg/llm"
	"github.com/jllopis/codeagent/pkg/permission"
	"github.com/jllopis/codeagent/pkg/telemetry"
)

func stdinIsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

func (a *app) configOptions() config.Options {
	overrides := append([]string(nil), a.overrides...)
	if a.logLevel != "" {
		overrides = append(overrides, "log.level="+a.logLevel)
	}
	if a.logFormat != "" {
		overrides = append(overrides, "log.format="+a.logFormat)
	}
	return config.Options{
		ProjectDir: a.projectDir,
		HomeDir:    a.homeDir,
		ConfigPath: a.configPath,
		Overrides:  overrides,
	}
}

func (a *app) loadConfig() (*config.Config, error) {
	return config.Load(a.configOptions())
}

func (a *app) logger(cfg *config.Config) *slog.Logger {
	return telemetry.ConfigureSlog(a.errOut, cfg.Log.Level, cfg.Log.Format)
}

// permissions builds the manager over the configured stores. The returned
// func closes any database handles.
func openPermissions(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*permission.Manager, func(), error) {
	rules, err := cfg.PermissionRules()
	if err != nil {
		return nil, nil, err
	}
	project, closeProject := openStore(ctx, cfg.Permissions.Store, cfg.Permissions.ProjectPath, logger)
	global, closeGlobal := openStore(ctx, cfg.Permissions.Store, cfg.Permissions.GlobalPath, logger)
	projectTTL, globalTTL := cfg.TTLs()
	m := permission.NewManager(ctx,
		permission.WithRules(rules),
		permission.WithProjectStore(project),
		permission.WithGlobalStore(global),
		permission.WithTTL(projectTTL, globalTTL),
		permission.WithLogger(logger),
		permission.WithMetrics(telemetry.DefaultMetrics()),
	)
	return m, func() { closeProject(); closeGlobal() }, nil
}

// openStore never fails: an unusable database degrades to an empty store.
func openStore(ctx context.Context, kind, path string, logger *slog.Logger) (permission.Store, func()) {
	if path == "" {
		return permission.NewMemoryStore(), func() {}
	}
	if kind != "sqlite" {
		return permission.NewFileStore(path), func() {}
	}
	return permission.OpenSQLiteStoreOrEmpty(ctx, path, logger)
}

func newProvider(cfg *config.Config) (llm.Provider, error) {
	switch cfg.LLM.Provider {
	case "mock":
		return echoProvider(), nil
	default:
		return llm.NewOllama(cfg.LLM.BaseURL)
	}
}

// echoProvider answers every turn by repeating the last user message. It
// lets the CLI run without a model server.
func echoProvider() llm.Provider {
	return &llm.MockProvider{
		ChatFunc: func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
			last := ""
			for i := len(req.Messages) - 1; i >= 0; i-- {
				if req.Messages[i].Role == llm.RoleUser {
					last = req.Messages[i].Content
					break
				}
			}
			return &llm.ChatResponse{
				Content:    action.Encode(action.RespondToUser{Message: "echo: " + last}),
				DoneReason: "stop",
			}, nil
		},
	}
}

func agentConfig(cfg *config.Config) agent.Config {
	return agent.Config{
		Model:            cfg.LLM.Model,
		Temperature:      cfg.LLM.Temperature,
		MaxTokens:        cfg.LLM.MaxTokens,
		MaxIterations:    cfg.Agent.MaxIterations,
		SubMaxIterations: cfg.Agent.SubMaxIterations,
		MaxParseRetries:  cfg.Agent.MaxParseRetries,
		ContextTokens:    cfg.LLM.ContextTokens,
		TruncateRatio:    cfg.Agent.TruncateRatio,
		ModelTimeout:     cfg.ModelTimeout(),
		Retry:            cfg.RetryPolicy(),
		DisabledActions:  cfg.Agent.DisabledActions,
	}
}

func telemetryConfig(cfg *config.Config, a *app) telemetry.Config {
	return telemetry.Config{
		Exporter:           cfg.Telemetry.Exporter,
		OTLPEndpoint:       cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:       cfg.Telemetry.OTLPInsecure,
		OTLPTimeoutSeconds: cfg.Telemetry.OTLPTimeoutSeconds,
		Output:             a.errOut,
	}
}

func approvalTimeout(cfg *config.Config) time.Duration {
	return time.Duration(cfg.Permissions.ApprovalTimeoutSeconds) * time.Second
}
