// Copyright 2026 © The Codeagent Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jllopis/codeagent/pkg/action"
	"github.com/jllopis/codeagent/pkg/agent"
	"github.com/jllopis/codeagent/pkg/config"
	"github.com/jllopis/codeagent/pkg/errors"
	"github.com/jllopis/codeagent/pkg/executor"
	"github.com/jllopis/codeagent/pkg/permission"
	"github.com/jllopis/codeagent/pkg/projectctx"
	"github.com/jllopis/codeagent/pkg/telemetry"
	"github.com/jllopis/codeagent/pkg/workspace"
)

const sweepTimeout = 30 * time.Second

func newChatCmd(a *app) *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive session in the project",
		Long: `Start an interactive session. Type "exit" to leave.
Ctrl-C aborts the running turn; a second Ctrl-C, or Ctrl-C at the prompt, ends the session.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runChat(cmd.Context(), message)
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "send one message, print the reply and exit")
	return cmd
}

func (a *app) runChat(ctx context.Context, message string) error {
	watcher, err := config.NewWatcher(a.configOptions())
	if err != nil {
		return err
	}
	cfg := watcher.Config()
	logger := a.logger(cfg)

	shutdown, err := telemetry.Init("codeagent", version, telemetryConfig(cfg, a))
	if err != nil {
		return errors.New(errors.CodeInternal, "init telemetry", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdown(sctx)
	}()

	perms, closeStores, err := openPermissions(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStores()

	ws, err := workspace.NewLocal(cfg.Project.Dir)
	if err != nil {
		return err
	}
	provider, err := newProvider(cfg)
	if err != nil {
		return err
	}

	lines := permission.ReadLines(a.in)
	opts := []agent.Option{
		agent.WithLogger(logger),
		agent.WithMetrics(telemetry.DefaultMetrics()),
		agent.WithObserver(progressPrinter(a.out)),
	}
	if cfg.Project.Context {
		pc, err := projectctx.Load(cfg.Project.Dir, projectctx.WithHomeDir(a.homeDir))
		if err != nil {
			logger.WarnContext(ctx, "project.context.unreadable", slog.String("error", err.Error()))
		} else if !pc.Empty() {
			for _, s := range pc.Sources {
				logger.DebugContext(ctx, "project.context.loaded", slog.String("path", s.Path), slog.String("kind", s.Kind))
			}
			opts = append(opts, agent.WithProjectContext(pc.Text()))
		}
	}

	mainAgent, err := agent.New(agent.Deps{
		Provider:    provider,
		Workspace:   ws,
		Permissions: perms,
		Approver:    a.approver(cfg, lines),
	}, agentConfig(cfg), opts...)
	if err != nil {
		return err
	}
	logger.InfoContext(ctx, "session.start",
		slog.String("agent_id", mainAgent.ID()),
		slog.String("project", cfg.Project.Dir),
		slog.String("model", cfg.LLM.Model),
	)

	if message != "" {
		reply, err := mainAgent.Chat(ctx, message)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(a.out, reply)
		return nil
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(runCtx)
	if cfg.Permissions.Watch {
		g.Go(func() error {
			if err := perms.Watch(gctx); err != nil {
				logger.WarnContext(gctx, "permission.watch.failed", slog.String("error", err.Error()))
			}
			return nil
		})
	}
	interval := time.Duration(cfg.Permissions.SweepIntervalSeconds) * time.Second
	g.Go(func() error { return permission.NewSweeper(perms, interval, sweepTimeout).Run(gctx) })

	watcher.OnChange(func(next *config.Config) {
		rules, err := next.PermissionRules()
		if err != nil {
			logger.WarnContext(gctx, "config.rules.invalid", slog.String("error", err.Error()))
			return
		}
		perms.SetRules(rules)
	})
	g.Go(func() error { return watcher.Run(gctx) })

	interrupts := a.interrupts
	if interrupts == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
		defer signal.Stop(ch)
		interrupts = ch
	}

	s := &session{agent: mainAgent, lines: lines, interrupts: interrupts, out: a.out, errOut: a.errOut}
	loopErr := s.run(gctx)
	stop()
	if err := g.Wait(); err != nil && loopErr == nil {
		loopErr = err
	}
	logger.InfoContext(ctx, "session.end", slog.Int("turns", len(mainAgent.Turns())))
	return loopErr
}

// approver asks on the console when stdin is a terminal and denies
// otherwise, so unattended runs never write without a prior grant.
func (a *app) approver(cfg *config.Config, lines <-chan string) permission.Approver {
	if a.interactive == nil || !a.interactive() {
		return permission.StaticApprover{Approval: permission.Approval{Reason: "no terminal to ask for approval"}}
	}
	return permission.NewConsoleApprover(
		permission.WithApprovalLines(lines),
		permission.WithApprovalOutput(a.out),
		permission.WithApprovalTimeout(approvalTimeout(cfg)),
	)
}

type chatter interface {
	Chat(ctx context.Context, input string) (string, error)
}

// session is the read-eval loop of the chat command.
type session struct {
	agent      chatter
	lines      <-chan string
	interrupts <-chan os.Signal
	out        io.Writer
	errOut     io.Writer
}

func (s *session) run(ctx context.Context) error {
	for {
		_, _ = fmt.Fprint(s.out, "> ")
		var line string
		select {
		case <-ctx.Done():
			return nil
		case <-s.interrupts:
			_, _ = fmt.Fprintln(s.out)
			return nil
		case l, ok := <-s.lines:
			if !ok {
				_, _ = fmt.Fprintln(s.out)
				return nil
			}
			line = strings.TrimSpace(l)
		}
		switch line {
		case "":
			continue
		case "exit", "quit":
			return nil
		}

		reply, quit, err := s.turn(ctx, line)
		switch {
		case err == nil:
			_, _ = fmt.Fprintln(s.out, reply)
		case errors.Is(err, errors.CodeAborted):
			_, _ = fmt.Fprintln(s.errOut, "turn aborted")
		default:
			printError(s.errOut, err)
		}
		if quit {
			return nil
		}
	}
}

// turn runs one exchange. The first interrupt cancels it; a second one also
// ends the session.
func (s *session) turn(ctx context.Context, input string) (string, bool, error) {
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var quit atomic.Bool
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		interrupted := false
		for {
			select {
			case <-done:
				return
			case <-s.interrupts:
				if interrupted {
					quit.Store(true)
					return
				}
				interrupted = true
				cancel()
				_, _ = fmt.Fprintln(s.errOut, "\ninterrupted, press Ctrl-C again to quit")
			}
		}
	}()

	reply, err := s.agent.Chat(turnCtx, input)
	close(done)
	wg.Wait()
	return reply, quit.Load(), err
}

// progressPrinter shows what the agents are doing between prompts.
func progressPrinter(w io.Writer) agent.Observer {
	return agent.ObserverFunc(func(_ context.Context, ev agent.Event) {
		prefix := ""
		if ev.Role == executor.RoleSub {
			prefix = "  "
		}
		switch ev.Type {
		case agent.EventProgress:
			_, _ = fmt.Fprintf(w, "%s… %s\n", prefix, ev.Message)
		case agent.EventAction:
			if ev.Action == nil || ev.Action.Kind().IsTerminal() || ev.Action.Kind() == action.KindRespond {
				return
			}
			status := "ok"
			if ev.Result != nil && !ev.Result.OK() {
				status = string(errors.CodeOf(ev.Result.Err))
			}
			_, _ = fmt.Fprintf(w, "%s• %s [%s]\n", prefix, action.Describe(ev.Action), status)
		case agent.EventDelegation:
			_, _ = fmt.Fprintf(w, "%s↳ sub agent: %s\n", prefix, telemetry.Truncate(ev.Message, 80))
		}
	})
}
