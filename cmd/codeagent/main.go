// Copyright 2026 © The Codeagent Authors
// SPDX-License-Identifier: Apache-2.0

// Package main implements the codeagent CLI.
package main

import (
	"context"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

// app holds the process streams and the flags shared by every command.
type app struct {
	in     io.Reader
	out    io.Writer
	errOut io.Writer

	// interactive reports whether approvals can be asked on the console.
	interactive func() bool
	// interrupts delivers Ctrl-C to the chat loop.
	interrupts <-chan os.Signal

	projectDir string
	configPath string
	homeDir    string
	overrides  []string
	logLevel   string
	logFormat  string
}

func main() {
	a := newApp(os.Stdin, os.Stdout, os.Stderr)
	if err := newRootCmd(a).ExecuteContext(context.Background()); err != nil {
		printError(a.errOut, err)
		os.Exit(exitCode(err))
	}
}

func newApp(in io.Reader, out, errOut io.Writer) *app {
	return &app{
		in:          in,
		out:         out,
		errOut:      errOut,
		interactive: stdinIsTerminal,
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "codeagent",
		Short:         "A local coding assistant that reads and edits your project",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetIn(a.in)
	root.SetOut(a.out)
	root.SetErr(a.errOut)

	pf := root.PersistentFlags()
	pf.StringVarP(&a.projectDir, "project", "p", "", "project directory (default: current directory)")
	pf.StringVar(&a.configPath, "config", "", "additional config file merged after the project config")
	pf.StringArrayVar(&a.overrides, "set", nil, "override a config key (key=value, repeatable)")
	pf.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVar(&a.logFormat, "log-format", "", "log format: text or json")
	pf.StringVar(&a.homeDir, "home", "", "directory holding the global .codeagent config")
	_ = pf.MarkHidden("home")

	root.AddCommand(
		newChatCmd(a),
		newInitCmd(a),
		newPermissionsCmd(a),
		newConfigCmd(a),
	)
	return root
}
