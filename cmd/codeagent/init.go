// Copyright 2026 © The Codeagent Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jllopis/codeagent/pkg/config"
	"github.com/jllopis/codeagent/pkg/errors"
	"github.com/jllopis/codeagent/pkg/projectctx"
)

func newInitCmd(a *app) *cobra.Command {
	var force, withConfig bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write .agent.md and .agent.local.md templates into the project",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runInit(force, withConfig)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing .agent.md")
	cmd.Flags().BoolVar(&withConfig, "with-config", false, "also write .codeagent/config.yaml with the effective settings")
	return cmd
}

func (a *app) runInit(force, withConfig bool) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	dir := cfg.Project.Dir

	res, err := projectctx.Init(dir, force)
	if err != nil {
		return err
	}
	for _, p := range res.Created {
		_, _ = fmt.Fprintf(a.out, "created %s\n", p)
	}
	for _, p := range res.Skipped {
		_, _ = fmt.Fprintf(a.out, "kept %s\n", p)
	}
	if res.GitignoreUpdated {
		_, _ = fmt.Fprintf(a.out, "added %s to .gitignore\n", projectctx.AgentLocalFile)
	}

	if withConfig {
		path := filepath.Join(dir, config.DirName, "config.yaml")
		if err := writeConfigFile(cfg, path, force); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(a.out, "wrote %s\n", path)
	}
	_, _ = fmt.Fprintln(a.out, initHint(res))
	return nil
}

// writeConfigFile dumps cfg without the derived store paths, which would pin
// the project to its current location.
func writeConfigFile(cfg *config.Config, path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return errors.New(errors.CodeInvalidInput, "config file already exists", nil).WithContext("path", path)
	}
	c := *cfg
	c.Permissions.ProjectPath = ""
	c.Permissions.GlobalPath = ""
	c.Project.Dir = "."
	out, err := c.YAML()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.New(errors.CodeIO, "create config directory", err).WithContext("path", path)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return errors.New(errors.CodeIO, "write config file", err).WithContext("path", path)
	}
	return nil
}

func initHint(res projectctx.InitResult) string {
	if len(res.Created) == 0 {
		return "nothing to do; pass --force to rewrite " + projectctx.AgentFile
	}
	return "edit " + projectctx.AgentFile + " to describe your project; " + projectctx.AgentLocalFile + " is for personal notes"
}
