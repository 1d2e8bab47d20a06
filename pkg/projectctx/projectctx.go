// Copyright 2026 © The Codeagent Authors
// SPDX-License-Identifier: Apache-2.0

// Package projectctx loads the instruction files that describe a project to
// the agent: AGENTS.md (searched upwards from the project), the user's
// ~/.agent.md, and the project's .agent.md and .agent.local.md.
package projectctx

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jllopis/codeagent/pkg/errors"
)

// File names, in the order they are merged.
const (
	AgentsFile     = "AGENTS.md"
	AgentFile      = ".agent.md"
	AgentLocalFile = ".agent.local.md"
)

// Source is one loaded file.
type Source struct {
	Path    string
	Kind    string // agents, global, project, local
	Content string
}

// Context is the merged project context. It is passed to the model verbatim.
type Context struct {
	Dir      string
	Sources  []Source
	LoadedAt time.Time
}

type options struct {
	home string
}

// Option configures Load.
type Option func(*options)

// WithHomeDir overrides where the user's ~/.agent.md is looked up. An empty
// dir disables the global file.
func WithHomeDir(dir string) Option {
	return func(o *options) { o.home = dir }
}

// Load reads every instruction file that exists for dir. Missing files are
// skipped; a file that exists but cannot be read is an IO_ERROR.
func Load(dir string, opts ...Option) (*Context, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New(errors.CodeInvalidInput, "project directory is required", nil)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, errors.New(errors.CodeInvalidInput, "resolve project directory", err)
	}
	o := options{}
	o.home, _ = os.UserHomeDir()
	for _, opt := range opts {
		opt(&o)
	}

	c := &Context{Dir: abs, LoadedAt: time.Now().UTC()}
	if p := findUp(abs, AgentsFile); p != "" {
		if err := c.add(p, "agents"); err != nil {
			return nil, err
		}
	}
	if o.home != "" {
		if err := c.add(filepath.Join(o.home, AgentFile), "global"); err != nil {
			return nil, err
		}
	}
	if err := c.add(filepath.Join(abs, AgentFile), "project"); err != nil {
		return nil, err
	}
	if err := c.add(filepath.Join(abs, AgentLocalFile), "local"); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Context) add(path, kind string) error {
	for _, s := range c.Sources {
		if s.Path == path {
			return nil
		}
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return errors.New(errors.CodeIO, "read project context", err).WithContext("path", path)
	}
	if strings.TrimSpace(string(raw)) == "" {
		return nil
	}
	c.Sources = append(c.Sources, Source{Path: path, Kind: kind, Content: string(raw)})
	return nil
}

// findUp returns the first name found in dir or one of its parents.
func findUp(dir, name string) string {
	for {
		candidate := filepath.Join(dir, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// Empty reports whether no file was found.
func (c *Context) Empty() bool {
	return c == nil || len(c.Sources) == 0
}

// Text joins the sources, each under a header naming its file. Later
// sources take precedence when they disagree, and the text says so.
func (c *Context) Text() string {
	if c.Empty() {
		return ""
	}
	var b strings.Builder
	if len(c.Sources) > 1 {
		b.WriteString("When these files disagree, later files take precedence.\n\n")
	}
	for i, s := range c.Sources {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("### ")
		b.WriteString(c.display(s.Path))
		b.WriteString("\n\n")
		b.WriteString(strings.TrimRight(s.Content, "\n"))
	}
	return b.String()
}

func (c *Context) display(p string) string {
	if rel, err := filepath.Rel(c.Dir, p); err == nil && !strings.HasPrefix(rel, "..") {
		return filepath.ToSlash(rel)
	}
	return p
}
