package projectctx

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jllopis/codeagent/pkg/errors"
)

func write(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestLoadFindsAgentsUpwards(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	write(t, filepath.Join(root, AgentsFile), "repo instructions")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	c, err := Load(nested, WithHomeDir(""))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(c.Sources) != 1 || c.Sources[0].Kind != "agents" {
		t.Fatalf("unexpected sources: %+v", c.Sources)
	}
	if c.Sources[0].Content != "repo instructions" {
		t.Fatalf("unexpected content: %q", c.Sources[0].Content)
	}
}

func TestLoadMergesInPrecedenceOrder(t *testing.T) {
	home := t.TempDir()
	dir := t.TempDir()
	write(t, filepath.Join(home, AgentFile), "global prefs")
	write(t, filepath.Join(dir, AgentFile), "project rules")
	write(t, filepath.Join(dir, AgentLocalFile), "local prefs")

	c, err := Load(dir, WithHomeDir(home))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	var kinds []string
	for _, s := range c.Sources {
		kinds = append(kinds, s.Kind)
	}
	if got := strings.Join(kinds, ","); got != "global,project,local" {
		t.Fatalf("unexpected order: %s", got)
	}

	text := c.Text()
	g := strings.Index(text, "global prefs")
	p := strings.Index(text, "project rules")
	l := strings.Index(text, "local prefs")
	if g < 0 || p < g || l < p {
		t.Fatalf("content out of order:\n%s", text)
	}
	if !strings.Contains(text, "### "+AgentLocalFile) {
		t.Fatalf("expected relative header for local file:\n%s", text)
	}
	if !strings.Contains(text, "later files take precedence") {
		t.Fatalf("expected precedence note:\n%s", text)
	}
}

func TestLoadSkipsEmptyFiles(t *testing.T) {
	dir := t.TempDir()
	write(t, filepath.Join(dir, AgentFile), "  \n")

	c, err := Load(dir, WithHomeDir(""))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !c.Empty() || c.Text() != "" {
		t.Fatalf("expected empty context, got %+v", c.Sources)
	}
}

func TestLoadRequiresDir(t *testing.T) {
	_, err := Load("  ")
	if !errors.Is(err, errors.CodeInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestTextKeepsContentVerbatim(t *testing.T) {
	dir := t.TempDir()
	body := "# Rules\n\n- use `go test ./...`\n- {\"json\": true}\n"
	write(t, filepath.Join(dir, AgentFile), body)

	c, err := Load(dir, WithHomeDir(""))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !strings.Contains(c.Text(), strings.TrimRight(body, "\n")) {
		t.Fatalf("content altered:\n%s", c.Text())
	}
	if strings.Contains(c.Text(), "precedence") {
		t.Fatalf("single source needs no precedence note")
	}
}

func TestInitWritesTemplates(t *testing.T) {
	dir := t.TempDir()
	write(t, filepath.Join(dir, ".gitignore"), "bin/")

	res, err := Init(dir, false)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if len(res.Created) != 2 || len(res.Skipped) != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !res.GitignoreUpdated {
		t.Fatalf("expected .gitignore update")
	}
	raw, _ := os.ReadFile(filepath.Join(dir, AgentFile))
	if !strings.Contains(string(raw), "## Common Commands") {
		t.Fatalf("unexpected template:\n%s", raw)
	}
	ignore, _ := os.ReadFile(filepath.Join(dir, ".gitignore"))
	if !strings.HasPrefix(string(ignore), "bin/\n") || !strings.Contains(string(ignore), "\n"+AgentLocalFile+"\n") {
		t.Fatalf("unexpected .gitignore:\n%s", ignore)
	}

	// Second run leaves everything alone.
	res, err = Init(dir, false)
	if err != nil {
		t.Fatalf("second init: %v", err)
	}
	if len(res.Created) != 0 || len(res.Skipped) != 2 || res.GitignoreUpdated {
		t.Fatalf("unexpected second result: %+v", res)
	}
}

func TestInitOverwriteKeepsLocalFile(t *testing.T) {
	dir := t.TempDir()
	write(t, filepath.Join(dir, AgentFile), "custom")
	write(t, filepath.Join(dir, AgentLocalFile), "mine")

	res, err := Init(dir, true)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if len(res.Created) != 1 || len(res.Skipped) != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	local, _ := os.ReadFile(filepath.Join(dir, AgentLocalFile))
	if string(local) != "mine" {
		t.Fatalf("local file was replaced: %q", local)
	}
	if res.GitignoreUpdated {
		t.Fatalf("no .gitignore to update")
	}
}
