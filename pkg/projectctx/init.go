package projectctx

import (
	"embed"
	"os"
	"path/filepath"
	"strings"

	"github.com/jllopis/codeagent/pkg/errors"
)

//go:embed templates/*.md
var templates embed.FS

// InitResult reports what Init changed.
type InitResult struct {
	Created          []string
	Skipped          []string
	GitignoreUpdated bool
}

// Init writes the .agent.md and .agent.local.md templates into dir. An
// existing .agent.md is only replaced when overwrite is set; an existing
// .agent.local.md is never touched. When dir has a .gitignore, the local file
// is added to it.
func Init(dir string, overwrite bool) (InitResult, error) {
	var res InitResult
	files := []struct {
		name, tmpl string
		replace    bool
	}{
		{AgentFile, "templates/agent.md", overwrite},
		{AgentLocalFile, "templates/agent.local.md", false},
	}
	for _, f := range files {
		path := filepath.Join(dir, f.name)
		if _, err := os.Stat(path); err == nil && !f.replace {
			res.Skipped = append(res.Skipped, path)
			continue
		}
		body, err := templates.ReadFile(f.tmpl)
		if err != nil {
			return res, errors.New(errors.CodeInternal, "missing template", err)
		}
		if err := os.WriteFile(path, body, 0o644); err != nil {
			return res, errors.New(errors.CodeIO, "write template", err).WithContext("path", path)
		}
		res.Created = append(res.Created, path)
	}

	updated, err := ignoreLocal(filepath.Join(dir, ".gitignore"))
	if err != nil {
		return res, err
	}
	res.GitignoreUpdated = updated
	return res, nil
}

func ignoreLocal(path string) (bool, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.New(errors.CodeIO, "read .gitignore", err).WithContext("path", path)
	}
	for _, line := range strings.Split(string(raw), "\n") {
		if strings.TrimSpace(line) == AgentLocalFile {
			return false, nil
		}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		return false, errors.New(errors.CodeIO, "open .gitignore", err).WithContext("path", path)
	}
	defer f.Close()
	prefix := "\n"
	if len(raw) == 0 || strings.HasSuffix(string(raw), "\n") {
		prefix = ""
	}
	if _, err := f.WriteString(prefix + "\n# codeagent local settings\n" + AgentLocalFile + "\n"); err != nil {
		return false, errors.New(errors.CodeIO, "update .gitignore", err).WithContext("path", path)
	}
	return true, nil
}
