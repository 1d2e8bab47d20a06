// Package workspace gives agents rooted access to the project directory.
package workspace

import (
	"context"
	stderrors "errors"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jllopis/codeagent/pkg/errors"
)

// DefaultMaxReadBytes caps how much of a file is handed to the model.
const DefaultMaxReadBytes = 1 << 20

// Entry is one listing result.
type Entry struct {
	// Path is relative to the workspace root, slash separated.
	Path  string
	Name  string
	IsDir bool
	Size  int64
	// Depth is 0 for direct children of the listed directory.
	Depth int
}

// FS is the filesystem surface the executor works against.
type FS interface {
	// Rel canonicalises p to a slash separated path relative to the root,
	// rejecting paths that escape it. The root itself is ".".
	Rel(p string) (string, error)
	ReadFile(ctx context.Context, p string) ([]byte, error)
	// WriteFile atomically replaces or creates p and reports whether it
	// was created.
	WriteFile(ctx context.Context, p string, data []byte) (bool, error)
	// ListDir lists p. Hidden entries are skipped. maxDepth bounds recursion;
	// zero lists direct children only.
	ListDir(ctx context.Context, p string, recursive bool, maxDepth int) ([]Entry, error)
}

// Local is an FS rooted at a directory on disk.
type Local struct {
	root         string
	maxReadBytes int64
}

// LocalOption configures Local.
type LocalOption func(*Local)

// WithMaxReadBytes overrides DefaultMaxReadBytes.
func WithMaxReadBytes(n int64) LocalOption {
	return func(l *Local) {
		if n > 0 {
			l.maxReadBytes = n
		}
	}
}

// NewLocal roots a workspace at dir.
func NewLocal(dir string, opts ...LocalOption) (*Local, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, errors.New(errors.CodeInvalidInput, "invalid workspace root", err)
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		abs = real
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, ioError("open workspace", abs, err)
	}
	if !info.IsDir() {
		return nil, errors.New(errors.CodeInvalidInput, "workspace root is not a directory", nil).
			WithContext("path", abs)
	}
	l := &Local{root: abs, maxReadBytes: DefaultMaxReadBytes}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Root returns the absolute workspace root.
func (l *Local) Root() string { return l.root }

// Rel implements FS.
func (l *Local) Rel(p string) (string, error) {
	_, rel, err := l.resolve(p)
	return rel, err
}

// resolve maps p to an absolute path inside the root. Existing symlinks are
// followed so a link cannot be used to leave the root.
func (l *Local) resolve(p string) (string, string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		p = "."
	}
	p = strings.ReplaceAll(p, "\\", "/")

	var abs string
	if filepath.IsAbs(p) {
		abs = filepath.Clean(p)
	} else {
		abs = filepath.Clean(filepath.Join(l.root, filepath.FromSlash(p)))
	}
	if !isWithinRoot(abs, l.root) {
		return "", "", escapeError(p)
	}

	if real, err := evalExisting(abs); err == nil && !isWithinRoot(real, l.root) {
		return "", "", escapeError(p)
	}

	rel, err := filepath.Rel(l.root, abs)
	if err != nil {
		return "", "", escapeError(p)
	}
	return abs, path.Clean(filepath.ToSlash(rel)), nil
}

// evalExisting resolves symlinks in the longest existing prefix of p.
func evalExisting(p string) (string, error) {
	dir, rest := p, ""
	for {
		real, err := filepath.EvalSymlinks(dir)
		if err == nil {
			return filepath.Join(real, rest), nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", err
		}
		rest = filepath.Join(filepath.Base(dir), rest)
		dir = parent
	}
}

func isWithinRoot(p, root string) bool {
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(p))
	if err != nil {
		return false
	}
	rel = filepath.Clean(rel)
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator))
}

// ReadFile implements FS.
func (l *Local) ReadFile(ctx context.Context, p string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, abortError(err)
	}
	abs, rel, err := l.resolve(p)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(abs)
	if err != nil {
		return nil, ioError("read", rel, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, ioError("read", rel, err)
	}
	if info.IsDir() {
		return nil, errors.New(errors.CodeIO, "is a directory", nil).
			WithContext("path", rel).
			WithAttribute("io.kind", errors.IOKindIO)
	}
	if info.Size() > l.maxReadBytes {
		return nil, errors.Newf(errors.CodeIO, "file is %d bytes, larger than the %d byte read limit", info.Size(), l.maxReadBytes).
			WithContext("path", rel).
			WithAttribute("io.kind", errors.IOKindIO)
	}
	data, err := io.ReadAll(io.LimitReader(f, l.maxReadBytes))
	if err != nil {
		return nil, ioError("read", rel, err)
	}
	return data, nil
}

// WriteFile implements FS. The content goes to a temporary file in the target
// directory which is then renamed over the destination.
func (l *Local) WriteFile(ctx context.Context, p string, data []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, abortError(err)
	}
	abs, rel, err := l.resolve(p)
	if err != nil {
		return false, err
	}
	if rel == "." {
		return false, errors.New(errors.CodeIO, "cannot write to the workspace root", nil).
			WithAttribute("io.kind", errors.IOKindIO)
	}

	mode := fs.FileMode(0o644)
	created := true
	if info, err := os.Stat(abs); err == nil {
		if info.IsDir() {
			return false, errors.New(errors.CodeIO, "is a directory", nil).
				WithContext("path", rel).
				WithAttribute("io.kind", errors.IOKindIO)
		}
		mode = info.Mode().Perm()
		created = false
	}

	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, ioError("write", rel, err)
	}
	tmp, err := os.CreateTemp(dir, ".codeagent-*.tmp")
	if err != nil {
		return false, ioError("write", rel, err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return false, ioError("write", rel, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return false, ioError("write", rel, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return false, ioError("write", rel, err)
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		cleanup()
		return false, ioError("write", rel, err)
	}
	if err := os.Rename(tmpName, abs); err != nil {
		cleanup()
		return false, ioError("write", rel, err)
	}
	return created, nil
}

// ListDir implements FS. Directories sort before files, case-insensitively by
// name, and each directory is followed by its own children.
func (l *Local) ListDir(ctx context.Context, p string, recursive bool, maxDepth int) ([]Entry, error) {
	abs, rel, err := l.resolve(p)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, ioError("list", rel, err)
	}
	if !info.IsDir() {
		return nil, errors.New(errors.CodeIO, "not a directory", nil).
			WithContext("path", rel).
			WithAttribute("io.kind", errors.IOKindIO)
	}
	if !recursive {
		maxDepth = 0
	}

	var out []Entry
	var walk func(dir, relDir string, depth int) error
	walk = func(dir, relDir string, depth int) error {
		if err := ctx.Err(); err != nil {
			return abortError(err)
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			return ioError("list", relDir, err)
		}
		sort.SliceStable(entries, func(i, j int) bool {
			if entries[i].IsDir() != entries[j].IsDir() {
				return entries[i].IsDir()
			}
			return strings.ToLower(entries[i].Name()) < strings.ToLower(entries[j].Name())
		})
		for _, e := range entries {
			name := e.Name()
			if strings.HasPrefix(name, ".") {
				continue
			}
			entryRel := path.Join(relDir, name)
			entry := Entry{Path: entryRel, Name: name, IsDir: e.IsDir(), Depth: depth}
			if !e.IsDir() {
				if fi, err := e.Info(); err == nil {
					entry.Size = fi.Size()
				}
			}
			out = append(out, entry)
			if e.IsDir() && depth < maxDepth {
				if err := walk(filepath.Join(dir, name), entryRel, depth+1); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := walk(abs, rel, 0); err != nil {
		return nil, err
	}
	return out, nil
}

func escapeError(p string) error {
	return errors.New(errors.CodePermissionDenied, "path escapes the project root", nil).
		WithContext("path", p)
}

func abortError(err error) error {
	return errors.New(errors.CodeAborted, "operation aborted", err)
}

// ioError classifies err and keeps its message verbatim.
func ioError(op, p string, err error) error {
	kind := errors.IOKindIO
	switch {
	case stderrors.Is(err, fs.ErrNotExist):
		kind = errors.IOKindNotFound
	case stderrors.Is(err, fs.ErrPermission):
		kind = errors.IOKindOSPermission
	}
	return errors.New(errors.CodeIO, op+" "+p+" failed", err).
		WithContext("path", p).
		WithContext("io.kind", kind).
		WithAttribute("io.kind", kind)
}

// IOKind returns the classified kind of an IO_ERROR, or "" for other errors.
func IOKind(err error) string {
	ae := errors.AsAgentError(err)
	if ae == nil || ae.Code != errors.CodeIO {
		return ""
	}
	return ae.Attributes["io.kind"]
}
