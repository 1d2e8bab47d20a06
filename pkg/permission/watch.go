package permission

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jllopis/codeagent/pkg/errors"
)

// watchDebounce coalesces the burst of events an atomic rename produces.
const watchDebounce = 200 * time.Millisecond

// pathStore is implemented by stores backed by a single file.
type pathStore interface {
	Path() string
}

// Watch reloads durable grants whenever another process rewrites a file
// backed store. It blocks until ctx is done. Managers without file stores
// return immediately.
func (m *Manager) Watch(ctx context.Context) error {
	files := make(map[string]bool)
	for _, st := range m.Stores() {
		if ps, ok := st.(pathStore); ok && ps.Path() != "" {
			files[filepath.Clean(ps.Path())] = true
		}
	}
	if len(files) == 0 {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.New(errors.CodeIO, "create permission watcher", err)
	}
	defer w.Close()

	for f := range files {
		dir := filepath.Dir(f)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.New(errors.CodeIO, "create store directory", err).WithContext("path", dir)
		}
		if err := w.Add(dir); err != nil {
			return errors.New(errors.CodeIO, "watch store directory", err).WithContext("path", dir)
		}
	}
	m.logger.DebugContext(ctx, "permission.watch.start", slog.Int("files", len(files)))

	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			m.logger.DebugContext(ctx, "permission.watch.stop")
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !files[filepath.Clean(ev.Name)] {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
			} else {
				timer.Reset(watchDebounce)
			}
			timerCh = timer.C
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			m.logger.WarnContext(ctx, "permission.watch.error", slog.String("error", err.Error()))
		case <-timerCh:
			timerCh = nil
			m.Reload(ctx)
			m.logger.DebugContext(ctx, "permission.watch.reload")
		}
	}
}
