package permission

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/codeagent/pkg/telemetry"
)

// DefaultSweepInterval is how often expired durable grants are compacted.
const DefaultSweepInterval = time.Hour

// Sweeper periodically compacts expired grants out of the durable stores.
type Sweeper struct {
	manager  *Manager
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper returns a sweeper for m. A non-positive interval disables it.
func NewSweeper(m *Manager, interval, timeout time.Duration) *Sweeper {
	return &Sweeper{
		manager:  m,
		interval: interval,
		timeout:  timeout,
		logger:   m.logger,
	}
}

// Run sweeps on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	if s.interval <= 0 {
		s.logger.InfoContext(ctx, "permission.sweeper.disabled", slog.Duration("interval", s.interval))
		return nil
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.logger.InfoContext(ctx, "permission.sweeper.start", slog.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "permission.sweeper.stop")
			return nil
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Start runs the sweeper in the background until Stop.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel, s.done = cancel, done
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
}

// Stop halts a sweeper started with Start and waits for it to exit.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Sweep compacts each durable store once and returns the grants removed.
func (s *Sweeper) Sweep(ctx context.Context) int {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	ctx, span := telemetry.Tracer().Start(ctx, "permission.sweep",
		trace.WithAttributes(attribute.String("timeout", s.timeout.String())),
	)
	defer span.End()

	total := 0
	for _, scope := range []Scope{ScopeProject, ScopeGlobal} {
		start := time.Now()
		removed, err := s.manager.Compact(ctx, scope)
		durationMs := float64(time.Since(start).Microseconds()) / 1000
		if err != nil {
			span.RecordError(err)
			s.manager.metrics.RecordError(ctx, err, "permission.sweeper")
			s.logger.WarnContext(ctx, "permission.sweep.error",
				slog.String("scope", string(scope)),
				slog.Float64("duration_ms", durationMs),
				slog.String("error", err.Error()),
			)
			continue
		}
		s.manager.metrics.RecordSweep(ctx, string(scope), removed)
		total += removed
		s.logger.DebugContext(ctx, "permission.sweep.scope",
			slog.String("scope", string(scope)),
			slog.Int("removed", removed),
			slog.Float64("duration_ms", durationMs),
		)
	}
	span.SetAttributes(attribute.Int("removed", total))
	s.logger.InfoContext(ctx, "permission.sweep.complete", slog.Int("removed", total))
	return total
}
