package permission

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestSweepCompactsExpiredGrants(t *testing.T) {
	m, clock := newTestManager(t)
	ctx := context.Background()
	if _, err := m.Grant(ctx, "a.go", OpRead, ScopeProject); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Grant(ctx, "b.go", OpRead, ScopeGlobal); err != nil {
		t.Fatal(err)
	}
	clock.Advance(DefaultProjectTTL + time.Second)

	s := NewSweeper(m, time.Hour, time.Second)
	if n := s.Sweep(ctx); n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}
	if n := s.Sweep(ctx); n != 0 {
		t.Fatalf("second sweep removed %d", n)
	}
}

func TestSweeperStartStop(t *testing.T) {
	m, _ := newTestManager(t)
	s := NewSweeper(m, 5*time.Millisecond, 0)
	s.Start()
	s.Start()
	time.Sleep(20 * time.Millisecond)
	s.Stop()
	s.Stop()
}

func TestSweeperDisabled(t *testing.T) {
	m, _ := newTestManager(t)
	done := make(chan error, 1)
	go func() { done <- NewSweeper(m, 0, 0).Run(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("disabled sweeper should return immediately")
	}
}

func TestWatchReloadsOnExternalWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".codeagent", "permissions.json")
	m := NewManager(context.Background(), WithProjectStore(NewFileStore(path)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()
	// give the watcher time to register
	time.Sleep(50 * time.Millisecond)

	other := NewFileStore(path)
	g := testGrant("config.yaml", OpRead, time.Now(), time.Hour)
	if err := other.Put(context.Background(), g); err != nil {
		t.Fatalf("put: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for m.Check("config.yaml", OpRead) != Allow {
		if time.Now().After(deadline) {
			t.Fatalf("watcher did not reload the external grant")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestWatchWithoutFileStores(t *testing.T) {
	m, _ := newTestManager(t)
	if err := m.Watch(context.Background()); err != nil {
		t.Fatalf("unexpected error %v", err)
	}
}
