package permission

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jllopis/codeagent/pkg/errors"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestManager(t *testing.T, opts ...Option) (*Manager, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	base := []Option{
		WithClock(clock.Now),
		WithLogger(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))),
	}
	return NewManager(context.Background(), append(base, opts...)...), clock
}

func TestCheckWithoutGrantsAsks(t *testing.T) {
	m, _ := newTestManager(t)
	if d := m.Check("config.yaml", OpRead); d != Ask {
		t.Fatalf("Check = %s, want ask", d)
	}
}

func TestCheckIsIdempotent(t *testing.T) {
	m, _ := newTestManager(t)
	if _, err := m.Grant(context.Background(), "src/*", OpWrite, ScopeSession); err != nil {
		t.Fatalf("grant: %v", err)
	}
	for _, res := range []string{"src/a.go", "README.md"} {
		first := m.Check(res, OpWrite)
		for i := 0; i < 5; i++ {
			if d := m.Check(res, OpWrite); d != first {
				t.Fatalf("Check(%s) changed from %s to %s", res, first, d)
			}
		}
	}
	if len(m.List()) != 1 {
		t.Fatalf("Check must not record grants")
	}
}

func TestSessionGrantAllows(t *testing.T) {
	m, _ := newTestManager(t)
	g, err := m.Grant(context.Background(), "config.yaml", OpRead, ScopeSession)
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	if !g.ExpiresAt.IsZero() {
		t.Fatalf("session grants do not expire, got %v", g.ExpiresAt)
	}
	if d := m.Check("config.yaml", OpRead); d != Allow {
		t.Fatalf("Check = %s, want allow", d)
	}
	if d := m.Check("config.yaml", OpWrite); d != Ask {
		t.Fatalf("read grant must not cover write, got %s", d)
	}
}

func TestExpiredProjectGrantIsLikeNoGrant(t *testing.T) {
	m, clock := newTestManager(t)
	g, err := m.Grant(context.Background(), "main.go", OpWrite, ScopeProject)
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	if want := clock.t.Add(DefaultProjectTTL); !g.ExpiresAt.Equal(want) {
		t.Fatalf("ExpiresAt = %v, want %v", g.ExpiresAt, want)
	}
	if d := m.Check("main.go", OpWrite); d != Allow {
		t.Fatalf("Check = %s, want allow", d)
	}
	clock.Advance(DefaultProjectTTL)
	if d := m.Check("main.go", OpWrite); d != Ask {
		t.Fatalf("expired grant should ask, got %s", d)
	}
}

func TestGlobalTTLOverride(t *testing.T) {
	m, clock := newTestManager(t, WithTTL(0, time.Hour))
	g, err := m.Grant(context.Background(), "*", OpWrite, ScopeGlobal)
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	if !g.ExpiresAt.Equal(clock.t.Add(time.Hour)) {
		t.Fatalf("unexpected expiry %v", g.ExpiresAt)
	}
}

func TestDenyGrantBeatsBroaderAllow(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	if _, err := m.Grant(ctx, "**", OpAny, ScopeProject); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Deny(ctx, "secrets/*", OpAny, ScopeSession); err != nil {
		t.Fatal(err)
	}
	if d := m.Check("secrets/key.pem", OpRead); d != Deny {
		t.Fatalf("Check = %s, want deny", d)
	}
	if d := m.Check("src/a.go", OpRead); d != Allow {
		t.Fatalf("Check = %s, want allow", d)
	}
}

func TestRulesOverrideGrants(t *testing.T) {
	m, _ := newTestManager(t, WithRules([]Rule{
		{ID: "no-env", Pattern: ".env", Effect: Deny},
		{ID: "review-ci", Pattern: ".github/**", Operation: OpWrite, Effect: Ask},
	}))
	ctx := context.Background()
	if _, err := m.Grant(ctx, "**", OpAny, ScopeSession); err != nil {
		t.Fatal(err)
	}

	v := m.Explain(".env", OpRead)
	if v.Decision != Deny || v.Source != SourceRule || v.Rule.ID != "no-env" {
		t.Fatalf("unexpected verdict %+v", v)
	}
	if d := m.Check(".github/workflows/ci.yml", OpWrite); d != Ask {
		t.Fatalf("ask rule should override the grant, got %s", d)
	}
	v = m.Explain("main.go", OpRead)
	if v.Source != SourceGrant || v.Grant.Pattern != "**" {
		t.Fatalf("unexpected verdict %+v", v)
	}
}

func TestSetRulesReplacesPolicy(t *testing.T) {
	m, _ := newTestManager(t, WithRules([]Rule{{Pattern: "**", Effect: Deny}}))
	if d := m.Check("main.go", OpRead); d != Deny {
		t.Fatalf("Check = %s, want deny", d)
	}
	m.SetRules([]Rule{{Pattern: "*.go", Operation: OpRead, Effect: Allow}})
	if d := m.Check("main.go", OpRead); d != Allow {
		t.Fatalf("Check = %s after SetRules, want allow", d)
	}
	if d := m.Check("main.go", OpWrite); d != Ask {
		t.Fatalf("Check = %s for an unmatched op, want ask", d)
	}
}

func TestGrantRejectsInvalidInput(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	cases := []struct {
		pattern string
		op      Operation
		scope   Scope
	}{
		{"", OpRead, ScopeSession},
		{"src/[", OpRead, ScopeSession},
		{"a.go", "exec", ScopeSession},
		{"a.go", OpRead, ScopeOnce},
	}
	for _, tc := range cases {
		if _, err := m.Grant(ctx, tc.pattern, tc.op, tc.scope); !errors.Is(err, errors.CodeInvalidInput) {
			t.Errorf("Grant(%q, %q, %q): expected invalid input, got %v", tc.pattern, tc.op, tc.scope, err)
		}
	}
}

func TestRevoke(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	for _, scope := range []Scope{ScopeSession, ScopeProject, ScopeGlobal} {
		if _, err := m.Grant(ctx, "a.go", OpRead, scope); err != nil {
			t.Fatal(err)
		}
		ok, err := m.Revoke(ctx, "a.go", OpRead, scope)
		if err != nil || !ok {
			t.Fatalf("%s revoke: %v %v", scope, ok, err)
		}
		if d := m.Check("a.go", OpRead); d != Ask {
			t.Fatalf("%s: revoked grant still applies: %s", scope, d)
		}
	}
	if _, err := m.Revoke(ctx, "a.go", OpRead, ScopeOnce); err == nil {
		t.Fatalf("expected error for once scope")
	}
}

func TestDurableGrantsSurviveRestart(t *testing.T) {
	dir := t.TempDir()
	project := filepath.Join(dir, ".codeagent", "permissions.json")
	ctx := context.Background()

	first := NewManager(ctx, WithProjectStore(NewFileStore(project)))
	if _, err := first.Grant(ctx, "config.yaml", OpRead, ScopeProject); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if _, err := first.Grant(ctx, "notes.md", OpRead, ScopeSession); err != nil {
		t.Fatalf("grant: %v", err)
	}

	second := NewManager(ctx, WithProjectStore(NewFileStore(project)))
	if d := second.Check("config.yaml", OpRead); d != Allow {
		t.Fatalf("project grant lost across restart: %s", d)
	}
	if d := second.Check("notes.md", OpRead); d != Ask {
		t.Fatalf("session grant must not persist: %s", d)
	}
}

func TestCorruptStoreDegradesToAsk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "permissions.json")
	if err := os.WriteFile(path, []byte(`{"read:a.go": 12}`), 0o644); err != nil {
		t.Fatal(err)
	}
	var logs bytes.Buffer
	m := NewManager(context.Background(),
		WithProjectStore(NewFileStore(path)),
		WithLogger(slog.New(slog.NewTextHandler(&logs, nil))),
	)
	if d := m.Check("a.go", OpRead); d != Ask {
		t.Fatalf("Check = %s, want ask", d)
	}
	if !strings.Contains(logs.String(), "permission.store.corrupt") {
		t.Fatalf("expected corrupt store warning, got %q", logs.String())
	}
}

func TestCorruptSQLiteStoreIsRecreated(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".codeagent", "permissions.db")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	garbage := bytes.Repeat([]byte("not a sqlite database\x00"), 256)
	if err := os.WriteFile(path, garbage, 0o644); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	store, closeStore := OpenSQLiteStoreOrEmpty(ctx, path, logger)
	defer closeStore()
	if !strings.Contains(logs.String(), "permission.store.corrupt") {
		t.Fatalf("expected corrupt store warning, got %q", logs.String())
	}
	if _, err := os.Stat(path + ".corrupt"); err != nil {
		t.Fatalf("corrupt database not kept aside: %v", err)
	}

	m := NewManager(ctx, WithProjectStore(store), WithLogger(logger))
	if d := m.Check("a.go", OpRead); d != Ask {
		t.Fatalf("Check = %s, want ask", d)
	}
	if _, err := m.Grant(ctx, "a.go", OpRead, ScopeProject); err != nil {
		t.Fatalf("grant on recreated store: %v", err)
	}
	grants, err := store.Load(ctx)
	if err != nil || len(grants) != 1 {
		t.Fatalf("grant not persisted: %+v, %v", grants, err)
	}
}

func TestUnusableSQLiteStoreFallsBackToMemory(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	// The parent of the database is a regular file, so nothing can be created.
	path := filepath.Join(blocker, "permissions.db")
	var logs bytes.Buffer
	store, closeStore := OpenSQLiteStoreOrEmpty(context.Background(), path, slog.New(slog.NewTextHandler(&logs, nil)))
	defer closeStore()
	if _, ok := store.(*MemoryStore); !ok {
		t.Fatalf("expected memory fallback, got %T", store)
	}
	if !strings.Contains(logs.String(), "permission.store.memory_fallback") {
		t.Fatalf("expected fallback warning, got %q", logs.String())
	}
}

func TestPruneDropsExpired(t *testing.T) {
	m, clock := newTestManager(t)
	ctx := context.Background()
	if _, err := m.Grant(ctx, "old.go", OpRead, ScopeProject); err != nil {
		t.Fatal(err)
	}
	clock.Advance(6 * 24 * time.Hour)
	if _, err := m.Grant(ctx, "new.go", OpRead, ScopeProject); err != nil {
		t.Fatal(err)
	}
	clock.Advance(2 * 24 * time.Hour)

	removed, err := m.Prune(ctx)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed %d, want 1", removed)
	}
	list := m.List()
	if len(list) != 1 || list[0].Pattern != "new.go" {
		t.Fatalf("unexpected grants after prune: %+v", list)
	}
}
