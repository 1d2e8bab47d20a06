// Copyright 2026 © The Codeagent Authors
// SPDX-License-Identifier: Apache-2.0

package permission

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jllopis/codeagent/pkg/errors"
	"github.com/jllopis/codeagent/pkg/telemetry"
)

// Source names what produced a verdict.
type Source string

const (
	SourceRule  Source = "rule"
	SourceGrant Source = "grant"
	SourceNone  Source = "none"
)

// Verdict is a Decision with the rule or grant that produced it.
type Verdict struct {
	Decision Decision
	Source   Source
	Rule     Rule
	Grant    Grant
}

// Manager owns the permission state of one session: static rules, in-memory
// session grants and the durable project and global stores.
type Manager struct {
	mu sync.RWMutex

	rules   *RuleSet
	session map[string]Grant
	project Store
	global  Store
	// cached durable grants, refreshed by Reload.
	projectGrants []Grant
	globalGrants  []Grant

	projectTTL time.Duration
	globalTTL  time.Duration
	now        func() time.Time
	logger     *slog.Logger
	metrics    *telemetry.Metrics
}

// Option configures a Manager.
type Option func(*Manager)

// WithRules sets the static policy rules.
func WithRules(rules []Rule) Option {
	return func(m *Manager) {
		m.rules = NewRuleSet(rules)
	}
}

// WithProjectStore sets where project grants persist.
func WithProjectStore(s Store) Option {
	return func(m *Manager) {
		if s != nil {
			m.project = s
		}
	}
}

// WithGlobalStore sets where global grants persist.
func WithGlobalStore(s Store) Option {
	return func(m *Manager) {
		if s != nil {
			m.global = s
		}
	}
}

// WithTTL overrides the lifetimes of project and global grants. Non-positive
// values keep the defaults.
func WithTTL(project, global time.Duration) Option {
	return func(m *Manager) {
		if project > 0 {
			m.projectTTL = project
		}
		if global > 0 {
			m.globalTTL = global
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(mt *telemetry.Metrics) Option {
	return func(m *Manager) {
		m.metrics = mt
	}
}

// NewManager builds a Manager and loads the durable stores. Stores that cannot
// be read are logged and treated as empty.
func NewManager(ctx context.Context, opts ...Option) *Manager {
	m := &Manager{
		rules:      NewRuleSet(nil),
		session:    make(map[string]Grant),
		project:    NewMemoryStore(),
		global:     NewMemoryStore(),
		projectTTL: DefaultProjectTTL,
		globalTTL:  DefaultGlobalTTL,
		now:        time.Now,
		logger:     slog.Default(),
		metrics:    telemetry.DefaultMetrics(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.Reload(ctx)
	return m
}

// Check decides whether op on resource may proceed. It never mutates state.
func (m *Manager) Check(resource string, op Operation) Decision {
	v := m.Explain(resource, op)
	m.metrics.RecordPermission(context.Background(), string(op), string(v.Decision))
	return v.Decision
}

// Explain is Check with the rule or grant that decided.
func (m *Manager) Explain(resource string, op Operation) Verdict {
	m.mu.RLock()
	rules := m.rules
	m.mu.RUnlock()
	if rule, ok := rules.Evaluate(resource, op); ok {
		return Verdict{Decision: rule.Effect, Source: SourceRule, Rule: rule}
	}

	now := m.now()
	m.mu.RLock()
	live := make([]Grant, 0, len(m.session)+len(m.projectGrants)+len(m.globalGrants))
	for _, g := range m.session {
		live = append(live, g)
	}
	live = append(live, m.projectGrants...)
	live = append(live, m.globalGrants...)
	m.mu.RUnlock()

	n := 0
	for _, g := range live {
		if !IsExpired(g, now) {
			live[n] = g
			n++
		}
	}
	g, ok := best(live[:n], resource, op)
	if !ok {
		return Verdict{Decision: Ask, Source: SourceNone}
	}
	d := Allow
	if g.Effect == EffectDeny {
		d = Deny
	}
	return Verdict{Decision: d, Source: SourceGrant, Grant: g}
}

// SetRules replaces the static rules, e.g. after the configuration changed.
func (m *Manager) SetRules(rules []Rule) {
	rs := NewRuleSet(rules)
	m.mu.Lock()
	m.rules = rs
	m.mu.Unlock()
	m.logger.Info("permission.rules.updated", slog.Int("rules", len(rs.Rules)))
}

// Grant records an allow decision for pattern at scope.
func (m *Manager) Grant(ctx context.Context, pattern string, op Operation, scope Scope) (Grant, error) {
	return m.record(ctx, pattern, op, EffectAllow, scope)
}

// Deny records a deny decision for pattern at scope.
func (m *Manager) Deny(ctx context.Context, pattern string, op Operation, scope Scope) (Grant, error) {
	return m.record(ctx, pattern, op, EffectDeny, scope)
}

func (m *Manager) record(ctx context.Context, pattern string, op Operation, effect Effect, scope Scope) (Grant, error) {
	if !ValidatePattern(pattern) {
		return Grant{}, errors.Newf(errors.CodeInvalidInput, "invalid pattern %q", pattern)
	}
	if _, err := ParseOperation(string(op)); err != nil {
		return Grant{}, errors.New(errors.CodeInvalidInput, "invalid operation", err)
	}

	now := m.now()
	g := Grant{
		Pattern:   pattern,
		Operation: op,
		Effect:    effect,
		Scope:     scope,
		GrantedAt: now,
	}

	switch scope {
	case ScopeSession:
		m.mu.Lock()
		mergeGrant(m.session, g)
		m.mu.Unlock()
	case ScopeProject, ScopeGlobal:
		g.ExpiresAt = now.Add(m.ttl(scope))
		if err := m.store(scope).Put(ctx, g); err != nil {
			return Grant{}, err
		}
		m.mu.Lock()
		m.setCache(scope, upsert(m.cache(scope), g))
		m.mu.Unlock()
	default:
		return Grant{}, errors.Newf(errors.CodeInvalidInput, "scope %q cannot be recorded", scope)
	}

	m.logger.InfoContext(ctx, "permission.grant",
		slog.String("pattern", g.Pattern),
		slog.String("operation", string(g.Operation)),
		slog.String("effect", string(g.Effect)),
		slog.String("scope", string(g.Scope)),
	)
	return g, nil
}

// Revoke removes the grant for (op, pattern) at scope.
func (m *Manager) Revoke(ctx context.Context, pattern string, op Operation, scope Scope) (bool, error) {
	key := Grant{Operation: op, Pattern: pattern}.Key()
	switch scope {
	case ScopeSession:
		m.mu.Lock()
		defer m.mu.Unlock()
		_, ok := m.session[key]
		delete(m.session, key)
		return ok, nil
	case ScopeProject, ScopeGlobal:
		ok, err := m.store(scope).Delete(ctx, op, pattern)
		if err != nil {
			return false, err
		}
		m.mu.Lock()
		cached := m.cache(scope)
		kept := cached[:0:0]
		for _, g := range cached {
			if g.Key() != key {
				kept = append(kept, g)
			}
		}
		m.setCache(scope, kept)
		m.mu.Unlock()
		if ok {
			m.logger.InfoContext(ctx, "permission.revoke",
				slog.String("pattern", pattern),
				slog.String("operation", string(op)),
				slog.String("scope", string(scope)),
			)
		}
		return ok, nil
	}
	return false, errors.Newf(errors.CodeInvalidInput, "scope %q holds no grants", scope)
}

// List returns every known grant, expired durable ones included, ordered by
// scope then key.
func (m *Manager) List() []Grant {
	m.mu.RLock()
	out := sortedGrants(m.session)
	out = append(out, m.projectGrants...)
	out = append(out, m.globalGrants...)
	m.mu.RUnlock()
	return out
}

// Reload refreshes the cached durable grants from their stores.
func (m *Manager) Reload(ctx context.Context) {
	for _, scope := range []Scope{ScopeProject, ScopeGlobal} {
		grants, err := m.store(scope).Load(ctx)
		if err != nil {
			event := "permission.store.unreadable"
			if errors.Is(err, errors.CodeInvalidInput) {
				event = "permission.store.corrupt"
			}
			m.logger.WarnContext(ctx, event,
				slog.String("scope", string(scope)),
				slog.String("error", err.Error()),
			)
			grants = nil
		}
		m.mu.Lock()
		m.setCache(scope, grants)
		m.mu.Unlock()
	}
}

// Compact drops expired grants from the store of scope and returns how many
// were removed.
func (m *Manager) Compact(ctx context.Context, scope Scope) (int, error) {
	if !scope.Durable() {
		return 0, errors.Newf(errors.CodeInvalidInput, "scope %q is not persisted", scope)
	}
	now := m.now()
	removed, err := m.store(scope).Compact(ctx, now)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	cached := m.cache(scope)
	kept := cached[:0:0]
	for _, g := range cached {
		if !IsExpired(g, now) {
			kept = append(kept, g)
		}
	}
	m.setCache(scope, kept)
	m.mu.Unlock()
	return removed, nil
}

// Prune compacts both durable stores.
func (m *Manager) Prune(ctx context.Context) (int, error) {
	total := 0
	for _, scope := range []Scope{ScopeProject, ScopeGlobal} {
		n, err := m.Compact(ctx, scope)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// Stores returns the durable stores keyed by scope.
func (m *Manager) Stores() map[Scope]Store {
	return map[Scope]Store{ScopeProject: m.project, ScopeGlobal: m.global}
}

func (m *Manager) ttl(scope Scope) time.Duration {
	if scope == ScopeGlobal {
		return m.globalTTL
	}
	return m.projectTTL
}

func (m *Manager) store(scope Scope) Store {
	if scope == ScopeGlobal {
		return m.global
	}
	return m.project
}

func (m *Manager) cache(scope Scope) []Grant {
	if scope == ScopeGlobal {
		return m.globalGrants
	}
	return m.projectGrants
}

func (m *Manager) setCache(scope Scope, grants []Grant) {
	if scope == ScopeGlobal {
		m.globalGrants = grants
		return
	}
	m.projectGrants = grants
}

// upsert returns grants with g merged in by key, newer GrantedAt winning.
func upsert(grants []Grant, g Grant) []Grant {
	set := make(map[string]Grant, len(grants)+1)
	for _, cur := range grants {
		set[cur.Key()] = cur
	}
	mergeGrant(set, g)
	return sortedGrants(set)
}
