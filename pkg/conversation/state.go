// Copyright 2026 © The Codeagent Authors
// SPDX-License-Identifier: Apache-2.0

// Package conversation holds the ordered, append-only turn history owned by a
// single agent instance.
package conversation

import (
	"sync"
	"time"
)

// Role tags the author of a turn.
type Role string

const (
	RoleUser   Role = "user"
	RoleAgent  Role = "agent"
	RoleTool   Role = "tool"
	RoleSystem Role = "system"
)

// Turn is one entry of the history.
type Turn struct {
	Role      Role              `json:"role"`
	Content   string            `json:"content"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// State is the conversation history of one agent. Turns are only ever
// appended; the order is the order in which the model sees them.
type State struct {
	mu    sync.RWMutex
	turns []Turn
	now   func() time.Time
}

// Option configures a State.
type Option func(*State)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *State) {
		if now != nil {
			s.now = now
		}
	}
}

// New returns an empty State.
func New(opts ...Option) *State {
	s := &State{now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append adds turns at the end of the history. A zero timestamp is filled in.
func (s *State) Append(turns ...Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range turns {
		if t.Timestamp.IsZero() {
			t.Timestamp = s.now()
		}
		s.turns = append(s.turns, t)
	}
}

// Turns returns a copy of the history.
func (s *State) Turns() []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// Len returns the number of committed turns.
func (s *State) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.turns)
}

// Last returns the most recent turn.
func (s *State) Last() (Turn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.turns) == 0 {
		return Turn{}, false
	}
	return s.turns[len(s.turns)-1], true
}

// Begin opens a staging area for the turns of one in-flight user turn.
func (s *State) Begin() *Staged {
	return &Staged{state: s}
}

// Staged collects turns that become part of the history only on Commit.
// A Staged must not be used after Commit or Discard.
type Staged struct {
	state *State
	turns []Turn
	done  bool
}

// Append stages turns.
func (p *Staged) Append(turns ...Turn) {
	if p.done {
		return
	}
	for _, t := range turns {
		if t.Timestamp.IsZero() {
			t.Timestamp = p.state.now()
		}
		p.turns = append(p.turns, t)
	}
}

// Pending returns a copy of the staged turns.
func (p *Staged) Pending() []Turn {
	out := make([]Turn, len(p.turns))
	copy(out, p.turns)
	return out
}

// View returns committed history followed by the staged turns.
func (p *Staged) View() []Turn {
	return append(p.state.Turns(), p.turns...)
}

// Commit appends the staged turns to the history and returns how many were
// added.
func (p *Staged) Commit() int {
	if p.done {
		return 0
	}
	p.done = true
	p.state.mu.Lock()
	p.state.turns = append(p.state.turns, p.turns...)
	p.state.mu.Unlock()
	n := len(p.turns)
	p.turns = nil
	return n
}

// Discard drops the staged turns.
func (p *Staged) Discard() {
	p.done = true
	p.turns = nil
}
