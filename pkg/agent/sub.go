// Copyright 2026 © The Codeagent Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"

	"github.com/google/uuid"

	"github.com/jllopis/codeagent/pkg/conversation"
	"github.com/jllopis/codeagent/pkg/executor"
)

// Sub runs one delegated task. It shares the workspace and permissions of
// its Main but starts from an empty history and cannot delegate further.
type Sub struct {
	eng *engine
}

func (m *Main) newSub() *Sub {
	return &Sub{eng: m.newEngine(uuid.NewString(), executor.RoleSub, m.cfg.SubMaxIterations)}
}

// ID returns the sub agent ID.
func (s *Sub) ID() string { return s.eng.id }

// Turns returns the committed history of the sub agent.
func (s *Sub) Turns() []conversation.Turn { return s.eng.state.Turns() }

// run works the task until respond_to_master.
func (s *Sub) run(ctx context.Context, task string) (string, error) {
	return s.eng.runTurn(ctx, task)
}
