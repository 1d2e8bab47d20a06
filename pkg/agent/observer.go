package agent

import (
	"context"
	"time"

	"github.com/jllopis/codeagent/pkg/action"
	"github.com/jllopis/codeagent/pkg/executor"
)

// EventType identifies what an Event reports.
type EventType string

const (
	EventStateChanged   EventType = "agent.state"
	EventProgress       EventType = "agent.progress"
	EventAction         EventType = "agent.action"
	EventParseFailed    EventType = "agent.parse.failed"
	EventModelRetry     EventType = "agent.model.retry"
	EventContextTrimmed EventType = "agent.context.trimmed"
	EventDelegation     EventType = "agent.delegation.start"
	EventDelegationDone EventType = "agent.delegation.done"
)

// Event is a notification from a running agent.
type Event struct {
	Type      EventType
	AgentID   string
	Role      executor.Role
	Timestamp time.Time

	From, To State
	Action   action.Action
	Result   *executor.Result
	// Message carries progress text, parse failure reasons or delegated tasks.
	Message string
	Err     error
}

// Observer receives events. Implementations must not block for long; the
// engine calls them synchronously.
type Observer interface {
	Observe(ctx context.Context, ev Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, ev Event)

// Observe implements Observer.
func (f ObserverFunc) Observe(ctx context.Context, ev Event) { f(ctx, ev) }

// NoopObserver discards events.
type NoopObserver struct{}

// Observe implements Observer.
func (NoopObserver) Observe(context.Context, Event) {}
