// Package confirm brokers user approval of pending tool executions.
// The orchestrator registers a pending call and blocks on Await; the
// HTTP layer resolves it from a separate request.
package confirm

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mochi-ai/mochi-server/internal/session"
)

var (
	// ErrNotFound means no waiter exists for the id.
	ErrNotFound = errors.New("confirmation not found")
	// ErrAlreadyResolved means the waiter was resolved before this call.
	ErrAlreadyResolved = errors.New("confirmation already resolved")
)

// ReasonTimeout marks decisions forced by deadline expiry.
const ReasonTimeout = "timeout"

// Decision is the outcome of one confirmation.
type Decision struct {
	Approved bool
	Reason   string
}

// Pending describes a registered confirmation, for introspection.
type Pending struct {
	ID        string
	SessionID string
	ToolName  string
	Arguments map[string]any
}

type waiter struct {
	pending  Pending
	timer    *time.Timer
	resolved bool
	decision chan Decision
}

// Broker is a process-wide confirmation registry.
type Broker struct {
	mu      sync.Mutex
	waiters map[string]*waiter
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{waiters: make(map[string]*waiter)}
}

// Register creates a waiter for a pending tool call and returns its id.
// A timer auto-denies the waiter with reason "timeout" when the timeout
// elapses; a non-positive timeout denies immediately.
func (b *Broker) Register(sessionID, toolName string, arguments map[string]any, timeout time.Duration) string {
	id := session.NewID()
	w := &waiter{
		pending: Pending{
			ID:        id,
			SessionID: sessionID,
			ToolName:  toolName,
			Arguments: arguments,
		},
		decision: make(chan Decision, 1),
	}

	b.mu.Lock()
	b.waiters[id] = w
	b.mu.Unlock()

	if timeout <= 0 {
		b.expire(id)
	} else {
		w.timer = time.AfterFunc(timeout, func() { b.expire(id) })
	}

	slog.Debug("registered confirmation", "confirmation", id, "session", sessionID, "tool", toolName)
	return id
}

func (b *Broker) expire(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, ok := b.waiters[id]
	if !ok || w.resolved {
		return
	}
	w.resolved = true
	w.decision <- Decision{Approved: false, Reason: ReasonTimeout}
	slog.Info("confirmation timed out", "confirmation", id, "tool", w.pending.ToolName)
}

// Resolve records the user's decision. A second resolve of the same id
// is a no-op reporting ErrAlreadyResolved.
func (b *Broker) Resolve(id string, approved bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	w, ok := b.waiters[id]
	if !ok {
		return ErrNotFound
	}
	if w.resolved {
		return ErrAlreadyResolved
	}
	w.resolved = true
	if w.timer != nil {
		w.timer.Stop()
	}

	reason := "approved"
	if !approved {
		reason = "denied"
	}
	w.decision <- Decision{Approved: approved, Reason: reason}
	slog.Info("confirmation resolved", "confirmation", id, "approved", approved)
	return nil
}

// Await blocks until the waiter is resolved, times out, or ctx is
// cancelled. The waiter is removed on return.
func (b *Broker) Await(ctx context.Context, id string) (Decision, error) {
	b.mu.Lock()
	w, ok := b.waiters[id]
	b.mu.Unlock()
	if !ok {
		return Decision{}, ErrNotFound
	}
	defer b.remove(id)

	select {
	case d := <-w.decision:
		return d, nil
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}
}

func (b *Broker) remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if w, ok := b.waiters[id]; ok {
		if w.timer != nil {
			w.timer.Stop()
		}
		delete(b.waiters, id)
	}
}

// PendingFor lists the unresolved confirmations of one session.
func (b *Broker) PendingFor(sessionID string) []Pending {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Pending
	for _, w := range b.waiters {
		if !w.resolved && w.pending.SessionID == sessionID {
			out = append(out, w.pending)
		}
	}
	return out
}
