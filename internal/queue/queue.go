// Package queue maintains the global FIFO waiting pool in the shared store.
package queue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mingleio/mingle/internal/registry"
	"github.com/mingleio/mingle/internal/store"
	"github.com/mingleio/mingle/pkg/protocol"
)

// queueKey is the shared list of waiting connection ids, head = oldest.
const queueKey = "queue"

// maxPopAttempts bounds the stale-entry skip loop in PopValid so a
// corrupted queue cannot spin a matcher forever.
const maxPopAttempts = 50

// Manager enforces the waiting-pool invariants: FIFO order, best-effort
// dedup on enqueue, and stale ids silently discarded on pop.
type Manager struct {
	store store.Store
	reg   *registry.Registry
	log   *slog.Logger
}

// NewManager creates a queue Manager.
func NewManager(st store.Store, reg *registry.Registry, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store: st,
		reg:   reg,
		log:   logger.With("component", "queue"),
	}
}

// Enqueue places connID at the tail of the queue, removing any prior
// occurrence first, then tells the connection it is waiting. The
// remove-then-push sequence is not atomic; a duplicate created in the
// window is discarded by the destructive pop on the other side.
func (m *Manager) Enqueue(ctx context.Context, connID string) error {
	if err := m.store.ListRemoveAll(ctx, queueKey, connID); err != nil {
		return fmt.Errorf("deduplicating queue entry: %w", err)
	}
	if err := m.store.ListPushTail(ctx, queueKey, connID); err != nil {
		return fmt.Errorf("enqueueing: %w", err)
	}
	m.reg.Deliver(ctx, connID, &protocol.WaitingEvent{})
	return nil
}

// Requeue is Enqueue without the waiting notification. The matchmaker uses
// it to put back a waiter it popped but must not hand out, without telling
// that waiter anything new.
func (m *Manager) Requeue(ctx context.Context, connID string) error {
	if err := m.store.ListRemoveAll(ctx, queueKey, connID); err != nil {
		return fmt.Errorf("deduplicating queue entry: %w", err)
	}
	if err := m.store.ListPushTail(ctx, queueKey, connID); err != nil {
		return fmt.Errorf("requeueing: %w", err)
	}
	return nil
}

// Remove deletes all occurrences of connID from the queue. Idempotent.
func (m *Manager) Remove(ctx context.Context, connID string) error {
	if err := m.store.ListRemoveAll(ctx, queueKey, connID); err != nil {
		return fmt.Errorf("removing queue entry: %w", err)
	}
	return nil
}

// PopValid pops waiting connection ids until it finds one that is still
// registered somewhere in the cluster and is not exclude. Pops are
// destructive, so two racing matchers can never both claim the same
// waiter. Returns "" when the queue is empty or the attempt cap is hit.
func (m *Manager) PopValid(ctx context.Context, exclude string) (string, error) {
	for i := 0; i < maxPopAttempts; i++ {
		connID, ok, err := m.store.ListPopHead(ctx, queueKey)
		if err != nil {
			return "", fmt.Errorf("popping queue head: %w", err)
		}
		if !ok {
			return "", nil
		}
		if connID == exclude {
			continue
		}
		exists, err := m.reg.Exists(ctx, connID)
		if err != nil {
			return "", fmt.Errorf("validating queue entry: %w", err)
		}
		if !exists {
			m.log.Debug("discarding stale queue entry", "conn_id", connID)
			continue
		}
		return connID, nil
	}
	m.log.Warn("pop attempt cap reached, treating queue as empty", "cap", maxPopAttempts)
	return "", nil
}

// Len returns the current queue depth, including any stale entries that
// have not been discarded yet.
func (m *Manager) Len(ctx context.Context) (int64, error) {
	return m.store.ListLen(ctx, queueKey)
}
