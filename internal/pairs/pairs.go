// Package pairs maintains the symmetric pair registry in the shared store.
// A pair (A, B) is stored as the two hash fields A->B and B->A, written
// and deleted together.
package pairs

import (
	"context"
	"fmt"

	"github.com/mingleio/mingle/internal/store"
)

// pairsKey is the shared hash mapping connection id -> partner id.
const pairsKey = "pairs"

// Manager performs pair creation and atomic dissolution.
type Manager struct {
	store store.Store
}

// NewManager creates a pair Manager.
func NewManager(st store.Store) *Manager {
	return &Manager{store: st}
}

// Bind writes both directions of the pair (a, b) in a single hash update.
// An existing binding on either side is overwritten; the matchmaker only
// calls Bind when neither side is paired, so an overwrite can only happen
// under a race the matchmaker's next partner check rejects.
func (m *Manager) Bind(ctx context.Context, a, b string) error {
	if err := m.store.HashSet(ctx, pairsKey, map[string]string{a: b, b: a}); err != nil {
		return fmt.Errorf("binding pair: %w", err)
	}
	return nil
}

// Partner returns the partner of connID, if any.
func (m *Manager) Partner(ctx context.Context, connID string) (string, bool, error) {
	partner, ok, err := m.store.HashGet(ctx, pairsKey, connID)
	if err != nil {
		return "", false, fmt.Errorf("looking up partner: %w", err)
	}
	return partner, ok, nil
}

// Dissolve removes the pair containing connID, given either side. Both
// hash fields are deleted in one operation before anyone is notified.
// Returns the dissolved pair (connID first) or ok=false if it was
// already gone.
func (m *Manager) Dissolve(ctx context.Context, connID string) (string, string, bool, error) {
	partner, ok, err := m.store.HashGet(ctx, pairsKey, connID)
	if err != nil {
		return "", "", false, fmt.Errorf("resolving pair for dissolution: %w", err)
	}
	if !ok {
		return "", "", false, nil
	}
	// Deleting both fields tolerates a half-present pair: HDEL on a
	// missing field is a no-op.
	if err := m.store.HashDelete(ctx, pairsKey, connID, partner); err != nil {
		return "", "", false, fmt.Errorf("dissolving pair: %w", err)
	}
	return connID, partner, true, nil
}

// Count returns the number of paired connections (twice the pair count).
func (m *Manager) Count(ctx context.Context) (int64, error) {
	return m.store.HashLen(ctx, pairsKey)
}
