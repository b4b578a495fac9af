// Package match orchestrates the pair lifecycle. It is the only component
// that moves a connection between idle, waiting, and paired, and it relies
// on the gateway processing one inbound event per connection at a time so
// a connection can never race itself.
package match

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mingleio/mingle/internal/metrics"
	"github.com/mingleio/mingle/internal/pairs"
	"github.com/mingleio/mingle/internal/queue"
	"github.com/mingleio/mingle/internal/registry"
	"github.com/mingleio/mingle/pkg/protocol"
)

// nextCooldown is the minimum interval between next requests from one
// connection. Strictly instance-local; a reconnecting client gets a fresh
// connection id and a fresh limiter.
const nextCooldown = time.Second

// Matchmaker orchestrates join, next, leave, and disconnect flows on top
// of the queue and pair managers.
type Matchmaker struct {
	queue *queue.Manager
	pairs *pairs.Manager
	reg   *registry.Registry
	met   *metrics.Metrics
	log   *slog.Logger
	now   func() time.Time

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New creates a Matchmaker.
func New(q *queue.Manager, p *pairs.Manager, reg *registry.Registry, met *metrics.Metrics, logger *slog.Logger) *Matchmaker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Matchmaker{
		queue:    q,
		pairs:    p,
		reg:      reg,
		met:      met,
		log:      logger.With("component", "match"),
		now:      time.Now,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Join places connID in the waiting pool or pairs it with the oldest
// valid waiter. A join from an already paired connection is a no-op.
func (m *Matchmaker) Join(ctx context.Context, connID string) error {
	if _, paired, err := m.pairs.Partner(ctx, connID); err != nil {
		return err
	} else if paired {
		return nil
	}
	// Defensive: a crashed cleanup path may have left us queued.
	if err := m.queue.Remove(ctx, connID); err != nil {
		return err
	}
	return m.matchStep(ctx, connID, "")
}

// Next dissolves the current pair (if any), requeues the partner, and
// re-runs the match step for connID. A next while waiting moves the
// connection to the tail instead of being a no-op. Requests inside the
// cooldown window get an error event and change nothing.
func (m *Matchmaker) Next(ctx context.Context, connID string) error {
	if !m.allowNext(connID) {
		m.reg.Deliver(ctx, connID, &protocol.ErrorEvent{Message: "cooldown"})
		return nil
	}

	_, partner, dissolved, err := m.pairs.Dissolve(ctx, connID)
	if err != nil {
		return err
	}
	if dissolved {
		m.reg.Deliver(ctx, connID, &protocol.PartnerDisconnectedEvent{})
		m.reg.Deliver(ctx, partner, &protocol.PartnerDisconnectedEvent{})
		// Requeue the partner before re-matching the caller so the
		// partner is eligible for future arrivals. The match step avoids
		// handing the partner straight back within this same operation.
		m.requeueIfConnected(ctx, partner)
		return m.matchStep(ctx, connID, partner)
	}

	if err := m.queue.Remove(ctx, connID); err != nil {
		return err
	}
	return m.matchStep(ctx, connID, "")
}

// Leave withdraws connID from matchmaking: dissolve the pair, requeue the
// partner, drop any queue entry, and acknowledge with a left event.
func (m *Matchmaker) Leave(ctx context.Context, connID string) error {
	_, partner, dissolved, err := m.pairs.Dissolve(ctx, connID)
	if err != nil {
		return err
	}
	if dissolved {
		m.reg.Deliver(ctx, connID, &protocol.PartnerDisconnectedEvent{})
		m.reg.Deliver(ctx, partner, &protocol.PartnerDisconnectedEvent{})
		m.requeueIfConnected(ctx, partner)
	}
	if err := m.queue.Remove(ctx, connID); err != nil {
		return err
	}
	m.reg.Deliver(ctx, connID, &protocol.LeftEvent{})
	return nil
}

// Disconnect is the terminal cleanup for a departed connection. Like
// Leave, but nothing is ever delivered to connID, and the surviving
// partner gets an immediate re-match attempt instead of only a requeue.
// Running it twice is equivalent to running it once.
//
// The gateway unregisters connID before calling Disconnect, so the match
// step cannot hand the departed connection back out of the queue.
func (m *Matchmaker) Disconnect(ctx context.Context, connID string) error {
	m.forgetLimiter(connID)

	_, partner, dissolved, err := m.pairs.Dissolve(ctx, connID)
	if err != nil {
		return err
	}
	if dissolved {
		m.reg.Deliver(ctx, partner, &protocol.PartnerDisconnectedEvent{})
		exists, err := m.reg.Exists(ctx, partner)
		if err != nil {
			m.log.Warn("checking partner liveness", "conn_id", partner, "error", err)
		} else if exists {
			if err := m.matchStep(ctx, partner, ""); err != nil {
				m.log.Warn("re-matching surviving partner", "conn_id", partner, "error", err)
			}
		}
	}
	return m.queue.Remove(ctx, connID)
}

// matchStep pops the oldest valid waiter and binds it to connID, or
// enqueues connID when nobody is waiting. The freshest mover becomes the
// initiator so the offer comes from the side whose action caused the match.
//
// avoid names a partner dissolved earlier in the same operation: popping
// it here would instantly re-pair the two, so it is put back instead. A
// later operation may still pair them; only the immediate bounce-back is
// suppressed.
func (m *Matchmaker) matchStep(ctx context.Context, connID, avoid string) error {
	other, err := m.queue.PopValid(ctx, connID)
	if err != nil {
		return err
	}
	if avoid != "" && other == avoid {
		if err := m.queue.Requeue(ctx, avoid); err != nil {
			m.log.Warn("requeueing avoided partner", "conn_id", avoid, "error", err)
		}
		// Someone else may have been queued behind the old partner.
		other, err = m.queue.PopValid(ctx, connID)
		if err != nil {
			return err
		}
		if other == avoid {
			// The old partner is the only waiter. Put them back and fall
			// through to enqueueing the caller.
			if err := m.queue.Requeue(ctx, avoid); err != nil {
				m.log.Warn("requeueing avoided partner", "conn_id", avoid, "error", err)
			}
			other = ""
		}
	}
	if other == "" {
		return m.queue.Enqueue(ctx, connID)
	}

	if err := m.pairs.Bind(ctx, connID, other); err != nil {
		// The waiter was already popped; put them back so they are not
		// stranded outside both the queue and the pair registry.
		if reErr := m.queue.Enqueue(ctx, other); reErr != nil {
			m.log.Error("requeueing waiter after failed bind", "conn_id", other, "error", reErr)
		}
		return fmt.Errorf("binding %s to %s: %w", connID, other, err)
	}

	m.reg.Deliver(ctx, connID, &protocol.PairedEvent{Peer: other, Initiator: true})
	m.reg.Deliver(ctx, other, &protocol.PairedEvent{Peer: connID, Initiator: false})
	m.met.MatchesTotal.Inc()
	m.log.Debug("paired", "conn_id", connID, "peer", other)
	return nil
}

// requeueIfConnected puts connID back in the waiting pool if it is still
// registered anywhere in the cluster. Best-effort.
func (m *Matchmaker) requeueIfConnected(ctx context.Context, connID string) {
	exists, err := m.reg.Exists(ctx, connID)
	if err != nil {
		m.log.Warn("checking partner liveness", "conn_id", connID, "error", err)
		return
	}
	if !exists {
		return
	}
	if err := m.queue.Enqueue(ctx, connID); err != nil {
		m.log.Warn("requeueing partner", "conn_id", connID, "error", err)
	}
}

// allowNext consumes a token from connID's cooldown limiter.
func (m *Matchmaker) allowNext(connID string) bool {
	m.mu.Lock()
	lim, ok := m.limiters[connID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(nextCooldown), 1)
		m.limiters[connID] = lim
	}
	m.mu.Unlock()
	return lim.AllowN(m.now(), 1)
}

// forgetLimiter drops the cooldown state for a departed connection.
func (m *Matchmaker) forgetLimiter(connID string) {
	m.mu.Lock()
	delete(m.limiters, connID)
	m.mu.Unlock()
}
