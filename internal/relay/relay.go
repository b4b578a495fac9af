// Package relay forwards opaque signaling payloads between paired
// connections. It validates only the outer shape of a signal; the payload
// itself passes through byte-for-byte.
package relay

import (
	"context"
	"log/slog"

	"github.com/mingleio/mingle/internal/metrics"
	"github.com/mingleio/mingle/internal/pairs"
	"github.com/mingleio/mingle/internal/registry"
	"github.com/mingleio/mingle/pkg/protocol"
)

// Relay validates and forwards signal events. It mutates no state.
type Relay struct {
	pairs *pairs.Manager
	reg   *registry.Registry
	met   *metrics.Metrics
	log   *slog.Logger
}

// New creates a Relay.
func New(p *pairs.Manager, reg *registry.Registry, met *metrics.Metrics, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		pairs: p,
		reg:   reg,
		met:   met,
		log:   logger.With("component", "relay"),
	}
}

// Forward relays ev.Signal from connID to ev.Peer, rewriting the peer
// field to the sender's id. Invalid, oversized, or spoofed signals are
// dropped silently; a signal naming anyone but the sender's current
// partner is stale or forged and gets no response.
func (r *Relay) Forward(ctx context.Context, connID string, ev *protocol.SignalEvent) error {
	if ev.Peer == "" {
		r.log.Debug("dropping signal without peer", "conn_id", connID)
		return nil
	}
	if len(ev.Signal) == 0 || len(ev.Signal) > protocol.MaxSignalBytes {
		r.log.Debug("dropping signal with bad size", "conn_id", connID, "bytes", len(ev.Signal))
		return nil
	}
	if !protocol.IsObject(ev.Signal) {
		r.log.Debug("dropping non-object signal", "conn_id", connID)
		return nil
	}

	partner, ok, err := r.pairs.Partner(ctx, connID)
	if err != nil {
		return err
	}
	if !ok || partner != ev.Peer {
		r.log.Debug("dropping signal for non-partner", "conn_id", connID, "claimed_peer", ev.Peer)
		return nil
	}

	r.reg.Deliver(ctx, ev.Peer, &protocol.SignalEvent{Peer: connID, Signal: ev.Signal})
	r.met.SignalsRelayedTotal.Inc()
	return nil
}
