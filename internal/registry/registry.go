// Package registry tracks live client connections and routes outbound
// events to them. Connections owned by this instance are written directly;
// connections owned by another instance are reached through the shared
// store's pub/sub bus, keyed by the owning instance id.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mingleio/mingle/internal/store"
	"github.com/mingleio/mingle/pkg/protocol"
)

const (
	// ownersKey maps connection id -> owning instance id, cluster-wide.
	ownersKey = "conn_owners"

	// ipsKey maps connection id -> remote IP, cluster-wide. Bans resolve
	// subject IPs through this hash.
	ipsKey = "conn_ips"

	// deliverChannelPrefix is the pub/sub channel prefix for cross-instance
	// delivery. Each instance subscribes to its own channel.
	deliverChannelPrefix = "mingle:deliver:"
)

// Conn is the write side of a client connection, implemented by the gateway.
type Conn interface {
	// Deliver enqueues a pre-serialized event for writing. It returns false
	// when the connection's outbound buffer is full or closed.
	Deliver(data []byte) bool

	// Kick force-closes the connection.
	Kick(reason string)
}

// Registry is the connection table for one server instance.
type Registry struct {
	instanceID string
	store      store.Store
	log        *slog.Logger

	mu    sync.RWMutex
	conns map[string]Conn
	ips   map[string]string
}

// deliverEnvelope wraps an event for transit over the pub/sub bus.
type deliverEnvelope struct {
	ConnID string          `json:"connId"`
	Event  json.RawMessage `json:"event"`
}

// New creates a Registry for the given instance id.
func New(instanceID string, st store.Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		instanceID: instanceID,
		store:      st,
		log:        logger.With("component", "registry"),
		conns:      make(map[string]Conn),
		ips:        make(map[string]string),
	}
}

// InstanceID returns the cluster-unique id of this instance.
func (r *Registry) InstanceID() string { return r.instanceID }

// Register records a new local connection and announces its ownership and
// remote IP in the shared store.
func (r *Registry) Register(ctx context.Context, connID string, c Conn, ip string) error {
	r.mu.Lock()
	r.conns[connID] = c
	r.ips[connID] = ip
	r.mu.Unlock()

	// Undo the local insert when the store writes fail, otherwise a
	// half-registered id reads as alive forever.
	if err := r.store.HashSet(ctx, ownersKey, map[string]string{connID: r.instanceID}); err != nil {
		r.Unregister(ctx, connID)
		return fmt.Errorf("recording connection owner: %w", err)
	}
	if err := r.store.HashSet(ctx, ipsKey, map[string]string{connID: ip}); err != nil {
		r.Unregister(ctx, connID)
		return fmt.Errorf("recording connection ip: %w", err)
	}
	return nil
}

// Unregister removes a connection from the local table and the shared store.
// Idempotent.
func (r *Registry) Unregister(ctx context.Context, connID string) {
	r.mu.Lock()
	delete(r.conns, connID)
	delete(r.ips, connID)
	r.mu.Unlock()

	// Best-effort: a stale owner entry is harmless, pop_valid discards
	// ids whose owner record is gone anyway.
	if err := r.store.HashDelete(ctx, ownersKey, connID); err != nil {
		r.log.Warn("removing connection owner", "conn_id", connID, "error", err)
	}
	if err := r.store.HashDelete(ctx, ipsKey, connID); err != nil {
		r.log.Warn("removing connection ip", "conn_id", connID, "error", err)
	}
}

// Exists reports whether connID is registered anywhere in the cluster.
func (r *Registry) Exists(ctx context.Context, connID string) (bool, error) {
	r.mu.RLock()
	_, local := r.conns[connID]
	r.mu.RUnlock()
	if local {
		return true, nil
	}
	_, ok, err := r.store.HashGet(ctx, ownersKey, connID)
	if err != nil {
		return false, fmt.Errorf("looking up connection owner: %w", err)
	}
	return ok, nil
}

// IP returns the remote IP recorded for connID, cluster-wide.
func (r *Registry) IP(ctx context.Context, connID string) (string, error) {
	r.mu.RLock()
	ip, local := r.ips[connID]
	r.mu.RUnlock()
	if local {
		return ip, nil
	}
	ip, _, err := r.store.HashGet(ctx, ipsKey, connID)
	if err != nil {
		return "", fmt.Errorf("looking up connection ip: %w", err)
	}
	return ip, nil
}

// Deliver routes an event to connID, locally or across the cluster.
// Delivery is best-effort: an unknown id or a full outbound buffer is
// logged, not returned as an error, because the caller can do nothing
// useful about either.
func (r *Registry) Deliver(ctx context.Context, connID string, ev protocol.Event) {
	data, err := protocol.Marshal(ev)
	if err != nil {
		r.log.Error("marshaling outbound event", "conn_id", connID, "type", ev.EventType(), "error", err)
		return
	}
	r.deliverRaw(ctx, connID, data)
}

func (r *Registry) deliverRaw(ctx context.Context, connID string, data []byte) {
	r.mu.RLock()
	c, local := r.conns[connID]
	r.mu.RUnlock()

	if local {
		if !c.Deliver(data) {
			r.log.Warn("dropping event for slow connection", "conn_id", connID)
		}
		return
	}

	owner, ok, err := r.store.HashGet(ctx, ownersKey, connID)
	if err != nil {
		r.log.Warn("resolving connection owner", "conn_id", connID, "error", err)
		return
	}
	if !ok {
		r.log.Debug("delivery to unknown connection", "conn_id", connID)
		return
	}

	// The envelope is spliced by hand: encoding/json would compact and
	// HTML-escape the carried frame, and signal payloads must cross the
	// bus byte-for-byte.
	id, err := json.Marshal(connID)
	if err != nil {
		r.log.Error("marshaling delivery envelope", "conn_id", connID, "error", err)
		return
	}
	var buf bytes.Buffer
	buf.Grow(len(id) + len(data) + 24)
	buf.WriteString(`{"connId":`)
	buf.Write(id)
	buf.WriteString(`,"event":`)
	buf.Write(data)
	buf.WriteByte('}')
	if err := r.store.Publish(ctx, deliverChannelPrefix+owner, buf.Bytes()); err != nil {
		r.log.Warn("publishing cross-instance delivery", "conn_id", connID, "owner", owner, "error", err)
	}
}

// Run subscribes to this instance's delivery channel and writes forwarded
// events to their local connections. It blocks until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) error {
	ch, err := r.store.Subscribe(ctx, deliverChannelPrefix+r.instanceID)
	if err != nil {
		return fmt.Errorf("subscribing to delivery channel: %w", err)
	}

	for msg := range ch {
		var env deliverEnvelope
		if err := json.Unmarshal(msg.Payload, &env); err != nil {
			r.log.Warn("malformed delivery envelope", "error", err)
			continue
		}

		r.mu.RLock()
		c, ok := r.conns[env.ConnID]
		r.mu.RUnlock()
		if !ok {
			// The connection left between publish and receipt.
			r.log.Debug("delivery for departed connection", "conn_id", env.ConnID)
			continue
		}
		if !c.Deliver(env.Event) {
			r.log.Warn("dropping forwarded event for slow connection", "conn_id", env.ConnID)
		}
	}
	return nil
}

// LocalConns returns a snapshot of all locally owned connection ids.
func (r *Registry) LocalConns() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	return ids
}

// ConnsForIP returns the locally owned connection ids admitted from ip.
func (r *Registry) ConnsForIP(ip string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, connIP := range r.ips {
		if connIP == ip {
			ids = append(ids, id)
		}
	}
	return ids
}

// Kick force-closes a locally owned connection. No-op for remote ids.
func (r *Registry) Kick(connID, reason string) {
	r.mu.RLock()
	c, ok := r.conns[connID]
	r.mu.RUnlock()
	if ok {
		c.Kick(reason)
	}
}

// Count returns the number of locally owned connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
