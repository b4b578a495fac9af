package store

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Store. It backs single-instance deployments and
// tests, and mirrors Redis semantics closely enough that the higher layers
// cannot tell the difference: per-operation atomicity, lazy key expiry,
// and local pub/sub fan-out.
type Memory struct {
	mu      sync.Mutex
	lists   map[string][]string
	hashes  map[string]map[string]string
	sets    map[string]map[string]struct{}
	expiry  map[string]time.Time
	subs    map[string][]*memorySub
	closed  bool
	nowFunc func() time.Time
}

type memorySub struct {
	ch chan Message
}

// NewMemory creates an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		lists:   make(map[string][]string),
		hashes:  make(map[string]map[string]string),
		sets:    make(map[string]map[string]struct{}),
		expiry:  make(map[string]time.Time),
		subs:    make(map[string][]*memorySub),
		nowFunc: time.Now,
	}
}

// expireLocked drops key if its TTL has passed. Callers hold mu.
func (m *Memory) expireLocked(key string) {
	deadline, ok := m.expiry[key]
	if !ok || m.nowFunc().Before(deadline) {
		return
	}
	delete(m.expiry, key)
	delete(m.lists, key)
	delete(m.hashes, key)
	delete(m.sets, key)
}

func (m *Memory) ListPushTail(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	m.lists[key] = append(m.lists[key], value)
	return nil
}

func (m *Memory) ListRemoveAll(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	src := m.lists[key]
	dst := src[:0]
	for _, v := range src {
		if v != value {
			dst = append(dst, v)
		}
	}
	if len(dst) == 0 {
		delete(m.lists, key)
	} else {
		m.lists[key] = dst
	}
	return nil
}

func (m *Memory) ListPopHead(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	list := m.lists[key]
	if len(list) == 0 {
		return "", false, nil
	}
	head := list[0]
	if len(list) == 1 {
		delete(m.lists, key)
	} else {
		m.lists[key] = list[1:]
	}
	return head, true, nil
}

func (m *Memory) ListLen(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	return int64(len(m.lists[key])), nil
}

func (m *Memory) ListRange(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	return append([]string(nil), m.lists[key]...), nil
}

func (m *Memory) HashSet(_ context.Context, key string, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	h := m.hashes[key]
	if h == nil {
		h = make(map[string]string, len(fields))
		m.hashes[key] = h
	}
	for f, v := range fields {
		h[f] = v
	}
	return nil
}

func (m *Memory) HashGet(_ context.Context, key, field string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	value, ok := m.hashes[key][field]
	return value, ok, nil
}

func (m *Memory) HashDelete(_ context.Context, key string, fields ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	h := m.hashes[key]
	for _, f := range fields {
		delete(h, f)
	}
	if len(h) == 0 {
		delete(m.hashes, key)
	}
	return nil
}

func (m *Memory) HashGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	out := make(map[string]string, len(m.hashes[key]))
	for f, v := range m.hashes[key] {
		out[f] = v
	}
	return out, nil
}

func (m *Memory) HashLen(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	return int64(len(m.hashes[key])), nil
}

func (m *Memory) SetAdd(_ context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	s := m.sets[key]
	if s == nil {
		s = make(map[string]struct{})
		m.sets[key] = s
	}
	s[member] = struct{}{}
	return nil
}

func (m *Memory) SetRemove(_ context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	delete(m.sets[key], member)
	if len(m.sets[key]) == 0 {
		delete(m.sets, key)
	}
	return nil
}

func (m *Memory) SetContains(_ context.Context, key, member string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	_, ok := m.sets[key][member]
	return ok, nil
}

func (m *Memory) SetMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	out := make([]string, 0, len(m.sets[key]))
	for member := range m.sets[key] {
		out = append(out, member)
	}
	return out, nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lists[key]; !ok {
		if _, ok := m.hashes[key]; !ok {
			if _, ok := m.sets[key]; !ok {
				return nil
			}
		}
	}
	m.expiry[key] = m.nowFunc().Add(ttl)
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.lists, key)
	delete(m.hashes, key)
	delete(m.sets, key)
	delete(m.expiry, key)
	return nil
}

func (m *Memory) Publish(_ context.Context, channel string, payload []byte) error {
	// Sends happen under mu so they cannot race with the close in
	// Subscribe's cancellation goroutine. They are non-blocking, so the
	// lock is never held waiting on a subscriber.
	m.mu.Lock()
	defer m.mu.Unlock()

	msg := Message{Channel: channel, Payload: payload}
	for _, sub := range m.subs[channel] {
		select {
		case sub.ch <- msg:
		default:
			// Slow subscriber; drop rather than block the publisher,
			// matching Redis pub/sub fire-and-forget semantics.
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, channel string) (<-chan Message, error) {
	sub := &memorySub{ch: make(chan Message, 32)}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		close(sub.ch)
		return sub.ch, nil
	}
	m.subs[channel] = append(m.subs[channel], sub)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		found := false
		subs := m.subs[channel]
		for i, s := range subs {
			if s == sub {
				m.subs[channel] = append(subs[:i], subs[i+1:]...)
				found = true
				break
			}
		}
		m.mu.Unlock()
		// Close only if the store has not already closed this channel.
		if found {
			close(sub.ch)
		}
	}()

	return sub.ch, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, subs := range m.subs {
		for _, sub := range subs {
			close(sub.ch)
		}
	}
	m.subs = make(map[string][]*memorySub)
	return nil
}
