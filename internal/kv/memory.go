package kv

import (
	"context"
	"strconv"
	"sync"
	"time"
)

type entry struct {
	val     string
	list    []string
	expires time.Time // zero means no expiry
}

// Memory is an in-process Store for tests and single-node deployments.
type Memory struct {
	mu   sync.Mutex
	data map[string]*entry
	now  func() time.Time
}

// NewMemory creates an empty store. now may be nil to use time.Now.
func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{data: make(map[string]*entry), now: now}
}

// live returns the entry at key, dropping it if expired. Caller holds mu.
func (m *Memory) live(key string) *entry {
	e, ok := m.data[key]
	if !ok {
		return nil
	}
	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		delete(m.data, key)
		return nil
	}
	return e
}

func (m *Memory) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil {
		return "", false, nil
	}
	return e.val, true, nil
}

func (m *Memory) Set(_ context.Context, key, val string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = &entry{val: val, expires: m.deadline(ttl)}
	return nil
}

func (m *Memory) SetNX(_ context.Context, key, val string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.live(key) != nil {
		return false, nil
	}
	m.data[key] = &entry{val: val, expires: m.deadline(ttl)}
	return true, nil
}

func (m *Memory) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil {
		e = &entry{val: "0"}
		m.data[key] = e
	}
	n, err := strconv.ParseInt(e.val, 10, 64)
	if err != nil {
		return 0, err
	}
	n++
	e.val = strconv.FormatInt(n, 10)
	if e.expires.IsZero() {
		e.expires = m.deadline(ttl)
	}
	return n, nil
}

func (m *Memory) PushCapped(_ context.Context, key, val string, max int, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil {
		e = &entry{}
		m.data[key] = e
	}
	e.list = append([]string{val}, e.list...)
	if max > 0 && len(e.list) > max {
		e.list = e.list[:max]
	}
	e.expires = m.deadline(ttl)
	return nil
}

func (m *Memory) Range(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil {
		return nil, nil
	}
	out := make([]string, len(e.list))
	copy(out, e.list)
	return out, nil
}

func (m *Memory) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
