package queue

import (
	"context"
	"sync"
)

// Memory keeps published messages per stream. It backs tests and
// single-process deployments without a broker.
type Memory struct {
	mu      sync.Mutex
	streams map[string][]Message
	closed  bool
	failN   int
	failErr error
}

func NewMemory() *Memory {
	return &Memory{streams: make(map[string][]Message)}
}

func (m *Memory) Publish(ctx context.Context, stream string, msgs ...Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.failN > 0 {
		m.failN--
		return m.failErr
	}
	m.streams[stream] = append(m.streams[stream], msgs...)
	return nil
}

// FailNext makes the next n Publish calls return err.
func (m *Memory) FailNext(n int, err error) {
	m.mu.Lock()
	m.failN, m.failErr = n, err
	m.mu.Unlock()
}

// Messages returns a copy of what was published to stream.
func (m *Memory) Messages(stream string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.streams[stream]))
	copy(out, m.streams[stream])
	return out
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
