// Package queue publishes decided notifications to the delivery streams.
package queue

import (
	"context"
	"errors"
	"time"
)

// Logical streams.
const (
	StreamImmediate = "immediate"
	StreamDeferred  = "deferred"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("queue: closed")

// Message is one delivery instruction.
type Message struct {
	// Key orders messages per user.
	Key     string
	Payload []byte
	Headers map[string]string
	At      time.Time
}

// Publisher delivers messages at least once.
type Publisher interface {
	Publish(ctx context.Context, stream string, msgs ...Message) error
	Close() error
}
