package core

import "errors"

// Frame is a raw outbound payload (one JSON document).
type Frame []byte

// ConnID identifies one live transport session.
type ConnID string

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

//go:generate mockgen -destination=mocks/signal_mock.go -package=mocks github.com/dkeye/Huddle/internal/core SignalConnection

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	// TrySend enqueues without blocking; ErrBackpressure when the queue is full.
	TrySend(Frame) error
	Close()
}
