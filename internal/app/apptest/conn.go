// Package apptest provides a recording core.SignalConnection for tests.
package apptest

import (
	"encoding/json"
	"sync"

	"github.com/dkeye/Huddle/internal/core"
)

// Event is one decoded outbound frame.
type Event map[string]any

func (e Event) Type() string {
	s, _ := e["type"].(string)
	return s
}

func (e Event) Str(key string) string {
	s, _ := e[key].(string)
	return s
}

// Conn records every frame it is sent. Setting Full makes TrySend
// report backpressure.
type Conn struct {
	mu     sync.Mutex
	frames []core.Frame
	full   bool
	closed bool
}

func NewConn() *Conn { return &Conn{} }

func (c *Conn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return core.ErrConnClosed
	}
	if c.full {
		return core.ErrBackpressure
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *Conn) SetFull(full bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.full = full
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Events decodes everything received so far.
func (c *Conn) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, 0, len(c.frames))
	for _, f := range c.frames {
		var e Event
		if err := json.Unmarshal(f, &e); err == nil {
			out = append(out, e)
		}
	}
	return out
}

// OfType returns the received events with the given type, in order.
func (c *Conn) OfType(typ string) []Event {
	var out []Event
	for _, e := range c.Events() {
		if e.Type() == typ {
			out = append(out, e)
		}
	}
	return out
}

// Last returns the most recent event of the given type.
func (c *Conn) Last(typ string) (Event, bool) {
	evs := c.OfType(typ)
	if len(evs) == 0 {
		return nil, false
	}
	return evs[len(evs)-1], true
}

// Types lists the type of every received event, in order.
func (c *Conn) Types() []string {
	evs := c.Events()
	out := make([]string, len(evs))
	for i, e := range evs {
		out[i] = e.Type()
	}
	return out
}

func (c *Conn) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = nil
}
