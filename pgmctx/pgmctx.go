// Package pgmctx scopes the socket registry and the injected clock to a
// single context object, replacing the reference implementation's
// process-wide pgm_sock_list/pgm_time_update_now globals (spec §9 Design
// Note "Global state"). One process may host more than one Context (for
// instance one per network namespace in a test harness), each with its own
// clock and its own set of live sockets.
package pgmctx

import (
	"sync"
	"time"

	"github.com/soypat/pgm"
	"github.com/soypat/pgm/internal/clock"
	"github.com/soypat/pgm/socket"
)

// Context owns every [socket.Socket] created through it plus the clock they
// share. Sockets never reach back into a Context (spec §9 "Cyclic
// references": the arena owns its members, members never store a
// back-pointer); callers that need to fan work out across every live socket
// use [Context.ForEach] or [Context.DispatchTimers].
type Context struct {
	clock clock.Clock

	mu      sync.RWMutex
	sockets map[pgm.TSI]*socket.Socket
}

// New returns a Context using clk for every socket created through it. A nil
// clk defaults to [clock.System].
func New(clk clock.Clock) *Context {
	if clk == nil {
		clk = clock.System{}
	}
	return &Context{
		clock:   clk,
		sockets: make(map[pgm.TSI]*socket.Socket),
	}
}

// Clock returns the context's shared clock, for callers building a Config
// to pass to [Context.NewSocket].
func (c *Context) Clock() clock.Clock { return c.clock }

// NewSocket constructs a socket.Socket using cfg (with cfg.Clock forced to
// the context's own clock) and registers it under cfg.LocalTSI.
func (c *Context) NewSocket(cfg socket.Config) (*socket.Socket, error) {
	cfg.Clock = c.clock
	s, err := socket.New(cfg)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.sockets[cfg.LocalTSI] = s
	c.mu.Unlock()
	return s, nil
}

// Lookup returns the socket registered under tsi, if any.
func (c *Context) Lookup(tsi pgm.TSI) (*socket.Socket, bool) {
	c.mu.RLock()
	s, ok := c.sockets[tsi]
	c.mu.RUnlock()
	return s, ok
}

// Remove closes and unregisters the socket under tsi, if present.
func (c *Context) Remove(tsi pgm.TSI) error {
	c.mu.Lock()
	s, ok := c.sockets[tsi]
	if ok {
		delete(c.sockets, tsi)
	}
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return s.Close()
}

// ForEach invokes fn for a snapshot of every currently registered socket,
// taken under the read lock so fn may run without holding it (same
// snapshot-then-iterate discipline as [socket.Socket]'s own peer map, spec
// §5).
func (c *Context) ForEach(fn func(tsi pgm.TSI, s *socket.Socket)) {
	c.mu.RLock()
	tsis := make([]pgm.TSI, 0, len(c.sockets))
	socks := make([]*socket.Socket, 0, len(c.sockets))
	for tsi, s := range c.sockets {
		tsis = append(tsis, tsi)
		socks = append(socks, s)
	}
	c.mu.RUnlock()
	for i, tsi := range tsis {
		fn(tsi, socks[i])
	}
}

// DispatchTimers runs DispatchTimers on every registered socket, letting one
// goroutine drive the whole context's timer work instead of requiring each
// socket's owner to do so independently.
func (c *Context) DispatchTimers(now time.Time) {
	c.ForEach(func(tsi pgm.TSI, s *socket.Socket) {
		s.DispatchTimers(now)
	})
}

// Close closes every registered socket and empties the registry.
func (c *Context) Close() error {
	c.mu.Lock()
	socks := make([]*socket.Socket, 0, len(c.sockets))
	for _, s := range c.sockets {
		socks = append(socks, s)
	}
	c.sockets = make(map[pgm.TSI]*socket.Socket)
	c.mu.Unlock()
	var firstErr error
	for _, s := range socks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
