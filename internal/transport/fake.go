package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/gluk-w/claworc/chat-bridge/internal/chat"
	"github.com/gluk-w/claworc/chat-bridge/internal/provision"
)

// FakeDialer hands out FakeConns. It is used by tests of packages that sit
// on top of transport.
type FakeDialer struct {
	mu    sync.Mutex
	conns []*FakeConn
	fail  []error
}

// FailNext makes the next Dial return err.
func (d *FakeDialer) FailNext(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = append(d.fail, err)
}

func (d *FakeDialer) Dial(_ context.Context, proxy provision.Endpoint, clientTag string, cb Callbacks) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.fail) > 0 {
		err := d.fail[0]
		d.fail = d.fail[1:]
		return nil, err
	}
	c := &FakeConn{Proxy: proxy, ClientTag: clientTag, cb: cb}
	d.conns = append(d.conns, c)
	return c, nil
}

// Conns returns every connection dialed so far, oldest first.
func (d *FakeDialer) Conns() []*FakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*FakeConn(nil), d.conns...)
}

// Last returns the most recent connection, or nil.
func (d *FakeDialer) Last() *FakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// FakeConn records sent events and lets tests inject inbound traffic.
type FakeConn struct {
	Proxy     provision.Endpoint
	ClientTag string

	mu      sync.Mutex
	cb      Callbacks
	sent    []chat.Event
	sendErr error
	closed  bool
}

func (c *FakeConn) Send(_ context.Context, e chat.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return &SendError{Event: e.Event, Err: ErrClosed}
	}
	if c.sendErr != nil {
		return &SendError{Event: e.Event, Err: c.sendErr}
	}
	c.sent = append(c.sent, e)
	return nil
}

func (c *FakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// FailSends makes every later Send fail with err; nil restores success.
func (c *FakeConn) FailSends(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

// Deliver feeds an inbound event to the connection's OnMessage callback.
func (c *FakeConn) Deliver(e chat.Event) {
	c.cb.OnMessage(e)
}

// Fault reports a transport failure through OnFault.
func (c *FakeConn) Fault(err error) {
	if err == nil {
		err = errors.New("connection reset")
	}
	c.cb.OnFault(&FaultError{Err: err})
}

// Sent returns a copy of every event written so far.
func (c *FakeConn) Sent() []chat.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]chat.Event(nil), c.sent...)
}

// SentNames returns the event names written so far.
func (c *FakeConn) SentNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, len(c.sent))
	for i, e := range c.sent {
		names[i] = e.Event
	}
	return names
}

// Count returns how many events named name were written.
func (c *FakeConn) Count(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.sent {
		if e.Event == name {
			n++
		}
	}
	return n
}

// Closed reports whether Close was called.
func (c *FakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
