package relay

import (
	"time"

	"github.com/gluk-w/claworc/chat-bridge/internal/eventloop"
	"github.com/gluk-w/claworc/chat-bridge/internal/session"
)

// Pair couples two sessions. It owns the shared pairing timestamp used for
// loop detection and one Link per direction. A Pair is only touched from the
// event loop goroutine.
type Pair struct {
	loop         *eventloop.Loop
	links        [2]*Link
	lastPairedAt time.Time
	everPaired   bool
}

// Link is one direction of a Pair: events arriving on Own are relayed to
// Peer. Pending holds stranger messages received on Own while Peer was not
// paired.
type Link struct {
	pair      *Pair
	index     int
	own, peer *session.Session
	pending   []string
	tentative *eventloop.Handle
}

// NewPair binds a and b. Links()[0] relays a to b, Links()[1] relays b to a.
func NewPair(loop *eventloop.Loop, a, b *session.Session) *Pair {
	p := &Pair{loop: loop}
	p.links[0] = &Link{pair: p, index: 0, own: a, peer: b}
	p.links[1] = &Link{pair: p, index: 1, own: b, peer: a}
	return p
}

func (p *Pair) Links() [2]*Link { return p.links }

// LastPairedAt returns the time of the last accepted pairing and whether
// there has been one.
func (p *Pair) LastPairedAt() (time.Time, bool) { return p.lastPairedAt, p.everPaired }

// withinWindow reports whether now falls inside window of the last pairing.
func (p *Pair) withinWindow(now time.Time, window time.Duration) bool {
	if !p.everPaired {
		return false
	}
	d := now.Sub(p.lastPairedAt)
	if d < 0 {
		d = -d
	}
	return d < window
}

func (p *Pair) markPaired(now time.Time) {
	p.lastPairedAt = now
	p.everPaired = true
}

func (l *Link) Own() *session.Session  { return l.own }
func (l *Link) Peer() *session.Session { return l.peer }

// Reverse returns the link relaying in the opposite direction.
func (l *Link) Reverse() *Link { return l.pair.links[1-l.index] }

// Pending returns a copy of the queued messages, oldest first.
func (l *Link) Pending() []string { return append([]string(nil), l.pending...) }

func (l *Link) enqueue(text string) { l.pending = append(l.pending, text) }

func (l *Link) dequeue() (string, bool) {
	if len(l.pending) == 0 {
		return "", false
	}
	text := l.pending[0]
	l.pending[0] = ""
	l.pending = l.pending[1:]
	return text, true
}

func (l *Link) cancelTentative() {
	l.tentative.Stop()
	l.tentative = nil
}
