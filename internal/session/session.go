// Package session owns one identity's connection to the chat service.
//
// A Session outlives its transports. Handlers belong to the Session, so
// replacing the transport (Rotate) keeps them without copying anything, and
// every callback from a transport is tagged with the generation it was dialed
// for: once a newer transport is installed, late events from the old one are
// dropped. All methods except those documented otherwise must be called from
// the event loop goroutine.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gluk-w/claworc/chat-bridge/internal/chat"
	"github.com/gluk-w/claworc/chat-bridge/internal/database"
	"github.com/gluk-w/claworc/chat-bridge/internal/eventloop"
	"github.com/gluk-w/claworc/chat-bridge/internal/provision"
	"github.com/gluk-w/claworc/chat-bridge/internal/transport"
)

// ErrNotConnected is the cause of a SendError when no transport is installed.
var ErrNotConnected = errors.New("session has no transport")

// Acquirer provides proxy endpoints.
type Acquirer interface {
	Acquire(ctx context.Context) (provision.Endpoint, error)
}

// Ledger records which proxy each transport used and why it was dropped.
type Ledger interface {
	Acquired(identity, endpoint string) (uint, error)
	Retired(id uint, reason string) error
}

// Handlers react to transport activity. They run on the event loop.
type Handlers struct {
	// OnOpen runs right after a transport is installed, by Open or Rotate.
	OnOpen func()
	// OnEvent receives inbound events from the current transport.
	OnEvent func(chat.Event)
	// OnFault runs after the current transport closed or failed.
	OnFault func(*transport.FaultError)
	// OnSendFailure runs after each failed Emit with the number of
	// consecutive failures so far.
	OnSendFailure func(consecutive int, err error)
}

// Options configure a Session.
type Options struct {
	Identity  string
	Loop      *eventloop.Loop
	Dialer    transport.Dialer
	Proxies   Acquirer
	Ledger    Ledger
	Heartbeat time.Duration
}

// Session is one identity's live connection state.
type Session struct {
	identity string
	loop     *eventloop.Loop
	dialer   transport.Dialer
	proxies  Acquirer
	ledger   Ledger
	interval time.Duration
	handlers Handlers
	logger   zerolog.Logger

	conn         transport.Conn
	proxy        provision.Endpoint
	clientTag    string
	leaseID      uint
	generation   uint64
	alive        bool
	heartbeat    *eventloop.Handle
	sendFailures int
	states       stateLog
}

// New returns a Session with no transport. Call SetHandlers, then Open.
func New(opts Options) *Session {
	return &Session{
		identity: opts.Identity,
		loop:     opts.Loop,
		dialer:   opts.Dialer,
		proxies:  opts.Proxies,
		ledger:   opts.Ledger,
		interval: opts.Heartbeat,
		logger:   log.With().Str("module", "session").Str("identity", opts.Identity).Logger(),
	}
}

// SetHandlers installs the handlers used by every transport of the session.
func (s *Session) SetHandlers(h Handlers) { s.handlers = h }

func (s *Session) Identity() string { return s.identity }

// Alive reports whether the session is confirmed paired with a stranger.
func (s *Session) Alive() bool { return s.alive }

func (s *Session) SetAlive(alive bool) { s.alive = alive }

func (s *Session) State() State { return s.states.current }

// SetState moves the session to state, recording reason in its history.
func (s *Session) SetState(to State, reason string) {
	from := s.states.current
	if s.states.set(to, s.loop.Clock().Now(), reason) {
		s.logger.Debug().Stringer("from", from).Stringer("to", to).Str("reason", reason).Msg("state change")
	}
}

// Connected reports whether a transport is installed.
func (s *Session) Connected() bool { return s.conn != nil }

// Generation counts installed transports.
func (s *Session) Generation() uint64 { return s.generation }

// Open acquires a proxy and dials the first transport, or a replacement
// after a fault. It blocks until provisioning and the dial finish.
func (s *Session) Open(ctx context.Context) error {
	return s.connect(ctx, database.ReasonReconnect)
}

// Rotate replaces the transport with one dialed through a fresh proxy. The
// old transport's lease is retired with reason. On error the current
// transport is kept.
func (s *Session) Rotate(ctx context.Context, reason string) error {
	return s.connect(ctx, reason)
}

func (s *Session) connect(ctx context.Context, reason string) error {
	proxy, err := s.proxies.Acquire(ctx)
	if err != nil {
		return err
	}

	gen := s.generation + 1
	tag := uuid.NewString()
	conn, err := s.dialer.Dial(ctx, proxy, tag, transport.Callbacks{
		OnMessage: func(e chat.Event) {
			s.loop.Post(func() {
				if s.generation == gen {
					s.handlers.OnEvent(e)
				}
			})
		},
		OnFault: func(f *transport.FaultError) {
			s.loop.Post(func() {
				if s.generation == gen {
					s.faulted(f)
				}
			})
		},
	})
	if err != nil {
		return err
	}

	s.install(conn, proxy, tag, reason)
	return nil
}

func (s *Session) install(conn transport.Conn, proxy provision.Endpoint, tag, reason string) {
	old := s.conn
	s.StopHeartbeat()
	s.retireLease(reason)

	s.generation++
	s.conn = conn
	s.proxy = proxy
	s.clientTag = tag
	s.sendFailures = 0
	if s.ledger != nil {
		id, err := s.ledger.Acquired(s.identity, string(proxy))
		if err != nil {
			s.logger.Warn().Err(err).Msg("record proxy lease")
		}
		s.leaseID = id
	}

	if old != nil {
		if err := old.Close(); err != nil {
			s.logger.Debug().Err(err).Msg("close replaced transport")
		}
	}
	s.logger.Info().Str("proxy", string(proxy)).Uint64("generation", s.generation).Msg("transport open")

	if s.handlers.OnOpen != nil {
		s.handlers.OnOpen()
	}
}

func (s *Session) faulted(f *transport.FaultError) {
	s.logger.Warn().Err(f).Msg("transport fault")
	s.StopHeartbeat()
	s.alive = false
	s.conn = nil
	s.retireLease(database.ReasonFault)
	if s.handlers.OnFault != nil {
		s.handlers.OnFault(f)
	}
}

func (s *Session) retireLease(reason string) {
	if s.ledger == nil || s.leaseID == 0 {
		return
	}
	if err := s.ledger.Retired(s.leaseID, reason); err != nil {
		s.logger.Warn().Err(err).Msg("retire proxy lease")
	}
	s.leaseID = 0
}

// Emit writes e to the current transport. A failed write is logged and
// dropped; OnSendFailure is told how many writes in a row have failed.
func (s *Session) Emit(e chat.Event) {
	var err error
	if s.conn == nil {
		err = &transport.SendError{Event: e.Event, Err: ErrNotConnected}
	} else {
		err = s.conn.Send(context.Background(), e)
	}
	if err == nil {
		s.sendFailures = 0
		return
	}
	s.sendFailures++
	s.logger.Warn().Err(err).Int("consecutive", s.sendFailures).Msg("dropping outbound event")
	if s.handlers.OnSendFailure != nil {
		s.handlers.OnSendFailure(s.sendFailures, err)
	}
}

// StartHeartbeat emits "online" once per interval until stopped. A running
// heartbeat is replaced.
func (s *Session) StartHeartbeat() {
	s.StopHeartbeat()
	s.heartbeat = s.loop.Every(s.interval, func() {
		s.Emit(chat.Outgoing(chat.Online))
	})
}

// StopHeartbeat cancels the heartbeat, including a tick already queued.
func (s *Session) StopHeartbeat() {
	if s.heartbeat != nil {
		s.heartbeat.Stop()
		s.heartbeat = nil
	}
}

// Close retires the lease and closes the transport without reporting a
// fault.
func (s *Session) Close() error {
	s.StopHeartbeat()
	s.alive = false
	s.retireLease(database.ReasonShutdown)
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	s.generation++
	return err
}

// Snapshot is a point-in-time view of a session for the status API.
type Snapshot struct {
	Identity     string            `json:"identity"`
	State        State             `json:"state"`
	Alive        bool              `json:"alive"`
	Connected    bool              `json:"connected"`
	Proxy        string            `json:"proxy,omitempty"`
	ClientTag    string            `json:"client_tag,omitempty"`
	Generation   uint64            `json:"generation"`
	Heartbeat    bool              `json:"heartbeat"`
	SendFailures int               `json:"send_failures"`
	Transitions  []StateTransition `json:"transitions,omitempty"`
}

// Snapshot copies the session's observable state.
func (s *Session) Snapshot() Snapshot {
	return Snapshot{
		Identity:     s.identity,
		State:        s.states.current,
		Alive:        s.alive,
		Connected:    s.conn != nil,
		Proxy:        string(s.proxy),
		ClientTag:    s.clientTag,
		Generation:   s.generation,
		Heartbeat:    s.heartbeat != nil,
		SendFailures: s.sendFailures,
		Transitions:  s.states.history(),
	}
}
