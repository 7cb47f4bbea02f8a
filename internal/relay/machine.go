// Package relay implements the per-session protocol state machine and the
// pair that pipes stranger messages between the two sessions.
//
// One Machine drives each Link. It registers on transport open, asks for a
// partner after the join delay, and relays messages and typing notifications
// from its own stranger to the peer session once the peer is paired. Messages
// that arrive while the peer is unpaired wait in the link's queue; the peer
// sends the oldest one each time it pairs.
//
// With loop detection enabled a pairing is tentative for the loop window. If
// the other direction pairs within that window the two sessions were matched
// with each other: neither is marked alive and both ask for a new partner
// after the join delay.
package relay

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gluk-w/claworc/chat-bridge/internal/chat"
	"github.com/gluk-w/claworc/chat-bridge/internal/database"
	"github.com/gluk-w/claworc/chat-bridge/internal/eventloop"
	"github.com/gluk-w/claworc/chat-bridge/internal/logutil"
	"github.com/gluk-w/claworc/chat-bridge/internal/session"
	"github.com/gluk-w/claworc/chat-bridge/internal/transport"
)

// Resilience toggles optional recovery behaviour.
type Resilience struct {
	ReconnectOnSendFailure bool
	LoopDetection          bool
}

// Config parameterizes a Machine.
type Config struct {
	Resilience
	// Rotate replaces the transport on every terminate_conversation.
	Rotate bool
	// JoinDelay precedes the first get_partner and loop recovery.
	JoinDelay        time.Duration
	LoopWindow       time.Duration
	SendFailureLimit int
	// RotateTimeout bounds provisioning and dialing during a rotation.
	RotateTimeout time.Duration
}

const defaultRotateTimeout = 30 * time.Second

// TextRewriter rewrites outbound text for an identity.
type TextRewriter interface {
	Apply(identity, text string) string
}

// Recorder receives human-readable transcript lines.
type Recorder interface {
	Event(identity, event string)
	Said(identity, text string)
}

// FaultHook is told when a session's transport fails.
type FaultHook func(s *session.Session, err error)

// Option configures a Machine.
type Option func(*Machine)

func WithRewriter(r TextRewriter) Option { return func(m *Machine) { m.rewriter = r } }

func WithRecorder(r Recorder) Option { return func(m *Machine) { m.recorder = r } }

// WithFaultHook lets a supervisor react to transport faults. The machine
// itself never reconnects after a fault.
func WithFaultHook(h FaultHook) Option { return func(m *Machine) { m.onFault = h } }

// Machine is the protocol state machine for one Link.
type Machine struct {
	link     *Link
	own      *session.Session
	peer     *session.Session
	loop     *eventloop.Loop
	cfg      Config
	rewriter TextRewriter
	recorder Recorder
	onFault  FaultHook
	logger   zerolog.Logger

	join     *eventloop.Handle
	rotating bool
}

// NewMachine creates the machine for link and installs its handlers on the
// link's own session.
func NewMachine(link *Link, cfg Config, opts ...Option) *Machine {
	if cfg.SendFailureLimit < 1 {
		cfg.SendFailureLimit = 1
	}
	if cfg.RotateTimeout <= 0 {
		cfg.RotateTimeout = defaultRotateTimeout
	}
	m := &Machine{
		link:     link,
		own:      link.own,
		peer:     link.peer,
		loop:     link.pair.loop,
		cfg:      cfg,
		recorder: nopRecorder{},
		logger:   log.With().Str("module", "relay").Str("identity", link.own.Identity()).Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.own.SetHandlers(session.Handlers{
		OnOpen:        m.opened,
		OnEvent:       m.handle,
		OnFault:       m.faulted,
		OnSendFailure: m.sendFailed,
	})
	return m
}

func (m *Machine) Link() *Link { return m.link }

func (m *Machine) opened() {
	m.own.Emit(chat.Outgoing(chat.RegisterUser))
	m.own.StartHeartbeat()
	if m.own.State() == session.StateConnecting {
		m.own.SetState(session.StateRegistering, "transport open")
	}
}

func (m *Machine) handle(e chat.Event) {
	switch e.Event {
	case chat.UserRegistered:
		m.registered()
	case chat.JoinedToConversation:
		m.joined()
	case chat.TerminateConversation:
		m.terminated()
	case chat.Message:
		m.message(e)
	case chat.StartTyping, chat.StopTyping:
		if m.peer.Alive() {
			m.recorder.Event(m.own.Identity(), e.Event+"...")
			m.peer.Emit(chat.Outgoing(e.Event))
		}
	default:
		m.logger.Debug().Str("event", e.Event).Msg("ignoring event")
	}
}

func (m *Machine) registered() {
	if m.own.State() != session.StateRegistering {
		m.logger.Debug().Stringer("state", m.own.State()).Msg("user_registered outside registration")
		return
	}
	gen := m.own.Generation()
	m.join.Stop()
	m.join = m.loop.After(m.cfg.JoinDelay, func() {
		m.join = nil
		if m.own.Generation() != gen || m.own.State() != session.StateRegistering {
			return
		}
		m.own.Emit(chat.Outgoing(chat.GetPartner))
		m.own.SetState(session.StateWaitingPartner, "get_partner")
	})
}

func (m *Machine) joined() {
	if m.own.State() != session.StateWaitingPartner {
		m.logger.Debug().Stringer("state", m.own.State()).Msg("joined_to_conversation while not waiting")
		return
	}
	m.recorder.Event(m.own.Identity(), chat.JoinedToConversation)
	pair := m.link.pair
	now := m.loop.Clock().Now()

	if !m.cfg.LoopDetection {
		pair.markPaired(now)
		m.confirm()
		return
	}

	if pair.withinWindow(now, m.cfg.LoopWindow) {
		m.loopDetected()
		return
	}

	pair.markPaired(now)
	m.link.cancelTentative()
	m.link.tentative = m.loop.After(m.cfg.LoopWindow, func() {
		m.link.tentative = nil
		if m.own.State() == session.StateWaitingPartner {
			m.confirm()
		}
	})
}

// loopDetected handles both sessions having been matched with each other.
func (m *Machine) loopDetected() {
	m.logger.Warn().Dur("window", m.cfg.LoopWindow).Msg("loop detected, re-shuffling partners")
	m.recorder.Event(m.own.Identity(), "loop detected, retrying after "+m.cfg.JoinDelay.String())

	m.link.cancelTentative()
	m.link.Reverse().cancelTentative()
	m.own.SetAlive(false)
	m.peer.SetAlive(false)

	own, peer := m.own, m.peer
	ownGen, peerGen := own.Generation(), peer.Generation()
	m.loop.After(m.cfg.JoinDelay, func() {
		if own.Generation() == ownGen {
			own.Emit(chat.Outgoing(chat.GetPartner))
		}
		if peer.Generation() == peerGen {
			peer.Emit(chat.Outgoing(chat.GetPartner))
		}
	})
}

// confirm marks own as paired and sends it the oldest message the peer's
// stranger left while own was unpaired.
func (m *Machine) confirm() {
	m.own.SetAlive(true)
	m.own.SetState(session.StatePaired, "joined_to_conversation")

	if text, ok := m.link.Reverse().dequeue(); ok {
		m.recorder.Said(m.peer.Identity(), text)
		m.own.Emit(chat.Say(m.rewrite(m.own.Identity(), text)))
	}
}

func (m *Machine) terminated() {
	switch m.own.State() {
	case session.StatePaired, session.StateWaitingPartner:
	default:
		m.logger.Debug().Stringer("state", m.own.State()).Msg("terminate_conversation outside a conversation")
		return
	}
	m.recorder.Event(m.own.Identity(), chat.TerminateConversation)

	m.own.SetAlive(false)
	m.link.cancelTentative()
	m.own.SetState(session.StateTerminated, "terminate_conversation")
	m.own.SetState(session.StateWaitingPartner, "get_partner")

	if m.cfg.Rotate {
		m.rotate(database.ReasonRotate)
	}
	m.own.Emit(chat.Outgoing(chat.GetPartner))
}

func (m *Machine) message(e chat.Event) {
	if e.Mine {
		return
	}
	if m.peer.Alive() {
		m.recorder.Said(m.own.Identity(), e.Message)
		m.peer.Emit(chat.Say(m.rewrite(m.peer.Identity(), e.Message)))
		return
	}
	m.link.enqueue(e.Message)
	m.logger.Debug().Int("pending", len(m.link.pending)).Str("text", logutil.Truncate(logutil.SanitizeForLog(e.Message), 80)).Msg("peer not paired, queued message")
}

func (m *Machine) faulted(f *transport.FaultError) {
	m.link.cancelTentative()
	m.join.Stop()
	m.join = nil
	m.own.SetState(session.StateConnecting, "transport fault")
	m.recorder.Event(m.own.Identity(), "disconnected")
	if m.onFault != nil {
		m.onFault(m.own, f)
	}
}

func (m *Machine) sendFailed(consecutive int, err error) {
	if !m.cfg.ReconnectOnSendFailure || consecutive < m.cfg.SendFailureLimit || m.rotating {
		return
	}
	m.logger.Warn().Err(err).Int("consecutive", consecutive).Msg("reconnecting after send failures")

	prev := m.own.State()
	m.own.SetAlive(false)
	m.link.cancelTentative()
	m.join.Stop()
	m.join = nil
	m.own.SetState(session.StateConnecting, "send failures")
	if !m.rotate(database.ReasonReconnect) {
		m.own.SetState(prev, "reconnect failed")
	}
}

// rotate replaces own's transport and reports whether it succeeded. A failed
// rotation keeps the current transport.
func (m *Machine) rotate(reason string) bool {
	m.rotating = true
	defer func() { m.rotating = false }()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.RotateTimeout)
	defer cancel()
	if err := m.own.Rotate(ctx, reason); err != nil {
		m.logger.Error().Err(err).Msg("rotation failed, keeping current transport")
		return false
	}
	m.recorder.Event(m.own.Identity(), "rotated transport")
	return true
}

func (m *Machine) rewrite(identity, text string) string {
	if m.rewriter == nil {
		return text
	}
	return m.rewriter.Apply(identity, text)
}

type nopRecorder struct{}

func (nopRecorder) Event(string, string) {}
func (nopRecorder) Said(string, string)  {}
