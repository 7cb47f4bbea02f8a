// Package dispatch is the composition root of the bridge. It builds both
// sessions, couples them with a relay pair, routes operator lines and keeps
// faulted sessions reconnecting.
package dispatch

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/gluk-w/claworc/chat-bridge/internal/chat"
	"github.com/gluk-w/claworc/chat-bridge/internal/config"
	"github.com/gluk-w/claworc/chat-bridge/internal/eventloop"
	"github.com/gluk-w/claworc/chat-bridge/internal/logutil"
	"github.com/gluk-w/claworc/chat-bridge/internal/relay"
	"github.com/gluk-w/claworc/chat-bridge/internal/session"
	"github.com/gluk-w/claworc/chat-bridge/internal/transport"
)

// ErrUnknownIdentity is returned by Submit for lines addressed to nobody.
var ErrUnknownIdentity = errors.New("unknown identity")

// Reconnect backoff after a transport fault. Tests may override these.
var (
	backoffMin = 1 * time.Second
	backoffMax = 60 * time.Second
)

const shutdownTimeout = 10 * time.Second

// Deps are the collaborators the dispatcher wires together.
type Deps struct {
	Loop     *eventloop.Loop
	Dialer   transport.Dialer
	Proxies  session.Acquirer
	Ledger   session.Ledger
	Rewriter relay.TextRewriter
	Recorder relay.Recorder
	// Input supplies operator lines. Nil disables the input reader.
	Input io.Reader
	// Pruner, when set, is started by Run and stopped on shutdown.
	Pruner *cron.Cron
}

// Dispatcher owns the two sessions of the bridge.
type Dispatcher struct {
	cfg      config.Settings
	deps     Deps
	loop     *eventloop.Loop
	sessions map[string]*session.Session
	order    []string
	pair     *relay.Pair
	lines    *bufio.Scanner
	status   *http.Server
	backoff  map[string]time.Duration
	pending  map[string]*eventloop.Handle
	ctx      context.Context
	logger   zerolog.Logger
}

// New builds the sessions, pair and machines for cfg.Identities. Nothing is
// dialed until Start.
func New(cfg config.Settings, deps Deps) (*Dispatcher, error) {
	if len(cfg.Identities) != 2 {
		return nil, fmt.Errorf("dispatch: need two identities, got %d", len(cfg.Identities))
	}
	d := &Dispatcher{
		cfg:      cfg,
		deps:     deps,
		loop:     deps.Loop,
		sessions: make(map[string]*session.Session, 2),
		order:    append([]string(nil), cfg.Identities...),
		backoff:  make(map[string]time.Duration, 2),
		pending:  make(map[string]*eventloop.Handle, 2),
		ctx:      context.Background(),
		logger:   log.With().Str("module", "dispatch").Logger(),
	}
	if deps.Input != nil {
		d.lines = bufio.NewScanner(deps.Input)
	}

	for _, id := range d.order {
		d.sessions[id] = session.New(session.Options{
			Identity:  id,
			Loop:      d.loop,
			Dialer:    deps.Dialer,
			Proxies:   deps.Proxies,
			Ledger:    deps.Ledger,
			Heartbeat: cfg.HeartbeatInterval,
		})
	}
	d.pair = relay.NewPair(d.loop, d.sessions[d.order[0]], d.sessions[d.order[1]])

	opts := []relay.Option{relay.WithFaultHook(d.faulted)}
	if deps.Rewriter != nil {
		opts = append(opts, relay.WithRewriter(deps.Rewriter))
	}
	if deps.Recorder != nil {
		opts = append(opts, relay.WithRecorder(deps.Recorder))
	}
	for _, link := range d.pair.Links() {
		relay.NewMachine(link, relay.Config{
			Resilience: relay.Resilience{
				ReconnectOnSendFailure: cfg.ReconnectOnSendFailure,
				LoopDetection:          cfg.LoopDetection,
			},
			Rotate:           cfg.ProxyRotate,
			JoinDelay:        cfg.Traits.JoinDelay(link.Own().Identity()),
			LoopWindow:       cfg.LoopWindow,
			SendFailureLimit: cfg.SendFailureLimit,
			RotateTimeout:    cfg.DialTimeout * 2,
		}, opts...)
	}
	return d, nil
}

// Start dials both sessions. A provisioning failure is fatal: no session can
// exist without a proxy.
func (d *Dispatcher) Start(ctx context.Context) error {
	for _, id := range d.order {
		if err := d.sessions[id].Open(ctx); err != nil {
			return fmt.Errorf("start session %s: %w", id, err)
		}
	}
	return nil
}

// Session returns the session for identity, or nil.
func (d *Dispatcher) Session(identity string) *session.Session { return d.sessions[identity] }

// Pair returns the relay pair.
func (d *Dispatcher) Pair() *relay.Pair { return d.pair }

// Submit routes one operator line of the form "<identity> <text>". The
// identity names the persona speaking, so the text goes out on the other
// session, to that session's stranger. Empty text is ignored. Must run on
// the event loop.
func (d *Dispatcher) Submit(line string) error {
	line = strings.TrimRight(line, "\r\n")
	sep := strings.IndexFunc(line, unicode.IsSpace)
	if sep <= 0 {
		return nil
	}
	identity := line[:sep]
	_, size := utf8.DecodeRuneInString(line[sep:])
	text := line[sep+size:]
	if text == "" {
		return nil
	}
	target, ok := d.peerOf(identity)
	if !ok {
		d.logger.Warn().Str("identity", logutil.SanitizeForLog(identity)).Msg("command for unknown identity")
		return fmt.Errorf("%w %q", ErrUnknownIdentity, identity)
	}
	if d.deps.Recorder != nil {
		d.deps.Recorder.Event(identity, "intercepted with \""+text+"\"")
	}
	if d.deps.Rewriter != nil {
		text = d.deps.Rewriter.Apply(target.Identity(), text)
	}
	target.Emit(chat.Say(text))
	return nil
}

// peerOf returns the session paired with identity's session.
func (d *Dispatcher) peerOf(identity string) (*session.Session, bool) {
	switch identity {
	case d.order[0]:
		return d.sessions[d.order[1]], true
	case d.order[1]:
		return d.sessions[d.order[0]], true
	}
	return nil, false
}

// faulted schedules a reconnect of s when fault reconnection is enabled.
func (d *Dispatcher) faulted(s *session.Session, err error) {
	if !d.cfg.ReconnectOnFault {
		d.logger.Warn().Err(err).Str("identity", s.Identity()).Msg("session faulted; reconnect disabled")
		return
	}
	d.scheduleReconnect(s)
}

func (d *Dispatcher) scheduleReconnect(s *session.Session) {
	id := s.Identity()
	delay := d.backoff[id]
	if delay == 0 {
		delay = backoffMin
	}
	d.pending[id].Stop()
	d.logger.Info().Str("identity", id).Dur("backoff", delay).Msg("reconnecting")
	d.pending[id] = d.loop.After(delay, func() {
		delete(d.pending, id)
		if s.Connected() || d.ctx.Err() != nil {
			return
		}
		ctx, cancel := context.WithTimeout(d.ctx, d.cfg.DialTimeout*2)
		defer cancel()
		if err := s.Open(ctx); err != nil {
			d.logger.Warn().Err(err).Str("identity", id).Msg("reconnect failed")
			d.backoff[id] = min(delay*2, backoffMax)
			d.scheduleReconnect(s)
			return
		}
		d.backoff[id] = backoffMin
	})
}

// ServeStatus makes Run serve srv until shutdown. Call it before Run.
func (d *Dispatcher) ServeStatus(srv *http.Server) { d.status = srv }

// SessionStatus is a session snapshot plus the number of stranger messages
// it holds for its peer.
type SessionStatus struct {
	session.Snapshot
	Pending int `json:"pending"`
}

// Status snapshots both sessions on the event loop.
func (d *Dispatcher) Status(ctx context.Context) ([]SessionStatus, error) {
	var out []SessionStatus
	err := d.loop.Call(ctx, func() {
		for _, link := range d.pair.Links() {
			out = append(out, SessionStatus{
				Snapshot: link.Own().Snapshot(),
				Pending:  len(link.Pending()),
			})
		}
	})
	return out, err
}

// Run drives the bridge until ctx is cancelled: the event loop, the operator
// input reader, the optional status server and the optional ledger pruner.
// On return both sessions are closed and their leases retired.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	d.ctx = gctx

	g.Go(func() error {
		// Run only returns once gctx is done.
		d.loop.Run(gctx)
		return nil
	})

	if d.lines != nil {
		lines := make(chan string)
		go d.scan(gctx, lines)
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case line, ok := <-lines:
					if !ok {
						d.logger.Info().Msg("operator input closed")
						return nil
					}
					d.loop.Post(func() { d.Submit(line) })
				}
			}
		})
	}

	if srv := d.status; srv != nil {
		g.Go(func() error {
			d.logger.Info().Str("addr", srv.Addr).Msg("status API listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("status server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if c := d.deps.Pruner; c != nil {
		c.Start()
		g.Go(func() error {
			<-gctx.Done()
			<-c.Stop().Done()
			return nil
		})
	}

	err := g.Wait()
	d.shutdown()
	return err
}

// scan feeds operator lines to out until EOF or ctx is done.
func (d *Dispatcher) scan(ctx context.Context, out chan<- string) {
	defer close(out)
	for d.lines.Scan() {
		select {
		case out <- d.lines.Text():
		case <-ctx.Done():
			return
		}
	}
	if err := d.lines.Err(); err != nil {
		d.logger.Warn().Err(err).Msg("read operator input")
	}
}

// shutdown runs after the loop has stopped, so touching sessions here does
// not race with handlers.
func (d *Dispatcher) shutdown() {
	for _, h := range d.pending {
		h.Stop()
	}
	for _, id := range d.order {
		if err := d.sessions[id].Close(); err != nil {
			d.logger.Debug().Err(err).Str("identity", id).Msg("close session")
		}
	}
	d.logger.Info().Msg("bridge stopped")
}
