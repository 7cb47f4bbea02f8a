// Package transport carries chat events over a websocket opened through an
// HTTP forward proxy.
//
// A Conn delivers inbound events to its Callbacks from a dedicated read
// goroutine, in arrival order. When the read loop ends for any reason other
// than a local Close, OnFault is called exactly once. Callers are expected to
// hop onto their own executor inside the callbacks.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gluk-w/claworc/chat-bridge/internal/chat"
	"github.com/gluk-w/claworc/chat-bridge/internal/logutil"
	"github.com/gluk-w/claworc/chat-bridge/internal/provision"
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("transport closed")

// SendError reports a failed write. The event is not retried.
type SendError struct {
	Event string
	Err   error
}

func (e *SendError) Error() string { return fmt.Sprintf("send %s: %v", e.Event, e.Err) }
func (e *SendError) Unwrap() error { return e.Err }

// FaultError reports that the connection closed or failed underneath us.
type FaultError struct {
	Err error
}

func (e *FaultError) Error() string { return "transport fault: " + e.Err.Error() }
func (e *FaultError) Unwrap() error { return e.Err }

// Callbacks receive inbound traffic. Both are required.
type Callbacks struct {
	OnMessage func(chat.Event)
	OnFault   func(*FaultError)
}

// Conn is one live connection to the chat service.
type Conn interface {
	Send(ctx context.Context, e chat.Event) error
	Close() error
}

// Dialer opens connections.
type Dialer interface {
	Dial(ctx context.Context, proxy provision.Endpoint, clientTag string, cb Callbacks) (Conn, error)
}

// Websocket defaults. Tests may override these.
var (
	DefaultDialTimeout  = 15 * time.Second
	DefaultWriteTimeout = 5 * time.Second
)

const readLimit = 1 << 20

// WebsocketDialer dials URL through the given proxy. An empty proxy dials
// directly.
type WebsocketDialer struct {
	URL          string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewWebsocketDialer returns a dialer for the chat endpoint at rawURL.
func NewWebsocketDialer(rawURL string, dialTimeout, writeTimeout time.Duration) *WebsocketDialer {
	if dialTimeout <= 0 {
		dialTimeout = DefaultDialTimeout
	}
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &WebsocketDialer{URL: rawURL, DialTimeout: dialTimeout, WriteTimeout: writeTimeout}
}

// Dial opens the websocket and starts its read loop. clientTag is sent as the
// User-Agent header.
func (d *WebsocketDialer) Dial(ctx context.Context, proxy provision.Endpoint, clientTag string, cb Callbacks) (Conn, error) {
	proxyFn, err := proxyFunc(proxy)
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, d.DialTimeout)
	defer cancel()

	ws, _, err := websocket.Dial(dialCtx, d.URL, &websocket.DialOptions{
		HTTPClient: &http.Client{
			Transport: &http.Transport{Proxy: proxyFn},
		},
		HTTPHeader: http.Header{"User-Agent": []string{clientTag}},
	})
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s via %q: %w", d.URL, proxy, err)
	}
	ws.SetReadLimit(readLimit)

	readCtx, cancelRead := context.WithCancel(context.Background())
	c := &wsConn{
		ws:           ws,
		writeTimeout: d.WriteTimeout,
		cancelRead:   cancelRead,
		done:         make(chan struct{}),
		logger:       log.With().Str("module", "transport").Str("proxy", string(proxy)).Logger(),
	}
	go c.readLoop(readCtx, cb)
	return c, nil
}

func proxyFunc(proxy provision.Endpoint) (func(*http.Request) (*url.URL, error), error) {
	if proxy == "" {
		return nil, nil
	}
	u, err := url.Parse(proxy.URL())
	if err != nil {
		return nil, fmt.Errorf("parse proxy %q: %w", proxy, err)
	}
	return http.ProxyURL(u), nil
}

type wsConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	cancelRead   context.CancelFunc
	done         chan struct{}
	closing      atomic.Bool
	closeOnce    sync.Once
	logger       zerolog.Logger
}

func (c *wsConn) readLoop(ctx context.Context, cb Callbacks) {
	defer close(c.done)
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			if !c.closing.Load() {
				cb.OnFault(&FaultError{Err: err})
			}
			return
		}
		e, err := chat.Decode(data)
		if err != nil {
			c.logger.Warn().Err(err).Str("payload", logutil.Truncate(logutil.SanitizeForLog(string(data)), 120)).Msg("dropping malformed frame")
			continue
		}
		cb.OnMessage(e)
	}
}

func (c *wsConn) Send(ctx context.Context, e chat.Event) error {
	if c.closing.Load() {
		return &SendError{Event: e.Event, Err: ErrClosed}
	}
	data, err := chat.Encode(e)
	if err != nil {
		return &SendError{Event: e.Event, Err: err}
	}
	ctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return &SendError{Event: e.Event, Err: err}
	}
	return nil
}

// Close ends the connection without reporting a fault and waits for the read
// loop to exit.
func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		err = c.ws.Close(websocket.StatusNormalClosure, "")
		c.cancelRead()
		<-c.done
	})
	return err
}
