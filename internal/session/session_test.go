package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gluk-w/claworc/chat-bridge/internal/chat"
	"github.com/gluk-w/claworc/chat-bridge/internal/clock"
	"github.com/gluk-w/claworc/chat-bridge/internal/eventloop"
	"github.com/gluk-w/claworc/chat-bridge/internal/provision"
	"github.com/gluk-w/claworc/chat-bridge/internal/transport"
)

var epoch = time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)

type fakeLedger struct {
	next    uint
	active  map[uint]string
	retired map[uint]string
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{active: map[uint]string{}, retired: map[uint]string{}}
}

func (l *fakeLedger) Acquired(identity, endpoint string) (uint, error) {
	l.next++
	l.active[l.next] = endpoint
	return l.next, nil
}

func (l *fakeLedger) Retired(id uint, reason string) error {
	delete(l.active, id)
	l.retired[id] = reason
	return nil
}

type rig struct {
	clock   *clock.FakeClock
	loop    *eventloop.Loop
	dialer  *transport.FakeDialer
	ledger  *fakeLedger
	session *Session
	events  []chat.Event
	faults  int
	opens   int
}

func newRig(t *testing.T) *rig {
	t.Helper()
	r := &rig{
		clock:  clock.Fake(epoch),
		dialer: &transport.FakeDialer{},
		ledger: newFakeLedger(),
	}
	r.loop = eventloop.New(r.clock)
	proxies := provision.New(
		provision.FetcherFunc(func(context.Context) ([]string, error) {
			return []string{"10.0.0.1:8080", "10.0.0.2:8080"}, nil
		}),
	)
	r.session = New(Options{
		Identity:  "you",
		Loop:      r.loop,
		Dialer:    r.dialer,
		Proxies:   proxies,
		Ledger:    r.ledger,
		Heartbeat: 5 * time.Second,
	})
	r.session.SetHandlers(Handlers{
		OnOpen: func() {
			r.opens++
			r.session.Emit(chat.Outgoing(chat.RegisterUser))
			r.session.StartHeartbeat()
		},
		OnEvent: func(e chat.Event) { r.events = append(r.events, e) },
		OnFault: func(*transport.FaultError) { r.faults++ },
	})
	return r
}

// tick advances the fake clock and runs whatever was posted.
func (r *rig) tick(d time.Duration) {
	r.clock.Advance(d)
	r.loop.Drain()
}

func TestOpen_InstallsTransportAndRunsOpenHandler(t *testing.T) {
	r := newRig(t)
	if err := r.session.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	c := r.dialer.Last()
	if c == nil || r.opens != 1 {
		t.Fatalf("conn = %v, opens = %d", c, r.opens)
	}
	if got := c.SentNames(); len(got) != 1 || got[0] != chat.RegisterUser {
		t.Fatalf("sent = %v", got)
	}
	if c.ClientTag == "" {
		t.Error("client tag not set")
	}
	if len(r.ledger.active) != 1 {
		t.Errorf("active leases = %v", r.ledger.active)
	}
}

func TestOpen_ProvisioningErrorLeavesSessionUnconnected(t *testing.T) {
	r := newRig(t)
	r.session.proxies = provision.New(provision.FetcherFunc(func(context.Context) ([]string, error) { return nil, nil }))
	err := r.session.Open(context.Background())
	var perr *provision.ProvisioningError
	if !errors.As(err, &perr) {
		t.Fatalf("Open = %v", err)
	}
	if r.session.Connected() || len(r.dialer.Conns()) != 0 {
		t.Fatal("session dialed without a proxy")
	}
}

func TestRotate_TwiceKeepsHandlersAndDropsStaleEvents(t *testing.T) {
	r := newRig(t)
	if err := r.session.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	first := r.dialer.Last()

	for i := 0; i < 2; i++ {
		if err := r.session.Rotate(context.Background(), "rotate"); err != nil {
			t.Fatalf("Rotate #%d: %v", i+1, err)
		}
	}
	conns := r.dialer.Conns()
	if len(conns) != 3 {
		t.Fatalf("dialed %d transports, want 3", len(conns))
	}
	if !conns[0].Closed() || !conns[1].Closed() || conns[2].Closed() {
		t.Fatal("old transports must be closed, current one open")
	}
	if r.opens != 3 {
		t.Fatalf("open handler ran %d times", r.opens)
	}

	current := conns[2]
	first.Deliver(chat.Event{Event: chat.UserRegistered})
	current.Deliver(chat.Event{Event: chat.JoinedToConversation})
	r.loop.Drain()
	if len(r.events) != 1 || r.events[0].Event != chat.JoinedToConversation {
		t.Fatalf("events = %+v", r.events)
	}

	first.Fault(nil)
	r.loop.Drain()
	if r.faults != 0 {
		t.Fatal("fault from replaced transport reached the handler")
	}

	r.session.Emit(chat.Outgoing(chat.GetPartner))
	if current.Count(chat.GetPartner) != 1 || first.Count(chat.GetPartner) != 0 {
		t.Fatal("emission did not go to the current transport only")
	}

	reasons := 0
	for _, reason := range r.ledger.retired {
		if reason == "rotate" {
			reasons++
		}
	}
	if reasons != 2 || len(r.ledger.active) != 1 {
		t.Fatalf("retired = %v active = %v", r.ledger.retired, r.ledger.active)
	}
}

func TestRotate_DialFailureKeepsCurrentTransport(t *testing.T) {
	r := newRig(t)
	r.session.Open(context.Background())
	current := r.dialer.Last()

	r.dialer.FailNext(errors.New("proxy refused"))
	if err := r.session.Rotate(context.Background(), "rotate"); err == nil {
		t.Fatal("expected rotate error")
	}
	if current.Closed() || !r.session.Connected() {
		t.Fatal("current transport should survive a failed rotation")
	}
	r.session.Emit(chat.Outgoing(chat.GetPartner))
	if current.Count(chat.GetPartner) != 1 {
		t.Fatal("emission lost after failed rotation")
	}
}

func TestHeartbeat_OnePerIntervalAndNoneAfterFault(t *testing.T) {
	r := newRig(t)
	for cycle := 0; cycle < 3; cycle++ {
		if err := r.session.Open(context.Background()); err != nil {
			t.Fatalf("Open: %v", err)
		}
		c := r.dialer.Last()

		for i := 1; i <= 4; i++ {
			r.tick(5 * time.Second)
			if got := c.Count(chat.Online); got != i {
				t.Fatalf("cycle %d: after %d intervals got %d online events", cycle, i, got)
			}
		}

		c.Fault(errors.New("eof"))
		r.loop.Drain()
		r.tick(time.Minute)
		if got := c.Count(chat.Online); got != 4 {
			t.Fatalf("cycle %d: heartbeat kept running after fault (%d)", cycle, got)
		}
		if r.session.Connected() || r.session.Snapshot().Heartbeat {
			t.Fatalf("cycle %d: session still looks connected", cycle)
		}
	}
	if r.faults != 3 {
		t.Fatalf("faults = %d", r.faults)
	}
}

func TestHeartbeat_TickQueuedBeforeStopIsDropped(t *testing.T) {
	r := newRig(t)
	r.session.Open(context.Background())
	c := r.dialer.Last()

	r.clock.Advance(5 * time.Second)
	r.session.StopHeartbeat()
	r.loop.Drain()
	if c.Count(chat.Online) != 0 {
		t.Fatal("queued tick ran after StopHeartbeat")
	}
}

func TestFault_ClearsAliveAndRetiresLease(t *testing.T) {
	r := newRig(t)
	r.session.Open(context.Background())
	r.session.SetAlive(true)

	r.dialer.Last().Fault(nil)
	r.loop.Drain()

	if r.session.Alive() {
		t.Fatal("alive after fault")
	}
	if r.ledger.retired[1] != "fault" {
		t.Fatalf("retired = %v", r.ledger.retired)
	}
}

func TestEmit_CountsConsecutiveFailures(t *testing.T) {
	r := newRig(t)
	var counts []int
	h := r.session.handlers
	h.OnSendFailure = func(n int, err error) {
		var se *transport.SendError
		if !errors.As(err, &se) {
			t.Errorf("failure %v is not a SendError", err)
		}
		counts = append(counts, n)
	}
	r.session.SetHandlers(h)
	r.session.Open(context.Background())
	c := r.dialer.Last()

	c.FailSends(errors.New("broken pipe"))
	r.session.Emit(chat.Say("a"))
	r.session.Emit(chat.Say("b"))
	c.FailSends(nil)
	r.session.Emit(chat.Say("c"))
	c.FailSends(errors.New("broken pipe"))
	r.session.Emit(chat.Say("d"))

	want := []int{1, 2, 1}
	if len(counts) != len(want) {
		t.Fatalf("counts = %v, want %v", counts, want)
	}
	for i := range want {
		if counts[i] != want[i] {
			t.Fatalf("counts = %v, want %v", counts, want)
		}
	}
}

func TestEmit_WithoutTransportIsSendFailure(t *testing.T) {
	r := newRig(t)
	failed := 0
	h := r.session.handlers
	h.OnSendFailure = func(int, error) { failed++ }
	r.session.SetHandlers(h)

	r.session.Emit(chat.Outgoing(chat.GetPartner))
	if failed != 1 {
		t.Fatalf("failed = %d", failed)
	}
}

func TestClose_DoesNotReportFault(t *testing.T) {
	r := newRig(t)
	r.session.Open(context.Background())
	c := r.dialer.Last()

	if err := r.session.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	c.Fault(nil)
	r.loop.Drain()
	if r.faults != 0 || !c.Closed() {
		t.Fatalf("faults = %d closed = %v", r.faults, c.Closed())
	}
	if r.ledger.retired[1] != "shutdown" {
		t.Fatalf("retired = %v", r.ledger.retired)
	}
}
