package connection

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/quantpaper/tradesync/internal/auth"
	"github.com/quantpaper/tradesync/internal/bus"
	"github.com/quantpaper/tradesync/internal/model"
	"github.com/quantpaper/tradesync/internal/retry"
	"github.com/quantpaper/tradesync/internal/subs"
)

// fakeClient is an in-memory Client for manager tests.
type fakeClient struct {
	url        string
	connectErr error
	gate       chan struct{} // when set, Connect blocks until closed

	mu        sync.Mutex
	connected bool
	closed    bool
	sent      []Command

	messages chan TimestampedMessage
	errors   chan error
}

func newFakeClient(url string, connectErr error) *fakeClient {
	return &fakeClient{
		url:        url,
		connectErr: connectErr,
		messages:   make(chan TimestampedMessage, 64),
		errors:     make(chan error, 1),
	}
}

func (f *fakeClient) Connect(ctx context.Context) error {
	if f.gate != nil {
		<-f.gate
	}
	if f.connectErr != nil {
		return f.connectErr
	}
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) Close() error {
	f.mu.Lock()
	f.connected = false
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) wasClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeClient) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return ErrNotConnected
	}
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return err
	}
	f.sent = append(f.sent, cmd)
	return nil
}

func (f *fakeClient) Messages() <-chan TimestampedMessage { return f.messages }
func (f *fakeClient) Errors() <-chan error                { return f.errors }

func (f *fakeClient) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeClient) commands() []Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Command, len(f.sent))
	copy(out, f.sent)
	return out
}

// fakeDialer hands out fakeClients and records every dial.
type fakeDialer struct {
	mu       sync.Mutex
	clients  []*fakeClient
	failNext int           // fail this many dials before succeeding
	failAll  bool          // fail every dial
	gate     chan struct{} // handed to every client; blocks Connect until closed
}

func (d *fakeDialer) dial(cfg ClientConfig, _ *slog.Logger) Client {
	d.mu.Lock()
	defer d.mu.Unlock()

	var err error
	if d.failAll || d.failNext > 0 {
		if d.failNext > 0 {
			d.failNext--
		}
		err = errors.New("dial refused")
	}

	c := newFakeClient(cfg.URL, err)
	c.gate = d.gate
	d.clients = append(d.clients, c)
	return c
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.clients)
}

func (d *fakeDialer) client(i int) *fakeClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 {
		i = len(d.clients) + i
	}
	return d.clients[i]
}

func testManagerConfig() ManagerConfig {
	return ManagerConfig{
		URL: "ws://push.test/stream",
		Retry: retry.Profile{
			MaxAttempts: 5,
			BaseDelay:   time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
			Multiplier:  2,
			Jitter:      false,
		},
		PingInterval: 0, // keep pings out of sent-command assertions
		WriteTimeout: time.Second,
		BufferSize:   64,
	}
}

func newTestManager(t *testing.T, cfg ManagerConfig, creds auth.Provider) (*Manager, *fakeDialer, *subs.Registry, *bus.Bus) {
	t.Helper()

	d := &fakeDialer{}
	registry := subs.NewRegistry(nil)
	b := bus.New(nil)

	m := NewManager(cfg, creds, registry, b, nil)
	m.dial = d.dial

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		m.Stop(ctx)
	})

	return m, d, registry, b
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", msg)
}

func TestManager_ConnectIdempotent(t *testing.T) {
	m, d, _, _ := newTestManager(t, testManagerConfig(), nil)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if !m.IsConnected() {
		t.Fatal("expected connected after Start")
	}
	if err := m.Connect(); err != nil {
		t.Errorf("repeat Connect: %v", err)
	}
	if err := m.Connect(); err != nil {
		t.Errorf("repeat Connect: %v", err)
	}

	if got := d.dialCount(); got != 1 {
		t.Errorf("dial count = %d, want 1 (Connect must be idempotent)", got)
	}
}

func TestManager_AuthQueryParam(t *testing.T) {
	m, d, _, _ := newTestManager(t, testManagerConfig(), auth.Static("tok-123"))

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	url := d.client(0).url
	if !strings.Contains(url, "token=tok-123") {
		t.Errorf("dial URL %q missing token param", url)
	}
}

func TestManager_AnonymousDemoParam(t *testing.T) {
	m, d, _, _ := newTestManager(t, testManagerConfig(), nil)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	url := d.client(0).url
	if !strings.Contains(url, "demo=true") {
		t.Errorf("dial URL %q missing demo flag for anonymous session", url)
	}
}

func TestManager_ResubscribeOnConnect(t *testing.T) {
	m, d, registry, _ := newTestManager(t, testManagerConfig(), nil)

	registry.Subscribe("aapl")
	registry.Subscribe("msft")

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	cmds := d.client(0).commands()
	if len(cmds) != 1 {
		t.Fatalf("got %d commands on connect, want 1 resync", len(cmds))
	}
	if cmds[0].Type != CmdSubscribe {
		t.Errorf("command type = %s, want %s", cmds[0].Type, CmdSubscribe)
	}
	if len(cmds[0].Symbols) != 2 || cmds[0].Symbols[0] != "AAPL" || cmds[0].Symbols[1] != "MSFT" {
		t.Errorf("resync symbols = %v, want [AAPL MSFT]", cmds[0].Symbols)
	}
}

func TestManager_SubscriptionChangesProduceWireTraffic(t *testing.T) {
	m, d, registry, _ := newTestManager(t, testManagerConfig(), nil)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	registry.Subscribe("tsla")
	waitFor(t, time.Second, func() bool {
		return len(d.client(0).commands()) == 1
	}, "subscribe command")

	cmds := d.client(0).commands()
	if cmds[0].Type != CmdSubscribe || cmds[0].Symbols[0] != "TSLA" {
		t.Errorf("first command = %+v, want subscribe TSLA", cmds[0])
	}

	registry.Unsubscribe("TSLA")
	waitFor(t, time.Second, func() bool {
		return len(d.client(0).commands()) == 2
	}, "unsubscribe command")

	cmds = d.client(0).commands()
	if cmds[1].Type != CmdUnsubscribe || cmds[1].Symbols[0] != "TSLA" {
		t.Errorf("second command = %+v, want unsubscribe TSLA", cmds[1])
	}
}

func TestManager_ReconnectUntilExhausted(t *testing.T) {
	m, d, _, _ := newTestManager(t, testManagerConfig(), nil)
	d.failAll = true

	var mu sync.Mutex
	var terminalErr error
	m.OnStateChange(func(c StateChange) {
		if c.Terminal {
			mu.Lock()
			terminalErr = c.Err
			mu.Unlock()
		}
	})

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Initial failure plus five scheduled retries, then terminal.
	waitFor(t, 5*time.Second, func() bool {
		return m.Stats().Unavailable
	}, "terminal unavailable state")

	if got := d.dialCount(); got != 6 {
		t.Errorf("dial count = %d, want 6 (1 initial + 5 retries)", got)
	}

	// The terminal transition carries the sentinel so watchers can match it.
	mu.Lock()
	if !errors.Is(terminalErr, ErrUnavailable) {
		t.Errorf("terminal error = %v, want ErrUnavailable", terminalErr)
	}
	mu.Unlock()
	if s := m.Stats(); !strings.Contains(s.LastError, "unavailable") {
		t.Errorf("Stats().LastError = %q, want it to name unavailability", s.LastError)
	}

	// No further automatic attempts after the terminal state.
	time.Sleep(50 * time.Millisecond)
	if got := d.dialCount(); got != 6 {
		t.Errorf("dial count grew to %d after terminal state", got)
	}

	// Manual connect clears the terminal state and tries again.
	d.mu.Lock()
	d.failAll = false
	d.mu.Unlock()

	if err := m.Connect(); err != nil {
		t.Fatalf("manual Connect after terminal state: %v", err)
	}
	if !m.IsConnected() {
		t.Error("expected connected after manual Connect")
	}
}

func TestManager_ReconnectResyncsExactChannels(t *testing.T) {
	m, d, registry, _ := newTestManager(t, testManagerConfig(), nil)

	registry.Subscribe("AAPL")
	registry.Subscribe("MSFT")
	registry.Subscribe("TSLA")
	registry.Unsubscribe("TSLA") // dropped before the reconnect

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Drop the connection mid-session.
	d.client(0).errors <- errors.New("abnormal closure")

	waitFor(t, 5*time.Second, func() bool {
		return d.dialCount() == 2 && m.IsConnected()
	}, "reconnect")

	cmds := d.client(1).commands()
	if len(cmds) != 1 {
		t.Fatalf("got %d commands after reconnect, want 1 resync", len(cmds))
	}
	if len(cmds[0].Symbols) != 2 || cmds[0].Symbols[0] != "AAPL" || cmds[0].Symbols[1] != "MSFT" {
		t.Errorf("resync symbols = %v, want exactly [AAPL MSFT]", cmds[0].Symbols)
	}
}

func TestManager_ClosesFailedClientBeforeRedial(t *testing.T) {
	m, d, _, _ := newTestManager(t, testManagerConfig(), nil)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// A stale connection is half-open; the manager must release the old
	// socket and its read goroutine, not just forget the client.
	first := d.client(0)
	first.errors <- ErrStaleConnection

	waitFor(t, 5*time.Second, func() bool {
		return d.dialCount() == 2 && m.IsConnected()
	}, "reconnect after stale connection")

	if !first.wasClosed() {
		t.Error("failed client left open across reconnect")
	}
}

func TestManager_SubscribeDuringConnectReachesWire(t *testing.T) {
	m, d, registry, _ := newTestManager(t, testManagerConfig(), nil)
	gate := make(chan struct{})
	d.gate = gate

	go m.Start(context.Background())
	waitFor(t, time.Second, func() bool { return d.dialCount() == 1 }, "dial in flight")

	// Lands while the dial is still establishing.
	registry.Subscribe("NVDA")
	close(gate)

	waitFor(t, time.Second, m.IsConnected, "connected")

	subscribed := func() int {
		n := 0
		for _, cmd := range d.client(0).commands() {
			if cmd.Type != CmdSubscribe {
				continue
			}
			for _, s := range cmd.Symbols {
				if s == "NVDA" {
					n++
				}
			}
		}
		return n
	}
	waitFor(t, time.Second, func() bool { return subscribed() >= 1 }, "NVDA on the wire")

	// Covered once: by the resync or the change event, never both.
	time.Sleep(20 * time.Millisecond)
	if got := subscribed(); got != 1 {
		t.Errorf("NVDA subscribed %d times, want exactly 1", got)
	}
}

func TestManager_DisconnectCancelsReconnect(t *testing.T) {
	cfg := testManagerConfig()
	cfg.Retry.BaseDelay = 20 * time.Millisecond
	cfg.Retry.MaxDelay = 20 * time.Millisecond

	m, d, _, _ := newTestManager(t, cfg, nil)
	d.failAll = true

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// A reconnect is pending; manual disconnect must cancel it.
	m.Disconnect("user request")

	dials := d.dialCount()
	time.Sleep(100 * time.Millisecond)
	if got := d.dialCount(); got != dials {
		t.Errorf("dial count grew from %d to %d after Disconnect", dials, got)
	}
	if m.GetState() != StateDisconnected {
		t.Errorf("state = %s, want disconnected", m.GetState())
	}
}

func TestManager_PublishesInboundFrames(t *testing.T) {
	m, d, _, b := newTestManager(t, testManagerConfig(), nil)

	var mu sync.Mutex
	var got []string
	b.Subscribe(model.KindOrderUpdate, func(env model.Envelope) {
		mu.Lock()
		got = append(got, string(env.Data))
		mu.Unlock()
	})

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	cli := d.client(0)
	cli.messages <- TimestampedMessage{
		Data:       []byte(`{"type":"ORDER_UPDATE","data":{"id":"o1"},"timestamp":"2024-03-01T00:00:00Z"}`),
		ReceivedAt: time.Now(),
	}
	// Malformed frame is dropped and must not stall the stream.
	cli.messages <- TimestampedMessage{Data: []byte(`{nope`), ReceivedAt: time.Now()}
	cli.messages <- TimestampedMessage{
		Data:       []byte(`{"type":"ORDER_UPDATE","data":{"id":"o2"},"timestamp":"2024-03-01T00:00:01Z"}`),
		ReceivedAt: time.Now(),
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, "two dispatched frames")

	if s := m.Stats(); s.ParseErrors != 1 {
		t.Errorf("ParseErrors = %d, want 1", s.ParseErrors)
	}
}

func TestManager_StateWatcher(t *testing.T) {
	m, _, _, _ := newTestManager(t, testManagerConfig(), nil)

	var mu sync.Mutex
	var states []State
	cancel := m.OnStateChange(func(c StateChange) {
		mu.Lock()
		states = append(states, c.State)
		mu.Unlock()
	})

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	mu.Lock()
	if len(states) < 2 || states[0] != StateConnecting || states[1] != StateConnected {
		t.Errorf("states = %v, want [connecting connected ...]", states)
	}
	n := len(states)
	mu.Unlock()

	cancel()
	m.Disconnect("done")

	mu.Lock()
	if len(states) != n {
		t.Errorf("watcher still called after cancel: %v", states[n:])
	}
	mu.Unlock()
}
