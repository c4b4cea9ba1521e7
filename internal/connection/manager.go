package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/quantpaper/tradesync/internal/auth"
	"github.com/quantpaper/tradesync/internal/bus"
	"github.com/quantpaper/tradesync/internal/model"
	"github.com/quantpaper/tradesync/internal/subs"
)

// Manager owns the single push connection shared by the whole process.
// It dials, authenticates, detects closure, schedules reconnects with
// the connection retry profile, and re-issues the registry's active
// subscriptions whenever a connection is (re)established.
type Manager struct {
	cfg      ManagerConfig
	creds    auth.Provider
	registry *subs.Registry
	bus      *bus.Bus
	logger   *slog.Logger

	// dial is swappable in tests.
	dial func(ClientConfig, *slog.Logger) Client

	mu             sync.Mutex
	state          State
	attempts       int
	lastErr        error
	unavailable    bool
	client         Client
	gen            uint64 // bumped on every (re)connect and disconnect; stale goroutines bail out
	connDone       chan struct{}
	reconnectTimer *time.Timer
	resyncSeq      uint64 // registry changes at or below this are covered by the last resync

	received    int64
	parseErrors int64

	watcherMu sync.Mutex
	watchers  map[int64]func(StateChange)
	watcherID int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a connection manager. creds may be nil, in which
// case every session is anonymous.
func NewManager(cfg ManagerConfig, creds auth.Provider, registry *subs.Registry, b *bus.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if creds == nil {
		creds = auth.Static("")
	}

	return &Manager{
		cfg:      cfg,
		creds:    creds,
		registry: registry,
		bus:      b,
		logger:   logger,
		dial:     NewClient,
		watchers: make(map[int64]func(StateChange)),
	}
}

// Start begins managing the connection: it watches the registry for
// subscription changes and makes the initial connection attempt. An
// initial dial failure is not fatal; a reconnect is already scheduled.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.ctx != nil {
		m.mu.Unlock()
		return errors.New("manager already started")
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	m.wg.Add(1)
	go m.changeLoop()

	if err := m.Connect(); err != nil {
		m.logger.Warn("initial connect failed, will retry", "error", err)
	}

	return nil
}

// Stop disconnects and releases all goroutines.
func (m *Manager) Stop(ctx context.Context) error {
	m.Disconnect("shutdown")

	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("connection manager stopped")
		return nil
	case <-ctx.Done():
		m.logger.Warn("connection manager stop timed out")
		return ctx.Err()
	}
}

// Connect establishes the push connection. A no-op while already
// connecting or connected. After a terminal "unavailable" state this is
// the only way to resume; it clears the terminal flag and restarts the
// attempt counter.
func (m *Manager) Connect() error {
	m.mu.Lock()
	if m.ctx == nil {
		m.mu.Unlock()
		return errors.New("manager not started")
	}
	if m.state == StateConnecting || m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	m.unavailable = false
	m.attempts = 0
	m.cancelTimerLocked()
	m.state = StateConnecting
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	m.emit(StateChange{State: StateConnecting})
	return m.establish(gen)
}

// Disconnect closes the connection and cancels any pending reconnect.
// No automatic reconnection happens after a manual disconnect.
func (m *Manager) Disconnect(reason string) {
	m.mu.Lock()
	m.cancelTimerLocked()
	if m.client == nil && m.state == StateDisconnected {
		m.attempts = 0
		m.unavailable = false
		m.mu.Unlock()
		return
	}
	m.state = StateClosing
	m.gen++
	cli := m.client
	m.client = nil
	m.attempts = 0
	m.unavailable = false
	if m.connDone != nil {
		close(m.connDone)
		m.connDone = nil
	}
	m.mu.Unlock()

	m.emit(StateChange{State: StateClosing})

	if cli != nil {
		cli.Close()
	}

	m.mu.Lock()
	m.state = StateDisconnected
	m.mu.Unlock()

	m.emit(StateChange{State: StateDisconnected})
	m.logger.Info("disconnected", "reason", reason)
}

// IsConnected reports whether the push connection is up.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateConnected
}

// GetState returns the current connection state.
func (m *Manager) GetState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Stats returns a point-in-time view of the manager.
func (m *Manager) Stats() ManagerStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := ManagerStats{
		State:       m.state,
		Attempts:    m.attempts,
		Unavailable: m.unavailable,
		Received:    m.received,
		ParseErrors: m.parseErrors,
	}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
	}
	return s
}

// OnStateChange registers a watcher for connection state transitions
// and returns a cancel func that detaches it.
func (m *Manager) OnStateChange(h func(StateChange)) func() {
	m.watcherMu.Lock()
	m.watcherID++
	id := m.watcherID
	m.watchers[id] = h
	m.watcherMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.watcherMu.Lock()
			delete(m.watchers, id)
			m.watcherMu.Unlock()
		})
	}
}

// establish dials and, on success, resyncs subscriptions and starts the
// per-connection goroutines. gen guards against superseded attempts.
func (m *Manager) establish(gen uint64) error {
	cli := m.dial(ClientConfig{
		URL:              m.buildURL(),
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     m.cfg.WriteTimeout,
		PongTimeout:      m.cfg.PongTimeout,
		BufferSize:       m.cfg.BufferSize,
	}, m.logger)

	if err := cli.Connect(m.ctx); err != nil {
		m.scheduleReconnect(gen, err)
		return err
	}

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		cli.Close()
		return nil
	}
	m.client = cli
	m.state = StateConnected
	m.attempts = 0
	m.lastErr = nil
	// Snapshot under the same lock that flips the state: a change
	// sequenced after it is guaranteed to find StateConnected in
	// changeLoop, and anything at or below seq is covered by the
	// resync below, so no transition can fall between the two.
	active, seq := m.registry.Snapshot()
	m.resyncSeq = seq
	done := make(chan struct{})
	m.connDone = done
	m.mu.Unlock()

	m.emit(StateChange{State: StateConnected})
	m.logger.Info("push connection established")

	// Authoritative resync: server-side channel state does not survive
	// a reconnect.
	if len(active) > 0 {
		m.logger.Info("resubscribing active channels", "count", len(active))
		m.sendCommand(cli, Command{Type: CmdSubscribe, Symbols: active})
	}

	m.wg.Add(2)
	go m.readLoop(cli, gen, done)
	go m.pingLoop(cli, done)

	return nil
}

// scheduleReconnect records an abnormal closure and arms the single
// reconnect timer, or surfaces the terminal unavailable state once the
// profile's attempts are exhausted.
func (m *Manager) scheduleReconnect(gen uint64, cause error) {
	m.mu.Lock()
	if m.gen != gen || m.state == StateClosing {
		m.mu.Unlock()
		return
	}
	m.state = StateDisconnected
	m.lastErr = cause
	// The failed client may still hold its socket and read goroutine
	// (a stale connection is half-open); close it before the redial.
	old := m.client
	m.client = nil
	if m.connDone != nil {
		close(m.connDone)
		m.connDone = nil
	}
	m.attempts++
	attempt := m.attempts

	if attempt > m.cfg.Retry.MaxAttempts {
		m.unavailable = true
		terminal := fmt.Errorf("%w: %w", ErrUnavailable, cause)
		m.lastErr = terminal
		m.cancelTimerLocked()
		m.mu.Unlock()

		if old != nil {
			old.Close()
		}
		m.emit(StateChange{State: StateDisconnected, Attempt: attempt, Err: terminal, Terminal: true})
		m.logger.Error("reconnect attempts exhausted, manual connect required",
			"attempts", m.cfg.Retry.MaxAttempts,
			"error", cause,
		)
		return
	}

	delay := m.cfg.Retry.Delay(attempt)
	m.cancelTimerLocked()
	m.reconnectTimer = time.AfterFunc(delay, func() { m.retryConnect(gen) })
	m.mu.Unlock()

	if old != nil {
		old.Close()
	}
	m.emit(StateChange{State: StateDisconnected, Attempt: attempt, Err: cause})
	m.logger.Warn("connection lost, reconnect scheduled",
		"attempt", attempt,
		"delay", delay,
		"error", cause,
	)
}

// retryConnect is the reconnect timer callback.
func (m *Manager) retryConnect(gen uint64) {
	m.mu.Lock()
	if m.gen != gen || m.state != StateDisconnected || m.unavailable || m.ctx.Err() != nil {
		m.mu.Unlock()
		return
	}
	m.state = StateConnecting
	m.gen++
	g := m.gen
	attempt := m.attempts
	m.mu.Unlock()

	m.emit(StateChange{State: StateConnecting, Attempt: attempt})
	m.establish(g)
}

// readLoop pumps inbound frames into the bus until the connection dies.
func (m *Manager) readLoop(cli Client, gen uint64, done <-chan struct{}) {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-done:
			return
		case err := <-cli.Errors():
			m.scheduleReconnect(gen, err)
			return
		case msg, ok := <-cli.Messages():
			if !ok {
				m.scheduleReconnect(gen, ErrConnectionLost)
				return
			}
			m.handleFrame(msg)
		}
	}
}

// pingLoop sends application-level keepalive pings. A missing PONG is
// not treated as fatal here; transport liveness is the client's
// (optional) concern.
func (m *Manager) pingLoop(cli Client, done <-chan struct{}) {
	defer m.wg.Done()

	if m.cfg.PingInterval <= 0 {
		return
	}

	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			m.sendCommand(cli, Command{Type: CmdPing})
		}
	}
}

// changeLoop converts registry transitions into wire traffic. While
// disconnected the events are dropped; the connect-time resync is
// authoritative.
func (m *Manager) changeLoop() {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return
		case change := <-m.registry.Changes():
			m.mu.Lock()
			cli := m.client
			connected := m.state == StateConnected
			covered := change.Seq <= m.resyncSeq
			m.mu.Unlock()

			if !connected || cli == nil || covered {
				continue
			}

			cmd := Command{Type: CmdSubscribe, Symbols: []string{change.Symbol}}
			if !change.Subscribe {
				cmd.Type = CmdUnsubscribe
			}
			m.sendCommand(cli, cmd)
		}
	}
}

// handleFrame parses one inbound frame and publishes it on the bus.
// Malformed frames are logged and dropped; they never block the stream.
func (m *Manager) handleFrame(msg TimestampedMessage) {
	m.mu.Lock()
	m.received++
	m.mu.Unlock()

	var env model.Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil || env.Type == "" {
		m.mu.Lock()
		m.parseErrors++
		m.mu.Unlock()
		m.logger.Warn("malformed frame dropped", "error", err)
		return
	}
	env.ReceivedAt = msg.ReceivedAt

	switch env.Type {
	case model.KindPong:
		m.logger.Debug("pong received")
	case model.KindConnectionEstablished:
		m.logger.Info("session acknowledged by server")
		m.bus.Publish(env)
	default:
		m.bus.Publish(env)
	}
}

// sendCommand marshals and sends an outbound command.
func (m *Manager) sendCommand(cli Client, cmd Command) {
	data, err := json.Marshal(cmd)
	if err != nil {
		m.logger.Error("marshal command", "type", cmd.Type, "error", err)
		return
	}

	if err := cli.Send(data); err != nil {
		m.logger.Warn("send command failed",
			"type", cmd.Type,
			"symbols", cmd.Symbols,
			"error", err,
		)
	}
}

// buildURL appends the auth credential, or a demo flag when no
// credential is available, to the configured endpoint URL.
func (m *Manager) buildURL() string {
	u, err := url.Parse(m.cfg.URL)
	if err != nil {
		return m.cfg.URL
	}

	q := u.Query()
	if token, ok := m.creds.Token(); ok {
		q.Set("token", token)
	} else {
		q.Set("demo", "true")
	}
	u.RawQuery = q.Encode()

	return u.String()
}

// cancelTimerLocked stops any pending reconnect timer. Caller holds mu.
func (m *Manager) cancelTimerLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

// emit delivers a state change to all watchers.
func (m *Manager) emit(change StateChange) {
	m.watcherMu.Lock()
	hs := make([]func(StateChange), 0, len(m.watchers))
	for _, h := range m.watchers {
		hs = append(hs, h)
	}
	m.watcherMu.Unlock()

	for _, h := range hs {
		h(change)
	}
}
