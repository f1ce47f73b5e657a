package rabbitmq

import (
	"context"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionState describes where the manager is in its lifecycle.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateChannelOpening
	StateActive
	StateGracefulClosing
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateChannelOpening:
		return "channel-opening"
	case StateActive:
		return "active"
	case StateGracefulClosing:
		return "graceful-closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ChannelBinder supplies the component-specific half of the connection
// lifecycle. Setup runs on the connection loop once the channel is open;
// returning nil marks the manager active. Cancel runs on the loop during a
// graceful stop and must release any broker-side consumer state before the
// channel closes.
type ChannelBinder interface {
	Setup(ctx context.Context, ch *amqp.Channel) error
	Cancel(ctx context.Context, ch *amqp.Channel) error
}

const (
	// maxReconnectDelaySeconds caps the linear backoff between attempts.
	maxReconnectDelaySeconds = 30

	taskQueueSize = 256

	waitPollInterval = 50 * time.Millisecond

	cancelTimeout = 5 * time.Second
)

// reconnectDelay is the linear backoff counter for the reconnect loop.
// A lifetime that reached active resets the delay to zero; every failed
// attempt adds one second, capped at maxReconnectDelaySeconds.
type reconnectDelay struct {
	seconds int
}

func (d *reconnectDelay) next(wasActive bool) int {
	if wasActive {
		d.seconds = 0
		return 0
	}
	d.seconds++
	if d.seconds > maxReconnectDelaySeconds {
		d.seconds = maxReconnectDelaySeconds
	}
	return d.seconds
}

// ConnectionManager owns one broker connection and one channel. A single
// goroutine (the loop) performs all channel I/O: it establishes the
// connection, runs the binder's Setup, executes injected tasks and tears the
// channel down again. Other goroutines interact with the loop only through
// Submit and ScheduleAfter.
//
// Connection and channel failures are never fatal: the loop returns to
// disconnected, applies the backoff delay and retries until Stop is called.
type ConnectionManager struct {
	url    string
	binder ChannelBinder
	logger *slog.Logger
	dial   func(url string) (*amqp.Connection, error)

	onBeforeStart   func()
	onBeforeConnect func()

	mu    sync.RWMutex
	state ConnectionState
	conn  *amqp.Connection
	ch    *amqp.Channel

	// runStop ends the current connection lifetime without shutting the
	// manager down; it is recreated per run.
	runStop         chan struct{}
	runStopped      bool
	shouldReconnect bool

	// wasActive is owned by the loop goroutine.
	wasActive bool

	tasks    chan func()
	rootStop chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	started  atomic.Bool
	active   atomic.Bool

	lifeCtx    context.Context
	lifeCancel context.CancelFunc
}

// Option configures the ConnectionManager.
type Option func(*ConnectionManager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *ConnectionManager) {
		m.logger = logger
	}
}

// WithDialer overrides how broker connections are established.
func WithDialer(dial func(url string) (*amqp.Connection, error)) Option {
	return func(m *ConnectionManager) {
		m.dial = dial
	}
}

// WithOnBeforeStart registers a hook invoked once, just before the reconnect
// loop starts.
func WithOnBeforeStart(fn func()) Option {
	return func(m *ConnectionManager) {
		m.onBeforeStart = fn
	}
}

// WithOnBeforeConnect registers a hook invoked before every connection
// attempt.
func WithOnBeforeConnect(fn func()) Option {
	return func(m *ConnectionManager) {
		m.onBeforeConnect = fn
	}
}

// NewConnectionManager creates a manager for the given broker URL. The binder
// is required; it receives the channel once open.
func NewConnectionManager(url string, binder ChannelBinder, options ...Option) *ConnectionManager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &ConnectionManager{
		url:        url,
		binder:     binder,
		logger:     slog.Default(),
		dial:       amqp.Dial,
		state:      StateDisconnected,
		tasks:      make(chan func(), taskQueueSize),
		rootStop:   make(chan struct{}),
		done:       make(chan struct{}),
		lifeCtx:    ctx,
		lifeCancel: cancel,
	}

	for _, opt := range options {
		opt(m)
	}

	return m
}

// Start launches the reconnect loop. With wait set it blocks until the
// manager reaches active or ctx is done.
func (m *ConnectionManager) Start(ctx context.Context, wait bool) error {
	if m.binder == nil {
		return ErrNilBinder
	}
	if !m.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	if m.onBeforeStart != nil {
		m.onBeforeStart()
	}

	go m.keepAlive()

	if wait {
		return m.WaitActive(ctx)
	}
	return nil
}

// Stop requests a graceful shutdown. Safe to call multiple times and from any
// goroutine; calling it while already closing is a no-op.
func (m *ConnectionManager) Stop() {
	m.stopOnce.Do(func() {
		close(m.rootStop)
		m.lifeCancel()
	})
}

// Reconnect forces the current connection down; the loop reconnects
// automatically.
func (m *ConnectionManager) Reconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shouldReconnect = true
	if m.runStop != nil && !m.runStopped {
		m.runStopped = true
		close(m.runStop)
	}
}

// Submit injects a task into the connection loop. Returns false once the
// manager has shut down.
func (m *ConnectionManager) Submit(fn func()) bool {
	select {
	case <-m.done:
		return false
	default:
	}
	select {
	case m.tasks <- fn:
		return true
	case <-m.done:
		return false
	}
}

// ScheduleAfter runs fn on the connection loop after the given delay. The
// task is dropped if the manager shuts down first.
func (m *ConnectionManager) ScheduleAfter(delay time.Duration, fn func()) {
	time.AfterFunc(delay, func() {
		m.Submit(fn)
	})
}

// IsActive reports whether the manager is connected and the binder's setup
// has completed.
func (m *ConnectionManager) IsActive() bool {
	return m.active.Load()
}

// State returns the current lifecycle state.
func (m *ConnectionManager) State() ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Channel returns the currently open channel.
func (m *ConnectionManager) Channel() (*amqp.Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ch == nil {
		return nil, ErrNotConnected
	}
	return m.ch, nil
}

// Context returns a context that is canceled when the manager stops.
func (m *ConnectionManager) Context() context.Context {
	return m.lifeCtx
}

// WaitActive blocks until the manager is active, polling at a short interval.
func (m *ConnectionManager) WaitActive(ctx context.Context) error {
	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()
	for {
		if m.active.Load() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.done:
			return ErrClosed
		case <-ticker.C:
		}
	}
}

// WaitClosed blocks until the reconnect loop has fully exited.
func (m *ConnectionManager) WaitClosed(ctx context.Context) error {
	if !m.started.Load() {
		return nil
	}
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// keepAlive runs connection lifetimes until Stop is requested, applying the
// backoff delay between attempts.
func (m *ConnectionManager) keepAlive() {
	defer close(m.done)
	defer m.setState(StateClosed)

	delay := reconnectDelay{}
	for {
		m.resetRun()
		err := m.runOnce()

		m.mu.Lock()
		again := m.shouldReconnect
		m.mu.Unlock()
		if !again || m.stopRequested() {
			return
		}

		wait := delay.next(m.wasActive)
		m.logger.Info("reconnecting to broker",
			"delaySeconds", wait,
			"error", err,
		)
		if !m.idle(time.Duration(wait) * time.Second) {
			return
		}
	}
}

// resetRun resets per-lifetime bookkeeping before a connection attempt.
func (m *ConnectionManager) resetRun() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateDisconnected
	m.shouldReconnect = false
	m.runStop = make(chan struct{})
	m.runStopped = false
	m.wasActive = false
}

// runOnce drives a single connection lifetime: dial, open channel, binder
// setup, then the task loop until the connection dies or a stop is requested.
func (m *ConnectionManager) runOnce() error {
	if m.onBeforeConnect != nil {
		m.onBeforeConnect()
	}

	m.setState(StateConnecting)
	conn, err := m.dial(m.url)
	if err != nil {
		m.flagReconnect()
		return &ConnectionError{Op: "dial", URL: SanitizeURL(m.url), Err: err}
	}

	m.setState(StateChannelOpening)
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		m.flagReconnect()
		return &ConnectionError{Op: "open channel", URL: SanitizeURL(m.url), Err: err}
	}

	m.mu.Lock()
	m.conn, m.ch = conn, ch
	runStop := m.runStop
	m.mu.Unlock()

	defer func() {
		m.active.Store(false)
		m.mu.Lock()
		m.conn, m.ch = nil, nil
		m.mu.Unlock()
	}()

	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	chClosed := ch.NotifyClose(make(chan *amqp.Error, 1))

	if err := m.binder.Setup(m.lifeCtx, ch); err != nil {
		m.logger.Error("channel setup failed", "error", err)
		ch.Close()
		conn.Close()
		m.flagReconnect()
		return err
	}

	m.setState(StateActive)
	m.active.Store(true)
	m.wasActive = true
	m.logger.Info("connection active", "url", SanitizeURL(m.url))

	for {
		select {
		case fn := <-m.tasks:
			fn()

		case amqpErr := <-connClosed:
			m.setState(StateDisconnected)
			m.active.Store(false)
			m.flagReconnect()
			return &ConnectionError{Op: "connection closed", URL: SanitizeURL(m.url), Err: asErr(amqpErr)}

		case amqpErr := <-chClosed:
			m.setState(StateDisconnected)
			m.active.Store(false)
			conn.Close()
			m.flagReconnect()
			return &ConnectionError{Op: "channel closed", URL: SanitizeURL(m.url), Err: asErr(amqpErr)}

		case <-runStop:
			// Reconnect was requested; shouldReconnect is already set.
			return m.gracefulClose(conn, ch)

		case <-m.rootStop:
			return m.gracefulClose(conn, ch)
		}
	}
}

// gracefulClose runs the binder's Cancel on the loop, drains queued tasks and
// closes the channel and connection in order.
func (m *ConnectionManager) gracefulClose(conn *amqp.Connection, ch *amqp.Channel) error {
	m.setState(StateGracefulClosing)
	wasActive := m.active.Swap(false)

	if wasActive {
		ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
		if err := m.binder.Cancel(ctx, ch); err != nil {
			m.logger.Warn("binder cancel failed", "error", err)
		}
		cancel()
	}

	// Run tasks queued before the stop so pending settlements still reach
	// the broker.
	for {
		select {
		case fn := <-m.tasks:
			fn()
			continue
		default:
		}
		break
	}

	if err := ch.Close(); err != nil {
		m.logger.Debug("channel close", "error", err)
	}
	if err := conn.Close(); err != nil {
		m.logger.Debug("connection close", "error", err)
	}
	m.setState(StateDisconnected)
	return nil
}

// idle waits between reconnect attempts while still executing injected tasks,
// so scheduled work observes the disconnected state instead of piling up.
func (m *ConnectionManager) idle(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			return true
		case fn := <-m.tasks:
			fn()
		case <-m.rootStop:
			return false
		}
	}
}

func (m *ConnectionManager) setState(s ConnectionState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *ConnectionManager) flagReconnect() {
	m.mu.Lock()
	m.shouldReconnect = true
	m.mu.Unlock()
}

func (m *ConnectionManager) stopRequested() bool {
	select {
	case <-m.rootStop:
		return true
	default:
		return false
	}
}

func asErr(err *amqp.Error) error {
	if err == nil {
		return ErrConnectionClosed
	}
	return err
}

// SanitizeURL strips credentials from a broker URL for logging.
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "(unparseable url)"
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	return u.Redacted()
}
