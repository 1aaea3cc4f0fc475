package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/coiiot/agent-go/internal/metrics"
	"github.com/coiiot/agent-go/pkg/transport"
)

// Config holds session manager configuration.
type Config struct {
	Transport      transport.Transport
	ConnectOptions transport.ConnectOptions

	// KeepaliveInterval is how often a liveness ping is issued while
	// Connected. A failed ping counts as an unsolicited disconnect.
	KeepaliveInterval time.Duration

	// BackoffBase and BackoffCap bound the reconnect delay.
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// ConnectTimeout bounds a single handshake attempt.
	ConnectTimeout time.Duration

	Logger zerolog.Logger
}

const (
	defaultKeepalive      = 30 * time.Second
	defaultBackoffBase    = time.Second
	defaultBackoffCap     = time.Minute
	defaultConnectTimeout = 15 * time.Second
)

// Manager owns the session state machine. It is the only component that
// touches the transport's connection lifecycle; Router, Correlator and
// Publisher observe transitions through the On* hooks, which must all be
// registered before Start.
//
// Exactly one transport connection is live at a time: the run loop is a
// single goroutine that connects, supervises and reconnects in sequence.
type Manager struct {
	cfg     Config
	logger  zerolog.Logger
	backoff Backoff

	mu           sync.Mutex
	state        State
	lastConnect  time.Time
	stateChanged chan struct{}

	onConnect    []func()
	onDisconnect []func(err error)
	onClose      []func()

	lostCh    chan error
	closeCh   chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
	started   bool
}

// NewManager creates a session manager in the Disconnected state.
func NewManager(cfg Config) *Manager {
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = defaultKeepalive
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = defaultBackoffCap
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}

	m := &Manager{
		cfg:          cfg,
		logger:       cfg.Logger.With().Str("component", "session").Logger(),
		backoff:      Backoff{Base: cfg.BackoffBase, Cap: cfg.BackoffCap},
		state:        StateDisconnected,
		stateChanged: make(chan struct{}),
		lostCh:       make(chan error, 1),
		closeCh:      make(chan struct{}),
		doneCh:       make(chan struct{}),
	}

	cfg.Transport.SetDisconnectHandler(func(err error) {
		select {
		case m.lostCh <- err:
		default:
		}
	})

	return m
}

// OnConnect registers a hook fired after every successful handshake, before
// the state is observable as Connected by WaitConnected callers.
func (m *Manager) OnConnect(fn func()) {
	m.onConnect = append(m.onConnect, fn)
}

// OnDisconnect registers a hook fired on every unsolicited connection loss.
func (m *Manager) OnDisconnect(fn func(err error)) {
	m.onDisconnect = append(m.onDisconnect, fn)
}

// OnClose registers a hook fired exactly once during shutdown.
func (m *Manager) OnClose(fn func()) {
	m.onClose = append(m.onClose, fn)
}

// Start launches the run loop. It returns immediately; use WaitConnected to
// block until the first successful handshake.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started || m.state == StateClosed {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	go m.run()
}

// State returns the current session state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastConnect returns the time of the most recent successful handshake.
func (m *Manager) LastConnect() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastConnect
}

// WaitConnected blocks until the session is Connected, the session closes,
// or ctx is done.
func (m *Manager) WaitConnected(ctx context.Context) error {
	for {
		m.mu.Lock()
		st := m.state
		ch := m.stateChanged
		m.mu.Unlock()

		switch st {
		case StateConnected:
			return nil
		case StateClosed:
			return ErrClosed
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close shuts the session down. Pending work is failed through the OnClose
// hooks, the transport is disconnected, and the state machine enters Closed
// permanently. Safe to call more than once.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.closeCh)

		m.mu.Lock()
		started := m.started
		m.mu.Unlock()

		if started {
			<-m.doneCh
		} else {
			m.finish()
		}
	})
}

func (m *Manager) run() {
	defer close(m.doneCh)

	for {
		select {
		case <-m.closeCh:
			m.finish()
			return
		default:
		}

		m.setState(StateConnecting)
		if err := m.connectOnce(); err != nil {
			m.logger.Warn().Err(err).Msg("Connection attempt failed")
			if !m.waitBackoff() {
				m.finish()
				return
			}
			continue
		}

		m.backoff.Reset()
		m.mu.Lock()
		m.lastConnect = time.Now()
		m.mu.Unlock()

		// Hooks run before the Connected state is published so that
		// subscriptions are re-established before callers resume.
		for _, fn := range m.onConnect {
			fn()
		}
		m.setState(StateConnected)
		m.logger.Info().Msg("Session connected")

		lostErr, closed := m.supervise()
		if closed {
			m.finish()
			return
		}

		metrics.RecordSessionLoss()
		m.setState(StateReconnecting)
		m.logger.Warn().Err(lostErr).Msg("Session lost, reconnecting")
		for _, fn := range m.onDisconnect {
			fn(fmt.Errorf("%w: %v", ErrSessionLost, lostErr))
		}

		if !m.waitBackoff() {
			m.finish()
			return
		}
	}
}

func (m *Manager) connectOnce() error {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
	defer cancel()

	// Drain any stale loss notification from a previous connection.
	select {
	case <-m.lostCh:
	default:
	}

	metrics.RecordConnectAttempt()
	if err := m.cfg.Transport.Connect(ctx, m.cfg.ConnectOptions); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	return nil
}

// supervise runs the keepalive loop while Connected. It returns the loss
// cause, or closed=true when shutdown was requested.
func (m *Manager) supervise() (lost error, closed bool) {
	ticker := time.NewTicker(m.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-m.lostCh:
			return err, false

		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.KeepaliveInterval)
			err := m.cfg.Transport.Ping(ctx)
			cancel()
			if err != nil {
				m.logger.Warn().Err(err).Msg("Keepalive ping failed")
				_ = m.cfg.Transport.Disconnect()
				return fmt.Errorf("keepalive timeout: %w", err), false
			}

		case <-m.closeCh:
			return nil, true
		}
	}
}

// waitBackoff sleeps for the next backoff interval. It returns false when
// shutdown was requested during the wait.
func (m *Manager) waitBackoff() bool {
	delay := m.backoff.Next()
	m.setState(StateReconnecting)
	m.logger.Debug().Dur("delay", delay).Msg("Backoff before reconnect")

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-m.closeCh:
		return false
	}
}

func (m *Manager) finish() {
	for _, fn := range m.onClose {
		fn()
	}
	_ = m.cfg.Transport.Disconnect()
	m.setState(StateClosed)
	m.logger.Info().Msg("Session closed")
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	if m.state == StateClosed && s != StateClosed {
		m.mu.Unlock()
		return
	}
	old := m.state
	m.state = s
	close(m.stateChanged)
	m.stateChanged = make(chan struct{})
	m.mu.Unlock()

	metrics.SetSessionState(int(s))

	if old != s {
		m.logger.Debug().Stringer("from", old).Stringer("to", s).Msg("State transition")
	}
}
