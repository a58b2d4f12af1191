package push

import (
	"context"
	"fmt"
	"sync"
	"time"

	apperrors "convsync/internal/errors"
	"convsync/internal/retry"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"
)

// State is the connection lifecycle state surfaced to the UI as a status
// indicator. Transport errors drive transitions here and are never
// raised to calling code.
type State string

const (
	StateDisconnected       State = "disconnected"
	StateConnecting         State = "connecting"
	StateConnected          State = "connected"
	StateReconnecting       State = "reconnecting"
	StateManualDisconnect   State = "manual_disconnect"
	StateMaxRetriesExceeded State = "max_retries_exceeded"
)

// Terminal reports whether the state requires an explicit user-triggered
// reconnect to leave.
func (s State) Terminal() bool {
	return s == StateManualDisconnect || s == StateMaxRetriesExceeded
}

// Conn abstracts the websocket connection so the manager can be tested
// without a real server. *websocket.Conn satisfies this interface.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// DialFunc opens a connection. The default dials cfg.URL over websocket.
type DialFunc func(ctx context.Context) (Conn, error)

// Config configures the push channel manager.
type Config struct {
	URL         string
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	DialTimeout time.Duration
	ReadLimit   int64
}

// Manager owns the single push connection for the session. Inbound
// frames are forwarded untouched on Frames; the manager never mutates
// canonical state. Connection loss triggers exponential-backoff
// reconnects up to the attempt ceiling, after which the state goes
// terminal until Reconnect is called.
type Manager struct {
	cfg     Config
	dial    DialFunc
	backoff *retry.Backoff
	logger  *logrus.Logger

	frames chan []byte
	status chan State

	mu      sync.Mutex
	conn    Conn
	state   State
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	// reconnectCh wakes a terminal run loop for a manual reconnect.
	reconnectCh chan struct{}
}

func NewManager(cfg Config, logger *logrus.Logger) *Manager {
	m := &Manager{
		cfg: cfg,
		backoff: retry.NewBackoff(retry.BackoffConfig{
			InitialDelay: cfg.BaseDelay,
			MaxDelay:     cfg.MaxDelay,
			MaxAttempts:  cfg.MaxAttempts,
		}),
		logger:      logger,
		frames:      make(chan []byte, 64),
		status:      make(chan State, 16),
		state:       StateDisconnected,
		reconnectCh: make(chan struct{}, 1),
	}
	m.dial = m.dialWebsocket
	return m
}

// SetDialFunc replaces the dialer. Test hook.
func (m *Manager) SetDialFunc(dial DialFunc) {
	m.dial = dial
}

// Frames delivers raw inbound frames, untouched, in arrival order.
func (m *Manager) Frames() <-chan []byte {
	return m.frames
}

// Status delivers state transitions. Slow consumers lose intermediate
// transitions, never the channel.
func (m *Manager) Status() <-chan State {
	return m.status
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect starts the connection loop. Only one loop runs per session.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("push manager is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true

	m.wg.Add(1)
	go m.run(runCtx)

	m.logger.WithField("url", m.cfg.URL).Info("Push channel manager started")
	return nil
}

// Disconnect closes the connection and stops the loop. The state goes to
// the terminal ManualDisconnect.
func (m *Manager) Disconnect(reason string) {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	m.logger.WithField("reason", reason).Info("Disconnecting push channel")
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, reason)
	}
	cancel()
	m.wg.Wait()
	m.setState(StateManualDisconnect)
}

// Reconnect resets the attempt counter and wakes a loop stuck in the
// MaxRetriesExceeded terminal state. The explicit user action the UI
// offers once the reconnect budget is exhausted.
func (m *Manager) Reconnect() {
	select {
	case m.reconnectCh <- struct{}{}:
	default:
	}
}

func (m *Manager) run(ctx context.Context) {
	defer m.wg.Done()

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		m.setState(StateConnecting)
		conn, err := m.dialWithTimeout(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			if attempt >= m.backoff.MaxAttempts() {
				m.logger.WithField("attempts", attempt).Error("Push reconnect budget exhausted")
				m.setState(StateMaxRetriesExceeded)
				// Wait for an explicit reconnect before trying again.
				select {
				case <-ctx.Done():
					return
				case <-m.reconnectCh:
					attempt = 0
					continue
				}
			}

			delay := m.backoff.DelayFor(attempt)
			attempt++
			m.logger.WithError(apperrors.NewTransportError("push", err)).WithFields(logrus.Fields{
				"attempt": attempt,
				"delay":   delay,
			}).Warn("Push connect failed, backing off")
			m.setState(StateReconnecting)

			select {
			case <-ctx.Done():
				return
			case <-m.reconnectCh:
				attempt = 0
			case <-time.After(delay):
			}
			continue
		}

		m.swapConn(conn)
		// A successful connect resets the retry budget.
		attempt = 0
		m.setState(StateConnected)

		err = m.readLoop(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		m.logger.WithError(err).Warn("Push connection lost")
		m.setState(StateReconnecting)
	}
}

// readLoop forwards frames until the connection dies.
func (m *Manager) readLoop(ctx context.Context, conn Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		select {
		case m.frames <- data:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Manager) dialWithTimeout(ctx context.Context) (Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	defer cancel()
	return m.dial(dialCtx)
}

func (m *Manager) dialWebsocket(ctx context.Context) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, m.cfg.URL, nil) //nolint:bodyclose // websocket.Dial closes the response body internally
	if err != nil {
		return nil, fmt.Errorf("dialing push channel: %w", err)
	}
	if m.cfg.ReadLimit > 0 {
		conn.SetReadLimit(m.cfg.ReadLimit)
	}
	return conn, nil
}

// swapConn stores the new connection, closing any previous one. Exactly
// one live push connection exists per session.
func (m *Manager) swapConn(conn Conn) {
	m.mu.Lock()
	prev := m.conn
	m.conn = conn
	m.mu.Unlock()

	if prev != nil {
		_ = prev.Close(websocket.StatusGoingAway, "superseded")
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()

	select {
	case m.status <- s:
	default:
	}
}
