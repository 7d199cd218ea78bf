package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/notifica/wasender/internal/backend"
	"github.com/notifica/wasender/internal/retry"
)

// Supervisor timing defaults. The check interval is deliberately longer
// than the capped backoff so one tick never overlaps the previous delay.
const (
	DefaultCheckInterval = 35 * time.Second
	DefaultBackoffBase   = 2 * time.Second
	DefaultBackoffMax    = 30 * time.Second
)

// Config tunes the reconnect supervisor. Zero values take the defaults.
type Config struct {
	CheckInterval time.Duration
	Backoff       retry.Policy
}

// Manager drives the backend session lifecycle: it serializes state
// transitions through a single event-loop goroutine and re-establishes the
// session with bounded backoff whenever it drops.
type Manager struct {
	client   backend.Client
	session  *Session
	interval time.Duration
	backoff  retry.Policy

	initializing atomic.Bool
	supervising  atomic.Bool
	attempts     atomic.Int64

	mu      sync.Mutex
	stopSup chan struct{}

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates a Manager for the given client and session.
func NewManager(client backend.Client, sess *Session, cfg Config) *Manager {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff.Base = DefaultBackoffBase
	}
	if cfg.Backoff.Max <= 0 {
		cfg.Backoff.Max = DefaultBackoffMax
	}
	return &Manager{
		client:   client,
		session:  sess,
		interval: cfg.CheckInterval,
		backoff:  cfg.Backoff,
		done:     make(chan struct{}),
	}
}

// Start launches the event loop and triggers the first initialization.
// An initialization failure at startup is not fatal: the supervisor is
// armed and will keep retrying.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.eventLoop(ctx)

	if err := m.Initialize(ctx); err != nil {
		slog.Warn("session: initial connect failed, supervisor armed", "error", err)
	}
}

// Initialize asks the backend client to establish the session. It is
// idempotent: a call while another initialization is in flight is a no-op.
func (m *Manager) Initialize(ctx context.Context) error {
	if !m.initializing.CompareAndSwap(false, true) {
		slog.Debug("session: initialization already in flight, skipping")
		return nil
	}
	defer m.initializing.Store(false)

	slog.Info("session: initializing backend client", "state", m.session.State())
	if err := m.client.Initialize(ctx); err != nil {
		m.session.setState(StateReconnecting)
		m.armSupervisor(ctx)
		return err
	}
	return nil
}

// eventLoop is the single consumer of backend lifecycle events, keeping
// state transitions serialized.
func (m *Manager) eventLoop(ctx context.Context) {
	defer m.wg.Done()
	events := m.client.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.handleEvent(ctx, ev)
		}
	}
}

func (m *Manager) handleEvent(ctx context.Context, ev backend.Event) {
	slog.Debug("session: lifecycle event", "type", ev.Type, "state", m.session.State())
	switch ev.Type {
	case backend.EventQR:
		m.session.setQR(ev.Code)
		m.session.setState(StateAuthenticating)
		slog.Info("session: pairing QR issued")
	case backend.EventLoading, backend.EventAuthenticated:
		m.session.setState(StateAuthenticating)
	case backend.EventReady:
		m.attempts.Store(0)
		m.session.setState(StateReady)
		m.disarmSupervisor()
		slog.Info("session: ready")
	case backend.EventAuthFailure:
		slog.Error("session: authentication failure", "detail", ev.Code)
		m.session.setState(StateDisconnected)
		m.armSupervisor(ctx)
	case backend.EventDisconnected:
		slog.Warn("session: disconnected", "detail", ev.Code)
		m.session.setState(StateDisconnected)
		m.armSupervisor(ctx)
	}
}

// armSupervisor starts the periodic reconnect check. Re-arming while one is
// already running is a no-op.
func (m *Manager) armSupervisor(ctx context.Context) {
	if !m.supervising.CompareAndSwap(false, true) {
		return
	}
	m.mu.Lock()
	m.stopSup = make(chan struct{})
	stop := m.stopSup
	m.mu.Unlock()

	slog.Info("session: reconnect supervisor armed", "interval", m.interval)
	m.wg.Add(1)
	go m.supervise(ctx, stop)
}

func (m *Manager) disarmSupervisor() {
	if !m.supervising.CompareAndSwap(true, false) {
		return
	}
	m.mu.Lock()
	if m.stopSup != nil {
		close(m.stopSup)
		m.stopSup = nil
	}
	m.mu.Unlock()
	slog.Info("session: reconnect supervisor disarmed")
}

// supervise ticks until the session recovers or the process stops. It never
// gives up: a failed attempt is logged and the next tick tries again.
func (m *Manager) supervise(ctx context.Context, stop <-chan struct{}) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case <-stop:
			return
		case <-ticker.C:
			if m.session.Ready() || m.initializing.Load() {
				continue
			}
			attempt := int(m.attempts.Add(1))
			delay := m.backoff.Delay(attempt - 1)
			slog.Info("session: reconnect attempt scheduled", "attempt", attempt, "delay", delay)
			if !m.wait(ctx, stop, delay) {
				return
			}
			if err := m.Initialize(ctx); err != nil {
				slog.Error("session: reconnect attempt failed", "attempt", attempt, "error", err)
			}
		}
	}
}

// wait sleeps for d; it reports false when the supervisor should exit.
func (m *Manager) wait(ctx context.Context, stop <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-m.done:
		return false
	case <-stop:
		return false
	case <-t.C:
		return true
	}
}

// Stop shuts the manager down and tears down the backend session. Safe to
// call more than once.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.done)
		m.disarmSupervisor()
		m.wg.Wait()
		if err := m.client.Destroy(); err != nil {
			slog.Warn("session: client teardown failed", "error", err)
		}
	})
}
