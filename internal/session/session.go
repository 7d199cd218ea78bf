// Package session owns the single process-wide connection to the messaging
// backend: its state machine, the last pairing payload, and the reconnect
// supervisor that keeps the session alive without operator intervention.
package session

import (
	"sync"
	"time"
)

// State is the lifecycle state of the backend session.
type State string

// Session lifecycle states. Init is the only initial state; there is no
// terminal state while the process runs.
const (
	StateInit           State = "init"
	StateAuthenticating State = "authenticating"
	StateReady          State = "ready"
	StateDisconnected   State = "disconnected"
	StateReconnecting   State = "reconnecting"
)

// Session holds the observable state of the backend connection. The Manager
// is the only writer; every other component reads through the accessor
// methods.
type Session struct {
	mu       sync.RWMutex
	state    State
	lastQR   string
	lastQRAt time.Time
	started  time.Time
}

// New creates a Session in the init state.
func New() *Session {
	return &Session{state: StateInit, started: time.Now()}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Ready reports whether the session can be used for sends.
func (s *Session) Ready() bool {
	return s.State() == StateReady
}

// LastQR returns the most recent pairing payload and its timestamp. ok is
// false when no QR has been issued since process start.
func (s *Session) LastQR() (code string, at time.Time, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastQR, s.lastQRAt, s.lastQR != ""
}

// Uptime is the time elapsed since the session entity was created.
func (s *Session) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Since(s.started)
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
}

func (s *Session) setQR(code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastQR = code
	s.lastQRAt = time.Now()
}
