package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/notifica/wasender/internal/backend"
	"github.com/notifica/wasender/internal/models"
	"github.com/notifica/wasender/internal/retry"
)

// fakeClient is a controllable backend.Client for lifecycle tests.
type fakeClient struct {
	events    chan backend.Event
	initCalls atomic.Int64
	initGate  chan struct{} // when non-nil, Initialize blocks until closed
	destroyed atomic.Bool

	mu      sync.Mutex
	initErr error
}

func (f *fakeClient) setInitErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initErr = err
}

func newFakeClient() *fakeClient {
	return &fakeClient{events: make(chan backend.Event, 16)}
}

func (f *fakeClient) Initialize(ctx context.Context) error {
	f.initCalls.Add(1)
	f.mu.Lock()
	gate := f.initGate
	err := f.initErr
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *fakeClient) Events() <-chan backend.Event { return f.events }

func (f *fakeClient) ResolveRecipient(ctx context.Context, number string) (string, error) {
	return number + "@s.whatsapp.net", nil
}

func (f *fakeClient) WarmChat(ctx context.Context, jid string) error { return nil }

func (f *fakeClient) SendText(ctx context.Context, jid, text string) error { return nil }

func (f *fakeClient) SendImage(ctx context.Context, jid string, media *models.MediaPayload, caption string) error {
	return nil
}

func (f *fakeClient) Destroy() error {
	f.destroyed.Store(true)
	close(f.events)
	return nil
}

func fastConfig() Config {
	return Config{
		CheckInterval: 10 * time.Millisecond,
		Backoff:       retry.Policy{Base: time.Millisecond, Max: 5 * time.Millisecond},
	}
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func TestEventTransitions(t *testing.T) {
	client := newFakeClient()
	sess := New()
	m := NewManager(client, sess, fastConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	if sess.State() != StateInit && sess.State() != StateAuthenticating {
		t.Fatalf("unexpected initial state %q", sess.State())
	}

	client.events <- backend.Event{Type: backend.EventQR, Code: "2@abc"}
	waitFor(t, "authenticating after QR", func() bool { return sess.State() == StateAuthenticating })
	if code, _, ok := sess.LastQR(); !ok || code != "2@abc" {
		t.Errorf("LastQR = %q, %v; want 2@abc, true", code, ok)
	}

	client.events <- backend.Event{Type: backend.EventReady}
	waitFor(t, "ready", func() bool { return sess.Ready() })

	client.events <- backend.Event{Type: backend.EventDisconnected, Code: "stream error"}
	waitFor(t, "disconnected", func() bool { return sess.State() == StateDisconnected })
}

func TestInitializeIsIdempotentWhileInFlight(t *testing.T) {
	client := newFakeClient()
	client.initGate = make(chan struct{})
	sess := New()
	m := NewManager(client, sess, fastConfig())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Initialize(ctx)
		}()
	}
	waitFor(t, "first initialize to start", func() bool { return client.initCalls.Load() >= 1 })
	close(client.initGate)
	wg.Wait()

	if got := client.initCalls.Load(); got != 1 {
		t.Errorf("Initialize reached the client %d times, want 1", got)
	}
}

func TestSupervisorRetriesUntilReady(t *testing.T) {
	client := newFakeClient()
	client.setInitErr(errors.New("backend unavailable"))
	sess := New()
	m := NewManager(client, sess, fastConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Start(ctx)
	defer m.Stop()

	// Startup failed, supervisor keeps calling Initialize.
	waitFor(t, "multiple reconnect attempts", func() bool { return client.initCalls.Load() >= 3 })
	if sess.Ready() {
		t.Fatal("session became ready while backend is down")
	}

	// Backend recovers and reports ready; supervisor must stand down.
	client.setInitErr(nil)
	client.events <- backend.Event{Type: backend.EventReady}
	waitFor(t, "ready after recovery", func() bool { return sess.Ready() })
	waitFor(t, "supervisor disarmed", func() bool { return !m.supervising.Load() })

	// Let any attempt already past its backoff wait drain out.
	time.Sleep(30 * time.Millisecond)
	calls := client.initCalls.Load()
	time.Sleep(50 * time.Millisecond)
	if client.initCalls.Load() != calls {
		t.Errorf("supervisor kept initializing after ready: %d -> %d", calls, client.initCalls.Load())
	}
}

func TestArmSupervisorIsNoOpWhileArmed(t *testing.T) {
	client := newFakeClient()
	sess := New()
	m := NewManager(client, sess, Config{CheckInterval: time.Hour})
	ctx := context.Background()

	m.armSupervisor(ctx)
	m.armSupervisor(ctx)
	m.armSupervisor(ctx)
	if !m.supervising.Load() {
		t.Fatal("supervisor should be armed")
	}
	m.disarmSupervisor()
	if m.supervising.Load() {
		t.Fatal("supervisor should be disarmed")
	}
	m.Stop()
}

func TestStopDestroysClient(t *testing.T) {
	client := newFakeClient()
	sess := New()
	m := NewManager(client, sess, fastConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	m.Stop()
	m.Stop() // second call must be safe

	if !client.destroyed.Load() {
		t.Error("client was not destroyed on Stop")
	}
}
