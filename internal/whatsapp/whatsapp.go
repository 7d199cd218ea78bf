// Package whatsapp implements the backend client on top of the Whatsmeow
// WhatsApp multi-device library.
//
// It owns protocol work only: pairing, session persistence, wire delivery.
// Lifecycle supervision, retries and dispatch sequencing belong to callers.
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/mdp/qrterminal/v3"
	// Database drivers for the whatsmeow session store.
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/notifica/wasender/internal/backend"
)

// Constants for WhatsApp client configuration
const (
	// DefaultSQLitePath is the default path for the whatsmeow SQLite database
	DefaultSQLitePath = "/var/lib/wasender/whatsmeow.db"
	// DefaultClientName is shown in the WhatsApp linked-devices list
	DefaultClientName = "wasender"
	// eventBufferSize bounds the lifecycle event channel; the manager is
	// the single consumer and drains it promptly.
	eventBufferSize = 64
)

// Opts holds configuration options for the WhatsApp client.
type Opts struct {
	DBDSN      string // whatsmeow database connection string
	ClientName string // push name shown in linked devices
	Headless   bool   // suppress QR rendering on the terminal
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithDBDSN sets the whatsmeow database connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) {
		o.DBDSN = dsn
	}
}

// WithClientName sets the device name shown in WhatsApp linked devices.
func WithClientName(name string) Option {
	return func(o *Opts) {
		o.ClientName = name
	}
}

// WithHeadless disables terminal QR rendering; the pairing payload is still
// published through the event stream and the /qr endpoint.
func WithHeadless() Option {
	return func(o *Opts) {
		o.Headless = true
	}
}

// Client wraps the Whatsmeow client behind the backend.Client interface.
type Client struct {
	wa        *whatsmeow.Client
	container *sqlstore.Container
	headless  bool

	// eventsMu orders emit against closeEvents: whatsmeow's handler
	// goroutines may still fire during Destroy, and a send on a closed
	// channel panics.
	eventsMu     sync.RWMutex
	events       chan backend.Event
	eventsClosed bool

	handlerOnce sync.Once
	closeOnce   sync.Once
}

// NewClient creates a WhatsApp client backed by a whatsmeow device store.
// The database driver is auto-detected from the DSN; both SQLite and
// PostgreSQL are supported.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}

	dbDSN := cfg.DBDSN
	if dbDSN == "" {
		dbDSN = DefaultSQLitePath
		slog.Debug("whatsapp: no DB DSN provided, using default SQLite path", "path", dbDSN)
	}

	dbDriver := "sqlite3"
	if DetectDSNType(dbDSN) == "postgres" {
		dbDriver = "postgres"
	} else if !strings.Contains(dbDSN, "_foreign_keys") && !strings.Contains(dbDSN, "foreign_keys") {
		slog.Warn("whatsapp: SQLite DSN does not enable foreign keys; whatsmeow strongly recommends them",
			"dsn_example", "file:"+dbDSN+"?_foreign_keys=on")
	}

	ctx := context.Background()
	dbLog := waLog.Stdout("Database", "WARN", true)
	container, err := sqlstore.New(ctx, dbDriver, dbDSN, dbLog)
	if err != nil {
		return nil, fmt.Errorf("initializing whatsmeow store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading whatsmeow device: %w", err)
	}

	clientLog := waLog.Stdout("Client", "WARN", true)
	wa := whatsmeow.NewClient(deviceStore, clientLog)
	if cfg.ClientName != "" {
		wa.Store.PushName = cfg.ClientName
	} else if wa.Store.PushName == "" {
		wa.Store.PushName = DefaultClientName
	}

	return &Client{
		wa:        wa,
		container: container,
		headless:  cfg.Headless,
		events:    make(chan backend.Event, eventBufferSize),
	}, nil
}

// Events returns the lifecycle event stream consumed by the session manager.
func (c *Client) Events() <-chan backend.Event {
	return c.events
}

// Initialize connects to WhatsApp, driving the QR pairing flow when the
// device has no stored session. Lifecycle progress is emitted on Events.
func (c *Client) Initialize(ctx context.Context) error {
	c.handlerOnce.Do(func() {
		c.wa.AddEventHandler(c.handleEvent)
	})

	if c.wa.IsConnected() {
		slog.Debug("whatsapp: already connected, skipping initialize")
		return nil
	}

	if c.wa.Store.ID == nil {
		slog.Info("whatsapp: no stored session, starting QR pairing flow")
		qrChan, err := c.wa.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("opening QR channel: %w", err)
		}
		if err := c.wa.Connect(); err != nil {
			return fmt.Errorf("connecting for pairing: %w", err)
		}
		go c.pumpQR(qrChan)
		return nil
	}

	slog.Debug("whatsapp: stored session found, connecting")
	if err := c.wa.Connect(); err != nil {
		return fmt.Errorf("connecting to WhatsApp: %w", err)
	}
	return nil
}

// pumpQR forwards pairing codes from the QR channel into the event stream.
func (c *Client) pumpQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		switch item.Event {
		case "code":
			c.emit(backend.Event{Type: backend.EventQR, Code: item.Code})
			if !c.headless {
				qrterminal.GenerateHalfBlock(item.Code, qrterminal.L, os.Stdout)
			}
		case whatsmeow.QRChannelSuccess.Event:
			slog.Info("whatsapp: QR pairing succeeded")
		case whatsmeow.QRChannelTimeout.Event:
			slog.Warn("whatsapp: QR pairing timed out")
			c.emit(backend.Event{Type: backend.EventDisconnected, Code: "qr timeout"})
		default:
			slog.Debug("whatsapp: QR channel event", "event", item.Event)
		}
	}
}

// handleEvent maps whatsmeow events onto the lifecycle event stream.
func (c *Client) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.QR:
		if len(v.Codes) > 0 {
			c.emit(backend.Event{Type: backend.EventQR, Code: v.Codes[0]})
		}
	case *events.PairSuccess:
		c.emit(backend.Event{Type: backend.EventAuthenticated, Code: v.ID.String()})
	case *events.Connected:
		c.emit(backend.Event{Type: backend.EventReady})
	case *events.Disconnected:
		c.emit(backend.Event{Type: backend.EventDisconnected})
	case *events.StreamReplaced:
		c.emit(backend.Event{Type: backend.EventDisconnected, Code: "stream replaced"})
	case *events.LoggedOut:
		c.emit(backend.Event{Type: backend.EventAuthFailure, Code: "logged out"})
	case *events.ConnectFailure:
		c.emit(backend.Event{Type: backend.EventAuthFailure, Code: fmt.Sprintf("connect failure: %v", v.Reason)})
	case *events.KeepAliveTimeout:
		c.emit(backend.Event{Type: backend.EventLoading, Code: "keepalive timeout"})
	}
}

// emit publishes without blocking whatsmeow's handler goroutine; the buffer
// is large enough that drops only happen if the manager stalled. Events
// arriving after Destroy are discarded.
func (c *Client) emit(ev backend.Event) {
	c.eventsMu.RLock()
	defer c.eventsMu.RUnlock()
	if c.eventsClosed {
		slog.Debug("whatsapp: dropping lifecycle event after teardown", "type", ev.Type)
		return
	}
	select {
	case c.events <- ev:
	default:
		slog.Warn("whatsapp: event buffer full, dropping lifecycle event", "type", ev.Type)
	}
}

// closeEvents closes the event stream exactly once, excluding in-flight
// emits first.
func (c *Client) closeEvents() {
	c.eventsMu.Lock()
	defer c.eventsMu.Unlock()
	if c.eventsClosed {
		return
	}
	c.eventsClosed = true
	close(c.events)
}

// ResolveRecipient verifies the number has a WhatsApp account and returns
// its routable JID. The JID returned by the server is authoritative; it
// handles both regular JIDs and LIDs.
func (c *Client) ResolveRecipient(ctx context.Context, number string) (string, error) {
	resp, err := c.wa.IsOnWhatsApp(ctx, []string{"+" + number})
	if err != nil {
		return "", fmt.Errorf("looking up %s: %w", number, err)
	}
	if len(resp) == 0 {
		return "", fmt.Errorf("looking up %s: empty response", number)
	}
	if !resp[0].IsIn {
		return "", backend.ErrNotRegistered
	}
	return resp[0].JID.String(), nil
}

// WarmChat signals composing presence to the chat. Best-effort; callers
// ignore the error.
func (c *Client) WarmChat(ctx context.Context, jid string) error {
	target, err := types.ParseJID(jid)
	if err != nil {
		return fmt.Errorf("parsing JID %s: %w", jid, err)
	}
	return c.wa.SendChatPresence(ctx, target, types.ChatPresenceComposing, types.ChatPresenceMediaText)
}

// SendText delivers a plain conversation message.
func (c *Client) SendText(ctx context.Context, jid, text string) error {
	target, err := types.ParseJID(jid)
	if err != nil {
		return fmt.Errorf("parsing JID %s: %w", jid, err)
	}
	msg := &waE2E.Message{Conversation: proto.String(text)}
	if _, err := c.wa.SendMessage(ctx, target, msg); err != nil {
		return fmt.Errorf("sending text to %s: %w", jid, err)
	}
	return nil
}

// Destroy disconnects and releases the device store. The event channel is
// closed so the manager's event loop drains out.
func (c *Client) Destroy() error {
	c.wa.Disconnect()
	var err error
	c.closeOnce.Do(func() {
		c.closeEvents()
		err = c.container.Close()
	})
	return err
}

// DetectDSNType classifies a database connection string as postgres or
// sqlite3. Anything that does not look like a PostgreSQL DSN is treated as
// a SQLite path.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(dsn)
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(lower, "host=") && strings.Contains(lower, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}
