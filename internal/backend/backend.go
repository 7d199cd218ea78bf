// Package backend defines the interfaces the dispatch core uses to talk to
// the messaging backend. The real implementation lives in internal/whatsapp;
// tests substitute fakes.
package backend

import (
	"context"
	"errors"

	"github.com/notifica/wasender/internal/models"
)

// ErrNotRegistered is returned by ResolveRecipient when the backend reports
// that the number has no account.
var ErrNotRegistered = errors.New("number is not registered on WhatsApp")

// EventType identifies a lifecycle event emitted by the backend client.
type EventType string

// Lifecycle events the session manager reacts to.
const (
	EventQR            EventType = "qr"
	EventLoading       EventType = "loading"
	EventAuthenticated EventType = "authenticated"
	EventReady         EventType = "ready"
	EventAuthFailure   EventType = "auth_failure"
	EventDisconnected  EventType = "disconnected"
)

// Event is one lifecycle notification. Code carries the pairing payload for
// EventQR and an optional human-readable detail otherwise.
type Event struct {
	Type EventType
	Code string
}

// Client is the long-lived messaging-backend connection. Implementations
// own protocol work (pairing, session persistence, wire delivery); callers
// own retries and sequencing.
type Client interface {
	// Initialize starts or re-establishes the backend session. Lifecycle
	// progress is reported asynchronously on Events.
	Initialize(ctx context.Context) error

	// Events returns the stream of lifecycle events. The channel is owned
	// by the client and closed on Destroy.
	Events() <-chan Event

	// ResolveRecipient maps a normalized number to a routable chat JID.
	// Returns ErrNotRegistered when the number has no account.
	ResolveRecipient(ctx context.Context, number string) (string, error)

	// WarmChat opens the chat context ahead of a send. Best-effort; errors
	// are advisory.
	WarmChat(ctx context.Context, jid string) error

	// SendText delivers a plain text message.
	SendText(ctx context.Context, jid, text string) error

	// SendImage delivers an image with an optional caption.
	SendImage(ctx context.Context, jid string, media *models.MediaPayload, caption string) error

	// Destroy tears down the session and releases resources.
	Destroy() error
}

// MediaFetcher is the backend-side media constructor, the primary path of
// the media resolver.
type MediaFetcher interface {
	// PrepareMedia builds an in-memory media payload from a URL.
	PrepareMedia(ctx context.Context, url string) (*models.MediaPayload, error)
}
