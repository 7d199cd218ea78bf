// Package media resolves a URL into an in-memory payload ready for
// transmission, using the backend client's own media constructor first and
// a direct HTTP fetch as fallback.
package media

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/notifica/wasender/internal/backend"
	"github.com/notifica/wasender/internal/models"
)

// Fetch limits for both resolution paths.
const (
	DefaultTimeout   = 20 * time.Second
	DefaultMaxBytes  = 25 << 20 // 25MB
	DefaultUserAgent = "wasender/1.0 (+https://github.com/notifica/wasender)"
	fallbackMimeType = "image/jpeg"
	fallbackFilename = "file"
)

// UnavailableError means both resolution paths were exhausted. The request
// cannot proceed without the asset, so the API surfaces it as a 400.
type UnavailableError struct {
	URL   string
	Cause error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("media unavailable for %s: %v", e.URL, e.Cause)
}

func (e *UnavailableError) Unwrap() error { return e.Cause }

// Resolver acquires media payloads. Retry wrapping belongs to the caller so
// a transient failure re-attempts the whole primary-then-fallback sequence.
type Resolver struct {
	Fetcher   backend.MediaFetcher
	HTTP      *http.Client
	Timeout   time.Duration
	MaxBytes  int64
	UserAgent string
}

// NewResolver creates a Resolver with default limits around the given
// backend media constructor.
func NewResolver(fetcher backend.MediaFetcher) *Resolver {
	return &Resolver{
		Fetcher:   fetcher,
		HTTP:      &http.Client{Timeout: DefaultTimeout},
		Timeout:   DefaultTimeout,
		MaxBytes:  DefaultMaxBytes,
		UserAgent: DefaultUserAgent,
	}
}

// Resolve produces a payload for the URL. The backend constructor is tried
// first; any failure there falls through to a bounded direct fetch.
func (r *Resolver) Resolve(ctx context.Context, rawURL string) (*models.MediaPayload, error) {
	primaryCtx, cancel := context.WithTimeout(ctx, r.timeout())
	payload, err := r.Fetcher.PrepareMedia(primaryCtx, rawURL)
	cancel()
	if err == nil && payload != nil && len(payload.Data) > 0 {
		return payload, nil
	}
	if err != nil {
		slog.Warn("media: primary resolution failed, falling back to direct fetch", "url", rawURL, "error", err)
	} else {
		slog.Warn("media: primary resolution returned empty payload, falling back", "url", rawURL)
	}

	payload, fetchErr := r.fetchDirect(ctx, rawURL)
	if fetchErr != nil {
		slog.Error("media: fallback fetch failed", "url", rawURL, "error", fetchErr)
		return nil, &UnavailableError{URL: rawURL, Cause: fetchErr}
	}
	return payload, nil
}

// fetchDirect downloads the URL as raw bytes with a size cap and an
// identifying user agent.
func (r *Resolver) fetchDirect(ctx context.Context, rawURL string) (*models.MediaPayload, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building media request: %w", err)
	}
	req.Header.Set("User-Agent", r.userAgent())

	resp, err := r.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetching media: unexpected status %d", resp.StatusCode)
	}

	maxBytes := r.maxBytes()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading media body: %w", err)
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("media exceeds size limit of %d bytes", maxBytes)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("media body is empty")
	}

	return &models.MediaPayload{
		MimeType: mimeTypeFrom(resp.Header.Get("Content-Type")),
		Data:     data,
		Filename: FilenameFromURL(rawURL),
	}, nil
}

func (r *Resolver) timeout() time.Duration {
	if r.Timeout <= 0 {
		return DefaultTimeout
	}
	return r.Timeout
}

func (r *Resolver) maxBytes() int64 {
	if r.MaxBytes <= 0 {
		return DefaultMaxBytes
	}
	return r.MaxBytes
}

func (r *Resolver) userAgent() string {
	if r.UserAgent == "" {
		return DefaultUserAgent
	}
	return r.UserAgent
}

func (r *Resolver) httpClient() *http.Client {
	if r.HTTP == nil {
		return http.DefaultClient
	}
	return r.HTTP
}

// mimeTypeFrom extracts the media type from a Content-Type header,
// defaulting to image/jpeg when absent or malformed.
func mimeTypeFrom(contentType string) string {
	if contentType == "" {
		return fallbackMimeType
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil || mt == "" {
		return fallbackMimeType
	}
	return mt
}

// FilenameFromURL derives a filename from the final URL path segment. Both
// resolution paths use it so a payload carries the same name regardless of
// which path produced it.
func FilenameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fallbackFilename
	}
	name := path.Base(u.Path)
	if name == "" || name == "." || name == "/" || strings.TrimSpace(name) == "" {
		return fallbackFilename
	}
	return name
}
