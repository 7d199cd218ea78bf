// Package dispatch iterates a recipient list and sends one content payload
// per recipient through the shared backend session, isolating failures so
// one bad recipient never affects another's result.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/notifica/wasender/internal/backend"
	"github.com/notifica/wasender/internal/models"
	"github.com/notifica/wasender/internal/numbers"
	"github.com/notifica/wasender/internal/retry"
)

// DefaultPause is the delay inserted between recipients so bulk sends do
// not trip the backend's rate defenses.
const DefaultPause = 150 * time.Millisecond

// knownDefectMarkers identify a backend bug where a serialization error is
// reported after the message has already been transmitted. Matching is by
// substring against the error text, which is tied to the backend library's
// exact wording; treat it as a best-effort heuristic.
var knownDefectMarkers = []string{
	"serialize",
	"getMessageModel",
}

// Dispatcher processes send requests recipient by recipient, strictly
// sequentially, over the single shared session.
type Dispatcher struct {
	Client     backend.Client
	Normalizer *numbers.Normalizer
	Retry      retry.Policy
	Pause      time.Duration
}

// New creates a Dispatcher with the default retry policy and inter-send
// pause.
func New(client backend.Client, normalizer *numbers.Normalizer) *Dispatcher {
	return &Dispatcher{
		Client:     client,
		Normalizer: normalizer,
		Retry:      retry.DefaultPolicy(),
		Pause:      DefaultPause,
	}
}

// Dispatch sends the request content to every recipient and returns one
// result per input number, in input order. It never aborts early: an error
// for one recipient is recorded and processing continues.
func (d *Dispatcher) Dispatch(ctx context.Context, req models.SendRequest, media *models.MediaPayload) []models.DispatchResult {
	results := make([]models.DispatchResult, 0, len(req.Numbers))
	for i, raw := range req.Numbers {
		results = append(results, d.sendOne(ctx, raw, req, media))
		if i < len(req.Numbers)-1 {
			d.pause(ctx)
		}
	}
	return results
}

// sendOne runs the full per-recipient pipeline: normalize, resolve, warm,
// send.
func (d *Dispatcher) sendOne(ctx context.Context, raw string, req models.SendRequest, media *models.MediaPayload) models.DispatchResult {
	number, ok := d.Normalizer.Normalize(raw)
	if !ok {
		slog.Warn("dispatch: invalid number", "raw", raw)
		return models.DispatchResult{Number: raw, Status: models.OutcomeFailed, Detail: "invalid number"}
	}

	jid, err := retry.Do(ctx, "resolve recipient "+number, d.Retry, func(ctx context.Context) (string, error) {
		id, err := d.Client.ResolveRecipient(ctx, number)
		if errors.Is(err, backend.ErrNotRegistered) {
			// A definitive "no account" answer is not transient.
			return "", nil
		}
		return id, err
	})
	if err != nil {
		slog.Error("dispatch: recipient lookup failed", "number", number, "error", err)
		return models.DispatchResult{Number: number, Status: models.OutcomeFailed, Detail: "lookup failed: " + err.Error()}
	}
	if jid == "" {
		slog.Warn("dispatch: number not registered", "number", number)
		return models.DispatchResult{Number: number, Status: models.OutcomeFailed, Detail: "number is not registered on WhatsApp"}
	}

	// Pre-warming the chat is an optimization; a failure here never fails
	// the recipient.
	if err := d.Client.WarmChat(ctx, jid); err != nil {
		slog.Debug("dispatch: chat pre-warm failed", "jid", jid, "error", err)
	}

	if err := d.send(ctx, jid, req, media); err != nil {
		if isKnownSerializationDefect(err) {
			slog.Warn("dispatch: known post-send serialization defect, treating as delivered", "number", number, "error", err)
			return models.DispatchResult{Number: number, Status: models.OutcomeSentWithWarning, Detail: "backend reported a post-send serialization error; message was transmitted"}
		}
		slog.Error("dispatch: send failed", "number", number, "error", err)
		return models.DispatchResult{Number: number, Status: models.OutcomeFailed, Detail: err.Error()}
	}

	slog.Info("dispatch: message sent", "number", number)
	return models.DispatchResult{Number: number, Status: models.OutcomeSent}
}

func (d *Dispatcher) send(ctx context.Context, jid string, req models.SendRequest, media *models.MediaPayload) error {
	if media != nil {
		_, err := retry.Do(ctx, "send image "+jid, d.Retry, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, d.Client.SendImage(ctx, jid, media, req.Caption)
		})
		return err
	}
	_, err := retry.Do(ctx, "send text "+jid, d.Retry, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, d.Client.SendText(ctx, jid, req.Text)
	})
	return err
}

func (d *Dispatcher) pause(ctx context.Context) {
	pause := d.Pause
	if pause <= 0 {
		return
	}
	t := time.NewTimer(pause)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Summary tallies the aggregate counts; a warning still counts as sent.
func Summary(results []models.DispatchResult) (sent, failed int) {
	for _, r := range results {
		if r.Status == models.OutcomeFailed {
			failed++
		} else {
			sent++
		}
	}
	return sent, failed
}

// isKnownSerializationDefect reports whether the error text matches the
// markers of the benign post-send backend bug.
func isKnownSerializationDefect(err error) bool {
	msg := err.Error()
	for _, marker := range knownDefectMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
