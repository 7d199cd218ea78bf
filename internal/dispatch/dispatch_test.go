package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/notifica/wasender/internal/backend"
	"github.com/notifica/wasender/internal/models"
	"github.com/notifica/wasender/internal/numbers"
	"github.com/notifica/wasender/internal/retry"
)

// scriptedClient lets each test control lookup and send behavior per number.
type scriptedClient struct {
	mu           sync.Mutex
	unregistered map[string]bool
	lookupErrs   map[string]int // transient failures before success
	sendErrs     map[string]error
	sentTexts    []string
	sentImages   []string
	warmCalls    int
}

func newScriptedClient() *scriptedClient {
	return &scriptedClient{
		unregistered: map[string]bool{},
		lookupErrs:   map[string]int{},
		sendErrs:     map[string]error{},
	}
}

func (c *scriptedClient) Initialize(ctx context.Context) error { return nil }

func (c *scriptedClient) Events() <-chan backend.Event { return nil }

func (c *scriptedClient) ResolveRecipient(ctx context.Context, number string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lookupErrs[number] > 0 {
		c.lookupErrs[number]--
		return "", errors.New("transient lookup error")
	}
	if c.unregistered[number] {
		return "", backend.ErrNotRegistered
	}
	return number + "@s.whatsapp.net", nil
}

func (c *scriptedClient) WarmChat(ctx context.Context, jid string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.warmCalls++
	return errors.New("chat cache miss") // always fails; must be swallowed
}

func (c *scriptedClient) SendText(ctx context.Context, jid, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.sendErrs[jid]; err != nil {
		return err
	}
	c.sentTexts = append(c.sentTexts, jid)
	return nil
}

func (c *scriptedClient) SendImage(ctx context.Context, jid string, media *models.MediaPayload, caption string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.sendErrs[jid]; err != nil {
		return err
	}
	c.sentImages = append(c.sentImages, jid)
	return nil
}

func (c *scriptedClient) Destroy() error { return nil }

func testDispatcher(client backend.Client) *Dispatcher {
	return &Dispatcher{
		Client:     client,
		Normalizer: numbers.New("57"),
		Retry:      retry.Policy{Attempts: 3, Base: time.Millisecond, Max: 5 * time.Millisecond},
		Pause:      time.Millisecond,
	}
}

func TestDispatchHappyPathNormalizesAndSends(t *testing.T) {
	client := newScriptedClient()
	d := testDispatcher(client)

	results := d.Dispatch(context.Background(), models.SendRequest{
		Numbers: []string{"3001234567"},
		Text:    "hi",
	}, nil)

	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	r := results[0]
	if r.Number != "573001234567" {
		t.Errorf("Number = %q, want normalized 573001234567", r.Number)
	}
	if r.Status != models.OutcomeSent {
		t.Errorf("Status = %q, want sent (detail: %s)", r.Status, r.Detail)
	}
	if len(client.sentTexts) != 1 || client.sentTexts[0] != "573001234567@s.whatsapp.net" {
		t.Errorf("sentTexts = %v", client.sentTexts)
	}
}

func TestDispatchIsolatesFailuresPerRecipient(t *testing.T) {
	client := newScriptedClient()
	client.unregistered["573001234568"] = true
	d := testDispatcher(client)

	results := d.Dispatch(context.Background(), models.SendRequest{
		Numbers: []string{"3001234567", "3001234568", "3001234569"},
		Text:    "hola",
	}, nil)

	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	wantStatus := []models.Outcome{models.OutcomeSent, models.OutcomeFailed, models.OutcomeSent}
	wantNumber := []string{"573001234567", "573001234568", "573001234569"}
	for i, r := range results {
		if r.Number != wantNumber[i] {
			t.Errorf("result[%d].Number = %q, want %q", i, r.Number, wantNumber[i])
		}
		if r.Status != wantStatus[i] {
			t.Errorf("result[%d].Status = %q, want %q", i, r.Status, wantStatus[i])
		}
	}
	if len(client.sentTexts) != 2 {
		t.Errorf("sent %d messages, want 2", len(client.sentTexts))
	}
}

func TestDispatchInvalidNumberProducesEntry(t *testing.T) {
	client := newScriptedClient()
	d := testDispatcher(client)

	results := d.Dispatch(context.Background(), models.SendRequest{
		Numbers: []string{"123", "3001234567"},
		Text:    "hola",
	}, nil)

	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].Status != models.OutcomeFailed || results[0].Detail != "invalid number" {
		t.Errorf("result[0] = %+v, want failed invalid number", results[0])
	}
	// Raw input is echoed back when normalization fails.
	if results[0].Number != "123" {
		t.Errorf("result[0].Number = %q, want raw input", results[0].Number)
	}
	if results[1].Status != models.OutcomeSent {
		t.Errorf("result[1].Status = %q, want sent", results[1].Status)
	}
}

func TestDispatchRetriesTransientLookup(t *testing.T) {
	client := newScriptedClient()
	client.lookupErrs["573001234567"] = 2 // fails twice, then succeeds
	d := testDispatcher(client)

	results := d.Dispatch(context.Background(), models.SendRequest{
		Numbers: []string{"3001234567"},
		Text:    "hola",
	}, nil)

	if results[0].Status != models.OutcomeSent {
		t.Errorf("Status = %q, want sent after retried lookup (detail: %s)", results[0].Status, results[0].Detail)
	}
}

func TestDispatchKnownSerializationDefectIsWarning(t *testing.T) {
	client := newScriptedClient()
	client.sendErrs["573001234567@s.whatsapp.net"] = fmt.Errorf("evaluation failed: t: cannot read properties of undefined (reading 'serialize')")
	d := testDispatcher(client)

	results := d.Dispatch(context.Background(), models.SendRequest{
		Numbers: []string{"3001234567"},
		Text:    "hola",
	}, nil)

	if results[0].Status != models.OutcomeSentWithWarning {
		t.Errorf("Status = %q, want sent_with_warning", results[0].Status)
	}

	sent, failed := Summary(results)
	if sent != 1 || failed != 0 {
		t.Errorf("Summary = (%d, %d), want (1, 0): warning counts as sent", sent, failed)
	}
}

func TestDispatchGenuineSendErrorIsFailed(t *testing.T) {
	client := newScriptedClient()
	client.sendErrs["573001234567@s.whatsapp.net"] = errors.New("websocket closed")
	d := testDispatcher(client)

	results := d.Dispatch(context.Background(), models.SendRequest{
		Numbers: []string{"3001234567"},
		Text:    "hola",
	}, nil)

	if results[0].Status != models.OutcomeFailed {
		t.Errorf("Status = %q, want failed", results[0].Status)
	}
	if results[0].Detail == "" {
		t.Error("failed result must carry error detail")
	}
}

func TestDispatchSendsImageWhenMediaPresent(t *testing.T) {
	client := newScriptedClient()
	d := testDispatcher(client)

	media := &models.MediaPayload{MimeType: "image/png", Data: []byte("png"), Filename: "a.png"}
	results := d.Dispatch(context.Background(), models.SendRequest{
		Numbers:  []string{"3001234567"},
		ImageURL: "https://example.com/a.png",
		Caption:  "promo",
	}, media)

	if results[0].Status != models.OutcomeSent {
		t.Fatalf("Status = %q, want sent (detail: %s)", results[0].Status, results[0].Detail)
	}
	if len(client.sentImages) != 1 {
		t.Errorf("sentImages = %v, want one image send", client.sentImages)
	}
	if len(client.sentTexts) != 0 {
		t.Errorf("sentTexts = %v, want none when media present", client.sentTexts)
	}
}

func TestIsKnownSerializationDefect(t *testing.T) {
	tests := []struct {
		err  string
		want bool
	}{
		{"cannot read properties of undefined (reading 'serialize')", true},
		{"getMessageModel is not a function", true},
		{"websocket closed before handshake", false},
		{"timed out", false},
	}
	for _, tt := range tests {
		if got := isKnownSerializationDefect(errors.New(tt.err)); got != tt.want {
			t.Errorf("isKnownSerializationDefect(%q) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
