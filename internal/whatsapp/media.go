package whatsapp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"google.golang.org/protobuf/proto"

	"github.com/notifica/wasender/internal/media"
	"github.com/notifica/wasender/internal/models"
)

// prepareTimeout bounds the library-side media constructor.
const prepareTimeout = 20 * time.Second

// SendImage uploads the payload to the WhatsApp media servers and sends it
// as an image message with the given caption.
func (c *Client) SendImage(ctx context.Context, jid string, payload *models.MediaPayload, caption string) error {
	target, err := types.ParseJID(jid)
	if err != nil {
		return fmt.Errorf("parsing JID %s: %w", jid, err)
	}

	uploaded, err := c.wa.Upload(ctx, payload.Data, whatsmeow.MediaImage)
	if err != nil {
		return fmt.Errorf("uploading media for %s: %w", jid, err)
	}

	msg := &waE2E.Message{
		ImageMessage: &waE2E.ImageMessage{
			URL:           proto.String(uploaded.URL),
			DirectPath:    proto.String(uploaded.DirectPath),
			Mimetype:      proto.String(payload.MimeType),
			Caption:       proto.String(caption),
			FileLength:    proto.Uint64(uploaded.FileLength),
			FileSHA256:    uploaded.FileSHA256,
			FileEncSHA256: uploaded.FileEncSHA256,
			MediaKey:      uploaded.MediaKey,
		},
	}

	if _, err := c.wa.SendMessage(ctx, target, msg); err != nil {
		return fmt.Errorf("sending image to %s: %w", jid, err)
	}
	return nil
}

// PrepareMedia fetches a URL into an in-memory payload using the client's
// permissive defaults. This is the resolver's primary path; the resolver
// itself applies stricter limits on its fallback.
func (c *Client) PrepareMedia(ctx context.Context, url string) (*models.MediaPayload, error) {
	ctx, cancel := context.WithTimeout(ctx, prepareTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building media request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching media: unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading media body: %w", err)
	}

	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}

	return &models.MediaPayload{
		MimeType: mimeType,
		Data:     data,
		Filename: media.FilenameFromURL(url),
	}, nil
}
