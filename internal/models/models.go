// Package models defines the request, response and result types shared
// across the wasender service.
package models

import (
	"errors"
	"fmt"
)

// Outcome is the per-recipient result of one dispatch.
type Outcome string

const (
	// OutcomeSent indicates the message was delivered to the backend.
	OutcomeSent Outcome = "sent"
	// OutcomeSentWithWarning indicates the backend reported a known benign
	// post-send defect; the message was transmitted anyway.
	OutcomeSentWithWarning Outcome = "sent_with_warning"
	// OutcomeFailed indicates the recipient did not receive the message.
	OutcomeFailed Outcome = "failed"
)

// SendRequest is the body of POST /send-whatsapp.
type SendRequest struct {
	Numbers  []string `json:"numbers"`
	ImageURL string   `json:"imageUrl,omitempty"`
	Caption  string   `json:"caption,omitempty"`
	Text     string   `json:"text,omitempty"`
}

// Validation errors for SendRequest.
var (
	ErrNoRecipients = errors.New("numbers is required and must be non-empty")
	ErrNoContent    = errors.New("either imageUrl or text is required")
)

// Validate checks the request shape. It does not touch the session or any
// backend resource.
func (r SendRequest) Validate() error {
	if len(r.Numbers) == 0 {
		return ErrNoRecipients
	}
	if r.ImageURL == "" && r.Text == "" {
		return ErrNoContent
	}
	return nil
}

// HasMedia reports whether the request carries an image to resolve.
func (r SendRequest) HasMedia() bool {
	return r.ImageURL != ""
}

// MediaPayload is resolved binary content ready for transmission. It lives
// for the duration of one request and is never cached.
type MediaPayload struct {
	MimeType string
	Data     []byte
	Filename string
}

// DispatchResult is one entry per input recipient, in input order.
type DispatchResult struct {
	Number string  `json:"number"`
	Status Outcome `json:"status"`
	Detail string  `json:"detail,omitempty"`
}

// SendResponse is the aggregate response of POST /send-whatsapp.
type SendResponse struct {
	Status    string           `json:"status"`
	RequestID string           `json:"requestId"`
	Detail    []DispatchResult `json:"detail"`
}

// NewSendResponse builds the aggregate response with the summary line the
// API contract mandates.
func NewSendResponse(requestID string, sent, failed int, detail []DispatchResult) SendResponse {
	return SendResponse{
		Status:    fmt.Sprintf("Mensajes enviados: %d, fallidos: %d", sent, failed),
		RequestID: requestID,
		Detail:    detail,
	}
}

// ErrorResponse is the uniform JSON error body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Error constructs an ErrorResponse with the given message.
func Error(msg string) ErrorResponse {
	return ErrorResponse{Error: msg}
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	OK     bool  `json:"ok"`
	Uptime int64 `json:"uptime"`
	Ready  bool  `json:"ready"`
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Ready    bool    `json:"ready"`
	State    string  `json:"state"`
	LastQRAt *string `json:"lastQrAt"`
	Host     string  `json:"host"`
}

// QRResponse is the body of GET /qr when a pairing code has been issued.
type QRResponse struct {
	QR       string `json:"qr"`
	QRImage  string `json:"qrImage,omitempty"`
	LastQRAt string `json:"lastQrAt"`
}
