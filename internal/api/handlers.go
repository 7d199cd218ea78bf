package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/notifica/wasender/internal/dispatch"
	"github.com/notifica/wasender/internal/models"
	"github.com/notifica/wasender/internal/retry"
)

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.HealthResponse{
		OK:     true,
		Uptime: int64(s.sess.Uptime().Seconds()),
		Ready:  s.sess.Ready(),
	})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var lastQRAt *string
	if _, at, ok := s.sess.LastQR(); ok {
		formatted := at.UTC().Format(time.RFC3339)
		lastQRAt = &formatted
	}
	writeJSONResponse(w, http.StatusOK, models.StatusResponse{
		Ready:    s.sess.Ready(),
		State:    string(s.sess.State()),
		LastQRAt: lastQRAt,
		Host:     s.host,
	})
}

func (s *Server) qrHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	code, at, ok := s.sess.LastQR()
	if !ok {
		writeJSONResponse(w, http.StatusNotFound, models.Error("No QR code has been issued yet"))
		return
	}

	resp := models.QRResponse{QR: code, LastQRAt: at.UTC().Format(time.RFC3339)}
	if png, err := qrcode.Encode(code, qrcode.Medium, 256); err != nil {
		slog.Warn("Server.qrHandler: failed to render QR image", "error", err)
	} else {
		resp.QRImage = "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

func (s *Server) sendHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.sendHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req models.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.sendHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	// Shape validation runs before any session check.
	if err := req.Validate(); err != nil {
		slog.Warn("Server.sendHandler: validation failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	if !s.sess.Ready() {
		slog.Warn("Server.sendHandler: session not ready", "state", s.sess.State())
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("WhatsApp session is not ready, try again later"))
		return
	}

	requestID := uuid.NewString()
	slog.Info("Server.sendHandler: processing send request",
		"request_id", requestID, "recipients", len(req.Numbers), "has_media", req.HasMedia())

	// An accepted batch runs to completion; a caller disconnect must not
	// cancel sends to the remaining recipients. Process shutdown is the
	// only canceller from here on.
	ctx := context.WithoutCancel(r.Context())

	var media *models.MediaPayload
	if req.HasMedia() {
		// The retry wraps the whole primary-then-fallback sequence.
		resolved, err := retry.Do(ctx, "resolve media", s.retryMedia, func(ctx context.Context) (*models.MediaPayload, error) {
			return s.resolver.Resolve(ctx, req.ImageURL)
		})
		if err != nil {
			slog.Error("Server.sendHandler: media resolution failed", "request_id", requestID, "url", req.ImageURL, "error", err)
			writeJSONResponse(w, http.StatusBadRequest, models.Error(fmt.Sprintf("Could not fetch image: %v", err)))
			return
		}
		media = resolved
	}

	results := s.dispatcher.Dispatch(ctx, req, media)
	sent, failed := dispatch.Summary(results)
	slog.Info("Server.sendHandler: dispatch finished",
		"request_id", requestID, "sent", sent, "failed", failed)

	// 200 even when some or all recipients failed; callers inspect detail.
	writeJSONResponse(w, http.StatusOK, models.NewSendResponse(requestID, sent, failed, results))
}
