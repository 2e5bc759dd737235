// Package platform – http.go exposes the HTTP surface: webhook intake for
// WEBHOOK triggers, Prometheus metrics and a health probe.
package platform

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jholhewres/bizclaw/pkg/bizclaw/trigger"
)

// maxWebhookBody bounds inbound webhook payloads.
const maxWebhookBody = 1 << 20

// NewHTTPHandler builds the backend's HTTP mux.
func NewHTTPHandler(s *Service, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/hooks/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		path := strings.TrimPrefix(r.URL.Path, "/hooks/")
		if path == "" {
			http.NotFound(w, r)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			http.Error(w, "unreadable body", http.StatusBadRequest)
			return
		}

		signature := r.Header.Get("X-Hub-Signature-256")
		if signature == "" {
			signature = r.Header.Get("X-Signature")
		}
		deliveryID := r.Header.Get("X-Delivery-ID")
		if deliveryID == "" {
			deliveryID = r.Header.Get("X-GitHub-Delivery")
		}

		err = s.HandleWebhook(r.Context(), path, body, signature, deliveryID)
		switch {
		case err == nil:
			w.WriteHeader(http.StatusAccepted)
		case errors.Is(err, trigger.ErrDuplicateDelivery):
			// Duplicates are success from the provider's point of view;
			// anything else invites infinite redelivery.
			w.WriteHeader(http.StatusAccepted)
		case errors.Is(err, trigger.ErrUnknownWebhook):
			http.NotFound(w, r)
		case errors.Is(err, trigger.ErrBadSignature):
			http.Error(w, "signature verification failed", http.StatusUnauthorized)
		default:
			logger.Error("webhook handling failed", "path", path, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	})

	return mux
}
