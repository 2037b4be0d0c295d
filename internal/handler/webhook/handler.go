// Package webhook adapts the WhatsApp Cloud webhook to the relay's inbound
// contract. The core never sees the transport envelope.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/dinurba/conversa/backend/internal/service/relay"
)

// RelayService handles one inbound turn end to end.
type RelayService interface {
	HandleInbound(ctx context.Context, in relay.Inbound) (string, error)
}

// Handler terminates the webhook endpoints.
type Handler struct {
	relaySvc    RelayService
	verifyToken string
	log         zerolog.Logger

	// processTimeout bounds the detached per-turn task spawned after the
	// transport is acked.
	processTimeout time.Duration
}

// New creates the webhook handler.
func New(relaySvc RelayService, verifyToken string, log zerolog.Logger) *Handler {
	return &Handler{
		relaySvc:       relaySvc,
		verifyToken:    verifyToken,
		log:            log,
		processTimeout: 3 * time.Minute,
	}
}

// RegisterRoutes mounts the verification handshake and the message intake.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/webhook", h.handleVerify)
	r.Post("/webhook", h.handleInbound)
}

// handleVerify answers the transport's subscription handshake.
func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("hub.mode")
	token := r.URL.Query().Get("hub.verify_token")
	challenge := r.URL.Query().Get("hub.challenge")

	if mode != "" && token != "" && token == h.verifyToken {
		h.log.Info().Msg("webhook verified")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(challenge))
		return
	}
	w.WriteHeader(http.StatusForbidden)
}

// envelope is the subset of the Cloud API payload the relay cares about.
type envelope struct {
	Object string `json:"object"`
	Entry  []struct {
		Changes []struct {
			Value struct {
				Messages []struct {
					ID        string `json:"id"`
					From      string `json:"from"`
					Timestamp string `json:"timestamp"`
					Text      *struct {
						Body string `json:"body"`
					} `json:"text"`
					Context *struct {
						ID string `json:"id"`
					} `json:"context"`
				} `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

func (h *Handler) handleInbound(w http.ResponseWriter, r *http.Request) {
	var env envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if env.Object == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	in, ok := parseEnvelope(env)

	// Ack immediately; the transport retries on anything else and the job
	// can take far longer than its patience.
	w.WriteHeader(http.StatusOK)

	if !ok {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.processTimeout)
		defer cancel()
		if _, err := h.relaySvc.HandleInbound(ctx, in); err != nil && !errors.Is(err, relay.ErrNoReply) {
			h.log.Error().Err(err).Str("session", in.SessionID).Str("external_id", in.ExternalID).Msg("inbound turn failed")
		}
	}()
}

// parseEnvelope extracts the relay's inbound struct from a webhook payload.
// Returns false for status updates and non-text messages.
func parseEnvelope(env envelope) (relay.Inbound, bool) {
	if len(env.Entry) == 0 || len(env.Entry[0].Changes) == 0 {
		return relay.Inbound{}, false
	}
	msgs := env.Entry[0].Changes[0].Value.Messages
	if len(msgs) == 0 {
		return relay.Inbound{}, false
	}
	msg := msgs[0]
	if msg.Text == nil || msg.Text.Body == "" {
		return relay.Inbound{}, false
	}

	in := relay.Inbound{
		SessionID:  normalizeNumber(msg.From),
		ExternalID: msg.ID,
		Body:       msg.Text.Body,
	}
	if msg.Context != nil {
		in.CitedExternalID = msg.Context.ID
	}
	if secs, err := strconv.ParseInt(msg.Timestamp, 10, 64); err == nil {
		in.Timestamp = time.Unix(secs, 0).UTC()
	}
	return in, true
}

// normalizeNumber folds the legacy mobile prefix so a contact maps onto one
// session regardless of how the transport spells its number.
func normalizeNumber(raw string) string {
	if strings.HasPrefix(raw, "521") {
		return "52" + raw[3:]
	}
	return raw
}
