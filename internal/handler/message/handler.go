// Package message exposes the relay over plain HTTP: a synchronous submit
// endpoint and a transcript read endpoint.
package message

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dinurba/conversa/backend/internal/model/conv"
	"github.com/dinurba/conversa/backend/internal/service/relay"
	"github.com/dinurba/conversa/backend/pkg/utils"
)

// RelayService handles one inbound turn end to end.
type RelayService interface {
	HandleInbound(ctx context.Context, in relay.Inbound) (string, error)
}

// TurnReader lists a session's persisted turns.
type TurnReader interface {
	ListSince(ctx context.Context, sessionID string, since time.Time, speakers ...conv.Speaker) ([]conv.Turn, error)
}

// Handler serves the message API.
type Handler struct {
	relaySvc RelayService
	turns    TurnReader
	log      zerolog.Logger
}

// New creates the message handler.
func New(relaySvc RelayService, turns TurnReader, log zerolog.Logger) *Handler {
	return &Handler{relaySvc: relaySvc, turns: turns, log: log}
}

// RegisterRoutes mounts the message routes under the given router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/messages", h.handleSubmit)
	r.Get("/sessions/{sessionID}/turns", h.handleListTurns)
}

type submitResponse struct {
	Reply string `json:"reply"`
}

// handleSubmit accepts one inbound message and blocks until the reply is
// produced, unlike the webhook intake which acks first.
func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var in relay.Inbound
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if in.SessionID == "" || in.Body == "" {
		utils.RespondError(w, http.StatusBadRequest, "sessionId and body are required")
		return
	}
	if in.ExternalID == "" {
		in.ExternalID = "api-" + uuid.NewString()
	}

	reply, err := h.relaySvc.HandleInbound(r.Context(), in)
	if err != nil {
		h.respondRelayError(w, in, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, submitResponse{Reply: reply})
}

func (h *Handler) respondRelayError(w http.ResponseWriter, in relay.Inbound, err error) {
	var jobErr *relay.JobFailedError
	switch {
	case errors.Is(err, relay.ErrNoReply):
		// Redelivery of a turn we already answered.
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
	case errors.Is(err, relay.ErrChannelBusy):
		utils.RespondError(w, http.StatusConflict, "session is busy with a previous message")
	case errors.Is(err, relay.ErrJobTimedOut):
		utils.RespondError(w, http.StatusGatewayTimeout, "reply did not arrive in time")
	case errors.As(err, &jobErr):
		h.log.Error().Err(err).Str("session", in.SessionID).Msg("job failed")
		utils.RespondError(w, http.StatusBadGateway, "reply generation failed")
	default:
		h.log.Error().Err(err).Str("session", in.SessionID).Msg("inbound turn failed")
		utils.RespondError(w, http.StatusInternalServerError, "internal error")
	}
}

type turnView struct {
	ExternalID string    `json:"externalId"`
	Speaker    string    `json:"speaker"`
	Body       string    `json:"body"`
	CreatedAt  time.Time `json:"createdAt"`
}

func (h *Handler) handleListTurns(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		utils.RespondError(w, http.StatusBadRequest, "sessionID is required")
		return
	}

	turns, err := h.turns.ListSince(r.Context(), sessionID, time.Time{})
	if err != nil {
		h.log.Error().Err(err).Str("session", sessionID).Msg("failed to list turns")
		utils.RespondError(w, http.StatusInternalServerError, "failed to load transcript")
		return
	}

	views := make([]turnView, 0, len(turns))
	for _, t := range turns {
		views = append(views, turnView{
			ExternalID: t.ExternalID,
			Speaker:    string(t.Speaker),
			Body:       t.Body,
			CreatedAt:  t.CreatedAt,
		})
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{"sessionId": sessionID, "turns": views})
}
