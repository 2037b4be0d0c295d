// Package stream feeds live transcripts to websocket clients. The hub is the
// relay's turn sink: every persisted turn fans out to the session's
// subscribers.
package stream

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/dinurba/conversa/backend/internal/model/conv"
	"github.com/dinurba/conversa/backend/pkg/utils"
)

const subscriberBuffer = 16

// TurnEvent is the wire form of one transcript turn.
type TurnEvent struct {
	SessionID  string    `json:"sessionId"`
	ExternalID string    `json:"externalId"`
	Speaker    string    `json:"speaker"`
	Body       string    `json:"body"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Hub tracks subscribers per session and broadcasts persisted turns to them.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[chan TurnEvent]struct{}
	log  zerolog.Logger

	upgrader websocket.Upgrader
}

// NewHub creates an empty hub.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		subs: make(map[string]map[chan TurnEvent]struct{}),
		log:  log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Publish fans a persisted turn out to the session's subscribers. A slow
// subscriber drops events instead of blocking the relay.
func (h *Hub) Publish(t conv.Turn) {
	ev := TurnEvent{
		SessionID:  t.SessionID,
		ExternalID: t.ExternalID,
		Speaker:    string(t.Speaker),
		Body:       t.Body,
		CreatedAt:  t.CreatedAt,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[t.SessionID] {
		select {
		case ch <- ev:
		default:
			h.log.Warn().Str("session", t.SessionID).Msg("dropping transcript event for slow subscriber")
		}
	}
}

func (h *Hub) subscribe(sessionID string) chan TurnEvent {
	ch := make(chan TurnEvent, subscriberBuffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[chan TurnEvent]struct{})
	}
	h.subs[sessionID][ch] = struct{}{}
	return ch
}

func (h *Hub) unsubscribe(sessionID string, ch chan TurnEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[sessionID]; ok {
		delete(set, ch)
		if len(set) == 0 {
			delete(h.subs, sessionID)
		}
	}
}

// RegisterRoutes mounts the websocket endpoint.
func (h *Hub) RegisterRoutes(r chi.Router) {
	r.Get("/sessions/{sessionID}/ws", h.handleWebSocket)
}

func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		utils.RespondError(w, http.StatusBadRequest, "sessionID is required")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	h.log.Debug().Str("session", sessionID).Msg("transcript subscriber connected")

	ch := h.subscribe(sessionID)
	defer h.unsubscribe(sessionID, ch)

	// Reader goroutine exists only to notice the client going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case ev := <-ch:
			if err := conn.WriteJSON(ev); err != nil {
				h.log.Debug().Err(err).Str("session", sessionID).Msg("transcript write failed, closing subscriber")
				return
			}
		}
	}
}
