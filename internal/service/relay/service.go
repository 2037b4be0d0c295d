package relay

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dinurba/conversa/backend/internal/model/conv"
	"github.com/dinurba/conversa/backend/internal/store"
)

// FailureNotice is what the end user receives when a job cannot produce an
// answer. Backend diagnostics stay in the logs.
const FailureNotice = "Sorry, I could not process your message right now. Please try again in a moment."

// Service is the top-level relay: one call per inbound turn.
type Service struct {
	turns        TurnStore
	resolver     Resolver
	window       WindowBuilder
	orchestrator *Orchestrator
	deliverer    Deliverer
	sink         TurnSink
	log          zerolog.Logger
}

// NewService wires the relay pipeline. sink may be nil.
func NewService(turns TurnStore, resolver Resolver, window WindowBuilder, orchestrator *Orchestrator, deliverer Deliverer, sink TurnSink, log zerolog.Logger) *Service {
	return &Service{
		turns:        turns,
		resolver:     resolver,
		window:       window,
		orchestrator: orchestrator,
		deliverer:    deliverer,
		sink:         sink,
		log:          log,
	}
}

// HandleInbound processes one inbound message end to end and returns the
// reply that was delivered. Redeliveries return ErrNoReply without running a
// job; ErrChannelBusy, ErrJobTimedOut and JobFailedError reach the caller
// after the user received the generic failure notice.
func (s *Service) HandleInbound(ctx context.Context, in Inbound) (string, error) {
	now := in.Timestamp
	if now.IsZero() {
		now = time.Now().UTC()
	}

	turn := conv.Turn{
		ExternalID: in.ExternalID,
		SessionID:  in.SessionID,
		Speaker:    conv.SpeakerEndUser,
		Body:       in.Body,
		CreatedAt:  now,
	}
	if err := s.turns.Append(ctx, turn); err != nil {
		if errors.Is(err, store.ErrDuplicateTurn) {
			// Transport redelivery. Answering again would break the
			// one-reply-per-inbound-message guarantee.
			s.log.Info().Str("session", in.SessionID).Str("external_id", in.ExternalID).Msg("duplicate inbound turn ignored")
			return "", ErrNoReply
		}
		return "", err
	}
	s.publish(turn)

	if in.CitedExternalID != "" {
		annotation, err := s.resolver.Resolve(ctx, turn, in.CitedExternalID)
		if err != nil {
			// Resolver-level trouble never blocks the reply; the raw turn
			// is still in the window.
			s.log.Warn().Err(err).Str("session", in.SessionID).Msg("citation resolution failed, continuing without annotation")
		} else if annotation != nil {
			s.publish(*annotation)
		}
	}

	entries, err := s.window.Build(ctx, in.SessionID, now)
	if err != nil {
		s.log.Warn().Err(err).Str("session", in.SessionID).Msg("window build failed, falling back to the inbound turn only")
		entries = []conv.WindowEntry{{Role: conv.RoleRequester, Body: in.Body}}
	}

	answer, err := s.orchestrator.Run(ctx, in.SessionID, entries)
	if err != nil {
		s.notifyFailure(ctx, in.SessionID)
		return "", err
	}

	deliveredID, err := s.deliverer.Deliver(ctx, in.SessionID, answer)
	if err != nil {
		// The reply exists; keep it on record under a synthetic id.
		s.log.Warn().Err(err).Str("session", in.SessionID).Msg("delivery failed, persisting reply anyway")
	}
	if deliveredID == "" {
		deliveredID = "agent-" + uuid.NewString()
	}

	agentTurn := conv.Turn{
		ExternalID: deliveredID,
		SessionID:  in.SessionID,
		Speaker:    conv.SpeakerAgent,
		Body:       answer,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.turns.Append(ctx, agentTurn); err != nil {
		s.log.Warn().Err(err).Str("session", in.SessionID).Msg("failed to persist agent turn")
	} else {
		s.publish(agentTurn)
	}

	return answer, nil
}

func (s *Service) notifyFailure(ctx context.Context, sessionID string) {
	if _, err := s.deliverer.Deliver(ctx, sessionID, FailureNotice); err != nil {
		s.log.Warn().Err(err).Str("session", sessionID).Msg("failed to deliver failure notice")
	}
}

func (s *Service) publish(t conv.Turn) {
	if s.sink != nil {
		s.sink.Publish(t)
	}
}
