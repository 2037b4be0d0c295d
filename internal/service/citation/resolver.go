// Package citation resolves quoted-message references into synthetic
// annotation turns.
package citation

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dinurba/conversa/backend/internal/model/conv"
)

// TurnStore is the slice of the message store the resolver needs.
type TurnStore interface {
	Get(ctx context.Context, externalID string) (*conv.Turn, error)
	Append(ctx context.Context, t conv.Turn) error
	MarkSuperseded(ctx context.Context, externalID string) error
}

// Policy bounds the lookup retry. The citing message can arrive before the
// cited one is durably visible; one short retry covers that replication race.
type Policy struct {
	Retries int
	Delay   time.Duration
}

// Resolver turns a reply-to reference into an annotation turn.
type Resolver struct {
	store  TurnStore
	policy Policy
	log    zerolog.Logger
}

// NewResolver builds a resolver over the given store.
func NewResolver(store TurnStore, policy Policy, log zerolog.Logger) *Resolver {
	return &Resolver{store: store, policy: policy, log: log}
}

// Resolve looks up the cited turn, persists a citation annotation timestamped
// at the citing turn's time, and supersedes the raw bodies the annotation now
// embeds. An unresolvable reference produces a degraded annotation instead of
// an error: the backend must never be left inferring a citation exists
// without being told what happened to it. Returns the annotation turn.
func (r *Resolver) Resolve(ctx context.Context, citing conv.Turn, citedExternalID string) (*conv.Turn, error) {
	cited, err := r.lookup(ctx, citedExternalID)
	if err != nil {
		return nil, err
	}

	annotation := conv.Turn{
		ExternalID: "annotation-" + citing.ExternalID,
		SessionID:  citing.SessionID,
		Speaker:    conv.SpeakerAnnotation,
		CreatedAt:  citing.CreatedAt,
	}
	if cited != nil {
		annotation.Body = fmt.Sprintf(
			"The sender referenced a prior message from %s: %q, and then said: %q.",
			describeSpeaker(cited.Speaker), cited.Body, citing.Body)
	} else {
		r.log.Warn().
			Str("session", citing.SessionID).
			Str("cited_id", citedExternalID).
			Msg("cited turn not found after retry, emitting degraded annotation")
		annotation.Body = fmt.Sprintf(
			"The sender referenced an earlier message (id %s) that could not be found, and then said: %q.",
			citedExternalID, citing.Body)
	}

	if err := r.store.Append(ctx, annotation); err != nil {
		return nil, err
	}

	// The annotation embeds the citing body, so the raw turn leaves the
	// window. Same for a resolved cited turn when it is an end-user turn
	// (the only speaker the enum can supersede).
	if err := r.store.MarkSuperseded(ctx, citing.ExternalID); err != nil {
		return nil, err
	}
	if cited != nil && cited.Speaker == conv.SpeakerEndUser {
		if err := r.store.MarkSuperseded(ctx, cited.ExternalID); err != nil {
			return nil, err
		}
	}

	return &annotation, nil
}

func (r *Resolver) lookup(ctx context.Context, citedExternalID string) (*conv.Turn, error) {
	for attempt := 0; ; attempt++ {
		cited, err := r.store.Get(ctx, citedExternalID)
		if err != nil {
			return nil, err
		}
		if cited != nil || attempt >= r.policy.Retries {
			return cited, nil
		}
		select {
		case <-time.After(r.policy.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func describeSpeaker(s conv.Speaker) string {
	switch s {
	case conv.SpeakerEndUser, conv.SpeakerSupersededEndUser:
		return "the requester"
	case conv.SpeakerAgent:
		return "the agent"
	default:
		return "the system"
	}
}
