// Package window assembles the bounded conversation context submitted to a
// reasoning job.
package window

import (
	"context"
	"time"

	"github.com/dinurba/conversa/backend/internal/model/conv"
)

// TurnStore is the slice of the message store the builder needs.
type TurnStore interface {
	ListSince(ctx context.Context, sessionID string, since time.Time, speakers ...conv.Speaker) ([]conv.Turn, error)
}

// Policy bounds the window: at most MaxRequesterTurns end-user turns within
// the trailing MaxAge.
type Policy struct {
	MaxRequesterTurns int
	MaxAge            time.Duration
}

// Builder produces ordered role/body pairs for job submission.
type Builder struct {
	store  TurnStore
	policy Policy
}

// NewBuilder builds a window builder over the given store.
func NewBuilder(store TurnStore, policy Policy) *Builder {
	return &Builder{store: store, policy: policy}
}

// Build selects the context window for a session at the given instant.
//
// Two passes: the end-user side (the busy side) bounds the window, then every
// turn of any speaker from the oldest selected end-user turn onward is
// included, so agent and annotation turns that landed in between are never
// dropped. Superseded turns stay out; their bodies live inside annotations.
func (b *Builder) Build(ctx context.Context, sessionID string, now time.Time) ([]conv.WindowEntry, error) {
	requester, err := b.store.ListSince(ctx, sessionID, now.Add(-b.policy.MaxAge), conv.SpeakerEndUser)
	if err != nil {
		return nil, err
	}
	if len(requester) > b.policy.MaxRequesterTurns {
		requester = requester[len(requester)-b.policy.MaxRequesterTurns:]
	}

	floor := now
	if len(requester) > 0 {
		floor = requester[0].CreatedAt
	}

	turns, err := b.store.ListSince(ctx, sessionID, floor)
	if err != nil {
		return nil, err
	}

	entries := make([]conv.WindowEntry, 0, len(turns))
	for _, t := range turns {
		if t.Speaker == conv.SpeakerSupersededEndUser {
			continue
		}
		entries = append(entries, conv.WindowEntry{
			Role: conv.BackendRole(t.Speaker),
			Body: t.Body,
		})
	}
	return entries, nil
}
