// Package relay receives inbound turns, assembles their context, runs one
// reasoning job per turn and returns exactly one reply.
package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dinurba/conversa/backend/internal/model/conv"
)

var (
	// ErrChannelBusy: the channel still carried a non-terminal job after the
	// bounded wait; no second job was submitted.
	ErrChannelBusy = errors.New("channel busy: active job did not clear in time")
	// ErrJobTimedOut: the polling budget ran out while the job was still
	// non-terminal. The busy flag is released regardless.
	ErrJobTimedOut = errors.New("job did not reach a terminal state in time")
	// ErrNoReply: the inbound turn was a duplicate redelivery; no job ran.
	ErrNoReply = errors.New("duplicate inbound turn, no reply produced")
)

// JobFailedError surfaces the backend's own failure diagnostic.
type JobFailedError struct {
	Diagnostic string
}

func (e *JobFailedError) Error() string {
	return fmt.Sprintf("job failed: %s", e.Diagnostic)
}

// Inbound is one message as handed over by the transport collaborator.
type Inbound struct {
	SessionID       string    `json:"sessionId"`
	ExternalID      string    `json:"externalId"`
	Body            string    `json:"body"`
	CitedExternalID string    `json:"citedExternalId,omitempty"`
	Timestamp       time.Time `json:"timestamp,omitempty"`
}

// TurnStore is the slice of the message store the relay service writes.
type TurnStore interface {
	Append(ctx context.Context, t conv.Turn) error
}

// BindingStore persists session-to-channel bindings and the single-flight
// job state.
type BindingStore interface {
	GetBinding(ctx context.Context, sessionID string) (*conv.ChannelBinding, error)
	CreateBinding(ctx context.Context, sessionID, channelHandle string) (*conv.ChannelBinding, error)
	AcquireJob(ctx context.Context, sessionID string, staleBefore time.Time) (bool, error)
	SetActiveJob(ctx context.Context, sessionID, jobID string) error
	TouchJob(ctx context.Context, sessionID string) error
	ClearJob(ctx context.Context, sessionID string) error
}

// Resolver turns a reply-to reference into an annotation turn.
type Resolver interface {
	Resolve(ctx context.Context, citing conv.Turn, citedExternalID string) (*conv.Turn, error)
}

// WindowBuilder assembles the bounded context for a session.
type WindowBuilder interface {
	Build(ctx context.Context, sessionID string, now time.Time) ([]conv.WindowEntry, error)
}

// Deliverer is the outbound collaborator. It returns the provider-assigned
// message id when it has one.
type Deliverer interface {
	Deliver(ctx context.Context, sessionID, text string) (string, error)
}

// TurnSink observes every turn the relay persists (live transcript feeds).
type TurnSink interface {
	Publish(t conv.Turn)
}

// NoopDeliverer is used when no outbound transport is configured; replies
// only travel back on the synchronous API response.
type NoopDeliverer struct{}

func (NoopDeliverer) Deliver(context.Context, string, string) (string, error) {
	return "", nil
}
