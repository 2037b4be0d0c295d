// Package backend abstracts the asynchronous reasoning service: a channel is
// a persistent remote conversation thread, a job is one invocation on it that
// eventually produces an answer or asks for tool output.
package backend

import (
	"context"
	"encoding/json"

	"github.com/dinurba/conversa/backend/internal/model/conv"
)

// JobState is the backend-reported lifecycle of a job.
type JobState string

const (
	JobPending      JobState = "pending"
	JobActive       JobState = "active"
	JobAwaitingTool JobState = "awaiting_tool_output"
	JobCompleted    JobState = "completed"
	JobFailed       JobState = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// ToolCall is one side-effect invocation requested by a running job.
type ToolCall struct {
	CallID    string
	Name      string
	Arguments json.RawMessage
}

// ToolOutput carries a tool result back to the backend. Output is always a
// text; the dispatcher converts failures into readable text too.
type ToolOutput struct {
	CallID string
	Output string
}

// JobStatus is one poll observation.
type JobStatus struct {
	State JobState
	// ToolCalls is populated when State is JobAwaitingTool.
	ToolCalls []ToolCall
	// Diagnostic carries the backend's failure detail when State is JobFailed.
	Diagnostic string
}

// Backend is the reasoning service contract the orchestrator runs against.
type Backend interface {
	CreateChannel(ctx context.Context) (string, error)
	AppendToChannel(ctx context.Context, channel string, role conv.Role, text string) error
	StartJob(ctx context.Context, channel string) (string, error)
	JobStatus(ctx context.Context, channel, jobID string) (JobStatus, error)
	SubmitToolOutputs(ctx context.Context, channel, jobID string, outputs []ToolOutput) error
	LatestAnswer(ctx context.Context, channel string) (string, error)
}
