package conv

import "time"

// JobState tracks the relay's view of the active job on a channel.
type JobState string

const (
	JobStateNone       JobState = ""
	JobStateSubmitting JobState = "submitting"
	JobStateActive     JobState = "active"
)

// ChannelBinding maps a session to its persistent reasoning-job channel.
// The channel handle never changes once created; the active-job fields are
// owned exclusively by the run orchestrator and realize the single-flight
// constraint: at most one non-terminal job per channel.
type ChannelBinding struct {
	SessionID     string    `json:"sessionId"`
	ChannelHandle string    `json:"channelHandle"`
	ActiveJobID   string    `json:"activeJobId,omitempty"`
	ActiveState   JobState  `json:"activeJobState,omitempty"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Busy reports whether the binding currently carries a non-terminal job.
func (b ChannelBinding) Busy() bool {
	return b.ActiveState != JobStateNone
}
