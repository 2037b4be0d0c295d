package conv

import "time"

// Speaker identifies who produced a turn. It is decided once at ingestion
// and never re-derived downstream.
type Speaker string

const (
	// SpeakerEndUser is an inbound message from the end user.
	SpeakerEndUser Speaker = "end_user"
	// SpeakerAgent is a reply produced by the reasoning backend.
	SpeakerAgent Speaker = "agent"
	// SpeakerAnnotation is a synthetic turn explaining a quoted reference.
	// It is never delivered to the end user.
	SpeakerAnnotation Speaker = "annotation"
	// SpeakerSupersededEndUser marks an end-user turn whose body now lives
	// inside a citation annotation; the window builder skips it.
	SpeakerSupersededEndUser Speaker = "superseded_end_user"
)

// NormalizeSpeaker folds the role aliases found in historical data onto the
// closed Speaker set. The second return is false for unknown aliases.
func NormalizeSpeaker(raw string) (Speaker, bool) {
	switch raw {
	case "end_user", "user":
		return SpeakerEndUser, true
	case "agent", "assistant", "dinurba":
		return SpeakerAgent, true
	case "annotation", "system":
		return SpeakerAnnotation, true
	case "superseded_end_user", "user_omitido":
		return SpeakerSupersededEndUser, true
	default:
		return "", false
	}
}

// Turn is one persisted conversation event.
type Turn struct {
	// ExternalID is the transport-assigned message id. Empty for synthetic
	// turns that never crossed the transport. Unique when set.
	ExternalID string    `json:"externalId,omitempty"`
	SessionID  string    `json:"sessionId"`
	Speaker    Speaker   `json:"speaker"`
	Body       string    `json:"body"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Role is the two-party role model of the reasoning backend.
type Role string

const (
	RoleRequester Role = "user"
	RoleAgent     Role = "assistant"
)

// BackendRole maps a speaker onto the backend's two-party model.
// Annotations travel as ordinary agent-side context turns; their position in
// timestamp order is what ties them to the turn they explain.
func BackendRole(s Speaker) Role {
	if s == SpeakerEndUser {
		return RoleRequester
	}
	return RoleAgent
}

// WindowEntry is one element of the context submitted to a job.
type WindowEntry struct {
	Role Role   `json:"role"`
	Body string `json:"body"`
}
