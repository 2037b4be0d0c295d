package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/dinurba/conversa/backend/internal/model/conv"
)

// ErrBindingNotFound is returned by job-state mutations for unknown sessions.
var ErrBindingNotFound = errors.New("channel binding not found")

// GetBinding returns the session's channel binding, or (nil, nil) when the
// session has never been bound.
func (s *Store) GetBinding(ctx context.Context, sessionID string) (*conv.ChannelBinding, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT session_id, channel_handle, active_job_id, active_job_state, updated_at FROM channel_bindings WHERE session_id = ?",
		sessionID)
	b, err := scanBinding(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "get binding")
	}
	return b, nil
}

// CreateBinding persists session -> channel. Idempotent under concurrent
// first contact: the insert is ignored if a binding already exists and the
// stored handle is read back, so one session never ends up with two channels.
func (s *Store) CreateBinding(ctx context.Context, sessionID, channelHandle string) (*conv.ChannelBinding, error) {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO channel_bindings(session_id, channel_handle, updated_at) VALUES(?,?,?)",
		sessionID, channelHandle, time.Now().UnixMilli())
	if err != nil {
		return nil, pkgerrors.Wrap(err, "insert binding")
	}
	b, err := s.GetBinding(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, ErrBindingNotFound
	}
	return b, nil
}

// AcquireJob is the single-flight gate: it atomically claims the binding for
// a new job if no job is active, or if the active job's record has not been
// touched since staleBefore (a crashed process left it behind). Returns true
// when the claim succeeded.
func (s *Store) AcquireJob(ctx context.Context, sessionID string, staleBefore time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE channel_bindings
		    SET active_job_id = '', active_job_state = ?, updated_at = ?
		  WHERE session_id = ?
		    AND (active_job_state = '' OR updated_at <= ?)`,
		string(conv.JobStateSubmitting), time.Now().UnixMilli(),
		sessionID, staleBefore.UnixMilli())
	if err != nil {
		return false, pkgerrors.Wrap(err, "acquire job")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, pkgerrors.Wrap(err, "acquire job")
	}
	return n > 0, nil
}

// SetActiveJob records the backend job id once submission succeeded.
func (s *Store) SetActiveJob(ctx context.Context, sessionID, jobID string) error {
	return s.setJob(ctx, sessionID, jobID, conv.JobStateActive)
}

// TouchJob refreshes the binding's timestamp; the owning orchestrator calls
// it every poll iteration so the record is distinguishable from a stale one.
func (s *Store) TouchJob(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE channel_bindings SET updated_at = ? WHERE session_id = ?",
		time.Now().UnixMilli(), sessionID)
	if err != nil {
		return pkgerrors.Wrap(err, "touch job")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrBindingNotFound
	}
	return nil
}

// ClearJob releases the busy flag. Called on every orchestrator exit path.
func (s *Store) ClearJob(ctx context.Context, sessionID string) error {
	return s.setJob(ctx, sessionID, "", conv.JobStateNone)
}

func (s *Store) setJob(ctx context.Context, sessionID, jobID string, state conv.JobState) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE channel_bindings SET active_job_id = ?, active_job_state = ?, updated_at = ? WHERE session_id = ?",
		jobID, string(state), time.Now().UnixMilli(), sessionID)
	if err != nil {
		return pkgerrors.Wrap(err, "set job state")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrBindingNotFound
	}
	return nil
}

func scanBinding(r rowScanner) (*conv.ChannelBinding, error) {
	var (
		b         conv.ChannelBinding
		state     string
		updatedAt int64
	)
	if err := r.Scan(&b.SessionID, &b.ChannelHandle, &b.ActiveJobID, &state, &updatedAt); err != nil {
		return nil, err
	}
	b.ActiveState = conv.JobState(state)
	b.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &b, nil
}
