package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"strings"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	pkgerrors "github.com/pkg/errors"

	"github.com/dinurba/conversa/backend/internal/model/conv"
)

//go:embed schema.sql
var schemaSQL string

var (
	// ErrDuplicateTurn signals that a turn with the same external id is
	// already stored. Transports redeliver; callers treat this as a no-op.
	ErrDuplicateTurn = errors.New("duplicate turn")
	// ErrTurnNotFound is returned by MarkSuperseded for an unknown id.
	ErrTurnNotFound = errors.New("turn not found")
)

// Store persists turns and channel bindings in SQLite. It is the only
// component that touches the database; every service receives it as an
// explicit dependency, opened once by the process entrypoint.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "open sqlite")
	}
	// A single writer avoids SQLITE_BUSY under concurrent sessions.
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if _, err := db.Exec(schemaSQL); err != nil {
		return nil, pkgerrors.Wrap(err, "init schema")
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Append stores one turn. Returns ErrDuplicateTurn when the external id is
// already present.
func (s *Store) Append(ctx context.Context, t conv.Turn) error {
	var externalID any
	if t.ExternalID != "" {
		externalID = t.ExternalID
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO turns(external_id, session_id, speaker, body, created_at) VALUES(?,?,?,?,?)",
		externalID, t.SessionID, string(t.Speaker), t.Body, t.CreatedAt.UnixMilli())
	if err != nil {
		var sqlErr sqlite3.Error
		if errors.As(err, &sqlErr) && sqlErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return ErrDuplicateTurn
		}
		return pkgerrors.Wrap(err, "insert turn")
	}
	return nil
}

// Get looks up a turn by external id. Returns (nil, nil) when absent.
func (s *Store) Get(ctx context.Context, externalID string) (*conv.Turn, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT external_id, session_id, speaker, body, created_at FROM turns WHERE external_id = ?",
		externalID)
	t, err := scanTurn(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "get turn")
	}
	return t, nil
}

// ListSince returns the session's turns with created_at >= since, ascending.
// When speakers are given, only those speakers are returned. The read never
// blocks writers; a turn may become visible slightly after its logical
// occurrence (callers retry, see the citation resolver).
func (s *Store) ListSince(ctx context.Context, sessionID string, since time.Time, speakers ...conv.Speaker) ([]conv.Turn, error) {
	query := "SELECT external_id, session_id, speaker, body, created_at FROM turns WHERE session_id = ? AND created_at >= ?"
	args := []any{sessionID, since.UnixMilli()}
	if len(speakers) > 0 {
		query += " AND speaker IN (?" + strings.Repeat(",?", len(speakers)-1) + ")"
		for _, sp := range speakers {
			args = append(args, string(sp))
		}
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "list turns")
	}
	defer rows.Close()

	var out []conv.Turn
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, pkgerrors.Wrap(err, "scan turn")
		}
		out = append(out, *t)
	}
	return out, pkgerrors.Wrap(rows.Err(), "list turns")
}

// MarkSuperseded rewrites an end-user turn's speaker so future windows skip
// it. This is the single permitted mutation of a stored turn.
func (s *Store) MarkSuperseded(ctx context.Context, externalID string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE turns SET speaker = ? WHERE external_id = ?",
		string(conv.SpeakerSupersededEndUser), externalID)
	if err != nil {
		return pkgerrors.Wrap(err, "mark superseded")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTurnNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTurn(r rowScanner) (*conv.Turn, error) {
	var (
		externalID sql.NullString
		t          conv.Turn
		speaker    string
		createdAt  int64
	)
	if err := r.Scan(&externalID, &t.SessionID, &speaker, &t.Body, &createdAt); err != nil {
		return nil, err
	}
	t.ExternalID = externalID.String
	// Databases migrated from the previous system carry legacy role names.
	if normalized, ok := conv.NormalizeSpeaker(speaker); ok {
		t.Speaker = normalized
	} else {
		t.Speaker = conv.Speaker(speaker)
	}
	t.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &t, nil
}
