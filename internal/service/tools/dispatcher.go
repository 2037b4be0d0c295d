// Package tools executes side-effect actions requested by a reasoning job.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// Handler executes one named tool. The returned string is the tool output
// text handed back to the backend.
type Handler func(ctx context.Context, args json.RawMessage) (string, error)

// Notifier lets a tool failure reach the end user when it is user-relevant.
type Notifier interface {
	Deliver(ctx context.Context, sessionID, text string) (string, error)
}

// UserFacingError wraps a tool failure that the end user should hear about.
type UserFacingError struct {
	Notice string
	Err    error
}

func (e *UserFacingError) Error() string { return e.Err.Error() }
func (e *UserFacingError) Unwrap() error { return e.Err }

// Dispatcher routes backend-requested invocations to registered handlers.
// It never propagates a handler failure: the backend expects a text result
// for every call, so errors become readable failure strings.
type Dispatcher struct {
	handlers map[string]Handler
	notifier Notifier
	log      zerolog.Logger
}

// NewDispatcher builds an empty dispatcher. notifier may be nil.
func NewDispatcher(notifier Notifier, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]Handler),
		notifier: notifier,
		log:      log,
	}
}

// Register adds a named tool. Later registrations replace earlier ones.
func (d *Dispatcher) Register(name string, h Handler) {
	d.handlers[name] = h
}

// Dispatch runs one invocation and always returns output text.
func (d *Dispatcher) Dispatch(ctx context.Context, sessionID, name string, args json.RawMessage) string {
	h, ok := d.handlers[name]
	if !ok {
		d.log.Warn().Str("tool", name).Msg("backend requested unregistered tool")
		return fmt.Sprintf("The tool %q is not available.", name)
	}

	out, err := h(ctx, args)
	if err == nil {
		return out
	}

	d.log.Warn().Err(err).Str("tool", name).Str("session", sessionID).Msg("tool execution failed")

	var uf *UserFacingError
	if errors.As(err, &uf) && d.notifier != nil {
		if _, nerr := d.notifier.Deliver(ctx, sessionID, uf.Notice); nerr != nil {
			d.log.Warn().Err(nerr).Str("session", sessionID).Msg("failed to notify user of tool failure")
		}
	}
	return fmt.Sprintf("The %s tool failed: %v. Tell the user the information is unavailable right now.", name, err)
}
