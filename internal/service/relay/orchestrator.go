package relay

import (
	"context"
	"encoding/json"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/dinurba/conversa/backend/internal/backend"
	"github.com/dinurba/conversa/backend/internal/model/conv"
)

// Dispatcher executes one backend-requested tool invocation. Always returns
// output text (failures are converted to readable text by the tools package).
type Dispatcher interface {
	Dispatch(ctx context.Context, sessionID, name string, args json.RawMessage) string
}

// Policy bounds every wait in the orchestrator.
type Policy struct {
	BusyMaxChecks     int
	BusyCheckInterval time.Duration
	PollMaxAttempts   int
	PollInterval      time.Duration
	StaleJobAfter     time.Duration
}

// Orchestrator drives one reasoning job through its state machine:
// acquire channel -> submit -> poll, servicing tool rounds -> terminal state.
type Orchestrator struct {
	bindings BindingStore
	backend  backend.Backend
	tools    Dispatcher
	policy   Policy
	log      zerolog.Logger
}

// NewOrchestrator wires the state machine.
func NewOrchestrator(bindings BindingStore, jobBackend backend.Backend, tools Dispatcher, policy Policy, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		bindings: bindings,
		backend:  jobBackend,
		tools:    tools,
		policy:   policy,
		log:      log,
	}
}

// Run submits the window as one job on the session's channel and returns the
// final answer. The channel's busy flag is released on every exit path.
func (o *Orchestrator) Run(ctx context.Context, sessionID string, entries []conv.WindowEntry) (string, error) {
	binding, err := o.channelFor(ctx, sessionID)
	if err != nil {
		return "", err
	}

	if err := o.acquire(ctx, sessionID); err != nil {
		return "", err
	}
	// Unconditional release; a cancelled context must not leave the
	// session wedged.
	defer func() {
		if err := o.bindings.ClearJob(context.WithoutCancel(ctx), sessionID); err != nil {
			o.log.Error().Err(err).Str("session", sessionID).Msg("failed to clear busy flag")
		}
	}()

	for _, e := range entries {
		if err := o.backend.AppendToChannel(ctx, binding.ChannelHandle, e.Role, e.Body); err != nil {
			return "", pkgerrors.Wrap(err, "append context to channel")
		}
	}

	jobID, err := o.backend.StartJob(ctx, binding.ChannelHandle)
	if err != nil {
		return "", pkgerrors.Wrap(err, "start job")
	}
	if err := o.bindings.SetActiveJob(ctx, sessionID, jobID); err != nil {
		return "", err
	}
	o.log.Debug().Str("session", sessionID).Str("job", jobID).Msg("job started")

	return o.poll(ctx, sessionID, binding.ChannelHandle, jobID)
}

// channelFor returns the session's permanent channel, creating it on first
// contact. Creation is idempotent: a concurrent first contact loses the
// insert race and adopts the stored handle.
func (o *Orchestrator) channelFor(ctx context.Context, sessionID string) (*conv.ChannelBinding, error) {
	binding, err := o.bindings.GetBinding(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if binding != nil {
		return binding, nil
	}

	handle, err := o.backend.CreateChannel(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "create channel")
	}
	binding, err = o.bindings.CreateBinding(ctx, sessionID, handle)
	if err != nil {
		return nil, err
	}
	if binding.ChannelHandle != handle {
		o.log.Debug().Str("session", sessionID).Msg("lost channel creation race, adopting existing binding")
	}
	return binding, nil
}

// acquire claims the single-flight slot, polling the binding (not the
// backend) for a bounded number of checks. Bindings left behind by a crash
// look stale after StaleJobAfter and are taken over, which is how a restart
// mid-poll turns into an ordinary timed-out job on the next interaction.
func (o *Orchestrator) acquire(ctx context.Context, sessionID string) error {
	for check := 0; check < o.policy.BusyMaxChecks; check++ {
		ok, err := o.bindings.AcquireJob(ctx, sessionID, time.Now().Add(-o.policy.StaleJobAfter))
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if err := sleep(ctx, o.policy.BusyCheckInterval); err != nil {
			return err
		}
	}
	return ErrChannelBusy
}

func (o *Orchestrator) poll(ctx context.Context, sessionID, channelHandle, jobID string) (string, error) {
	attempts := 0
	for attempts < o.policy.PollMaxAttempts {
		attempts++

		status, err := o.backend.JobStatus(ctx, channelHandle, jobID)
		if err != nil {
			return "", pkgerrors.Wrap(err, "fetch job status")
		}
		if err := o.bindings.TouchJob(ctx, sessionID); err != nil {
			o.log.Warn().Err(err).Str("session", sessionID).Msg("failed to touch binding")
		}

		switch status.State {
		case backend.JobCompleted:
			answer, err := o.backend.LatestAnswer(ctx, channelHandle)
			if err != nil {
				return "", pkgerrors.Wrap(err, "fetch answer")
			}
			return answer, nil

		case backend.JobFailed:
			return "", &JobFailedError{Diagnostic: status.Diagnostic}

		case backend.JobAwaitingTool:
			if err := o.serviceToolRound(ctx, sessionID, channelHandle, jobID, status.ToolCalls); err != nil {
				return "", err
			}
			// A successful round-trip restarts the budget so tool-heavy
			// jobs are not starved by it.
			attempts = 0

		default:
			if err := sleep(ctx, o.policy.PollInterval); err != nil {
				return "", err
			}
		}
	}

	o.log.Warn().Str("session", sessionID).Str("job", jobID).Int("attempts", o.policy.PollMaxAttempts).Msg("job polling budget exhausted")
	return "", ErrJobTimedOut
}

func (o *Orchestrator) serviceToolRound(ctx context.Context, sessionID, channelHandle, jobID string, calls []backend.ToolCall) error {
	outputs := make([]backend.ToolOutput, 0, len(calls))
	for _, call := range calls {
		o.log.Info().Str("session", sessionID).Str("tool", call.Name).Str("call_id", call.CallID).Msg("servicing tool call")
		outputs = append(outputs, backend.ToolOutput{
			CallID: call.CallID,
			Output: o.tools.Dispatch(ctx, sessionID, call.Name, call.Arguments),
		})
	}
	if err := o.backend.SubmitToolOutputs(ctx, channelHandle, jobID, outputs); err != nil {
		return pkgerrors.Wrap(err, "submit tool outputs")
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
