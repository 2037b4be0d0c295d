package backend

import (
	"context"
	"sync"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/dinurba/conversa/backend/internal/model/conv"
)

// LocalBackend satisfies Backend with an in-process chat model. It exists for
// deployments without a remote assistants service: channels live in memory
// and a job is one asynchronous generation over the channel's messages. Tool
// rounds are not supported; jobs complete or fail in a single step.
//
// Channel contents do not survive a restart, but bindings do: a persisted
// handle the process has never seen is re-created empty on first use. The
// relay appends the full window before every job, so a re-created channel
// still carries the whole context.
type LocalBackend struct {
	chatModel  model.ChatModel
	jobTimeout time.Duration
	log        zerolog.Logger

	mu       sync.Mutex
	channels map[string][]*schema.Message
	jobs     map[string]*localJob
}

type localJob struct {
	state      JobState
	diagnostic string
}

// NewLocalBackend wraps an eino chat model as a job backend.
func NewLocalBackend(chatModel model.ChatModel, jobTimeout time.Duration, log zerolog.Logger) *LocalBackend {
	if jobTimeout <= 0 {
		jobTimeout = 60 * time.Second
	}
	return &LocalBackend{
		chatModel:  chatModel,
		jobTimeout: jobTimeout,
		log:        log,
		channels:   make(map[string][]*schema.Message),
		jobs:       make(map[string]*localJob),
	}
}

func (b *LocalBackend) CreateChannel(_ context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	handle := "local-" + uuid.NewString()
	b.channels[handle] = nil
	return handle, nil
}

// ensureChannel returns the channel's history, re-creating the channel when
// the handle was persisted by a previous process. Callers hold b.mu.
func (b *LocalBackend) ensureChannel(channel string) []*schema.Message {
	history, ok := b.channels[channel]
	if !ok {
		b.log.Info().Str("channel", channel).Msg("re-creating channel from persisted handle")
		b.channels[channel] = nil
	}
	return history
}

func (b *LocalBackend) AppendToChannel(_ context.Context, channel string, role conv.Role, text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ensureChannel(channel)
	var msg *schema.Message
	if role == conv.RoleRequester {
		msg = schema.UserMessage(text)
	} else {
		msg = schema.AssistantMessage(text, nil)
	}
	b.channels[channel] = append(b.channels[channel], msg)
	return nil
}

func (b *LocalBackend) StartJob(_ context.Context, channel string) (string, error) {
	b.mu.Lock()
	history := b.ensureChannel(channel)
	messages := make([]*schema.Message, len(history))
	copy(messages, history)
	jobID := "job-" + uuid.NewString()
	job := &localJob{state: JobActive}
	b.jobs[jobID] = job
	b.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), b.jobTimeout)
		defer cancel()

		resp, err := b.chatModel.Generate(ctx, messages)

		b.mu.Lock()
		defer b.mu.Unlock()
		if err != nil {
			b.log.Warn().Err(err).Str("channel", channel).Msg("local generation failed")
			job.state = JobFailed
			job.diagnostic = err.Error()
			return
		}
		b.channels[channel] = append(b.channels[channel], resp)
		job.state = JobCompleted
	}()

	return jobID, nil
}

func (b *LocalBackend) JobStatus(_ context.Context, _ string, jobID string) (JobStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	job, ok := b.jobs[jobID]
	if !ok {
		return JobStatus{}, pkgerrors.Errorf("unknown job %s", jobID)
	}
	return JobStatus{State: job.state, Diagnostic: job.diagnostic}, nil
}

func (b *LocalBackend) SubmitToolOutputs(_ context.Context, _ string, jobID string, _ []ToolOutput) error {
	return pkgerrors.Errorf("job %s never requests tool output", jobID)
}

func (b *LocalBackend) LatestAnswer(_ context.Context, channel string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	history, ok := b.channels[channel]
	if !ok {
		return "", pkgerrors.Errorf("unknown channel %s", channel)
	}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == schema.Assistant {
			return history[i].Content, nil
		}
	}
	return "", pkgerrors.New("channel has no answer yet")
}
