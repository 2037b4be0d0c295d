package relay

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/dinurba/conversa/backend/internal/backend"
	"github.com/dinurba/conversa/backend/internal/model/conv"
	"github.com/dinurba/conversa/backend/internal/store"
)

type fakeTurns struct {
	mu    sync.Mutex
	turns []conv.Turn
}

func (f *fakeTurns) Append(_ context.Context, t conv.Turn) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.turns {
		if t.ExternalID != "" && existing.ExternalID == t.ExternalID {
			return store.ErrDuplicateTurn
		}
	}
	f.turns = append(f.turns, t)
	return nil
}

func (f *fakeTurns) bySpeaker(s conv.Speaker) []conv.Turn {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []conv.Turn
	for _, t := range f.turns {
		if t.Speaker == s {
			out = append(out, t)
		}
	}
	return out
}

type fakeResolver struct {
	annotation *conv.Turn
	err        error
	calls      int
	lastCited  string
}

func (f *fakeResolver) Resolve(_ context.Context, _ conv.Turn, citedExternalID string) (*conv.Turn, error) {
	f.calls++
	f.lastCited = citedExternalID
	return f.annotation, f.err
}

type fakeWindow struct {
	entries []conv.WindowEntry
	err     error
}

func (f *fakeWindow) Build(context.Context, string, time.Time) ([]conv.WindowEntry, error) {
	return f.entries, f.err
}

type fakeDeliverer struct {
	mu        sync.Mutex
	delivered []string
	id        string
	err       error
}

func (f *fakeDeliverer) Deliver(_ context.Context, _, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.delivered = append(f.delivered, text)
	return f.id, nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []conv.Turn
}

func (r *recordingSink) Publish(t conv.Turn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, t)
}

type serviceFixture struct {
	turns     *fakeTurns
	resolver  *fakeResolver
	window    *fakeWindow
	backend   *fakeBackend
	deliverer *fakeDeliverer
	sink      *recordingSink
	svc       *Service
}

func newServiceFixture(be *fakeBackend) *serviceFixture {
	f := &serviceFixture{
		turns:     &fakeTurns{},
		resolver:  &fakeResolver{},
		window:    &fakeWindow{entries: []conv.WindowEntry{{Role: conv.RoleRequester, Body: "hello"}}},
		backend:   be,
		deliverer: &fakeDeliverer{id: "wamid.out"},
		sink:      &recordingSink{},
	}
	orchestrator := NewOrchestrator(newFakeBindings(), be, &staticDispatcher{}, fastPolicy(), zerolog.Nop())
	f.svc = NewService(f.turns, f.resolver, f.window, orchestrator, f.deliverer, f.sink, zerolog.Nop())
	return f
}

func inboundMessage() Inbound {
	return Inbound{
		SessionID:  "5215550001",
		ExternalID: "wamid.in",
		Body:       "hello",
		Timestamp:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestHandleInboundProducesOneReply(t *testing.T) {
	f := newServiceFixture(&fakeBackend{
		statuses: []backend.JobStatus{{State: backend.JobCompleted}},
		answer:   "hi there",
	})

	reply, err := f.svc.HandleInbound(context.Background(), inboundMessage())
	if err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if reply != "hi there" {
		t.Fatalf("reply = %q", reply)
	}

	if got := f.deliverer.delivered; len(got) != 1 || got[0] != "hi there" {
		t.Fatalf("delivered = %v, want exactly one reply", got)
	}

	users := f.turns.bySpeaker(conv.SpeakerEndUser)
	if len(users) != 1 || users[0].Body != "hello" {
		t.Fatalf("end-user turns = %v", users)
	}
	agents := f.turns.bySpeaker(conv.SpeakerAgent)
	if len(agents) != 1 || agents[0].Body != "hi there" {
		t.Fatalf("agent turns = %v", agents)
	}
	if agents[0].ExternalID != "wamid.out" {
		t.Fatalf("agent turn keyed by %q, want the delivered id", agents[0].ExternalID)
	}

	// Both persisted turns reached the transcript sink.
	if len(f.sink.events) != 2 {
		t.Fatalf("sink events = %v", f.sink.events)
	}
}

func TestHandleInboundDuplicateRedelivery(t *testing.T) {
	f := newServiceFixture(&fakeBackend{
		statuses: []backend.JobStatus{{State: backend.JobCompleted}},
		answer:   "hi there",
	})

	in := inboundMessage()
	if _, err := f.svc.HandleInbound(context.Background(), in); err != nil {
		t.Fatalf("first delivery failed: %v", err)
	}

	_, err := f.svc.HandleInbound(context.Background(), in)
	if !errors.Is(err, ErrNoReply) {
		t.Fatalf("err = %v, want ErrNoReply", err)
	}

	// Still exactly one delivered reply and one job.
	if len(f.deliverer.delivered) != 1 {
		t.Fatalf("delivered = %v", f.deliverer.delivered)
	}
	if f.backend.started != 1 {
		t.Fatalf("started %d jobs for one message", f.backend.started)
	}
}

func TestHandleInboundResolvesCitation(t *testing.T) {
	f := newServiceFixture(&fakeBackend{
		statuses: []backend.JobStatus{{State: backend.JobCompleted}},
		answer:   "about that house: sold",
	})
	annotation := conv.Turn{
		ExternalID: "annotation-wamid.in",
		SessionID:  "5215550001",
		Speaker:    conv.SpeakerAnnotation,
		Body:       "The sender referenced a prior message...",
	}
	f.resolver.annotation = &annotation

	in := inboundMessage()
	in.CitedExternalID = "wamid.cited"
	if _, err := f.svc.HandleInbound(context.Background(), in); err != nil {
		t.Fatalf("handle failed: %v", err)
	}

	if f.resolver.calls != 1 || f.resolver.lastCited != "wamid.cited" {
		t.Fatalf("resolver calls = %d, cited = %q", f.resolver.calls, f.resolver.lastCited)
	}
	// The annotation reaches the transcript feed alongside the raw turns.
	var sawAnnotation bool
	for _, ev := range f.sink.events {
		if ev.Speaker == conv.SpeakerAnnotation {
			sawAnnotation = true
		}
	}
	if !sawAnnotation {
		t.Fatal("annotation never reached the sink")
	}
}

func TestHandleInboundResolverFailureDoesNotBlockReply(t *testing.T) {
	f := newServiceFixture(&fakeBackend{
		statuses: []backend.JobStatus{{State: backend.JobCompleted}},
		answer:   "still here",
	})
	f.resolver.err = errors.New("store unavailable")

	in := inboundMessage()
	in.CitedExternalID = "wamid.cited"
	reply, err := f.svc.HandleInbound(context.Background(), in)
	if err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if reply != "still here" {
		t.Fatalf("reply = %q", reply)
	}
}

func TestHandleInboundJobFailureSendsNotice(t *testing.T) {
	f := newServiceFixture(&fakeBackend{
		statuses: []backend.JobStatus{{State: backend.JobFailed, Diagnostic: "rate limited"}},
	})

	_, err := f.svc.HandleInbound(context.Background(), inboundMessage())
	var jobErr *JobFailedError
	if !errors.As(err, &jobErr) {
		t.Fatalf("err = %v, want JobFailedError", err)
	}

	// The user hears the generic notice, never the diagnostic.
	if len(f.deliverer.delivered) != 1 {
		t.Fatalf("delivered = %v", f.deliverer.delivered)
	}
	if f.deliverer.delivered[0] != FailureNotice {
		t.Fatalf("notice = %q", f.deliverer.delivered[0])
	}
	if strings.Contains(f.deliverer.delivered[0], "rate limited") {
		t.Fatal("diagnostic leaked to the user")
	}

	// No agent turn is recorded for a failed job.
	if agents := f.turns.bySpeaker(conv.SpeakerAgent); len(agents) != 0 {
		t.Fatalf("agent turns = %v", agents)
	}
}

func TestHandleInboundTimeoutSendsNotice(t *testing.T) {
	f := newServiceFixture(&fakeBackend{}) // forever active

	_, err := f.svc.HandleInbound(context.Background(), inboundMessage())
	if !errors.Is(err, ErrJobTimedOut) {
		t.Fatalf("err = %v, want ErrJobTimedOut", err)
	}
	if len(f.deliverer.delivered) != 1 || f.deliverer.delivered[0] != FailureNotice {
		t.Fatalf("delivered = %v", f.deliverer.delivered)
	}
}

func TestHandleInboundWindowFailureFallsBack(t *testing.T) {
	be := &fakeBackend{
		statuses: []backend.JobStatus{{State: backend.JobCompleted}},
		answer:   "fallback reply",
	}
	f := newServiceFixture(be)
	f.window.err = errors.New("query failed")

	reply, err := f.svc.HandleInbound(context.Background(), inboundMessage())
	if err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if reply != "fallback reply" {
		t.Fatalf("reply = %q", reply)
	}
	// The degraded window still carries the inbound message.
	if len(be.appended) != 1 || be.appended[0].Body != "hello" || be.appended[0].Role != conv.RoleRequester {
		t.Fatalf("appended = %v", be.appended)
	}
}

func TestHandleInboundDeliveryFailureStillPersists(t *testing.T) {
	f := newServiceFixture(&fakeBackend{
		statuses: []backend.JobStatus{{State: backend.JobCompleted}},
		answer:   "kept on record",
	})
	f.deliverer.err = errors.New("transport down")

	reply, err := f.svc.HandleInbound(context.Background(), inboundMessage())
	if err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if reply != "kept on record" {
		t.Fatalf("reply = %q", reply)
	}

	agents := f.turns.bySpeaker(conv.SpeakerAgent)
	if len(agents) != 1 || agents[0].Body != "kept on record" {
		t.Fatalf("agent turns = %v", agents)
	}
	if agents[0].ExternalID == "" {
		t.Fatal("undelivered reply must still get a synthetic id")
	}
}
