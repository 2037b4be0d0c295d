package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/dinurba/conversa/backend/internal/service/relay"
)

type fakeRelay struct {
	inbound chan relay.Inbound
	reply   string
	err     error
}

func (f *fakeRelay) HandleInbound(_ context.Context, in relay.Inbound) (string, error) {
	if f.inbound != nil {
		f.inbound <- in
	}
	return f.reply, f.err
}

func newTestServer(svc RelayService) *httptest.Server {
	r := chi.NewRouter()
	New(svc, "secret-token", zerolog.Nop()).RegisterRoutes(r)
	return httptest.NewServer(r)
}

func TestVerifyHandshake(t *testing.T) {
	srv := newTestServer(&fakeRelay{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/webhook?hub.mode=subscribe&hub.verify_token=secret-token&hub.challenge=12345")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "12345" {
		t.Fatalf("challenge echo = %q", body)
	}
}

func TestVerifyHandshakeWrongToken(t *testing.T) {
	srv := newTestServer(&fakeRelay{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/webhook?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=12345")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

const textMessagePayload = `{
	"object": "whatsapp_business_account",
	"entry": [{"changes": [{"value": {"messages": [{
		"id": "wamid.ABC",
		"from": "5215550001234",
		"timestamp": "1772452800",
		"text": {"body": "hola"},
		"context": {"id": "wamid.PREV"}
	}]}}]}]
}`

func TestInboundAcksAndForwards(t *testing.T) {
	fake := &fakeRelay{inbound: make(chan relay.Inbound, 1), reply: "ok"}
	srv := newTestServer(fake)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/webhook", "application/json", strings.NewReader(textMessagePayload))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, the transport must always get 200 for known payloads", resp.StatusCode)
	}

	select {
	case in := <-fake.inbound:
		if in.SessionID != "525550001234" {
			t.Fatalf("session = %q, want the normalized number", in.SessionID)
		}
		if in.ExternalID != "wamid.ABC" || in.Body != "hola" {
			t.Fatalf("inbound = %+v", in)
		}
		if in.CitedExternalID != "wamid.PREV" {
			t.Fatalf("cited id = %q", in.CitedExternalID)
		}
		if in.Timestamp.IsZero() {
			t.Fatal("timestamp not parsed")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("inbound never reached the relay")
	}
}

func TestInboundUnknownObject(t *testing.T) {
	srv := newTestServer(&fakeRelay{})
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/webhook", "application/json", strings.NewReader(`{"entry":[]}`))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestParseEnvelopeStatusUpdate(t *testing.T) {
	// Delivery receipts carry no messages array and must be ignored.
	var env envelope
	payload := `{"object":"whatsapp_business_account","entry":[{"changes":[{"value":{}}]}]}`
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if _, ok := parseEnvelope(env); ok {
		t.Fatal("status update parsed as a message")
	}
}

func TestParseEnvelopeNonTextMessage(t *testing.T) {
	var env envelope
	payload := `{"object":"whatsapp_business_account","entry":[{"changes":[{"value":{"messages":[{"id":"wamid.IMG","from":"5215550001234"}]}}]}]}`
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if _, ok := parseEnvelope(env); ok {
		t.Fatal("non-text message parsed as a text turn")
	}
}

func TestNormalizeNumber(t *testing.T) {
	cases := map[string]string{
		"5215550001234": "525550001234",
		"525550001234":  "525550001234",
		"14155550100":   "14155550100",
	}
	for raw, want := range cases {
		if got := normalizeNumber(raw); got != want {
			t.Fatalf("normalizeNumber(%q) = %q, want %q", raw, got, want)
		}
	}
}
