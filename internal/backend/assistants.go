package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/dinurba/conversa/backend/internal/model/conv"
)

// AssistantsConfig configures the remote assistants-style reasoning service.
type AssistantsConfig struct {
	APIKey      string
	AssistantID string
	BaseURL     string
	Timeout     time.Duration
}

// Enabled reports whether the required credentials are present.
func (c AssistantsConfig) Enabled() bool {
	return c.APIKey != "" && c.AssistantID != ""
}

// AssistantsClient implements Backend against an OpenAI-Assistants-v2-shaped
// HTTP API: channels are threads, jobs are runs.
type AssistantsClient struct {
	cfg    AssistantsConfig
	client *http.Client
}

// NewAssistantsClient builds the remote backend client.
func NewAssistantsClient(cfg AssistantsConfig) *AssistantsClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &AssistantsClient{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

func (a *AssistantsClient) CreateChannel(ctx context.Context) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	if err := a.do(ctx, http.MethodPost, "/threads", map[string]any{}, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (a *AssistantsClient) AppendToChannel(ctx context.Context, channel string, role conv.Role, text string) error {
	body := map[string]any{"role": string(role), "content": text}
	return a.do(ctx, http.MethodPost, "/threads/"+channel+"/messages", body, nil)
}

func (a *AssistantsClient) StartJob(ctx context.Context, channel string) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	body := map[string]any{"assistant_id": a.cfg.AssistantID}
	if err := a.do(ctx, http.MethodPost, "/threads/"+channel+"/runs", body, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

type runResponse struct {
	Status    string `json:"status"`
	LastError *struct {
		Message string `json:"message"`
	} `json:"last_error"`
	RequiredAction *struct {
		SubmitToolOutputs struct {
			ToolCalls []struct {
				ID       string `json:"id"`
				Function struct {
					Name      string          `json:"name"`
					Arguments json.RawMessage `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"submit_tool_outputs"`
	} `json:"required_action"`
}

func (a *AssistantsClient) JobStatus(ctx context.Context, channel, jobID string) (JobStatus, error) {
	var resp runResponse
	if err := a.do(ctx, http.MethodGet, "/threads/"+channel+"/runs/"+jobID, nil, &resp); err != nil {
		return JobStatus{}, err
	}

	switch resp.Status {
	case "queued":
		return JobStatus{State: JobPending}, nil
	case "in_progress", "cancelling":
		return JobStatus{State: JobActive}, nil
	case "requires_action":
		status := JobStatus{State: JobAwaitingTool}
		if resp.RequiredAction != nil {
			for _, tc := range resp.RequiredAction.SubmitToolOutputs.ToolCalls {
				status.ToolCalls = append(status.ToolCalls, ToolCall{
					CallID:    tc.ID,
					Name:      tc.Function.Name,
					Arguments: unquoteArguments(tc.Function.Arguments),
				})
			}
		}
		return status, nil
	case "completed":
		return JobStatus{State: JobCompleted}, nil
	default:
		// failed, cancelled, expired, incomplete
		diag := resp.Status
		if resp.LastError != nil && resp.LastError.Message != "" {
			diag = resp.LastError.Message
		}
		return JobStatus{State: JobFailed, Diagnostic: diag}, nil
	}
}

func (a *AssistantsClient) SubmitToolOutputs(ctx context.Context, channel, jobID string, outputs []ToolOutput) error {
	type out struct {
		ToolCallID string `json:"tool_call_id"`
		Output     string `json:"output"`
	}
	payload := struct {
		ToolOutputs []out `json:"tool_outputs"`
	}{}
	for _, o := range outputs {
		payload.ToolOutputs = append(payload.ToolOutputs, out{ToolCallID: o.CallID, Output: o.Output})
	}
	return a.do(ctx, http.MethodPost, "/threads/"+channel+"/runs/"+jobID+"/submit_tool_outputs", payload, nil)
}

func (a *AssistantsClient) LatestAnswer(ctx context.Context, channel string) (string, error) {
	var resp struct {
		Data []struct {
			Role    string `json:"role"`
			Content []struct {
				Type string `json:"type"`
				Text struct {
					Value string `json:"value"`
				} `json:"text"`
			} `json:"content"`
		} `json:"data"`
	}
	if err := a.do(ctx, http.MethodGet, "/threads/"+channel+"/messages?limit=1&order=desc", nil, &resp); err != nil {
		return "", err
	}
	for _, msg := range resp.Data {
		for _, part := range msg.Content {
			if part.Type == "text" && part.Text.Value != "" {
				return part.Text.Value, nil
			}
		}
	}
	return "", pkgerrors.New("channel has no text answer")
}

func (a *AssistantsClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return pkgerrors.Wrap(err, "encode request")
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.cfg.BaseURL+path, reader)
	if err != nil {
		return pkgerrors.Wrap(err, "build request")
	}
	req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("OpenAI-Beta", "assistants=v2")

	resp, err := a.client.Do(req)
	if err != nil {
		return pkgerrors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return pkgerrors.Wrap(err, "read response")
	}
	if resp.StatusCode >= 300 {
		return pkgerrors.Errorf("%s %s: %s", method, path, apiErrorMessage(resp.StatusCode, data))
	}
	if out == nil {
		return nil
	}
	return pkgerrors.Wrap(json.Unmarshal(data, out), "decode response")
}

// unquoteArguments normalizes tool-call arguments to a JSON object. The API
// delivers them as a JSON string containing JSON.
func unquoteArguments(raw json.RawMessage) json.RawMessage {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return json.RawMessage(s)
	}
	return raw
}

// apiErrorMessage extracts the service's error message when present.
func apiErrorMessage(status int, data []byte) string {
	var payload struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &payload); err == nil && payload.Error.Message != "" {
		return payload.Error.Message
	}
	return fmt.Sprintf("unexpected status %d", status)
}
