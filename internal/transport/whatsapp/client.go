// Package whatsapp implements the outbound delivery collaborator against the
// WhatsApp Cloud API.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/dinurba/conversa/backend/internal/config"
)

// Client sends messages to a session's phone number and returns the
// provider-assigned message id.
type Client struct {
	cfg    config.WhatsAppConfig
	client *http.Client
	log    zerolog.Logger
}

// NewClient builds the delivery client.
func NewClient(cfg config.WhatsAppConfig, log zerolog.Logger) *Client {
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: 15 * time.Second},
		log:    log,
	}
}

// Deliver sends text to the session (the session id is the phone number).
func (c *Client) Deliver(ctx context.Context, sessionID, text string) (string, error) {
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                sessionID,
		"text":              map[string]string{"body": "💬 " + text},
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return "", pkgerrors.Wrap(err, "encode message")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/"+c.cfg.PhoneID+"/messages", bytes.NewReader(buf))
	if err != nil {
		return "", pkgerrors.Wrap(err, "build request")
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", pkgerrors.Wrap(err, "send message")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", pkgerrors.Wrap(err, "read response")
	}
	if resp.StatusCode >= 300 {
		return "", pkgerrors.Errorf("delivery returned status %d: %s", resp.StatusCode, data)
	}

	var decoded struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		return "", pkgerrors.Wrap(err, "decode response")
	}
	if len(decoded.Messages) == 0 {
		return "", nil
	}
	return decoded.Messages[0].ID, nil
}
