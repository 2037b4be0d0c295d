package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// Config aggregates every section of the relay's configuration.
type Config struct {
	Server    ServerConfig
	Store     StoreConfig
	Assistant AssistantConfig
	Ark       ArkConfig
	WhatsApp  WhatsAppConfig
	Relay     RelayConfig
	Tools     ToolsConfig
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}
	relay, err := loadRelayConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server: server,
		Store: StoreConfig{
			Path: getEnvOrDefault("DB_PATH", "./conversations.db"),
		},
		Assistant: AssistantConfig{
			APIKey:      strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
			AssistantID: strings.TrimSpace(os.Getenv("ASSISTANT_ID")),
			BaseURL:     getEnvOrDefault("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		},
		Ark: ArkConfig{
			APIKey:  strings.TrimSpace(os.Getenv("ARK_API_KEY")),
			Model:   strings.TrimSpace(os.Getenv("ARK_MODEL")),
			BaseURL: getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
			Region:  getEnvOrDefault("ARK_REGION", "cn-beijing"),
		},
		WhatsApp: WhatsAppConfig{
			Token:       strings.TrimSpace(os.Getenv("WHATSAPP_TOKEN")),
			PhoneID:     strings.TrimSpace(os.Getenv("WHATSAPP_PHONE_ID")),
			VerifyToken: strings.TrimSpace(os.Getenv("VERIFY_TOKEN")),
			BaseURL:     getEnvOrDefault("WHATSAPP_BASE_URL", "https://graph.facebook.com/v18.0"),
		},
		Relay: relay,
		Tools: ToolsConfig{
			PropertyAPIURL: strings.TrimSpace(os.Getenv("TOOLS_PROPERTY_API_URL")),
		},
	}, nil
}

// ServerConfig describes the HTTP listener.
type ServerConfig struct {
	Addr string
}

func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "3000"
	}
	if strings.Contains(port, ":") {
		// Accept ":3000" or "127.0.0.1:3000" directly.
		return ServerConfig{Addr: port}, nil
	}
	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}
	return ServerConfig{Addr: ":" + port}, nil
}

// StoreConfig locates the SQLite database.
type StoreConfig struct {
	Path string
}

// AssistantConfig holds the remote reasoning-service credentials.
type AssistantConfig struct {
	APIKey      string
	AssistantID string
	BaseURL     string
}

// Enabled reports whether the remote backend can be used.
func (c AssistantConfig) Enabled() bool {
	return c.APIKey != "" && c.AssistantID != ""
}

// ArkConfig holds credentials for the in-process fallback model.
type ArkConfig struct {
	APIKey  string
	Model   string
	BaseURL string
	Region  string
}

// Enabled reports whether the local fallback backend can be used.
func (c ArkConfig) Enabled() bool {
	return c.APIKey != "" && c.Model != ""
}

// NewChatModel builds the eino chat model from this configuration.
func (c ArkConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("ark credentials missing: provide ARK_API_KEY and ARK_MODEL")
	}
	return ark.NewChatModel(ctx, &ark.ChatModelConfig{
		BaseURL: c.BaseURL,
		Region:  c.Region,
		APIKey:  c.APIKey,
		Model:   c.Model,
	})
}

// WhatsAppConfig holds the outbound delivery credentials and the webhook
// verification token.
type WhatsAppConfig struct {
	Token       string
	PhoneID     string
	VerifyToken string
	BaseURL     string
}

// Enabled reports whether outbound delivery is configured.
func (c WhatsAppConfig) Enabled() bool {
	return c.Token != "" && c.PhoneID != ""
}

// RelayConfig carries every bounded retry/window policy. Nothing in the
// relay sleeps or retries on a constant that is not set here, so tests can
// inject zero-delay policies.
type RelayConfig struct {
	// Context window selection.
	WindowMaxRequesterTurns int
	WindowMaxAge            time.Duration

	// Quoted-reference resolution under replication lag.
	CitationRetries    int
	CitationRetryDelay time.Duration

	// Single-flight wait on a busy channel.
	BusyMaxChecks     int
	BusyCheckInterval time.Duration

	// Job polling.
	PollMaxAttempts int
	PollInterval    time.Duration

	// A binding untouched for this long is assumed abandoned (crash
	// mid-poll) and may be taken over.
	StaleJobAfter time.Duration
}

func loadRelayConfig() (RelayConfig, error) {
	cfg := RelayConfig{
		WindowMaxRequesterTurns: 30,
		WindowMaxAge:            6 * 30 * 24 * time.Hour,
		CitationRetries:         1,
		CitationRetryDelay:      300 * time.Millisecond,
		BusyMaxChecks:           20,
		BusyCheckInterval:       time.Second,
		PollMaxAttempts:         20,
		PollInterval:            750 * time.Millisecond,
		StaleJobAfter:           2 * time.Minute,
	}

	counts := []struct {
		key       string
		dst       *int
		allowZero bool
	}{
		{"RELAY_WINDOW_MAX_REQUESTER_TURNS", &cfg.WindowMaxRequesterTurns, false},
		{"RELAY_BUSY_MAX_CHECKS", &cfg.BusyMaxChecks, false},
		{"RELAY_POLL_MAX_ATTEMPTS", &cfg.PollMaxAttempts, false},
		{"RELAY_CITATION_RETRIES", &cfg.CitationRetries, true},
	}
	for _, o := range counts {
		v, err := parseOptionalIntEnv(o.key)
		if err != nil {
			return RelayConfig{}, err
		}
		if v == nil {
			continue
		}
		min := 1
		if o.allowZero {
			min = 0
		}
		if *v < min {
			return RelayConfig{}, fmt.Errorf("%s must be at least %d", o.key, min)
		}
		*o.dst = *v
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"RELAY_BUSY_CHECK_INTERVAL", &cfg.BusyCheckInterval},
		{"RELAY_POLL_INTERVAL", &cfg.PollInterval},
		{"RELAY_CITATION_RETRY_DELAY", &cfg.CitationRetryDelay},
		{"RELAY_WINDOW_MAX_AGE", &cfg.WindowMaxAge},
		{"RELAY_STALE_JOB_AFTER", &cfg.StaleJobAfter},
	}
	for _, o := range durations {
		raw := strings.TrimSpace(os.Getenv(o.key))
		if raw == "" {
			continue
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return RelayConfig{}, fmt.Errorf("invalid %s value %q: %w", o.key, raw, err)
		}
		*o.dst = d
	}

	return cfg, nil
}

// ToolsConfig configures the external data collaborators behind tools.
type ToolsConfig struct {
	PropertyAPIURL string
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}
	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}
	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
