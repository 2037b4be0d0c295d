package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/dinurba/conversa/backend/internal/backend"
	"github.com/dinurba/conversa/backend/internal/config"
	"github.com/dinurba/conversa/backend/internal/handler"
	"github.com/dinurba/conversa/backend/internal/handler/stream"
	"github.com/dinurba/conversa/backend/internal/service/citation"
	"github.com/dinurba/conversa/backend/internal/service/relay"
	"github.com/dinurba/conversa/backend/internal/service/tools"
	"github.com/dinurba/conversa/backend/internal/service/window"
	"github.com/dinurba/conversa/backend/internal/store"
	"github.com/dinurba/conversa/backend/internal/transport/whatsapp"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := zerolog.New(os.Stderr).With().Timestamp().Logger()

	// Load .env file; absence is fine in deployed environments.
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("no .env file, using system environment only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Store.Path).Msg("failed to open store")
	}
	defer st.Close()

	jobBackend, err := selectBackend(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("no reasoning backend available")
	}

	var deliverer relay.Deliverer = relay.NoopDeliverer{}
	if cfg.WhatsApp.Enabled() {
		deliverer = whatsapp.NewClient(cfg.WhatsApp, log)
		log.Info().Msg("outbound delivery enabled")
	} else {
		log.Info().Msg("outbound delivery not configured, replies travel on the API response only")
	}

	dispatcher := tools.NewDispatcher(deliverer, log)
	if cfg.Tools.PropertyAPIURL != "" {
		dispatcher.Register(tools.PropertyLookupName, tools.NewPropertyLookup(cfg.Tools.PropertyAPIURL))
		log.Info().Msg("property lookup tool registered")
	}

	resolver := citation.NewResolver(st, citation.Policy{
		Retries: cfg.Relay.CitationRetries,
		Delay:   cfg.Relay.CitationRetryDelay,
	}, log)
	builder := window.NewBuilder(st, window.Policy{
		MaxRequesterTurns: cfg.Relay.WindowMaxRequesterTurns,
		MaxAge:            cfg.Relay.WindowMaxAge,
	})
	orchestrator := relay.NewOrchestrator(st, jobBackend, dispatcher, relay.Policy{
		BusyMaxChecks:     cfg.Relay.BusyMaxChecks,
		BusyCheckInterval: cfg.Relay.BusyCheckInterval,
		PollMaxAttempts:   cfg.Relay.PollMaxAttempts,
		PollInterval:      cfg.Relay.PollInterval,
		StaleJobAfter:     cfg.Relay.StaleJobAfter,
	}, log)

	hub := stream.NewHub(log)
	relaySvc := relay.NewService(st, resolver, builder, orchestrator, deliverer, hub, log)

	router := handler.NewRouter(relaySvc, st, hub, cfg.WhatsApp.VerifyToken, log)

	startServer(ctx, cfg.Server, router, log)
}

// selectBackend prefers the remote reasoning service and falls back to the
// in-process model when only Ark credentials are present.
func selectBackend(ctx context.Context, cfg *config.Config, log zerolog.Logger) (backend.Backend, error) {
	if cfg.Assistant.Enabled() {
		log.Info().Msg("using remote assistants backend")
		return backend.NewAssistantsClient(backend.AssistantsConfig{
			APIKey:      cfg.Assistant.APIKey,
			AssistantID: cfg.Assistant.AssistantID,
			BaseURL:     cfg.Assistant.BaseURL,
		}), nil
	}
	if cfg.Ark.Enabled() {
		chatModel, err := cfg.Ark.NewChatModel(ctx)
		if err != nil {
			return nil, err
		}
		log.Info().Msg("using in-process ark backend")
		return backend.NewLocalBackend(chatModel, 0, log), nil
	}
	return nil, errors.New("provide OPENAI_API_KEY and ASSISTANT_ID, or ARK_API_KEY and ARK_MODEL")
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler, log zerolog.Logger) {
	srv := &http.Server{
		Addr:              serverCfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Info().Str("addr", serverCfg.Addr).Msg("relay listening")
	if err := runServer(ctx, srv); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
