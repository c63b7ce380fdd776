// Package server assembles the store, relay hub and HTTP router from
// configuration. Both the standalone binary and the serverless entry
// point build through it.
package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"

	"zenchat/assistant"
	"zenchat/auth"
	"zenchat/config"
	"zenchat/database"
	"zenchat/directory"
	"zenchat/handlers"
	"zenchat/logging"
	"zenchat/middleware"
	"zenchat/relay"
)

// App is a fully wired server
type App struct {
	Config  *config.Config
	Store   database.Store
	Tokens  *auth.Tokens
	Hub     *relay.Hub
	Handler http.Handler
}

// New opens the configured store and wires everything on top of it.
// The hub is returned unstarted; callers run Hub.RunWithContext.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	secret := cfg.Auth.TokenSecret
	if secret == "" {
		var err error
		if secret, err = randomSecret(); err != nil {
			return nil, err
		}
		logging.Warn().Msg("⚠️  auth.token_secret not set, using an ephemeral secret; sessions will not survive a restart")
	}
	tokens, err := auth.NewTokens(secret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	if err != nil {
		return nil, err
	}

	store, err := database.Open(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	opts := relay.Options{
		Relay:       cfg.Relay,
		Tokens:      tokens,
		AssistantID: cfg.Assistant.ContactID,
		Persona:     cfg.Assistant.Persona,
		Origins:     cfg.Server.CORSOrigins,
	}
	if cfg.Assistant.Enabled {
		gemini := assistant.NewGemini(cfg.Assistant.Endpoint, cfg.Assistant.APIKey, cfg.Assistant.Model, cfg.Assistant.Persona, cfg.Assistant.Timeout)
		opts.Assistant = assistant.NewResilient(gemini, cfg.Assistant.BreakerThreshold, cfg.Assistant.BreakerTimeout, cfg.Assistant.Timeout)
		logging.Info().Str("model", cfg.Assistant.Model).Msg("🤖 Assistant contact enabled")
	}
	hub := relay.NewHub(store, directory.NewMemory(), opts)

	h := handlers.New(store, tokens, hub, hub, cfg)
	router := handlers.NewRouter(handlers.RouterDeps{
		Handler: h,
		Auth:    middleware.NewAuthenticator(store, tokens),
		Relay:   hub,
	})

	return &App{
		Config:  cfg,
		Store:   store,
		Tokens:  tokens,
		Hub:     hub,
		Handler: router,
	}, nil
}

// HTTPServer returns an *http.Server for the app's handler
func (a *App) HTTPServer() *http.Server {
	return &http.Server{
		Addr:         a.Config.Server.Addr(),
		Handler:      a.Handler,
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
	}
}

func (a *App) Close() error {
	return a.Store.Close()
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}
