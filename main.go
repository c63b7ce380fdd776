package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"zenchat/config"
	"zenchat/logging"
	"zenchat/server"
	"zenchat/supervisor"
)

func main() {
	cfg, dotenv, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Invalid configuration")
	}
	logging.Init(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Caller:    cfg.Logging.Caller,
		Timestamp: true,
		Output:    os.Stderr,
	})
	if !dotenv {
		logging.Info().Msg("⚠️  No .env file found, using environment variables")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := server.New(ctx, cfg)
	if err != nil {
		logging.Fatal().Err(err).Msg("Server setup failed")
	}
	defer func() {
		if err := app.Close(); err != nil {
			logging.Error().Err(err).Msg("Failed to close store")
		}
	}()

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.TreeConfig{
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})
	tree.AddMessagingService(supervisor.NewHubService(app.Hub))
	tree.AddAPIService(supervisor.NewHTTPServerService(app.HTTPServer(), cfg.Server.ShutdownTimeout))

	logging.Info().Msgf("🚀 ZenChat server starting on http://%s", cfg.Server.Addr())
	logging.Info().Msgf("📡 Relay listening on ws://%s/ws", cfg.Server.Addr())
	logging.Info().Str("driver", cfg.Store.Driver).Msg("✅ Using local store for accounts and conversations")

	if err := tree.Serve(ctx); err != nil && ctx.Err() == nil {
		logging.Error().Err(err).Msg("Supervisor stopped")
	}
	logging.Info().Msg("👋 Server stopped")
}
