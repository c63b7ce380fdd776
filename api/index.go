package handler

import (
	"context"
	"net/http"
	"sync"

	"zenchat/config"
	"zenchat/logging"
	"zenchat/server"
)

var (
	once    sync.Once
	app     *server.App
	initErr error
)

func setup() {
	cfg, _, err := config.Load()
	if err != nil {
		initErr = err
		return
	}
	app, initErr = server.New(context.Background(), cfg)
	if initErr != nil {
		return
	}
	// The hub lives as long as the function instance.
	go func() { _ = app.Hub.RunWithContext(context.Background()) }()
}

// Handler is the serverless function entry point for Vercel
func Handler(w http.ResponseWriter, r *http.Request) {
	once.Do(setup)
	if initErr != nil {
		logging.Error().Err(initErr).Msg("Serverless setup failed")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"server unavailable","code":"INTERNAL"}`))
		return
	}
	app.Handler.ServeHTTP(w, r)
}
