package main

import (
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/planhub/collab/internal/auth"
	"github.com/planhub/collab/internal/history"
	"github.com/planhub/collab/internal/server"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, using environment variables")
	}
	setupLogger()

	cfg, err := server.LoadConfig()
	if err != nil {
		slog.Error("loading configuration", "error", err)
		os.Exit(1)
	}

	verifier, err := auth.NewJWTVerifier(auth.JWTConfig{
		Secret: cfg.JWTSecret,
		Issuer: cfg.JWTIssuer,
	})
	if err != nil {
		slog.Error("configuring auth verifier", "error", err)
		os.Exit(1)
	}

	var store history.Store
	if cfg.HistoryPath != "" {
		sqliteStore, err := history.OpenSQLite(cfg.HistoryPath)
		if err != nil {
			slog.Error("opening history store", "error", err)
			os.Exit(1)
		}
		defer func() { _ = sqliteStore.Close() }()
		store = sqliteStore
		slog.Info("using sqlite history store", "path", cfg.HistoryPath)
	} else {
		store = history.NewMemoryStore()
		slog.Warn("no history path configured; chat history will not survive restarts")
	}

	hub := server.NewHub(cfg, verifier, store, slog.Default())
	go hub.Run()

	httpServer := server.CreateServer(cfg.Addr, hub.Routes())
	go func() {
		slog.Info("collaboration server listening", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("server shutting down")
	_ = server.ShutdownServer(httpServer, cfg.ShutdownTimeout, slog.Default())
	if err := hub.Shutdown(cfg.ShutdownTimeout); err != nil {
		slog.Warn("hub shutdown incomplete", "error", err)
	}
}

func setupLogger() {
	level := slog.LevelInfo
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
}
