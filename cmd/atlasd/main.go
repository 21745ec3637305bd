package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"atlasd/internal/atlascli"
	"atlasd/internal/command"
	"atlasd/internal/config"
	"atlasd/internal/controlapi"
	"atlasd/internal/dispatch"
	"atlasd/internal/lifecycle"
	"atlasd/internal/logging"
	"atlasd/internal/review"
	"atlasd/internal/scheduler"
	"atlasd/internal/secretbox"
	"atlasd/internal/store"
)

const dbFileName = "atlasd.db"

func main() {
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := command.BuildApp(command.Deps{
		LoadConfig:   config.Load,
		RunServe:     runServe,
		RunMigrateUp: runMigrateUp,
	})
	if err := app.RunContext(rootCtx, os.Args); err != nil {
		logging.NewLogger(logging.Options{Level: "error", Writer: os.Stderr, Component: "atlasd"}).
			Error("atlasd failed", "err", err)
		os.Exit(1)
	}
}

// runMigrateUp opens the store, which syncs the schema, and closes it.
func runMigrateUp(_ context.Context, cfg config.Config) error {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return err
	}
	st, err := store.Open(filepath.Join(cfg.DataDir, dbFileName), cfg.AdminIDs)
	if err != nil {
		return err
	}
	return st.Close()
}

func runServe(ctx context.Context, cfg config.Config) error {
	logger := logging.NewLogger(logging.Options{Level: cfg.LogLevel, Writer: os.Stderr, Component: "atlasd"})

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return err
	}
	codec, err := secretbox.New(cfg.EncryptionKey)
	if err != nil {
		return err
	}
	if cfg.EncryptionKey == "" {
		logger.Warn("no encryption key configured; stored credentials will not survive a restart")
	}

	st, err := store.Open(filepath.Join(cfg.DataDir, dbFileName), cfg.AdminIDs)
	if err != nil {
		return err
	}

	provider := atlascli.NewProvider(cfg.AtlasBinary, logger.With("module", "atlascli"))
	oracle := review.NewOpenAIOracle(review.OracleConfig{
		BaseURL: cfg.OpenAIEndpoint,
		Model:   cfg.OpenAIModel,
		APIKey:  cfg.OpenAIAPIKey,
	})
	reviewer := review.NewReviewer(oracle, logger.With("module", "review"))

	hub := controlapi.NewHub()
	sched := scheduler.New(scheduler.Deps{
		Store:    st,
		Provider: provider,
		Reviewer: reviewer,
		Codec:    codec,
		Sink:     hub,
		Logger:   logger.With("module", "scheduler"),
		Interval: cfg.SyncInterval,
		DataDir:  cfg.DataDir,
	})
	dispatcher := dispatch.New(dispatch.Deps{
		Store:             st,
		Loops:             sched,
		Codec:             codec,
		Sink:              hub,
		Logger:            logger.With("module", "dispatch"),
		SyncInterval:      cfg.SyncInterval,
		MaxGamesPerServer: cfg.MaxGamesPerServer,
	})
	api := controlapi.NewServer(controlapi.Deps{
		Commands: dispatcher,
		Hub:      hub,
		Logger:   logger.With("module", "controlapi"),
	})

	addr := fmt.Sprintf("%s:%d", cfg.ListenHost, cfg.ListenPort)
	httpServer := &http.Server{Addr: addr, Handler: api.Handler()}

	mgr := lifecycle.NewManager()
	mgr.AddRun("sync-loops", sched.Run)
	mgr.AddRun("http-server", func(runCtx context.Context) error {
		go func() {
			<-runCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = httpServer.Shutdown(shutdownCtx)
		}()
		logger.Info("control API listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	mgr.AddShutdown("http-server-shutdown", func(context.Context) error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	mgr.AddShutdown("close-store", func(context.Context) error {
		return st.Close()
	})

	return mgr.StartAndWait(ctx)
}
