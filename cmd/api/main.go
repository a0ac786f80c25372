package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"doodler/internal/comfy"
	"doodler/internal/engine"
	"doodler/internal/http/handlers"
	httpapi "doodler/internal/http/httpapi"
	"doodler/internal/infra"
	"doodler/internal/task"
	"doodler/internal/workflow"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	graph, err := workflow.Load(cfg.WorkflowPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load workflow graph")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// One long-lived event channel to the backend, shared by every job.
	gateway, err := comfy.Dial(ctx, comfy.Options{
		Host:     cfg.ComfyUIHost,
		ClientID: uuid.NewString(),
		Logger:   &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect rendering backend")
	}
	defer gateway.Close()

	registry := task.NewRegistry(
		task.WithRetention(cfg.TaskRetention),
		task.WithSweepInterval(cfg.SweepInterval),
	)
	go registry.StartSweeper(ctx)

	eng := engine.New(engine.Options{
		Gateway:    gateway,
		Registry:   registry,
		Graph:      graph,
		OutputNode: cfg.OutputNodeID,
		Timeout:    cfg.GenerationTimeout,
		Logger:     logger,
	})

	app := handlers.NewApp(registry, eng, logger)
	router := httpapi.NewRouter(app, cfg)
	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}
