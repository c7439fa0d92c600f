package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"nutbolt/internal/config"
	"nutbolt/internal/logger"
	"nutbolt/internal/route"
	"nutbolt/internal/service"
	"nutbolt/internal/service/ai"
	"nutbolt/internal/service/websocket"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

type App struct {
	config          *config.Config
	logger          *logger.Logger
	detectorService *ai.DetectorService
	hubService      *websocket.HubService
	manager         *service.Manager
}

// NewApp loads the configuration and builds every service. A missing model
// does not fail startup; the detector reports itself as not loaded.
func NewApp() (*App, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log := logger.NewLogger(cfg)
	detector := ai.NewDetectorService(cfg, log)
	hub := websocket.NewHubService(log)
	mng := service.NewManager(detector, hub, cfg, log)

	return &App{
		config:          cfg,
		logger:          log,
		detectorService: detector,
		hubService:      hub,
		manager:         mng,
	}, nil
}

// Run serves HTTP until ctx is cancelled, then shuts the server down
// gracefully.
func (a *App) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.config.Port),
		Handler:           route.SetupRoutes(a.manager, a.config, a.logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.logger.Info("🔩 Nut & Bolt Detection Server")
	a.logger.Info("📍 URL: http://localhost:%d", a.config.Port)
	a.logger.Info("🤖 AI Model: %s (loaded: %t)", a.config.ModelPath, a.detectorService.Loaded())
	a.logger.Info("🏷️  Classes: %v", a.config.ClassNames)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.hubService.Run(ctx)
	})

	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		a.logger.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Close releases the manager, its detector and the log files.
func (a *App) Close() error {
	return multierr.Combine(a.manager.Close(), a.logger.Close())
}
