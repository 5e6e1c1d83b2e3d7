package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/steadyhand/internal/config"
	"github.com/xkilldash9x/steadyhand/internal/contract"
	"github.com/xkilldash9x/steadyhand/internal/controller"
	cdpdriver "github.com/xkilldash9x/steadyhand/internal/driver/cdp"
	"github.com/xkilldash9x/steadyhand/internal/observability"
	"github.com/xkilldash9x/steadyhand/internal/perception"

	"github.com/xkilldash9x/steadyhand/api/schemas"
)

// session bundles everything a command needs to drive one surface.
type session struct {
	engine  *contract.Engine
	driver  *cdpdriver.Driver
	cleanup func()
}

// openSession launches the browser, opens one surface, wires the perception
// backend when a key is configured, and assembles the contract engine.
func openSession(ctx context.Context, url string) (*session, error) {
	logger := observability.GetLogger()

	cfg, err := config.NewConfigFromViper(viper.GetViper())
	if err != nil {
		return nil, err
	}

	browser, err := cdpdriver.Launch(ctx, logger, cfg.Browser)
	if err != nil {
		return nil, err
	}

	driver, closeSurface, err := browser.OpenSurface(ctx)
	if err != nil {
		browser.Shutdown(ctx)
		return nil, err
	}

	cleanup := func() {
		closeSurface()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		browser.Shutdown(shutdownCtx)
	}

	// Perception is optional. Without a key the engine is structural-only
	// and perceptual fallbacks report target-not-found.
	var backend schemas.PerceptionBackend
	if cfg.Perception.APIKey != "" {
		gemini, err := perception.NewGeminiBackend(ctx, logger, cfg.Perception)
		if err != nil {
			cleanup()
			return nil, err
		}
		backend = gemini
	} else {
		logger.Warn("No perception API key configured; running structural-only.")
	}

	manager := contract.NewManager(logger, contract.SurfaceConfig{
		Engine: contract.Config{
			StepTimeout: cfg.Engine.StepTimeout,
			Retry: schemas.RetryPolicy{
				MaxAttempts: cfg.Engine.MaxAttempts,
				Backoff:     cfg.Engine.RetryBackoff,
			},
			MinConfidence:         cfg.Engine.MinConfidence,
			LoopWindow:            cfg.Tracker.LoopWindow,
			LoopRecoveryThreshold: cfg.Engine.LoopRecoveryThreshold,
		},
		Controller: controller.Config{
			StructuralTimeout:   cfg.Controller.StructuralTimeout,
			MinLocateConfidence: cfg.Controller.MinLocateConfidence,
			OverlaySelectors:    cfg.Controller.OverlaySelectors,
		},
		GateThreshold:   cfg.Gate.Threshold,
		GateGridSize:    cfg.Gate.GridSize,
		GatePixelDelta:  cfg.Gate.PixelDelta,
		HistoryCapacity: cfg.Tracker.HistoryCapacity,
	})

	engine, err := manager.Attach(url, driver, backend, driver.Input())
	if err != nil {
		cleanup()
		return nil, err
	}

	navCtx, cancelNav := context.WithTimeout(ctx, cfg.Browser.NavigationTimeout)
	defer cancelNav()
	if err := driver.Navigate(navCtx, url); err != nil {
		cleanup()
		return nil, fmt.Errorf("navigation failed: %w", err)
	}
	logger.Info("Surface ready.", zap.String("url", url))

	return &session{engine: engine, driver: driver, cleanup: cleanup}, nil
}
