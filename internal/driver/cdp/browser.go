package cdp

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/steadyhand/internal/config"
)

// Browser handles the lifecycle of the headless browser process. All
// surface sessions derive from its allocator context.
type Browser struct {
	logger *zap.Logger
	cfg    config.BrowserConfig

	allocatorCtx    context.Context
	allocatorCancel context.CancelFunc

	// wg tracks open surfaces for a graceful shutdown.
	wg sync.WaitGroup
}

// Launch starts the browser process and verifies it is responsive.
func Launch(ctx context.Context, logger *zap.Logger, cfg config.BrowserConfig) (*Browser, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Browser{
		logger: logger.Named("browser"),
		cfg:    cfg,
	}

	allocCtx, cancel := chromedp.NewExecAllocator(ctx, b.buildAllocatorOptions()...)
	b.allocatorCtx = allocCtx
	b.allocatorCancel = cancel

	// Confirm the browser starts and responds before handing it out.
	testCtx, cancelTest := context.WithTimeout(allocCtx, 30*time.Second)
	testCtx, cancelTestCtx := chromedp.NewContext(testCtx)
	defer cancelTestCtx()
	defer cancelTest()

	if err := chromedp.Run(testCtx, chromedp.Navigate("about:blank")); err != nil {
		b.allocatorCancel()
		return nil, fmt.Errorf("browser failed to start or respond: %w", err)
	}

	b.logger.Info("Browser launched successfully and is responsive.")
	return b, nil
}

func (b *Browser) buildAllocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)

	opts = append(opts,
		chromedp.Flag("headless", b.cfg.Headless),
		chromedp.Flag("ignore-certificate-errors", b.cfg.IgnoreTLSErrors),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-gpu", b.cfg.Headless),
		chromedp.WindowSize(b.cfg.ViewportWidth, b.cfg.ViewportHeight),
	)

	// Custom arguments from configuration.
	for _, arg := range b.cfg.Args {
		parts := strings.SplitN(arg, "=", 2)
		flagName := strings.TrimPrefix(parts[0], "--")
		if len(parts) == 2 {
			opts = append(opts, chromedp.Flag(flagName, parts[1]))
		} else {
			opts = append(opts, chromedp.Flag(flagName, true))
		}
	}

	// Flags required for running inside containers.
	if runtime.GOOS == "linux" {
		opts = append(opts,
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
			chromedp.Flag("disable-setuid-sandbox", true),
		)
	}

	return opts
}

// OpenSurface creates a new isolated tab and returns a driver bound to it.
// Close the returned func when the surface is done.
func (b *Browser) OpenSurface(ctx context.Context) (*Driver, func(), error) {
	sessionCtx, cancelSession := chromedp.NewContext(b.allocatorCtx)

	// Materialize the tab now so failures surface here, not on first use.
	if err := chromedp.Run(sessionCtx, chromedp.Navigate("about:blank")); err != nil {
		cancelSession()
		return nil, nil, fmt.Errorf("opening surface: %w", err)
	}

	b.wg.Add(1)
	var once sync.Once
	closeFn := func() {
		once.Do(func() {
			cancelSession()
			b.wg.Done()
		})
	}
	return NewDriver(b.logger, sessionCtx), closeFn, nil
}

// Shutdown waits for open surfaces to close, bounded by ctx, then
// terminates the browser process.
func (b *Browser) Shutdown(ctx context.Context) error {
	b.logger.Info("Browser shutdown initiated. Waiting for open surfaces...")

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.logger.Info("All surfaces closed.")
	case <-ctx.Done():
		b.logger.Warn("Shutdown deadline exceeded. Forcing browser termination.", zap.Error(ctx.Err()))
	}

	if b.allocatorCancel != nil {
		b.allocatorCancel()
		<-b.allocatorCtx.Done()
	}
	return nil
}
