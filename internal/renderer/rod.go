package renderer

import (
	"context"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"snapshot-renderer/internal/config"
)

// rodClient drives one headless Chrome process via Rod.
type rodClient struct {
	browser          *rod.Browser
	lnch             *launcher.Launcher
	pageCloseTimeout time.Duration
}

// RodLauncher returns a LaunchFunc that starts a local headless Chrome.
func RodLauncher(cfg config.Config) LaunchFunc {
	return func(ctx context.Context) (Client, error) {
		l := launcher.New().Headless(true)
		if cfg.BrowserPath != "" {
			l = l.Bin(cfg.BrowserPath)
		}
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("renderer: launch browser: %w", err)
		}

		b := rod.New().ControlURL(u)
		if err := b.Connect(); err != nil {
			l.Kill()
			return nil, fmt.Errorf("renderer: connect browser: %w", err)
		}

		return &rodClient{
			browser:          b,
			lnch:             l,
			pageCloseTimeout: cfg.PageCloseTimeout,
		}, nil
	}
}

func (c *rodClient) Ping(ctx context.Context) error {
	_, err := c.browser.Context(ctx).Version()
	return err
}

func (c *rodClient) Capture(ctx context.Context, doc string, opts CaptureOptions) ([]byte, error) {
	page, err := c.browser.Context(ctx).Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("renderer: create page: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), c.pageCloseTimeout)
		defer cancel()
		_ = page.Context(closeCtx).Close()
	}()

	// Captured pages must never execute arbitrary script during render.
	// Disabled before any content is loaded.
	if err := (proto.EmulationSetScriptExecutionDisabled{Value: true}).Call(page); err != nil {
		return nil, fmt.Errorf("renderer: disable scripting: %w", err)
	}

	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             opts.Width,
		Height:            opts.Height,
		DeviceScaleFactor: opts.ScaleFactor,
		Mobile:            false,
	}); err != nil {
		return nil, fmt.Errorf("renderer: set viewport: %w", err)
	}

	// Opaque background so transparency never leaks into the capture.
	alpha := 1.0
	_ = proto.EmulationSetDefaultBackgroundColorOverride{
		Color: &proto.DOMRGBA{R: 255, G: 255, B: 255, A: &alpha},
	}.Call(page)

	navCtx, cancel := context.WithTimeout(ctx, opts.NavigationTimeout)
	defer cancel()
	if err := page.Context(navCtx).SetDocumentContent(doc); err != nil {
		return nil, fmt.Errorf("renderer: set content: %w", err)
	}
	// Load, fonts, and images are best-effort with hard deadlines;
	// partial content is still useful evidence.
	_ = page.Context(navCtx).WaitLoad()
	waitFonts(page, opts.FontWaitTimeout)
	waitImages(page, opts.ImageWaitTimeout, opts.PerImageTimeout)

	// Fixed settle delay to absorb residual layout thrashing.
	select {
	case <-time.After(opts.SettleDelay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	shot, err := page.Context(ctx).Screenshot(true, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err != nil {
		return nil, fmt.Errorf("renderer: capture: %w", err)
	}
	return shot, nil
}

// waitFonts polls document.fonts until ready or the deadline passes.
func waitFonts(page *rod.Page, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		res, err := page.Eval(`() => !document.fonts || document.fonts.status === "loaded"`)
		if err != nil || res.Value.Bool() {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// waitImages polls until every <img> reached a loaded-or-errored terminal
// state (complete is true for both), the overall deadline passes, or the
// incomplete count stops shrinking for longer than the per-image timeout.
func waitImages(page *rod.Page, overall, perImage time.Duration) {
	deadline := time.Now().Add(overall)
	lastCount := -1
	lastChange := time.Now()

	for time.Now().Before(deadline) {
		res, err := page.Eval(`() => Array.from(document.images).filter(img => !img.complete).length`)
		if err != nil {
			return
		}
		remaining := res.Value.Int()
		if remaining == 0 {
			return
		}
		if remaining != lastCount {
			lastCount = remaining
			lastChange = time.Now()
		} else if time.Since(lastChange) > perImage {
			return
		}
		time.Sleep(250 * time.Millisecond)
	}
}

func (c *rodClient) Close(ctx context.Context) error {
	// Close open pages first, bounded per page.
	if pages, err := c.browser.Pages(); err == nil {
		for _, p := range pages {
			pageCtx, cancel := context.WithTimeout(ctx, c.pageCloseTimeout)
			_ = p.Context(pageCtx).Close()
			cancel()
		}
	}

	done := make(chan error, 1)
	go func() { done <- c.browser.Close() }()
	select {
	case err := <-done:
		if c.lnch != nil {
			c.lnch.Cleanup()
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *rodClient) Kill() {
	if c.lnch != nil {
		c.lnch.Kill()
		c.lnch.Cleanup()
	}
}
