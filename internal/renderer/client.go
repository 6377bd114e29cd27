package renderer

import (
	"context"
	"time"
)

// CaptureOptions parameterize one screenshot capture.
type CaptureOptions struct {
	Width             int
	Height            int
	ScaleFactor       float64
	NavigationTimeout time.Duration
	FontWaitTimeout   time.Duration
	PerImageTimeout   time.Duration
	ImageWaitTimeout  time.Duration
	SettleDelay       time.Duration
}

// Client is one headless browser process. The pool owns client lifecycle;
// the renderer only drives Capture on an acquired instance.
type Client interface {
	// Ping is a lightweight liveness probe.
	Ping(ctx context.Context) error
	// Capture loads the reconstructed document with scripting disabled,
	// waits for visual stabilization, and returns full-page PNG bytes.
	Capture(ctx context.Context, doc string, opts CaptureOptions) ([]byte, error)
	// Close shuts the browser down gracefully: pages first, then the
	// process itself.
	Close(ctx context.Context) error
	// Kill force-terminates the browser process when Close times out.
	Kill()
}

// LaunchFunc starts a fresh browser client. The pool calls it at
// initialization and whenever an unhealthy slot is replaced.
type LaunchFunc func(ctx context.Context) (Client, error)
