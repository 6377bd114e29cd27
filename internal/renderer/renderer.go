// Package renderer turns captured DOM/CSS snapshots into raster
// screenshots using a pool of long-lived headless browser processes.
package renderer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	"snapshot-renderer/internal/config"
)

// ErrNoContent reports a snapshot with no HTML to render. No image is
// produced for empty content.
var ErrNoContent = errors.New("snapshot has no HTML content")

// RenderRequest carries one snapshot's captured content and viewport.
type RenderRequest struct {
	HTML   string
	CSS    string
	Width  int
	Height int
}

// RenderResult is the captured image plus companion metadata.
type RenderResult struct {
	Image   []byte
	Format  string
	Width   int
	Height  int
	Size    int64
	TakenAt time.Time
	Method  string
}

// Renderer reconstructs a snapshot's document and captures it on an
// acquired pool instance.
type Renderer struct {
	cfg config.Config
	log *slog.Logger
}

func NewRenderer(cfg config.Config, log *slog.Logger) *Renderer {
	if log == nil {
		log = slog.Default()
	}
	return &Renderer{cfg: cfg, log: log}
}

// Render produces a full-page screenshot of the snapshot at its exact
// captured viewport.
func (r *Renderer) Render(ctx context.Context, inst *Instance, req RenderRequest) (RenderResult, error) {
	if strings.TrimSpace(req.HTML) == "" {
		return RenderResult{}, ErrNoContent
	}

	width := req.Width
	if width <= 0 {
		width = r.cfg.DefaultViewportW
	}
	height := req.Height
	if height <= 0 {
		height = r.cfg.DefaultViewportH
	}

	doc := BuildDocument(req.HTML, req.CSS, width, height)

	img, err := inst.Capture(ctx, doc, CaptureOptions{
		Width:             width,
		Height:            height,
		ScaleFactor:       r.cfg.DeviceScaleFactor,
		NavigationTimeout: r.cfg.NavigationTimeout,
		FontWaitTimeout:   r.cfg.FontWaitTimeout,
		PerImageTimeout:   r.cfg.PerImageTimeout,
		ImageWaitTimeout:  r.cfg.ImageWaitTimeout,
		SettleDelay:       r.cfg.SettleDelay,
	})
	if err != nil {
		return RenderResult{}, err
	}

	decoded, err := imaging.Decode(bytes.NewReader(img))
	if err != nil {
		return RenderResult{}, fmt.Errorf("renderer: decode capture: %w", err)
	}
	bounds := decoded.Bounds()

	r.log.Debug("renderer: captured",
		"viewport_width", width, "viewport_height", height,
		"image_width", bounds.Dx(), "image_height", bounds.Dy(),
		"bytes", len(img))

	return RenderResult{
		Image:   img,
		Format:  "png",
		Width:   bounds.Dx(),
		Height:  bounds.Dy(),
		Size:    int64(len(img)),
		TakenAt: time.Now().UTC(),
		Method:  "headless-browser",
	}, nil
}
