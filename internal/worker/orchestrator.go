package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"snapshot-renderer/internal/config"
	"snapshot-renderer/internal/models"
	"snapshot-renderer/internal/renderer"
)

// ErrSnapshotMissing reports a job whose snapshot id has no store record.
// The condition cannot self-heal; the queue's generic retry policy still
// applies mechanically.
var ErrSnapshotMissing = errors.New("snapshot not found")

// SnapshotStore is the subset of the store the pipeline reads and mutates.
// Nothing below the orchestrator touches the status field.
type SnapshotStore interface {
	GetSnapshot(ctx context.Context, id string) (models.Snapshot, bool, error)
	UpdateStatus(ctx context.Context, id, status string, processedAt *time.Time) error
	SaveScreenshot(ctx context.Context, id string, img []byte, meta models.ScreenshotMeta) error
	ClearContent(ctx context.Context, id string) error
}

// RenderPool hands out exclusive renderer instances.
type RenderPool interface {
	Acquire(ctx context.Context) (*renderer.Instance, error)
	Release(inst *renderer.Instance)
}

// ScreenshotRenderer rasterizes a snapshot on an acquired instance.
type ScreenshotRenderer interface {
	Render(ctx context.Context, inst *renderer.Instance, req renderer.RenderRequest) (renderer.RenderResult, error)
}

// Archiver exports a finished screenshot outside the store. Optional and
// best-effort.
type Archiver interface {
	Store(ctx context.Context, snapshotID string, img []byte, format string) (string, error)
}

// ProgressFunc reports coarse progress milestones for a job.
type ProgressFunc func(ctx context.Context, jobID string, progress int)

// Orchestrator drives one job through the processing state machine:
// pending -> processing -> completed, or processing -> failed on any
// render/store error. It is the single place that translates errors into
// store status transitions.
type Orchestrator struct {
	cfg      config.Config
	store    SnapshotStore
	pool     RenderPool
	renderer ScreenshotRenderer
	archiver Archiver
	progress ProgressFunc
	log      *slog.Logger
}

func NewOrchestrator(cfg config.Config, store SnapshotStore, pool RenderPool, r ScreenshotRenderer, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{cfg: cfg, store: store, pool: pool, renderer: r, log: log}
}

// SetArchiver enables post-success screenshot export.
func (o *Orchestrator) SetArchiver(a Archiver) { o.archiver = a }

// SetProgressReporter wires milestone reporting back to the queue.
func (o *Orchestrator) SetProgressReporter(fn ProgressFunc) { o.progress = fn }

// Process handles one render job. The job payload is never trusted as the
// source of truth: the snapshot is always re-read from the store. On
// failure the snapshot is marked failed best-effort and the original
// error propagates so the queue's retry policy governs re-attempts.
func (o *Orchestrator) Process(ctx context.Context, job models.JobRecord) error {
	snapshotID := job.Data.SnapshotID
	if snapshotID == "" {
		return errors.New("job payload missing snapshot id")
	}

	o.report(ctx, job.ID, 10)
	snap, found, err := o.store.GetSnapshot(ctx, snapshotID)
	if err != nil {
		return fmt.Errorf("load snapshot %s: %w", snapshotID, err)
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrSnapshotMissing, snapshotID)
	}

	// Replay of a terminal snapshot re-enters at processing and
	// overwrites the prior outcome.
	if err := o.store.UpdateStatus(ctx, snapshotID, models.StatusProcessing, nil); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	o.report(ctx, job.ID, 25)

	inst, err := o.pool.Acquire(ctx)
	if err != nil {
		return o.fail(ctx, snapshotID, fmt.Errorf("acquire renderer: %w", err))
	}
	defer o.pool.Release(inst)

	res, err := o.renderer.Render(ctx, inst, renderer.RenderRequest{
		HTML:   deref(snap.HTML),
		CSS:    deref(snap.CSS),
		Width:  snap.ViewportWidth,
		Height: snap.ViewportHeight,
	})
	if err != nil {
		return o.fail(ctx, snapshotID, err)
	}
	o.report(ctx, job.ID, 70)

	meta := models.ScreenshotMeta{
		Format:  res.Format,
		Width:   res.Width,
		Height:  res.Height,
		Size:    res.Size,
		TakenAt: res.TakenAt,
		Method:  res.Method,
	}
	if err := o.store.SaveScreenshot(ctx, snapshotID, res.Image, meta); err != nil {
		return o.fail(ctx, snapshotID, fmt.Errorf("save screenshot: %w", err))
	}
	o.report(ctx, job.ID, 90)

	// Post-success side effects. The screenshot is the success
	// criterion; these never fail the job.
	if o.cfg.ClearContentAfterRender {
		if err := o.store.ClearContent(ctx, snapshotID); err != nil {
			o.log.Warn("orchestrator: content cleanup failed", "snapshot", snapshotID, "error", err)
		}
	}
	if o.archiver != nil {
		if _, err := o.archiver.Store(ctx, snapshotID, res.Image, res.Format); err != nil {
			o.log.Warn("orchestrator: archive export failed", "snapshot", snapshotID, "error", err)
		}
	}

	now := time.Now().UTC()
	if err := o.store.UpdateStatus(ctx, snapshotID, models.StatusCompleted, &now); err != nil {
		return o.fail(ctx, snapshotID, fmt.Errorf("mark completed: %w", err))
	}
	o.report(ctx, job.ID, 100)

	o.log.Info("orchestrator: snapshot rendered",
		"snapshot", snapshotID, "job", job.ID,
		"width", res.Width, "height", res.Height, "bytes", res.Size)
	return nil
}

// fail transitions the snapshot to failed best-effort and returns the
// original error unchanged for the queue's retry handling.
func (o *Orchestrator) fail(ctx context.Context, snapshotID string, cause error) error {
	if err := o.store.UpdateStatus(ctx, snapshotID, models.StatusFailed, nil); err != nil {
		o.log.Error("orchestrator: failed-status write failed", "snapshot", snapshotID, "error", err)
	}
	return cause
}

func (o *Orchestrator) report(ctx context.Context, jobID string, progress int) {
	if o.progress != nil {
		o.progress(ctx, jobID, progress)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
