package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"snapshot-renderer/internal/models"
)

// Store wraps pgxpool for Postgres persistence of snapshots.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// NewSnapshotID builds a time-prefixed id with a random suffix so ids
// sort roughly by submission time while staying collision-safe.
func NewSnapshotID() string {
	suffix := strings.SplitN(uuid.NewString(), "-", 2)[0]
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), suffix)
}

// CreateSnapshotParams collects inputs required to insert a snapshot.
type CreateSnapshotParams struct {
	URL            string
	HTML           string
	CSS            string
	ViewportWidth  int
	ViewportHeight int
}

// CreateSnapshot inserts a pending snapshot row and returns it.
func (s *Store) CreateSnapshot(ctx context.Context, p CreateSnapshotParams) (models.Snapshot, error) {
	if p.ViewportWidth <= 0 {
		p.ViewportWidth = 1920
	}
	if p.ViewportHeight <= 0 {
		p.ViewportHeight = 1080
	}

	id := NewSnapshotID()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO snapshots (id, url, html, css, viewport_width, viewport_height, processing_status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	`, id, p.URL, p.HTML, p.CSS, p.ViewportWidth, p.ViewportHeight, models.StatusPending, now)
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("insert snapshot: %w", err)
	}

	html := p.HTML
	css := p.CSS
	return models.Snapshot{
		ID:             id,
		URL:            p.URL,
		HTML:           &html,
		CSS:            &css,
		ViewportWidth:  p.ViewportWidth,
		ViewportHeight: p.ViewportHeight,
		Status:         models.StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// GetSnapshot fetches a snapshot by id, without the screenshot bytes.
// A missing row is reported via the found flag, not as an error.
func (s *Store) GetSnapshot(ctx context.Context, id string) (models.Snapshot, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, url, html, css, viewport_width, viewport_height, processing_status, queue_job_id,
		       screenshot_format, screenshot_width, screenshot_height, screenshot_size, screenshot_taken_at, screenshot_method,
		       created_at, updated_at, processed_at
		FROM snapshots WHERE id = $1
	`, id)

	snap, err := scanSnapshot(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Snapshot{}, false, nil
	}
	if err != nil {
		return models.Snapshot{}, false, err
	}
	return snap, true, nil
}

// ListSnapshots returns the most recent snapshots, metadata only.
func (s *Store) ListSnapshots(ctx context.Context, limit int) ([]models.Snapshot, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, url, html, css, viewport_width, viewport_height, processing_status, queue_job_id,
		       screenshot_format, screenshot_width, screenshot_height, screenshot_size, screenshot_taken_at, screenshot_method,
		       created_at, updated_at, processed_at
		FROM snapshots ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var out []models.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		// Listings carry metadata only.
		snap.HTML = nil
		snap.CSS = nil
		out = append(out, snap)
	}
	return out, rows.Err()
}

// UpdateStatus sets processing_status and, when provided, processed_at.
func (s *Store) UpdateStatus(ctx context.Context, id, status string, processedAt *time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE snapshots SET processing_status = $2, processed_at = COALESCE($3, processed_at), updated_at = NOW()
		WHERE id = $1
	`, id, status, processedAt)
	return err
}

// UpdateJobReference points the snapshot at its most recent queue job.
// Overwritten on replay.
func (s *Store) UpdateJobReference(ctx context.Context, id, jobID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE snapshots SET queue_job_id = $2, updated_at = NOW() WHERE id = $1
	`, id, jobID)
	return err
}

// ClearContent drops the captured HTML/CSS to reclaim storage. This is an
// irreversible trade of replay capability for space.
func (s *Store) ClearContent(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE snapshots SET html = NULL, css = NULL, updated_at = NOW() WHERE id = $1
	`, id)
	return err
}

// SaveScreenshot stores the rendered image bytes and companion metadata.
func (s *Store) SaveScreenshot(ctx context.Context, id string, img []byte, meta models.ScreenshotMeta) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE snapshots
		SET screenshot = $2, screenshot_format = $3, screenshot_width = $4, screenshot_height = $5,
		    screenshot_size = $6, screenshot_taken_at = $7, screenshot_method = $8, updated_at = NOW()
		WHERE id = $1
	`, id, img, meta.Format, meta.Width, meta.Height, meta.Size, meta.TakenAt, meta.Method)
	return err
}

// GetScreenshot fetches the stored image bytes plus metadata. A snapshot
// with no screenshot yet reports found=false.
func (s *Store) GetScreenshot(ctx context.Context, id string) (models.Screenshot, bool, error) {
	var (
		img     []byte
		format  pgtype.Text
		width   pgtype.Int4
		height  pgtype.Int4
		size    pgtype.Int8
		takenAt pgtype.Timestamptz
		method  pgtype.Text
	)
	err := s.pool.QueryRow(ctx, `
		SELECT screenshot, screenshot_format, screenshot_width, screenshot_height, screenshot_size, screenshot_taken_at, screenshot_method
		FROM snapshots WHERE id = $1
	`, id).Scan(&img, &format, &width, &height, &size, &takenAt, &method)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Screenshot{}, false, nil
	}
	if err != nil {
		return models.Screenshot{}, false, fmt.Errorf("query screenshot: %w", err)
	}
	if len(img) == 0 {
		return models.Screenshot{}, false, nil
	}

	shot := models.Screenshot{
		Bytes: img,
		Meta: models.ScreenshotMeta{
			Format: format.String,
			Width:  int(width.Int32),
			Height: int(height.Int32),
			Size:   size.Int64,
			Method: method.String,
		},
	}
	if takenAt.Valid {
		shot.Meta.TakenAt = takenAt.Time
	}
	return shot, true, nil
}

func scanSnapshot(row pgx.Row) (models.Snapshot, error) {
	var (
		snap        models.Snapshot
		html        pgtype.Text
		css         pgtype.Text
		jobID       pgtype.Text
		format      pgtype.Text
		width       pgtype.Int4
		height      pgtype.Int4
		size        pgtype.Int8
		takenAt     pgtype.Timestamptz
		method      pgtype.Text
		processedAt pgtype.Timestamptz
	)

	err := row.Scan(&snap.ID, &snap.URL, &html, &css, &snap.ViewportWidth, &snap.ViewportHeight, &snap.Status, &jobID,
		&format, &width, &height, &size, &takenAt, &method,
		&snap.CreatedAt, &snap.UpdatedAt, &processedAt)
	if err != nil {
		return models.Snapshot{}, err
	}

	snap.HTML = textPtr(html)
	snap.CSS = textPtr(css)
	snap.QueueJobID = textPtr(jobID)
	if processedAt.Valid {
		t := processedAt.Time
		snap.ProcessedAt = &t
	}
	if format.Valid {
		meta := models.ScreenshotMeta{
			Format: format.String,
			Width:  int(width.Int32),
			Height: int(height.Int32),
			Size:   size.Int64,
			Method: method.String,
		}
		if takenAt.Valid {
			meta.TakenAt = takenAt.Time
		}
		snap.Screenshot = &meta
	}
	return snap, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
