package models

import (
	"time"
)

// ProcessingStatus enumerates snapshot lifecycle states persisted in Postgres.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Snapshot is a captured page's markup and styles plus render metadata.
// HTML and CSS may be cleared after a successful render when content
// cleanup is enabled, so both are nullable.
type Snapshot struct {
	ID             string          `json:"id"`
	URL            string          `json:"url,omitempty"`
	HTML           *string         `json:"html,omitempty"`
	CSS            *string         `json:"css,omitempty"`
	ViewportWidth  int             `json:"viewport_width"`
	ViewportHeight int             `json:"viewport_height"`
	Status         string          `json:"processing_status"`
	QueueJobID     *string         `json:"queue_job_id,omitempty"`
	Screenshot     *ScreenshotMeta `json:"screenshot,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	ProcessedAt    *time.Time      `json:"processed_at,omitempty"`
}

// ScreenshotMeta describes a stored screenshot without its bytes.
type ScreenshotMeta struct {
	Format  string    `json:"format"`
	Width   int       `json:"width"`
	Height  int       `json:"height"`
	Size    int64     `json:"size"`
	TakenAt time.Time `json:"taken_at"`
	Method  string    `json:"method"`
}

// Screenshot carries image bytes plus metadata for retrieval.
type Screenshot struct {
	Bytes []byte         `json:"-"`
	Meta  ScreenshotMeta `json:"meta"`
}

// JobState enumerates queue-side job states.
const (
	JobStateWaiting   = "waiting"
	JobStateActive    = "active"
	JobStateCompleted = "completed"
	JobStateFailed    = "failed"
	JobStateDelayed   = "delayed"
)

// JobData is the queue payload. SnapshotID is the only authoritative
// field; Metadata is denormalized context for observability and the
// worker always re-reads the snapshot from the store.
type JobData struct {
	SnapshotID string         `json:"snapshot_id"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// JobRecord is the stable serializable view of a queued job.
type JobRecord struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Data         JobData `json:"data"`
	State        string  `json:"state"`
	Progress     int     `json:"progress"`
	AttemptsMade int     `json:"attempts_made"`
	Timestamp    int64   `json:"timestamp"`
	ProcessedOn  int64   `json:"processed_on,omitempty"`
	FinishedOn   int64   `json:"finished_on,omitempty"`
	FailedReason string  `json:"failed_reason,omitempty"`
}

// JobCounts aggregates queue depth per state.
type JobCounts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
	Total     int64 `json:"total"`
}

// JobLists holds per-state job listings, each capped by the request limit.
type JobLists struct {
	Waiting   []JobRecord `json:"waiting"`
	Active    []JobRecord `json:"active"`
	Completed []JobRecord `json:"completed"`
	Failed    []JobRecord `json:"failed"`
	Delayed   []JobRecord `json:"delayed"`
}
