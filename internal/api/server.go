package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"snapshot-renderer/internal/config"
	"snapshot-renderer/internal/models"
	"snapshot-renderer/internal/queue"
	"snapshot-renderer/internal/ratelimit"
	"snapshot-renderer/internal/store"
	"snapshot-renderer/internal/telemetry"
)

// Store is the store surface the API reads and mutates.
type Store interface {
	CreateSnapshot(ctx context.Context, p store.CreateSnapshotParams) (models.Snapshot, error)
	GetSnapshot(ctx context.Context, id string) (models.Snapshot, bool, error)
	ListSnapshots(ctx context.Context, limit int) ([]models.Snapshot, error)
	GetScreenshot(ctx context.Context, id string) (models.Screenshot, bool, error)
	UpdateJobReference(ctx context.Context, id, jobID string) error
}

// Server wires HTTP handlers for snapshot submission and inspection.
type Server struct {
	cfg     config.Config
	store   Store
	queue   *queue.Queue
	limiter *ratelimit.Limiter
	ws      http.Handler
	log     *slog.Logger
}

// New constructs the API server. limiter and ws are optional.
func New(cfg config.Config, st Store, q *queue.Queue, limiter *ratelimit.Limiter, ws http.Handler) *Server {
	return &Server{
		cfg:     cfg,
		store:   st,
		queue:   q,
		limiter: limiter,
		ws:      ws,
		log:     slog.Default(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/snapshots", s.handleSubmit)
	r.Get("/snapshots", s.handleList)
	r.Get("/snapshots/{id}", s.handleGetSnapshot)
	r.Get("/snapshots/{id}/screenshot", s.handleGetScreenshot)
	r.Post("/snapshots/{id}/replay", s.handleReplay)

	r.Get("/queue/stats", s.handleQueueStats)
	r.Get("/queue/jobs", s.handleListJobs)
	r.Get("/queue/jobs/{id}", s.handleJobStatus)
	r.Post("/queue/cleanup", s.handleCleanup)

	if s.ws != nil {
		r.Get("/ws", s.ws.ServeHTTP)
	}
	return r
}

type submitRequest struct {
	URL            string `json:"url"`
	HTML           string `json:"html"`
	CSS            string `json:"css"`
	ViewportWidth  int    `json:"viewport_width"`
	ViewportHeight int    `json:"viewport_height"`
	Priority       int    `json:"priority"`
	DelaySeconds   int    `json:"delay_seconds"`
}

type submitResponse struct {
	Snapshot models.Snapshot `json:"snapshot"`
	JobID    string          `json:"job_id"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.HTML) == "" {
		http.Error(w, "html is required", http.StatusBadRequest)
		return
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), clientKey(r))
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	snap, err := s.store.CreateSnapshot(r.Context(), store.CreateSnapshotParams{
		URL:            req.URL,
		HTML:           req.HTML,
		CSS:            req.CSS,
		ViewportWidth:  req.ViewportWidth,
		ViewportHeight: req.ViewportHeight,
	})
	if err != nil {
		s.storeError(w, "create snapshot", err)
		return
	}

	jobID, err := s.queue.Enqueue(r.Context(), snap.ID, map[string]any{"url": req.URL}, queue.EnqueueOptions{
		Priority: req.Priority,
		Delay:    time.Duration(req.DelaySeconds) * time.Second,
	})
	if err != nil {
		// The snapshot row survives for later replay; the submission
		// itself must fail loudly rather than silently drop the render.
		if errors.Is(err, queue.ErrUnavailable) {
			http.Error(w, "queue unavailable", http.StatusServiceUnavailable)
			return
		}
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}

	if err := s.store.UpdateJobReference(r.Context(), snap.ID, jobID); err != nil {
		http.Error(w, "persist job reference failed", http.StatusInternalServerError)
		return
	}
	snap.QueueJobID = &jobID
	telemetry.SnapshotsSubmitted.Inc()

	writeJSON(w, http.StatusAccepted, submitResponse{Snapshot: snap, JobID: jobID})
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, found, err := s.store.GetSnapshot(r.Context(), id)
	if err != nil {
		s.storeError(w, "load snapshot", err)
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{"status": "not_found"})
		return
	}
	if snap.HTML == nil || strings.TrimSpace(*snap.HTML) == "" {
		http.Error(w, "snapshot content was cleared; cannot replay", http.StatusConflict)
		return
	}

	jobID, err := s.queue.Enqueue(r.Context(), snap.ID, map[string]any{"replay": true}, queue.EnqueueOptions{})
	if err != nil {
		if errors.Is(err, queue.ErrUnavailable) {
			http.Error(w, "queue unavailable", http.StatusServiceUnavailable)
			return
		}
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	if err := s.store.UpdateJobReference(r.Context(), snap.ID, jobID); err != nil {
		http.Error(w, "persist job reference failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"snapshot_id": snap.ID, "job_id": jobID})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	snaps, err := s.store.ListSnapshots(r.Context(), limit)
	if err != nil {
		s.storeError(w, "list snapshots", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshots": snaps, "count": len(snaps)})
}

func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, found, err := s.store.GetSnapshot(r.Context(), id)
	if err != nil {
		s.storeError(w, "load snapshot", err)
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{"status": "not_found"})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleGetScreenshot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	shot, found, err := s.store.GetScreenshot(r.Context(), id)
	if err != nil {
		s.storeError(w, "load screenshot", err)
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{"status": "not_found"})
		return
	}

	format := shot.Meta.Format
	if format == "" {
		format = "png"
	}
	w.Header().Set("Content-Type", "image/"+format)
	w.Header().Set("Content-Length", strconv.Itoa(len(shot.Bytes)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(shot.Bytes)
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.queue.Counts(r.Context())
	if err != nil {
		http.Error(w, "queue unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.ParseInt(r.URL.Query().Get("limit"), 10, 64)
	lists, err := s.queue.ListJobs(r.Context(), limit)
	if err != nil {
		http.Error(w, "queue unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, lists)
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, found, err := s.queue.JobStatus(r.Context(), id)
	if err != nil {
		http.Error(w, "queue unavailable", http.StatusServiceUnavailable)
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{"status": "not_found"})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.Cleanup(r.Context(), s.cfg.JobRetentionMaxAge); err != nil {
		http.Error(w, "cleanup failed", http.StatusInternalServerError)
		return
	}
	counts, err := s.queue.Counts(r.Context())
	if err != nil {
		http.Error(w, "queue unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

// storeError logs the failure detail and answers with a generic body;
// internal error text never crosses the HTTP boundary.
func (s *Server) storeError(w http.ResponseWriter, op string, err error) {
	s.log.Error("api: store operation failed", "op", op, "error", err)
	http.Error(w, "storage error", http.StatusInternalServerError)
}

// clientKey identifies the submitting client for rate limiting.
func clientKey(r *http.Request) string {
	if v := r.Header.Get("X-Forwarded-For"); v != "" {
		return strings.TrimSpace(strings.Split(v, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
