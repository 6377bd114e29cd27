package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"snapshot-renderer/internal/config"
	"snapshot-renderer/internal/models"
	"snapshot-renderer/internal/queue"
	"snapshot-renderer/internal/ratelimit"
	"snapshot-renderer/internal/store"
)

type memStore struct {
	snaps     map[string]models.Snapshot
	shots     map[string]models.Screenshot
	nextID    int
	jobRefs   map[string]string
	createErr error
	getErr    error
}

func newMemStore() *memStore {
	return &memStore{
		snaps:   map[string]models.Snapshot{},
		shots:   map[string]models.Screenshot{},
		jobRefs: map[string]string{},
	}
}

func (m *memStore) CreateSnapshot(_ context.Context, p store.CreateSnapshotParams) (models.Snapshot, error) {
	if m.createErr != nil {
		return models.Snapshot{}, m.createErr
	}
	m.nextID++
	html := p.HTML
	css := p.CSS
	snap := models.Snapshot{
		ID:             fmt.Sprintf("snap-%d", m.nextID),
		URL:            p.URL,
		HTML:           &html,
		CSS:            &css,
		ViewportWidth:  p.ViewportWidth,
		ViewportHeight: p.ViewportHeight,
		Status:         models.StatusPending,
		CreatedAt:      time.Now().UTC(),
	}
	m.snaps[snap.ID] = snap
	return snap, nil
}

func (m *memStore) GetSnapshot(_ context.Context, id string) (models.Snapshot, bool, error) {
	if m.getErr != nil {
		return models.Snapshot{}, false, m.getErr
	}
	snap, ok := m.snaps[id]
	return snap, ok, nil
}

func (m *memStore) ListSnapshots(_ context.Context, limit int) ([]models.Snapshot, error) {
	if limit <= 0 {
		limit = 50
	}
	out := make([]models.Snapshot, 0, len(m.snaps))
	for _, snap := range m.snaps {
		if len(out) == limit {
			break
		}
		out = append(out, snap)
	}
	return out, nil
}

func (m *memStore) GetScreenshot(_ context.Context, id string) (models.Screenshot, bool, error) {
	shot, ok := m.shots[id]
	return shot, ok, nil
}

func (m *memStore) UpdateJobReference(_ context.Context, id, jobID string) error {
	m.jobRefs[id] = jobID
	return nil
}

func newTestServer(t *testing.T, limiter *ratelimit.Limiter) (*httptest.Server, *memStore, *queue.Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg := config.Config{RedisAddr: mr.Addr(), JobRetentionMaxAge: 24 * time.Hour}
	q := queue.New(cfg)
	st := newMemStore()
	srv := httptest.NewServer(New(cfg, st, q, limiter, nil).Router())
	t.Cleanup(srv.Close)
	return srv, st, q, mr
}

func postJSON(t *testing.T, url string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func TestSubmitCreatesSnapshotAndJob(t *testing.T) {
	srv, st, q, _ := newTestServer(t, nil)

	resp := postJSON(t, srv.URL+"/snapshots", submitRequest{
		URL:  "https://example.com",
		HTML: "<html><body><h1>Hi</h1></body></html>",
		CSS:  "h1 { color: red; }",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status: %d", resp.StatusCode)
	}

	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.JobID == "" || out.Snapshot.ID == "" {
		t.Fatalf("incomplete response: %+v", out)
	}
	if st.jobRefs[out.Snapshot.ID] != out.JobID {
		t.Fatal("job reference not persisted on the snapshot")
	}

	counts, err := q.Counts(context.Background())
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Waiting != 1 {
		t.Fatalf("expected one waiting job, got %+v", counts)
	}
}

func TestSubmitRequiresHTML(t *testing.T) {
	srv, _, _, _ := newTestServer(t, nil)

	resp := postJSON(t, srv.URL+"/snapshots", submitRequest{URL: "https://example.com"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status: %d", resp.StatusCode)
	}
}

func TestSubmitQueueOutageSurfacesAsUnavailable(t *testing.T) {
	srv, st, _, mr := newTestServer(t, nil)
	mr.Close()

	resp := postJSON(t, srv.URL+"/snapshots", submitRequest{HTML: "<p>x</p>"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	// The snapshot row remains for a later replay.
	if len(st.snaps) != 1 {
		t.Fatalf("expected snapshot to survive the outage, have %d", len(st.snaps))
	}
}

func TestSubmitRateLimited(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.Config{RedisAddr: mr.Addr()}
	q := queue.New(cfg)
	limiter := ratelimit.NewLimiter(redis.NewClient(&redis.Options{Addr: mr.Addr()}), 1, 0.001, time.Minute)
	srv := httptest.NewServer(New(cfg, newMemStore(), q, limiter, nil).Router())
	defer srv.Close()

	first := postJSON(t, srv.URL+"/snapshots", submitRequest{HTML: "<p>x</p>"})
	first.Body.Close()
	if first.StatusCode != http.StatusAccepted {
		t.Fatalf("first submission: %d", first.StatusCode)
	}
	second := postJSON(t, srv.URL+"/snapshots", submitRequest{HTML: "<p>x</p>"})
	second.Body.Close()
	if second.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second submission: %d", second.StatusCode)
	}
}

func TestStoreFailureDetailStaysInternal(t *testing.T) {
	srv, st, _, _ := newTestServer(t, nil)
	st.createErr = errors.New("pgx: connect to host db-internal.local failed")
	st.getErr = st.createErr

	resp := postJSON(t, srv.URL+"/snapshots", submitRequest{HTML: "<p>x</p>"})
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	if strings.Contains(string(body), "db-internal") {
		t.Fatalf("store error detail leaked to client: %q", body)
	}

	getResp, err := http.Get(srv.URL + "/snapshots/snap-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ = io.ReadAll(getResp.Body)
	getResp.Body.Close()
	if getResp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("get status: %d", getResp.StatusCode)
	}
	if strings.Contains(string(body), "db-internal") {
		t.Fatalf("store error detail leaked to client: %q", body)
	}
}

func TestReplayEnqueuesNewJob(t *testing.T) {
	srv, st, q, _ := newTestServer(t, nil)

	html := "<p>x</p>"
	st.snaps["snap-1"] = models.Snapshot{ID: "snap-1", HTML: &html, Status: models.StatusFailed}

	resp := postJSON(t, srv.URL+"/snapshots/snap-1/replay", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status: %d", resp.StatusCode)
	}

	counts, _ := q.Counts(context.Background())
	if counts.Waiting != 1 {
		t.Fatalf("replay did not enqueue: %+v", counts)
	}
	if st.jobRefs["snap-1"] == "" {
		t.Fatal("replay job reference not persisted")
	}
}

func TestReplayMissingSnapshot(t *testing.T) {
	srv, _, _, _ := newTestServer(t, nil)

	resp := postJSON(t, srv.URL+"/snapshots/nope/replay", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status: %d", resp.StatusCode)
	}
}

func TestReplayRejectedAfterContentCleared(t *testing.T) {
	srv, st, _, _ := newTestServer(t, nil)
	st.snaps["snap-1"] = models.Snapshot{ID: "snap-1", Status: models.StatusCompleted}

	resp := postJSON(t, srv.URL+"/snapshots/snap-1/replay", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status: %d", resp.StatusCode)
	}
}

func TestGetScreenshotServesBytes(t *testing.T) {
	srv, st, _, _ := newTestServer(t, nil)
	st.shots["snap-1"] = models.Screenshot{
		Bytes: []byte("png-bytes"),
		Meta:  models.ScreenshotMeta{Format: "png"},
	}

	resp, err := http.Get(srv.URL + "/snapshots/snap-1/screenshot")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Fatalf("content type: %q", ct)
	}
}

func TestGetScreenshotMissing(t *testing.T) {
	srv, _, _, _ := newTestServer(t, nil)

	resp, err := http.Get(srv.URL + "/snapshots/nope/screenshot")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status: %d", resp.StatusCode)
	}
}

func TestQueueStatsAndJobStatus(t *testing.T) {
	srv, _, q, _ := newTestServer(t, nil)

	jobID, err := q.Enqueue(context.Background(), "snap-1", nil, queue.EnqueueOptions{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	resp, err := http.Get(srv.URL + "/queue/stats")
	if err != nil {
		t.Fatalf("get stats: %v", err)
	}
	defer resp.Body.Close()
	var counts models.JobCounts
	if err := json.NewDecoder(resp.Body).Decode(&counts); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if counts.Waiting != 1 || counts.Total != 1 {
		t.Fatalf("unexpected counts: %+v", counts)
	}

	jresp, err := http.Get(srv.URL + "/queue/jobs/" + jobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	defer jresp.Body.Close()
	var rec models.JobRecord
	if err := json.NewDecoder(jresp.Body).Decode(&rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.ID != jobID || rec.State != models.JobStateWaiting {
		t.Fatalf("unexpected record: %+v", rec)
	}

	missing, err := http.Get(srv.URL + "/queue/jobs/unknown")
	if err != nil {
		t.Fatalf("get missing job: %v", err)
	}
	defer missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("missing job status: %d", missing.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(missing.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "not_found" {
		t.Fatalf("unexpected miss body: %v", body)
	}
}

func TestListSnapshots(t *testing.T) {
	srv, st, _, _ := newTestServer(t, nil)
	st.snaps["snap-1"] = models.Snapshot{ID: "snap-1", Status: models.StatusPending}
	st.snaps["snap-2"] = models.Snapshot{ID: "snap-2", Status: models.StatusCompleted}

	resp, err := http.Get(srv.URL + "/snapshots")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var out struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Count != 2 {
		t.Fatalf("expected 2 snapshots, got %d", out.Count)
	}
}
