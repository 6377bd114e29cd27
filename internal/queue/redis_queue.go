package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"snapshot-renderer/internal/config"
	"snapshot-renderer/internal/models"
)

// ErrUnavailable reports that the queue backend could not be reached.
// Submission paths must surface this distinctly and never drop the job.
var ErrUnavailable = errors.New("queue unavailable")

// Queue coordinates waiting, delayed, and in-flight render jobs in Redis.
// Waiting jobs live in a sorted set ordered by priority then submission
// sequence; delayed jobs in a run-at-scored set; in-flight jobs in a
// lease-deadline-scored set. Completed and failed jobs are kept as capped
// lists so queue bookkeeping stays bounded regardless of history size.
type Queue struct {
	client        *redis.Client
	waitingKey    string
	scheduledKey  string
	activeKey     string
	completedKey  string
	failedKey     string
	jobKeyPrefix  string
	seqKey        string
	visibilityTTL time.Duration
	completedCap  int64
	failedCap     int64
}

// New builds a queue client from config.
func New(cfg config.Config) *Queue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 2 * time.Minute
	}
	completedCap := cfg.CompletedRetention
	if completedCap <= 0 {
		completedCap = 100
	}
	failedCap := cfg.FailedRetention
	if failedCap <= 0 {
		failedCap = 50
	}
	return &Queue{
		client:        client,
		waitingKey:    "renderq:waiting",
		scheduledKey:  "renderq:scheduled",
		activeKey:     "renderq:active",
		completedKey:  "renderq:completed",
		failedKey:     "renderq:failed",
		jobKeyPrefix:  "renderq:job:",
		seqKey:        "renderq:seq",
		visibilityTTL: visibility,
		completedCap:  completedCap,
		failedCap:     failedCap,
	}
}

func (q *Queue) jobKey(jobID string) string {
	return q.jobKeyPrefix + jobID
}

// EnqueueOptions tune placement of a new job.
type EnqueueOptions struct {
	Priority int
	Delay    time.Duration
}

// Enqueue creates a render job for the snapshot and places it in the
// waiting set (or the scheduled set when delayed). Duplicate snapshot ids
// are permitted and create independent jobs; replay depends on that.
func (q *Queue) Enqueue(ctx context.Context, snapshotID string, metadata map[string]any, opts EnqueueOptions) (string, error) {
	if snapshotID == "" {
		return "", errors.New("snapshot id is required")
	}

	jobID := uuid.New().String()
	data, err := json.Marshal(models.JobData{SnapshotID: snapshotID, Metadata: metadata})
	if err != nil {
		return "", fmt.Errorf("marshal job data: %w", err)
	}

	seq, err := q.client.Incr(ctx, q.seqKey).Result()
	if err != nil {
		return "", errors.Join(ErrUnavailable, err)
	}

	now := time.Now()
	state := models.JobStateWaiting
	if opts.Delay > 0 {
		state = models.JobStateDelayed
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.jobKey(jobID),
		"id", jobID,
		"name", "generate-screenshot",
		"data", string(data),
		"state", state,
		"progress", 0,
		"attemptsMade", 0,
		"priority", opts.Priority,
		"timestamp", now.UnixMilli(),
	)
	if opts.Delay > 0 {
		pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(now.Add(opts.Delay).UnixMilli()), Member: jobID})
	} else {
		pipe.ZAdd(ctx, q.waitingKey, redis.Z{Score: waitingScore(opts.Priority, seq), Member: jobID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", errors.Join(ErrUnavailable, err)
	}
	return jobID, nil
}

// waitingScore orders the waiting set by descending priority, FIFO within
// a priority. Sequence numbers stay well under the 2^53 float mantissa.
func waitingScore(priority int, seq int64) float64 {
	return float64(-priority)*1e12 + float64(seq)
}

// DequeueLease pops the best waiting job and places it into the active set
// with a visibility deadline. Returns "" when nothing is waiting.
func (q *Queue) DequeueLease(ctx context.Context) (string, error) {
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{q.waitingKey, q.activeKey},
		time.Now().Add(q.visibilityTTL).UnixMilli(),
	).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return jobID, nil
}

// MarkActive records that a worker picked the job up.
func (q *Queue) MarkActive(ctx context.Context, jobID string) error {
	return q.client.HSet(ctx, q.jobKey(jobID),
		"state", models.JobStateActive,
		"processedOn", time.Now().UnixMilli(),
	).Err()
}

// SetProgress updates the coarse progress milestone (0-100).
func (q *Queue) SetProgress(ctx context.Context, jobID string, progress int) error {
	return q.client.HSet(ctx, q.jobKey(jobID), "progress", progress).Err()
}

// IncrementAttempts bumps attemptsMade and returns the new value.
func (q *Queue) IncrementAttempts(ctx context.Context, jobID string) (int, error) {
	n, err := q.client.HIncrBy(ctx, q.jobKey(jobID), "attemptsMade", 1).Result()
	return int(n), err
}

// CompleteJob finalizes a successful job and prunes completed history
// beyond the retention cap, deleting pruned job records.
func (q *Queue) CompleteJob(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.activeKey, jobID)
	pipe.HSet(ctx, q.jobKey(jobID),
		"state", models.JobStateCompleted,
		"progress", 100,
		"finishedOn", time.Now().UnixMilli(),
	)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	return finishScript.Run(ctx, q.client, []string{q.completedKey}, jobID, q.completedCap, q.jobKeyPrefix).Err()
}

// FailJob finalizes a job whose attempts are exhausted, retaining the last
// error message as failedReason.
func (q *Queue) FailJob(ctx context.Context, jobID, reason string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.activeKey, jobID)
	pipe.HSet(ctx, q.jobKey(jobID),
		"state", models.JobStateFailed,
		"failedReason", reason,
		"finishedOn", time.Now().UnixMilli(),
	)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	return finishScript.Run(ctx, q.client, []string{q.failedKey}, jobID, q.failedCap, q.jobKeyPrefix).Err()
}

// RetryJob parks a failed attempt in the scheduled set until runAt. The
// job surfaces as delayed in between attempts.
func (q *Queue) RetryJob(ctx context.Context, jobID, reason string, runAt time.Time) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.activeKey, jobID)
	pipe.HSet(ctx, q.jobKey(jobID),
		"state", models.JobStateDelayed,
		"failedReason", reason,
	)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID})
	_, err := pipe.Exec(ctx)
	return err
}

// PromoteDue moves due scheduled jobs into the waiting set. Returns how many were promoted.
func (q *Queue) PromoteDue(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	for _, id := range ids {
		priority, err := q.client.HGet(ctx, q.jobKey(id), "priority").Int()
		if err != nil {
			priority = 0
		}
		seq, err := q.client.Incr(ctx, q.seqKey).Result()
		if err != nil {
			return 0, err
		}
		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, q.scheduledKey, id)
		pipe.ZAdd(ctx, q.waitingKey, redis.Z{Score: waitingScore(priority, seq), Member: id})
		pipe.HSet(ctx, q.jobKey(id), "state", models.JobStateWaiting)
		if _, err := pipe.Exec(ctx); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

// RequeueExpired reclaims leases that timed out (e.g. a worker died
// mid-render) and puts the jobs back in the waiting set.
func (q *Queue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.activeKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	for _, id := range ids {
		priority, err := q.client.HGet(ctx, q.jobKey(id), "priority").Int()
		if err != nil {
			priority = 0
		}
		seq, err := q.client.Incr(ctx, q.seqKey).Result()
		if err != nil {
			return nil, err
		}
		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, q.activeKey, id)
		pipe.ZAdd(ctx, q.waitingKey, redis.Z{Score: waitingScore(priority, seq), Member: id})
		pipe.HSet(ctx, q.jobKey(id), "state", models.JobStateWaiting)
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// Counts returns per-state depths using O(1) cardinality reads; total is
// the sum of the five states.
func (q *Queue) Counts(ctx context.Context) (models.JobCounts, error) {
	pipe := q.client.Pipeline()
	waiting := pipe.ZCard(ctx, q.waitingKey)
	active := pipe.ZCard(ctx, q.activeKey)
	delayed := pipe.ZCard(ctx, q.scheduledKey)
	completed := pipe.LLen(ctx, q.completedKey)
	failed := pipe.LLen(ctx, q.failedKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return models.JobCounts{}, err
	}

	counts := models.JobCounts{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Delayed:   delayed.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}
	counts.Total = counts.Waiting + counts.Active + counts.Delayed + counts.Completed + counts.Failed
	return counts, nil
}

// ListJobs returns per-state listings, each capped at limit.
func (q *Queue) ListJobs(ctx context.Context, limit int64) (models.JobLists, error) {
	if limit <= 0 {
		limit = 20
	}

	waitingIDs, err := q.client.ZRange(ctx, q.waitingKey, 0, limit-1).Result()
	if err != nil {
		return models.JobLists{}, err
	}
	activeIDs, err := q.client.ZRange(ctx, q.activeKey, 0, limit-1).Result()
	if err != nil {
		return models.JobLists{}, err
	}
	delayedIDs, err := q.client.ZRange(ctx, q.scheduledKey, 0, limit-1).Result()
	if err != nil {
		return models.JobLists{}, err
	}
	completedIDs, err := q.client.LRange(ctx, q.completedKey, 0, limit-1).Result()
	if err != nil {
		return models.JobLists{}, err
	}
	failedIDs, err := q.client.LRange(ctx, q.failedKey, 0, limit-1).Result()
	if err != nil {
		return models.JobLists{}, err
	}

	lists := models.JobLists{}
	if lists.Waiting, err = q.records(ctx, waitingIDs); err != nil {
		return models.JobLists{}, err
	}
	if lists.Active, err = q.records(ctx, activeIDs); err != nil {
		return models.JobLists{}, err
	}
	if lists.Delayed, err = q.records(ctx, delayedIDs); err != nil {
		return models.JobLists{}, err
	}
	if lists.Completed, err = q.records(ctx, completedIDs); err != nil {
		return models.JobLists{}, err
	}
	if lists.Failed, err = q.records(ctx, failedIDs); err != nil {
		return models.JobLists{}, err
	}
	return lists, nil
}

// JobStatus fetches a single job's record. An unknown id is a lookup
// miss, reported via the found flag rather than an error.
func (q *Queue) JobStatus(ctx context.Context, jobID string) (models.JobRecord, bool, error) {
	fields, err := q.client.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return models.JobRecord{}, false, err
	}
	if len(fields) == 0 {
		return models.JobRecord{}, false, nil
	}
	return recordFromFields(fields), true, nil
}

// Cleanup prunes completed/failed jobs that finished before the max age.
// The terminal lists are capped, so the scan stays bounded.
func (q *Queue) Cleanup(ctx context.Context, maxAge time.Duration) error {
	cutoff := time.Now().Add(-maxAge).UnixMilli()
	for _, key := range []string{q.completedKey, q.failedKey} {
		ids, err := q.client.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return err
		}
		for _, id := range ids {
			finished, err := q.client.HGet(ctx, q.jobKey(id), "finishedOn").Int64()
			if err == redis.Nil || (err == nil && finished < cutoff) {
				pipe := q.client.TxPipeline()
				pipe.LRem(ctx, key, 0, id)
				pipe.Del(ctx, q.jobKey(id))
				if _, err := pipe.Exec(ctx); err != nil {
					return err
				}
			} else if err != nil {
				return err
			}
		}
	}
	return nil
}

// Ping verifies backend reachability.
func (q *Queue) Ping(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return errors.Join(ErrUnavailable, err)
	}
	return nil
}

func (q *Queue) records(ctx context.Context, ids []string) ([]models.JobRecord, error) {
	out := make([]models.JobRecord, 0, len(ids))
	for _, id := range ids {
		fields, err := q.client.HGetAll(ctx, q.jobKey(id)).Result()
		if err != nil {
			return nil, err
		}
		if len(fields) == 0 {
			continue
		}
		out = append(out, recordFromFields(fields))
	}
	return out, nil
}

func recordFromFields(fields map[string]string) models.JobRecord {
	rec := models.JobRecord{
		ID:           fields["id"],
		Name:         fields["name"],
		State:        fields["state"],
		Progress:     atoi(fields["progress"]),
		AttemptsMade: atoi(fields["attemptsMade"]),
		Timestamp:    atoi64(fields["timestamp"]),
		ProcessedOn:  atoi64(fields["processedOn"]),
		FinishedOn:   atoi64(fields["finishedOn"]),
		FailedReason: fields["failedReason"],
	}
	if raw := fields["data"]; raw != "" {
		_ = json.Unmarshal([]byte(raw), &rec.Data)
	}
	return rec
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func atoi64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

var dequeueScript = redis.NewScript(`
local job = redis.call('ZPOPMIN', KEYS[1])
if job[1] then
  redis.call('ZADD', KEYS[2], ARGV[1], job[1])
  return job[1]
end
return nil
`)

var finishScript = redis.NewScript(`
redis.call('LPUSH', KEYS[1], ARGV[1])
local cap = tonumber(ARGV[2])
local excess = redis.call('LRANGE', KEYS[1], cap, -1)
for i = 1, #excess do
  redis.call('DEL', ARGV[3] .. excess[i])
end
redis.call('LTRIM', KEYS[1], 0, cap - 1)
return #excess
`)
