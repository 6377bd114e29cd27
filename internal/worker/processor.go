package worker

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"snapshot-renderer/internal/config"
	"snapshot-renderer/internal/models"
	"snapshot-renderer/internal/queue"
	"snapshot-renderer/internal/telemetry"
)

// Handler executes one render job end-to-end.
type Handler func(ctx context.Context, job models.JobRecord) error

// Processor runs the worker consumer loops. Each consumer processes one
// job at a time; consumer count must stay at or below the renderer pool
// size so acquisitions do not legitimately fail.
type Processor struct {
	cfg     config.Config
	queue   *queue.Queue
	handler Handler
	log     *slog.Logger
}

func NewProcessor(cfg config.Config, q *queue.Queue, handler Handler, log *slog.Logger) *Processor {
	if log == nil {
		log = slog.Default()
	}
	return &Processor{cfg: cfg, queue: q, handler: handler, log: log}
}

// Run starts the consumer loops and blocks until context cancellation.
// In-flight jobs are abandoned mid-render at shutdown; their snapshots
// stay in processing and their leases expire for later reclamation.
func (p *Processor) Run(ctx context.Context) error {
	concurrency := p.cfg.WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 3
	}

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(consumer int) {
			defer wg.Done()
			p.loop(ctx, consumer)
		}(i)
	}
	wg.Wait()
	return ctx.Err()
}

func (p *Processor) loop(ctx context.Context, consumer int) {
	poll := p.cfg.WorkerPollInterval
	if poll <= 0 {
		poll = time.Second
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if !p.processNext(ctx) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(poll):
			}
		}
	}
}

// processNext promotes due jobs, reclaims expired leases, and handles at
// most one job. Returns whether a job was handled.
func (p *Processor) processNext(ctx context.Context) bool {
	now := time.Now()
	_, _ = p.queue.PromoteDue(ctx, now, 100)
	if reclaimed, _ := p.queue.RequeueExpired(ctx, now, 100); len(reclaimed) > 0 {
		p.log.Warn("processor: reclaimed expired leases", "jobs", len(reclaimed))
	}
	if counts, err := p.queue.Counts(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(counts.Waiting))
	}

	jobID, err := p.queue.DequeueLease(ctx)
	if err != nil || jobID == "" {
		return false
	}

	job, found, err := p.queue.JobStatus(ctx, jobID)
	if err != nil || !found {
		p.log.Error("processor: dequeued job without record", "job", jobID, "error", err)
		_ = p.queue.FailJob(ctx, jobID, "job record missing")
		return true
	}

	_ = p.queue.MarkActive(ctx, jobID)
	attempt, err := p.queue.IncrementAttempts(ctx, jobID)
	if err != nil {
		// Bookkeeping hiccups must not eat remaining attempts; fall
		// back to the count read with the record.
		attempt = job.AttemptsMade + 1
	}

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	job.AttemptsMade = attempt
	handlerErr := p.handler(ctx, job)
	if handlerErr == nil {
		_ = p.queue.CompleteJob(ctx, jobID)
		telemetry.RendersCompleted.Inc()
		return true
	}

	if attempt >= p.maxAttempts() {
		_ = p.queue.FailJob(ctx, jobID, handlerErr.Error())
		telemetry.RendersFailed.Inc()
		p.log.Error("processor: job failed terminally",
			"job", jobID, "snapshot", job.Data.SnapshotID,
			"attempts", attempt, "error", handlerErr)
		return true
	}

	delay := backoffDelay(p.cfg.BackoffBase, p.cfg.BackoffMax, attempt)
	_ = p.queue.RetryJob(ctx, jobID, handlerErr.Error(), time.Now().Add(delay))
	telemetry.RenderRetries.Inc()
	p.log.Warn("processor: job attempt failed, retrying",
		"job", jobID, "snapshot", job.Data.SnapshotID,
		"attempt", attempt, "next_in", delay, "error", handlerErr)
	return true
}

func (p *Processor) maxAttempts() int {
	if p.cfg.MaxAttempts <= 0 {
		return 5
	}
	return p.cfg.MaxAttempts
}

// backoffDelay doubles the base delay per completed attempt, capped at max.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 5 * time.Second
	}
	if attempt <= 1 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if max > 0 && wait > max {
		wait = max
	}
	return wait
}
