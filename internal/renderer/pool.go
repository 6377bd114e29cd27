package renderer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrPoolExhausted reports that every slot is busy. Consumer concurrency
// must stay at or below the pool size, so callers hitting this under
// aligned configuration should treat it as transient and retry.
var ErrPoolExhausted = errors.New("render pool exhausted")

// Instance is one exclusive-use renderer slot. Slot ids are stable across
// replacements; CreatedAt identifies long-lived processes.
type Instance struct {
	ID        int
	CreatedAt time.Time
	inUse     bool
	client    Client
}

// Capture renders the document on this slot's browser.
func (i *Instance) Capture(ctx context.Context, doc string, opts CaptureOptions) ([]byte, error) {
	return i.client.Capture(ctx, doc, opts)
}

// PoolStats is a point-in-time view of pool occupancy.
type PoolStats struct {
	TotalSlots     int  `json:"total_slots"`
	BusySlots      int  `json:"busy_slots"`
	AvailableSlots int  `json:"available_slots"`
	Initialized    bool `json:"is_initialized"`
}

// PoolOptions tune health checking and teardown.
type PoolOptions struct {
	HealthCheckTimeout  time.Duration
	BrowserCloseTimeout time.Duration
	Logger              *slog.Logger
}

func (o *PoolOptions) defaults() {
	if o.HealthCheckTimeout <= 0 {
		o.HealthCheckTimeout = 3 * time.Second
	}
	if o.BrowserCloseTimeout <= 0 {
		o.BrowserCloseTimeout = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Pool hands out exclusive access to a fixed set of long-lived browser
// processes. Browsers are expensive to start, hence pooled rather than
// launched per job.
type Pool struct {
	mu          sync.Mutex
	slots       []*Instance
	launch      LaunchFunc
	opts        PoolOptions
	initialized bool
}

// NewPool builds a pool of the given size. Call Initialize to launch the
// browsers before the first Acquire.
func NewPool(size int, launch LaunchFunc, opts PoolOptions) *Pool {
	if size <= 0 {
		size = 3
	}
	opts.defaults()
	return &Pool{
		slots:  make([]*Instance, size),
		launch: launch,
		opts:   opts,
	}
}

// Initialize launches one browser per slot. Fails on the first launch
// error; already-launched slots are torn down.
func (p *Pool) Initialize(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.slots {
		client, err := p.launch(ctx)
		if err != nil {
			for j := 0; j < i; j++ {
				p.teardown(p.slots[j].client)
			}
			return fmt.Errorf("pool: launch slot %d: %w", i, err)
		}
		p.slots[i] = &Instance{ID: i, CreatedAt: time.Now(), client: client}
	}
	p.initialized = true
	p.opts.Logger.Info("pool: initialized", "slots", len(p.slots))
	return nil
}

// Acquire returns the first free slot, marked busy. A health probe runs
// before handout; an unhealthy browser is replaced in place (same slot
// id) transparently. Fails immediately with ErrPoolExhausted when every
// slot is busy.
func (p *Pool) Acquire(ctx context.Context) (*Instance, error) {
	p.mu.Lock()
	if !p.initialized {
		p.mu.Unlock()
		return nil, errors.New("pool: not initialized")
	}
	var inst *Instance
	for _, s := range p.slots {
		if !s.inUse {
			s.inUse = true
			inst = s
			break
		}
	}
	p.mu.Unlock()

	if inst == nil {
		return nil, ErrPoolExhausted
	}

	// The slot is reserved, so probing outside the lock is safe.
	pingCtx, cancel := context.WithTimeout(ctx, p.opts.HealthCheckTimeout)
	err := inst.client.Ping(pingCtx)
	cancel()
	if err != nil {
		p.opts.Logger.Warn("pool: unhealthy slot, replacing", "slot", inst.ID, "error", err)
		if err := p.replace(ctx, inst); err != nil {
			p.Release(inst)
			return nil, fmt.Errorf("pool: replace slot %d: %w", inst.ID, err)
		}
	}
	return inst, nil
}

// Release returns a slot to the pool. Callers must release in a deferred
// path regardless of render outcome, or the pool permanently loses
// capacity.
func (p *Pool) Release(inst *Instance) {
	if inst == nil {
		return
	}
	p.mu.Lock()
	inst.inUse = false
	p.mu.Unlock()
}

// replace tears the slot's browser down (gracefully, then force) and
// launches a fresh one under the same slot id.
func (p *Pool) replace(ctx context.Context, inst *Instance) error {
	p.teardown(inst.client)

	client, err := p.launch(ctx)
	if err != nil {
		return err
	}
	p.mu.Lock()
	inst.client = client
	inst.CreatedAt = time.Now()
	p.mu.Unlock()
	p.opts.Logger.Info("pool: slot replaced", "slot", inst.ID)
	return nil
}

func (p *Pool) teardown(client Client) {
	if client == nil {
		return
	}
	closeCtx, cancel := context.WithTimeout(context.Background(), p.opts.BrowserCloseTimeout)
	defer cancel()
	if err := client.Close(closeCtx); err != nil {
		client.Kill()
	}
}

// Stats reports pool occupancy.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := PoolStats{TotalSlots: len(p.slots), Initialized: p.initialized}
	for _, s := range p.slots {
		if s != nil && s.inUse {
			stats.BusySlots++
		}
	}
	stats.AvailableSlots = stats.TotalSlots - stats.BusySlots
	return stats
}

// Shutdown force-releases busy slots (treated as abandoned) and tears
// every browser down. Per-slot failures are logged, never fatal; shutdown
// is best-effort across all slots.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	slots := make([]*Instance, 0, len(p.slots))
	for _, s := range p.slots {
		if s == nil {
			continue
		}
		if s.inUse {
			p.opts.Logger.Warn("pool: force-releasing busy slot at shutdown", "slot", s.ID)
			s.inUse = false
		}
		slots = append(slots, s)
	}
	p.initialized = false
	p.mu.Unlock()

	for _, s := range slots {
		closeCtx, cancel := context.WithTimeout(ctx, p.opts.BrowserCloseTimeout)
		if err := s.client.Close(closeCtx); err != nil {
			p.opts.Logger.Warn("pool: graceful close failed, killing", "slot", s.ID, "error", err)
			s.client.Kill()
		}
		cancel()
	}
	p.opts.Logger.Info("pool: shut down", "slots", len(slots))
}
