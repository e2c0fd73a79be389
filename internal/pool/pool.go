// Package pool owns the live set of worker handles. It matches incoming
// submissions against reusable workers, spawns pinned replacements when none
// fit, and reclaims idle or memory-costly workers without disturbing work in
// flight.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/forged/internal/isolation"
	"github.com/danmuck/forged/internal/observability"
	"github.com/danmuck/forged/internal/worker"
)

var (
	ErrPoolClosed    = errors.New("pool: already shut down")
	ErrSpawn         = errors.New("pool: worker spawn failed")
	ErrInvalidConfig = errors.New("pool: invalid config")
)

// Config tunes pool behavior. Zero values are filled by WithDefaults.
type Config struct {
	// MaxIdle is how long a worker may sit unused before the periodic sweep
	// stops it.
	MaxIdle time.Duration
	// SweepInterval is the monitor's tick.
	SweepInterval time.Duration
	// ShutdownGrace bounds how long ShutdownAll waits for in-flight
	// invocations before forcing termination.
	ShutdownGrace time.Duration
	// DisableExpiration pins every handle as non-expirable. Debugging aid;
	// threaded here explicitly instead of living in ambient process state.
	DisableExpiration bool
	// Selection picks among multiple idle compatible handles. Defaults to
	// MostUsedFirst.
	Selection SelectionPolicy
}

func (c Config) WithDefaults() Config {
	if c.MaxIdle == 0 {
		c.MaxIdle = 2 * time.Minute
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = 10 * time.Second
	}
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = 10 * time.Second
	}
	if c.Selection == nil {
		c.Selection = MostUsedFirst
	}
	return c
}

func (c Config) Validate() error {
	if c.MaxIdle < 0 || c.SweepInterval < 0 || c.ShutdownGrace < 0 {
		return fmt.Errorf("%w: negative duration", ErrInvalidConfig)
	}
	return nil
}

// Pool is safe for concurrent use. All live-set mutation happens under one
// mutex; spawning deliberately does not, so a slow process start never
// stalls unrelated submissions.
type Pool struct {
	cfg     Config
	spawner worker.Spawner

	mu      sync.Mutex
	handles map[uint64]*worker.Handle
	closed  bool

	seq atomic.Uint64
}

func New(cfg Config, spawner worker.Spawner) (*Pool, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if spawner == nil {
		return nil, fmt.Errorf("%w: nil spawner", ErrInvalidConfig)
	}
	observability.RegisterMetrics()
	return &Pool{
		cfg:     cfg,
		spawner: spawner,
		handles: make(map[uint64]*worker.Handle),
	}, nil
}

func (p *Pool) Config() Config {
	return p.cfg
}

// Submit runs one action in a worker pinned to an environment compatible
// with desc, reusing a warm idle worker when one fits and spawning a fresh
// one otherwise. Invocation failures surface to the caller; the pool never
// retries on its own, a fresh Submit will simply no longer match the broken
// worker.
func (p *Pool) Submit(ctx context.Context, desc isolation.Descriptor, payload worker.Payload) (worker.Result, error) {
	start := time.Now()
	desc = desc.WithDefaults()
	if err := desc.Validate(); err != nil {
		return worker.Result{}, err
	}

	h, err := p.acquireOrSpawn(ctx, desc)
	if err != nil {
		observability.ObserveSubmit("rejected", time.Since(start))
		return worker.Result{}, err
	}

	result, err := h.Execute(ctx, payload)
	if err != nil {
		// A canceled caller leaves the worker healthy and idle; only channel
		// failures count against the worker.
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			observability.ObserveSubmit("canceled", time.Since(start))
			return worker.Result{}, err
		}
		observability.RecordWorkerFailure()
		observability.ObserveSubmit("failed", time.Since(start))
		log.Warn().Str("worker", h.DisplayName()).Err(err).Msg("worker invocation failed")
		return worker.Result{}, err
	}

	// Single-use workers are done the moment their one action returns.
	if h.Descriptor().KeepAlive == isolation.KeepAliveNone {
		p.removeAndStop(h, "single_use")
	}
	observability.ObserveSubmit("ok", time.Since(start))
	return result, nil
}

// acquireOrSpawn claims an existing compatible idle handle or spawns a new
// one. The scan holds the set lock; the spawn does not. Two submissions
// racing for the last idle worker resolve with one reusing it and the other
// spawning a redundant sibling, which is registered like any other.
func (p *Pool) acquireOrSpawn(ctx context.Context, desc isolation.Descriptor) (*worker.Handle, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if h := p.selectLocked(desc); h != nil {
		p.mu.Unlock()
		observability.RecordReuse()
		log.Debug().Str("worker", h.DisplayName()).Msg("reusing warm worker")
		return h, nil
	}
	p.mu.Unlock()

	proc, err := p.spawner.Spawn(ctx, desc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}
	h := worker.NewHandle(worker.HandleOptions{
		ID:           p.seq.Add(1),
		Descriptor:   desc,
		Process:      proc,
		NonExpirable: p.cfg.DisableExpiration,
	})
	// Claim before registering so neither the monitor nor another
	// submission can touch the handle mid-construction.
	h.TryAcquire()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = h.Stop()
		return nil, ErrPoolClosed
	}
	p.handles[h.ID()] = h
	live := len(p.handles)
	p.mu.Unlock()

	observability.RecordSpawn(string(desc.KeepAlive))
	observability.SetLiveWorkers(live)
	log.Info().Str("worker", h.DisplayName()).Int("live", live).Msg("spawned worker")
	return h, nil
}

// selectLocked scans for a compatible idle handle and claims it. Failed,
// stopped, and in-flight handles never qualify; TryAcquire is the step that
// makes the claim linearizable with respect to concurrent scans.
func (p *Pool) selectLocked(desc isolation.Descriptor) *worker.Handle {
	var candidates []*worker.Handle
	for _, h := range p.handles {
		if h.State() != worker.StateIdle {
			continue
		}
		if !h.IsCompatibleWith(desc) {
			continue
		}
		candidates = append(candidates, h)
	}
	for len(candidates) > 0 {
		h := p.cfg.Selection(candidates)
		if h.TryAcquire() {
			return h
		}
		candidates = without(candidates, h)
	}
	return nil
}

func without(in []*worker.Handle, drop *worker.Handle) []*worker.Handle {
	out := in[:0]
	for _, h := range in {
		if h != drop {
			out = append(out, h)
		}
	}
	return out
}

// removeAndStop detaches a handle from the live set and terminates its
// process. Termination failures are logged, never propagated: the pool must
// not keep tracking a dead worker as reusable either way.
func (p *Pool) removeAndStop(h *worker.Handle, reason string) {
	p.mu.Lock()
	delete(p.handles, h.ID())
	live := len(p.handles)
	p.mu.Unlock()
	observability.SetLiveWorkers(live)
	observability.RecordExpired(reason)

	if err := h.Stop(); err != nil {
		log.Warn().Str("worker", h.DisplayName()).Str("reason", reason).Err(err).Msg("worker stop failed")
	} else {
		log.Debug().Str("worker", h.DisplayName()).Str("reason", reason).Msg("worker stopped")
	}
}

// WorkerCount is the size of the live set.
func (p *Pool) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handles)
}

// Diagnostics snapshots every live handle for the status surface, ordered by
// handle creation.
func (p *Pool) Diagnostics() []worker.Diagnostics {
	handles := p.snapshot()
	out := make([]worker.Diagnostics, 0, len(handles))
	for _, h := range handles {
		out = append(out, h.Diagnostics())
	}
	return out
}

// snapshot returns the live handles ordered oldest-created first. Callers
// must not hold the pool lock.
func (p *Pool) snapshot() []*worker.Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*worker.Handle, 0, len(p.handles))
	for _, h := range p.handles {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// ShutdownAll stops every worker at process teardown. Idle workers stop
// immediately; in-flight workers get the configured grace period to finish
// before their processes are terminated underneath them. Further submissions
// are rejected with ErrPoolClosed.
func (p *Pool) ShutdownAll() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	handles := make([]*worker.Handle, 0, len(p.handles))
	for _, h := range p.handles {
		handles = append(handles, h)
	}
	p.handles = make(map[uint64]*worker.Handle)
	p.mu.Unlock()
	observability.SetLiveWorkers(0)

	deadline := time.Now().Add(p.cfg.ShutdownGrace)
	var (
		wg    sync.WaitGroup
		errMu sync.Mutex
		errs  []error
	)
	for _, h := range handles {
		wg.Add(1)
		go func(h *worker.Handle) {
			defer wg.Done()
			waitUntilSettled(h, deadline)
			if err := h.Stop(); err != nil {
				errMu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", h.DisplayName(), err))
				errMu.Unlock()
			}
		}(h)
	}
	wg.Wait()
	log.Info().Int("workers", len(handles)).Msg("pool shut down")
	return errors.Join(errs...)
}

// waitUntilSettled polls until the handle leaves InFlight or the grace
// deadline passes. Invocations are not preemptible mid-flight, so polling is
// the only option short of killing the process, which happens right after.
func waitUntilSettled(h *worker.Handle, deadline time.Time) {
	for h.State() == worker.StateInFlight && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if h.State() == worker.StateInFlight {
		log.Warn().Str("worker", h.DisplayName()).Msg("grace period expired with invocation in flight")
	}
}
