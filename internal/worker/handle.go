package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/forged/internal/isolation"
)

// Handle owns one worker process on behalf of the pool. It tracks the
// descriptor the worker was pinned to, a monotonic use counter, and a small
// state machine; the pool guarantees at most one invocation is in flight at
// a time by acquiring the handle before releasing its own lock.
type Handle struct {
	id        uint64
	desc      isolation.Descriptor
	proc      Process
	createdAt time.Time

	// nonExpirable is fixed at construction from the pool-wide expiration
	// kill-switch; there is no way to flip it afterwards.
	nonExpirable bool

	mu       sync.Mutex
	state    State
	uses     uint64
	lastUsed time.Time
	stopErr  error
	stopped  bool

	// stopDone closes once the single Terminate call has finished, so a
	// concurrent Stop cannot report completion while the process is still
	// going down.
	stopDone chan struct{}

	// lastMemory caches the most recent successful snapshot so eviction can
	// still estimate reclaimable heap after the process dies.
	lastMemory MemorySnapshot
	hasLastMem bool
}

// HandleOptions fixes the construction-time facts of a handle.
type HandleOptions struct {
	ID           uint64
	Descriptor   isolation.Descriptor
	Process      Process
	NonExpirable bool
}

func NewHandle(opts HandleOptions) *Handle {
	now := time.Now()
	return &Handle{
		id:           opts.ID,
		desc:         opts.Descriptor.Clone(),
		proc:         opts.Process,
		createdAt:    now,
		nonExpirable: opts.NonExpirable,
		state:        StateIdle,
		lastUsed:     now,
		stopDone:     make(chan struct{}),
	}
}

func (h *Handle) ID() uint64 {
	return h.id
}

func (h *Handle) DisplayName() string {
	return fmt.Sprintf("worker %d (%s)", h.id, h.proc.DisplayName())
}

func (h *Handle) Descriptor() isolation.Descriptor {
	return h.desc
}

// IsCompatibleWith reports whether this worker's environment can serve the
// required descriptor.
func (h *Handle) IsCompatibleWith(required isolation.Descriptor) bool {
	return isolation.Compatible(required, h.desc)
}

// IsExpirable is false only when the pool-wide expiration kill-switch was
// set when the handle was built.
func (h *Handle) IsExpirable() bool {
	return !h.nonExpirable
}

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) Failed() bool {
	return h.State() == StateFailed
}

func (h *Handle) Uses() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.uses
}

func (h *Handle) CreatedAt() time.Time {
	return h.createdAt
}

// LastUsed is the last assignment timestamp, the idleness clock for
// expiration. The use counter deliberately is not: it only ever grows.
func (h *Handle) LastUsed() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastUsed
}

// TryAcquire claims the handle for one invocation. It fails when the handle
// is failed, stopped, or already in flight; two submissions racing for the
// same idle worker will see exactly one succeed here.
func (h *Handle) TryAcquire() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !canTransition(h.state, StateInFlight) {
		return false
	}
	h.state = StateInFlight
	return true
}

// Execute runs one acquired invocation over the synchronous channel. A
// channel failure is sticky: the handle flips to Failed, is never selected
// again, and the wrapped error surfaces to the caller. The handle never
// retries on its own. A canceled or expired caller context is not a channel
// failure: the caller abandoned interest in the result, the worker is still
// healthy, and the handle returns to Idle.
func (h *Handle) Execute(ctx context.Context, payload Payload) (Result, error) {
	h.mu.Lock()
	if h.state != StateInFlight {
		state := h.state
		h.mu.Unlock()
		if state == StateStopped {
			return Result{}, fmt.Errorf("%w: handle %d", ErrWorkerStopped, h.id)
		}
		return Result{}, fmt.Errorf("%w: handle %d not acquired (state=%s)", ErrWorkerFailed, h.id, state)
	}
	h.uses++
	h.mu.Unlock()

	result, err := h.proc.Invoke(ctx, payload)

	h.mu.Lock()
	defer h.mu.Unlock()
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			if canTransition(h.state, StateIdle) {
				h.state = StateIdle
			}
			return Result{}, err
		}
		if canTransition(h.state, StateFailed) {
			h.state = StateFailed
		}
		return Result{}, fmt.Errorf("%w: %s: %v", ErrWorkerFailed, h.DisplayName(), err)
	}
	if canTransition(h.state, StateIdle) {
		h.state = StateIdle
	}
	h.lastUsed = time.Now()
	return result, nil
}

// Stop requests process termination. Idempotent; the termination request is
// issued exactly once and its outcome is remembered, even when the worker
// already failed or is force-stopped mid-flight.
func (h *Handle) Stop() error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		<-h.stopDone
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.stopErr
	}
	h.stopped = true
	h.state = StateStopped
	h.mu.Unlock()

	err := h.proc.Terminate()

	h.mu.Lock()
	h.stopErr = err
	h.mu.Unlock()
	close(h.stopDone)
	if err != nil {
		log.Warn().Str("worker", h.DisplayName()).Err(err).Msg("worker terminate failed")
	}
	return err
}

// CommittedHeapEstimate reports the best available committed-heap figure for
// eviction accounting: a live snapshot when the process can still answer, the
// last cached one otherwise, zero when nothing was ever observed.
func (h *Handle) CommittedHeapEstimate() uint64 {
	if snap, err := h.memorySnapshot(); err == nil {
		return snap.CommittedHeapBytes
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.hasLastMem {
		return h.lastMemory.CommittedHeapBytes
	}
	return 0
}

func (h *Handle) memorySnapshot() (MemorySnapshot, error) {
	snap, err := h.proc.MemorySnapshot()
	if err != nil {
		return MemorySnapshot{}, err
	}
	h.mu.Lock()
	h.lastMemory = snap
	h.hasLastMem = true
	h.mu.Unlock()
	return snap, nil
}
