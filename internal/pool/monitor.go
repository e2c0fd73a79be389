package pool

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/forged/internal/worker"
)

// Monitor reaps idle, failed, or memory-costly workers. It never touches a
// handle that is mid-invocation: TryAcquire is the gate, and an in-flight
// handle refuses it.
type Monitor struct {
	pool *Pool
}

func NewMonitor(p *Pool) *Monitor {
	return &Monitor{pool: p}
}

// Run sweeps on the pool's configured interval until ctx is canceled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.pool.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SweepOnce()
		}
	}
}

// SweepOnce stops every expirable idle handle whose idle duration exceeds
// the configured threshold, plus any failed handle regardless of recency.
// Returns how many workers were stopped.
func (m *Monitor) SweepOnce() int {
	cutoff := time.Now().Add(-m.pool.cfg.MaxIdle)
	stopped := 0
	for _, h := range m.expirationOrder() {
		if h.Failed() {
			// Failed handles are dead weight whether or not they are
			// expirable; nothing will ever select them again.
			m.pool.removeAndStop(h, "failed")
			stopped++
			continue
		}
		if !h.IsExpirable() {
			continue
		}
		if h.LastUsed().After(cutoff) {
			continue
		}
		if !h.TryAcquire() {
			continue
		}
		m.pool.removeAndStop(h, "idle")
		stopped++
	}
	if stopped > 0 {
		log.Info().Int("stopped", stopped).Msg("expiration sweep reclaimed workers")
	}
	return stopped
}

// OnLowMemory is the host environment's memory-pressure callback. It stops
// expirable idle workers oldest-use first, accumulating each worker's last
// known committed-heap figure, until the requested amount is covered or no
// eligible worker remains. Best effort: it never waits for in-flight work.
func (m *Monitor) OnLowMemory(targetBytes uint64) uint64 {
	var freed uint64
	for _, h := range m.expirationOrder() {
		if freed >= targetBytes {
			break
		}
		if !h.IsExpirable() || h.Failed() {
			continue
		}
		if !h.TryAcquire() {
			continue
		}
		estimate := h.CommittedHeapEstimate()
		m.pool.removeAndStop(h, "memory_pressure")
		freed += estimate
	}
	log.Info().Uint64("target_bytes", targetBytes).Uint64("freed_estimate", freed).Msg("memory pressure eviction")
	return freed
}

// expirationOrder snapshots the live set ordered by ascending recency of
// last use, oldest first, ties broken by creation order. Deterministic so
// eviction behavior is reproducible.
func (m *Monitor) expirationOrder() []*worker.Handle {
	handles := m.pool.snapshot()
	sort.SliceStable(handles, func(i, j int) bool {
		li, lj := handles[i].LastUsed(), handles[j].LastUsed()
		if li.Equal(lj) {
			return handles[i].ID() < handles[j].ID()
		}
		return li.Before(lj)
	})
	return handles
}
