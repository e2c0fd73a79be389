// Package worker wraps one long-lived out-of-process executor behind a
// handle the pool can select, invoke, and retire.
package worker

import (
	"context"
	"errors"

	"github.com/danmuck/forged/internal/isolation"
)

var (
	ErrWorkerFailed      = errors.New("worker: execution failed")
	ErrWorkerStopped     = errors.New("worker: stopped")
	ErrMemoryUnavailable = errors.New("worker: memory status unavailable")
)

// Payload is one action sent to a worker over its synchronous channel.
type Payload struct {
	Operation string            `json:"operation"`
	Args      map[string]string `json:"args,omitempty"`
}

// Result is the worker's reply for one action.
type Result struct {
	Output string `json:"output"`
}

// MemorySnapshot is a best-effort view of a worker process heap.
type MemorySnapshot struct {
	MaxHeapBytes       uint64 `json:"max_heap_bytes"`
	CommittedHeapBytes uint64 `json:"committed_heap_bytes"`
}

// Process is the spawn-layer collaborator: an opaque running worker with a
// synchronous invoke channel. Implementations are not safe for concurrent
// Invoke calls; the handle serializes access.
type Process interface {
	DisplayName() string
	Invoke(ctx context.Context, payload Payload) (Result, error)
	Terminate() error
	MemorySnapshot() (MemorySnapshot, error)
}

// Spawner starts a fresh worker process pinned to the given environment.
type Spawner interface {
	Spawn(ctx context.Context, desc isolation.Descriptor) (Process, error)
}

// SpawnerFunc adapts a function into a Spawner.
type SpawnerFunc func(ctx context.Context, desc isolation.Descriptor) (Process, error)

func (f SpawnerFunc) Spawn(ctx context.Context, desc isolation.Descriptor) (Process, error) {
	return f(ctx, desc)
}
