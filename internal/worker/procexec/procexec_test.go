package procexec

import (
	"context"
	"errors"
	"runtime"
	"testing"

	"github.com/danmuck/forged/internal/isolation"
	"github.com/danmuck/forged/internal/testutil/testlog"
	"github.com/danmuck/forged/internal/worker"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("procexec tests need a POSIX shell")
	}
}

func daemonDescriptor() isolation.Descriptor {
	return isolation.Descriptor{KeepAlive: isolation.KeepAliveDaemon}
}

func TestSpawnRejectsEmptyCommand(t *testing.T) {
	testlog.Start(t)

	_, err := Spawner{}.Spawn(context.Background(), daemonDescriptor())
	if !errors.Is(err, ErrSpawn) {
		t.Fatalf("expected ErrSpawn, got %v", err)
	}
}

func TestSpawnPropagatesExecFailure(t *testing.T) {
	testlog.Start(t)

	_, err := Spawner{Command: "/nonexistent/forged-worker"}.Spawn(context.Background(), daemonDescriptor())
	if !errors.Is(err, ErrSpawn) {
		t.Fatalf("expected ErrSpawn, got %v", err)
	}
}

func TestInvokeRoundTrip(t *testing.T) {
	testlog.Start(t)
	requireUnix(t)

	// A worker that answers the first two requests with canned responses.
	// Request IDs are sequential starting at 1.
	script := `read line; echo '{"id":1,"ok":true,"output":"pong"}'; read line; echo '{"id":2,"ok":false,"error":"boom"}'`
	proc, err := Spawner{Command: "sh", BaseArgs: []string{"-c", script}}.Spawn(context.Background(), daemonDescriptor())
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	defer func() { _ = proc.Terminate() }()

	res, err := proc.Invoke(context.Background(), worker.Payload{Operation: "ping"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if res.Output != "pong" {
		t.Fatalf("unexpected output: %q", res.Output)
	}

	_, err = proc.Invoke(context.Background(), worker.Payload{Operation: "explode"})
	if !errors.Is(err, ErrChannel) {
		t.Fatalf("expected ErrChannel for worker-reported failure, got %v", err)
	}
}

func TestInvokeDetectsMismatchedResponse(t *testing.T) {
	testlog.Start(t)
	requireUnix(t)

	script := `read line; echo '{"id":99,"ok":true,"output":"late"}'`
	proc, err := Spawner{Command: "sh", BaseArgs: []string{"-c", script}}.Spawn(context.Background(), daemonDescriptor())
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	defer func() { _ = proc.Terminate() }()

	_, err = proc.Invoke(context.Background(), worker.Payload{Operation: "ping"})
	if !errors.Is(err, ErrChannel) {
		t.Fatalf("expected ErrChannel for id mismatch, got %v", err)
	}
}

func TestInvokeAfterWorkerExitFailsCleanly(t *testing.T) {
	testlog.Start(t)
	requireUnix(t)

	proc, err := Spawner{Command: "sh", BaseArgs: []string{"-c", "exit 0"}}.Spawn(context.Background(), daemonDescriptor())
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if err := proc.Terminate(); err != nil {
		t.Fatalf("terminate: %v", err)
	}

	_, err = proc.Invoke(context.Background(), worker.Payload{Operation: "ping"})
	if err == nil {
		t.Fatalf("expected failure invoking an exited worker")
	}
}

func TestTerminateIsIdempotent(t *testing.T) {
	testlog.Start(t)
	requireUnix(t)

	proc, err := Spawner{Command: "sh", BaseArgs: []string{"-c", "read line"}}.Spawn(context.Background(), daemonDescriptor())
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if err := proc.Terminate(); err != nil {
		t.Fatalf("first terminate: %v", err)
	}
	if err := proc.Terminate(); err != nil {
		t.Fatalf("second terminate: %v", err)
	}
}

func TestMemorySnapshotWhileRunning(t *testing.T) {
	testlog.Start(t)
	if runtime.GOOS != "linux" {
		t.Skip("memory snapshot reads /proc")
	}

	proc, err := Spawner{Command: "sh", BaseArgs: []string{"-c", "read line"}}.Spawn(context.Background(), daemonDescriptor())
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	defer func() { _ = proc.Terminate() }()

	snap, err := proc.MemorySnapshot()
	if err != nil {
		t.Fatalf("memory snapshot: %v", err)
	}
	if snap.CommittedHeapBytes == 0 {
		t.Fatalf("expected nonzero committed bytes")
	}

	if err := proc.Terminate(); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if _, err := proc.MemorySnapshot(); !errors.Is(err, worker.ErrMemoryUnavailable) {
		t.Fatalf("expected ErrMemoryUnavailable after exit, got %v", err)
	}
}
