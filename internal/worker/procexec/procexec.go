// Package procexec launches worker processes on the local host and speaks a
// line-delimited JSON request/response protocol with them over stdio.
package procexec

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/forged/internal/isolation"
	"github.com/danmuck/forged/internal/worker"
)

var (
	ErrSpawn         = errors.New("procexec: spawn failed")
	ErrChannel       = errors.New("procexec: channel failure")
	ErrProcessExited = errors.New("procexec: process exited")
	ErrEmptyCommand  = errors.New("procexec: worker command required")
)

// EnvClasspath carries the descriptor's classpath to the worker process.
const EnvClasspath = "FORGED_WORKER_CLASSPATH"

// terminateGrace is how long Terminate waits after SIGTERM before SIGKILL.
const terminateGrace = 5 * time.Second

// Spawner builds worker.Process values by exec'ing a configured worker
// command with the descriptor's process arguments appended.
type Spawner struct {
	Command  string
	BaseArgs []string
}

var _ worker.Spawner = Spawner{}

func (s Spawner) Spawn(ctx context.Context, desc isolation.Descriptor) (worker.Process, error) {
	if strings.TrimSpace(s.Command) == "" {
		return nil, fmt.Errorf("%w: %v", ErrSpawn, ErrEmptyCommand)
	}

	args := append(append([]string(nil), s.BaseArgs...), desc.ProcessArgs...)
	cmd := exec.Command(s.Command, args...)
	cmd.Env = append(os.Environ(), EnvClasspath+"="+strings.Join(desc.Classpath, string(os.PathListSeparator)))
	for k, v := range desc.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin pipe: %v", ErrSpawn, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrSpawn, err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start %q: %v", ErrSpawn, s.Command, err)
	}

	p := &process{
		cmd:   cmd,
		stdin: stdin,
		out:   bufio.NewScanner(stdout),
		name:  fmt.Sprintf("%s[pid=%d]", filepath.Base(s.Command), cmd.Process.Pid),
		done:  make(chan struct{}),
	}
	p.out.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()

	log.Info().Str("worker", p.name).Str("descriptor", desc.String()).Msg("worker process started")
	return p, nil
}

type request struct {
	ID        uint64            `json:"id"`
	Operation string            `json:"operation"`
	Args      map[string]string `json:"args,omitempty"`
}

type response struct {
	ID     uint64 `json:"id"`
	OK     bool   `json:"ok"`
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// process is one running worker subprocess. Invoke is serialized by the
// handle above it and by the mutex. Terminate deliberately does not take the
// mutex: closing stdin and signaling the process is what unblocks an Invoke
// stuck in Scan, and termOnce keeps the teardown single-shot.
type process struct {
	mu    sync.Mutex
	cmd   *exec.Cmd
	stdin io.WriteCloser
	out   *bufio.Scanner
	name  string
	seq   atomic.Uint64

	done    chan struct{}
	waitErr error

	termOnce sync.Once
	termErr  error
}

var _ worker.Process = (*process)(nil)

func (p *process) DisplayName() string {
	return p.name
}

func (p *process) Invoke(ctx context.Context, payload worker.Payload) (worker.Result, error) {
	if err := ctx.Err(); err != nil {
		return worker.Result{}, err
	}
	select {
	case <-p.done:
		return worker.Result{}, fmt.Errorf("%w: %s", ErrProcessExited, p.name)
	default:
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	req := request{ID: p.seq.Add(1), Operation: payload.Operation, Args: payload.Args}
	line, err := json.Marshal(req)
	if err != nil {
		return worker.Result{}, fmt.Errorf("%w: encode request: %v", ErrChannel, err)
	}
	if _, err := p.stdin.Write(append(line, '\n')); err != nil {
		return worker.Result{}, fmt.Errorf("%w: write to %s: %v", ErrChannel, p.name, err)
	}

	// The channel is synchronous: block until the worker replies or its
	// stdout closes underneath us.
	if !p.out.Scan() {
		if scanErr := p.out.Err(); scanErr != nil {
			return worker.Result{}, fmt.Errorf("%w: read from %s: %v", ErrChannel, p.name, scanErr)
		}
		return worker.Result{}, fmt.Errorf("%w: %s closed its channel", ErrChannel, p.name)
	}

	var resp response
	if err := json.Unmarshal(p.out.Bytes(), &resp); err != nil {
		return worker.Result{}, fmt.Errorf("%w: malformed response from %s: %v", ErrChannel, p.name, err)
	}
	if resp.ID != req.ID {
		return worker.Result{}, fmt.Errorf("%w: %s answered request %d, expected %d", ErrChannel, p.name, resp.ID, req.ID)
	}
	if !resp.OK {
		return worker.Result{}, fmt.Errorf("%w: %s: %s", ErrChannel, p.name, resp.Error)
	}
	return worker.Result{Output: resp.Output}, nil
}

// Terminate closes the worker's stdin, sends SIGTERM, and escalates to
// SIGKILL after a bounded wait. Safe to call more than once.
func (p *process) Terminate() error {
	p.termOnce.Do(func() {
		_ = p.stdin.Close()

		select {
		case <-p.done:
			return
		default:
		}

		if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			if errors.Is(err, os.ErrProcessDone) {
				<-p.done
				return
			}
			p.termErr = fmt.Errorf("signal %s: %w", p.name, err)
		}
		select {
		case <-p.done:
		case <-time.After(terminateGrace):
			log.Warn().Str("worker", p.name).Msg("worker ignored SIGTERM, killing")
			if err := p.cmd.Process.Kill(); err != nil {
				p.termErr = fmt.Errorf("kill %s: %w", p.name, err)
				return
			}
			<-p.done
		}
	})
	return p.termErr
}

// MemorySnapshot reads the worker's resident set from /proc. Committed heap
// maps to VmRSS and max heap to VmHWM; both degrade to an error once the
// process is gone.
func (p *process) MemorySnapshot() (worker.MemorySnapshot, error) {
	select {
	case <-p.done:
		return worker.MemorySnapshot{}, fmt.Errorf("%w: %s", worker.ErrMemoryUnavailable, p.name)
	default:
	}

	status, err := os.ReadFile(fmt.Sprintf("/proc/%d/status", p.cmd.Process.Pid))
	if err != nil {
		return worker.MemorySnapshot{}, fmt.Errorf("%w: %s: %v", worker.ErrMemoryUnavailable, p.name, err)
	}

	snap := worker.MemorySnapshot{}
	for _, line := range strings.Split(string(status), "\n") {
		switch {
		case strings.HasPrefix(line, "VmRSS:"):
			snap.CommittedHeapBytes = parseKBLine(line)
		case strings.HasPrefix(line, "VmHWM:"):
			snap.MaxHeapBytes = parseKBLine(line)
		}
	}
	if snap.CommittedHeapBytes == 0 {
		return worker.MemorySnapshot{}, fmt.Errorf("%w: %s: no VmRSS", worker.ErrMemoryUnavailable, p.name)
	}
	return snap, nil
}

func parseKBLine(line string) uint64 {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	kb, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0
	}
	return kb * 1024
}
