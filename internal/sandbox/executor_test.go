package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"testing"
	"time"
)

type scriptedRuntime struct {
	lines    []string
	exitCode int
	hang     bool
	startErr error

	mu      sync.Mutex
	started int
	procs   []*scriptedProcess
}

func (r *scriptedRuntime) Start(ctx context.Context, inv Invocation) (Process, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started++
	if r.startErr != nil {
		return nil, r.startErr
	}
	pr, pw := io.Pipe()
	p := &scriptedProcess{out: pr, pw: pw, exit: make(chan int, 1), killed: make(chan struct{})}
	r.procs = append(r.procs, p)
	go func() {
		for _, line := range r.lines {
			if _, err := fmt.Fprintln(pw, line); err != nil {
				return
			}
		}
		if r.hang {
			<-p.killed
			_ = pw.Close()
			return
		}
		_ = pw.Close()
		p.exit <- r.exitCode
	}()
	return p, nil
}

type scriptedProcess struct {
	out      *io.PipeReader
	pw       *io.PipeWriter
	exit     chan int
	killed   chan struct{}
	killOnce sync.Once
	closed   bool
}

func (p *scriptedProcess) Output() io.Reader { return p.out }

func (p *scriptedProcess) Wait(ctx context.Context) (int, error) {
	select {
	case code := <-p.exit:
		return code, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (p *scriptedProcess) Kill(ctx context.Context) error {
	p.killOnce.Do(func() { close(p.killed) })
	return nil
}

func (p *scriptedProcess) Close() error {
	p.closed = true
	return nil
}

func (p *scriptedProcess) wasKilled() bool {
	select {
	case <-p.killed:
		return true
	default:
		return false
	}
}

func newTestExecutor(rt Runtime) *Executor {
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	return NewExecutor(rt, 500*time.Millisecond, logger)
}

func TestExecutorDeliversLinesInOrder(t *testing.T) {
	lines := make([]string, 500)
	for i := range lines {
		lines[i] = fmt.Sprintf("epoch %d", i)
	}
	rt := &scriptedRuntime{lines: lines, exitCode: 0}
	var got []string
	res := newTestExecutor(rt).Run(context.Background(), Invocation{Name: "x"}, time.Minute, func(line string) {
		got = append(got, line)
	})
	if res.Outcome != OutcomeCompleted || res.ExitCode != 0 {
		t.Fatalf("expected completed with exit 0, got %+v", res)
	}
	if len(got) != len(lines) {
		t.Fatalf("expected %d lines, got %d", len(lines), len(got))
	}
	for i := range lines {
		if got[i] != lines[i] {
			t.Fatalf("line %d out of order: %q", i, got[i])
		}
	}
	if !rt.procs[0].closed {
		t.Fatalf("expected process resources to be released")
	}
}

func TestExecutorReportsNonZeroExit(t *testing.T) {
	rt := &scriptedRuntime{lines: []string{"Traceback"}, exitCode: 2}
	res := newTestExecutor(rt).Run(context.Background(), Invocation{}, time.Minute, nil)
	if res.Outcome != OutcomeCompleted || res.ExitCode != 2 {
		t.Fatalf("expected completed with exit 2, got %+v", res)
	}
}

func TestExecutorTimeoutKillsProcess(t *testing.T) {
	rt := &scriptedRuntime{lines: []string{"loading data"}, hang: true}
	var got []string
	res := newTestExecutor(rt).Run(context.Background(), Invocation{}, 50*time.Millisecond, func(line string) {
		got = append(got, line)
	})
	if res.Outcome != OutcomeTimedOut {
		t.Fatalf("expected timed_out, got %+v", res)
	}
	if !rt.procs[0].wasKilled() {
		t.Fatalf("expected process to be killed on timeout")
	}
	if len(got) != 1 || got[0] != "loading data" {
		t.Fatalf("expected output before the timeout to be kept, got %v", got)
	}
}

func TestExecutorLaunchError(t *testing.T) {
	rt := &scriptedRuntime{startErr: errors.New("image not found")}
	res := newTestExecutor(rt).Run(context.Background(), Invocation{}, time.Minute, nil)
	if res.Outcome != OutcomeLaunchError {
		t.Fatalf("expected launch_error, got %+v", res)
	}
	if res.Err == nil || res.ExitCode != -1 {
		t.Fatalf("expected error and exit -1, got %+v", res)
	}
}

func TestCLIRuntimeRunsRealProcess(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	rt := NewCLIRuntime("sh")
	rt.Args = func(Invocation) []string { return []string{"-c", "echo one; echo two 1>&2; exit 3"} }

	var got []string
	res := newTestExecutor(rt).Run(context.Background(), Invocation{}, 10*time.Second, func(line string) {
		got = append(got, line)
	})
	if res.Outcome != OutcomeCompleted || res.ExitCode != 3 {
		t.Fatalf("expected completed with exit 3, got %+v", res)
	}
	if len(got) != 2 || got[0] != "one" || got[1] != "two" {
		t.Fatalf("expected merged output [one two], got %v", got)
	}
}

func TestCLIRuntimeTimeout(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	rt := NewCLIRuntime("sh")
	rt.Args = func(Invocation) []string { return []string{"-c", "echo started; exec sleep 5"} }

	start := time.Now()
	var got []string
	res := newTestExecutor(rt).Run(context.Background(), Invocation{}, 200*time.Millisecond, func(line string) {
		got = append(got, line)
	})
	if res.Outcome != OutcomeTimedOut {
		t.Fatalf("expected timed_out, got %+v", res)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("expected kill to end the run promptly, took %s", elapsed)
	}
	if len(got) == 0 || got[0] != "started" {
		t.Fatalf("expected early output to be delivered, got %v", got)
	}
}

func TestCLIRuntimeMissingBinary(t *testing.T) {
	rt := NewCLIRuntime("definitely-not-a-real-binary-smia")
	res := newTestExecutor(rt).Run(context.Background(), Invocation{Image: "img", Entrypoint: []string{"/bin/sh"}}, time.Second, nil)
	if res.Outcome != OutcomeLaunchError {
		t.Fatalf("expected launch_error, got %+v", res)
	}
}
