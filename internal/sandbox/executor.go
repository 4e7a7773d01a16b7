package sandbox

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
)

const maxLineBytes = 1 << 20

// Outcome classifies how a sandbox run ended.
type Outcome string

const (
	OutcomeCompleted   Outcome = "completed"
	OutcomeTimedOut    Outcome = "timed_out"
	OutcomeLaunchError Outcome = "launch_error"
)

// Result is what the executor reports back to the lifecycle controller.
type Result struct {
	Outcome  Outcome
	ExitCode int
	Err      error
	Duration time.Duration
}

// Runtime launches invocations. Implementations exist for the Docker Engine
// API and for the docker CLI.
type Runtime interface {
	Start(ctx context.Context, inv Invocation) (Process, error)
}

// Process is one launched sandbox.
type Process interface {
	// Output yields combined stdout and stderr until the process exits.
	Output() io.Reader
	// Wait blocks until exit and returns the exit code.
	Wait(ctx context.Context) (int, error)
	// Kill forcibly stops the process.
	Kill(ctx context.Context) error
	// Close releases resources held for the process.
	Close() error
}

// Executor runs invocations to completion under a wall-clock limit.
type Executor struct {
	runtime   Runtime
	killGrace time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewExecutor wires an executor to a runtime.
func NewExecutor(runtime Runtime, killGrace time.Duration, logger *slog.Logger) *Executor {
	if killGrace <= 0 {
		killGrace = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		runtime:   runtime,
		killGrace: killGrace,
		logger:    logger.With("component", "sandbox"),
		now:       time.Now,
	}
}

// Run starts the invocation, forwards every output line to sink in order as
// it arrives, and waits for exit or timeout. A timeout kills the sandbox.
func (e *Executor) Run(ctx context.Context, inv Invocation, timeout time.Duration, sink func(string)) Result {
	start := e.now()
	if sink == nil {
		sink = func(string) {}
	}
	runCtx := ctx
	cancel := context.CancelFunc(func() {})
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	proc, err := e.runtime.Start(runCtx, inv)
	if err != nil {
		e.logger.Warn("sandbox launch failed", "name", inv.Name, "error", err)
		return Result{Outcome: OutcomeLaunchError, ExitCode: -1, Err: err, Duration: e.now().Sub(start)}
	}
	defer func() {
		if err := proc.Close(); err != nil {
			e.logger.Warn("sandbox cleanup failed", "name", inv.Name, "error", err)
		}
	}()

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		pump(proc.Output(), sink)
	}()

	code, waitErr := proc.Wait(runCtx)
	if runCtx.Err() != nil {
		killCtx, killCancel := context.WithTimeout(context.Background(), e.killGrace)
		defer killCancel()
		if err := proc.Kill(killCtx); err != nil {
			e.logger.Warn("sandbox kill failed", "name", inv.Name, "error", err)
		}
		e.drain(pumpDone)
		elapsed := e.now().Sub(start)
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return Result{Outcome: OutcomeTimedOut, ExitCode: -1, Err: fmt.Errorf("exceeded %s", timeout), Duration: elapsed}
		}
		return Result{Outcome: OutcomeLaunchError, ExitCode: -1, Err: fmt.Errorf("supervision interrupted: %w", ctx.Err()), Duration: elapsed}
	}
	e.drain(pumpDone)
	if waitErr != nil {
		return Result{Outcome: OutcomeLaunchError, ExitCode: -1, Err: waitErr, Duration: e.now().Sub(start)}
	}
	return Result{Outcome: OutcomeCompleted, ExitCode: code, Duration: e.now().Sub(start)}
}

func (e *Executor) drain(done <-chan struct{}) {
	select {
	case <-done:
	case <-time.After(e.killGrace):
		e.logger.Warn("sandbox output did not close after exit")
	}
}

func pump(r io.Reader, sink func(string)) {
	if r == nil {
		return
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		sink(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		sink(fmt.Sprintf("[output truncated: %v]", err))
		_, _ = io.Copy(io.Discard, r)
	}
}
