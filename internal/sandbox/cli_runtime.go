package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// outputWaitDelay bounds how long Wait keeps copying output once the process has exited.
const outputWaitDelay = 2 * time.Second

// CLIRuntime launches invocations by spawning the docker CLI.
type CLIRuntime struct {
	Binary string
	// Args overrides argument rendering; nil means Invocation.Args.
	Args func(Invocation) []string
}

// NewCLIRuntime returns a runtime driving the given docker binary.
func NewCLIRuntime(binary string) *CLIRuntime {
	if binary == "" {
		binary = "docker"
	}
	return &CLIRuntime{Binary: binary}
}

// Start spawns the process with stdout and stderr merged into one stream.
func (r *CLIRuntime) Start(ctx context.Context, inv Invocation) (Process, error) {
	args := inv.Args()
	if r.Args != nil {
		args = r.Args(inv)
	}
	pr, pw := io.Pipe()
	cmd := exec.Command(r.Binary, args...)
	cmd.Stdout = pw
	cmd.Stderr = pw
	cmd.WaitDelay = outputWaitDelay
	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		return nil, fmt.Errorf("start %s: %w", r.Binary, err)
	}
	p := &cliProcess{cmd: cmd, out: pr, binary: r.Binary, name: inv.Name, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		_ = pw.Close()
		close(p.done)
	}()
	return p, nil
}

type cliProcess struct {
	cmd    *exec.Cmd
	out    *io.PipeReader
	binary string
	name   string

	done chan struct{}
	err  error
	once sync.Once
}

func (p *cliProcess) Output() io.Reader { return p.out }

func (p *cliProcess) Wait(ctx context.Context) (int, error) {
	select {
	case <-p.done:
	case <-ctx.Done():
		return -1, ctx.Err()
	}
	if p.err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(p.err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, p.err
}

// Kill stops the CLI process and the named container; the container outlives its client otherwise.
func (p *cliProcess) Kill(ctx context.Context) error {
	var errs []error
	if p.cmd.Process != nil {
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			errs = append(errs, err)
		}
	}
	if p.name != "" && p.binary == "docker" {
		if out, err := exec.CommandContext(ctx, p.binary, "kill", p.name).CombinedOutput(); err != nil {
			errs = append(errs, fmt.Errorf("docker kill %s: %w: %s", p.name, err, out))
		}
	}
	return errors.Join(errs...)
}

func (p *cliProcess) Close() error {
	p.once.Do(func() { _ = p.out.Close() })
	return nil
}
