// Package rclone is the boundary to the external transfer tool. The tool is
// a black box: we hand it an argv, stream its output and interpret exit
// codes. Arguments are never passed through a shell.
package rclone

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// ErrTimeout marks a run that was forcibly terminated by its own deadline.
var ErrTimeout = errors.New("rclone: run timed out")

// RunOptions control a single tool invocation.
type RunOptions struct {
	// AllowedExitCodes are exit codes treated as successful outcomes.
	// Empty means {0}.
	AllowedExitCodes []int
	// Timeout, when positive, bounds the whole invocation.
	Timeout time.Duration
	// OnSpawn fires after the process started, before any output arrives.
	OnSpawn func()
	// OnOutput receives raw stdout/stderr chunks as they arrive. Chunks
	// may split lines; callers reassemble.
	OnOutput func(chunk []byte)
}

type Runner struct {
	binary string
	log    *zap.Logger
}

func NewRunner(binary string, log *zap.Logger) *Runner {
	return &Runner{binary: binary, log: log}
}

// Run executes the tool and waits for it to exit. It returns the exit code
// and a nil error when the code is in the allowed set. Context cancellation
// sends an interrupt first and force-kills after a short delay.
func (r *Runner) Run(ctx context.Context, args []string, opts RunOptions) (int, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, opts.Timeout, ErrTimeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, r.binary, args...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGINT)
	}
	cmd.WaitDelay = 10 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return -1, fmt.Errorf("failed to open stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return -1, fmt.Errorf("failed to open stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("failed to spawn %s: %w", r.binary, err)
	}

	r.log.Debug("process spawned",
		zap.String("binary", r.binary),
		zap.Strings("args", args),
		zap.Int("pid", cmd.Process.Pid))

	if opts.OnSpawn != nil {
		opts.OnSpawn()
	}

	// Both pipes funnel into one callback; the lock keeps chunk delivery
	// serialized for consumers that reassemble lines.
	var outMu sync.Mutex
	onOutput := func(chunk []byte) {
		if opts.OnOutput == nil {
			return
		}
		outMu.Lock()
		defer outMu.Unlock()
		opts.OnOutput(chunk)
	}

	drained := make(chan struct{}, 2)
	go drain(stdout, onOutput, drained)
	go drain(stderr, onOutput, drained)
	<-drained
	<-drained

	err = cmd.Wait()
	if cause := context.Cause(ctx); errors.Is(cause, ErrTimeout) {
		return -1, ErrTimeout
	}

	code := cmd.ProcessState.ExitCode()
	if err == nil {
		return code, nil
	}

	if _, ok := errors.AsType[*exec.ExitError](err); ok {
		if allowed(code, opts.AllowedExitCodes) {
			return code, nil
		}
		return code, fmt.Errorf("%s exited with code %d", r.binary, code)
	}

	return code, fmt.Errorf("%s failed: %w", r.binary, err)
}

func drain(rd io.Reader, onOutput func([]byte), done chan<- struct{}) {
	defer func() { done <- struct{}{} }()

	buf := make([]byte, 32*1024)
	for {
		n, err := rd.Read(buf)
		if n > 0 && onOutput != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			onOutput(chunk)
		}
		if err != nil {
			return
		}
	}
}

func allowed(code int, set []int) bool {
	if len(set) == 0 {
		return code == 0
	}
	for _, c := range set {
		if c == code {
			return true
		}
	}
	return false
}
