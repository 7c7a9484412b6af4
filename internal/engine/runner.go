package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"reimage/internal/codec"
	"reimage/internal/failure"
	"reimage/internal/logging"
)

// Result is the outcome of one engine run. Mask is set only on exit 0.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	MaskPath string
	Mask     *codec.Mask
	Duration time.Duration
}

// Runner launches engine processes. It holds no per-run state.
type Runner struct {
	log *slog.Logger
	// waitDelay bounds how long Wait blocks on open pipes after a kill.
	waitDelay time.Duration
}

// NewRunner returns a Runner that logs to log.
func NewRunner(log *slog.Logger) *Runner {
	return &Runner{log: logging.OrDefault(log), waitDelay: 2 * time.Second}
}

// Run executes req and blocks until the process exits or is killed. Non-zero
// exits return an engine failure carrying stderr; a missed deadline returns a
// timeout failure. The output mask is read only after a clean exit.
func (r *Runner) Run(ctx context.Context, req Request) (Result, error) {
	args, err := req.Args()
	if err != nil {
		return Result{}, err
	}
	res := Result{MaskPath: req.OutMask}

	// A stale mask from an earlier run must never be mistaken for this one.
	if err := os.Remove(req.OutMask); err != nil && !errors.Is(err, os.ErrNotExist) {
		return res, failure.IO("clear output mask", err)
	}

	timeout := req.timeout()
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, req.Exe, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = r.waitDelay

	logging.LogInvocationStart(r.log, req.ID, string(req.Mode), req.Width, req.Height, args)
	start := time.Now()
	runErr := cmd.Run()
	res.Duration = time.Since(start)
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	if err := runCtx.Err(); runErr != nil && err != nil {
		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("engine run %s canceled: %w", req.ID, ctx.Err())
		} else {
			err = failure.Timeout("engine run", timeout)
		}
		logging.LogInvocationError(r.log, req.ID, res.Duration, err)
		return res, err
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			err = failure.Engine("engine run", exitErr.ExitCode(), res.Stderr)
		} else {
			res.ExitCode = -1
			err = failure.EngineStart("engine run", runErr)
		}
		logging.LogInvocationError(r.log, req.ID, res.Duration, err)
		return res, err
	}

	if res.Stdout != "" {
		r.log.Debug("engine output", "id", req.ID, "stdout", strings.TrimSpace(res.Stdout))
	}

	buf, err := os.ReadFile(req.OutMask)
	if err != nil {
		err = failure.IO("read output mask", err)
		logging.LogInvocationError(r.log, req.ID, res.Duration, err)
		return res, err
	}
	mask, err := codec.DecodeMask(buf, req.Width, req.Height, r.log)
	if err != nil {
		logging.LogInvocationError(r.log, req.ID, res.Duration, err)
		return res, err
	}
	res.Mask = mask
	logging.LogInvocationComplete(r.log, req.ID, res.Duration, mask.Count(), len(mask.Pix))
	return res, nil
}
