package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/CodeMonkeyCybersecurity/cassandra/pkg/types"
)

// Runner starts one external process and waits for it. A non-zero exit is
// reported through the outcome; err is reserved for spawn failures and
// deadlines.
type Runner interface {
	Run(ctx context.Context, name string, args []string) (types.CommandOutcome, error)
}

// ProcessRunner runs commands directly without a shell.
type ProcessRunner struct {
	Timeout time.Duration
	Dir     string
}

func (r ProcessRunner) Run(ctx context.Context, name string, args []string) (types.CommandOutcome, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = r.Dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	outcome := types.CommandOutcome{
		ExitCode: -1,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if cmd.ProcessState != nil {
		outcome.ExitCode = cmd.ProcessState.ExitCode()
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return outcome, fmt.Errorf("%s did not finish: %w", name, ctxErr)
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return outcome, fmt.Errorf("failed to start %s: %w", name, err)
	}
	return outcome, nil
}
