package container

import (
	"context"
	"errors"
	"os/exec"
	"time"
)

// ExecOnHost runs spec.Command directly on the host, bypassing the
// container entirely. This is the FullAccess escape hatch and is wired
// separately from Runner.Exec's default containerized path; callers
// must restrict it to trusted invocations themselves (e.g. an operator
// console), never to sandboxed extension or worker traffic.
func ExecOnHost(ctx context.Context, spec Spec) (ExecResult, error) {
	if blocked, reason := checkBlocked(spec.Command, false); blocked {
		return ExecResult{}, &NotAuthorizedError{Command: spec.Command, Reason: reason}
	}

	limits := spec.Limits
	if limits.WallTimeout == 0 {
		limits.WallTimeout = DefaultResourceLimits().WallTimeout
	}
	if limits.MaxOutputBytes == 0 {
		limits.MaxOutputBytes = DefaultResourceLimits().MaxOutputBytes
	}

	runCtx, cancel := context.WithTimeout(ctx, limits.WallTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", spec.Command)
	cmd.Dir = spec.WorkingDir
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	perStream := limits.MaxOutputBytes / 2
	outBuf := &boundedBuffer{limit: perStream}
	errBuf := &boundedBuffer{limit: perStream}
	cmd.Stdout = outBuf
	cmd.Stderr = errBuf

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	if runCtx.Err() == context.DeadlineExceeded {
		return ExecResult{}, &TimeoutError{Timeout: limits.WallTimeout.String()}
	}

	var exitCode int64
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		exitCode = int64(exitErr.ExitCode())
	} else if err != nil {
		return ExecResult{}, &UpstreamFailureError{Op: "exec", Err: err}
	}

	return ExecResult{
		ExitCode:  exitCode,
		Stdout:    outBuf.String(),
		Stderr:    errBuf.String(),
		Duration:  duration,
		Truncated: outBuf.truncated || errBuf.truncated,
	}, nil
}
