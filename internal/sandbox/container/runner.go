// Package container runs one shell command per call in a freshly created,
// freshly destroyed Docker container (C4 runner): never a long-lived
// container reused across commands or jobs.
package container

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"runtime"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// Runtime is the seam a test double substitutes for the Docker Engine.
// The CORE implements it concretely against github.com/docker/docker/client;
// nothing above this package depends on the Docker SDK directly.
type Runtime interface {
	Exec(ctx context.Context, spec Spec) (ExecResult, error)
	ImageExists(ctx context.Context, image string) (bool, error)
	PullImage(ctx context.Context, image string) error
}

// Runner is the Docker-backed implementation of Runtime.
type Runner struct {
	client         *dockerclient.Client
	image          string
	allowDangerous bool
}

// Option configures a Runner at construction.
type Option func(*Runner)

// WithAllowDangerous disables the configurable dangerous-pattern check.
// The always-blocked set is never affected by this option.
func WithAllowDangerous() Option {
	return func(r *Runner) { r.allowDangerous = true }
}

// NewRunner builds a Runner against the Docker daemon reachable via the
// standard DOCKER_HOST env var or local socket. image is the worker
// image every Exec call runs its command_line inside.
func NewRunner(image string, opts ...Option) (*Runner, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	r := &Runner{client: cli, image: image}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// ImageExists reports whether image is already present locally.
func (r *Runner) ImageExists(ctx context.Context, image string) (bool, error) {
	_, _, err := r.client.ImageInspectWithRaw(ctx, image)
	if err == nil {
		return true, nil
	}
	if dockerclient.IsErrNotFound(err) {
		return false, nil
	}
	return false, &UpstreamFailureError{Op: "image inspect", Err: err}
}

// PullImage pulls image from its configured registry, discarding the
// progress stream.
func (r *Runner) PullImage(ctx context.Context, ref string) error {
	rc, err := r.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return &UpstreamFailureError{Op: "image pull", Err: err}
	}
	defer rc.Close()
	_, _ = io.Copy(io.Discard, rc)
	return nil
}

// Exec runs spec.Command in a fresh container (or, for FullAccess, is
// never called at all — callers route FullAccess through a direct host
// executor instead). The blocked-command check runs before any
// container is created.
func (r *Runner) Exec(ctx context.Context, spec Spec) (ExecResult, error) {
	if blocked, reason := checkBlocked(spec.Command, r.allowDangerous); blocked {
		return ExecResult{}, &NotAuthorizedError{Command: spec.Command, Reason: reason}
	}

	if r.image == "" {
		return ExecResult{}, fmt.Errorf("runner: no image configured")
	}

	limits := spec.Limits
	defaults := DefaultResourceLimits()
	if limits.WallTimeout == 0 {
		limits.WallTimeout = defaults.WallTimeout
	}
	if limits.MaxOutputBytes == 0 {
		limits.MaxOutputBytes = defaults.MaxOutputBytes
	}
	if limits.MemoryBytes == 0 {
		limits.MemoryBytes = defaults.MemoryBytes
	}
	if limits.CPUShares == 0 {
		limits.CPUShares = defaults.CPUShares
	}

	containerCfg, hostCfg := buildContainerConfig(r.image, spec, limits)

	resp, err := r.client.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, "")
	if err != nil {
		return ExecResult{}, &UpstreamFailureError{Op: "create", Err: err}
	}
	id := resp.ID
	defer func() {
		removeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		r.client.ContainerRemove(removeCtx, id, container.RemoveOptions{Force: true})
	}()

	start := time.Now()
	if err := r.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return ExecResult{}, &UpstreamFailureError{Op: "start", Err: err}
	}

	runCtx, cancel := context.WithTimeout(ctx, limits.WallTimeout)
	defer cancel()

	statusCh, errCh := r.client.ContainerWait(runCtx, id, container.WaitConditionNotRunning)
	var exitCode int64
	select {
	case <-runCtx.Done():
		return ExecResult{}, &TimeoutError{Timeout: limits.WallTimeout.String()}
	case err := <-errCh:
		if err != nil {
			return ExecResult{}, &UpstreamFailureError{Op: "wait", Err: err}
		}
	case st := <-statusCh:
		exitCode = st.StatusCode
	}

	stdout, stderr, truncated, err := r.collectLogs(context.Background(), id, limits.MaxOutputBytes)
	if err != nil {
		return ExecResult{}, &UpstreamFailureError{Op: "logs", Err: err}
	}

	return ExecResult{
		ExitCode:  exitCode,
		Stdout:    stdout,
		Stderr:    stderr,
		Duration:  time.Since(start),
		Truncated: truncated,
	}, nil
}

// collectLogs reads the full demultiplexed log stream and truncates each
// of stdout/stderr independently once it exceeds half the output budget,
// mirroring the contract that either stream may be truncated on its own.
func (r *Runner) collectLogs(ctx context.Context, id string, maxOutputBytes int) (stdout, stderr string, truncated bool, err error) {
	rc, err := r.client.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", false, err
	}
	defer rc.Close()

	perStream := maxOutputBytes / 2
	outBuf := &boundedBuffer{limit: perStream}
	errBuf := &boundedBuffer{limit: perStream}
	if _, err := stdcopy.StdCopy(outBuf, errBuf, rc); err != nil && err != io.EOF {
		return "", "", false, err
	}
	return outBuf.String(), errBuf.String(), outBuf.truncated || errBuf.truncated, nil
}

// boundedBuffer caps the number of bytes retained, recording whether any
// write overflowed the cap rather than silently dropping the marker.
type boundedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if b.limit <= 0 {
		return n, nil
	}
	remaining := b.limit - b.buf.Len()
	if remaining <= 0 {
		b.truncated = true
		return n, nil
	}
	if len(p) > remaining {
		b.buf.Write(p[:remaining])
		b.truncated = true
		return n, nil
	}
	b.buf.Write(p)
	return n, nil
}

func (b *boundedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "\n[...truncated]"
	}
	return b.buf.String()
}

// buildContainerConfig translates a Spec and its resolved ResourceLimits
// into the hardened container.Config/HostConfig pair: capabilities
// dropped to the minimum, no-new-privileges, a non-root user, and
// policy-driven bind mounts and rootfs mode.
func buildContainerConfig(image string, spec Spec, limits ResourceLimits) (*container.Config, *container.HostConfig) {
	env := make([]string, 0, len(spec.Env)+4)
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	if spec.ProxyAddr != "" {
		proxyURL := "http://" + spec.ProxyAddr
		env = append(env,
			"http_proxy="+proxyURL,
			"https_proxy="+proxyURL,
			"HTTP_PROXY="+proxyURL,
			"HTTPS_PROXY="+proxyURL,
		)
	}

	cfg := &container.Config{
		Image:      image,
		Cmd:        []string{"sh", "-c", spec.Command},
		Env:        env,
		WorkingDir: "/workspace",
		User:       containerUser,
		Labels: map[string]string{
			labelManagedBy: managedByValue,
		},
	}

	mountMode := "rw"
	if spec.Policy == PolicyReadOnly {
		mountMode = "ro"
	}
	mounts := []mount.Mount{}
	if spec.WorkingDir != "" {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   spec.WorkingDir,
			Target:   "/workspace",
			ReadOnly: mountMode == "ro",
		})
	}

	hostCfg := &container.HostConfig{
		Mounts: mounts,
		Resources: container.Resources{
			Memory:    limits.MemoryBytes,
			CPUShares: limits.CPUShares,
		},
		NetworkMode:    "bridge",
		CapDrop:        []string{"ALL"},
		CapAdd:         []string{"CHOWN", "SETUID", "SETGID"},
		SecurityOpt:    []string{"no-new-privileges:true"},
		ReadonlyRootfs: spec.Policy == PolicyReadOnly,
		Tmpfs: map[string]string{
			"/tmp": "size=512m",
		},
		AutoRemove: false, // this package removes explicitly so it can still read logs after exit
	}

	return cfg, hostCfg
}

// HostBridgeGateway returns the address a sandboxed container should use
// to reach a host-bound listener (e.g. the sandbox proxy): the Docker
// bridge gateway IP on Linux, host.docker.internal elsewhere.
func HostBridgeGateway() string {
	if runtime.GOOS == "linux" {
		return "172.17.0.1"
	}
	return "host.docker.internal"
}

