// Package container runs sandboxed shell commands in ephemeral Docker
// containers (C4 runner): one ContainerCreate/Start/Wait/Remove cycle per
// command, never a long-lived container reused across jobs.
package container

import "time"

// Policy controls how much of the host filesystem a command can touch.
type Policy string

const (
	PolicyReadOnly      Policy = "read_only"
	PolicyWorkspaceWrite Policy = "workspace_write"
	PolicyFullAccess    Policy = "full_access"
)

// IsSandboxed reports whether this policy still runs inside the
// container network (true for all three — every policy is sandboxed;
// the distinction is only how much filesystem access is granted).
func (p Policy) IsSandboxed() bool { return true }

// ResourceLimits bounds one command execution.
type ResourceLimits struct {
	MemoryBytes   int64
	CPUShares     int64
	WallTimeout   time.Duration
	MaxOutputBytes int
}

// DefaultResourceLimits mirrors the teacher's 2GB/1024-share/64KiB
// defaults, scaled to the job-oriented sandbox rather than a fixed agent
// image.
func DefaultResourceLimits() ResourceLimits {
	return ResourceLimits{
		MemoryBytes:    2 << 30, // 2 GiB
		CPUShares:      1024,
		WallTimeout:    120 * time.Second,
		MaxOutputBytes: 64 * 1024,
	}
}

// ExecResult is what a command execution returns to its caller.
type ExecResult struct {
	ExitCode  int64
	Stdout    string
	Stderr    string
	Duration  time.Duration
	Truncated bool
}

// Spec describes one command execution.
type Spec struct {
	Command    string
	WorkingDir string // host path bind-mounted at /workspace
	Policy     Policy
	Limits     ResourceLimits
	Env        map[string]string
	ProxyAddr  string // host:port of the job's sandbox proxy (C4 proxy); empty disables network egress env vars
}

const (
	labelManagedBy = "harbor.managed-by"
	labelJobID     = "harbor.job-id"
	managedByValue = "harbor"

	containerUser = "1000:1000"
)
