// Package sandbox wraps a shell command so it runs under the strongest
// available OS-level confinement: Landlock, Bubblewrap, a macOS Seatbelt
// profile, or plain path validation. Unlike the teacher's container-pool
// code-execution sandbox (internal/tools/sandbox), this package never
// starts a container — it only rewrites the command line (or, for
// PathValidation, validates it) before the caller execs it directly.
package sandbox

import (
	"bytes"
	"context"
	"io"
	"os/exec"
	"runtime"

	verrors "github.com/rustyclaw/gateway/internal/errors"
)

// Mode names the confinement mechanism, ordered highest-privilege first.
type Mode string

const (
	ModeAuto           Mode = "auto"
	ModeLandlock       Mode = "landlock"
	ModeBubblewrap     Mode = "bubblewrap"
	ModeSeatbeltProfile Mode = "seatbelt"
	ModePathValidation Mode = "path_validation"
	ModeNone           Mode = "none"
)

// precedence is the fixed, closed resolution order for ModeAuto, per
// spec.md §4.5 and §9 ("Auto mode must choose the strongest supported
// mode deterministically").
var precedence = []Mode{ModeLandlock, ModeBubblewrap, ModeSeatbeltProfile, ModePathValidation}

// Policy constrains a sandboxed invocation.
type Policy struct {
	DenyRead  []string
	DenyWrite []string
	DenyExec  []string
	// AllowPaths, together with Workspace, bounds every path a command may
	// reference under PathValidation.
	AllowPaths []string
	Workspace  string
}

// Sandbox resolves a Mode once (or is pinned to one explicitly) and wraps
// commands under it.
type Sandbox struct {
	mode   Mode
	policy Policy
}

// WithMode constructs a Sandbox. ModeAuto probes the host and picks the
// strongest mode in precedence order; any other mode is used as given
// (the caller is responsible for confirming it's available — an operator
// explicitly requesting a mode the host cannot satisfy is a configuration
// error the gateway should refuse to start with, not silently downgrade).
func WithMode(mode Mode, policy Policy) *Sandbox {
	s := &Sandbox{mode: mode, policy: withVaultAndSecretsDenied(policy)}
	if mode == ModeAuto {
		s.mode = resolveAuto()
	}
	return s
}

// withVaultAndSecretsDenied enforces spec.md §4.5's invariant that the
// vault and secrets directories are always in deny_read, regardless of
// what the caller's policy specified.
func withVaultAndSecretsDenied(p Policy) Policy {
	p.DenyRead = append(append([]string{}, p.DenyRead...), "vault", "secrets")
	return p
}

// EffectiveMode returns the mode this Sandbox resolved to (useful for
// logging and for tests asserting Auto resolution).
func (s *Sandbox) EffectiveMode() Mode { return s.mode }

func resolveAuto() Mode {
	for _, m := range precedence {
		if available(m) {
			return m
		}
	}
	// Per spec.md §9, Auto never silently selects None; PathValidation is
	// always available and terminates this loop before falling through.
	return ModePathValidation
}

func available(m Mode) bool {
	switch m {
	case ModeLandlock:
		return runtime.GOOS == "linux" && landlockSupported()
	case ModeBubblewrap:
		if runtime.GOOS != "linux" {
			return false
		}
		_, err := exec.LookPath("bwrap")
		return err == nil
	case ModeSeatbeltProfile:
		if runtime.GOOS != "darwin" {
			return false
		}
		_, err := exec.LookPath("sandbox-exec")
		return err == nil
	case ModePathValidation:
		return true
	default:
		return false
	}
}

// ExecSpec carries the per-invocation I/O a caller needs wired through the
// sandbox: stdin content and extra environment variables. Nil/empty fields
// mean "inherit nothing beyond the confined default".
type ExecSpec struct {
	Stdin io.Reader
	Env   []string
	// Dir overrides the working directory within the sandbox's workspace.
	// Empty means the sandbox's own policy.Workspace.
	Dir string
}

// ExecResult is a sandboxed command's separated stdout/stderr.
type ExecResult struct {
	Stdout []byte
	Stderr []byte
}

// Run wraps and executes command (a full shell command line, e.g. from a
// tool invocation) under the sandbox's resolved mode and returns its
// combined output. Every mode fails closed: a confinement setup error
// prevents the command from ever running.
func (s *Sandbox) Run(ctx context.Context, command string) ([]byte, error) {
	result, err := s.RunSpec(ctx, command, ExecSpec{})
	if result == nil {
		return nil, err
	}
	return append(result.Stdout, result.Stderr...), err
}

// RunSpec is Run with stdin/env control and separated stdout/stderr,
// needed by callers (internal/tools/exec.Manager) that already expose
// those knobs to the tool-call layer.
func (s *Sandbox) RunSpec(ctx context.Context, command string, spec ExecSpec) (*ExecResult, error) {
	switch s.mode {
	case ModePathValidation:
		if err := validatePath(command, s.policy); err != nil {
			return nil, verrors.Tool("sandbox: "+err.Error(), err)
		}
		cmd := exec.CommandContext(ctx, "sh", "-c", command)
		cmd.Dir = s.policy.Workspace
		return runCmd(cmd, spec)

	case ModeBubblewrap:
		name, args, err := wrapWithBubblewrap(command, s.policy)
		if err != nil {
			return nil, verrors.Tool("sandbox: "+err.Error(), err)
		}
		cmd := exec.CommandContext(ctx, name, args...)
		return runCmd(cmd, spec)

	case ModeSeatbeltProfile:
		name, args, err := wrapWithSeatbelt(command, s.policy)
		if err != nil {
			return nil, verrors.Tool("sandbox: "+err.Error(), err)
		}
		cmd := exec.CommandContext(ctx, name, args...)
		return runCmd(cmd, spec)

	case ModeLandlock:
		return runUnderLandlock(ctx, command, s.policy, spec)

	case ModeNone:
		// Only reachable if an operator explicitly configured it; spec.md
		// §9 forbids Auto from ever landing here.
		cmd := exec.CommandContext(ctx, "sh", "-c", command)
		cmd.Dir = s.policy.Workspace
		return runCmd(cmd, spec)

	default:
		return nil, verrors.Internal("unknown sandbox mode", nil)
	}
}

// runCmd applies spec to cmd and executes it, capturing stdout/stderr
// separately.
func runCmd(cmd *exec.Cmd, spec ExecSpec) (*ExecResult, error) {
	if spec.Dir != "" {
		cmd.Dir = spec.Dir
	}
	if spec.Stdin != nil {
		cmd.Stdin = spec.Stdin
	}
	if len(spec.Env) > 0 {
		cmd.Env = append(cmd.Environ(), spec.Env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return &ExecResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, err
}
