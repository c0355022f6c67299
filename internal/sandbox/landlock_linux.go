//go:build linux

package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Landlock filesystem access-right bits (linux/landlock.h). Only the
// subset needed for read/write/exec/readdir gating is declared; newer
// rights (refer, truncate, ioctl_dev) are left for a kernel that needs
// them.
const (
	landlockAccessFSExecute  = 1 << 0
	landlockAccessFSWriteFile = 1 << 1
	landlockAccessFSReadFile  = 1 << 2
	landlockAccessFSReadDir  = 1 << 3

	landlockAllAccess = landlockAccessFSExecute | landlockAccessFSWriteFile | landlockAccessFSReadFile | landlockAccessFSReadDir
)

type landlockRulesetAttr struct {
	HandledAccessFS uint64
}

type landlockPathBeneathAttr struct {
	AllowedAccess uint64
	ParentFD      int32
	_             [4]byte // padding to match the kernel struct's alignment
}

var (
	landlockProbeOnce sync.Once
	landlockAvailable bool
)

// landlockSupported probes whether the running kernel implements Landlock
// by attempting to create a zero-rule ruleset and closing the resulting
// fd. The probe result is cached for the process lifetime.
func landlockSupported() bool {
	landlockProbeOnce.Do(func() {
		fd, err := landlockCreateRuleset(landlockAccessFSReadFile)
		if err == nil {
			unix.Close(fd)
			landlockAvailable = true
		}
	})
	return landlockAvailable
}

func landlockCreateRuleset(handledAccessFS uint64) (int, error) {
	attr := landlockRulesetAttr{HandledAccessFS: handledAccessFS}
	fd, _, errno := unix.Syscall(unix.SYS_LANDLOCK_CREATE_RULESET, uintptr(unsafe.Pointer(&attr)), unsafe.Sizeof(attr), 0)
	if errno != 0 {
		return -1, errno
	}
	return int(fd), nil
}

func landlockAddPathRule(rulesetFD int, path string, allowedAccess uint64) error {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		// A configured allow path that doesn't exist yet is not fatal: it
		// simply grants no access, matching "deny by default".
		return nil
	}
	defer f.Close()

	rule := landlockPathBeneathAttr{AllowedAccess: allowedAccess, ParentFD: int32(f.Fd())}
	_, _, errno := unix.Syscall6(unix.SYS_LANDLOCK_ADD_RULE, uintptr(rulesetFD), unix.LANDLOCK_RULE_PATH_BENEATH, uintptr(unsafe.Pointer(&rule)), 0, 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// landlockChildEnv marks a re-exec of the current binary that should apply
// a Landlock ruleset to itself and then exec the target shell command.
// landlock_restrict_self is irreversible for the calling process, so it
// must happen in a disposable child, never in the long-running gateway
// process — hence the re-exec instead of restricting in place.
const landlockChildEnv = "RUSTYCLAW_SANDBOX_LANDLOCK_EXEC"

type landlockChildRequest struct {
	Command    string
	AllowPaths []string
	DenyWrite  []string
	DenyExec   []string
}

func init() {
	payload := os.Getenv(landlockChildEnv)
	if payload == "" {
		return
	}
	// Running as the re-exec'd child: apply the ruleset to this process
	// and never return to normal program flow.
	var req landlockChildRequest
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		fmt.Fprintln(os.Stderr, "sandbox: invalid landlock child request:", err)
		os.Exit(1)
	}
	if err := applyLandlockSelf(req); err != nil {
		fmt.Fprintln(os.Stderr, "sandbox: landlock restriction failed:", err)
		os.Exit(1)
	}
	shPath, err := exec.LookPath("sh")
	if err != nil {
		fmt.Fprintln(os.Stderr, "sandbox: sh not found:", err)
		os.Exit(1)
	}
	env := os.Environ()
	if err := unix.Exec(shPath, []string{"sh", "-c", req.Command}, env); err != nil {
		fmt.Fprintln(os.Stderr, "sandbox: exec failed:", err)
		os.Exit(1)
	}
}

func applyLandlockSelf(req landlockChildRequest) error {
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return err
	}
	rulesetFD, err := landlockCreateRuleset(landlockAllAccess)
	if err != nil {
		return fmt.Errorf("create ruleset: %w", err)
	}
	defer unix.Close(rulesetFD)

	for _, p := range req.AllowPaths {
		access := uint64(landlockAccessFSReadFile | landlockAccessFSReadDir)
		if !containsString(req.DenyWrite, p) {
			access |= landlockAccessFSWriteFile
		}
		if !containsString(req.DenyExec, p) {
			access |= landlockAccessFSExecute
		}
		if err := landlockAddPathRule(rulesetFD, p, access); err != nil {
			return fmt.Errorf("add rule for %s: %w", p, err)
		}
	}

	_, _, errno := unix.Syscall(unix.SYS_LANDLOCK_RESTRICT_SELF, uintptr(rulesetFD), 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func containsString(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// runUnderLandlock re-execs the current binary with a request describing
// the command and the paths it may touch; the re-exec'd child restricts
// its own Landlock domain (see init above) before exec'ing the command,
// so the restriction never applies to the calling gateway process.
func runUnderLandlock(ctx context.Context, command string, policy Policy, spec ExecSpec) (*ExecResult, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("sandbox: resolve self executable: %w", err)
	}

	allowPaths := append([]string{}, policy.AllowPaths...)
	if policy.Workspace != "" {
		allowPaths = append(allowPaths, policy.Workspace)
	}
	req := landlockChildRequest{
		Command:    command,
		AllowPaths: allowPaths,
		DenyWrite:  policy.DenyWrite,
		DenyExec:   policy.DenyExec,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("sandbox: encode landlock request: %w", err)
	}

	cmd := exec.CommandContext(ctx, self)
	cmd.Dir = policy.Workspace
	cmd.Env = append(os.Environ(), landlockChildEnv+"="+string(payload))
	dir := spec.Dir
	spec.Env = nil // the landlock child reads the command from landlockChildEnv, not argv/env passthrough
	spec.Dir = dir
	return runCmd(cmd, spec)
}
