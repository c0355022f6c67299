//go:build !linux

package sandbox

import (
	"context"

	verrors "github.com/rustyclaw/gateway/internal/errors"
)

func landlockSupported() bool { return false }

func runUnderLandlock(ctx context.Context, command string, policy Policy, spec ExecSpec) (*ExecResult, error) {
	return nil, verrors.Internal("landlock is only available on linux", nil)
}
