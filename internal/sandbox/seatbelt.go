package sandbox

import (
	"fmt"
	"strings"
)

// wrapWithSeatbelt composes a macOS sandbox-exec profile from the policy:
// deny-by-default, then literal allow/deny clauses for the workspace and
// each configured path, per spec.md §4.5.
func wrapWithSeatbelt(command string, policy Policy) (string, []string, error) {
	var b strings.Builder
	b.WriteString("(version 1)\n(deny default)\n(allow process-fork)\n")

	if policy.Workspace != "" {
		fmt.Fprintf(&b, "(allow file-read* (subpath %q))\n", policy.Workspace)
		if !isDeniedWrite(policy.Workspace, policy) {
			fmt.Fprintf(&b, "(allow file-write* (subpath %q))\n", policy.Workspace)
		}
	}
	for _, allow := range policy.AllowPaths {
		fmt.Fprintf(&b, "(allow file-read* (subpath %q))\n", allow)
		if !isDeniedWrite(allow, policy) {
			fmt.Fprintf(&b, "(allow file-write* (subpath %q))\n", allow)
		}
	}
	for _, denied := range policy.DenyRead {
		fmt.Fprintf(&b, "(deny file-read* (subpath %q))\n", denied)
	}
	for _, denied := range policy.DenyExec {
		fmt.Fprintf(&b, "(deny process-exec (subpath %q))\n", denied)
	}
	b.WriteString("(allow process-exec)\n")

	return "sandbox-exec", []string{"-p", b.String(), "sh", "-c", command}, nil
}
