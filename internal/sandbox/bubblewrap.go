package sandbox

// wrapWithBubblewrap builds a bwrap invocation per spec.md §4.5: workspace
// is bind-mounted writable unless it's in deny_write (then read-only);
// every deny_read/deny_exec path is simply never mounted; the command
// itself runs under "sh -c" inside the sandbox, appended after "--".
func wrapWithBubblewrap(command string, policy Policy) (string, []string, error) {
	args := []string{
		"--unshare-all",
		"--share-net",
		"--die-with-parent",
		"--proc", "/proc",
		"--dev", "/dev",
		"--ro-bind", "/usr", "/usr",
		"--ro-bind", "/bin", "/bin",
		"--ro-bind", "/lib", "/lib",
	}

	if policy.Workspace != "" {
		if isDeniedWrite(policy.Workspace, policy) {
			args = append(args, "--ro-bind", policy.Workspace, policy.Workspace)
		} else {
			args = append(args, "--bind", policy.Workspace, policy.Workspace)
		}
	}

	for _, allow := range policy.AllowPaths {
		if containsPath(policy.DenyRead, allow) || containsPath(policy.DenyExec, allow) {
			continue
		}
		if isDeniedWrite(allow, policy) {
			args = append(args, "--ro-bind", allow, allow)
		} else {
			args = append(args, "--bind", allow, allow)
		}
	}

	args = append(args, "--", "sh", "-c", command)
	return "bwrap", args, nil
}

func isDeniedWrite(path string, policy Policy) bool {
	return containsPath(policy.DenyWrite, path)
}

func containsPath(set []string, path string) bool {
	for _, p := range set {
		if p == path {
			return true
		}
	}
	return false
}
