package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// pathLikeArg matches tokens that look like filesystem paths: absolute
// (/...), home-relative (~/...), or plain relative paths containing a
// separator. Quoted arguments are unquoted before matching.
var pathLikeArg = regexp.MustCompile(`^(~|/|\./|\.\./)`)

// extractPathsFromCommand tokenizes a shell command line and returns every
// argument that looks like a path reference, handling simple double- and
// single-quoted spans so "a path with spaces" survives as one token.
func extractPathsFromCommand(command string) []string {
	var tokens []string
	var cur strings.Builder
	var quote rune
	for _, r := range command {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
		case r == ' ' || r == '\t':
			if cur.Len() > 0 {
				tokens = append(tokens, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		tokens = append(tokens, cur.String())
	}

	var paths []string
	for _, t := range tokens {
		if pathLikeArg.MatchString(t) || filepath.IsAbs(t) {
			paths = append(paths, t)
		}
	}
	return paths
}

func expandHome(p string) (string, error) {
	if !strings.HasPrefix(p, "~") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~")), nil
}

func canonicalize(p string) (string, error) {
	expanded, err := expandHome(p)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", err
	}
	// Use the lexical clean path; we deliberately do not call
	// filepath.EvalSymlinks so validation works against paths that don't
	// exist yet (e.g. a file a tool is about to create).
	return filepath.Clean(abs), nil
}

func isWithin(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}

// validatePath implements the PathValidation mode's refusal rule: tokenize
// the command, canonicalize every path-like argument, and reject if any
// lies inside deny_read/deny_exec or outside allow_paths ∪ workspace.
// A tokenization/canonicalization error rejects (fail-closed).
func validatePath(command string, policy Policy) error {
	for _, raw := range extractPathsFromCommand(command) {
		canon, err := canonicalize(raw)
		if err != nil {
			return fmt.Errorf("path validation: cannot canonicalize %q: %w", raw, err)
		}
		for _, denied := range policy.DenyRead {
			if denyCanon, err := canonicalize(denied); err == nil && isWithin(canon, denyCanon) {
				return fmt.Errorf("access denied: %q is inside deny_read path %q", raw, denied)
			}
		}
		for _, denied := range policy.DenyExec {
			if denyCanon, err := canonicalize(denied); err == nil && isWithin(canon, denyCanon) {
				return fmt.Errorf("execution denied: %q is inside deny_exec path %q", raw, denied)
			}
		}
		allowed := false
		roots := append(append([]string{}, policy.AllowPaths...), policy.Workspace)
		for _, root := range roots {
			if root == "" {
				continue
			}
			rootCanon, err := canonicalize(root)
			if err != nil {
				continue
			}
			if isWithin(canon, rootCanon) {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("access denied: %q is outside allow_paths and workspace", raw)
		}
	}
	return nil
}
