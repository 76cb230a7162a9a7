package config

import (
	"strings"

	"github.com/catalpainternational/dockertree/cli/dockertree/internal/errs"
)

// DefaultProtectedBranches are branch names that delete refuses without force.
var DefaultProtectedBranches = []string{"main", "master", "develop", "production", "staging"}

// SanitizeProjectName lowercases the name, converts underscores and any other
// non-alphanumeric runes to hyphens, and trims leading/trailing hyphens.
func SanitizeProjectName(name string) string {
	out := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '-'
		}
	}, name)
	for strings.Contains(out, "--") {
		out = strings.ReplaceAll(out, "--", "-")
	}
	return strings.Trim(out, "-")
}

// StackName derives the per-branch stack identifier. Branch slashes become
// hyphens so the name stays valid for the container runtime.
func StackName(project, branch string) string {
	return SanitizeProjectName(project) + "-" + strings.ReplaceAll(branch, "/", "-")
}

// VolumeName derives the isolated name of a declared volume for a branch.
func VolumeName(project, branch, volume string) string {
	return StackName(project, branch) + "_" + volume
}

// SiteDomain derives the local hostname routed by the proxy.
func SiteDomain(project, branch string) string {
	return StackName(project, branch) + ".localhost"
}

// Protected reports whether branch is in the protected set, which is the
// built-in defaults plus any names from config.
func (p Project) Protected(branch string) bool {
	for _, b := range DefaultProtectedBranches {
		if branch == b {
			return true
		}
	}
	for _, b := range p.ProtectedBranches {
		if branch == b {
			return true
		}
	}
	return false
}

// ValidateBranchName enforces the branch naming rules: lowercase letters,
// digits, '-', '_', '/', length 1..64, and not in the protected set.
func (p Project) ValidateBranchName(branch string) error {
	if branch == "" || len(branch) > 64 {
		return errs.New(errs.Validation, "branch", "branch name must be 1..64 characters, got %q", branch)
	}
	for _, r := range branch {
		ok := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '/'
		if !ok {
			return errs.New(errs.Validation, "branch", "branch name %q contains invalid character %q", branch, string(r))
		}
	}
	if p.Protected(branch) {
		return errs.New(errs.Validation, "branch", "branch %q is protected", branch)
	}
	return nil
}
