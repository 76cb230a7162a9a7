package vcs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/catalpainternational/dockertree/cli/dockertree/internal/errs"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/execx"
)

// Git wraps the host git binary's worktree and branch operations.
type Git struct {
	// Repo is the repository root the commands run against.
	Repo string
}

func New(repo string) *Git { return &Git{Repo: repo} }

const gitTimeout = 60 * time.Second

func (g *Git) git(ctx context.Context, args ...string) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()
	full := append([]string{"-C", g.Repo}, args...)
	out, stderr, res := execx.CaptureSplit(cctx, "git", full...)
	if res.Code != 0 {
		if res.Code == 124 {
			return out, errs.New(errs.Timeout, "git", "git %s timed out", strings.Join(args, " "))
		}
		e := errs.New(errs.Runtime, "git", "git %s exited with code %d", strings.Join(args, " "), res.Code)
		e.Details = map[string]any{"tool": "git", "exit_code": res.Code}
		if tail := execx.StderrTail(stderr, 5); tail != "" {
			e.Details["stderr"] = tail
		}
		return out, e
	}
	return out, nil
}

// IsRepoRoot reports whether dir is the top level of a git repository.
func IsRepoRoot(dir string) bool {
	out, _, res := execx.CaptureSplit(context.Background(), "git", "-C", dir, "rev-parse", "--show-toplevel")
	if res.Code != 0 {
		return false
	}
	top := strings.TrimSpace(out)
	abs, err := filepath.Abs(dir)
	if err != nil {
		return false
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		resolved = abs
	}
	topResolved, err := filepath.EvalSymlinks(top)
	if err != nil {
		topResolved = top
	}
	return resolved == topResolved
}

// BranchExists reports whether the branch exists locally.
func (g *Git) BranchExists(ctx context.Context, branch string) bool {
	_, err := g.git(ctx, "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

// WorktreeAdd creates a checkout of branch at path, creating the branch from
// the current HEAD when it does not exist yet.
func (g *Git) WorktreeAdd(ctx context.Context, branch, path string) error {
	var err error
	if g.BranchExists(ctx, branch) {
		_, err = g.git(ctx, "worktree", "add", path, branch)
	} else {
		_, err = g.git(ctx, "worktree", "add", "-b", branch, path)
	}
	if err != nil {
		return err
	}
	g.rewriteGitdir(path)
	return nil
}

// rewriteGitdir writes a relative gitdir pointer so the checkout stays valid
// when mounted into containers at a different absolute path.
func (g *Git) rewriteGitdir(wt string) {
	out, res := execx.Capture(context.Background(), "git", "-C", wt, "rev-parse", "--git-dir")
	if res.Code != 0 {
		return
	}
	gitdir := strings.TrimSpace(out)
	if gitdir == "" {
		return
	}
	rel, err := filepath.Rel(wt, gitdir)
	if err != nil {
		return
	}
	_ = os.WriteFile(filepath.Join(wt, ".git"), []byte("gitdir: "+rel+"\n"), 0o644)
}

// WorktreeRemove detaches the checkout at path. Force discards local changes.
func (g *Git) WorktreeRemove(ctx context.Context, path string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "-f")
	}
	args = append(args, path)
	if _, err := g.git(ctx, args...); err != nil {
		// A checkout deleted from disk out-of-band leaves only metadata.
		if _, pruneErr := g.git(ctx, "worktree", "prune"); pruneErr == nil {
			if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
				return nil
			}
		}
		return err
	}
	return nil
}

// WorktreeEntry is one record from `git worktree list --porcelain`.
type WorktreeEntry struct {
	Path   string
	Head   string
	Branch string
}

// WorktreeList parses the porcelain worktree listing.
func (g *Git) WorktreeList(ctx context.Context) ([]WorktreeEntry, error) {
	out, err := g.git(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return parseWorktreePorcelain(out), nil
}

func parseWorktreePorcelain(out string) []WorktreeEntry {
	var entries []WorktreeEntry
	var cur WorktreeEntry
	flush := func() {
		if cur.Path != "" {
			entries = append(entries, cur)
		}
		cur = WorktreeEntry{}
	}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "worktree "):
			cur.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			cur.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			cur.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		}
	}
	flush()
	return entries
}

// Branches lists local branch names.
func (g *Git) Branches(ctx context.Context) ([]string, error) {
	out, err := g.git(ctx, "for-each-ref", "--format=%(refname:short)", "refs/heads")
	if err != nil {
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// WorktreePrune drops stale worktree metadata.
func (g *Git) WorktreePrune(ctx context.Context) error {
	_, err := g.git(ctx, "worktree", "prune")
	return err
}

// BranchDelete deletes a local branch. In safe mode branches with unmerged
// commits are refused (-d); force uses -D.
func (g *Git) BranchDelete(ctx context.Context, branch string, force bool) error {
	flag := "-d"
	if force {
		flag = "-D"
	}
	_, err := g.git(ctx, "branch", flag, branch)
	if err != nil && !force {
		var e *errs.E
		if errors.As(err, &e) {
			if s, ok := e.Details["stderr"].(string); ok && strings.Contains(s, "not fully merged") {
				return errs.New(errs.PreconditionFailed, "branch delete",
					"branch %q has unmerged commits; re-run with --force to delete anyway", branch)
			}
		}
	}
	return err
}

// Archive writes a reproducible tar of the branch tree to outPath.
func (g *Git) Archive(ctx context.Context, branch, outPath string) error {
	_, err := g.git(ctx, "archive", "--format=tar", "-o", outPath, branch)
	return err
}

// CurrentCommit returns the HEAD commit hash of the repository.
func (g *Git) CurrentCommit(ctx context.Context) (string, error) {
	out, err := g.git(ctx, "rev-parse", "HEAD")
	return strings.TrimSpace(out), err
}

// IsDirty reports whether the checkout at path has uncommitted changes.
func (g *Git) IsDirty(ctx context.Context, path string) (bool, error) {
	out, _, res := execx.CaptureSplit(ctx, "git", "-C", path, "status", "--porcelain")
	if res.Code != 0 {
		return false, errs.New(errs.Runtime, "git", "git status --porcelain %s: exit %d", path, res.Code)
	}
	return strings.TrimSpace(out) != "", nil
}
