package vcs

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/catalpainternational/dockertree/cli/dockertree/internal/errs"
)

func TestParseWorktreePorcelain(t *testing.T) {
	out := `worktree /repo
HEAD aaaa1111
branch refs/heads/main

worktree /repo/worktrees/feature-login
HEAD bbbb2222
branch refs/heads/feature/login

worktree /repo/worktrees/detached
HEAD cccc3333
detached
`
	got := parseWorktreePorcelain(out)
	want := []WorktreeEntry{
		{Path: "/repo", Head: "aaaa1111", Branch: "main"},
		{Path: "/repo/worktrees/feature-login", Head: "bbbb2222", Branch: "feature/login"},
		{Path: "/repo/worktrees/detached", Head: "cccc3333"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("entries = %+v", got)
	}
	if entries := parseWorktreePorcelain(""); entries != nil {
		t.Fatalf("empty input = %+v", entries)
	}
}

// newTestRepo builds a scratch repository with one commit on main.
func newTestRepo(t *testing.T) *Git {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	root := t.TempDir()
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", append([]string{"-C", root}, args...)...)
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
		)
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	run("init", "-b", "main")
	if err := os.WriteFile(filepath.Join(root, "README.md"), []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("add", ".")
	run("commit", "-m", "initial")
	return New(root)
}

func TestIsRepoRoot(t *testing.T) {
	g := newTestRepo(t)
	if !IsRepoRoot(g.Repo) {
		t.Fatal("repository root not recognized")
	}
	sub := filepath.Join(g.Repo, "sub")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	if IsRepoRoot(sub) {
		t.Fatal("subdirectory must not count as repo root")
	}
	if IsRepoRoot(t.TempDir()) {
		t.Fatal("bare directory must not count as repo root")
	}
}

func TestBranchExists(t *testing.T) {
	g := newTestRepo(t)
	ctx := context.Background()
	if !g.BranchExists(ctx, "main") {
		t.Fatal("main should exist")
	}
	if g.BranchExists(ctx, "ghost") {
		t.Fatal("ghost should not exist")
	}
}

func TestWorktreeAddCreatesBranch(t *testing.T) {
	g := newTestRepo(t)
	ctx := context.Background()
	wt := filepath.Join(g.Repo, "worktrees", "feature-login")
	if err := g.WorktreeAdd(ctx, "feature/login", wt); err != nil {
		t.Fatal(err)
	}
	if !g.BranchExists(ctx, "feature/login") {
		t.Fatal("branch not created by worktree add")
	}
	gitFile, err := os.ReadFile(filepath.Join(wt, ".git"))
	if err != nil {
		t.Fatal(err)
	}
	ptr := strings.TrimSpace(strings.TrimPrefix(string(gitFile), "gitdir:"))
	if filepath.IsAbs(ptr) {
		t.Fatalf("gitdir pointer should be relative, got %q", ptr)
	}

	entries, err := g.WorktreeList(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, e := range entries {
		if e.Branch == "feature/login" {
			found = true
		}
	}
	if !found {
		t.Fatalf("worktree list missing new checkout: %+v", entries)
	}
}

func TestWorktreeRemove(t *testing.T) {
	g := newTestRepo(t)
	ctx := context.Background()
	wt := filepath.Join(g.Repo, "worktrees", "gone")
	if err := g.WorktreeAdd(ctx, "gone", wt); err != nil {
		t.Fatal(err)
	}
	if err := g.WorktreeRemove(ctx, wt, false); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(wt); !os.IsNotExist(err) {
		t.Fatalf("checkout still present: %v", err)
	}
}

func TestWorktreeRemoveAfterManualDelete(t *testing.T) {
	g := newTestRepo(t)
	ctx := context.Background()
	wt := filepath.Join(g.Repo, "worktrees", "stale")
	if err := g.WorktreeAdd(ctx, "stale", wt); err != nil {
		t.Fatal(err)
	}
	if err := os.RemoveAll(wt); err != nil {
		t.Fatal(err)
	}
	if err := g.WorktreeRemove(ctx, wt, false); err != nil {
		t.Fatalf("stale metadata should be pruned, got %v", err)
	}
}

func TestBranches(t *testing.T) {
	g := newTestRepo(t)
	ctx := context.Background()
	if _, err := g.git(ctx, "branch", "alpha"); err != nil {
		t.Fatal(err)
	}
	names, err := g.Branches(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(names, []string{"alpha", "main"}) {
		t.Fatalf("branches = %v", names)
	}
}

func TestBranchDeleteUnmerged(t *testing.T) {
	g := newTestRepo(t)
	ctx := context.Background()
	wt := filepath.Join(g.Repo, "worktrees", "wip")
	if err := g.WorktreeAdd(ctx, "wip", wt); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(wt, "new.txt"), []byte("x\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	for _, args := range [][]string{{"add", "."}, {"commit", "-m", "wip commit"}} {
		cmd := exec.Command("git", append([]string{"-C", wt}, args...)...)
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
		)
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	if err := g.WorktreeRemove(ctx, wt, true); err != nil {
		t.Fatal(err)
	}
	err := g.BranchDelete(ctx, "wip", false)
	if !errs.IsKind(err, errs.PreconditionFailed) {
		t.Fatalf("unmerged delete: %v", err)
	}
	if err := g.BranchDelete(ctx, "wip", true); err != nil {
		t.Fatalf("forced delete: %v", err)
	}
	if g.BranchExists(ctx, "wip") {
		t.Fatal("branch survived forced delete")
	}
}

func TestCurrentCommitAndDirty(t *testing.T) {
	g := newTestRepo(t)
	ctx := context.Background()
	hash, err := g.CurrentCommit(ctx)
	if err != nil || len(hash) != 40 {
		t.Fatalf("CurrentCommit = %q, %v", hash, err)
	}
	dirty, err := g.IsDirty(ctx, g.Repo)
	if err != nil || dirty {
		t.Fatalf("clean checkout: dirty=%v err=%v", dirty, err)
	}
	if err := os.WriteFile(filepath.Join(g.Repo, "README.md"), []byte("changed\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	dirty, err = g.IsDirty(ctx, g.Repo)
	if err != nil || !dirty {
		t.Fatalf("modified checkout: dirty=%v err=%v", dirty, err)
	}
}

func TestArchive(t *testing.T) {
	g := newTestRepo(t)
	out := filepath.Join(t.TempDir(), "tree.tar")
	if err := g.Archive(context.Background(), "main", out); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(out)
	if err != nil || info.Size() == 0 {
		t.Fatalf("archive: %v %v", info, err)
	}
}
