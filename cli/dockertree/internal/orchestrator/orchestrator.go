package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/juju/fslock"
	log "github.com/sirupsen/logrus"

	"github.com/catalpainternational/dockertree/cli/dockertree/internal/config"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/envgen"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/errs"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/paths"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/runtime"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/vcs"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/volumes"
)

// State is the observable lifecycle state of a worktree.
type State string

const (
	StateAbsent  State = "absent"
	StateCreated State = "created"
	StateRunning State = "running"
	StateStopped State = "stopped"
)

// Info describes one worktree for listings.
type Info struct {
	Branch    string `json:"branch"`
	Path      string `json:"path"`
	StackName string `json:"stack_name"`
	State     State  `json:"state"`
	Domain    string `json:"domain"`
	DBPort    string `json:"db_port,omitempty"`
	RedisPort string `json:"redis_port,omitempty"`
	WebPort   string `json:"web_port,omitempty"`
}

// Orchestrator sequences worktree lifecycle transitions. Two commands
// targeting the same branch serialize via an in-process mutex plus a
// filesystem advisory lock on the worktree root.
type Orchestrator struct {
	Project config.Project
	Paths   paths.Context
	RT      *runtime.Docker
	Git     *vcs.Git
	Cloner  *volumes.Cloner

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(p config.Project, pc paths.Context, rt *runtime.Docker) *Orchestrator {
	return &Orchestrator{
		Project: p,
		Paths:   pc,
		RT:      rt,
		Git:     vcs.New(pc.ProjectRoot),
		Cloner:  volumes.NewCloner(rt),
		locks:   map[string]*sync.Mutex{},
	}
}

func (o *Orchestrator) branchLock(branch string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.locks[branch]
	if !ok {
		l = &sync.Mutex{}
		o.locks[branch] = l
	}
	return l
}

// withLocks serializes fn against other commands on the same branch, both in
// this process and across processes.
func (o *Orchestrator) withLocks(branch string, fn func() error) error {
	l := o.branchLock(branch)
	l.Lock()
	defer l.Unlock()

	dir := paths.WorktreesDir(o.Paths.ProjectRoot, o.Project.WorktreeDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	lock := fslock.New(filepath.Join(dir, "."+strings.ReplaceAll(branch, "/", "-")+".lock"))
	if err := lock.LockWithTimeout(30 * time.Second); err != nil {
		if err == fslock.ErrTimeout {
			return errs.New(errs.Timeout, "lock", "another command holds the lock for branch %s", branch)
		}
		return err
	}
	defer func() { _ = lock.Unlock() }()
	return fn()
}

// WorktreePath returns the checkout path for a branch.
func (o *Orchestrator) WorktreePath(branch string) string {
	return paths.WorktreePath(o.Paths.ProjectRoot, o.Project.WorktreeDir, branch)
}

// StackName returns the runtime-object prefix for a branch.
func (o *Orchestrator) StackName(branch string) string {
	return config.StackName(o.Project.ProjectName, branch)
}

func (o *Orchestrator) stack(branch string) runtime.Stack {
	wt := o.WorktreePath(branch)
	files := []string{}
	if src := paths.SourceComposeFile(wt); src != "" {
		files = append(files, src)
	}
	files = append(files, paths.ComposeVariant(wt))
	return runtime.Stack{
		Files:   files,
		Name:    o.StackName(branch),
		EnvFile: paths.EnvFile(wt),
		Dir:     wt,
		Env: map[string]string{
			"PROJECT_ROOT":         wt,
			"COMPOSE_PROJECT_NAME": o.StackName(branch),
		},
	}
}

// Exists reports whether the worktree checkout for branch is on disk.
func (o *Orchestrator) Exists(branch string) bool {
	st, err := os.Stat(o.WorktreePath(branch))
	return err == nil && st.IsDir()
}

// StateOf inspects the observable state of a branch.
func (o *Orchestrator) StateOf(ctx context.Context, branch string) (State, error) {
	if !o.Exists(branch) {
		return StateAbsent, nil
	}
	running, err := o.RT.StackRunning(ctx, o.StackName(branch))
	if err != nil {
		return StateCreated, err
	}
	if running {
		return StateRunning, nil
	}
	return StateStopped, nil
}

// Create transitions a branch from Absent to Created: checkout, fractal
// config copy, port allocation, env file, volume clones. On failure every
// completed step is undone in reverse so no object prefixed by the stack
// name survives.
func (o *Orchestrator) Create(ctx context.Context, branch string) (Info, error) {
	var info Info
	err := o.withLocks(branch, func() error {
		if err := o.Project.ValidateBranchName(branch); err != nil {
			return err
		}
		wt := o.WorktreePath(branch)
		if o.Exists(branch) {
			return errs.New(errs.AlreadyExists, "create", "worktree for branch %s already exists at %s", branch, wt)
		}

		var undo []func()
		rollback := func() {
			for i := len(undo) - 1; i >= 0; i-- {
				undo[i]()
			}
		}

		if err := o.Git.WorktreeAdd(ctx, branch, wt); err != nil {
			return err
		}
		undo = append(undo, func() {
			_ = o.Git.WorktreeRemove(context.Background(), wt, true)
			_ = os.RemoveAll(wt)
		})

		if err := paths.CopyConfigTree(o.Paths.ProjectRoot, wt, o.Project.WorktreeDir); err != nil {
			rollback()
			return errs.Wrap(errs.Runtime, "create", err, "copy configuration into worktree")
		}

		envFiles := paths.ListWorktreeEnvFiles(o.Paths.ProjectRoot, o.Project.WorktreeDir)
		ports, err := envgen.AllocateTriple(envFiles)
		if err != nil {
			rollback()
			return err
		}
		env := envgen.Generate(o.Project, branch, wt, ports)
		if err := env.WriteTo(paths.EnvFile(wt)); err != nil {
			rollback()
			return err
		}
		// Developers expect a .env at the checkout root as well.
		if src, err := os.ReadFile(filepath.Join(o.Paths.ProjectRoot, ".env")); err == nil {
			_ = os.WriteFile(filepath.Join(wt, ".env"), src, 0o644)
		}

		stack := o.StackName(branch)
		for _, v := range o.Project.Volumes {
			src := config.SanitizeProjectName(o.Project.ProjectName) + "_" + v
			dst := stack + "_" + v
			if err := o.Cloner.Copy(ctx, src, dst, volumes.AutoPolicy); err != nil {
				rollback()
				return err
			}
			dstName := dst
			undo = append(undo, func() { _ = o.RT.VolumeRemove(context.Background(), dstName) })
		}

		if ctx.Err() != nil {
			rollback()
			return errs.Wrap(errs.Cancelled, "create", ctx.Err(), "creation cancelled")
		}

		info = Info{
			Branch:    branch,
			Path:      wt,
			StackName: stack,
			State:     StateCreated,
			Domain:    config.SiteDomain(o.Project.ProjectName, branch),
		}
		log.Infof("worktree %s created at %s", branch, wt)
		return nil
	})
	return info, err
}

// Start brings a created or stopped worktree's stack up.
func (o *Orchestrator) Start(ctx context.Context, branch string, detach bool) error {
	return o.withLocks(branch, func() error {
		if !o.Exists(branch) {
			return errs.New(errs.NotFound, "up", "no worktree for branch %s; run create first", branch)
		}
		if err := o.RT.EnsureNetwork(ctx, o.Project.CaddyNetwork); err != nil {
			return err
		}
		return o.RT.ComposeUp(ctx, o.stack(branch), detach)
	})
}

// Stop brings a running worktree's stack down, keeping volumes.
func (o *Orchestrator) Stop(ctx context.Context, branch string, removeLocalImages bool) error {
	return o.withLocks(branch, func() error {
		if !o.Exists(branch) {
			return errs.New(errs.NotFound, "down", "no worktree for branch %s", branch)
		}
		return o.RT.ComposeDown(ctx, o.stack(branch), removeLocalImages)
	})
}

// Remove destroys a worktree and every runtime object prefixed by its stack
// name, preserving the branch. Partial failures are collected so cleanup
// continues past individual errors.
func (o *Orchestrator) Remove(ctx context.Context, branch string, force bool) error {
	return o.withLocks(branch, func() error { return o.removeLocked(ctx, branch, force, false) })
}

// Delete is Remove plus branch deletion. Protected and unmerged branches are
// refused unless force.
func (o *Orchestrator) Delete(ctx context.Context, branch string, force bool) error {
	return o.withLocks(branch, func() error {
		if o.Project.Protected(branch) && !force {
			return errs.New(errs.Validation, "delete", "branch %q is protected", branch)
		}
		if err := o.removeLocked(ctx, branch, force, false); err != nil {
			return err
		}
		if !o.Git.BranchExists(ctx, branch) {
			return nil
		}
		return o.Git.BranchDelete(ctx, branch, force)
	})
}

func (o *Orchestrator) removeLocked(ctx context.Context, branch string, force, keepVolumes bool) error {
	wt := o.WorktreePath(branch)
	stack := o.StackName(branch)

	hasCheckout := o.Exists(branch)
	vols, volsErr := o.RT.VolumeList(ctx, stack+"_")
	if !hasCheckout && len(vols) == 0 && volsErr == nil {
		return errs.New(errs.NotFound, "remove", "nothing to remove for branch %s", branch)
	}

	var leftover []string
	if hasCheckout {
		if running, _ := o.RT.StackRunning(ctx, stack); running {
			if err := o.RT.ComposeDown(ctx, o.stack(branch), false); err != nil {
				log.Warnf("stack down failed for %s: %v", branch, err)
				leftover = append(leftover, "stack:"+stack)
			}
		}
	}

	if !keepVolumes {
		for _, v := range vols {
			if err := o.RT.VolumeRemove(ctx, v); err != nil && !errs.IsKind(err, errs.NotFound) {
				log.Warnf("volume remove failed for %s: %v", v, err)
				leftover = append(leftover, "volume:"+v)
			}
		}
	}

	if hasCheckout {
		if err := o.Git.WorktreeRemove(ctx, wt, force); err != nil {
			if !force {
				if dirty, dErr := o.Git.IsDirty(ctx, wt); dErr == nil && dirty {
					return errs.New(errs.PreconditionFailed, "remove",
						"worktree %s has uncommitted changes; re-run with --force", branch)
				}
			}
			leftover = append(leftover, "worktree:"+wt)
		}
	}
	_ = o.Git.WorktreePrune(ctx)

	if len(leftover) > 0 {
		e := errs.New(errs.Runtime, "remove", "partial removal of %s", branch)
		e.Details = map[string]any{"remaining": leftover}
		return e
	}
	log.Infof("worktree %s removed", branch)
	return nil
}

// List returns every worktree under the project with its state.
func (o *Orchestrator) List(ctx context.Context) ([]Info, error) {
	dir := paths.WorktreesDir(o.Paths.ProjectRoot, o.Project.WorktreeDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []Info
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		branch := e.Name()
		st, err := o.StateOf(ctx, branch)
		if err != nil {
			st = StateCreated
		}
		info := Info{
			Branch:    branch,
			Path:      filepath.Join(dir, branch),
			StackName: o.StackName(branch),
			State:     st,
			Domain:    config.SiteDomain(o.Project.ProjectName, branch),
		}
		if env, err := config.ParseEnvFile(paths.EnvFile(info.Path)); err == nil {
			info.DBPort = env.Lookup(envgen.KeyDBPort)
			info.RedisPort = env.Lookup(envgen.KeyRedisPort)
			info.WebPort = env.Lookup(envgen.KeyWebPort)
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Branch < out[j].Branch })
	return out, nil
}

// Match expands a shell-style pattern over existing worktree branch names,
// case-insensitively. A literal name matches itself.
func (o *Orchestrator) Match(ctx context.Context, pattern string) ([]string, error) {
	infos, err := o.List(ctx)
	if err != nil {
		return nil, err
	}
	var matched []string
	lower := strings.ToLower(pattern)
	for _, info := range infos {
		ok, err := filepath.Match(lower, strings.ToLower(info.Branch))
		if err != nil {
			return nil, errs.Wrap(errs.Validation, "match", err, "bad pattern %q", pattern)
		}
		if ok {
			matched = append(matched, info.Branch)
		}
	}
	return matched, nil
}

// BulkResult reports one branch's outcome in a bulk operation.
type BulkResult struct {
	Branch string `json:"branch"`
	Error  string `json:"error,omitempty"`
}

// Bulk applies op to every branch sequentially. A failure on one branch does
// not abort the rest; the aggregate fails if any item failed.
func (o *Orchestrator) Bulk(ctx context.Context, branches []string, op func(context.Context, string) error) ([]BulkResult, error) {
	results := make([]BulkResult, 0, len(branches))
	failed := 0
	for _, b := range branches {
		r := BulkResult{Branch: b}
		if err := op(ctx, b); err != nil {
			r.Error = err.Error()
			failed++
		}
		results = append(results, r)
	}
	if failed > 0 {
		e := errs.New(errs.Runtime, "bulk", "%d of %d operations failed", failed, len(branches))
		e.Details = map[string]any{"results": results}
		return results, e
	}
	return results, nil
}

// Passthrough forwards a compose subcommand to a worktree's stack.
func (o *Orchestrator) Passthrough(ctx context.Context, branch string, args ...string) error {
	if !o.Exists(branch) {
		return errs.New(errs.NotFound, "compose", "no worktree for branch %s", branch)
	}
	return o.RT.ComposePassthrough(ctx, o.stack(branch), args...)
}

// Stack exposes the compose invocation target for a branch to collaborating
// subsystems (packages, push).
func (o *Orchestrator) Stack(branch string) runtime.Stack {
	return o.stack(branch)
}
