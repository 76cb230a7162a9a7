// Package volumescmd registers the volumes command group.
package volumescmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/catalpainternational/dockertree/cli/dockertree/internal/cliutil"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/cmdregistry"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/config"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/errs"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/volumes"
)

// Register adds the volumes command group to the registry.
func Register(r *cmdregistry.Registry) {
	r.Register("volumes", handle)
}

func handle(ctx *cmdregistry.Context) error {
	if len(ctx.Args) == 0 {
		return errs.NewUsage("usage: volumes {list|size|backup <branch>|restore <branch> <file>|clean <branch>}")
	}
	sub, rest := ctx.Args[0], ctx.Args[1:]
	switch sub {
	case "list":
		return handleList(ctx)
	case "size":
		return handleSize(ctx)
	case "backup":
		return handleBackup(ctx, rest)
	case "restore":
		return handleRestore(ctx, rest)
	case "clean":
		return handleClean(ctx, rest)
	default:
		return errs.NewUsage("volumes: unknown subcommand %q", sub)
	}
}

// projectVolumes lists runtime volumes that belong to this project, grouped
// by the stack prefix.
func projectVolumes(ctx *cmdregistry.Context) ([]string, error) {
	return ctx.Runtime().VolumeList(ctx.Ctx, ctx.Project.ProjectName+"-")
}

func handleList(ctx *cmdregistry.Context) error {
	names, err := projectVolumes(ctx)
	if err != nil || ctx.JSON {
		return cliutil.Finish(ctx.JSON, "volumes list", names, err)
	}
	if len(names) == 0 {
		fmt.Println("no project volumes")
		return nil
	}
	for _, n := range names {
		fmt.Println(n)
	}
	return nil
}

func handleSize(ctx *cmdregistry.Context) error {
	names, err := projectVolumes(ctx)
	if err != nil {
		return cliutil.Finish(ctx.JSON, "volumes size", nil, err)
	}
	cloner := volumes.NewCloner(ctx.Runtime())
	type entry struct {
		Name string `json:"name"`
		Size string `json:"size"`
	}
	out := make([]entry, 0, len(names))
	for _, n := range names {
		size, err := cloner.Size(ctx.Ctx, n)
		if err != nil {
			size = "?"
		}
		out = append(out, entry{Name: n, Size: size})
		if !ctx.JSON {
			fmt.Printf("%-50s %s\n", n, size)
		}
	}
	return cliutil.Finish(ctx.JSON, "volumes size", out, nil)
}

func handleBackup(ctx *cmdregistry.Context, args []string) error {
	if len(args) != 1 {
		return errs.NewUsage("usage: volumes backup <branch>")
	}
	branch := args[0]
	o := ctx.Orchestrator()
	if !o.Exists(branch) {
		return cliutil.Finish(ctx.JSON, "volumes backup", nil,
			errs.New(errs.NotFound, "volumes", "no worktree for branch %s", branch))
	}
	stack := o.StackName(branch)
	outDir := filepath.Join(o.WorktreePath(branch), "backups")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return cliutil.Finish(ctx.JSON, "volumes backup", nil, err)
	}
	cloner := volumes.NewCloner(ctx.Runtime())
	var written []string
	for _, vol := range ctx.Project.Volumes {
		name := config.VolumeName(ctx.Project.ProjectName, branch, vol)
		if !ctx.Runtime().VolumeExists(ctx.Ctx, name) {
			continue
		}
		file := volumes.BackupName(vol)
		if err := cloner.Backup(ctx.Ctx, name, outDir, file); err != nil {
			return cliutil.Finish(ctx.JSON, "volumes backup", map[string]any{"written": written}, err)
		}
		written = append(written, filepath.Join(outDir, file))
	}
	if !ctx.JSON {
		fmt.Printf("backed up %d volumes of stack %s to %s\n", len(written), stack, outDir)
	}
	return cliutil.Finish(ctx.JSON, "volumes backup", map[string]any{"written": written}, nil)
}

func handleRestore(ctx *cmdregistry.Context, args []string) error {
	if len(args) != 2 {
		return errs.NewUsage("usage: volumes restore <branch> <file>")
	}
	branch, file := args[0], args[1]
	o := ctx.Orchestrator()
	if !o.Exists(branch) {
		return cliutil.Finish(ctx.JSON, "volumes restore", nil,
			errs.New(errs.NotFound, "volumes", "no worktree for branch %s", branch))
	}
	abs, err := filepath.Abs(file)
	if err != nil {
		return cliutil.Finish(ctx.JSON, "volumes restore", nil, err)
	}
	if _, err := os.Stat(abs); err != nil {
		return cliutil.Finish(ctx.JSON, "volumes restore", nil,
			errs.New(errs.NotFound, "volumes", "backup file %s does not exist", file))
	}

	// The volume is named after the backup file's base: postgres_data.tar.gz
	// restores into <project>-<branch>_postgres_data.
	vol := strings.TrimSuffix(filepath.Base(abs), ".tar.gz")
	name := config.VolumeName(ctx.Project.ProjectName, branch, vol)
	cloner := volumes.NewCloner(ctx.Runtime())
	err = cloner.Restore(ctx.Ctx, name, filepath.Dir(abs), filepath.Base(abs))
	if err == nil && !ctx.JSON {
		fmt.Printf("restored %s into %s\n", file, name)
	}
	return cliutil.Finish(ctx.JSON, "volumes restore", map[string]any{"volume": name}, err)
}

func handleClean(ctx *cmdregistry.Context, args []string) error {
	if len(args) != 1 {
		return errs.NewUsage("usage: volumes clean <branch>")
	}
	branch := args[0]
	o := ctx.Orchestrator()
	stack := o.StackName(branch)
	names, err := ctx.Runtime().VolumeList(ctx.Ctx, stack+"_")
	if err != nil {
		return cliutil.Finish(ctx.JSON, "volumes clean", nil, err)
	}
	if len(names) == 0 {
		return cliutil.Finish(ctx.JSON, "volumes clean", nil,
			errs.New(errs.NotFound, "volumes", "no volumes for stack %s", stack))
	}
	if !cliutil.Confirm(fmt.Sprintf("delete %d volumes of stack %s?", len(names), stack), ctx.Force) {
		return cliutil.Finish(ctx.JSON, "volumes clean", nil, errs.New(errs.Cancelled, "volumes", "aborted"))
	}
	var removed []string
	for _, n := range names {
		if err := ctx.Runtime().VolumeRemove(ctx.Ctx, n); err != nil {
			return cliutil.Finish(ctx.JSON, "volumes clean", map[string]any{"removed": removed}, err)
		}
		removed = append(removed, n)
	}
	if !ctx.JSON {
		fmt.Printf("removed %d volumes\n", len(removed))
	}
	return cliutil.Finish(ctx.JSON, "volumes clean", map[string]any{"removed": removed}, nil)
}
