// Package worktrees registers the worktree lifecycle commands.
package worktrees

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	flag "github.com/spf13/pflag"

	"github.com/catalpainternational/dockertree/cli/dockertree/internal/cliutil"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/cmdregistry"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/errs"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/orchestrator"
)

// Register adds worktree lifecycle commands to the registry.
func Register(r *cmdregistry.Registry) {
	r.Register("create", handleCreate)
	r.Register("remove", handleRemove)
	r.Register("delete", handleDelete)
	r.Register("remove-all", handleRemoveAll)
	r.Register("delete-all", handleDeleteAll)
	r.Register("list", handleList)
	r.Register("prune", handlePrune)
	r.Alias("-r", "remove")
	r.Alias("-D", "delete")
	r.Alias("ls", "list")
}

func handleCreate(ctx *cmdregistry.Context) error {
	if len(ctx.Args) != 1 {
		return errs.NewUsage("usage: create <branch>")
	}
	info, err := ctx.Orchestrator().Create(ctx.Ctx, ctx.Args[0])
	if err == nil && !ctx.JSON {
		fmt.Printf("worktree %s ready at %s\n", info.Branch, info.Path)
		fmt.Printf("start it with: %s %s up -d\n", ctx.Exe, info.Branch)
	}
	return cliutil.Finish(ctx.JSON, "create", info, err)
}

func handleRemove(ctx *cmdregistry.Context) error {
	return bulkOp(ctx, "remove", "remove worktree", func(o *orchestrator.Orchestrator) func(context.Context, string) error {
		return func(c context.Context, b string) error { return o.Remove(c, b, ctx.Force) }
	})
}

func handleDelete(ctx *cmdregistry.Context) error {
	return bulkOp(ctx, "delete", "remove worktree AND delete branch", func(o *orchestrator.Orchestrator) func(context.Context, string) error {
		return func(c context.Context, b string) error { return o.Delete(c, b, ctx.Force) }
	})
}

func handleRemoveAll(ctx *cmdregistry.Context) error {
	ctx.Args = []string{"*"}
	return handleRemove(ctx)
}

func handleDeleteAll(ctx *cmdregistry.Context) error {
	ctx.Args = []string{"*"}
	return handleDelete(ctx)
}

// bulkOp resolves a branch-or-glob argument and applies op to every match,
// confirming first when more than one worktree is affected.
func bulkOp(ctx *cmdregistry.Context, operation, verb string,
	mk func(*orchestrator.Orchestrator) func(context.Context, string) error) error {
	fs := flag.NewFlagSet(operation, flag.ContinueOnError)
	force := fs.Bool("force", ctx.Force, "skip confirmation and safety checks")
	if err := fs.Parse(ctx.Args); err != nil {
		return errs.NewUsage("%s: %v", operation, err)
	}
	ctx.Force = ctx.Force || *force
	args := fs.Args()
	if len(args) != 1 {
		return errs.NewUsage("usage: %s <branch|pattern> [--force]", operation)
	}

	o := ctx.Orchestrator()
	branches, err := o.Match(ctx.Ctx, args[0])
	if err != nil {
		return cliutil.Finish(ctx.JSON, operation, nil, err)
	}
	if len(branches) > 1 && !ctx.JSON {
		prompt := fmt.Sprintf("%s %d worktrees (%s)?", verb, len(branches), strings.Join(branches, ", "))
		if !cliutil.Confirm(prompt, ctx.Force) {
			return cliutil.Finish(ctx.JSON, operation, nil, errs.New(errs.Cancelled, operation, "aborted"))
		}
	}
	results, err := o.Bulk(ctx.Ctx, branches, mk(o))
	if !ctx.JSON {
		for _, r := range results {
			if r.Error != "" {
				fmt.Printf("  %s: FAILED: %s\n", r.Branch, r.Error)
			} else {
				fmt.Printf("  %s: done\n", r.Branch)
			}
		}
	}
	return cliutil.Finish(ctx.JSON, operation, results, err)
}

func handleList(ctx *cmdregistry.Context) error {
	infos, err := ctx.Orchestrator().List(ctx.Ctx)
	if err != nil || ctx.JSON {
		return cliutil.Finish(ctx.JSON, "list", infos, err)
	}
	if len(infos) == 0 {
		fmt.Println("no worktrees; create one with: " + ctx.Exe + " create <branch>")
		return nil
	}
	w := 0
	for _, i := range infos {
		if len(i.Branch) > w {
			w = len(i.Branch)
		}
	}
	for _, i := range infos {
		fmt.Printf("%-*s  %-8s  %s", w, i.Branch, i.State, i.Domain)
		if i.WebPort != "" {
			fmt.Printf("  web:%s db:%s redis:%s", i.WebPort, i.DBPort, i.RedisPort)
		}
		if st, err := os.Stat(i.Path); err == nil {
			fmt.Printf("  (%s)", humanize.Time(st.ModTime()))
		}
		fmt.Println()
	}
	return nil
}

func handlePrune(ctx *cmdregistry.Context) error {
	o := ctx.Orchestrator()
	err := o.Git.WorktreePrune(ctx.Ctx)
	if err == nil && !ctx.JSON {
		fmt.Println("pruned stale worktree metadata")
	}
	return cliutil.Finish(ctx.JSON, "prune", nil, err)
}
