// Package completioncmd registers shell completion management plus the
// hidden feed the installed scripts call back into.
package completioncmd

import (
	"fmt"

	"github.com/catalpainternational/dockertree/cli/dockertree/internal/cliutil"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/cmdregistry"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/completion"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/errs"
)

// Register adds the completion commands to the registry.
func Register(r *cmdregistry.Registry) {
	r.Register("completion", handle)
	r.Register("_completion", handleFeed)
}

func handle(ctx *cmdregistry.Context) error {
	if len(ctx.Args) == 0 {
		return errs.NewUsage("usage: completion {install [shell]|uninstall|status}")
	}
	switch ctx.Args[0] {
	case "install":
		shell := ""
		if len(ctx.Args) > 1 {
			shell = ctx.Args[1]
		}
		statuses, err := completion.Install(shell)
		return cliutil.Finish(ctx.JSON, "completion install", statuses, err)
	case "uninstall":
		statuses, err := completion.Uninstall()
		if err == nil && !ctx.JSON {
			fmt.Println("completion removed")
		}
		return cliutil.Finish(ctx.JSON, "completion uninstall", statuses, err)
	case "status":
		statuses := completion.Check()
		if !ctx.JSON {
			for _, s := range statuses {
				state := "not installed"
				if s.Installed {
					state = "installed (" + s.Script + ")"
				}
				fmt.Printf("%-6s %s\n", s.Shell, state)
			}
		}
		return cliutil.Finish(ctx.JSON, "completion status", statuses, nil)
	default:
		return errs.NewUsage("completion: unknown subcommand %q", ctx.Args[0])
	}
}

// handleFeed prints raw word lists for the shell scripts. It never fails;
// interactive completion must stay quiet.
func handleFeed(ctx *cmdregistry.Context) error {
	if len(ctx.Args) == 0 {
		return nil
	}
	for _, word := range completion.Feed(ctx.Ctx, ctx.Paths, ctx.Project.WorktreeDir, ctx.Args[0]) {
		fmt.Println(word)
	}
	return nil
}
