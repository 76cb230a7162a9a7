// Package setupcmd registers the project initialization command.
package setupcmd

import (
	"fmt"

	flag "github.com/spf13/pflag"

	"github.com/catalpainternational/dockertree/cli/dockertree/internal/cliutil"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/cmdregistry"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/errs"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/setup"
)

// Register adds the setup command to the registry.
func Register(r *cmdregistry.Registry) {
	r.Register("setup", handle)
}

func handle(ctx *cmdregistry.Context) error {
	fs := flag.NewFlagSet("setup", flag.ContinueOnError)
	projectName := fs.String("project-name", "", "override the derived project name")
	force := fs.Bool("force", ctx.Force, "overwrite existing configuration")
	monkeyPatch := fs.Bool("monkey-patch", false, "regenerate the compose variant only")
	if err := fs.Parse(ctx.Args); err != nil {
		return errs.NewUsage("setup: %v", err)
	}
	opts := setup.Options{
		ProjectName: *projectName,
		Force:       ctx.Force || *force,
		VariantOnly: *monkeyPatch,
	}
	result, err := setup.Run(ctx.Paths.Root, opts)
	if err == nil && !ctx.JSON {
		fmt.Printf("project %s initialized under %s\n", result.ProjectName, result.ConfigDir)
	}
	return cliutil.Finish(ctx.JSON, "setup", result, err)
}
