// Package packagescmd registers the package export/import command group.
package packagescmd

import (
	"fmt"
	"os"
	"path/filepath"

	flag "github.com/spf13/pflag"

	"github.com/catalpainternational/dockertree/cli/dockertree/internal/cliutil"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/cmdregistry"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/errs"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/packages"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/paths"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/vcs"
)

// Register adds the packages command group to the registry.
func Register(r *cmdregistry.Registry) {
	r.Register("packages", handle)
}

func handle(ctx *cmdregistry.Context) error {
	if len(ctx.Args) == 0 {
		return errs.NewUsage("usage: packages {export|import|list|validate}")
	}
	sub, rest := ctx.Args[0], ctx.Args[1:]
	switch sub {
	case "export":
		return handleExport(ctx, rest)
	case "import":
		return handleImport(ctx, rest)
	case "list":
		return handleList(ctx, rest)
	case "validate":
		return handleValidate(ctx, rest)
	default:
		return errs.NewUsage("packages: unknown subcommand %q", sub)
	}
}

// inProject reports whether the invocation runs inside an initialized
// project: a config file at the resolved root that is also a VCS root.
func inProject(root string) bool {
	if root == "" {
		return false
	}
	if _, err := os.Stat(paths.ConfigFile(root)); err != nil {
		return false
	}
	return vcs.IsRepoRoot(root)
}

func handleExport(ctx *cmdregistry.Context, args []string) error {
	if !inProject(ctx.Paths.ProjectRoot) {
		return errs.New(errs.PreconditionFailed, "packages export",
			"%s is not an initialized project; run setup first", ctx.Paths.ProjectRoot)
	}
	fs := flag.NewFlagSet("packages export", flag.ContinueOnError)
	outputDir := fs.String("output-dir", ".", "directory the package is written to")
	includeCode := fs.Bool("include-code", true, "bundle the branch source tree")
	noCode := fs.Bool("no-code", false, "omit the source tree (data-only package)")
	compressed := fs.Bool("compressed", true, "gzip the archive")
	if err := fs.Parse(args); err != nil {
		return errs.NewUsage("packages export: %v", err)
	}
	if fs.NArg() != 1 {
		return errs.NewUsage("usage: packages export <branch> [--output-dir D] [--no-code]")
	}
	opts := packages.ExportOptions{
		OutputDir:   *outputDir,
		IncludeCode: *includeCode && !*noCode,
		Compress:    *compressed,
	}
	m := packages.NewManager(ctx.Orchestrator())
	result, err := m.Export(ctx.Ctx, fs.Arg(0), opts)
	if err == nil && !ctx.JSON {
		fmt.Printf("exported %s (%s)\n", result.Path, result.Size)
	}
	return cliutil.Finish(ctx.JSON, "packages export", result, err)
}

func handleImport(ctx *cmdregistry.Context, args []string) error {
	fs := flag.NewFlagSet("packages import", flag.ContinueOnError)
	targetBranch := fs.String("target-branch", "", "import under a different branch name")
	targetDir := fs.String("target-dir", "", "standalone checkout directory")
	restoreData := fs.Bool("restore-data", true, "restore bundled volume data")
	noData := fs.Bool("no-data", false, "skip volume data restore")
	standalone := fs.Bool("standalone", false, "import outside a project, as a plain checkout (auto-detected when omitted)")
	domain := fs.String("domain", "", "rewrite the site domain")
	ip := fs.String("ip", "", "serve by IP instead of a domain")
	force := fs.Bool("force", ctx.Force, "replace an existing worktree or directory")
	if err := fs.Parse(args); err != nil {
		return errs.NewUsage("packages import: %v", err)
	}
	if fs.NArg() != 1 {
		return errs.NewUsage("usage: packages import <file> [--target-branch T] [--standalone] [--domain d|--ip i]")
	}
	// Normal mode needs an initialized project at a repository root;
	// anywhere else the import lands as a plain checkout. The flag only
	// overrides the probe when given explicitly.
	mode := *standalone
	if !fs.Changed("standalone") {
		mode = !inProject(ctx.Paths.ProjectRoot)
	}
	if !mode && !inProject(ctx.Paths.ProjectRoot) {
		return errs.New(errs.PreconditionFailed, "packages import",
			"%s is not an initialized project; drop --standalone=false or run setup first", ctx.Paths.ProjectRoot)
	}
	opts := packages.ImportOptions{
		TargetBranch: *targetBranch,
		TargetDir:    *targetDir,
		SkipData:     *noData || !*restoreData,
		Standalone:   mode,
		Domain:       *domain,
		IP:           *ip,
		Force:        ctx.Force || *force,
	}
	var (
		result packages.ImportResult
		err    error
	)
	if opts.Standalone {
		result, err = packages.ImportStandalone(ctx.Ctx, ctx.Runtime(), fs.Arg(0), opts)
	} else {
		m := packages.NewManager(ctx.Orchestrator())
		result, err = m.Import(ctx.Ctx, fs.Arg(0), opts)
	}
	if err == nil && !ctx.JSON {
		fmt.Printf("imported %s into %s (stack %s)\n", fs.Arg(0), result.Path, result.StackName)
	}
	return cliutil.Finish(ctx.JSON, "packages import", result, err)
}

func handleList(ctx *cmdregistry.Context, args []string) error {
	fs := flag.NewFlagSet("packages list", flag.ContinueOnError)
	dir := fs.String("package-dir", ".", "directory to scan for packages")
	if err := fs.Parse(args); err != nil {
		return errs.NewUsage("packages list: %v", err)
	}
	entries, err := packages.List(*dir)
	if err != nil || ctx.JSON {
		return cliutil.Finish(ctx.JSON, "packages list", entries, err)
	}
	if len(entries) == 0 {
		fmt.Println("no packages found")
		return nil
	}
	for _, e := range entries {
		fmt.Printf("%-48s %-20s %-10s %s\n", filepath.Base(e.Path), e.Branch, e.Size, e.CreatedAt)
	}
	return nil
}

func handleValidate(ctx *cmdregistry.Context, args []string) error {
	if len(args) != 1 {
		return errs.NewUsage("usage: packages validate <file>")
	}
	meta, err := packages.Validate(args[0])
	if err == nil && !ctx.JSON {
		fmt.Printf("package OK: branch %s, project %s, created %s\n", meta.BranchName, meta.ProjectName, meta.CreatedAt)
	}
	return cliutil.Finish(ctx.JSON, "packages validate", meta, err)
}
