package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/catalpainternational/dockertree/cli/dockertree/internal/cliutil"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/cmdregistry"
	completioncmd "github.com/catalpainternational/dockertree/cli/dockertree/internal/commands/completioncmd"
	dropletcmd "github.com/catalpainternational/dockertree/cli/dockertree/internal/commands/dropletcmd"
	packagescmd "github.com/catalpainternational/dockertree/cli/dockertree/internal/commands/packagescmd"
	proxycmd "github.com/catalpainternational/dockertree/cli/dockertree/internal/commands/proxycmd"
	rpccmd "github.com/catalpainternational/dockertree/cli/dockertree/internal/commands/rpccmd"
	setupcmd "github.com/catalpainternational/dockertree/cli/dockertree/internal/commands/setupcmd"
	utilitycmd "github.com/catalpainternational/dockertree/cli/dockertree/internal/commands/utility"
	volumescmd "github.com/catalpainternational/dockertree/cli/dockertree/internal/commands/volumescmd"
	worktreescmd "github.com/catalpainternational/dockertree/cli/dockertree/internal/commands/worktrees"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/config"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/errs"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/paths"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/version"
)

func usage() {
	fmt.Print(`dockertree ` + version.Version + ` - isolated per-branch development environments

Usage: dockertree [--json] [--force] [--debug] <command> [args]

Project:
  setup [--project-name N] [--monkey-patch]   initialize the current repository
  list                                        show worktrees and their state
  prune                                       drop stale worktree metadata
  clean-legacy                                upgrade pre-port-triple worktrees

Worktrees:
  create <branch>                             branch + checkout + env + volumes
  <branch> up [-d] | down | logs | ps | exec | run | build | restart | ...
  remove <branch|pattern> [--force]     (-r)  remove checkout and stack
  delete <branch|pattern> [--force]     (-D)  remove AND delete the branch
  remove-all | delete-all [--force]

Proxy:
  start-proxy | stop-proxy | sync-proxy       manage the shared reverse proxy

Volumes:
  volumes {list|size|backup <B>|restore <B> <file>|clean <B>}

Packages:
  packages {export <B>|import <file>|list|validate <file>}

Deployment:
  droplet {create|push|list|info <id>|destroy <ids>|regions}

Misc:
  completion {install [shell]|uninstall|status}
  rpc serve                                   JSON request/response on stdio
  version | help

Every command accepts --json for structured output.
`)
}

func die(jsonMode bool, operation string, err error) {
	_ = cliutil.Finish(jsonMode, operation, nil, err)
	os.Exit(errs.ExitCode(err))
}

// commandsWithoutProject run before (or without) an initialized project.
// packages is listed because standalone import, list and validate operate on
// package files from any directory; its project-bound subcommands check the
// project state themselves.
var commandsWithoutProject = map[string]bool{
	"setup":       true,
	"help":        true,
	"version":     true,
	"completion":  true,
	"_completion": true,
	"rpc":         true,
	"packages":    true,
}

func main() {
	cliutil.SetupLogging()

	jsonMode := false
	force := false
	args := os.Args[1:]
	var rest []string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--json":
			jsonMode = true
		case "--force", "-f":
			force = true
		case "--debug":
			log.SetLevel(log.DebugLevel)
		case "-h", "--help", "help":
			usage()
			return
		default:
			rest = append(rest, args[i])
		}
	}
	if len(rest) == 0 {
		usage()
		os.Exit(2)
	}
	cmd, cmdArgs := rest[0], rest[1:]

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	registry := cmdregistry.New()
	setupcmd.Register(registry)
	worktreescmd.Register(registry)
	proxycmd.Register(registry)
	volumescmd.Register(registry)
	packagescmd.Register(registry)
	dropletcmd.Register(registry)
	utilitycmd.Register(registry)
	completioncmd.Register(registry)
	rpccmd.Register(registry)

	exe := "dockertree"
	if len(os.Args) > 0 && os.Args[0] != "" {
		exe = os.Args[0]
	}

	pc, perr := paths.ResolveWorkingDir()
	var project config.Project
	if perr == nil {
		project, perr = config.Read(pc.Root)
	}
	if perr != nil {
		if !commandsWithoutProject[cmd] {
			die(jsonMode, cmd, perr)
		}
		// setup and friends still need a directory to act on.
		if wd, err := os.Getwd(); err == nil {
			pc = paths.Context{Root: wd, ProjectRoot: wd}
		}
	}

	cc := &cmdregistry.Context{
		Ctx:     ctx,
		JSON:    jsonMode,
		Force:   force,
		Args:    cmdArgs,
		Paths:   pc,
		Project: project,
		Exe:     exe,
	}

	handler, ok := registry.Lookup(cmd)
	if !ok {
		// Branch-first form: `dockertree <branch> up -d`, `<branch> logs -f`.
		if perr == nil && cc.Orchestrator().Exists(cmd) {
			if err := runBranchCommand(cc, cmd, cmdArgs); err != nil {
				die(jsonMode, "compose", err)
			}
			return
		}
		die(jsonMode, cmd, errs.NewUsage("unknown command %q; see: %s help", cmd, exe))
	}
	if err := handler(cc); err != nil {
		os.Exit(errs.ExitCode(err))
	}
}

// runBranchCommand dispatches `<branch> <stack-cmd>`: up and down map onto
// the managed lifecycle, everything else passes through to the stack.
func runBranchCommand(cc *cmdregistry.Context, branch string, args []string) error {
	if len(args) == 0 {
		return errs.NewUsage("usage: %s %s <up|down|exec|logs|ps|run|build|restart|...>", cc.Exe, branch)
	}
	o := cc.Orchestrator()
	sub, subArgs := args[0], args[1:]
	switch sub {
	case "up":
		detach := false
		for _, a := range subArgs {
			if a == "-d" || a == "--detach" {
				detach = true
			}
		}
		err := o.Start(cc.Ctx, branch, detach)
		return cliutil.Finish(cc.JSON, "up", map[string]string{"branch": branch}, err)
	case "down":
		err := o.Stop(cc.Ctx, branch, false)
		return cliutil.Finish(cc.JSON, "down", map[string]string{"branch": branch}, err)
	default:
		return o.Passthrough(cc.Ctx, branch, args...)
	}
}
