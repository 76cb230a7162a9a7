// Package utility registers housekeeping commands.
package utility

import (
	"fmt"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/catalpainternational/dockertree/cli/dockertree/internal/cliutil"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/cmdregistry"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/config"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/envgen"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/paths"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/version"
)

// Register adds utility commands to the registry.
func Register(r *cmdregistry.Registry) {
	r.Register("version", handleVersion)
	r.Register("clean-legacy", handleCleanLegacy)
}

func handleVersion(ctx *cmdregistry.Context) error {
	if !ctx.JSON {
		fmt.Println("dockertree " + version.Version)
	}
	return cliutil.Finish(ctx.JSON, "version", map[string]string{"version": version.Version}, nil)
}

// handleCleanLegacy upgrades worktrees created before per-role port triples
// and drops runtime objects that no longer belong to any worktree.
func handleCleanLegacy(ctx *cmdregistry.Context) error {
	type report struct {
		UpgradedEnvs   []string `json:"upgraded_envs,omitempty"`
		RemovedVolumes []string `json:"removed_volumes,omitempty"`
	}
	var rep report

	envFiles := paths.ListWorktreeEnvFiles(ctx.Paths.ProjectRoot, ctx.Project.WorktreeDir)
	known := map[string]bool{}
	for _, envPath := range envFiles {
		branch := filepath.Base(filepath.Dir(filepath.Dir(envPath)))
		known[config.StackName(ctx.Project.ProjectName, branch)] = true

		env, err := config.ParseEnvFile(envPath)
		if err != nil {
			log.Warnf("skipping unreadable %s: %v", envPath, err)
			continue
		}
		if env.Lookup(envgen.KeyDBPort) != "" &&
			env.Lookup(envgen.KeyRedisPort) != "" &&
			env.Lookup(envgen.KeyWebPort) != "" {
			continue
		}
		ports, err := envgen.AllocateTriple(envFiles)
		if err != nil {
			return cliutil.Finish(ctx.JSON, "clean-legacy", rep, err)
		}
		env.Set(envgen.KeyDBPort, fmt.Sprint(ports.DB))
		env.Set(envgen.KeyRedisPort, fmt.Sprint(ports.Redis))
		env.Set(envgen.KeyWebPort, fmt.Sprint(ports.Web))
		if err := env.WriteTo(envPath); err != nil {
			return cliutil.Finish(ctx.JSON, "clean-legacy", rep, err)
		}
		rep.UpgradedEnvs = append(rep.UpgradedEnvs, envPath)
		log.Infof("assigned ports %d/%d/%d to %s; restart its stack to apply",
			ports.DB, ports.Redis, ports.Web, branch)
	}

	// Volumes whose stack prefix matches no current worktree are leftovers
	// from removed branches or pre-triple layouts.
	vols, err := ctx.Runtime().VolumeList(ctx.Ctx, ctx.Project.ProjectName+"-")
	if err != nil {
		return cliutil.Finish(ctx.JSON, "clean-legacy", rep, err)
	}
	var orphans []string
	for _, v := range vols {
		stack, _, ok := strings.Cut(v, "_")
		if ok && !known[stack] {
			orphans = append(orphans, v)
		}
	}
	if len(orphans) > 0 {
		if cliutil.Confirm(fmt.Sprintf("remove %d orphaned volumes (%s)?",
			len(orphans), strings.Join(orphans, ", ")), ctx.Force) {
			for _, v := range orphans {
				if err := ctx.Runtime().VolumeRemove(ctx.Ctx, v); err != nil {
					return cliutil.Finish(ctx.JSON, "clean-legacy", rep, err)
				}
				rep.RemovedVolumes = append(rep.RemovedVolumes, v)
			}
		}
	}

	if !ctx.JSON {
		fmt.Printf("upgraded %d env files, removed %d volumes\n",
			len(rep.UpgradedEnvs), len(rep.RemovedVolumes))
	}
	return cliutil.Finish(ctx.JSON, "clean-legacy", rep, nil)
}
