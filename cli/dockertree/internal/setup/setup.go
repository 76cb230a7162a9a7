// Package setup initializes a project for worktree management: the fractal
// config directory, the derived compose variant, and supporting templates.
package setup

import (
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/catalpainternational/dockertree/cli/dockertree/internal/config"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/errs"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/paths"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/proxy"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/transform"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/vcs"
)

// Options tune project initialization.
type Options struct {
	ProjectName string
	Force       bool
	// VariantOnly regenerates the derived compose variant from the current
	// source stack file without touching the rest of the configuration.
	VariantOnly bool
}

// Result reports what setup wrote.
type Result struct {
	ProjectName string   `json:"project_name"`
	ConfigDir   string   `json:"config_dir"`
	Written     []string `json:"written"`
}

// Run initializes the current directory as a managed project. Existing
// configuration is preserved unless force is set.
func Run(root string, opts Options) (Result, error) {
	var result Result
	if !vcs.IsRepoRoot(root) {
		return result, errs.New(errs.PreconditionFailed, "setup",
			"%s is not the root of a repository; run setup from the project root", root)
	}

	if opts.VariantOnly {
		return regenerateVariant(root)
	}

	name := opts.ProjectName
	if name == "" {
		name = filepath.Base(root)
	}
	name = config.SanitizeProjectName(name)
	if name == "" {
		return result, errs.New(errs.Validation, "setup", "cannot derive a project name from %q", root)
	}

	cfgDir := paths.ConfigDir(root)
	cfgFile := paths.ConfigFile(root)
	if _, err := os.Stat(cfgFile); err == nil && !opts.Force {
		return result, errs.New(errs.AlreadyExists, "setup",
			"%s already exists; re-run with --force to overwrite", cfgFile)
	}
	if err := os.MkdirAll(cfgDir, 0o755); err != nil {
		return result, err
	}

	src := paths.SourceComposeFile(root)
	if src == "" {
		skeleton := filepath.Join(root, "docker-compose.yml")
		if err := os.WriteFile(skeleton, []byte(composeSkeleton), 0o644); err != nil {
			return result, err
		}
		log.Infof("no compose file found; wrote a starter %s", filepath.Base(skeleton))
		result.Written = append(result.Written, skeleton)
		src = skeleton
	}

	project := config.Project{
		ProjectName: name,
		Volumes:     detectVolumes(src),
	}
	if err := config.Write(root, project); err != nil {
		return result, err
	}
	result.Written = append(result.Written, cfgFile)

	variant := paths.ComposeVariant(root)
	if err := transform.TransformFile(src, variant, transform.Options{
		CaddyNetwork:    config.DefaultCaddyNetwork,
		DeclaredVolumes: project.Volumes,
	}); err != nil {
		return result, err
	}
	result.Written = append(result.Written, variant)

	caddyfile := filepath.Join(cfgDir, "Caddyfile.template")
	if err := os.WriteFile(caddyfile, []byte(proxy.CaddyfileTemplate(name)), 0o644); err != nil {
		return result, err
	}
	result.Written = append(result.Written, caddyfile)

	readme := filepath.Join(cfgDir, "README.md")
	if _, err := os.Stat(readme); os.IsNotExist(err) || opts.Force {
		if err := os.WriteFile(readme, []byte(readmeText(name)), 0o644); err != nil {
			return result, err
		}
		result.Written = append(result.Written, readme)
	}

	result.ProjectName = name
	result.ConfigDir = cfgDir
	log.Infof("project %s initialized; create a worktree with: dockertree create <branch>", name)
	return result, nil
}

// regenerateVariant re-derives the compose variant for an already-initialized
// project, after the source stack file changed.
func regenerateVariant(root string) (Result, error) {
	var result Result
	project, err := config.Read(root)
	if err != nil {
		return result, errs.Wrap(errs.PreconditionFailed, "setup", err,
			"no project configuration under %s; run setup first", root)
	}
	src := paths.SourceComposeFile(root)
	if src == "" {
		return result, errs.New(errs.NotFound, "setup", "no compose file found under %s", root)
	}
	variant := paths.ComposeVariant(root)
	if err := transform.TransformFile(src, variant, transform.Options{
		CaddyNetwork:    project.CaddyNetwork,
		DeclaredVolumes: project.Volumes,
	}); err != nil {
		return result, err
	}
	result.ProjectName = project.ProjectName
	result.ConfigDir = paths.ConfigDir(root)
	result.Written = []string{variant}
	log.Infof("regenerated %s from %s", filepath.Base(variant), filepath.Base(src))
	return result, nil
}

// detectVolumes pulls the top-level volume names out of a compose file so the
// generated config starts with a sensible clone list.
func detectVolumes(composeFile string) []string {
	names, err := transform.TopLevelVolumes(composeFile)
	if err != nil {
		log.Debugf("cannot inspect %s for volumes: %v", composeFile, err)
		return nil
	}
	return names
}

const composeSkeleton = `services:
  web:
    image: python:3.12-slim
    command: python -m http.server 8000
    ports:
      - "8000:8000"
    depends_on:
      - db
      - redis
  db:
    image: postgres:16
    environment:
      POSTGRES_PASSWORD: postgres
    volumes:
      - postgres_data:/var/lib/postgresql/data
  redis:
    image: redis:7

volumes:
  postgres_data:
`

func readmeText(name string) string {
	return fmt.Sprintf(`# %s worktree environments

This directory is managed by dockertree. Each branch gets an isolated
checkout under worktrees/ with its own stack, volumes, and env file.

Common commands:

    dockertree create <branch>
    dockertree <branch> up -d
    dockertree <branch> logs -f
    dockertree list
    dockertree remove <branch>

The compose variant docker-compose.worktree.yml is derived from the project
stack file; regenerate it with "dockertree setup --force" after changing the
original.
`, name)
}
