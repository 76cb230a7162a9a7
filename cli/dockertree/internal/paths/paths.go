package paths

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/catalpainternational/dockertree/cli/dockertree/internal/config"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/errs"
)

// Context describes where a command is executing relative to the project.
type Context struct {
	// Root is the directory containing .dockertree/config.yml that governs
	// this invocation. Inside a worktree this is the worktree itself.
	Root string
	// ProjectRoot is the outermost project root. Equal to Root unless the
	// invocation happens inside a worktree.
	ProjectRoot string
	// WorktreeLocal is true when Root lies under the project's worktree dir.
	WorktreeLocal bool
	// Branch is the branch name of the enclosing worktree, when local.
	Branch string
}

// Resolve walks from dir toward the filesystem root looking for the nearest
// .dockertree/config.yml, preferring the local directory when present. When
// the match lies inside a worktrees directory the context is marked
// worktree-local and the outer project root is located as well.
func Resolve(dir string) (Context, error) {
	start, err := filepath.Abs(dir)
	if err != nil {
		return Context{}, err
	}
	root := findRoot(start)
	if root == "" {
		return Context{}, errs.New(errs.NotFound, "paths",
			"no %s/%s found from %s upward; run setup first",
			config.ConfigDirName, config.ConfigFileName, start)
	}
	ctx := Context{Root: root, ProjectRoot: root}
	parent := filepath.Dir(root)
	if filepath.Base(parent) == config.DefaultWorktreeDir {
		if outer := findRoot(filepath.Dir(parent)); outer != "" && outer != root {
			ctx.WorktreeLocal = true
			ctx.ProjectRoot = outer
			ctx.Branch = filepath.Base(root)
		}
	}
	return ctx, nil
}

// ResolveWorkingDir resolves from DOCKERTREE_WORKING_DIR when set, else from
// the process working directory.
func ResolveWorkingDir() (Context, error) {
	dir := strings.TrimSpace(os.Getenv("DOCKERTREE_WORKING_DIR"))
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return Context{}, err
		}
		dir = wd
	}
	return Resolve(dir)
}

func findRoot(start string) string {
	dir := start
	for {
		if hasConfig(dir) {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func hasConfig(dir string) bool {
	st, err := os.Stat(filepath.Join(dir, config.ConfigDirName, config.ConfigFileName))
	return err == nil && !st.IsDir()
}

// ConfigDir returns the .dockertree directory for a root.
func ConfigDir(root string) string {
	return filepath.Join(root, config.ConfigDirName)
}

// ConfigFile returns the config.yml path for a root.
func ConfigFile(root string) string {
	return filepath.Join(root, config.ConfigDirName, config.ConfigFileName)
}

// ComposeVariant returns the derived stack description path for a root.
func ComposeVariant(root string) string {
	return filepath.Join(root, config.ConfigDirName, config.ComposeVariantName)
}

// EnvFile returns the generated env.dockertree path for a worktree root.
func EnvFile(root string) string {
	return filepath.Join(root, config.ConfigDirName, config.EnvFileName)
}

// WorktreesDir returns the directory holding per-branch checkouts.
func WorktreesDir(projectRoot, worktreeDir string) string {
	if worktreeDir == "" {
		worktreeDir = config.DefaultWorktreeDir
	}
	return filepath.Join(projectRoot, worktreeDir)
}

// WorktreePath returns the checkout path for a branch. Branch slashes map to
// hyphens so nested branch names stay one directory deep.
func WorktreePath(projectRoot, worktreeDir, branch string) string {
	return filepath.Join(WorktreesDir(projectRoot, worktreeDir), strings.ReplaceAll(branch, "/", "-"))
}

// SourceComposeFile locates the project's own stack description, preferring
// docker-compose.yml over docker-compose.yaml, then the compose.* spellings.
func SourceComposeFile(root string) string {
	for _, name := range []string{"docker-compose.yml", "docker-compose.yaml", "compose.yml", "compose.yaml"} {
		p := filepath.Join(root, name)
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			return p
		}
	}
	return ""
}

// ListWorktreeEnvFiles returns every env.dockertree under the project's
// worktree dir plus the project root's own, for port-allocation scans.
func ListWorktreeEnvFiles(projectRoot, worktreeDir string) []string {
	var out []string
	if p := EnvFile(projectRoot); fileExists(p) {
		out = append(out, p)
	}
	entries, err := os.ReadDir(WorktreesDir(projectRoot, worktreeDir))
	if err != nil {
		return out
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		p := EnvFile(filepath.Join(WorktreesDir(projectRoot, worktreeDir), e.Name()))
		if fileExists(p) {
			out = append(out, p)
		}
	}
	return out
}

func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}

// CopyConfigTree copies src's .dockertree/ into dst, excluding the worktrees
// subtree, preserving the fractal layout.
func CopyConfigTree(srcRoot, dstRoot, worktreeDir string) error {
	src := ConfigDir(srcRoot)
	dst := ConfigDir(dstRoot)
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return os.MkdirAll(dst, 0o755)
		}
		first := strings.Split(rel, string(os.PathSeparator))[0]
		if first == config.DefaultWorktreeDir || (worktreeDir != "" && first == worktreeDir) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode().Perm())
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, info.Mode().Perm())
	})
}
