package packages

import (
	"archive/tar"
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/catalpainternational/dockertree/cli/dockertree/internal/config"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/envgen"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/errs"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/paths"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/runtime"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/volumes"
)

// bundleRoot locates the bundle directory inside an extracted package: either
// the single top-level directory, or the staging dir itself when the manifest
// sits at its root.
func bundleRoot(stage string) (string, error) {
	entries, err := os.ReadDir(stage)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(filepath.Join(stage, "metadata.json")); err == nil {
		return stage, nil
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name())
		}
	}
	if len(dirs) == 1 {
		return filepath.Join(stage, dirs[0]), nil
	}
	return "", errs.New(errs.Integrity, "import", "archive does not contain a package bundle")
}

// Validate extracts a package and checks its manifest and every checksum
// without touching any project state.
func Validate(archivePath string) (Metadata, error) {
	stage, err := os.MkdirTemp("", "dockertree-validate-*")
	if err != nil {
		return Metadata{}, err
	}
	defer os.RemoveAll(stage)
	if err := extractArchive(archivePath, stage); err != nil {
		return Metadata{}, err
	}
	dir, err := bundleRoot(stage)
	if err != nil {
		return Metadata{}, err
	}
	meta, err := ReadMetadata(dir)
	if err != nil {
		return meta, err
	}
	if err := VerifyChecksums(dir, meta); err != nil {
		return meta, err
	}
	return meta, nil
}

// ImportOptions tune a package import.
type ImportOptions struct {
	TargetBranch string
	TargetDir    string
	SkipData     bool
	Standalone   bool
	Domain       string
	IP           string
	Force        bool
}

// ImportResult reports what an import produced.
type ImportResult struct {
	Branch    string   `json:"branch"`
	Path      string   `json:"path"`
	StackName string   `json:"stack_name"`
	Mode      string   `json:"mode"`
	Volumes   []string `json:"volumes"`
}

func (o ImportOptions) validate() error {
	if o.Domain != "" && o.IP != "" {
		return errs.NewUsage("--domain and --ip are mutually exclusive")
	}
	return nil
}

// Import restores a package into the current project: a new worktree checkout
// from the branch, the packaged environment, and the packaged volume data.
// Every checksum is verified before any side effect.
func (m *Manager) Import(ctx context.Context, archivePath string, opts ImportOptions) (ImportResult, error) {
	var result ImportResult
	if err := opts.validate(); err != nil {
		return result, err
	}
	o := m.Orch

	stage, err := os.MkdirTemp("", "dockertree-import-*")
	if err != nil {
		return result, err
	}
	defer os.RemoveAll(stage)
	if err := extractArchive(archivePath, stage); err != nil {
		return result, err
	}
	bundle, err := bundleRoot(stage)
	if err != nil {
		return result, err
	}
	meta, err := ReadMetadata(bundle)
	if err != nil {
		return result, err
	}
	if err := VerifyChecksums(bundle, meta); err != nil {
		return result, err
	}

	branch := opts.TargetBranch
	if branch == "" {
		branch = meta.BranchName
	}
	if err := o.Project.ValidateBranchName(branch); err != nil {
		return result, err
	}
	wt := o.WorktreePath(branch)
	if o.Exists(branch) {
		if !opts.Force {
			return result, errs.New(errs.AlreadyExists, "import",
				"worktree for branch %s already exists; remove it or re-run with --force", branch)
		}
		if err := o.Remove(ctx, branch, true); err != nil {
			return result, err
		}
	}

	var undo []func()
	rollback := func() {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
	}

	if err := o.Git.WorktreeAdd(ctx, branch, wt); err != nil {
		return result, err
	}
	undo = append(undo, func() {
		_ = o.Git.WorktreeRemove(context.Background(), wt, true)
		_ = os.RemoveAll(wt)
	})

	if err := restoreEnvironment(bundle, wt); err != nil {
		rollback()
		return result, err
	}

	stack := o.StackName(branch)
	envPath := paths.EnvFile(wt)
	env, err := config.ParseEnvFile(envPath)
	if err != nil {
		rollback()
		return result, err
	}
	env.Set(envgen.KeyProjectName, stack)
	env.Set(envgen.KeyProjectRoot, wt)
	// Packaged ports came from another machine; allocate fresh ones here.
	envFiles := paths.ListWorktreeEnvFiles(o.Paths.ProjectRoot, o.Project.WorktreeDir)
	ports, err := envgen.AllocateTriple(envFiles)
	if err != nil {
		rollback()
		return result, err
	}
	env.Set(envgen.KeyDBPort, strconv.Itoa(ports.DB))
	env.Set(envgen.KeyRedisPort, strconv.Itoa(ports.Redis))
	env.Set(envgen.KeyWebPort, strconv.Itoa(ports.Web))
	applyOverrides(env, opts)
	if err := env.WriteTo(envPath); err != nil {
		rollback()
		return result, err
	}

	var restored []string
	if !opts.SkipData {
		restored, err = restoreVolumes(ctx, o.Cloner, bundle, meta, stack, func(v string) {
			undo = append(undo, func() { _ = o.RT.VolumeRemove(context.Background(), v) })
		})
		if err != nil {
			rollback()
			return result, err
		}
	}

	if ctx.Err() != nil {
		rollback()
		return result, errs.Wrap(errs.Cancelled, "import", ctx.Err(), "import cancelled")
	}

	result = ImportResult{
		Branch:    branch,
		Path:      wt,
		StackName: stack,
		Mode:      "normal",
		Volumes:   restored,
	}
	log.Infof("imported %s into worktree %s", filepath.Base(archivePath), branch)
	return result, nil
}

// ImportStandalone restores a self-contained package outside any project:
// the packaged code becomes the checkout, and volumes are restored under the
// packaged stack name. Requires a package exported with code.
func ImportStandalone(ctx context.Context, rt *runtime.Docker, archivePath string, opts ImportOptions) (ImportResult, error) {
	var result ImportResult
	if err := opts.validate(); err != nil {
		return result, err
	}

	stage, err := os.MkdirTemp("", "dockertree-import-*")
	if err != nil {
		return result, err
	}
	defer os.RemoveAll(stage)
	if err := extractArchive(archivePath, stage); err != nil {
		return result, err
	}
	bundle, err := bundleRoot(stage)
	if err != nil {
		return result, err
	}
	meta, err := ReadMetadata(bundle)
	if err != nil {
		return result, err
	}
	if err := VerifyChecksums(bundle, meta); err != nil {
		return result, err
	}
	if !meta.IncludeCode {
		return result, errs.New(errs.PreconditionFailed, "import",
			"package %s was exported without code; standalone import needs --include-code at export time", filepath.Base(archivePath))
	}

	branch := opts.TargetBranch
	if branch == "" {
		branch = meta.BranchName
	}
	target := opts.TargetDir
	if target == "" {
		target = branch
	}
	if st, err := os.Stat(target); err == nil && st.IsDir() {
		entries, _ := os.ReadDir(target)
		if len(entries) > 0 && !opts.Force {
			return result, errs.New(errs.AlreadyExists, "import",
				"target directory %s is not empty; re-run with --force", target)
		}
	}
	if err := os.MkdirAll(target, 0o755); err != nil {
		return result, err
	}

	codeTar := filepath.Join(bundle, "code", meta.BranchName+".tar")
	if err := extractTar(codeTar, target); err != nil {
		return result, errs.Wrap(errs.Integrity, "import", err, "unpack code archive")
	}
	if err := restoreEnvironment(bundle, target); err != nil {
		return result, err
	}

	stack := config.StackName(meta.ProjectName, branch)
	envPath := paths.EnvFile(target)
	env, err := config.ParseEnvFile(envPath)
	if err != nil {
		return result, err
	}
	abs, err := filepath.Abs(target)
	if err != nil {
		return result, err
	}
	env.Set(envgen.KeyProjectName, stack)
	env.Set(envgen.KeyProjectRoot, abs)
	applyOverrides(env, opts)
	if err := env.WriteTo(envPath); err != nil {
		return result, err
	}

	var restored []string
	if !opts.SkipData {
		cloner := volumes.NewCloner(rt)
		restored, err = restoreVolumes(ctx, cloner, bundle, meta, stack, nil)
		if err != nil {
			return result, err
		}
	}

	result = ImportResult{
		Branch:    branch,
		Path:      abs,
		StackName: stack,
		Mode:      "standalone",
		Volumes:   restored,
	}
	log.Infof("imported %s standalone into %s", filepath.Base(archivePath), target)
	return result, nil
}

// restoreEnvironment places the packaged environment files into a checkout.
func restoreEnvironment(bundle, dst string) error {
	envDir := filepath.Join(bundle, "environment")
	cfgSrc := filepath.Join(envDir, config.ConfigDirName)
	if _, err := os.Stat(cfgSrc); err == nil {
		if err := copyTree(cfgSrc, filepath.Join(dst, config.ConfigDirName), nil); err != nil {
			return errs.Wrap(errs.Runtime, "import", err, "restore configuration")
		}
	}
	for _, name := range []string{config.EnvFileName, ".env"} {
		data, err := os.ReadFile(filepath.Join(envDir, name))
		if err != nil {
			continue
		}
		if err := os.WriteFile(filepath.Join(dst, name), data, 0o644); err != nil {
			return err
		}
	}
	if _, err := os.Stat(paths.EnvFile(dst)); err != nil {
		return errs.New(errs.Integrity, "import", "package is missing its environment file")
	}
	return nil
}

func applyOverrides(env *config.EnvFile, opts ImportOptions) {
	if opts.Domain != "" {
		envgen.ApplyDomainOverride(env, opts.Domain)
	}
	if opts.IP != "" {
		envgen.ApplyIPOverride(env, opts.IP)
	}
}

// restoreVolumes loads every packaged volume archive into <stack>_<name>.
func restoreVolumes(ctx context.Context, cloner *volumes.Cloner, bundle string, meta Metadata, stack string, track func(string)) ([]string, error) {
	volDir := filepath.Join(bundle, "volumes")
	var restored []string
	for _, v := range meta.Volumes {
		archive := filepath.Join(volDir, v+".tar.gz")
		if _, err := os.Stat(archive); err != nil {
			log.Warnf("package lists volume %s but carries no archive for it, skipping", v)
			continue
		}
		vol := stack + "_" + v
		if track != nil {
			track(vol)
		}
		if err := cloner.Restore(ctx, vol, volDir, v+".tar.gz"); err != nil {
			return restored, err
		}
		restored = append(restored, v)
	}
	return restored, nil
}

// extractTar unpacks a plain (uncompressed) tar file into dir, refusing
// entries that would escape it.
func extractTar(tarPath, dir string) error {
	f, err := os.Open(tarPath)
	if err != nil {
		return err
	}
	defer f.Close()
	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		name := filepath.FromSlash(hdr.Name)
		if strings.Contains(name, "..") {
			return errs.New(errs.Integrity, "import", "archive entry %q escapes target directory", hdr.Name)
		}
		target := filepath.Join(dir, name)
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode).Perm()|0o700); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			w, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode).Perm())
			if err != nil {
				return err
			}
			if _, err := io.Copy(w, tr); err != nil {
				_ = w.Close()
				return err
			}
			if err := w.Close(); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			_ = os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		}
	}
}
