package packages

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/catalpainternational/dockertree/cli/dockertree/internal/config"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/errs"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/orchestrator"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/paths"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/version"
)

// Manager exports and imports worktree packages.
type Manager struct {
	Orch *orchestrator.Orchestrator
}

func NewManager(o *orchestrator.Orchestrator) *Manager {
	return &Manager{Orch: o}
}

// ExportOptions tune a package export.
type ExportOptions struct {
	IncludeCode bool
	OutputDir   string
	Compress    bool
}

// ExportResult reports the produced package.
type ExportResult struct {
	Path    string   `json:"path"`
	Size    string   `json:"size"`
	Volumes []string `json:"volumes"`
	Code    bool     `json:"include_code"`
}

// Export bundles a worktree's environment, volumes, and optionally code into
// a content-addressed package. A running worktree is stopped for a consistent
// snapshot and restarted afterwards.
func (m *Manager) Export(ctx context.Context, branch string, opts ExportOptions) (ExportResult, error) {
	var result ExportResult
	o := m.Orch
	if !o.Exists(branch) {
		return result, errs.New(errs.NotFound, "export", "no worktree for branch %s", branch)
	}
	wt := o.WorktreePath(branch)
	stack := o.StackName(branch)

	wasRunning, err := o.RT.StackRunning(ctx, stack)
	if err != nil {
		return result, err
	}
	if wasRunning {
		log.Infof("stopping %s for a consistent snapshot", branch)
		if err := o.RT.ComposeDown(ctx, o.Stack(branch), false); err != nil {
			return result, err
		}
		defer func() {
			log.Infof("restarting %s", branch)
			if err := o.RT.ComposeUp(context.Background(), o.Stack(branch), true); err != nil {
				log.Warnf("failed to restart %s: %v", branch, err)
			}
		}()
	}

	stage, err := os.MkdirTemp("", "dockertree-export-"+uuid.NewString()[:8]+"-*")
	if err != nil {
		return result, err
	}
	defer os.RemoveAll(stage)
	bundle := filepath.Join(stage, branch+"_"+time.Now().UTC().Format("20060102T150405Z"))
	for _, sub := range []string{"environment", "volumes"} {
		if err := os.MkdirAll(filepath.Join(bundle, sub), 0o755); err != nil {
			return result, err
		}
	}

	// Environment: the fractal config dir, the generated env file, and the
	// developer .env when present.
	envDir := filepath.Join(bundle, "environment")
	if err := copyTree(paths.ConfigDir(wt), filepath.Join(envDir, config.ConfigDirName),
		map[string]bool{config.DefaultWorktreeDir: true, o.Project.WorktreeDir: true}); err != nil {
		return result, errs.Wrap(errs.Runtime, "export", err, "copy configuration")
	}
	if data, err := os.ReadFile(paths.EnvFile(wt)); err == nil {
		if err := os.WriteFile(filepath.Join(envDir, config.EnvFileName), data, 0o644); err != nil {
			return result, err
		}
	}
	if data, err := os.ReadFile(filepath.Join(wt, ".env")); err == nil {
		_ = os.WriteFile(filepath.Join(envDir, ".env"), data, 0o644)
	}

	// Volumes: one tar.gz per declared named volume.
	var exported []string
	for _, v := range o.Project.Volumes {
		vol := stack + "_" + v
		if !o.RT.VolumeExists(ctx, vol) {
			log.Warnf("volume %s does not exist, skipping", vol)
			continue
		}
		if err := o.Cloner.Backup(ctx, vol, filepath.Join(bundle, "volumes"), v+".tar.gz"); err != nil {
			return result, err
		}
		exported = append(exported, v)
	}

	includeCode := opts.IncludeCode
	if includeCode {
		codeDir := filepath.Join(bundle, "code")
		if err := os.MkdirAll(codeDir, 0o755); err != nil {
			return result, err
		}
		if err := o.Git.Archive(ctx, branch, filepath.Join(codeDir, branch+".tar")); err != nil {
			return result, err
		}
	}

	sums, err := ChecksumTree(bundle)
	if err != nil {
		return result, err
	}
	commit, _ := o.Git.CurrentCommit(ctx)
	meta := Metadata{
		PackageVersion: PackageVersion,
		ToolVersion:    version.Version,
		CreatedAt:      time.Now().UTC().Format(time.RFC3339),
		BranchName:     branch,
		ProjectName:    o.Project.ProjectName,
		GitCommit:      commit,
		IncludeCode:    includeCode,
		Volumes:        exported,
		Checksums:      sums,
		ModeHint:       modeHint(includeCode),
	}
	if err := WriteMetadata(bundle, meta); err != nil {
		return result, err
	}

	outDir := opts.OutputDir
	if outDir == "" {
		outDir = "."
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return result, err
	}
	name := fmt.Sprintf("%s-%s-%s%s",
		config.SanitizeProjectName(o.Project.ProjectName), branch,
		time.Now().UTC().Format("20060102-150405"), Suffix)
	outPath := filepath.Join(outDir, name)
	if err := compressDir(bundle, outPath); err != nil {
		return result, errs.Wrap(errs.Runtime, "export", err, "compress package")
	}

	st, err := os.Stat(outPath)
	if err != nil {
		return result, err
	}
	result = ExportResult{
		Path:    outPath,
		Size:    humanize.IBytes(uint64(st.Size())),
		Volumes: exported,
		Code:    includeCode,
	}
	log.Infof("exported %s (%s)", outPath, result.Size)
	return result, nil
}

func modeHint(includeCode bool) string {
	if includeCode {
		return "standalone"
	}
	return "normal"
}

// ListEntry describes one package in a directory listing.
type ListEntry struct {
	Path      string `json:"path"`
	Size      string `json:"size"`
	Branch    string `json:"branch,omitempty"`
	Project   string `json:"project,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

// List finds packages under dir, newest first.
func List(dir string) ([]ListEntry, error) {
	if dir == "" {
		dir = "."
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*"+Suffix))
	if err != nil {
		return nil, err
	}
	var out []ListEntry
	for _, p := range matches {
		st, err := os.Stat(p)
		if err != nil {
			continue
		}
		entry := ListEntry{Path: p, Size: humanize.IBytes(uint64(st.Size()))}
		if meta, err := peekMetadata(p); err == nil {
			entry.Branch = meta.BranchName
			entry.Project = meta.ProjectName
			entry.CreatedAt = meta.CreatedAt
		}
		out = append(out, entry)
	}
	return out, nil
}

// peekMetadata extracts just the manifest for listings.
func peekMetadata(archivePath string) (Metadata, error) {
	stage, err := os.MkdirTemp("", "dockertree-peek-*")
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
	return ReadMetadata(dir)
}
