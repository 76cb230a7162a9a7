package packages

import (
	"archive/tar"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/catalpainternational/dockertree/cli/dockertree/internal/config"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/envgen"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/errs"
)

func writeCodeTar(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	tw := tar.NewWriter(f)
	files := map[string]string{
		"app.py":      "print('hello')\n",
		"src/main.py": "run()\n",
	}
	for name, body := range files {
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(body))}); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
}

// buildPackage assembles a complete package archive the way export lays one
// out: environment tree, optional code tar, checksummed manifest.
func buildPackage(t *testing.T, includeCode bool) string {
	t.Helper()
	bundle := filepath.Join(t.TempDir(), "myapp-feature-login")
	envDir := filepath.Join(bundle, "environment", config.ConfigDirName)
	if err := os.MkdirAll(envDir, 0o755); err != nil {
		t.Fatal(err)
	}
	env := "COMPOSE_PROJECT_NAME=myapp-feature-login\nSITE_DOMAIN=myapp-feature-login.localhost\n"
	if err := os.WriteFile(filepath.Join(envDir, config.EnvFileName), []byte(env), 0o644); err != nil {
		t.Fatal(err)
	}
	if includeCode {
		writeCodeTar(t, filepath.Join(bundle, "code", "feature-login.tar"))
	}
	sums, err := ChecksumTree(bundle)
	if err != nil {
		t.Fatal(err)
	}
	meta := Metadata{
		PackageVersion: PackageVersion,
		ToolVersion:    "test",
		CreatedAt:      time.Now().UTC().Format(time.RFC3339),
		BranchName:     "feature-login",
		ProjectName:    "myapp",
		IncludeCode:    includeCode,
		Checksums:      sums,
	}
	if err := WriteMetadata(bundle, meta); err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(t.TempDir(), "myapp-feature-login"+Suffix)
	if err := compressDir(bundle, out); err != nil {
		t.Fatal(err)
	}
	return out
}

func TestImportStandaloneFromEmptyDirectory(t *testing.T) {
	pkg := buildPackage(t, true)
	target := filepath.Join(t.TempDir(), "clone")

	res, err := ImportStandalone(context.Background(), nil, pkg, ImportOptions{
		TargetDir: target,
		SkipData:  true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Mode != "standalone" || res.Branch != "feature-login" || res.StackName != "myapp-feature-login" {
		t.Fatalf("result = %+v", res)
	}
	if res.Path != target {
		t.Fatalf("Path = %q, want %q", res.Path, target)
	}
	for _, name := range []string{"app.py", filepath.Join("src", "main.py")} {
		if _, err := os.Stat(filepath.Join(target, name)); err != nil {
			t.Fatalf("code not extracted: %v", err)
		}
	}
	env, err := config.ParseEnvFile(filepath.Join(target, config.ConfigDirName, config.EnvFileName))
	if err != nil {
		t.Fatal(err)
	}
	if got := env.Lookup(envgen.KeyProjectName); got != "myapp-feature-login" {
		t.Fatalf("stack name = %q", got)
	}
	if got := env.Lookup(envgen.KeyProjectRoot); got != target {
		t.Fatalf("project root = %q", got)
	}
}

func TestImportStandaloneRefusesNonEmptyTarget(t *testing.T) {
	pkg := buildPackage(t, true)
	target := t.TempDir()
	if err := os.WriteFile(filepath.Join(target, "keep.txt"), []byte("x\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := ImportStandalone(context.Background(), nil, pkg, ImportOptions{TargetDir: target, SkipData: true})
	if !errs.IsKind(err, errs.AlreadyExists) {
		t.Fatalf("non-empty target: %v", err)
	}
	if _, err := ImportStandalone(context.Background(), nil, pkg, ImportOptions{TargetDir: target, SkipData: true, Force: true}); err != nil {
		t.Fatalf("forced import: %v", err)
	}
}

func TestImportStandaloneNeedsCode(t *testing.T) {
	pkg := buildPackage(t, false)
	target := filepath.Join(t.TempDir(), "clone")
	_, err := ImportStandalone(context.Background(), nil, pkg, ImportOptions{TargetDir: target, SkipData: true})
	if !errs.IsKind(err, errs.PreconditionFailed) {
		t.Fatalf("code-less package: %v", err)
	}
}

func TestValidateBuiltPackage(t *testing.T) {
	pkg := buildPackage(t, true)
	meta, err := Validate(pkg)
	if err != nil {
		t.Fatal(err)
	}
	if meta.BranchName != "feature-login" || meta.ProjectName != "myapp" {
		t.Fatalf("meta = %+v", meta)
	}
}
