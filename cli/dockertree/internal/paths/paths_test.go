package paths

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/catalpainternational/dockertree/cli/dockertree/internal/config"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/errs"
)

func writeConfig(t *testing.T, root string) {
	t.Helper()
	if err := config.Write(root, config.Project{ProjectName: "myapp"}); err != nil {
		t.Fatal(err)
	}
}

func TestResolveFromProjectRoot(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root)
	ctx, err := Resolve(root)
	if err != nil {
		t.Fatal(err)
	}
	if ctx.Root != root || ctx.ProjectRoot != root || ctx.WorktreeLocal {
		t.Fatalf("ctx = %+v", ctx)
	}
}

func TestResolveFromSubdirectory(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root)
	sub := filepath.Join(root, "src", "app")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	ctx, err := Resolve(sub)
	if err != nil {
		t.Fatal(err)
	}
	if ctx.Root != root {
		t.Fatalf("Root = %q, want %q", ctx.Root, root)
	}
}

func TestResolveInsideWorktree(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root)
	wt := filepath.Join(root, config.DefaultWorktreeDir, "feature-login")
	writeConfig(t, wt)

	ctx, err := Resolve(wt)
	if err != nil {
		t.Fatal(err)
	}
	if !ctx.WorktreeLocal {
		t.Fatal("expected worktree-local context")
	}
	if ctx.Root != wt {
		t.Fatalf("Root = %q, want worktree %q", ctx.Root, wt)
	}
	if ctx.ProjectRoot != root {
		t.Fatalf("ProjectRoot = %q, want %q", ctx.ProjectRoot, root)
	}
	if ctx.Branch != "feature-login" {
		t.Fatalf("Branch = %q", ctx.Branch)
	}
}

func TestResolveNoProject(t *testing.T) {
	_, err := Resolve(t.TempDir())
	if !errs.IsKind(err, errs.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestWorktreePathFlattensSlashes(t *testing.T) {
	got := WorktreePath("/p", "", "feature/login")
	want := filepath.Join("/p", config.DefaultWorktreeDir, "feature-login")
	if got != want {
		t.Fatalf("WorktreePath = %q, want %q", got, want)
	}
}

func TestSourceComposeFilePreference(t *testing.T) {
	root := t.TempDir()
	if SourceComposeFile(root) != "" {
		t.Fatal("empty dir should have no compose file")
	}
	for _, name := range []string{"compose.yaml", "compose.yml", "docker-compose.yaml", "docker-compose.yml"} {
		if err := os.WriteFile(filepath.Join(root, name), []byte("services: {}\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if got := SourceComposeFile(root); filepath.Base(got) != "docker-compose.yml" {
		t.Fatalf("preference order broken: %q", got)
	}
}

func TestListWorktreeEnvFiles(t *testing.T) {
	root := t.TempDir()
	writeRootEnv := func(dir string) string {
		t.Helper()
		p := EnvFile(dir)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte("A=1\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		return p
	}
	rootEnv := writeRootEnv(root)
	wt1 := writeRootEnv(filepath.Join(root, config.DefaultWorktreeDir, "alpha"))
	wt2 := writeRootEnv(filepath.Join(root, config.DefaultWorktreeDir, "beta"))
	// A worktree without an env file is skipped.
	if err := os.MkdirAll(filepath.Join(root, config.DefaultWorktreeDir, "bare"), 0o755); err != nil {
		t.Fatal(err)
	}

	got := ListWorktreeEnvFiles(root, "")
	if !reflect.DeepEqual(got, []string{rootEnv, wt1, wt2}) {
		t.Fatalf("ListWorktreeEnvFiles = %v", got)
	}
}

func TestCopyConfigTreeExcludesWorktrees(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	writeConfig(t, src)
	if err := os.WriteFile(filepath.Join(ConfigDir(src), "Caddyfile.template"), []byte("tpl"), 0o644); err != nil {
		t.Fatal(err)
	}
	nested := filepath.Join(ConfigDir(src), config.DefaultWorktreeDir)
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(nested, "junk"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := CopyConfigTree(src, dst, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(ConfigDir(dst), "Caddyfile.template")); err != nil {
		t.Fatalf("template not copied: %v", err)
	}
	if _, err := os.Stat(ConfigFile(dst)); err != nil {
		t.Fatalf("config not copied: %v", err)
	}
	if _, err := os.Stat(filepath.Join(ConfigDir(dst), config.DefaultWorktreeDir)); !os.IsNotExist(err) {
		t.Fatal("worktrees subtree must be excluded")
	}
}
