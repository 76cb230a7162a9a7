package completion

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/catalpainternational/dockertree/cli/dockertree/internal/config"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/paths"
)

func TestEnsureSourcedIdempotent(t *testing.T) {
	dir := t.TempDir()
	rc := filepath.Join(dir, ".bashrc")
	asset := filepath.Join(dir, "completion.bash")
	if err := os.WriteFile(rc, []byte("export PATH=$PATH\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := ensureSourced(rc, asset); err != nil {
		t.Fatal(err)
	}
	if err := ensureSourced(rc, asset); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(rc)
	if err != nil {
		t.Fatal(err)
	}
	if n := strings.Count(string(data), marker); n != 1 {
		t.Fatalf("marker appears %d times, want 1:\n%s", n, data)
	}
	if !strings.Contains(string(data), asset) {
		t.Fatalf("source line missing:\n%s", data)
	}
}

func TestRemoveSourced(t *testing.T) {
	dir := t.TempDir()
	rc := filepath.Join(dir, ".bashrc")
	asset := filepath.Join(dir, "completion.bash")
	if err := os.WriteFile(rc, []byte("alias ll='ls -l'\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := ensureSourced(rc, asset); err != nil {
		t.Fatal(err)
	}
	if err := removeSourced(rc); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(rc)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), marker) || strings.Contains(string(data), asset) {
		t.Fatalf("hook not removed:\n%s", data)
	}
	if !strings.Contains(string(data), "alias ll") {
		t.Fatalf("user content lost:\n%s", data)
	}
	// A missing rc file is not an error.
	if err := removeSourced(filepath.Join(dir, "nope")); err != nil {
		t.Fatal(err)
	}
}

func TestWorktreeNames(t *testing.T) {
	root := t.TempDir()
	for _, branch := range []string{"zeta", "alpha"} {
		wt := filepath.Join(root, config.DefaultWorktreeDir, branch)
		env := paths.EnvFile(wt)
		if err := os.MkdirAll(filepath.Dir(env), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(env, []byte("A=1\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	got := worktreeNames(paths.Context{ProjectRoot: root}, "")
	if !reflect.DeepEqual(got, []string{"alpha", "zeta"}) {
		t.Fatalf("worktreeNames = %v", got)
	}
}

func TestServiceNames(t *testing.T) {
	root := t.TempDir()
	variant := paths.ComposeVariant(root)
	if err := os.MkdirAll(filepath.Dir(variant), 0o755); err != nil {
		t.Fatal(err)
	}
	stack := "services:\n  web: {}\n  db: {}\n  redis: {}\n"
	if err := os.WriteFile(variant, []byte(stack), 0o644); err != nil {
		t.Fatal(err)
	}
	got := serviceNames(paths.Context{Root: root})
	if !reflect.DeepEqual(got, []string{"db", "redis", "web"}) {
		t.Fatalf("serviceNames = %v", got)
	}
	// Missing variant stays quiet.
	if names := serviceNames(paths.Context{Root: t.TempDir()}); names != nil {
		t.Fatalf("expected nil for missing variant, got %v", names)
	}
}
