package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestReadWriteRoundTrip(t *testing.T) {
	root := t.TempDir()
	p := Project{
		ProjectName: "myapp",
		Volumes:     []string{"postgres_data", "media"},
		Environment: map[string]string{"DEBUG": "1"},
	}
	if err := Write(root, p); err != nil {
		t.Fatal(err)
	}
	got, err := Read(root)
	if err != nil {
		t.Fatal(err)
	}
	if got.ProjectName != "myapp" {
		t.Fatalf("ProjectName = %q", got.ProjectName)
	}
	if !reflect.DeepEqual(got.Volumes, p.Volumes) {
		t.Fatalf("Volumes = %v", got.Volumes)
	}
	if got.WorktreeDir != DefaultWorktreeDir {
		t.Fatalf("WorktreeDir default missing: %q", got.WorktreeDir)
	}
	if got.CaddyNetwork != DefaultCaddyNetwork {
		t.Fatalf("CaddyNetwork default missing: %q", got.CaddyNetwork)
	}
}

func TestReadMissingConfig(t *testing.T) {
	if _, err := Read(t.TempDir()); !os.IsNotExist(err) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestReadBadYAML(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, ConfigDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ConfigFileName), []byte("\t:nope"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Read(root); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestEnvironmentSorted(t *testing.T) {
	p := Project{Environment: map[string]string{"ZETA": "1", "ALPHA": "2", "MID": "3"}}
	if got := p.EnvironmentSorted(); !reflect.DeepEqual(got, []string{"ALPHA", "MID", "ZETA"}) {
		t.Fatalf("EnvironmentSorted = %v", got)
	}
}
