package packages

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/catalpainternational/dockertree/cli/dockertree/internal/errs"
)

func writeBundle(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for rel, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestChecksumTreeSkipsManifest(t *testing.T) {
	dir := writeBundle(t, map[string]string{
		"metadata.json":               "{}",
		"env.dockertree":              "A=1\n",
		"volumes/postgres_data.tar.gz": "binary",
	})
	sums, err := ChecksumTree(dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := sums["metadata.json"]; ok {
		t.Fatal("manifest must not checksum itself")
	}
	if len(sums) != 2 {
		t.Fatalf("sums = %v", sums)
	}
	if _, ok := sums["volumes/postgres_data.tar.gz"]; !ok {
		t.Fatalf("slash-relative keys expected: %v", sums)
	}
}

func TestMetadataRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := Metadata{
		PackageVersion: PackageVersion,
		BranchName:     "feature/login",
		ProjectName:    "myapp",
		Volumes:        []string{"postgres_data"},
		Checksums:      map[string]string{},
	}
	if err := WriteMetadata(dir, m); err != nil {
		t.Fatal(err)
	}
	got, err := ReadMetadata(dir)
	if err != nil {
		t.Fatal(err)
	}
	if got.BranchName != "feature/login" || got.ProjectName != "myapp" {
		t.Fatalf("ReadMetadata = %+v", got)
	}
}

func TestReadMetadataRejectsIncomplete(t *testing.T) {
	dir := writeBundle(t, map[string]string{"metadata.json": `{"project_name": "x"}`})
	if _, err := ReadMetadata(dir); !errs.IsKind(err, errs.Integrity) {
		t.Fatalf("expected Integrity error, got %v", err)
	}
	if _, err := ReadMetadata(t.TempDir()); !errs.IsKind(err, errs.Integrity) {
		t.Fatalf("missing manifest: %v", err)
	}
}

func TestVerifyChecksums(t *testing.T) {
	dir := writeBundle(t, map[string]string{"env.dockertree": "A=1\n"})
	sums, err := ChecksumTree(dir)
	if err != nil {
		t.Fatal(err)
	}
	m := Metadata{PackageVersion: PackageVersion, BranchName: "main", Checksums: sums}
	if err := VerifyChecksums(dir, m); err != nil {
		t.Fatalf("clean bundle: %v", err)
	}

	// Tampered payload.
	if err := os.WriteFile(filepath.Join(dir, "env.dockertree"), []byte("A=2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	err = VerifyChecksums(dir, m)
	if !errs.IsKind(err, errs.Integrity) {
		t.Fatalf("tampered file: %v", err)
	}
	if errs.ExitCode(err) != 5 {
		t.Fatalf("integrity failures exit 5, got %d", errs.ExitCode(err))
	}
}

func TestVerifyChecksumsMissingAndExtra(t *testing.T) {
	dir := writeBundle(t, map[string]string{"env.dockertree": "A=1\n"})
	sums, _ := ChecksumTree(dir)
	m := Metadata{PackageVersion: PackageVersion, BranchName: "main", Checksums: sums}

	// Manifest covers a file the bundle lost.
	if err := os.Remove(filepath.Join(dir, "env.dockertree")); err != nil {
		t.Fatal(err)
	}
	if err := VerifyChecksums(dir, m); !errs.IsKind(err, errs.Integrity) {
		t.Fatalf("missing payload: %v", err)
	}

	// Bundle carries a file the manifest never covered.
	if err := os.WriteFile(filepath.Join(dir, "env.dockertree"), []byte("A=1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "smuggled"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := VerifyChecksums(dir, m); !errs.IsKind(err, errs.Integrity) {
		t.Fatalf("uncovered payload: %v", err)
	}
}
