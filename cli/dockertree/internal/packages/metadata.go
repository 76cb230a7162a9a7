package packages

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/catalpainternational/dockertree/cli/dockertree/internal/errs"
)

// PackageVersion identifies the bundle layout.
const PackageVersion = "1"

// Suffix is the package file name suffix.
const Suffix = ".dockertree-package.tar.gz"

// Metadata is the manifest at the root of every package.
type Metadata struct {
	PackageVersion string            `json:"package_version"`
	ToolVersion    string            `json:"tool_version"`
	CreatedAt      string            `json:"created_at"`
	BranchName     string            `json:"branch_name"`
	ProjectName    string            `json:"project_name"`
	GitCommit      string            `json:"git_commit,omitempty"`
	IncludeCode    bool              `json:"include_code"`
	Volumes        []string          `json:"volumes"`
	Checksums      map[string]string `json:"checksums"`
	ModeHint       string            `json:"mode_hint,omitempty"`
}

// FileChecksum computes the SHA-256 of a file's raw bytes.
func FileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ChecksumTree computes checksums for every regular file under bundleDir
// except the manifest itself, keyed by slash-separated relative path.
func ChecksumTree(bundleDir string) (map[string]string, error) {
	sums := map[string]string{}
	err := filepath.Walk(bundleDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(bundleDir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == "metadata.json" {
			return nil
		}
		sum, err := FileChecksum(path)
		if err != nil {
			return err
		}
		sums[rel] = sum
		return nil
	})
	return sums, err
}

// WriteMetadata persists the manifest into bundleDir.
func WriteMetadata(bundleDir string, m Metadata) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(bundleDir, "metadata.json"), data, 0o644)
}

// ReadMetadata loads and validates the manifest from an extracted bundle.
func ReadMetadata(bundleDir string) (Metadata, error) {
	var m Metadata
	data, err := os.ReadFile(filepath.Join(bundleDir, "metadata.json"))
	if err != nil {
		return m, errs.Wrap(errs.Integrity, "metadata", err, "read manifest")
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, errs.Wrap(errs.Integrity, "metadata", err, "corrupted manifest")
	}
	if m.PackageVersion == "" || m.BranchName == "" {
		return m, errs.New(errs.Integrity, "metadata", "manifest missing required fields")
	}
	return m, nil
}

// VerifyChecksums checks every manifest entry against the extracted files.
// Verification runs before any side effect; the first mismatch aborts.
func VerifyChecksums(bundleDir string, m Metadata) error {
	keys := make([]string, 0, len(m.Checksums))
	for k := range m.Checksums {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, rel := range keys {
		want := m.Checksums[rel]
		path := filepath.Join(bundleDir, filepath.FromSlash(rel))
		got, err := FileChecksum(path)
		if err != nil {
			return errs.Wrap(errs.Integrity, "verify", err, "missing payload file %s", rel)
		}
		if got != want {
			e := errs.New(errs.Integrity, "verify", "checksum mismatch for %s", rel)
			e.Details = map[string]any{"file": rel, "expected": want, "actual": got}
			return e
		}
	}
	// Payload files absent from the manifest indicate tampering too.
	actual, err := ChecksumTree(bundleDir)
	if err != nil {
		return err
	}
	for rel := range actual {
		if _, ok := m.Checksums[rel]; !ok {
			return errs.New(errs.Integrity, "verify", "payload file %s is not covered by the manifest", rel)
		}
	}
	return nil
}
