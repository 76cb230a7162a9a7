package config

import (
	"os"
	"path/filepath"
	"strings"
)

// GlobalStorePath returns the per-user settings file holding provider tokens
// and deployment defaults. DOCKERTREE_CONFIG overrides the location.
func GlobalStorePath() string {
	if p := strings.TrimSpace(os.Getenv("DOCKERTREE_CONFIG")); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".dockertree", EnvFileName)
}

// ReadGlobalStore loads the per-user settings file. A missing file yields an
// empty store.
func ReadGlobalStore() (*EnvFile, string, error) {
	path := GlobalStorePath()
	if path == "" {
		return NewEnvFile(), "", nil
	}
	f, err := ParseEnvFile(path)
	return f, path, err
}

// WriteGlobalStore persists the per-user settings file.
func WriteGlobalStore(f *EnvFile) error {
	path := GlobalStorePath()
	if path == "" {
		return nil
	}
	return f.WriteTo(path)
}
