package pushpipe

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/catalpainternational/dockertree/cli/dockertree/internal/config"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/envgen"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/errs"
)

func TestShellQuote(t *testing.T) {
	cases := map[string]string{
		"plain":        "'plain'",
		"two words":    "'two words'",
		"it's":         `'it'\''s'`,
		"/opt/my app/": "'/opt/my app/'",
	}
	for in, want := range cases {
		if got := shellQuote(in); got != want {
			t.Fatalf("shellQuote(%q) = %s", in, got)
		}
	}
}

func TestFirstOf(t *testing.T) {
	if got := firstOf("", "fallback", "later"); got != "fallback" {
		t.Fatalf("firstOf = %q", got)
	}
	if got := firstOf("", ""); got != "" {
		t.Fatalf("all empty = %q", got)
	}
}

func TestSavedTarget(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, "env.dockertree")

	if _, err := savedTarget(envPath); !errs.IsKind(err, errs.NotFound) {
		t.Fatalf("missing env file: %v", err)
	}

	env := config.NewEnvFile()
	if err := env.WriteTo(envPath); err != nil {
		t.Fatal(err)
	}
	if _, err := savedTarget(envPath); !errs.IsKind(err, errs.PreconditionFailed) {
		t.Fatalf("no prior push: %v", err)
	}

	env.Set(envgen.KeyPushTarget, "root@203.0.113.9:/opt/app")
	if err := env.WriteTo(envPath); err != nil {
		t.Fatal(err)
	}
	got, err := savedTarget(envPath)
	if err != nil || got != "root@203.0.113.9:/opt/app" {
		t.Fatalf("savedTarget = %q, %v", got, err)
	}
}

func TestRecordPushState(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, "env.dockertree")
	if err := config.NewEnvFile().WriteTo(envPath); err != nil {
		t.Fatal(err)
	}
	target := Target{User: "root", Host: "203.0.113.9", Path: "/opt/app"}
	if err := recordPushState(envPath, target, "feature-login", Options{Domain: "feature.example.com"}); err != nil {
		t.Fatal(err)
	}
	env, err := config.ParseEnvFile(envPath)
	if err != nil {
		t.Fatal(err)
	}
	if got := env.Lookup(envgen.KeyPushTarget); got != target.String() {
		t.Fatalf("saved target = %q", got)
	}
	if got := env.Lookup(envgen.KeyPushBranch); got != "feature-login" {
		t.Fatalf("saved branch = %q", got)
	}
	if got := env.Lookup(envgen.KeyPushDomain); got != "feature.example.com" {
		t.Fatalf("saved domain = %q", got)
	}
	if _, err := os.Stat(envPath); err != nil {
		t.Fatal(err)
	}
}
