package envgen

import (
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/catalpainternational/dockertree/cli/dockertree/internal/config"
)

func writeEnv(t *testing.T, dir, name string, ports PortTriple) string {
	t.Helper()
	f := config.NewEnvFile()
	f.Set(KeyDBPort, strconv.Itoa(ports.DB))
	f.Set(KeyRedisPort, strconv.Itoa(ports.Redis))
	f.Set(KeyWebPort, strconv.Itoa(ports.Web))
	path := filepath.Join(dir, name)
	if err := f.WriteTo(path); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestAllocateTripleEmpty(t *testing.T) {
	got, err := AllocateTriple(nil)
	if err != nil {
		t.Fatal(err)
	}
	want := PortTriple{DB: 55000, Redis: 56000, Web: 57000}
	if got != want {
		t.Fatalf("AllocateTriple = %+v, want %+v", got, want)
	}
}

func TestAllocateTripleSkipsUsed(t *testing.T) {
	dir := t.TempDir()
	a := writeEnv(t, dir, "a.env", PortTriple{DB: 55000, Redis: 56000, Web: 57000})
	b := writeEnv(t, dir, "b.env", PortTriple{DB: 55001, Redis: 56002, Web: 57001})

	got, err := AllocateTriple([]string{a, b})
	if err != nil {
		t.Fatal(err)
	}
	want := PortTriple{DB: 55002, Redis: 56001, Web: 57002}
	if got != want {
		t.Fatalf("AllocateTriple = %+v, want %+v", got, want)
	}
}

func TestUsedPortsIgnoresZero(t *testing.T) {
	dir := t.TempDir()
	path := writeEnv(t, dir, "z.env", PortTriple{})
	used, err := UsedPorts([]string{path})
	if err != nil {
		t.Fatal(err)
	}
	if len(used) != 0 {
		t.Fatalf("zero ports must not count as used: %v", used)
	}
}

func TestGenerate(t *testing.T) {
	p := config.Project{
		ProjectName: "myapp",
		Environment: map[string]string{"DEBUG": "1"},
	}
	f := Generate(p, "feature/login", "/home/dev/myapp", PortTriple{DB: 55003, Redis: 56003, Web: 57003})

	cases := map[string]string{
		KeyProjectName: "myapp-feature-login",
		KeySiteDomain:  "http://myapp-feature-login.localhost",
		KeyForwarded:   "True",
		KeyDBPort:      "55003",
		KeyRedisPort:   "56003",
		KeyWebPort:     "57003",
		KeyProjectRoot: "/home/dev/myapp",
		"DEBUG":        "1",
	}
	for key, want := range cases {
		if got := f.Lookup(key); got != want {
			t.Fatalf("%s = %q, want %q", key, got, want)
		}
	}
	hosts := f.Lookup(KeyAllowedHosts)
	for _, h := range []string{"localhost", "127.0.0.1", "myapp-feature-login.localhost", "myapp-feature-login-web"} {
		if !strings.Contains(hosts, h) {
			t.Fatalf("%s missing %q: %q", KeyAllowedHosts, h, hosts)
		}
	}
}

func TestViteHosts(t *testing.T) {
	cases := map[string]string{
		"myapp-main.localhost": "myapp-main.localhost,*.localhost,localhost,127.0.0.1",
		"app.example.com":      "app.example.com,*.example.com,localhost,127.0.0.1",
		"bare":                 "bare,localhost,127.0.0.1",
	}
	for in, want := range cases {
		if got := ViteHosts(in); got != want {
			t.Fatalf("ViteHosts(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestApplyDomainOverride(t *testing.T) {
	f := Generate(config.Project{ProjectName: "myapp"}, "main", "/p", PortTriple{DB: 55000, Redis: 56000, Web: 57000})
	ApplyDomainOverride(f, "main.example.com")
	if got := f.Lookup(KeySiteDomain); got != "https://main.example.com" {
		t.Fatalf("SITE_DOMAIN = %q", got)
	}
	hosts := f.Lookup(KeyAllowedHosts)
	if !strings.Contains(hosts, "main.example.com") || !strings.Contains(hosts, "*.example.com") {
		t.Fatalf("ALLOWED_HOSTS = %q", hosts)
	}
	// Re-applying must not duplicate entries.
	ApplyDomainOverride(f, "main.example.com")
	if n := strings.Count(f.Lookup(KeyAllowedHosts), "main.example.com"); n != 1 {
		t.Fatalf("duplicate hosts after reapply: %q", f.Lookup(KeyAllowedHosts))
	}
}

func TestApplyIPOverride(t *testing.T) {
	f := Generate(config.Project{ProjectName: "myapp"}, "main", "/p", PortTriple{DB: 55000, Redis: 56000, Web: 57000})
	ApplyIPOverride(f, "203.0.113.9")
	if got := f.Lookup(KeySiteDomain); got != "http://203.0.113.9" {
		t.Fatalf("SITE_DOMAIN = %q", got)
	}
	if !strings.Contains(f.Lookup(KeyAllowedHosts), "203.0.113.9") {
		t.Fatalf("ALLOWED_HOSTS = %q", f.Lookup(KeyAllowedHosts))
	}
}

func TestRecordPushExclusive(t *testing.T) {
	f := config.NewEnvFile()
	RecordPush(f, "root@203.0.113.9:/opt/app", "main", "main.example.com", "")
	if f.Lookup(KeyPushDomain) != "main.example.com" {
		t.Fatalf("PUSH_DOMAIN = %q", f.Lookup(KeyPushDomain))
	}
	RecordPush(f, "root@203.0.113.9:/opt/app", "main", "", "203.0.113.9")
	if _, ok := f.Get(KeyPushDomain); ok {
		t.Fatal("PUSH_DOMAIN must be cleared when IP is set")
	}
	if f.Lookup(KeyPushIP) != "203.0.113.9" {
		t.Fatalf("PUSH_IP = %q", f.Lookup(KeyPushIP))
	}
}

func TestApplyCentralHosts(t *testing.T) {
	f := config.NewEnvFile()
	ApplyCentralHosts(f, "10.116.0.2")
	if f.Lookup("DB_HOST") != "10.116.0.2" || f.Lookup("REDIS_HOST") != "10.116.0.2" {
		t.Fatalf("central hosts: DB=%q REDIS=%q", f.Lookup("DB_HOST"), f.Lookup("REDIS_HOST"))
	}
}
