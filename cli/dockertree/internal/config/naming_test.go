package config

import "testing"

func TestSanitizeProjectName(t *testing.T) {
	cases := map[string]string{
		"My_Project!":    "my-project",
		"already-clean":  "already-clean",
		"Mixed Case App": "mixed-case-app",
		"--weird--":      "weird",
		"a__b":           "a-b",
		"!!!":            "",
		"Catalpa2024":    "catalpa2024",
	}
	for in, want := range cases {
		if got := SanitizeProjectName(in); got != want {
			t.Fatalf("SanitizeProjectName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestStackName(t *testing.T) {
	cases := map[string]string{
		"main":          "myapp-main",
		"feature/login": "myapp-feature-login",
		"fix/a/b":       "myapp-fix-a-b",
	}
	for branch, want := range cases {
		if got := StackName("MyApp", branch); got != want {
			t.Fatalf("StackName(MyApp, %q) = %q, want %q", branch, got, want)
		}
	}
}

func TestVolumeAndDomainNames(t *testing.T) {
	if got := VolumeName("myapp", "feature/x", "postgres_data"); got != "myapp-feature-x_postgres_data" {
		t.Fatalf("VolumeName = %q", got)
	}
	if got := SiteDomain("myapp", "feature/x"); got != "myapp-feature-x.localhost" {
		t.Fatalf("SiteDomain = %q", got)
	}
}

func TestProtected(t *testing.T) {
	p := Project{ProtectedBranches: []string{"release"}}
	for _, b := range []string{"main", "master", "develop", "production", "staging", "release"} {
		if !p.Protected(b) {
			t.Fatalf("%q should be protected", b)
		}
	}
	if p.Protected("feature/x") {
		t.Fatal("feature/x must not be protected")
	}
}

func TestValidateBranchName(t *testing.T) {
	p := Project{}
	valid := []string{"feature/login", "fix-123", "a", "under_score", "deep/a/b/c"}
	for _, b := range valid {
		if err := p.ValidateBranchName(b); err != nil {
			t.Fatalf("ValidateBranchName(%q) = %v, want nil", b, err)
		}
	}
	invalid := []string{"", "Feature/Login", "has space", "emoji❤", "main",
		"this-branch-name-is-way-too-long-to-be-accepted-because-it-exceeds-64-chars"}
	for _, b := range invalid {
		if err := p.ValidateBranchName(b); err == nil {
			t.Fatalf("ValidateBranchName(%q) = nil, want error", b)
		}
	}
}
