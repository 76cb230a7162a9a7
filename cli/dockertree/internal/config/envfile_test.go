package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestParseEnvFileMissing(t *testing.T) {
	f, err := ParseEnvFile(filepath.Join(t.TempDir(), "nope.env"))
	if err != nil {
		t.Fatalf("missing file: %v", err)
	}
	if len(f.Keys()) != 0 {
		t.Fatalf("expected empty env file, got keys %v", f.Keys())
	}
}

func TestEnvFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "# generated\n\nCOMPOSE_PROJECT_NAME=myapp-main\nSITE_DOMAIN=\"myapp-main.localhost\"\nDEBUG=1\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	f, err := ParseEnvFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if v := f.Lookup("SITE_DOMAIN"); v != "myapp-main.localhost" {
		t.Fatalf("quoted value not stripped: %q", v)
	}
	if got := f.Keys(); !reflect.DeepEqual(got, []string{"COMPOSE_PROJECT_NAME", "SITE_DOMAIN", "DEBUG"}) {
		t.Fatalf("key order = %v", got)
	}

	f.Set("DEBUG", "0")
	f.Set("NEW_KEY", "added")
	if err := f.WriteTo(path); err != nil {
		t.Fatal(err)
	}

	again, err := ParseEnvFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if v, ok := again.Get("DEBUG"); !ok || v != "0" {
		t.Fatalf("DEBUG = %q, %v", v, ok)
	}
	if v := again.Lookup("NEW_KEY"); v != "added" {
		t.Fatalf("NEW_KEY = %q", v)
	}
	// Comment must survive the rewrite.
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(raw)[:11] != "# generated" {
		t.Fatalf("comment lost: %q", string(raw))
	}
}

func TestEnvFileUnset(t *testing.T) {
	f := NewEnvFile()
	f.Set("A", "1")
	f.Set("B", "2")
	f.Set("C", "3")
	f.Unset("B")
	if _, ok := f.Get("B"); ok {
		t.Fatal("B still present after Unset")
	}
	if v := f.Lookup("C"); v != "3" {
		t.Fatalf("index shift broke C: %q", v)
	}
	if got := f.Keys(); !reflect.DeepEqual(got, []string{"A", "C"}) {
		t.Fatalf("Keys = %v", got)
	}
}

func TestEnvFileMap(t *testing.T) {
	f := NewEnvFile()
	f.AppendComment("ports")
	f.Set("DB", "55001")
	f.AppendBlank()
	f.Set("WEB", "57001")
	want := map[string]string{"DB": "55001", "WEB": "57001"}
	if got := f.Map(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Map = %v, want %v", got, want)
	}
}
