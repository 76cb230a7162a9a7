package execx

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestCapture(t *testing.T) {
	out, res := Capture(context.Background(), "sh", "-c", "echo hello")
	if res.Code != 0 || res.Err != nil {
		t.Fatalf("res = %+v", res)
	}
	if strings.TrimSpace(out) != "hello" {
		t.Fatalf("out = %q", out)
	}
}

func TestCaptureSplit(t *testing.T) {
	out, errOut, res := CaptureSplit(context.Background(), "sh", "-c", "echo ok; echo warn >&2; exit 3")
	if res.Code != 3 {
		t.Fatalf("Code = %d", res.Code)
	}
	if strings.TrimSpace(out) != "ok" || strings.TrimSpace(errOut) != "warn" {
		t.Fatalf("out=%q err=%q", out, errOut)
	}
}

func TestCaptureDir(t *testing.T) {
	dir := t.TempDir()
	out, res := CaptureDir(context.Background(), dir, []string{"DT_TEST_VAR=42"}, "sh", "-c", "touch here; echo $DT_TEST_VAR")
	if res.Code != 0 {
		t.Fatalf("res = %+v", res)
	}
	if strings.TrimSpace(out) != "42" {
		t.Fatalf("out = %q", out)
	}
	if _, err := os.Stat(filepath.Join(dir, "here")); err != nil {
		t.Fatalf("command did not run in %s: %v", dir, err)
	}
}

func TestTimeoutCode(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, res := Capture(ctx, "sleep", "5")
	if res.Code != 124 {
		t.Fatalf("timeout Code = %d, want 124", res.Code)
	}
}

func TestMissingBinary(t *testing.T) {
	res := Run("definitely-not-a-real-binary-xyzq")
	if res.Code != 1 || res.Err == nil {
		t.Fatalf("res = %+v", res)
	}
}

func TestStderrTail(t *testing.T) {
	in := "a\nb\nc\nd\n"
	if got := StderrTail(in, 2); got != "c\nd" {
		t.Fatalf("StderrTail = %q", got)
	}
	if got := StderrTail("only", 5); got != "only" {
		t.Fatalf("StderrTail short = %q", got)
	}
}
