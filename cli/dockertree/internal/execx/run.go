package execx

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// Result reports the exit code and raw error of an external command.
// Code 124 means the context deadline expired before the command finished.
type Result struct {
	Code int
	Err  error
}

func echo(name string, args []string) {
	if os.Getenv("DOCKERTREE_DEBUG") == "1" {
		log.Debugf("+ %s", strings.Join(append([]string{name}, args...), " "))
	}
}

func resultOf(ctx context.Context, err error) Result {
	code := 0
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			code = 124
		} else if ee, ok := err.(*exec.ExitError); ok {
			code = ee.ExitCode()
		} else {
			code = 1
		}
	}
	return Result{Code: code, Err: err}
}

func Run(name string, args ...string) Result {
	return RunCtx(context.Background(), name, args...)
}

// RunCtx streams the command's output to the host terminal.
func RunCtx(ctx context.Context, name string, args ...string) Result {
	echo(name, args)
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return resultOf(ctx, cmd.Run())
}

// RunCtxDir is RunCtx with an explicit working directory and extra environment.
func RunCtxDir(ctx context.Context, dir string, env []string, name string, args ...string) Result {
	echo(name, args)
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return resultOf(ctx, cmd.Run())
}

// RunCtxWithOutput mirrors RunCtx but captures combined stdout/stderr while
// still streaming to the host.
func RunCtxWithOutput(ctx context.Context, name string, args ...string) (Result, string) {
	echo(name, args)
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = os.Stdin
	var buf bytes.Buffer
	cmd.Stdout = io.MultiWriter(os.Stdout, &buf)
	cmd.Stderr = io.MultiWriter(os.Stderr, &buf)
	err := cmd.Run()
	return resultOf(ctx, err), buf.String()
}

// RunWithInput runs a command with provided stdin content.
func RunWithInput(ctx context.Context, input []byte, name string, args ...string) Result {
	echo(name, args)
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = bytes.NewReader(input)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return resultOf(ctx, cmd.Run())
}

// Capture runs a command and returns stdout plus the result. Stderr is
// captured separately and discarded; CaptureSplit returns it.
func Capture(ctx context.Context, name string, args ...string) (string, Result) {
	out, _, res := CaptureSplit(ctx, name, args...)
	return out, res
}

// CaptureSplit runs a command returning stdout and stderr separately.
func CaptureSplit(ctx context.Context, name string, args ...string) (string, string, Result) {
	echo(name, args)
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), resultOf(ctx, err)
}

// CaptureDir is Capture with an explicit working directory and extra environment.
func CaptureDir(ctx context.Context, dir string, env []string, name string, args ...string) (string, Result) {
	echo(name, args)
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = os.Stderr
	err := cmd.Run()
	return stdout.String(), resultOf(ctx, err)
}

// StderrTail returns the last n lines of captured stderr for error details.
func StderrTail(stderr string, n int) string {
	lines := strings.Split(strings.TrimRight(stderr, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

func WithTimeout(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}
