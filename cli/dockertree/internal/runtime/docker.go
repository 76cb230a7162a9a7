package runtime

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/catalpainternational/dockertree/cli/dockertree/internal/errs"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/execx"
)

// Docker invokes the container runtime and its declarative stack tool. It is
// the only place that knows the docker and docker compose command lines; all
// callers reason in typed terms.
type Docker struct {
	// Bin is the runtime binary, "docker" unless overridden in tests.
	Bin string
}

func New() *Docker { return &Docker{Bin: "docker"} }

func (d *Docker) bin() string {
	if d.Bin == "" {
		return "docker"
	}
	return d.Bin
}

const (
	ensureNetworkTimeout = 10 * time.Second
	stackTimeout         = 300 * time.Second
	inspectTimeout       = 30 * time.Second
)

func runErr(op, bin string, args []string, stderr string, res execx.Result) error {
	if res.Code == 124 {
		return errs.New(errs.Timeout, op, "%s %s timed out", bin, strings.Join(args, " "))
	}
	e := errs.New(errs.Runtime, op, "%s exited with code %d", bin, res.Code)
	e.Details = map[string]any{"tool": bin, "exit_code": res.Code}
	if tail := execx.StderrTail(stderr, 5); tail != "" {
		e.Details["stderr"] = tail
	}
	return e
}

// Available reports whether the runtime daemon answers.
func (d *Docker) Available(ctx context.Context) bool {
	cctx, cancel := context.WithTimeout(ctx, inspectTimeout)
	defer cancel()
	_, res := execx.Capture(cctx, d.bin(), "info", "--format", "{{.ServerVersion}}")
	return res.Code == 0
}

// EnsureNetwork creates the named external network when absent.
func (d *Docker) EnsureNetwork(ctx context.Context, name string) error {
	cctx, cancel := context.WithTimeout(ctx, ensureNetworkTimeout)
	defer cancel()
	_, res := execx.Capture(cctx, d.bin(), "network", "inspect", name)
	if res.Code == 0 {
		return nil
	}
	_, stderr, res := execx.CaptureSplit(cctx, d.bin(), "network", "create", name)
	if res.Code != 0 {
		// Lost the race against a concurrent create.
		if strings.Contains(stderr, "already exists") {
			return nil
		}
		return runErr("network create", d.bin(), []string{name}, stderr, res)
	}
	return nil
}

// NetworkExists reports whether the named network is present.
func (d *Docker) NetworkExists(ctx context.Context, name string) bool {
	cctx, cancel := context.WithTimeout(ctx, inspectTimeout)
	defer cancel()
	_, res := execx.Capture(cctx, d.bin(), "network", "inspect", name)
	return res.Code == 0
}

// VolumeCreate creates a named volume. Creation is idempotent on the runtime
// side.
func (d *Docker) VolumeCreate(ctx context.Context, name string) error {
	cctx, cancel := context.WithTimeout(ctx, inspectTimeout)
	defer cancel()
	_, stderr, res := execx.CaptureSplit(cctx, d.bin(), "volume", "create", name)
	if res.Code != 0 {
		return runErr("volume create", d.bin(), []string{name}, stderr, res)
	}
	return nil
}

// VolumeRemove removes a named volume.
func (d *Docker) VolumeRemove(ctx context.Context, name string) error {
	cctx, cancel := context.WithTimeout(ctx, inspectTimeout)
	defer cancel()
	_, stderr, res := execx.CaptureSplit(cctx, d.bin(), "volume", "rm", name)
	if res.Code != 0 {
		if strings.Contains(stderr, "no such volume") {
			return errs.New(errs.NotFound, "volume rm", "volume %s not found", name)
		}
		return runErr("volume rm", d.bin(), []string{name}, stderr, res)
	}
	return nil
}

// VolumeExists reports whether the named volume is present.
func (d *Docker) VolumeExists(ctx context.Context, name string) bool {
	cctx, cancel := context.WithTimeout(ctx, inspectTimeout)
	defer cancel()
	_, res := execx.Capture(cctx, d.bin(), "volume", "inspect", name)
	return res.Code == 0
}

// VolumeList returns volume names matching the prefix, sorted by the runtime.
func (d *Docker) VolumeList(ctx context.Context, prefix string) ([]string, error) {
	cctx, cancel := context.WithTimeout(ctx, inspectTimeout)
	defer cancel()
	out, stderr, res := execx.CaptureSplit(cctx, d.bin(), "volume", "ls", "--format", "{{.Name}}")
	if res.Code != 0 {
		return nil, runErr("volume ls", d.bin(), nil, stderr, res)
	}
	var names []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		name := strings.TrimSpace(line)
		if name == "" {
			continue
		}
		if prefix == "" || strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	return names, nil
}

// ContainersUsingVolume returns IDs of containers with the volume mounted.
func (d *Docker) ContainersUsingVolume(ctx context.Context, volume string) ([]string, error) {
	cctx, cancel := context.WithTimeout(ctx, inspectTimeout)
	defer cancel()
	out, stderr, res := execx.CaptureSplit(cctx, d.bin(), "ps", "-a", "--filter", "volume="+volume, "--format", "{{.ID}}")
	if res.Code != 0 {
		return nil, runErr("ps", d.bin(), nil, stderr, res)
	}
	return splitLines(out), nil
}

// ContainersRunning reports whether any of the given container IDs is running.
func (d *Docker) ContainersRunning(ctx context.Context, ids []string) (bool, error) {
	if len(ids) == 0 {
		return false, nil
	}
	cctx, cancel := context.WithTimeout(ctx, inspectTimeout)
	defer cancel()
	args := append([]string{"inspect", "--format", "{{.State.Running}}"}, ids...)
	out, _, res := execx.CaptureSplit(cctx, d.bin(), args...)
	if res.Code != 0 {
		// Some IDs may have vanished between ps and inspect.
		return strings.Contains(out, "true"), nil
	}
	return strings.Contains(out, "true"), nil
}

// ContainerInfo is the subset of `docker ps`/inspect data the proxy
// coordinator consumes.
type ContainerInfo struct {
	ID     string
	Name   string
	Labels map[string]string
	State  string
}

// ListContainers returns running containers with their labels.
func (d *Docker) ListContainers(ctx context.Context) ([]ContainerInfo, error) {
	cctx, cancel := context.WithTimeout(ctx, inspectTimeout)
	defer cancel()
	out, stderr, res := execx.CaptureSplit(cctx, d.bin(), "ps", "--format", "{{.ID}}")
	if res.Code != 0 {
		return nil, runErr("ps", d.bin(), nil, stderr, res)
	}
	ids := splitLines(out)
	if len(ids) == 0 {
		return nil, nil
	}
	args := append([]string{"inspect"}, ids...)
	raw, stderr, res := execx.CaptureSplit(cctx, d.bin(), args...)
	if res.Code != 0 {
		return nil, runErr("inspect", d.bin(), nil, stderr, res)
	}
	var decoded []struct {
		ID     string `json:"Id"`
		Name   string `json:"Name"`
		State  struct{ Status string }
		Config struct {
			Labels map[string]string
		}
	}
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, errs.Wrap(errs.Runtime, "inspect", err, "parse container inspect output")
	}
	infos := make([]ContainerInfo, 0, len(decoded))
	for _, c := range decoded {
		infos = append(infos, ContainerInfo{
			ID:     c.ID,
			Name:   strings.TrimPrefix(c.Name, "/"),
			Labels: c.Config.Labels,
			State:  c.State.Status,
		})
	}
	return infos, nil
}

// ContainerRunning reports whether a container with the exact name is running.
func (d *Docker) ContainerRunning(ctx context.Context, name string) bool {
	cctx, cancel := context.WithTimeout(ctx, inspectTimeout)
	defer cancel()
	out, res := execx.Capture(cctx, d.bin(), "inspect", "--format", "{{.State.Running}}", name)
	return res.Code == 0 && strings.TrimSpace(out) == "true"
}

// Exec runs a command inside a running container, capturing stdout.
func (d *Docker) Exec(ctx context.Context, container string, cmd ...string) (string, error) {
	args := append([]string{"exec", container}, cmd...)
	out, stderr, res := execx.CaptureSplit(ctx, d.bin(), args...)
	if res.Code != 0 {
		return out, runErr("exec", d.bin(), args, stderr, res)
	}
	return out, nil
}

// RunThrowaway runs a one-shot `docker run --rm` container. Mounts are raw
// -v specifications; cmd is the container command line.
func (d *Docker) RunThrowaway(ctx context.Context, image string, mounts []string, cmd ...string) error {
	args := []string{"run", "--rm"}
	for _, m := range mounts {
		args = append(args, "-v", m)
	}
	args = append(args, image)
	args = append(args, cmd...)
	_, stderr, res := execx.CaptureSplit(ctx, d.bin(), args...)
	if res.Code != 0 {
		return runErr("run", d.bin(), args, stderr, res)
	}
	return nil
}

// RunThrowawayCapture runs a one-shot container and returns its stdout.
func (d *Docker) RunThrowawayCapture(ctx context.Context, image string, mounts []string, cmd ...string) (string, error) {
	args := []string{"run", "--rm"}
	for _, m := range mounts {
		args = append(args, "-v", m)
	}
	args = append(args, image)
	args = append(args, cmd...)
	out, stderr, res := execx.CaptureSplit(ctx, d.bin(), args...)
	if res.Code != 0 {
		return out, runErr("run", d.bin(), args, stderr, res)
	}
	return out, nil
}

// RunDetached starts a named background container and returns its ID.
func (d *Docker) RunDetached(ctx context.Context, name, image string, mounts, ports []string, network string, env map[string]string, cmd ...string) (string, error) {
	args := []string{"run", "-d", "--name", name}
	for _, m := range mounts {
		args = append(args, "-v", m)
	}
	for _, p := range ports {
		args = append(args, "-p", p)
	}
	if network != "" {
		args = append(args, "--network", network)
	}
	for k, v := range env {
		args = append(args, "-e", k+"="+v)
	}
	args = append(args, image)
	args = append(args, cmd...)
	out, stderr, res := execx.CaptureSplit(ctx, d.bin(), args...)
	if res.Code != 0 {
		return "", runErr("run", d.bin(), args, stderr, res)
	}
	return strings.TrimSpace(out), nil
}

// StopContainer stops and removes a named container, tolerating absence.
func (d *Docker) StopContainer(ctx context.Context, name string) error {
	cctx, cancel := context.WithTimeout(ctx, stackTimeout)
	defer cancel()
	_, _, res := execx.CaptureSplit(cctx, d.bin(), "stop", name)
	if res.Code != 0 {
		return nil
	}
	_, _, _ = execx.CaptureSplit(cctx, d.bin(), "rm", "-f", name)
	return nil
}

func splitLines(out string) []string {
	var lines []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if v := strings.TrimSpace(line); v != "" {
			lines = append(lines, v)
		}
	}
	return lines
}

// Stack describes one docker compose invocation target.
type Stack struct {
	Files   []string
	Name    string
	EnvFile string
	Dir     string
	Env     map[string]string
}

func (s Stack) composeArgs(sub ...string) []string {
	args := []string{"compose"}
	if s.EnvFile != "" {
		args = append(args, "--env-file", s.EnvFile)
	}
	if s.Name != "" {
		args = append(args, "-p", s.Name)
	}
	for _, f := range s.Files {
		args = append(args, "-f", f)
	}
	return append(args, sub...)
}

func (s Stack) envSlice() []string {
	out := make([]string, 0, len(s.Env))
	for k, v := range s.Env {
		out = append(out, k+"="+v)
	}
	return out
}

// ComposeUp brings the stack up, detached when detach is set.
func (d *Docker) ComposeUp(ctx context.Context, s Stack, detach bool) error {
	cctx, cancel := context.WithTimeout(ctx, stackTimeout)
	defer cancel()
	sub := []string{"up"}
	if detach {
		sub = append(sub, "-d")
	}
	res := execx.RunCtxDir(cctx, s.Dir, s.envSlice(), d.bin(), s.composeArgs(sub...)...)
	if res.Code != 0 {
		return runErr("compose up", d.bin(), sub, "", res)
	}
	return nil
}

// ComposeDown brings the stack down. Volumes are never removed here; volume
// cleanup is a separate, explicit operation.
func (d *Docker) ComposeDown(ctx context.Context, s Stack, removeLocalImages bool) error {
	cctx, cancel := context.WithTimeout(ctx, stackTimeout)
	defer cancel()
	sub := []string{"down"}
	if removeLocalImages {
		sub = append(sub, "--rmi", "local")
	}
	res := execx.RunCtxDir(cctx, s.Dir, s.envSlice(), d.bin(), s.composeArgs(sub...)...)
	if res.Code != 0 {
		return runErr("compose down", d.bin(), sub, "", res)
	}
	return nil
}

// ComposePassthrough forwards an arbitrary compose subcommand, streaming
// output, without a timeout (logs -f, exec, run are interactive).
func (d *Docker) ComposePassthrough(ctx context.Context, s Stack, sub ...string) error {
	res := execx.RunCtxDir(ctx, s.Dir, s.envSlice(), d.bin(), s.composeArgs(sub...)...)
	if res.Code != 0 {
		return runErr("compose "+firstWord(sub), d.bin(), sub, "", res)
	}
	return nil
}

// ComposePs captures `compose ps` output for state snapshots.
func (d *Docker) ComposePs(ctx context.Context, s Stack) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, inspectTimeout)
	defer cancel()
	out, res := execx.CaptureDir(cctx, s.Dir, s.envSlice(), d.bin(), s.composeArgs("ps")...)
	if res.Code != 0 {
		return "", runErr("compose ps", d.bin(), nil, "", res)
	}
	return out, nil
}

// StackRunning reports whether any service of the stack has a running
// container, identified by the compose project label.
func (d *Docker) StackRunning(ctx context.Context, stackName string) (bool, error) {
	cctx, cancel := context.WithTimeout(ctx, inspectTimeout)
	defer cancel()
	out, stderr, res := execx.CaptureSplit(cctx, d.bin(), "ps",
		"--filter", "label=com.docker.compose.project="+stackName, "--format", "{{.ID}}")
	if res.Code != 0 {
		return false, runErr("ps", d.bin(), nil, stderr, res)
	}
	return len(splitLines(out)) > 0, nil
}

func firstWord(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

// VolumeMountpoint returns the host path backing a named volume.
func (d *Docker) VolumeMountpoint(ctx context.Context, name string) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, inspectTimeout)
	defer cancel()
	out, stderr, res := execx.CaptureSplit(cctx, d.bin(), "volume", "inspect", "--format", "{{.Mountpoint}}", name)
	if res.Code != 0 {
		return "", runErr("volume inspect", d.bin(), []string{name}, stderr, res)
	}
	return strings.TrimSpace(out), nil
}

// Pull fetches an image ahead of one-shot runs, best effort.
func (d *Docker) Pull(ctx context.Context, image string) {
	cctx, cancel := context.WithTimeout(ctx, stackTimeout)
	defer cancel()
	_, _, _ = execx.CaptureSplit(cctx, d.bin(), "pull", image)
}
