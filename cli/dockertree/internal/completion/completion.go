// Package completion installs shell completion for the dockertree command
// and serves the dynamic feeds the scripts call back into.
package completion

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/catalpainternational/dockertree/cli/dockertree/internal/errs"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/paths"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/vcs"
)

// marker brackets the lines we manage inside shell rc files.
const marker = "# dockertree shell completion"

const bashScript = `# dockertree shell completion
_dockertree_complete() {
  local cur prev words
  cur="${COMP_WORDS[COMP_CWORD]}"
  prev="${COMP_WORDS[COMP_CWORD-1]}"
  if [ "$COMP_CWORD" -eq 1 ]; then
    local cmds="setup create remove delete remove-all delete-all list prune clean-legacy start-proxy stop-proxy volumes packages droplet completion help"
    local trees
    trees="$(dockertree _completion worktrees 2>/dev/null)"
    COMPREPLY=( $(compgen -W "$cmds $trees" -- "$cur") )
    return
  fi
  case "$prev" in
    create)
      COMPREPLY=( $(compgen -W "$(dockertree _completion git 2>/dev/null)" -- "$cur") )
      return ;;
    remove|delete|-r|-D)
      COMPREPLY=( $(compgen -W "$(dockertree _completion worktrees 2>/dev/null)" -- "$cur") )
      return ;;
    exec|logs|restart|run)
      COMPREPLY=( $(compgen -W "$(dockertree _completion services 2>/dev/null)" -- "$cur") )
      return ;;
    volumes)
      COMPREPLY=( $(compgen -W "list size backup restore clean" -- "$cur") )
      return ;;
    packages)
      COMPREPLY=( $(compgen -W "export import list validate" -- "$cur") )
      return ;;
    droplet)
      COMPREPLY=( $(compgen -W "create push list info destroy regions" -- "$cur") )
      return ;;
    completion)
      COMPREPLY=( $(compgen -W "install uninstall status" -- "$cur") )
      return ;;
  esac
  if [ "$COMP_CWORD" -eq 2 ]; then
    COMPREPLY=( $(compgen -W "up down exec logs ps run build restart" -- "$cur") )
  fi
}
complete -F _dockertree_complete dockertree
`

const zshScript = `# dockertree shell completion
_dockertree() {
  local -a cmds trees
  cmds=(setup create remove delete remove-all delete-all list prune clean-legacy
        start-proxy stop-proxy volumes packages droplet completion help)
  if (( CURRENT == 2 )); then
    trees=(${(f)"$(dockertree _completion worktrees 2>/dev/null)"})
    _describe 'command' cmds
    _describe 'worktree' trees
    return
  fi
  case "$words[2]" in
    create)
      local -a branches
      branches=(${(f)"$(dockertree _completion git 2>/dev/null)"})
      _describe 'branch' branches ;;
    remove|delete|-r|-D)
      trees=(${(f)"$(dockertree _completion worktrees 2>/dev/null)"})
      _describe 'worktree' trees ;;
    volumes)   _values 'subcommand' list size backup restore clean ;;
    packages)  _values 'subcommand' export import list validate ;;
    droplet)   _values 'subcommand' create push list info destroy regions ;;
    completion) _values 'subcommand' install uninstall status ;;
    *)
      local -a sub
      sub=(up down exec logs ps run build restart)
      _describe 'stack command' sub ;;
  esac
}
compdef _dockertree dockertree
`

type shellTarget struct {
	Shell  string
	Script string
	RCFile string
	Asset  string
}

func targets() []shellTarget {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	dir := filepath.Join(home, ".dockertree")
	return []shellTarget{
		{Shell: "bash", Script: bashScript, RCFile: filepath.Join(home, ".bashrc"), Asset: filepath.Join(dir, "completion.bash")},
		{Shell: "zsh", Script: zshScript, RCFile: filepath.Join(home, ".zshrc"), Asset: filepath.Join(dir, "completion.zsh")},
	}
}

// Status describes one shell's completion installation.
type Status struct {
	Shell     string `json:"shell"`
	Installed bool   `json:"installed"`
	Script    string `json:"script,omitempty"`
}

// Install writes the completion scripts and hooks them into the shell rc
// files. An empty shell installs every supported shell that has an rc file.
func Install(shell string) ([]Status, error) {
	var out []Status
	for _, t := range targets() {
		if shell != "" && shell != t.Shell {
			continue
		}
		if shell == "" && !fileExists(t.RCFile) {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(t.Asset), 0o755); err != nil {
			return out, err
		}
		if err := os.WriteFile(t.Asset, []byte(t.Script), 0o644); err != nil {
			return out, err
		}
		if err := ensureSourced(t.RCFile, t.Asset); err != nil {
			return out, err
		}
		log.Infof("installed %s completion; restart your shell or source %s", t.Shell, t.Asset)
		out = append(out, Status{Shell: t.Shell, Installed: true, Script: t.Asset})
	}
	if len(out) == 0 {
		return out, errs.New(errs.NotFound, "completion", "no supported shell found (bash, zsh)")
	}
	return out, nil
}

// Uninstall removes the scripts and rc hooks for every shell.
func Uninstall() ([]Status, error) {
	var out []Status
	for _, t := range targets() {
		removed := false
		if fileExists(t.Asset) {
			if err := os.Remove(t.Asset); err != nil {
				return out, err
			}
			removed = true
		}
		if err := removeSourced(t.RCFile); err != nil {
			return out, err
		}
		if removed {
			out = append(out, Status{Shell: t.Shell, Installed: false})
		}
	}
	return out, nil
}

// Check reports per-shell installation state.
func Check() []Status {
	var out []Status
	for _, t := range targets() {
		out = append(out, Status{
			Shell:     t.Shell,
			Installed: fileExists(t.Asset) && rcContainsMarker(t.RCFile),
			Script:    t.Asset,
		})
	}
	return out
}

func ensureSourced(rcFile, asset string) error {
	if rcContainsMarker(rcFile) {
		return nil
	}
	f, err := os.OpenFile(rcFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "\n%s\n[ -f %q ] && . %q\n", marker, asset, asset)
	return err
}

func removeSourced(rcFile string) error {
	data, err := os.ReadFile(rcFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	lines := strings.Split(string(data), "\n")
	var kept []string
	skip := 0
	for _, line := range lines {
		if strings.TrimSpace(line) == marker {
			// Drop the marker and the source line that follows it.
			skip = 1
			continue
		}
		if skip > 0 {
			skip--
			continue
		}
		kept = append(kept, line)
	}
	return os.WriteFile(rcFile, []byte(strings.Join(kept, "\n")), 0o644)
}

func rcContainsMarker(rcFile string) bool {
	data, err := os.ReadFile(rcFile)
	return err == nil && strings.Contains(string(data), marker)
}

func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}

// Feed produces one completion word list for the shell scripts. Unknown
// kinds and missing projects produce empty output rather than errors,
// keeping interactive completion quiet.
func Feed(ctx context.Context, pc paths.Context, worktreeDir, kind string) []string {
	switch kind {
	case "worktrees":
		return worktreeNames(pc, worktreeDir)
	case "git":
		names, err := vcs.New(pc.ProjectRoot).Branches(ctx)
		if err != nil {
			return nil
		}
		return names
	case "services":
		return serviceNames(pc)
	default:
		return nil
	}
}

func worktreeNames(pc paths.Context, worktreeDir string) []string {
	var names []string
	for _, envFile := range paths.ListWorktreeEnvFiles(pc.ProjectRoot, worktreeDir) {
		names = append(names, filepath.Base(filepath.Dir(filepath.Dir(envFile))))
	}
	sort.Strings(names)
	return names
}

func serviceNames(pc paths.Context) []string {
	data, err := os.ReadFile(paths.ComposeVariant(pc.Root))
	if err != nil {
		return nil
	}
	var doc struct {
		Services map[string]any `yaml:"services"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil
	}
	names := make([]string, 0, len(doc.Services))
	for name := range doc.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
