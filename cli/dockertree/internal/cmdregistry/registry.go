package cmdregistry

import (
	"context"
	"fmt"

	"github.com/catalpainternational/dockertree/cli/dockertree/internal/config"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/orchestrator"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/paths"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/proxy"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/runtime"
)

// Context carries the pre-parsed data and handles that command handlers need.
type Context struct {
	Ctx     context.Context
	JSON    bool
	Force   bool
	Args    []string
	Paths   paths.Context
	Project config.Project
	Exe     string

	rt   *runtime.Docker
	orch *orchestrator.Orchestrator
}

// Runtime returns the shared container runtime adapter.
func (c *Context) Runtime() *runtime.Docker {
	if c.rt == nil {
		c.rt = runtime.New()
	}
	return c.rt
}

// Orchestrator returns the shared worktree orchestrator for this invocation.
func (c *Context) Orchestrator() *orchestrator.Orchestrator {
	if c.orch == nil {
		c.orch = orchestrator.New(c.Project, c.Paths, c.Runtime())
	}
	return c.orch
}

// Proxy returns a proxy coordinator bound to the project's caddy network.
func (c *Context) Proxy() *proxy.Coordinator {
	return proxy.New(c.Runtime(), c.Project.CaddyNetwork)
}

// Handler executes a command given the shared context.
type Handler func(*Context) error

// Registry maps command names to handlers.
type Registry struct {
	commands map[string]Handler
	aliases  map[string]string
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{commands: make(map[string]Handler), aliases: make(map[string]string)}
}

// Register sets the handler for cmd. It panics if cmd already exists.
func (r *Registry) Register(cmd string, h Handler) {
	if _, exists := r.commands[cmd]; exists {
		panic(fmt.Sprintf("command %s already registered", cmd))
	}
	r.commands[cmd] = h
}

// Alias maps an alternate spelling onto an existing command name.
func (r *Registry) Alias(alias, cmd string) {
	if _, exists := r.commands[cmd]; !exists {
		panic(fmt.Sprintf("alias %s targets unregistered command %s", alias, cmd))
	}
	r.aliases[alias] = cmd
}

// Lookup returns the handler and whether it exists, resolving aliases.
func (r *Registry) Lookup(cmd string) (Handler, bool) {
	if target, ok := r.aliases[cmd]; ok {
		cmd = target
	}
	h, ok := r.commands[cmd]
	return h, ok
}

// Names returns registered command names, for completion feeds.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.commands))
	for name := range r.commands {
		out = append(out, name)
	}
	return out
}
