// Package proxycmd registers the reverse-proxy lifecycle commands.
package proxycmd

import (
	"fmt"

	"github.com/catalpainternational/dockertree/cli/dockertree/internal/cliutil"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/cmdregistry"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/proxy"
)

// Register adds proxy commands to the registry.
func Register(r *cmdregistry.Registry) {
	r.Register("start-proxy", handleStart)
	r.Register("stop-proxy", handleStop)
	r.Register("sync-proxy", handleSync)
	r.Alias("start", "start-proxy")
	r.Alias("stop", "stop-proxy")
}

func handleStart(ctx *cmdregistry.Context) error {
	c := ctx.Proxy()
	err := c.Start(ctx.Ctx)
	if err == nil {
		err = c.Sync(ctx.Ctx)
	}
	if err == nil && !ctx.JSON {
		fmt.Printf("proxy %s running; sites are served at https://<stack>.localhost\n", proxy.ContainerName)
	}
	return cliutil.Finish(ctx.JSON, "start-proxy", map[string]any{"container": proxy.ContainerName}, err)
}

func handleStop(ctx *cmdregistry.Context) error {
	err := ctx.Proxy().Stop(ctx.Ctx)
	if err == nil && !ctx.JSON {
		fmt.Println("proxy stopped")
	}
	return cliutil.Finish(ctx.JSON, "stop-proxy", nil, err)
}

func handleSync(ctx *cmdregistry.Context) error {
	err := ctx.Proxy().Sync(ctx.Ctx)
	if err == nil && !ctx.JSON {
		fmt.Println("proxy routes synchronized")
	}
	return cliutil.Finish(ctx.JSON, "sync-proxy", nil, err)
}
