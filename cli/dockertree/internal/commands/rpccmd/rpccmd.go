// Package rpccmd registers the JSON-over-stdio server command.
package rpccmd

import (
	"context"
	"encoding/json"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/catalpainternational/dockertree/cli/dockertree/internal/cliutil"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/cmdregistry"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/errs"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/execx"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/rpc"
)

// Register adds the rpc command to the registry.
func Register(r *cmdregistry.Registry) {
	r.Register("rpc", handle)
}

func handle(ctx *cmdregistry.Context) error {
	if len(ctx.Args) != 1 || ctx.Args[0] != "serve" {
		return errs.NewUsage("usage: rpc serve")
	}
	log.Info("rpc server listening on stdin")
	return rpc.Serve(ctx.Ctx, os.Stdin, os.Stdout, runner(ctx.Exe))
}

// runner executes one request by re-invoking the binary under --json in the
// request's working directory, so rpc semantics match the CLI exactly.
func runner(exe string) rpc.Runner {
	return func(ctx context.Context, workDir string, args []string) (any, error) {
		argv := append([]string{"--json", "--force"}, args...)
		out, res := execx.CaptureDir(ctx, workDir, os.Environ(), exe, argv...)

		var env cliutil.Envelope
		if err := json.Unmarshal([]byte(out), &env); err != nil {
			if res.Code != 0 {
				return nil, errs.New(errs.Runtime, "rpc", "command exited with code %d", res.Code)
			}
			// Feed-style commands emit plain text rather than an envelope.
			return out, nil
		}
		if env.Error != nil {
			e := errs.New(errs.Kind(env.Error.Code), "rpc", "%s", env.Error.Message)
			e.Details = env.Error.Details
			return env.Data, e
		}
		return env.Data, nil
	}
}
