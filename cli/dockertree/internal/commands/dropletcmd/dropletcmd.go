// Package dropletcmd registers the droplet deployment command group.
package dropletcmd

import (
	"fmt"
	"strconv"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/catalpainternational/dockertree/cli/dockertree/internal/cliutil"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/cmdregistry"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/dns"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/droplet"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/errs"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/pushpipe"
)

// Register adds the droplet command group to the registry.
func Register(r *cmdregistry.Registry) {
	r.Register("droplet", handle)
	r.Alias("push", "droplet")
}

func handle(ctx *cmdregistry.Context) error {
	if len(ctx.Args) == 0 {
		return errs.NewUsage("usage: droplet {create|push|list|info <id>|destroy <ids>|regions}")
	}
	sub, rest := ctx.Args[0], ctx.Args[1:]
	switch sub {
	case "create":
		return handleCreate(ctx, rest)
	case "push":
		return handlePush(ctx, rest)
	case "list":
		return handleList(ctx, rest)
	case "info":
		return handleInfo(ctx, rest)
	case "destroy":
		return handleDestroy(ctx, rest)
	case "regions":
		return handleRegions(ctx, rest)
	default:
		// `push <target>` arrives here via the alias.
		return handlePush(ctx, ctx.Args)
	}
}

func client(ctx *cmdregistry.Context, explicit string) (*droplet.Client, error) {
	token := dns.ResolveToken(explicit, ctx.Paths.ProjectRoot)
	if token == "" {
		return nil, errs.New(errs.PreconditionFailed, "droplet",
			"no provider token; set %s or pass --api-token", strings.Join(dns.TokenEnvVars, " or "))
	}
	return droplet.NewClient(token), nil
}

// handleCreate provisions a droplet and, unless --create-only, pushes the
// branch onto it in the same run.
func handleCreate(ctx *cmdregistry.Context, args []string) error {
	fs := flag.NewFlagSet("droplet create", flag.ContinueOnError)
	createOnly := fs.Bool("create-only", false, "provision the droplet without pushing")
	scpTarget := fs.String("scp-target", "", "override the push destination")
	domain := fs.String("domain", "", "public domain for the deployed site")
	ip := fs.String("ip", "", "serve by IP, skipping DNS")
	prepare := fs.Bool("prepare-server", true, "install the runtime stack before importing")
	noImport := fs.Bool("no-auto-import", false, "transfer only, skip the remote import")
	central := fs.String("central-droplet-name", "", "use services from this droplet over the VPC")
	excludeDeps := fs.StringSlice("exclude-deps", nil, "services provided by the central droplet")
	region := fs.String("region", "", "droplet region")
	size := fs.String("size", "", "droplet size slug")
	image := fs.String("image", "", "droplet image slug")
	sshKeys := fs.StringSlice("ssh-keys", nil, "provider SSH key names or IDs")
	apiToken := fs.String("api-token", "", "provider API token")
	dnsToken := fs.String("dns-token", "", "DNS API token when different from --api-token")
	wait := fs.Bool("wait", true, "wait for the droplet to accept SSH")
	if err := fs.Parse(args); err != nil {
		return errs.NewUsage("droplet create: %v", err)
	}

	branch := ctx.Paths.Branch
	if fs.NArg() > 0 {
		branch = fs.Arg(0)
	}
	if branch == "" {
		return errs.NewUsage("usage: droplet create <branch> (or run from inside a worktree)")
	}

	token := dns.ResolveToken(*apiToken, ctx.Paths.ProjectRoot)
	if token == "" {
		return cliutil.Finish(ctx.JSON, "droplet create", nil, errs.New(errs.PreconditionFailed, "droplet",
			"no provider token; set %s or pass --api-token", strings.Join(dns.TokenEnvVars, " or ")))
	}
	pipe := pushpipe.New(ctx.Orchestrator(), token)
	opts := pushpipe.Options{
		Domain:         *domain,
		IP:             *ip,
		PrepareServer:  *prepare,
		AutoImport:     !*noImport,
		DNSToken:       firstNonEmpty(*dnsToken, token),
		ExcludeDeps:    *excludeDeps,
		CreateDroplet:  true,
		Region:         *region,
		Size:           *size,
		Image:          *image,
		SSHKeys:        *sshKeys,
		WaitReady:      *wait,
		CentralDroplet: *central,
	}
	opts.CreateOnly = *createOnly
	result, err := pipe.Push(ctx.Ctx, branch, *scpTarget, opts)
	if err == nil && !ctx.JSON {
		fmt.Printf("pushed %s to %s\n", branch, result.Target)
		if result.Domain != "" {
			fmt.Printf("site: https://%s\n", result.Domain)
		}
	}
	return cliutil.Finish(ctx.JSON, "droplet create", result, err)
}

func handlePush(ctx *cmdregistry.Context, args []string) error {
	fs := flag.NewFlagSet("droplet push", flag.ContinueOnError)
	codeOnly := fs.Bool("code-only", false, "transfer only the source tree to the saved target")
	domain := fs.String("domain", "", "public domain for the deployed site")
	ip := fs.String("ip", "", "serve by IP, skipping DNS")
	prepare := fs.Bool("prepare-server", false, "install the runtime stack before importing")
	noImport := fs.Bool("no-auto-import", false, "transfer only, skip the remote import")
	keep := fs.Bool("keep-package", false, "keep the local package file after transfer")
	apiToken := fs.String("api-token", "", "provider API token")
	dnsToken := fs.String("dns-token", "", "DNS API token when different from --api-token")
	central := fs.String("central-droplet-name", "", "share services from this droplet over the VPC")
	if err := fs.Parse(args); err != nil {
		return errs.NewUsage("droplet push: %v", err)
	}

	// Positional forms: `push <target>` from a worktree, `push <branch> <target>`.
	branch := ctx.Paths.Branch
	target := ""
	switch fs.NArg() {
	case 0:
	case 1:
		target = fs.Arg(0)
	case 2:
		branch, target = fs.Arg(0), fs.Arg(1)
	default:
		return errs.NewUsage("usage: droplet push [<branch>] <target> [--code-only]")
	}
	if branch == "" {
		return errs.NewUsage("droplet push: branch is required outside a worktree")
	}
	if target == "" && !*codeOnly {
		return errs.NewUsage("usage: droplet push [<branch>] <target>")
	}

	token := dns.ResolveToken(*apiToken, ctx.Paths.ProjectRoot)
	pipe := pushpipe.New(ctx.Orchestrator(), token)
	opts := pushpipe.Options{
		Domain:         *domain,
		IP:             *ip,
		CodeOnly:       *codeOnly,
		PrepareServer:  *prepare,
		AutoImport:     !*noImport,
		KeepPackage:    *keep,
		DNSToken:       firstNonEmpty(*dnsToken, token),
		CentralDroplet: *central,
	}
	result, err := pipe.Push(ctx.Ctx, branch, target, opts)
	if err == nil && !ctx.JSON {
		fmt.Printf("pushed %s to %s\n", branch, result.Target)
	}
	return cliutil.Finish(ctx.JSON, "droplet push", result, err)
}

func handleList(ctx *cmdregistry.Context, args []string) error {
	c, err := client(ctx, tokenFlag(args))
	if err != nil {
		return cliutil.Finish(ctx.JSON, "droplet list", nil, err)
	}
	infos, err := c.List(ctx.Ctx)
	if err != nil || ctx.JSON {
		return cliutil.Finish(ctx.JSON, "droplet list", infos, err)
	}
	for _, d := range infos {
		fmt.Printf("%-10d %-30s %-16s %-8s %s\n", d.ID, d.Name, d.IP, d.Status, d.Region)
	}
	return nil
}

func handleInfo(ctx *cmdregistry.Context, args []string) error {
	if len(args) < 1 {
		return errs.NewUsage("usage: droplet info <id|name>")
	}
	c, err := client(ctx, tokenFlag(args[1:]))
	if err != nil {
		return cliutil.Finish(ctx.JSON, "droplet info", nil, err)
	}
	info, err := c.Find(ctx.Ctx, args[0])
	if err != nil || ctx.JSON {
		return cliutil.Finish(ctx.JSON, "droplet info", info, err)
	}
	fmt.Printf("id:       %d\nname:     %s\nip:       %s\nprivate:  %s\nstatus:   %s\nregion:   %s\nsize:     %s\nimage:    %s\ncreated:  %s\n",
		info.ID, info.Name, info.IP, info.PrivateIP, info.Status, info.Region, info.Size, info.Image, info.CreatedAt)
	return nil
}

func handleDestroy(ctx *cmdregistry.Context, args []string) error {
	if len(args) < 1 {
		return errs.NewUsage("usage: droplet destroy <id1,id2,...>")
	}
	c, err := client(ctx, tokenFlag(args[1:]))
	if err != nil {
		return cliutil.Finish(ctx.JSON, "droplet destroy", nil, err)
	}
	refs := strings.Split(args[0], ",")
	if !cliutil.Confirm(fmt.Sprintf("destroy %d droplets (%s)?", len(refs), args[0]), ctx.Force) {
		return cliutil.Finish(ctx.JSON, "droplet destroy", nil, errs.New(errs.Cancelled, "droplet", "aborted"))
	}
	var destroyed []int64
	for _, ref := range refs {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			continue
		}
		id, err := strconv.ParseInt(ref, 10, 64)
		if err != nil {
			info, ferr := c.Find(ctx.Ctx, ref)
			if ferr != nil {
				return cliutil.Finish(ctx.JSON, "droplet destroy", map[string]any{"destroyed": destroyed}, ferr)
			}
			id = info.ID
		}
		if err := c.Destroy(ctx.Ctx, id); err != nil {
			return cliutil.Finish(ctx.JSON, "droplet destroy", map[string]any{"destroyed": destroyed}, err)
		}
		destroyed = append(destroyed, id)
		if !ctx.JSON {
			fmt.Printf("destroyed droplet %d\n", id)
		}
	}
	return cliutil.Finish(ctx.JSON, "droplet destroy", map[string]any{"destroyed": destroyed}, nil)
}

func handleRegions(ctx *cmdregistry.Context, args []string) error {
	c, err := client(ctx, tokenFlag(args))
	if err != nil {
		return cliutil.Finish(ctx.JSON, "droplet regions", nil, err)
	}
	regions, err := c.Regions(ctx.Ctx)
	if err != nil || ctx.JSON {
		return cliutil.Finish(ctx.JSON, "droplet regions", regions, err)
	}
	for _, r := range regions {
		avail := ""
		if !r.Available {
			avail = "  (unavailable)"
		}
		fmt.Printf("%-8s %s%s\n", r.Slug, r.Name, avail)
	}
	return nil
}

// tokenFlag extracts a trailing --api-token from subcommands that take no
// other flags.
func tokenFlag(args []string) string {
	for i, a := range args {
		if a == "--api-token" && i+1 < len(args) {
			return args[i+1]
		}
		if v, ok := strings.CutPrefix(a, "--api-token="); ok {
			return v
		}
	}
	return ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
