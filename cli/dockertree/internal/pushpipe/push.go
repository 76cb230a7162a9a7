// Package pushpipe deploys a worktree to a remote host: export, transfer,
// remote import, with optional droplet provisioning and DNS management.
package pushpipe

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/catalpainternational/dockertree/cli/dockertree/internal/config"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/dns"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/droplet"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/envgen"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/errs"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/orchestrator"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/packages"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/paths"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/sshx"
)

// Options tune one push.
type Options struct {
	Domain        string
	IP            string
	CodeOnly      bool
	PrepareServer bool
	AutoImport    bool
	KeepPackage   bool
	DNSToken      string

	// ExcludeDeps lists services the worker does not run locally because
	// the central droplet provides them over the VPC.
	ExcludeDeps []string

	// Droplet creation.
	CreateDroplet  bool
	CreateOnly     bool
	DropletName    string
	Region         string
	Size           string
	Image          string
	SSHKeys        []string
	WaitReady      bool
	CentralDroplet string
}

// Result reports a completed push.
type Result struct {
	Branch  string `json:"branch"`
	Target  string `json:"target"`
	Domain  string `json:"domain,omitempty"`
	IP      string `json:"ip,omitempty"`
	Package string `json:"package,omitempty"`
	Droplet int64  `json:"droplet_id,omitempty"`
}

// Pipeline wires the subsystems a push needs.
type Pipeline struct {
	Orch     *orchestrator.Orchestrator
	Packages *packages.Manager
	Droplets *droplet.Client
}

func New(o *orchestrator.Orchestrator, token string) *Pipeline {
	p := &Pipeline{Orch: o, Packages: packages.NewManager(o)}
	if token != "" {
		p.Droplets = droplet.NewClient(token)
	}
	return p
}

// dropletResolver adapts the droplet client to target resolution.
func (p *Pipeline) dropletResolver() HostResolver {
	if p.Droplets == nil {
		return nil
	}
	return func(ctx context.Context, ref string) (string, error) {
		info, err := p.Droplets.Find(ctx, ref)
		if err != nil {
			return "", err
		}
		return info.IP, nil
	}
}

// Push runs the full deployment: resolve target, optionally create the
// droplet and DNS record, prepare the server, export, transfer, and import
// remotely. Push state is persisted on success so --code-only can reuse it.
func (p *Pipeline) Push(ctx context.Context, branch, targetInput string, opts Options) (Result, error) {
	var result Result
	if opts.Domain != "" && opts.IP != "" {
		return result, errs.NewUsage("--domain and --ip are mutually exclusive")
	}
	if !p.Orch.Exists(branch) {
		return result, errs.New(errs.NotFound, "push", "no worktree for branch %s", branch)
	}
	envPath := paths.EnvFile(p.Orch.WorktreePath(branch))

	if opts.CodeOnly && targetInput == "" {
		saved, err := savedTarget(envPath)
		if err != nil {
			return result, err
		}
		targetInput = saved
	}

	var dropletID int64
	if opts.CreateDroplet {
		info, err := p.createDroplet(ctx, branch, opts)
		if err != nil {
			return result, err
		}
		dropletID = info.ID
		if targetInput == "" {
			targetInput = info.IP
		} else if t, err := ResolveTarget(ctx, targetInput, nil); err == nil {
			targetInput = t.WithHost(info.IP).String()
		} else {
			targetInput = info.IP
		}
		if opts.CreateOnly {
			result.Branch = branch
			result.Target = targetInput
			result.IP = info.IP
			result.Droplet = dropletID
			log.Infof("droplet %s ready at %s", info.Name, info.IP)
			return result, nil
		}
	}

	target, err := ResolveTarget(ctx, targetInput, p.dropletResolver())
	if err != nil {
		return result, err
	}
	log.Infof("pushing %s to %s", branch, target)

	if opts.Domain != "" {
		if err := p.ensureDNS(ctx, opts.Domain, target.Host, opts.DNSToken); err != nil {
			return result, err
		}
	}

	client, err := sshx.Dial(ctx, target.User, target.Host)
	if err != nil {
		return result, err
	}
	defer client.Close()

	if opts.PrepareServer {
		if err := PrepareServer(ctx, client); err != nil {
			return result, err
		}
	}
	if opts.AutoImport && !VerifyInstalled(ctx, client) {
		return result, errs.New(errs.PreconditionFailed, "push",
			"dockertree is not installed on %s; re-run with --prepare-server", target.Host)
	}

	if opts.CentralDroplet != "" {
		if err := p.configureVPC(ctx, envPath, opts.CentralDroplet, opts.ExcludeDeps); err != nil {
			return result, err
		}
	}

	if opts.CodeOnly {
		if err := p.pushCodeOnly(ctx, client, target, branch); err != nil {
			return result, err
		}
	} else {
		pkgPath, err := p.exportAndTransfer(ctx, client, target, branch, opts)
		if err != nil {
			return result, err
		}
		result.Package = filepath.Base(pkgPath)
		if opts.AutoImport {
			if err := p.remoteImport(ctx, client, target, branch, pkgPath, opts); err != nil {
				return result, err
			}
		}
	}

	if err := recordPushState(envPath, target, branch, opts); err != nil {
		log.Warnf("failed to persist push state: %v", err)
	}

	result.Branch = branch
	result.Target = target.String()
	result.Domain = opts.Domain
	result.IP = opts.IP
	result.Droplet = dropletID
	log.Infof("push of %s to %s complete", branch, target.Host)
	return result, nil
}

func (p *Pipeline) createDroplet(ctx context.Context, branch string, opts Options) (droplet.Info, error) {
	if p.Droplets == nil {
		return droplet.Info{}, errs.New(errs.PreconditionFailed, "push",
			"droplet creation requires an API token; use --api-token or set DIGITALOCEAN_API_TOKEN")
	}
	defaults := droplet.LoadDefaults(p.Orch.Paths.ProjectRoot)
	spec := droplet.Spec{
		Name:    opts.DropletName,
		Region:  firstOf(opts.Region, defaults.Region),
		Size:    firstOf(opts.Size, defaults.Size),
		Image:   firstOf(opts.Image, defaults.Image),
		SSHKeys: opts.SSHKeys,
		Tags:    []string{"dockertree", "dockertree-" + branch},
	}
	if len(spec.SSHKeys) == 0 {
		spec.SSHKeys = defaults.SSHKeys
	}
	if spec.Name == "" {
		spec.Name = p.Orch.StackName(branch)
	}
	if opts.CentralDroplet != "" {
		central, err := p.Droplets.Find(ctx, opts.CentralDroplet)
		if err != nil {
			return droplet.Info{}, err
		}
		spec.VPCUUID = central.VPCUUID
	}
	info, err := p.Droplets.Create(ctx, spec)
	if err != nil {
		return info, err
	}
	return p.Droplets.WaitReady(ctx, info.ID, true)
}

func (p *Pipeline) ensureDNS(ctx context.Context, domain, ip, token string) error {
	resolved := dns.ResolveToken(token, p.Orch.Paths.ProjectRoot)
	if resolved == "" {
		return errs.New(errs.PreconditionFailed, "push",
			"no DNS API token found; use --dns-token or set DIGITALOCEAN_API_TOKEN")
	}
	sub, root, err := dns.ParseDomain(domain)
	if err != nil {
		return err
	}
	return dns.NewClient(resolved).EnsureA(ctx, sub, root, ip)
}

// configureVPC points the worktree's database and cache hosts at the central
// droplet's private address.
func (p *Pipeline) configureVPC(ctx context.Context, envPath, centralRef string, excludeDeps []string) error {
	if p.Droplets == nil {
		return errs.New(errs.PreconditionFailed, "push",
			"--central-droplet-name requires an API token")
	}
	central, err := p.Droplets.Find(ctx, centralRef)
	if err != nil {
		return err
	}
	if central.PrivateIP == "" {
		return errs.New(errs.PreconditionFailed, "push",
			"central droplet %s has no private address; is it in a VPC?", central.Name)
	}
	env, err := readEnv(envPath)
	if err != nil {
		return err
	}
	envgen.ApplyCentralHosts(env, central.PrivateIP)
	if len(excludeDeps) > 0 {
		env.Set("DOCKERTREE_EXCLUDED_DEPS", strings.Join(excludeDeps, ","))
	}
	log.Infof("worker will use central services at %s", central.PrivateIP)
	return env.WriteTo(envPath)
}

func (p *Pipeline) exportAndTransfer(ctx context.Context, client *sshx.Client, target Target, branch string, opts Options) (string, error) {
	stage, err := os.MkdirTemp("", "dockertree-push-*")
	if err != nil {
		return "", err
	}
	defer func() {
		if !opts.KeepPackage {
			os.RemoveAll(stage)
		}
	}()

	exported, err := p.Packages.Export(ctx, branch, packages.ExportOptions{
		IncludeCode: true,
		OutputDir:   stage,
	})
	if err != nil {
		return "", err
	}

	remote := target.RemoteFile(filepath.Base(exported.Path))
	if err := client.CopyFile(ctx, exported.Path, remote); err != nil {
		return "", err
	}
	return remote, nil
}

// remoteImport runs the import on the remote host through its dockertree
// binary, non-interactively, then starts the proxy and the stack.
func (p *Pipeline) remoteImport(ctx context.Context, client *sshx.Client, target Target, branch, remoteFile string, opts Options) error {
	args := []string{"dockertree", "--json", "packages", "import", remoteFile,
		"--target-branch", branch, "--standalone", "--force"}
	if opts.Domain != "" {
		args = append(args, "--domain", opts.Domain)
	} else if opts.IP != "" {
		args = append(args, "--ip", opts.IP)
	} else {
		args = append(args, "--ip", target.Host)
	}
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = shellQuote(a)
	}
	script := fmt.Sprintf(
		"set -e\ncd %s\n%s\ndockertree start-proxy\ncd %s && dockertree %s up -d\n",
		shellQuote(target.Path),
		strings.Join(quoted, " "),
		shellQuote(target.Path+"/"+branch),
		shellQuote(branch),
	)
	log.Info("running remote import")
	if err := client.RunStream(ctx, script); err != nil {
		return errs.Wrap(errs.Runtime, "push", err, "remote import failed on %s", client.Host)
	}
	return nil
}

// pushCodeOnly transfers just the branch's code archive and unpacks it over
// the existing remote checkout, then restarts the stack.
func (p *Pipeline) pushCodeOnly(ctx context.Context, client *sshx.Client, target Target, branch string) error {
	stage, err := os.MkdirTemp("", "dockertree-code-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(stage)

	local := filepath.Join(stage, branch+".tar")
	if err := p.Orch.Git.Archive(ctx, branch, local); err != nil {
		return err
	}
	remoteTar := target.RemoteFile(branch + ".code.tar")
	if err := client.CopyFile(ctx, local, remoteTar); err != nil {
		return err
	}
	remoteDir := target.Path + "/" + branch
	script := fmt.Sprintf(
		"set -e\nmkdir -p %[1]s\ntar -xf %[2]s -C %[1]s\nrm -f %[2]s\ncd %[1]s && dockertree %[3]s restart || true\n",
		shellQuote(remoteDir), shellQuote(remoteTar), shellQuote(branch),
	)
	log.Info("applying code-only update")
	return client.RunStream(ctx, script)
}

func savedTarget(envPath string) (string, error) {
	env, err := readEnv(envPath)
	if err != nil {
		return "", err
	}
	saved := env.Lookup(envgen.KeyPushTarget)
	if saved == "" {
		return "", errs.New(errs.PreconditionFailed, "push",
			"--code-only needs a previous full push or an explicit target")
	}
	return saved, nil
}

func recordPushState(envPath string, target Target, branch string, opts Options) error {
	env, err := readEnv(envPath)
	if err != nil {
		return err
	}
	envgen.RecordPush(env, target.String(), branch, opts.Domain, opts.IP)
	return env.WriteTo(envPath)
}

func readEnv(path string) (*config.EnvFile, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, errs.New(errs.NotFound, "push", "no environment file at %s", path)
	}
	return config.ParseEnvFile(path)
}

func firstOf(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
