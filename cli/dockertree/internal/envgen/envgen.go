package envgen

import (
	"strconv"
	"strings"

	"github.com/catalpainternational/dockertree/cli/dockertree/internal/config"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/errs"
)

// PortTriple is one worktree's host-port allocation.
type PortTriple struct {
	DB    int
	Redis int
	Web   int
}

// Disjoint sub-ranges of [55000,59000) keep the three roles from colliding
// even under independent allocation.
const (
	dbRangeStart    = 55000
	redisRangeStart = 56000
	webRangeStart   = 57000
	rangeSize       = 1000
)

const (
	KeyProjectName  = "COMPOSE_PROJECT_NAME"
	KeySiteDomain   = "SITE_DOMAIN"
	KeyAllowedHosts = "ALLOWED_HOSTS"
	KeyForwarded    = "USE_X_FORWARDED_HOST"
	KeyViteHosts    = "VITE_ALLOWED_HOSTS"
	KeyDBPort       = "DOCKERTREE_DB_HOST_PORT"
	KeyRedisPort    = "DOCKERTREE_REDIS_HOST_PORT"
	KeyWebPort      = "DOCKERTREE_WEB_HOST_PORT"
	KeyProjectRoot  = "PROJECT_ROOT"

	KeyPushTarget = "PUSH_SCP_TARGET"
	KeyPushBranch = "PUSH_BRANCH_NAME"
	KeyPushDomain = "PUSH_DOMAIN"
	KeyPushIP     = "PUSH_IP"
)

// UsedPorts collects every port already claimed by existing worktree env
// files, keyed for membership tests.
func UsedPorts(envFiles []string) (map[int]bool, error) {
	used := map[int]bool{}
	for _, path := range envFiles {
		f, err := config.ParseEnvFile(path)
		if err != nil {
			return nil, err
		}
		for _, key := range []string{KeyDBPort, KeyRedisPort, KeyWebPort} {
			if v, ok := f.Get(key); ok {
				if p, err := strconv.Atoi(v); err == nil && p > 0 {
					used[p] = true
				}
			}
		}
	}
	return used, nil
}

// AllocateTriple picks the lowest free port in each role range, unique across
// all existing worktree env files at allocation time.
func AllocateTriple(envFiles []string) (PortTriple, error) {
	used, err := UsedPorts(envFiles)
	if err != nil {
		return PortTriple{}, err
	}
	pick := func(start int) (int, error) {
		for p := start; p < start+rangeSize; p++ {
			if !used[p] {
				used[p] = true
				return p, nil
			}
		}
		return 0, errs.New(errs.PreconditionFailed, "ports",
			"no free port in range [%d,%d)", start, start+rangeSize)
	}
	var t PortTriple
	if t.DB, err = pick(dbRangeStart); err != nil {
		return t, err
	}
	if t.Redis, err = pick(redisRangeStart); err != nil {
		return t, err
	}
	if t.Web, err = pick(webRangeStart); err != nil {
		return t, err
	}
	return t, nil
}

// AllowedHosts renders the host allow-list for a stack's local domain.
func AllowedHosts(stackName string) string {
	domain := stackName + ".localhost"
	return strings.Join([]string{
		"localhost", "127.0.0.1", domain, "*.localhost", "web", stackName + "-web",
	}, ",")
}

// ViteHosts renders the dev-server allow-list for a domain: the domain, its
// wildcard parent, and the loopback names.
func ViteHosts(domain string) string {
	hosts := []string{domain}
	if base := parentDomain(domain); base != "" {
		hosts = append(hosts, "*."+base)
	}
	hosts = append(hosts, "localhost", "127.0.0.1")
	return strings.Join(hosts, ",")
}

func parentDomain(domain string) string {
	if i := strings.Index(domain, "."); i >= 0 && i+1 < len(domain) {
		return domain[i+1:]
	}
	return ""
}

// Generate builds the env.dockertree content for a new worktree. Static
// overrides from config come last so they win over the generated defaults.
func Generate(p config.Project, branch, projectRoot string, ports PortTriple) *config.EnvFile {
	stack := config.StackName(p.ProjectName, branch)
	domain := stack + ".localhost"

	f := config.NewEnvFile()
	f.AppendComment("Generated by dockertree for " + branch)
	f.Set(KeyProjectName, stack)
	f.Set(KeyProjectRoot, projectRoot)
	f.Set(KeySiteDomain, "http://"+domain)
	f.Set(KeyAllowedHosts, AllowedHosts(stack))
	f.Set(KeyForwarded, "True")
	f.Set(KeyViteHosts, ViteHosts(domain))
	f.Set(KeyDBPort, strconv.Itoa(ports.DB))
	f.Set(KeyRedisPort, strconv.Itoa(ports.Redis))
	f.Set(KeyWebPort, strconv.Itoa(ports.Web))
	for _, k := range p.EnvironmentSorted() {
		f.Set(k, p.Environment[k])
	}
	return f
}

// ApplyDomainOverride rewrites the env file for an HTTPS domain deployment.
func ApplyDomainOverride(f *config.EnvFile, domain string) {
	f.Set(KeySiteDomain, "https://"+domain)
	f.Set(KeyAllowedHosts, appendHost(f.Lookup(KeyAllowedHosts), domain, parentWildcard(domain)))
	f.Set(KeyViteHosts, ViteHosts(domain))
}

// ApplyIPOverride rewrites the env file for a plain-HTTP IP deployment.
func ApplyIPOverride(f *config.EnvFile, ip string) {
	f.Set(KeySiteDomain, "http://"+ip)
	f.Set(KeyAllowedHosts, appendHost(f.Lookup(KeyAllowedHosts), ip))
}

// ApplyCentralHosts points database and cache hosts at a central server's
// private address for worker deployments.
func ApplyCentralHosts(f *config.EnvFile, privateIP string) {
	f.Set("DB_HOST", privateIP)
	f.Set("REDIS_HOST", privateIP)
}

// RecordPush persists push state so later code-only pushes can reuse it.
// Domain and IP are mutually exclusive.
func RecordPush(f *config.EnvFile, target, branch, domain, ip string) {
	f.Set(KeyPushTarget, target)
	f.Set(KeyPushBranch, branch)
	if domain != "" {
		f.Set(KeyPushDomain, domain)
		f.Unset(KeyPushIP)
	} else if ip != "" {
		f.Set(KeyPushIP, ip)
		f.Unset(KeyPushDomain)
	}
}

func parentWildcard(domain string) string {
	if base := parentDomain(domain); base != "" {
		return "*." + base
	}
	return ""
}

func appendHost(list string, hosts ...string) string {
	parts := []string{}
	seen := map[string]bool{}
	add := func(h string) {
		h = strings.TrimSpace(h)
		if h == "" || seen[h] {
			return
		}
		seen[h] = true
		parts = append(parts, h)
	}
	for _, h := range strings.Split(list, ",") {
		add(h)
	}
	for _, h := range hosts {
		add(h)
	}
	return strings.Join(parts, ",")
}
