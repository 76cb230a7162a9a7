package pushpipe

import (
	"context"
	"net"
	"regexp"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/catalpainternational/dockertree/cli/dockertree/internal/errs"
)

// Target is a normalized file-copy destination.
type Target struct {
	User string
	Host string
	Path string
}

func (t Target) String() string {
	return t.User + "@" + t.Host + ":" + t.Path
}

// RemoteFile joins a file name onto the target path.
func (t Target) RemoteFile(name string) string {
	if strings.HasSuffix(t.Path, "/") {
		return t.Path + name
	}
	return t.Path + "/" + name
}

// WithHost returns a copy of the target pointing at a different host.
func (t Target) WithHost(host string) Target {
	t.Host = host
	return t
}

var ipv4Re = regexp.MustCompile(`^\d+\.\d+\.\d+\.\d+$`)

// HostResolver turns a droplet name or ID into its public IP. Nil when no
// provider credentials are available.
type HostResolver func(ctx context.Context, ref string) (string, error)

// ResolveTarget normalizes a progressive target string. Accepted inputs run
// from a full user@host:/path down to a bare droplet name; host resolution
// tries a literal IP, then a DNS lookup, then the droplet provider.
func ResolveTarget(ctx context.Context, input string, droplets HostResolver) (Target, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return Target{}, errs.NewUsage("push target is required")
	}

	t := Target{User: "root", Path: "/root"}
	rest := input
	if at := strings.Index(rest, "@"); at >= 0 {
		t.User = rest[:at]
		rest = rest[at+1:]
		if t.User == "" {
			return Target{}, errs.New(errs.Validation, "push", "invalid target %q: empty user", input)
		}
	}
	if colon := strings.Index(rest, ":"); colon >= 0 {
		t.Path = rest[colon+1:]
		rest = rest[:colon]
		if t.Path == "" {
			t.Path = "/root"
		}
	}
	if rest == "" {
		return Target{}, errs.New(errs.Validation, "push", "invalid target %q: empty host", input)
	}

	host, err := resolveHost(ctx, rest, droplets)
	if err != nil {
		return Target{}, err
	}
	t.Host = host
	return t, nil
}

func resolveHost(ctx context.Context, host string, droplets HostResolver) (string, error) {
	if ipv4Re.MatchString(host) {
		return host, nil
	}
	if addrs, err := net.DefaultResolver.LookupHost(ctx, host); err == nil {
		for _, a := range addrs {
			if ipv4Re.MatchString(a) {
				log.Infof("resolved %s to %s", host, a)
				return a, nil
			}
		}
	}
	if droplets != nil {
		ip, err := droplets(ctx, host)
		if err == nil && ip != "" {
			log.Infof("resolved droplet %s to %s", host, ip)
			return ip, nil
		}
		if err != nil && !errs.IsKind(err, errs.NotFound) {
			return "", err
		}
	}
	return "", errs.New(errs.Network, "push",
		"cannot resolve %q: not an IP, not a resolvable hostname, and no matching droplet", host)
}
