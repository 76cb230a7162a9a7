package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"time"

	"github.com/jpillora/backoff"
	log "github.com/sirupsen/logrus"

	"github.com/catalpainternational/dockertree/cli/dockertree/internal/config"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/errs"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/runtime"
)

// ContainerName is the global proxy container. It is the only process that
// maps host ports 80 and 443.
const ContainerName = "dockertree_caddy_proxy"

const (
	caddyImage   = "caddy:latest"
	adminPort    = "2019"
	configVolume = "dockertree_caddy_config"
	dataVolume   = "dockertree_caddy_data"
)

// Coordinator owns the global proxy container and its live configuration.
type Coordinator struct {
	RT       *runtime.Docker
	Network  string
	AdminURL string
	Client   *http.Client

	// stagingHosts tracks hostnames switched to the staging issuer after a
	// rate-limit response.
	stagingHosts map[string]bool
}

func New(rt *runtime.Docker, network string) *Coordinator {
	if network == "" {
		network = config.DefaultCaddyNetwork
	}
	return &Coordinator{
		RT:           rt,
		Network:      network,
		AdminURL:     "http://localhost:" + adminPort,
		Client:       &http.Client{Timeout: 10 * time.Second},
		stagingHosts: map[string]bool{},
	}
}

// Running reports whether the proxy container is up.
func (c *Coordinator) Running(ctx context.Context) bool {
	return c.RT.ContainerRunning(ctx, ContainerName)
}

// Start ensures the proxy network exists and the proxy container is running.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.RT.EnsureNetwork(ctx, c.Network); err != nil {
		return err
	}
	if c.Running(ctx) {
		log.Info("proxy already running")
		return nil
	}
	// A stopped leftover container blocks the name.
	_ = c.RT.StopContainer(ctx, ContainerName)
	_, err := c.RT.RunDetached(ctx, ContainerName, caddyImage,
		[]string{
			configVolume + ":/config",
			dataVolume + ":/data",
		},
		[]string{"80:80", "443:443", adminPort + ":" + adminPort},
		c.Network,
		map[string]string{"CADDY_ADMIN": "0.0.0.0:" + adminPort},
	)
	if err != nil {
		return err
	}
	log.Infof("proxy %s started", ContainerName)
	return nil
}

// Stop brings the proxy container down. Its config and data volumes are
// shared state and survive.
func (c *Coordinator) Stop(ctx context.Context) error {
	if !c.Running(ctx) {
		log.Info("proxy not running")
		return nil
	}
	return c.RT.StopContainer(ctx, ContainerName)
}

// Sync discovers labeled containers and uploads a fresh configuration to the
// proxy's admin endpoint. The proxy must be running.
func (c *Coordinator) Sync(ctx context.Context) error {
	if !c.Running(ctx) {
		return errs.New(errs.PreconditionFailed, "proxy", "proxy %s is not running; run start-proxy first", ContainerName)
	}
	containers, err := c.RT.ListContainers(ctx)
	if err != nil {
		return err
	}
	routes := DiscoverRoutes(containers)
	return c.Load(ctx, routes)
}

// Load renders and uploads the configuration for the given routes, retrying
// transient admin failures and downgrading rate-limited hosts to the staging
// issuer.
func (c *Coordinator) Load(ctx context.Context, routes []Route) error {
	email := os.Getenv("CADDY_EMAIL")
	if email == "" {
		email = "admin@localhost"
	}
	cfg := RenderConfig(routes, email, c.stagingHosts)
	err := c.post(ctx, cfg)
	if err == nil {
		return nil
	}
	if hosts, until := rateLimitedHosts(err, routes); len(hosts) > 0 {
		for _, h := range hosts {
			c.stagingHosts[h] = true
		}
		log.Warnf("certificate authority rate limit for %v; switching to staging issuer (retry after %s)", hosts, until)
		cfg = RenderConfig(routes, email, c.stagingHosts)
		return c.post(ctx, cfg)
	}
	return err
}

func (c *Coordinator) post(ctx context.Context, cfg map[string]any) error {
	body, err := json.Marshal(cfg)
	if err != nil {
		return errs.Wrap(errs.Runtime, "proxy", err, "encode configuration")
	}
	b := &backoff.Backoff{Min: 500 * time.Millisecond, Max: 5 * time.Second, Factor: 2, Jitter: true}
	var lastErr error
	for attempt := 0; attempt < 4; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(b.Duration()):
			case <-ctx.Done():
				return errs.Wrap(errs.Cancelled, "proxy", ctx.Err(), "configuration upload cancelled")
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.AdminURL+"/load", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.Client.Do(req)
		if err != nil {
			lastErr = errs.Wrap(errs.Network, "proxy", err, "reach admin endpoint %s", c.AdminURL)
			continue
		}
		respBody, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			log.Info("proxy configuration updated")
			return nil
		}
		lastErr = errs.New(errs.Runtime, "proxy", "admin endpoint returned %d: %s", resp.StatusCode, string(respBody))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return lastErr
		}
	}
	return lastErr
}

var rateLimitRe = regexp.MustCompile(`(?i)rate ?limit|too many certificates`)
var retryAfterRe = regexp.MustCompile(`retry[- ]?after[:\s]+([0-9TZ:.\-]+)`)

// rateLimitedHosts inspects an upload error for certificate-authority
// rate-limit markers and returns the affected domain hosts with the parsed
// retry timestamp, when present.
func rateLimitedHosts(err error, routes []Route) ([]string, string) {
	if err == nil || !rateLimitRe.MatchString(err.Error()) {
		return nil, ""
	}
	var hosts []string
	for _, r := range routes {
		if IsDomain(r.Host) {
			hosts = append(hosts, r.Host)
		}
	}
	until := "unknown"
	if m := retryAfterRe.FindStringSubmatch(err.Error()); len(m) == 2 {
		until = m[1]
	}
	return hosts, until
}

// AdminReachable probes the admin endpoint.
func (c *Coordinator) AdminReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.AdminURL+"/config/", nil)
	if err != nil {
		return false
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// CaddyfileTemplate is written by setup as a starting point for projects
// that want file-based proxy config instead of the admin API.
func CaddyfileTemplate(projectName string) string {
	return fmt.Sprintf(`# Caddyfile template for %s worktrees.
# Routes are normally managed through the admin API; this file documents
# the equivalent static configuration.
{
	admin 0.0.0.0:%s
}

*.localhost {
	tls internal
	reverse_proxy {host.labels.0}-web:8000
}
`, projectName, adminPort)
}
