// Package droplet provisions and inspects cloud droplets through the
// DigitalOcean API.
package droplet

import (
	"context"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jpillora/backoff"
	log "github.com/sirupsen/logrus"

	"github.com/catalpainternational/dockertree/cli/dockertree/internal/config"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/dns"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/errs"
)

const readyTimeout = 600 * time.Second

// Client talks to the droplet provider. It shares the DNS client's HTTP
// plumbing since both use the same API and token.
type Client struct {
	api *dns.Client
}

func NewClient(token string) *Client {
	return &Client{api: dns.NewClient(token)}
}

// NewClientAt targets a non-default API root, for tests.
func NewClientAt(token, baseURL string) *Client {
	c := dns.NewClient(token)
	c.BaseURL = baseURL
	return &Client{api: c}
}

// Info describes one droplet.
type Info struct {
	ID        int64    `json:"id"`
	Name      string   `json:"name"`
	IP        string   `json:"ip_address"`
	PrivateIP string   `json:"private_ip,omitempty"`
	VPCUUID   string   `json:"vpc_uuid,omitempty"`
	Status    string   `json:"status"`
	Region    string   `json:"region"`
	Size      string   `json:"size"`
	Image     string   `json:"image"`
	CreatedAt string   `json:"created_at,omitempty"`
	Tags      []string `json:"tags,omitempty"`
}

// rawDroplet mirrors the provider's droplet object.
type rawDroplet struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
	Region struct {
		Slug string `json:"slug"`
	} `json:"region"`
	SizeSlug string `json:"size_slug"`
	Image    struct {
		Slug string `json:"slug"`
	} `json:"image"`
	CreatedAt string   `json:"created_at"`
	Tags      []string `json:"tags"`
	VPCUUID   string   `json:"vpc_uuid"`
	Networks  struct {
		V4 []struct {
			IPAddress string `json:"ip_address"`
			Type      string `json:"type"`
		} `json:"v4"`
	} `json:"networks"`
}

func (r rawDroplet) info() Info {
	info := Info{
		ID:        r.ID,
		Name:      r.Name,
		Status:    r.Status,
		Region:    r.Region.Slug,
		Size:      r.SizeSlug,
		Image:     r.Image.Slug,
		CreatedAt: r.CreatedAt,
		Tags:      r.Tags,
		VPCUUID:   r.VPCUUID,
	}
	for _, n := range r.Networks.V4 {
		switch n.Type {
		case "public":
			if info.IP == "" {
				info.IP = n.IPAddress
			}
		case "private":
			if info.PrivateIP == "" {
				info.PrivateIP = n.IPAddress
			}
		}
	}
	return info
}

// Spec describes a droplet to create.
type Spec struct {
	Name    string
	Region  string
	Size    string
	Image   string
	SSHKeys []string
	Tags    []string
	VPCUUID string
}

// Create provisions a droplet. SSH key names are resolved to account key IDs;
// unknown names are skipped with a warning.
func (c *Client) Create(ctx context.Context, spec Spec) (Info, error) {
	body := map[string]any{
		"name":   spec.Name,
		"region": spec.Region,
		"size":   spec.Size,
		"image":  spec.Image,
	}
	if len(spec.SSHKeys) > 0 {
		ids, err := c.resolveSSHKeys(ctx, spec.SSHKeys)
		if err != nil {
			return Info{}, err
		}
		if len(ids) > 0 {
			body["ssh_keys"] = ids
		} else {
			log.Warn("no usable SSH keys resolved; droplet will be password-only")
		}
	}
	if len(spec.Tags) > 0 {
		body["tags"] = spec.Tags
	}
	if spec.VPCUUID != "" {
		body["vpc_uuid"] = spec.VPCUUID
	}
	var payload struct {
		Droplet rawDroplet `json:"droplet"`
	}
	if err := c.api.Do(ctx, http.MethodPost, "/droplets", body, &payload); err != nil {
		return Info{}, err
	}
	info := payload.Droplet.info()
	log.Infof("created droplet %s (id %d)", info.Name, info.ID)
	return info, nil
}

// List returns every droplet in the account.
func (c *Client) List(ctx context.Context) ([]Info, error) {
	var payload struct {
		Droplets []rawDroplet `json:"droplets"`
	}
	if err := c.api.Do(ctx, http.MethodGet, "/droplets", nil, &payload); err != nil {
		return nil, err
	}
	out := make([]Info, 0, len(payload.Droplets))
	for _, d := range payload.Droplets {
		out = append(out, d.info())
	}
	return out, nil
}

// Get fetches one droplet by ID.
func (c *Client) Get(ctx context.Context, id int64) (Info, error) {
	var payload struct {
		Droplet rawDroplet `json:"droplet"`
	}
	if err := c.api.Do(ctx, http.MethodGet, "/droplets/"+strconv.FormatInt(id, 10), nil, &payload); err != nil {
		return Info{}, err
	}
	return payload.Droplet.info(), nil
}

// Find resolves a droplet reference, numeric ID or name, to its Info.
func (c *Client) Find(ctx context.Context, ref string) (Info, error) {
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return c.Get(ctx, id)
	}
	droplets, err := c.List(ctx)
	if err != nil {
		return Info{}, err
	}
	for _, d := range droplets {
		if strings.EqualFold(d.Name, ref) {
			return d, nil
		}
	}
	return Info{}, errs.New(errs.NotFound, "droplet", "no droplet named %q", ref)
}

// Destroy deletes a droplet.
func (c *Client) Destroy(ctx context.Context, id int64) error {
	if err := c.api.Do(ctx, http.MethodDelete, "/droplets/"+strconv.FormatInt(id, 10), nil, nil); err != nil {
		return err
	}
	log.Infof("destroyed droplet %d", id)
	return nil
}

// Region describes one provider region.
type Region struct {
	Slug      string `json:"slug"`
	Name      string `json:"name"`
	Available bool   `json:"available"`
}

// Regions lists the provider's regions.
func (c *Client) Regions(ctx context.Context) ([]Region, error) {
	var payload struct {
		Regions []Region `json:"regions"`
	}
	if err := c.api.Do(ctx, http.MethodGet, "/regions", nil, &payload); err != nil {
		return nil, err
	}
	return payload.Regions, nil
}

// Size describes one droplet size offering.
type Size struct {
	Slug         string  `json:"slug"`
	Memory       int     `json:"memory"`
	VCPUs        int     `json:"vcpus"`
	Disk         int     `json:"disk"`
	PriceMonthly float64 `json:"price_monthly"`
	Available    bool    `json:"available"`
}

// Sizes lists the provider's size offerings.
func (c *Client) Sizes(ctx context.Context) ([]Size, error) {
	var payload struct {
		Sizes []Size `json:"sizes"`
	}
	if err := c.api.Do(ctx, http.MethodGet, "/sizes", nil, &payload); err != nil {
		return nil, err
	}
	return payload.Sizes, nil
}

// resolveSSHKeys maps account key names to their numeric IDs.
func (c *Client) resolveSSHKeys(ctx context.Context, names []string) ([]int64, error) {
	var payload struct {
		Keys []struct {
			ID   int64  `json:"id"`
			Name string `json:"name"`
		} `json:"ssh_keys"`
	}
	if err := c.api.Do(ctx, http.MethodGet, "/account/keys", nil, &payload); err != nil {
		return nil, err
	}
	var ids []int64
	for _, name := range names {
		found := false
		for _, k := range payload.Keys {
			if strings.EqualFold(k.Name, name) {
				ids = append(ids, k.ID)
				found = true
				break
			}
		}
		if !found {
			log.Warnf("SSH key %q not found in account, skipping", name)
		}
	}
	return ids, nil
}

// sshDialer probes TCP reachability of a host's SSH port. Swapped in tests.
var sshDialer = func(ip string, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(ip, "22"), timeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// WaitReady polls a droplet until it is active and, when checkSSH is set, its
// SSH port accepts connections.
func (c *Client) WaitReady(ctx context.Context, id int64, checkSSH bool) (Info, error) {
	deadline := time.Now().Add(readyTimeout)
	b := &backoff.Backoff{Min: 2 * time.Second, Max: 15 * time.Second, Factor: 1.5, Jitter: true}
	log.Infof("waiting for droplet %d to become ready", id)
	for {
		info, err := c.Get(ctx, id)
		if err != nil {
			return Info{}, err
		}
		switch info.Status {
		case "off", "archive":
			return info, errs.New(errs.Runtime, "droplet", "droplet %d entered status %s", id, info.Status)
		case "active":
			if !checkSSH || info.IP == "" {
				return info, nil
			}
			if sshDialer(info.IP, 5*time.Second) {
				log.Infof("droplet %d is ready at %s", id, info.IP)
				return info, nil
			}
		}
		if time.Now().After(deadline) {
			return info, errs.New(errs.Timeout, "droplet", "droplet %d not ready after %s", id, readyTimeout)
		}
		select {
		case <-time.After(b.Duration()):
		case <-ctx.Done():
			return info, errs.Wrap(errs.Cancelled, "droplet", ctx.Err(), "readiness wait cancelled")
		}
	}
}

// Defaults carries droplet creation defaults.
type Defaults struct {
	Region  string
	Size    string
	Image   string
	SSHKeys []string
}

// LoadDefaults reads DROPLET_DEFAULT_* overrides from the project's .env and
// env.dockertree, falling back to the built-in DigitalOcean defaults (region
// nyc1, size s-1vcpu-1gb, image ubuntu-22-04-x64).
func LoadDefaults(projectRoot string) Defaults {
	d := Defaults{Region: "nyc1", Size: "s-1vcpu-1gb", Image: "ubuntu-22-04-x64"}
	merged := map[string]string{}
	for _, rel := range []string{".env", filepath.Join(config.ConfigDirName, config.EnvFileName)} {
		if f, err := config.ParseEnvFile(filepath.Join(projectRoot, rel)); err == nil {
			for k, v := range f.Map() {
				merged[k] = v
			}
		}
	}
	if v := merged["DROPLET_DEFAULT_REGION"]; v != "" {
		d.Region = v
	}
	if v := merged["DROPLET_DEFAULT_SIZE"]; v != "" {
		d.Size = v
	}
	if v := merged["DROPLET_DEFAULT_IMAGE"]; v != "" {
		d.Image = v
	}
	if v := merged["DROPLET_DEFAULT_SSH_KEYS"]; v != "" {
		for _, k := range strings.Split(v, ",") {
			if k = strings.TrimSpace(k); k != "" {
				d.SSHKeys = append(d.SSHKeys, k)
			}
		}
	}
	return d
}
