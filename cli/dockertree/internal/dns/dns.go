// Package dns manages A records through the DigitalOcean DNS API.
package dns

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/catalpainternational/dockertree/cli/dockertree/internal/config"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/errs"
)

// BaseURL is the provider API root. Tests point it at a local server.
const BaseURL = "https://api.digitalocean.com/v2"

const requestTimeout = 30 * time.Second

// Client talks to the DNS provider.
type Client struct {
	Token   string
	BaseURL string
	HTTP    *http.Client
}

func NewClient(token string) *Client {
	return &Client{
		Token:   token,
		BaseURL: BaseURL,
		HTTP:    &http.Client{Timeout: requestTimeout},
	}
}

// Record is one DNS record as the provider reports it.
type Record struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
	Name string `json:"name"`
	Data string `json:"data"`
	TTL  int    `json:"ttl"`
}

// ParseDomain splits a full domain into its first label and the rest.
func ParseDomain(full string) (sub, root string, err error) {
	parts := strings.Split(full, ".")
	if len(parts) < 2 || parts[0] == "" || parts[len(parts)-1] == "" {
		return "", "", errs.New(errs.Validation, "dns",
			"invalid domain %q; expected subdomain.domain.tld", full)
	}
	return parts[0], strings.Join(parts[1:], "."), nil
}

// Do issues one API request and decodes the response into out when non-nil.
func (c *Client) Do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return errs.Wrap(errs.Cancelled, "dns", ctx.Err(), "request cancelled")
		}
		return errs.Wrap(errs.Network, "dns", err, "reach provider API")
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return errs.New(errs.Network, "dns", "provider authentication failed; check the API token")
	case resp.StatusCode == http.StatusNotFound:
		return errs.New(errs.NotFound, "dns", "%s not found at provider", path)
	case resp.StatusCode >= 400:
		return errs.New(errs.Network, "dns", "provider API returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return errs.Wrap(errs.Network, "dns", err, "decode provider response")
		}
	}
	return nil
}

// Records lists every record under a base domain.
func (c *Client) Records(ctx context.Context, domain string) ([]Record, error) {
	var payload struct {
		Records []Record `json:"domain_records"`
	}
	if err := c.Do(ctx, http.MethodGet, "/domains/"+domain+"/records", nil, &payload); err != nil {
		return nil, err
	}
	return payload.Records, nil
}

// Domains lists the base domains in the account.
func (c *Client) Domains(ctx context.Context) ([]string, error) {
	var payload struct {
		Domains []struct {
			Name string `json:"name"`
		} `json:"domains"`
	}
	if err := c.Do(ctx, http.MethodGet, "/domains", nil, &payload); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(payload.Domains))
	for _, d := range payload.Domains {
		names = append(names, d.Name)
	}
	return names, nil
}

// LookupA finds the A record for sub under domain.
func (c *Client) LookupA(ctx context.Context, sub, domain string) (*Record, error) {
	records, err := c.Records(ctx, domain)
	if err != nil {
		return nil, err
	}
	for i := range records {
		if records[i].Type == "A" && records[i].Name == sub {
			return &records[i], nil
		}
	}
	return nil, nil
}

// EnsureA creates or updates the A record for sub under domain so it points
// at ip. Existing records already pointing at ip are left alone.
func (c *Client) EnsureA(ctx context.Context, sub, domain, ip string) error {
	existing, err := c.LookupA(ctx, sub, domain)
	if err != nil {
		return err
	}
	if existing == nil {
		body := map[string]any{"type": "A", "name": sub, "data": ip, "ttl": 3600}
		if err := c.Do(ctx, http.MethodPost, "/domains/"+domain+"/records", body, nil); err != nil {
			return err
		}
		log.Infof("created A record %s.%s -> %s", sub, domain, ip)
		return nil
	}
	if existing.Data == ip {
		log.Infof("A record %s.%s already points at %s", sub, domain, ip)
		return nil
	}
	body := map[string]any{"data": ip, "ttl": 3600}
	path := fmt.Sprintf("/domains/%s/records/%d", domain, existing.ID)
	if err := c.Do(ctx, http.MethodPut, path, body, nil); err != nil {
		return err
	}
	log.Infof("updated A record %s.%s: %s -> %s", sub, domain, existing.Data, ip)
	return nil
}

// DeleteA removes the A record for sub under domain.
func (c *Client) DeleteA(ctx context.Context, sub, domain string) error {
	existing, err := c.LookupA(ctx, sub, domain)
	if err != nil {
		return err
	}
	if existing == nil {
		return errs.New(errs.NotFound, "dns", "no A record for %s.%s", sub, domain)
	}
	return c.Do(ctx, http.MethodDelete, fmt.Sprintf("/domains/%s/records/%d", domain, existing.ID), nil, nil)
}

// RecordRef locates an A record for cleanup by IP.
type RecordRef struct {
	Sub    string
	Domain string
	ID     int64
}

// FindByIP finds every A record pointing at ip, across domain when given or
// the whole account otherwise.
func (c *Client) FindByIP(ctx context.Context, ip, domain string) ([]RecordRef, error) {
	domains := []string{domain}
	if domain == "" {
		var err error
		domains, err = c.Domains(ctx)
		if err != nil {
			return nil, err
		}
	}
	var refs []RecordRef
	for _, d := range domains {
		records, err := c.Records(ctx, d)
		if err != nil {
			log.Warnf("skipping domain %s: %v", d, err)
			continue
		}
		for _, r := range records {
			if r.Type == "A" && r.Data == ip {
				refs = append(refs, RecordRef{Sub: r.Name, Domain: d, ID: r.ID})
			}
		}
	}
	return refs, nil
}

// TokenEnvVars are consulted in order when no explicit token is given.
var TokenEnvVars = []string{"DIGITALOCEAN_API_TOKEN", "DNS_API_TOKEN"}

// ResolveToken finds the provider API token: explicit flag, then shell
// environment, then the project's .env and env.dockertree, then the global
// store.
func ResolveToken(explicit, projectRoot string) string {
	if explicit != "" {
		return explicit
	}
	for _, key := range TokenEnvVars {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	if projectRoot != "" {
		for _, rel := range []string{".env", filepath.Join(config.ConfigDirName, config.EnvFileName)} {
			if f, err := config.ParseEnvFile(filepath.Join(projectRoot, rel)); err == nil {
				for _, key := range TokenEnvVars {
					if v := f.Lookup(key); v != "" {
						return v
					}
				}
			}
		}
	}
	if f, _, err := config.ReadGlobalStore(); err == nil {
		for _, key := range TokenEnvVars {
			if v := f.Lookup(key); v != "" {
				return v
			}
		}
	}
	return ""
}
