package proxy

import (
	"regexp"
	"sort"
	"strings"

	"github.com/catalpainternational/dockertree/cli/dockertree/internal/runtime"
)

// Label keys the watcher selects containers by.
const (
	LabelProxy        = "caddy.proxy"
	LabelReverseProxy = "caddy.proxy.reverse_proxy"
	LabelHealthCheck  = "caddy.proxy.health_check"
)

// LetsEncryptStaging is the issuer endpoint used after rate-limit responses.
const LetsEncryptStaging = "https://acme-staging-v02.api.letsencrypt.org/directory"

var ipPattern = regexp.MustCompile(`^\d+\.\d+\.\d+\.\d+$`)

// IsDomain reports whether host is a routable domain rather than an IP
// literal or localhost name. Only domains get automatic TLS.
func IsDomain(host string) bool {
	if strings.HasPrefix(host, "localhost") || strings.HasPrefix(host, "127.0.0.1") {
		return false
	}
	if ipPattern.MatchString(host) {
		return false
	}
	return strings.Contains(host, ".") && !strings.HasPrefix(host, ".")
}

// Route is one discovered host → upstream mapping.
type Route struct {
	Host        string
	Upstream    string
	HealthCheck string
}

// DiscoverRoutes selects labeled containers and derives their routes,
// sorted by host for deterministic configuration.
func DiscoverRoutes(containers []runtime.ContainerInfo) []Route {
	var routes []Route
	for _, c := range containers {
		host, ok := c.Labels[LabelProxy]
		if !ok || host == "" {
			continue
		}
		upstream := c.Labels[LabelReverseProxy]
		if upstream == "" {
			upstream = c.Name + ":8000"
		}
		routes = append(routes, Route{
			Host:        host,
			Upstream:    upstream,
			HealthCheck: c.Labels[LabelHealthCheck],
		})
	}
	sort.Slice(routes, func(i, j int) bool { return routes[i].Host < routes[j].Host })
	return routes
}

// RenderConfig builds the full Caddy JSON configuration for the discovered
// routes. Hosts in stagingHosts get the staging ACME issuer instead of the
// production endpoint. IP hosts never appear in TLS policies.
func RenderConfig(routes []Route, email string, stagingHosts map[string]bool) map[string]any {
	var domains, staging []string
	for _, r := range routes {
		if !IsDomain(r.Host) {
			continue
		}
		if stagingHosts[r.Host] {
			staging = append(staging, r.Host)
		} else {
			domains = append(domains, r.Host)
		}
	}

	listen := []string{":80"}
	if len(domains)+len(staging) > 0 {
		listen = append(listen, ":443")
	}

	var routeList []any
	for _, r := range routes {
		handler := map[string]any{
			"handler":   "reverse_proxy",
			"upstreams": []any{map[string]any{"dial": r.Upstream}},
		}
		if r.HealthCheck != "" {
			handler["health_checks"] = map[string]any{
				"active": map[string]any{
					"path":     r.HealthCheck,
					"headers":  map[string]any{"Host": []any{r.Host}},
					"timeout":  "30s",
					"interval": "10s",
				},
			}
		}
		routeList = append(routeList, map[string]any{
			"match":  []any{map[string]any{"host": []any{r.Host}}},
			"handle": []any{handler},
		})
	}
	// Wildcard fallback must stay last for match precedence.
	routeList = append(routeList, map[string]any{
		"match": []any{map[string]any{"host": []any{"*"}}},
		"handle": []any{map[string]any{
			"handler":     "static_response",
			"body":        "Dockertree proxy ready - no worktree matches this domain",
			"status_code": 200,
		}},
	})

	cfg := map[string]any{
		"admin": map[string]any{
			"listen":         "0.0.0.0:2019",
			"enforce_origin": false,
			"origins":        []any{"//0.0.0.0:2019"},
		},
		"apps": map[string]any{
			"http": map[string]any{
				"servers": map[string]any{
					"srv0": map[string]any{
						"listen": listen,
						"routes": routeList,
					},
				},
			},
		},
	}

	var policies []any
	if len(domains) > 0 {
		policies = append(policies, map[string]any{
			"subjects": toAny(domains),
			"issuers":  []any{map[string]any{"module": "acme", "email": email}},
		})
	}
	if len(staging) > 0 {
		policies = append(policies, map[string]any{
			"subjects": toAny(staging),
			"issuers": []any{map[string]any{
				"module": "acme",
				"email":  email,
				"ca":     LetsEncryptStaging,
			}},
		})
	}
	if len(policies) > 0 {
		cfg["apps"].(map[string]any)["tls"] = map[string]any{
			"automation": map[string]any{"policies": policies},
		}
	}
	return cfg
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
