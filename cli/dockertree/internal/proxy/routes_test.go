package proxy

import (
	"reflect"
	"testing"

	"github.com/catalpainternational/dockertree/cli/dockertree/internal/runtime"
)

func TestIsDomain(t *testing.T) {
	cases := map[string]bool{
		"myapp.example.com":    true,
		"example.com":          true,
		"myapp-main.localhost": true,
		"localhost":            false,
		"localhost:8080":       false,
		"127.0.0.1":            false,
		"203.0.113.9":          false,
		"bare":                 false,
		".example.com":         false,
	}
	for host, want := range cases {
		if got := IsDomain(host); got != want {
			t.Fatalf("IsDomain(%q) = %v, want %v", host, got, want)
		}
	}
}

func TestDiscoverRoutes(t *testing.T) {
	containers := []runtime.ContainerInfo{
		{Name: "myapp-zeta-web", Labels: map[string]string{
			LabelProxy:        "myapp-zeta.localhost",
			LabelReverseProxy: "myapp-zeta-web:8000",
		}},
		{Name: "myapp-alpha-web", Labels: map[string]string{
			LabelProxy:       "myapp-alpha.localhost",
			LabelHealthCheck: "/healthz",
		}},
		{Name: "unlabeled", Labels: map[string]string{"role": "db"}},
	}
	routes := DiscoverRoutes(containers)
	want := []Route{
		{Host: "myapp-alpha.localhost", Upstream: "myapp-alpha-web:8000", HealthCheck: "/healthz"},
		{Host: "myapp-zeta.localhost", Upstream: "myapp-zeta-web:8000"},
	}
	if !reflect.DeepEqual(routes, want) {
		t.Fatalf("DiscoverRoutes = %+v, want %+v", routes, want)
	}
}

func TestRenderConfigLocalOnly(t *testing.T) {
	routes := []Route{{Host: "myapp-main.localhost", Upstream: "myapp-main-web:8000"}}
	// The .localhost suffix still counts as a domain, so TLS listen opens.
	cfg := RenderConfig(routes, "ops@example.com", nil)
	srv := cfg["apps"].(map[string]any)["http"].(map[string]any)["servers"].(map[string]any)["srv0"].(map[string]any)
	listen := srv["listen"].([]string)
	if len(listen) != 2 || listen[0] != ":80" {
		t.Fatalf("listen = %v", listen)
	}
	routeList := srv["routes"].([]any)
	// One route per host plus the wildcard fallback, fallback last.
	if len(routeList) != 2 {
		t.Fatalf("routes = %d, want 2", len(routeList))
	}
	last := routeList[len(routeList)-1].(map[string]any)
	match := last["match"].([]any)[0].(map[string]any)["host"].([]any)
	if match[0] != "*" {
		t.Fatalf("wildcard fallback not last: %v", match)
	}
}

func TestRenderConfigTLSPolicies(t *testing.T) {
	routes := []Route{
		{Host: "prod.example.com", Upstream: "web:8000"},
		{Host: "stage.example.com", Upstream: "web:8000"},
		{Host: "203.0.113.9", Upstream: "web:8000"},
	}
	cfg := RenderConfig(routes, "ops@example.com", map[string]bool{"stage.example.com": true})
	tls := cfg["apps"].(map[string]any)["tls"].(map[string]any)
	policies := tls["automation"].(map[string]any)["policies"].([]any)
	if len(policies) != 2 {
		t.Fatalf("policies = %d, want production + staging", len(policies))
	}
	prod := policies[0].(map[string]any)
	if subjects := prod["subjects"].([]any); len(subjects) != 1 || subjects[0] != "prod.example.com" {
		t.Fatalf("production subjects = %v", subjects)
	}
	staging := policies[1].(map[string]any)
	issuer := staging["issuers"].([]any)[0].(map[string]any)
	if issuer["ca"] != LetsEncryptStaging {
		t.Fatalf("staging issuer = %v", issuer)
	}
}

func TestRenderConfigHealthCheck(t *testing.T) {
	routes := []Route{{Host: "a.localhost", Upstream: "a-web:8000", HealthCheck: "/healthz"}}
	cfg := RenderConfig(routes, "", nil)
	srv := cfg["apps"].(map[string]any)["http"].(map[string]any)["servers"].(map[string]any)["srv0"].(map[string]any)
	handler := srv["routes"].([]any)[0].(map[string]any)["handle"].([]any)[0].(map[string]any)
	hc := handler["health_checks"].(map[string]any)["active"].(map[string]any)
	if hc["path"] != "/healthz" {
		t.Fatalf("health check = %v", hc)
	}
}
