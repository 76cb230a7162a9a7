package droplet

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/catalpainternational/dockertree/cli/dockertree/internal/errs"
)

const dropletJSON = `{
  "id": 4242,
  "name": "myapp-central",
  "status": "active",
  "region": {"slug": "fra1"},
  "size_slug": "s-2vcpu-4gb",
  "image": {"slug": "ubuntu-22-04-x64"},
  "tags": ["dockertree"],
  "vpc_uuid": "vpc-1",
  "networks": {"v4": [
    {"ip_address": "10.116.0.2", "type": "private"},
    {"ip_address": "203.0.113.9", "type": "public"}
  ]}
}`

func newTestServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClientAt("tok", srv.URL)
}

func TestGetParsesNetworks(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/droplets/4242" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(`{"droplet": ` + dropletJSON + `}`))
	})
	info, err := c.Get(context.Background(), 4242)
	if err != nil {
		t.Fatal(err)
	}
	if info.IP != "203.0.113.9" || info.PrivateIP != "10.116.0.2" {
		t.Fatalf("network parsing: %+v", info)
	}
	if info.Region != "fra1" || info.Size != "s-2vcpu-4gb" || info.Image != "ubuntu-22-04-x64" {
		t.Fatalf("slug parsing: %+v", info)
	}
}

func TestFindByNameAndID(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/droplets":
			w.Write([]byte(`{"droplets": [` + dropletJSON + `]}`))
		case "/droplets/4242":
			w.Write([]byte(`{"droplet": ` + dropletJSON + `}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	byName, err := c.Find(context.Background(), "MYAPP-CENTRAL")
	if err != nil {
		t.Fatal(err)
	}
	if byName.ID != 4242 {
		t.Fatalf("Find by name: %+v", byName)
	}
	byID, err := c.Find(context.Background(), "4242")
	if err != nil {
		t.Fatal(err)
	}
	if byID.Name != "myapp-central" {
		t.Fatalf("Find by id: %+v", byID)
	}
	if _, err := c.Find(context.Background(), "ghost"); !errs.IsKind(err, errs.NotFound) {
		t.Fatalf("unknown name: %v", err)
	}
}

func TestCreateResolvesSSHKeys(t *testing.T) {
	var createBody map[string]any
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/account/keys":
			w.Write([]byte(`{"ssh_keys": [{"id": 7, "name": "laptop"}, {"id": 9, "name": "ci"}]}`))
		case "/droplets":
			if err := json.NewDecoder(r.Body).Decode(&createBody); err != nil {
				t.Fatal(err)
			}
			w.Write([]byte(`{"droplet": ` + dropletJSON + `}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	_, err := c.Create(context.Background(), Spec{
		Name: "myapp-central", Region: "fra1", Size: "s-2vcpu-4gb", Image: "ubuntu-22-04-x64",
		SSHKeys: []string{"laptop", "missing"},
	})
	if err != nil {
		t.Fatal(err)
	}
	keys, ok := createBody["ssh_keys"].([]any)
	if !ok || len(keys) != 1 || keys[0] != float64(7) {
		t.Fatalf("ssh_keys = %v", createBody["ssh_keys"])
	}
}

func TestLoadDefaults(t *testing.T) {
	root := t.TempDir()
	d := LoadDefaults(root)
	want := Defaults{Region: "nyc1", Size: "s-1vcpu-1gb", Image: "ubuntu-22-04-x64"}
	if !reflect.DeepEqual(d, want) {
		t.Fatalf("empty project defaults = %+v", d)
	}

	env := "DROPLET_DEFAULT_REGION=fra1\nDROPLET_DEFAULT_SSH_KEYS=laptop, ci\n"
	if err := os.WriteFile(filepath.Join(root, ".env"), []byte(env), 0o644); err != nil {
		t.Fatal(err)
	}
	d = LoadDefaults(root)
	if d.Region != "fra1" || d.Size != "s-1vcpu-1gb" {
		t.Fatalf("overrides = %+v", d)
	}
	if !reflect.DeepEqual(d.SSHKeys, []string{"laptop", "ci"}) {
		t.Fatalf("SSHKeys = %v", d.SSHKeys)
	}
}
