package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// ServiceConfig holds per-service overrides from config.yml.
type ServiceConfig struct {
	ContainerNameTemplate string `yaml:"container_name_template,omitempty"`
}

// VPCConfig controls private-network deployment behavior.
type VPCConfig struct {
	AutoBindPorts         bool `yaml:"auto_bind_ports,omitempty"`
	BindToPrivateIP       bool `yaml:"bind_to_private_ip,omitempty"`
	AutoConfigureFirewall bool `yaml:"auto_configure_firewall,omitempty"`
}

// DeploymentConfig holds default push targets.
type DeploymentConfig struct {
	DefaultServer string `yaml:"default_server,omitempty"`
	DefaultDomain string `yaml:"default_domain,omitempty"`
	DefaultIP     string `yaml:"default_ip,omitempty"`
	SSHKey        string `yaml:"ssh_key,omitempty"`
}

// DNSConfig holds DNS provider settings.
type DNSConfig struct {
	Provider      string `yaml:"provider,omitempty"`
	APIToken      string `yaml:"api_token,omitempty"`
	DefaultDomain string `yaml:"default_domain,omitempty"`
}

// Project is the parsed .dockertree/config.yml.
type Project struct {
	ProjectName  string                   `yaml:"project_name"`
	WorktreeDir  string                   `yaml:"worktree_dir,omitempty"`
	CaddyNetwork string                   `yaml:"caddy_network,omitempty"`
	Services     map[string]ServiceConfig `yaml:"services,omitempty"`
	Volumes      []string                 `yaml:"volumes,omitempty"`
	Environment  map[string]string        `yaml:"environment,omitempty"`
	VPC          *VPCConfig               `yaml:"vpc,omitempty"`
	Deployment   *DeploymentConfig        `yaml:"deployment,omitempty"`
	DNS          *DNSConfig               `yaml:"dns,omitempty"`

	// ProtectedBranches extends the built-in protected set when present.
	ProtectedBranches []string `yaml:"protected_branches,omitempty"`
}

const (
	// DefaultCaddyNetwork is the external network the proxy and all
	// web-class containers join.
	DefaultCaddyNetwork = "dockertree_caddy_proxy"
	// DefaultWorktreeDir is the directory under the project root that
	// holds per-branch checkouts.
	DefaultWorktreeDir = "worktrees"

	// ConfigDirName is the per-project configuration directory.
	ConfigDirName = ".dockertree"
	// ConfigFileName is the project config file inside ConfigDirName.
	ConfigFileName = "config.yml"
	// ComposeVariantName is the derived stack description the tool owns.
	ComposeVariantName = "docker-compose.worktree.yml"
	// EnvFileName is the per-worktree generated environment file.
	EnvFileName = "env.dockertree"
)

// Read parses the config file at .dockertree/config.yml under root.
func Read(root string) (Project, error) {
	var p Project
	path := filepath.Join(root, ConfigDirName, ConfigFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return p, err
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("config: parse %s: %w", path, err)
	}
	p.applyDefaults()
	return p, nil
}

// Write persists the config file under root, creating .dockertree/ if needed.
func Write(root string, p Project) error {
	dir := filepath.Join(root, ConfigDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, ConfigFileName), data, 0o644)
}

func (p *Project) applyDefaults() {
	if p.WorktreeDir == "" {
		p.WorktreeDir = DefaultWorktreeDir
	}
	if p.CaddyNetwork == "" {
		p.CaddyNetwork = DefaultCaddyNetwork
	}
	if p.Environment == nil {
		p.Environment = map[string]string{}
	}
}

// EnvironmentSorted returns static override keys in stable order.
func (p Project) EnvironmentSorted() []string {
	keys := make([]string, 0, len(p.Environment))
	for k := range p.Environment {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
