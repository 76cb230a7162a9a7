package transform

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/catalpainternational/dockertree/cli/dockertree/internal/config"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/errs"
)

// ServiceClass groups services by their role for port and label handling.
type ServiceClass int

const (
	ClassOther ServiceClass = iota
	ClassDB
	ClassCache
	ClassWeb
)

// WebServiceNames are the substrings that mark a service as web-class.
var WebServiceNames = []string{"web", "app", "frontend", "api"}

// DefaultWebPort is assumed when a web-class service declares no ports.
const DefaultWebPort = 8000

// Classify maps a service name to its class. Database and cache detection
// feeds the host-port variable selection; web detection feeds proxy labels.
func Classify(service string) ServiceClass {
	s := strings.ToLower(service)
	switch {
	case strings.Contains(s, "postgres"), strings.Contains(s, "db"), strings.Contains(s, "database"), strings.Contains(s, "mysql"), strings.Contains(s, "mariadb"):
		return ClassDB
	case strings.Contains(s, "redis"), strings.Contains(s, "cache"), strings.Contains(s, "memcache"):
		return ClassCache
	default:
		for _, w := range WebServiceNames {
			if strings.Contains(s, w) {
				return ClassWeb
			}
		}
		return ClassOther
	}
}

func hostPortVar(class ServiceClass) string {
	switch class {
	case ClassDB:
		return "DOCKERTREE_DB_HOST_PORT"
	case ClassCache:
		return "DOCKERTREE_REDIS_HOST_PORT"
	case ClassWeb:
		return "DOCKERTREE_WEB_HOST_PORT"
	default:
		return ""
	}
}

// Options tune a transformation run.
type Options struct {
	// CaddyNetwork is the external proxy network name.
	CaddyNetwork string
	// DeclaredVolumes is the config.yml volume list; used to warn about
	// stack-file volumes missing from it.
	DeclaredVolumes []string
}

// Transform rewrites a stack description into the per-worktree variant. The
// input bytes are the project's own compose file; the output is the sibling
// the tool owns. Applying Transform to its own output is a no-op up to key
// ordering.
func Transform(src []byte, opts Options) ([]byte, error) {
	if opts.CaddyNetwork == "" {
		opts.CaddyNetwork = config.DefaultCaddyNetwork
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(src, &doc); err != nil {
		return nil, errs.Wrap(errs.Transform, "transform", err, "parse stack file")
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, errs.New(errs.Transform, "transform", "stack file is empty")
	}
	root := doc.Content[0]
	services := mapGet(root, "services")
	if services == nil || services.Kind != yaml.MappingNode {
		return nil, errs.New(errs.Transform, "transform", "stack file has no services mapping")
	}

	for i := 0; i+1 < len(services.Content); i += 2 {
		name := services.Content[i].Value
		svc := services.Content[i+1]
		if svc.Kind != yaml.MappingNode {
			continue
		}
		class := Classify(name)
		rewriteContainerName(svc, name)
		webPort := neutralizePorts(svc, class)
		if class == ClassWeb {
			if webPort == 0 {
				webPort = DefaultWebPort
			}
			addProxyLabels(svc, name, webPort)
			attachProxyNetwork(svc, opts.CaddyNetwork)
		}
		rewriteBuildMode(svc)
	}

	rewriteVolumes(root, opts.DeclaredVolumes)
	declareProxyNetwork(root, opts.CaddyNetwork)

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(root); err != nil {
		return nil, errs.Wrap(errs.Transform, "transform", err, "serialize variant")
	}
	if err := enc.Close(); err != nil {
		return nil, errs.Wrap(errs.Transform, "transform", err, "serialize variant")
	}
	return buf.Bytes(), nil
}

// TopLevelVolumes lists the names declared in a stack file's volumes block.
func TopLevelVolumes(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.Transform, "transform", err, "read %s", path)
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errs.Wrap(errs.Transform, "transform", err, "parse stack file")
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, nil
	}
	volumes := mapGet(doc.Content[0], "volumes")
	if volumes == nil || volumes.Kind != yaml.MappingNode {
		return nil, nil
	}
	var names []string
	for i := 0; i+1 < len(volumes.Content); i += 2 {
		names = append(names, volumes.Content[i].Value)
	}
	return names, nil
}

// TransformFile reads srcPath and writes the variant to dstPath.
func TransformFile(srcPath, dstPath string, opts Options) error {
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return errs.Wrap(errs.Transform, "transform", err, "read %s", srcPath)
	}
	out, err := Transform(data, opts)
	if err != nil {
		return err
	}
	return os.WriteFile(dstPath, out, 0o644)
}

// rewriteContainerName replaces an explicit container_name with the stack
// template. Services without one keep the compose default, which already
// embeds the project name.
func rewriteContainerName(svc *yaml.Node, service string) {
	if mapGet(svc, "container_name") == nil {
		return
	}
	mapSet(svc, "container_name", scalar("${COMPOSE_PROJECT_NAME}-"+service))
}

// portEntry is one parsed ports: element.
type portEntry struct {
	hostIP    string
	hostPort  string
	container string
	protocol  string
}

// parsePortScalar splits "ip:host:container/proto" shapes.
func parsePortScalar(v string) portEntry {
	var e portEntry
	if i := strings.Index(v, "/"); i >= 0 {
		e.protocol = v[i+1:]
		v = v[:i]
	}
	parts := strings.Split(v, ":")
	switch len(parts) {
	case 1:
		e.container = parts[0]
	case 2:
		e.hostPort, e.container = parts[0], parts[1]
	default:
		e.hostIP = strings.Join(parts[:len(parts)-2], ":")
		e.hostPort = parts[len(parts)-2]
		e.container = parts[len(parts)-1]
	}
	return e
}

func parsePortNode(n *yaml.Node) (portEntry, bool) {
	switch n.Kind {
	case yaml.ScalarNode:
		return parsePortScalar(n.Value), true
	case yaml.MappingNode:
		var e portEntry
		if t := mapGet(n, "target"); t != nil {
			e.container = t.Value
		}
		if p := mapGet(n, "published"); p != nil {
			e.hostPort = p.Value
		}
		if p := mapGet(n, "protocol"); p != nil {
			e.protocol = p.Value
		}
		if h := mapGet(n, "host_ip"); h != nil {
			e.hostIP = h.Value
		}
		if e.container == "" {
			return e, false
		}
		return e, true
	default:
		return portEntry{}, false
	}
}

// neutralizePorts converts published host ports into expose entries, keeping
// a single variable-controlled mapping for db, cache, and web services. It
// returns the primary container port for label generation.
func neutralizePorts(svc *yaml.Node, class ServiceClass) int {
	ports := mapGet(svc, "ports")
	primary := exposedPort(svc)
	if ports == nil || ports.Kind != yaml.SequenceNode || len(ports.Content) == 0 {
		return primary
	}

	expose := mapGet(svc, "expose")
	if expose == nil || expose.Kind != yaml.SequenceNode {
		expose = sequence()
	}

	varName := hostPortVar(class)
	var kept []*yaml.Node
	for _, pn := range ports.Content {
		entry, ok := parsePortNode(pn)
		if !ok || entry.container == "" {
			continue
		}
		if primary == 0 {
			fmt.Sscanf(entry.container, "%d", &primary)
		}
		if !seqContains(expose, entry.container) {
			expose.Content = append(expose.Content, scalar(entry.container))
		}
		if varName != "" && len(kept) == 0 {
			spec := "${" + varName + ":-0}:" + entry.container
			if entry.protocol != "" && entry.protocol != "tcp" {
				spec += "/" + entry.protocol
			}
			kept = append(kept, scalar(spec))
		}
	}

	mapSet(svc, "expose", expose)
	if len(kept) > 0 {
		mapSet(svc, "ports", sequence(kept...))
	} else {
		mapDelete(svc, "ports")
	}
	return primary
}

// exposedPort returns the first expose entry as an int, for services that
// already publish nothing.
func exposedPort(svc *yaml.Node) int {
	expose := mapGet(svc, "expose")
	if expose == nil || expose.Kind != yaml.SequenceNode || len(expose.Content) == 0 {
		return 0
	}
	var p int
	fmt.Sscanf(expose.Content[0].Value, "%d", &p)
	return p
}

// addProxyLabels attaches the discovery labels the proxy watcher keys on.
func addProxyLabels(svc *yaml.Node, service string, port int) {
	labels := mapGet(svc, "labels")
	if labels == nil || labels.Kind != yaml.MappingNode {
		// Sequence-form labels are rewritten to mapping form.
		var preserved [][2]string
		if labels != nil && labels.Kind == yaml.SequenceNode {
			for _, item := range labels.Content {
				if k, v, ok := strings.Cut(item.Value, "="); ok {
					preserved = append(preserved, [2]string{k, v})
				}
			}
		}
		labels = mapping()
		for _, kv := range preserved {
			mapSet(labels, kv[0], scalar(kv[1]))
		}
		mapSet(svc, "labels", labels)
	}
	mapSet(labels, "caddy.proxy", scalar("${COMPOSE_PROJECT_NAME}.localhost"))
	mapSet(labels, "caddy.proxy.reverse_proxy",
		scalar(fmt.Sprintf("${COMPOSE_PROJECT_NAME}-%s:%d", service, port)))
}

// attachProxyNetwork joins the service to default plus the external proxy
// network. Database and cache services are left on internal networks.
func attachProxyNetwork(svc *yaml.Node, network string) {
	networks := mapGet(svc, "networks")
	if networks != nil && networks.Kind == yaml.MappingNode {
		if mapGet(networks, network) == nil {
			mapSet(networks, network, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null", Value: "null"})
		}
		return
	}
	if networks == nil || networks.Kind != yaml.SequenceNode {
		networks = sequence(scalar("default"))
	}
	if !seqContains(networks, network) {
		networks.Content = append(networks.Content, scalar(network))
	}
	mapSet(svc, "networks", networks)
}

// rewriteBuildMode points multi-stage builds at the BUILD_MODE variable.
func rewriteBuildMode(svc *yaml.Node) {
	build := mapGet(svc, "build")
	if build == nil || build.Kind != yaml.MappingNode {
		return
	}
	if mapGet(build, "target") == nil {
		return
	}
	mapSet(build, "target", scalar("${BUILD_MODE:-dev}"))
}

// rewriteVolumes gives every project-level volume declaration a stack-scoped
// name, dropping any source-provided override.
func rewriteVolumes(root *yaml.Node, declared []string) {
	volumes := mapGet(root, "volumes")
	if volumes == nil || volumes.Kind != yaml.MappingNode {
		return
	}
	declaredSet := map[string]bool{}
	for _, v := range declared {
		declaredSet[v] = true
	}
	for i := 0; i+1 < len(volumes.Content); i += 2 {
		name := volumes.Content[i].Value
		val := volumes.Content[i+1]
		if val.Kind != yaml.MappingNode {
			val = mapping()
			volumes.Content[i+1] = val
		}
		mapSet(val, "name", scalar("${COMPOSE_PROJECT_NAME}_"+name))
		if len(declared) > 0 && !declaredSet[name] {
			log.Warnf("volume %q is declared in the stack file but not in config.yml volumes", name)
		}
	}
}

// declareProxyNetwork adds the external network declaration at the top level.
func declareProxyNetwork(root *yaml.Node, network string) {
	networks := mapGet(root, "networks")
	if networks == nil || networks.Kind != yaml.MappingNode {
		networks = mapping()
		mapSet(root, "networks", networks)
	}
	if mapGet(networks, network) != nil {
		return
	}
	decl := mapping()
	mapSet(decl, "external", &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!bool", Value: "true"})
	mapSet(networks, network, decl)
}
