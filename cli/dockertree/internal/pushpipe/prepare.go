package pushpipe

import (
	"context"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/catalpainternational/dockertree/cli/dockertree/internal/errs"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/sshx"
)

// prepScript installs the runtime stack on a fresh host: curl, git, the
// container engine with its compose plugin, the dockertree binary, and
// firewall rules for SSH/HTTP/HTTPS.
const prepScript = `#!/usr/bin/env bash
set -euo pipefail

export DEBIAN_FRONTEND=noninteractive

echo "== updating package index =="
apt-get update -qq

echo "== installing base tools =="
apt-get install -y -qq curl git ca-certificates ufw

if ! command -v docker >/dev/null 2>&1; then
  echo "== installing container engine =="
  curl -fsSL https://get.docker.com | sh
fi
systemctl enable --now docker

if ! command -v dockertree >/dev/null 2>&1; then
  echo "== installing dockertree =="
  curl -fsSL https://github.com/catalpainternational/dockertree/releases/latest/download/dockertree-linux-amd64 \
    -o /usr/local/bin/dockertree
  chmod +x /usr/local/bin/dockertree
fi

echo "== configuring firewall =="
ufw allow OpenSSH >/dev/null
ufw allow 80/tcp >/dev/null
ufw allow 443/tcp >/dev/null
ufw --force enable >/dev/null

echo "== server preparation complete =="
`

// PrepareServer installs dockertree and its runtime dependencies on the
// target host. Idempotent: already-installed components are skipped.
func PrepareServer(ctx context.Context, client *sshx.Client) error {
	log.Infof("preparing server %s (engine, dockertree, firewall)", client.Host)
	cmd := "cat > /tmp/dtprep.sh <<'DTPREP_EOF'\n" + prepScript + "DTPREP_EOF\n" +
		"chmod +x /tmp/dtprep.sh && bash /tmp/dtprep.sh && rm -f /tmp/dtprep.sh"
	if err := client.RunStream(ctx, cmd); err != nil {
		return errs.Wrap(errs.Runtime, "prepare", err, "server preparation failed on %s", client.Host)
	}
	log.Info("server preparation complete")
	return nil
}

// VerifyInstalled checks the remote has a usable dockertree binary.
func VerifyInstalled(ctx context.Context, client *sshx.Client) bool {
	out, err := client.Run(ctx, "command -v dockertree || echo NOT_FOUND")
	if err != nil {
		return false
	}
	out = strings.TrimSpace(out)
	return out != "" && !strings.Contains(out, "NOT_FOUND")
}
