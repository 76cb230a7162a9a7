// Package sshx runs commands and copies files on remote hosts over SSH.
package sshx

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jpillora/backoff"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/catalpainternational/dockertree/cli/dockertree/internal/errs"
)

const (
	dialTimeout  = 10 * time.Second
	dialAttempts = 4
)

// Client holds one authenticated SSH connection.
type Client struct {
	User string
	Host string
	conn *ssh.Client
}

// authMethods collects the usable authentication methods: a running agent
// first, then the conventional private key files.
func authMethods() []ssh.AuthMethod {
	var methods []ssh.AuthMethod
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return methods
	}
	for _, name := range []string{"id_ed25519", "id_rsa", "id_ecdsa"} {
		data, err := os.ReadFile(filepath.Join(home, ".ssh", name))
		if err != nil {
			continue
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			log.Debugf("skipping unreadable key %s: %v", name, err)
			continue
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	return methods
}

// Dial connects to user@host, retrying transient failures. Fresh droplets
// often accept TCP before sshd is ready, so the retry loop absorbs the gap.
func Dial(ctx context.Context, user, host string) (*Client, error) {
	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            authMethods(),
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         dialTimeout,
	}
	if len(cfg.Auth) == 0 {
		return nil, errs.New(errs.PreconditionFailed, "ssh",
			"no SSH credentials available; start an agent or add a key under ~/.ssh")
	}
	addr := net.JoinHostPort(host, "22")
	b := &backoff.Backoff{Min: time.Second, Max: 10 * time.Second, Factor: 2, Jitter: true}
	var lastErr error
	for attempt := 0; attempt < dialAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(b.Duration()):
			case <-ctx.Done():
				return nil, errs.Wrap(errs.Cancelled, "ssh", ctx.Err(), "dial cancelled")
			}
		}
		conn, err := ssh.Dial("tcp", addr, cfg)
		if err == nil {
			return &Client{User: user, Host: host, conn: conn}, nil
		}
		lastErr = err
	}
	return nil, errs.Wrap(errs.Network, "ssh", lastErr, "connect to %s@%s", user, host)
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// Run executes a command on the remote and returns its combined output.
// A non-zero remote exit maps to a Runtime error carrying the output tail.
func (c *Client) Run(ctx context.Context, cmd string) (string, error) {
	session, err := c.conn.NewSession()
	if err != nil {
		return "", errs.Wrap(errs.Network, "ssh", err, "open session on %s", c.Host)
	}
	defer session.Close()

	var buf bytes.Buffer
	session.Stdout = &buf
	session.Stderr = &buf

	done := make(chan error, 1)
	if err := session.Start(cmd); err != nil {
		return "", errs.Wrap(errs.Network, "ssh", err, "start remote command")
	}
	go func() { done <- session.Wait() }()
	select {
	case err = <-done:
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		<-done
		return buf.String(), errs.Wrap(errs.Cancelled, "ssh", ctx.Err(), "remote command cancelled")
	}
	if err != nil {
		e := errs.Wrap(errs.Runtime, "ssh", err, "remote command failed on %s", c.Host)
		e.Details = map[string]any{"command": cmd, "output": tail(buf.String(), 2000)}
		return buf.String(), e
	}
	return buf.String(), nil
}

// RunStream executes a command with its output forwarded to the local
// terminal, for long operations the user should watch.
func (c *Client) RunStream(ctx context.Context, cmd string) error {
	session, err := c.conn.NewSession()
	if err != nil {
		return errs.Wrap(errs.Network, "ssh", err, "open session on %s", c.Host)
	}
	defer session.Close()
	session.Stdout = os.Stdout
	session.Stderr = os.Stderr

	if err := session.Start(cmd); err != nil {
		return errs.Wrap(errs.Network, "ssh", err, "start remote command")
	}
	done := make(chan error, 1)
	go func() { done <- session.Wait() }()
	select {
	case err = <-done:
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		<-done
		return errs.Wrap(errs.Cancelled, "ssh", ctx.Err(), "remote command cancelled")
	}
	if err != nil {
		return errs.Wrap(errs.Runtime, "ssh", err, "remote command failed on %s", c.Host)
	}
	return nil
}

// CopyFile transfers a local file to remotePath using the scp sink protocol.
func (c *Client) CopyFile(ctx context.Context, localPath, remotePath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}

	session, err := c.conn.NewSession()
	if err != nil {
		return errs.Wrap(errs.Network, "ssh", err, "open session on %s", c.Host)
	}
	defer session.Close()

	stdin, err := session.StdinPipe()
	if err != nil {
		return err
	}
	remoteDir := filepath.ToSlash(filepath.Dir(remotePath))
	name := filepath.Base(remotePath)

	done := make(chan error, 1)
	go func() {
		defer stdin.Close()
		if _, err := fmt.Fprintf(stdin, "C0644 %d %s\n", st.Size(), name); err != nil {
			done <- err
			return
		}
		if _, err := io.Copy(stdin, f); err != nil {
			done <- err
			return
		}
		_, err := fmt.Fprint(stdin, "\x00")
		done <- err
	}()

	log.Infof("transferring %s (%d bytes) to %s:%s", filepath.Base(localPath), st.Size(), c.Host, remotePath)
	runDone := make(chan error, 1)
	if err := session.Start("scp -t " + shellQuote(remoteDir)); err != nil {
		return errs.Wrap(errs.Network, "ssh", err, "start remote scp")
	}
	go func() { runDone <- session.Wait() }()
	select {
	case err = <-runDone:
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		<-runDone
		return errs.Wrap(errs.Cancelled, "ssh", ctx.Err(), "transfer cancelled")
	}
	if werr := <-done; werr != nil && err == nil {
		err = werr
	}
	if err != nil {
		return errs.Wrap(errs.Network, "ssh", err, "transfer %s to %s", localPath, c.Host)
	}
	return nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
