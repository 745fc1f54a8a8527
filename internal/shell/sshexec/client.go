// Package sshexec provides the SSH transport used to manage fleet hosts.
// Commands run through a single cached connection per host that is lazily
// established and re-dialled when the keepalive fails.
package sshexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/fleetlab/komodoctl/internal/core/inventory"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrKeyNotFound is returned when the configured private key is missing.
	ErrKeyNotFound = errors.New("ssh private key not found")

	// ErrCommandTimeout is returned when a remote command exceeds its deadline.
	ErrCommandTimeout = errors.New("remote command timed out")
)

// ExitError carries the remote command, its exit status and captured stderr.
type ExitError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("remote command %q exited %d: %s", e.Command, e.ExitCode, e.Stderr)
}

// =============================================================================
// Config
// =============================================================================

// Config configures SSH clients for the whole fleet.
type Config struct {
	// KeyPath is the private key used for every host.
	KeyPath string
	// KnownHostsPath enables strict host key checking when set.
	KnownHostsPath string
	// ConnectTimeout bounds the TCP+handshake dial. Default: 10s.
	ConnectTimeout time.Duration
	// CommandTimeout bounds a single remote command. Default: 60s.
	CommandTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = 60 * time.Second
	}
	return c
}

// =============================================================================
// Dialer
// =============================================================================

// Dialer builds per-host clients from shared key material.
type Dialer struct {
	signer      ssh.Signer
	hostKeyFunc ssh.HostKeyCallback
	config      Config
}

// NewDialer loads the private key (and known_hosts, when configured) once
// for the whole run.
func NewDialer(cfg Config) (*Dialer, error) {
	cfg = cfg.withDefaults()

	keyData, err := os.ReadFile(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, cfg.KeyPath)
	}
	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("parse SSH private key: %w", err)
	}

	hostKeyFunc := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsPath != "" {
		hostKeyFunc, err = knownhosts.New(cfg.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("load known_hosts: %w", err)
		}
	}

	return &Dialer{signer: signer, hostKeyFunc: hostKeyFunc, config: cfg}, nil
}

// Client returns a lazy client for the host; no connection is made yet.
func (d *Dialer) Client(host *inventory.Host) *Client {
	return &Client{
		host:        host,
		signer:      d.signer,
		hostKeyFunc: d.hostKeyFunc,
		config:      d.config,
	}
}

// =============================================================================
// Client
// =============================================================================

// Client executes commands on one host over a cached SSH connection.
type Client struct {
	host        *inventory.Host
	signer      ssh.Signer
	hostKeyFunc ssh.HostKeyCallback
	config      Config

	mu        sync.Mutex // protects sshClient
	sshClient *ssh.Client
}

// Host returns the inventory host this client targets.
func (c *Client) Host() *inventory.Host { return c.host }

// connect establishes the SSH connection if not already connected.
func (c *Client) connect(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sshClient != nil {
		_, _, err := c.sshClient.SendRequest("keepalive@komodoctl", true, nil)
		if err == nil {
			return nil
		}
		c.sshClient.Close()
		c.sshClient = nil
	}

	config := &ssh.ClientConfig{
		User:            c.host.SSHUser,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(c.signer)},
		HostKeyCallback: c.hostKeyFunc,
		Timeout:         c.config.ConnectTimeout,
	}

	addr := net.JoinHostPort(c.host.Addr, strconv.Itoa(c.host.SSHPort))
	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return fmt.Errorf("SSH dial %s: %w", addr, err)
	}

	c.sshClient = client
	return nil
}

// Close closes the SSH connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sshClient != nil {
		err := c.sshClient.Close()
		c.sshClient = nil
		return err
	}
	return nil
}

// Run executes a command and returns its stdout. A non-zero exit becomes an
// *ExitError carrying stderr.
func (c *Client) Run(ctx context.Context, command string) ([]byte, error) {
	return c.run(ctx, command, nil)
}

// RunWithInput executes a command with the given stdin. Used for the
// `cat > path` upload pattern, which avoids remote tilde-expansion pitfalls.
func (c *Client) RunWithInput(ctx context.Context, command string, input []byte) ([]byte, error) {
	return c.run(ctx, command, input)
}

func (c *Client) run(ctx context.Context, command string, input []byte) ([]byte, error) {
	if err := c.connect(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	session, err := c.sshClient.NewSession()
	c.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("create SSH session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if input != nil {
		session.Stdin = bytes.NewReader(input)
	}

	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(c.config.CommandTimeout):
		return nil, fmt.Errorf("%w after %v: %s", ErrCommandTimeout, c.config.CommandTimeout, command)
	case err := <-done:
		if err != nil {
			var exitErr *ssh.ExitError
			if errors.As(err, &exitErr) {
				return stdout.Bytes(), &ExitError{
					Command:  command,
					ExitCode: exitErr.ExitStatus(),
					Stderr:   stderr.String(),
				}
			}
			return nil, fmt.Errorf("run %q: %w", command, err)
		}
		return stdout.Bytes(), nil
	}
}

// Upload writes content to a remote path and applies the given mode.
func (c *Client) Upload(ctx context.Context, path string, content []byte, mode string) error {
	cmd := fmt.Sprintf("mkdir -p $(dirname %q) && cat > %q && chmod %s %q", path, path, mode, path)
	_, err := c.RunWithInput(ctx, cmd, content)
	if err != nil {
		return fmt.Errorf("upload %s: %w", path, err)
	}
	return nil
}
