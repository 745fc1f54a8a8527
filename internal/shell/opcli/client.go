// Package opcli drives the 1Password `op` CLI. Secret values pass through
// process memory only - they are never logged or written to disk.
package opcli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/fleetlab/komodoctl/internal/core/secrets"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrOPNotFound is returned when the op binary is not on PATH.
	ErrOPNotFound = errors.New("op CLI not found on PATH")

	// ErrNotAuthenticated is returned when op rejects the service account token.
	ErrNotAuthenticated = errors.New("op is not authenticated (set OP_SERVICE_ACCOUNT_TOKEN)")

	// ErrFieldNotFound is returned when an item exists but lacks the field.
	ErrFieldNotFound = errors.New("field not found on 1Password item")
)

// TokenEnv is the environment variable op reads its service account token from.
const TokenEnv = "OP_SERVICE_ACCOUNT_TOKEN"

// OpError wraps an op invocation failure with the command that ran and the
// CLI's stderr, which carries the actionable message.
type OpError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("op %s: %s", strings.Join(e.Args, " "), strings.TrimSpace(e.Stderr))
}

func (e *OpError) Unwrap() error { return e.Err }

// =============================================================================
// Runner
// =============================================================================

// Runner executes an op invocation and returns stdout. Tests substitute a
// fake; production uses execRunner.
type Runner interface {
	Run(ctx context.Context, args ...string) ([]byte, error)
}

type execRunner struct {
	timeout time.Duration
}

func (r execRunner) Run(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "op", args...)
	cmd.Env = os.Environ()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, ErrOPNotFound
		}
		return nil, &OpError{Args: args, Stderr: stderr.String(), Err: err}
	}
	return stdout.Bytes(), nil
}

// =============================================================================
// Client
// =============================================================================

// Client wraps the op CLI with item caching so a deploy resolving many
// fields from one item hits the vault once.
type Client struct {
	runner Runner
	logger *slog.Logger

	mu    sync.Mutex
	items map[string]*Item // "vault/item" -> cached item
}

// Config configures the op client.
type Config struct {
	// CommandTimeout bounds a single op invocation. Default: 30 seconds.
	CommandTimeout time.Duration
}

// New creates a Client backed by the real op binary.
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = 30 * time.Second
	}
	return NewWithRunner(execRunner{timeout: cfg.CommandTimeout}, logger)
}

// NewWithRunner creates a Client with a custom runner (used by tests).
func NewWithRunner(runner Runner, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		runner: runner,
		logger: logger.With("component", "opcli"),
		items:  make(map[string]*Item),
	}
}

// CheckAuth verifies the service account token by calling `op whoami`.
func (c *Client) CheckAuth(ctx context.Context) (*Account, error) {
	if os.Getenv(TokenEnv) == "" {
		return nil, ErrNotAuthenticated
	}

	out, err := c.runner.Run(ctx, "whoami", "--format", "json")
	if err != nil {
		var opErr *OpError
		if errors.As(err, &opErr) {
			return nil, fmt.Errorf("%w: %s", ErrNotAuthenticated, strings.TrimSpace(opErr.Stderr))
		}
		return nil, err
	}

	var acct Account
	if err := json.Unmarshal(out, &acct); err != nil {
		return nil, fmt.Errorf("parse whoami output: %w", err)
	}
	return &acct, nil
}

// GetItem fetches (and caches) a full item from a vault.
func (c *Client) GetItem(ctx context.Context, vault, item string) (*Item, error) {
	key := vault + "/" + item

	c.mu.Lock()
	if cached, ok := c.items[key]; ok {
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	out, err := c.runner.Run(ctx, "item", "get", item, "--vault", vault, "--format", "json")
	if err != nil {
		return nil, err
	}

	var it Item
	if err := json.Unmarshal(out, &it); err != nil {
		return nil, fmt.Errorf("parse item %q: %w", item, err)
	}

	c.mu.Lock()
	c.items[key] = &it
	c.mu.Unlock()

	c.logger.Debug("fetched 1password item", "vault", vault, "item", item, "fields", len(it.Fields))
	return &it, nil
}

// Resolve returns the value behind a secret reference.
func (c *Client) Resolve(ctx context.Context, ref secrets.Ref) (string, error) {
	item, err := c.GetItem(ctx, ref.Vault, ref.Item)
	if err != nil {
		return "", err
	}
	value, ok := item.FieldValue(ref.Field)
	if !ok {
		return "", fmt.Errorf("%s: %w", ref, ErrFieldNotFound)
	}
	return value, nil
}

// Read resolves one reference via `op read`, bypassing the item cache. Use
// it for one-off lookups like per-stack webhook secrets, where fetching the
// whole item buys nothing.
func (c *Client) Read(ctx context.Context, ref secrets.Ref) (string, error) {
	out, err := c.runner.Run(ctx, "read", ref.String())
	if err != nil {
		return "", err
	}
	// op read appends a trailing newline.
	return strings.TrimRight(string(out), "\n"), nil
}

// ResolveAll resolves a batch of references, collecting every failure instead
// of stopping at the first. The returned map is keyed by canonical ref string.
func (c *Client) ResolveAll(ctx context.Context, refs []secrets.Ref) (map[string]string, error) {
	values := make(map[string]string, len(refs))
	var failures []string

	for _, ref := range refs {
		value, err := c.Resolve(ctx, ref)
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s (%v)", ref, err))
			continue
		}
		values[ref.String()] = value
	}

	if len(failures) > 0 {
		return nil, fmt.Errorf("unresolved secrets: %s", strings.Join(failures, "; "))
	}
	return values, nil
}
