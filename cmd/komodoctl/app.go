package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/fleetlab/komodoctl/internal/core/inventory"
	"github.com/fleetlab/komodoctl/internal/core/secrets"
	"github.com/fleetlab/komodoctl/internal/shell/fleet"
	"github.com/fleetlab/komodoctl/internal/shell/komodo"
	"github.com/fleetlab/komodoctl/internal/shell/opcli"
	"github.com/fleetlab/komodoctl/internal/shell/sshexec"
	"github.com/fleetlab/komodoctl/internal/shell/store"
)

// =============================================================================
// Application Context
// =============================================================================

// appContext wires the command implementations to their collaborators.
// Everything expensive (inventory, SSH key material, journal, op client) is
// built lazily so cheap commands like `version` stay cheap.
type appContext struct {
	cli    *CLI
	config *Config
	logger *slog.Logger
	stdout io.Writer

	mu      sync.Mutex
	fleet   *inventory.Fleet
	op      *opcli.Client
	dialer  *sshexec.Dialer
	journal store.Store
	jopen   bool // journal open was attempted
}

// newApp loads config and sets up logging. Inventory and clients are built
// on first use.
func newApp(cli *CLI) (*appContext, error) {
	cfg, err := LoadConfig(cli.Config)
	if err != nil {
		return nil, err
	}

	// Legacy inventory path override, kept for operators migrating from the
	// shell tooling.
	if cli.Inventory == "inventory.yaml" {
		if legacy := os.Getenv("INVENTORY"); legacy != "" {
			cli.Inventory = legacy
		}
	}

	return &appContext{
		cli:    cli,
		config: cfg,
		logger: SetupLogger(cfg, cli.Verbose),
		stdout: os.Stdout,
	}, nil
}

// Close releases the journal if one was opened.
func (a *appContext) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.journal != nil {
		_ = a.journal.Close()
	}
}

// =============================================================================
// Inventory
// =============================================================================

// Fleet loads and validates the inventory once per invocation. Validation
// failures are usage errors: the operator has to fix the file.
func (a *appContext) Fleet() (*inventory.Fleet, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fleet != nil {
		return a.fleet, nil
	}

	f, err := inventory.Load(a.cli.Inventory)
	if err != nil {
		return nil, usageError(fmt.Errorf("inventory %s: %w", a.cli.Inventory, err))
	}
	if errs := inventory.Validate(f); len(errs) > 0 {
		for _, e := range errs {
			a.logger.Error("inventory invalid", "error", e)
		}
		return nil, usageError(fmt.Errorf("inventory %s: %d validation error(s)", a.cli.Inventory, len(errs)))
	}

	a.fleet = f
	return f, nil
}

// SelectHosts applies the -l limit to the loaded inventory.
func (a *appContext) SelectHosts() ([]*inventory.Host, error) {
	f, err := a.Fleet()
	if err != nil {
		return nil, err
	}
	hosts, err := inventory.Select(f, a.cli.Limit)
	if err != nil {
		return nil, usageError(err)
	}
	return hosts, nil
}

// =============================================================================
// Clients
// =============================================================================

// Op returns the shared 1Password CLI client.
func (a *appContext) Op() *opcli.Client {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.op == nil {
		a.op = opcli.New(opcli.Config{CommandTimeout: a.config.Op.CommandTimeout}, a.logger)
	}
	return a.op
}

// Dialer returns the shared SSH dialer, loading key material on first use.
func (a *appContext) Dialer() (*sshexec.Dialer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.dialer != nil {
		return a.dialer, nil
	}

	d, err := sshexec.NewDialer(sshexec.Config{
		KeyPath:        a.config.SSH.KeyPath,
		KnownHostsPath: a.config.SSH.KnownHostsPath,
		ConnectTimeout: a.config.SSH.ConnectTimeout,
		CommandTimeout: a.config.SSH.CommandTimeout,
	})
	if err != nil {
		return nil, err
	}
	a.dialer = d
	return d, nil
}

// Journal opens the run journal once. A journal that cannot be opened is
// logged and disabled; it never fails a command.
func (a *appContext) Journal() store.Store {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.jopen {
		return a.journal
	}
	a.jopen = true

	if !a.config.Journal.Enabled {
		return nil
	}
	s, err := store.NewSQLiteStore(a.config.Journal.DSN)
	if err != nil {
		a.logger.Warn("journal unavailable, continuing without it",
			"dsn", a.config.Journal.DSN, "error", err)
		return nil
	}
	a.journal = s
	return s
}

// Orchestrator builds a fleet orchestrator over SSH agent managers.
func (a *appContext) Orchestrator() (*fleet.Orchestrator, error) {
	dialer, err := a.Dialer()
	if err != nil {
		return nil, err
	}
	cfg := fleet.Config{
		MaxConcurrent: a.config.Fleet.MaxConcurrent,
		HostTimeout:   a.config.Fleet.HostTimeout,
	}
	return fleet.New(fleet.SSHManagerFactory(dialer, a.logger), a.Journal(), cfg, a.logger), nil
}

// CoreHealthClient builds an unauthenticated Core client. /health needs no
// credentials, so health checks work before API keys are provisioned.
func (a *appContext) CoreHealthClient() (*komodo.Client, error) {
	f, err := a.Fleet()
	if err != nil {
		return nil, err
	}
	cfg := komodo.DefaultConfig()
	cfg.BaseURL = f.Core.APIURL
	return komodo.NewClient(cfg), nil
}

// CoreClient builds a Core API client for the inventory's core endpoint.
// Credentials come from config (or KOMODOCTL_CORE_API_KEY/SECRET), falling
// back to the inventory's api_key / api_secret 1Password fields.
func (a *appContext) CoreClient(ctx context.Context) (*komodo.Client, error) {
	f, err := a.Fleet()
	if err != nil {
		return nil, err
	}

	key, secret := a.config.Core.APIKey, a.config.Core.APISecret
	if key == "" {
		if key, err = a.ResolveField(ctx, f, "api_key"); err != nil {
			return nil, fmt.Errorf("core api key: %w", err)
		}
	}
	if secret == "" {
		if secret, err = a.ResolveField(ctx, f, "api_secret"); err != nil {
			return nil, fmt.Errorf("core api secret: %w", err)
		}
	}

	cfg := komodo.DefaultConfig()
	cfg.BaseURL = f.Core.APIURL
	cfg.APIKey = key
	cfg.APISecret = secret
	return komodo.NewClient(cfg), nil
}

// =============================================================================
// Secrets
// =============================================================================

// ResolveField resolves a logical inventory secret field (e.g. "passkey")
// through the fields map to its 1Password value.
func (a *appContext) ResolveField(ctx context.Context, f *inventory.Fleet, name string) (string, error) {
	label, ok := f.Secrets.Fields[name]
	if !ok {
		return "", fmt.Errorf("secret field %q is not declared in the inventory", name)
	}
	ref, err := secrets.Expand(f.Secrets.Vault, f.Secrets.CoreItem, label)
	if err != nil {
		return "", fmt.Errorf("secret field %q: %w", name, err)
	}
	return a.Op().Resolve(ctx, ref)
}

/// FieldRef returns the full op:// reference for a logical field without
// resolving it. Used where only the reference should appear (info output,
// relay default secret).
func (a *appContext) FieldRef(f *inventory.Fleet, name string) (secrets.Ref, bool) {
	label, ok := f.Secrets.Fields[name]
	if !ok {
		return secrets.Ref{}, false
	}
	ref, err := secrets.Expand(f.Secrets.Vault, f.Secrets.CoreItem, label)
	if err != nil {
		return secrets.Ref{}, false
	}
	return ref, true
}

// =============================================================================
// Run Journaling
// =============================================================================

// journalRun records a CLI operation that does not go through the fleet
// orchestrator (core deploys, bootstrap). Advisory like all journal writes.
func (a *appContext) journalRun(ctx context.Context, command string, fn func() error) error {
	j := a.Journal()
	if j == nil {
		return fn()
	}

	runID := uuid.NewString()
	if err := j.CreateRun(ctx, &store.Run{
		ID:        runID,
		Command:   command,
		HostLimit: a.cli.Limit,
		Tags:      a.cli.Tags,
	}); err != nil {
		a.logger.Warn("journal write failed", "run_id", runID, "error", err)
	}

	err := fn()

	outcome, errMsg := store.OutcomeSucceeded, ""
	if err != nil {
		outcome, errMsg = store.OutcomeFailed, err.Error()
	}
	if jerr := j.FinishRun(ctx, runID, outcome, errMsg); jerr != nil {
		a.logger.Warn("journal write failed", "run_id", runID, "error", jerr)
	}
	return err
}
