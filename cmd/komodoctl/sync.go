package main

import (
	"context"
	"fmt"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"

	"github.com/fleetlab/komodoctl/internal/core/secrets"
	"github.com/fleetlab/komodoctl/internal/shell/gitops"
	"github.com/fleetlab/komodoctl/internal/shell/relay"
	"github.com/fleetlab/komodoctl/internal/shell/store"
)

// =============================================================================
// sync
// =============================================================================

// SyncCmd triggers Komodo resource syncs. With --show-git each stack's
// remote HEAD is resolved and compared against the last synced commit from
// the journal.
type SyncCmd struct {
	Stacks  []string `arg:"" optional:"" help:"Stacks to sync (default: all)."`
	ShowGit bool     `name:"show-git" help:"Resolve remote HEADs and report drift."`
}

func (c *SyncCmd) Run(app *appContext) error {
	ctx := context.Background()

	f, err := app.Fleet()
	if err != nil {
		return err
	}

	targets := c.Stacks
	if len(targets) == 0 {
		targets = f.StackNames()
	}
	sort.Strings(targets)

	client, err := app.CoreClient(ctx)
	if err != nil {
		return err
	}
	resolver := gitops.NewResolver(0)
	journal := app.Journal()

	// Core's own sync records back up the local journal: a fresh journal
	// still reports what Core last applied.
	coreHashes := map[string]string{}
	if c.ShowGit {
		if syncs, lerr := client.ListSyncs(ctx); lerr == nil {
			for _, s := range syncs {
				coreHashes[s.Name] = s.Info.LastHash
			}
		} else {
			app.logger.Warn("failed to list resource syncs", "error", lerr)
		}
	}

	failures := 0
	tw := tabwriter.NewWriter(app.stdout, 0, 4, 2, ' ', 0)
	if c.ShowGit {
		fmt.Fprintln(tw, "STACK\tSTATUS\tHEAD\tLAST SYNCED\tDRIFT")
	} else {
		fmt.Fprintln(tw, "STACK\tSTATUS")
	}

	for _, name := range targets {
		st, ok := f.Stacks[name]
		if !ok {
			failures++
			fmt.Fprintf(tw, "%s\tunknown stack\n", name)
			continue
		}

		head := ""
		if c.ShowGit {
			head, err = resolver.Head(ctx, st.Repo, st.BranchOrDefault())
			if err != nil {
				app.logger.Warn("failed to resolve remote HEAD",
					"stack", name, "repo", st.Repo, "error", err)
				head = ""
			}
		}

		// The previous event has to be read before this run records its own.
		prevCommit := ""
		if c.ShowGit {
			if journal != nil {
				if ev, lerr := journal.LatestSyncEvent(ctx, name); lerr == nil {
					prevCommit = ev.Commit
				}
			}
			if prevCommit == "" {
				prevCommit = coreHashes[name]
			}
		}

		status := "queued"
		var syncErr string
		if _, err := client.RunSync(ctx, name); err != nil {
			failures++
			status = "failed"
			syncErr = err.Error()
			app.logger.Error("sync trigger failed", "stack", name, "error", err)
		}

		if journal != nil {
			jerr := journal.CreateSyncEvent(ctx, &store.SyncEvent{
				ID:     uuid.NewString(),
				Stack:  name,
				Commit: head,
				Source: store.SourceCLI,
				Status: status,
				Error:  syncErr,
			})
			if jerr != nil {
				app.logger.Warn("journal write failed", "stack", name, "error", jerr)
			}
		}

		if c.ShowGit {
			last, drift := "-", "-"
			if prevCommit != "" {
				last = short(prevCommit)
				if head != "" {
					if prevCommit == head {
						drift = "in sync"
					} else {
						drift = "drift"
					}
				}
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", name, status, dashEmpty(short(head)), last, drift)
		} else {
			fmt.Fprintf(tw, "%s\t%s\n", name, status)
		}
	}
	tw.Flush()

	if failures > 0 {
		return fmt.Errorf("%d sync(s) failed", failures)
	}
	return nil
}

func short(commit string) string {
	if len(commit) > 12 {
		return commit[:12]
	}
	return commit
}

// =============================================================================
// serve
// =============================================================================

// ServeCmd runs the webhook relay: forge push webhooks in, resource-sync
// triggers out, with metrics and inventory hot-reload.
type ServeCmd struct {
	Addr         string        `help:"Listen address (overrides config)."`
	PollInterval time.Duration `name:"poll-interval" help:"Periodic sync interval for poll-enabled stacks (overrides config)."`
}

func (c *ServeCmd) Run(app *appContext) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Fail fast on a broken inventory before the watcher takes over.
	f, err := app.Fleet()
	if err != nil {
		return err
	}

	watcher, err := relay.NewInventoryWatcher(app.cli.Inventory, app.logger)
	if err != nil {
		return err
	}
	defer watcher.Close()

	client, err := app.CoreClient(ctx)
	if err != nil {
		return err
	}

	cfg := relay.Config{
		Addr:            app.config.Relay.Addr,
		PollInterval:    app.config.Relay.PollInterval,
		ShutdownTimeout: app.config.Relay.ShutdownTimeout,
		Version:         Version,
	}
	if c.Addr != "" {
		cfg.Addr = c.Addr
	}
	if c.PollInterval > 0 {
		cfg.PollInterval = c.PollInterval
	}

	// The fleet-wide webhook secret is passed as its op:// reference; the
	// relay resolves it (and per-stack overrides) on demand.
	if ref, ok := app.FieldRef(f, "webhook_secret"); ok {
		cfg.DefaultWebhookSecret = ref.String()
	}

	secretOf := func(ctx context.Context, raw string) (string, error) {
		ref, rerr := secrets.ParseRef(raw)
		if rerr != nil {
			// Not an op:// reference: the inventory holds a literal.
			return raw, nil
		}
		return app.Op().Read(ctx, ref)
	}

	server := relay.NewServer(cfg, watcher, client, app.Journal(), secretOf, app.logger)
	watcher.OnReload(server.RecordInventoryReload)
	if err := watcher.Start(ctx); err != nil {
		return err
	}

	app.logger.Info("relay starting", "addr", cfg.Addr, "version", Version)
	return server.Run(ctx)
}
