package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fleetlab/komodoctl/internal/core/inventory"
	"github.com/fleetlab/komodoctl/internal/core/plan"
	"github.com/fleetlab/komodoctl/internal/core/release"
	"github.com/fleetlab/komodoctl/internal/shell/fleet"
)

// =============================================================================
// Shared Fleet Run
// =============================================================================

// agentCredentials resolves what an agent install needs: the periphery
// passkey and the core address agents must allow.
func (a *appContext) agentCredentials(ctx context.Context, f *inventory.Fleet) (fleet.Credentials, error) {
	passkey, err := a.ResolveField(ctx, f, "passkey")
	if err != nil {
		return fleet.Credentials{}, err
	}
	coreAddr := f.Core.Addr
	if coreAddr == "" {
		coreAddr = f.Core.APIURL
	}
	return fleet.Credentials{PeripheryPasskey: passkey, CoreAddr: coreAddr}, nil
}

// splitTags splits the -t value into trimmed, non-empty tags.
func splitTags(tags string) []string {
	var out []string
	for _, t := range strings.Split(tags, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// filterByTags keeps hosts that run a tagged stack or belong to a tagged
// group. Empty tags keep every host.
func filterByTags(hosts []*inventory.Host, tags string) []*inventory.Host {
	tagList := splitTags(tags)
	if len(tagList) == 0 {
		return hosts
	}
	var out []*inventory.Host
	for _, h := range hosts {
		for _, tag := range tagList {
			if h.RunsStack(tag) || h.InGroup(tag) {
				out = append(out, h)
				break
			}
		}
	}
	return out
}

// runFleetPlan probes the selected hosts, builds a plan for the operation
// and executes it. Returns an error when any host failed.
func (a *appContext) runFleetPlan(ctx context.Context, command string, op plan.Operation, opts plan.Options, needCreds bool) error {
	hosts, err := a.SelectHosts()
	if err != nil {
		return err
	}
	hosts = filterByTags(hosts, a.cli.Tags)
	if len(hosts) == 0 {
		return usageError(fmt.Errorf("no selected host matches tags %q", a.cli.Tags))
	}

	orch, err := a.Orchestrator()
	if err != nil {
		return err
	}

	observed := orch.Probe(ctx, hosts)
	plans := plan.Build(op, hosts, observed, opts)

	counts := plan.Summary(plans)
	fmt.Fprintf(a.stdout, "plan: %d install, %d update, %d uninstall, %d skip, %d unreachable\n",
		counts[plan.ActionInstall], counts[plan.ActionUpdate], counts[plan.ActionUninstall],
		counts[plan.ActionSkip], counts[plan.ActionUnreachable])

	// Secrets are only fetched when a host will actually be touched.
	var creds fleet.Credentials
	if needCreds && plan.HasWork(plans) {
		f, err := a.Fleet()
		if err != nil {
			return err
		}
		if creds, err = a.agentCredentials(ctx, f); err != nil {
			return err
		}
	}

	report := orch.Execute(ctx, command, a.cli.Limit, plans, creds)
	report.WriteSummary(a.stdout)

	if failed := report.Failed(); len(failed) > 0 {
		return fmt.Errorf("%d of %d host(s) failed", len(failed), len(report.Outcomes))
	}
	return nil
}

// =============================================================================
// Commands
// =============================================================================

// PeripheryDeployCmd installs the agent where it is missing and brings
// outdated or stopped agents to the pinned version. Up-to-date hosts are
// skipped.
type PeripheryDeployCmd struct {
	Force bool `help:"Reinstall even when versions already match."`
}

func (c *PeripheryDeployCmd) Run(app *appContext) error {
	return app.runFleetPlan(context.Background(), "periphery deploy",
		plan.OpDeploy, plan.Options{Force: c.Force}, true)
}

// PeripheryUpdateCmd updates installed agents. It never installs; that is
// deploy's job.
type PeripheryUpdateCmd struct {
	Version string `help:"Override the inventory-pinned version for this run."`
	Force   bool   `help:"Update even when versions already match."`
}

func (c *PeripheryUpdateCmd) Run(app *appContext) error {
	if c.Version != "" {
		if err := release.ValidateDesired(c.Version); err != nil {
			return usageError(err)
		}
	}
	return app.runFleetPlan(context.Background(), "periphery update",
		plan.OpUpdate, plan.Options{VersionOverride: c.Version, Force: c.Force}, false)
}

// PeripheryUninstallCmd removes agents from selected hosts.
type PeripheryUninstallCmd struct {
	Yes bool `help:"Confirm removal. Without it the command refuses to run."`
}

func (c *PeripheryUninstallCmd) Run(app *appContext) error {
	if !c.Yes {
		return usageError(errors.New("periphery uninstall requires --yes"))
	}
	return app.runFleetPlan(context.Background(), "periphery uninstall",
		plan.OpUninstall, plan.Options{}, false)
}

// FullCmd deploys the core stack and then the periphery fleet.
type FullCmd struct{}

func (c *FullCmd) Run(app *appContext) error {
	ctx := context.Background()

	err := app.journalRun(ctx, "core deploy", func() error {
		return app.deployCore(ctx)
	})
	if err != nil {
		return err
	}

	return app.runFleetPlan(ctx, "periphery deploy", plan.OpDeploy, plan.Options{}, true)
}
