package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/fleetlab/komodoctl/internal/core/inventory"
	"github.com/fleetlab/komodoctl/internal/core/secrets"
)

// =============================================================================
// check
// =============================================================================

// CheckCmd runs every preflight check and reports each result. Any failure
// exits with the preflight code so wrappers can distinguish "fix your setup"
// from a failed deploy.
type CheckCmd struct{}

func (c *CheckCmd) Run(app *appContext) error {
	ctx := context.Background()
	failures := 0

	report := func(name string, err error) {
		if err != nil {
			failures++
			fmt.Fprintf(app.stdout, "FAIL  %s: %v\n", name, err)
			return
		}
		fmt.Fprintf(app.stdout, "ok    %s\n", name)
	}

	// Inventory parses and validates. Loaded directly so a broken file is a
	// preflight failure, not a usage error.
	f, err := inventory.Load(app.cli.Inventory)
	if err != nil {
		report("inventory", err)
		return preflightError(fmt.Errorf("1 check failed"))
	}
	if errs := inventory.Validate(f); len(errs) > 0 {
		for _, e := range errs {
			report("inventory", e)
		}
	} else {
		report("inventory", nil)
	}

	// 1Password auth.
	account, err := app.Op().CheckAuth(ctx)
	if err != nil {
		report("op auth", err)
	} else {
		report(fmt.Sprintf("op auth (%s)", account.URL), nil)
	}

	// Every declared secret field resolves.
	if err == nil {
		names := make([]string, 0, len(f.Secrets.Fields))
		for name := range f.Secrets.Fields {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			_, rerr := app.ResolveField(ctx, f, name)
			report("secret "+name, rerr)
		}
	}

	// Core stack ports must not collide with the core host's periphery port.
	if spec, rerr := app.renderCoreStack(ctx, f); rerr != nil {
		report("core stack", rerr)
	} else {
		var collision error
		if coreHost, herr := f.Host(f.Core.Host); herr == nil {
			for _, port := range spec.PublishedPorts() {
				if port == coreHost.PeripheryPort {
					collision = fmt.Errorf("published port %d collides with periphery on %s", port, coreHost.Name)
				}
			}
		}
		report("core stack", collision)
	}

	// SSH reachability and Docker presence per host.
	hosts, err := app.SelectHosts()
	if err != nil {
		return err
	}
	orch, err := app.Orchestrator()
	if err != nil {
		report("ssh", err)
		return preflightError(fmt.Errorf("%d check(s) failed", failures))
	}
	observed := orch.Probe(ctx, hosts)
	for _, h := range hosts {
		obs := observed[h.Name]
		switch {
		case !obs.Reachable:
			report("host "+h.Name, fmt.Errorf("unreachable: %s", obs.ProbeError))
		case !obs.DockerPresent:
			report("host "+h.Name, fmt.Errorf("docker not available"))
		default:
			report("host "+h.Name, nil)
		}
	}

	if failures > 0 {
		return preflightError(fmt.Errorf("%d check(s) failed", failures))
	}
	fmt.Fprintln(app.stdout, "all checks passed")
	return nil
}

// =============================================================================
// status
// =============================================================================

// StatusCmd probes the fleet concurrently and checks the core API. Exits
// non-zero when any host or the core is unhealthy.
type StatusCmd struct{}

func (c *StatusCmd) Run(app *appContext) error {
	ctx := context.Background()

	hosts, err := app.SelectHosts()
	if err != nil {
		return err
	}
	orch, err := app.Orchestrator()
	if err != nil {
		return err
	}
	observed := orch.Probe(ctx, hosts)

	unhealthy := 0
	tw := tabwriter.NewWriter(app.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "HOST\tSSH\tAGENT\tVERSION\tDOCKER")
	for _, h := range hosts {
		obs := observed[h.Name]

		ssh, agent, version, docker := "up", "-", "-", "-"
		switch {
		case !obs.Reachable:
			ssh = "down"
			unhealthy++
		default:
			if obs.AgentPresent {
				if obs.AgentActive {
					agent = "active"
				} else {
					agent = "inactive"
					unhealthy++
				}
				version = dashEmpty(obs.AgentVersion)
			} else {
				agent = "absent"
				unhealthy++
			}
			if obs.DockerPresent {
				docker = "up"
			} else {
				docker = "down"
				unhealthy++
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", h.Name, ssh, agent, version, docker)
	}
	tw.Flush()

	health, err := app.CoreHealthClient()
	if err != nil {
		return err
	}
	if herr := health.Health(ctx); herr != nil {
		fmt.Fprintf(app.stdout, "core API: unhealthy (%v)\n", herr)
		unhealthy++
	} else {
		fmt.Fprintln(app.stdout, "core API: healthy")
	}

	// Registered servers as Core sees them; needs credentials, so this part
	// is best-effort.
	if client, cerr := app.CoreClient(ctx); cerr == nil {
		servers, serr := client.ListServers(ctx)
		switch {
		case serr != nil:
			app.logger.Warn("could not list registered servers", "error", serr)
		case len(servers) > 0:
			sw := tabwriter.NewWriter(app.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(sw, "SERVER\tSTATE\tADDRESS\tVERSION")
			for _, s := range servers {
				if s.Info.State == "NotOk" {
					unhealthy++
				}
				fmt.Fprintf(sw, "%s\t%s\t%s\t%s\n",
					s.Name, s.Info.State, dashEmpty(s.Info.Address), dashEmpty(s.Info.Version))
			}
			sw.Flush()
		}
	} else {
		app.logger.Debug("core API credentials unavailable, skipping server list", "error", cerr)
	}

	if unhealthy > 0 {
		return fmt.Errorf("%d problem(s) found", unhealthy)
	}
	return nil
}

func dashEmpty(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// =============================================================================
// info
// =============================================================================

// InfoCmd prints the resolved inventory: hosts, sites, ports, stack
// assignments and credential references. Secret values are never printed.
type InfoCmd struct{}

func (c *InfoCmd) Run(app *appContext) error {
	f, err := app.Fleet()
	if err != nil {
		return err
	}

	fmt.Fprintf(app.stdout, "core: host=%s api_url=%s port=%d\n",
		f.Core.Host, f.Core.APIURL, f.Core.Port)
	fmt.Fprintf(app.stdout, "defaults: ssh=%s:%d periphery=%s port=%d root=%s\n\n",
		f.Defaults.SSHUser, f.Defaults.SSHPort,
		f.Defaults.PeripheryVersion, f.Defaults.PeripheryPort, f.Defaults.PeripheryRoot)

	tw := tabwriter.NewWriter(app.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "HOST\tADDR\tSSH\tSITE\tPERIPHERY\tPORT\tSTACKS")
	for _, name := range f.HostNames() {
		h := f.Hosts[name]
		fmt.Fprintf(tw, "%s\t%s\t%s:%d\t%s\t%s\t%d\t%s\n",
			h.Name, h.Addr, h.SSHUser, h.SSHPort, dashEmpty(h.Site),
			h.PeripheryVersion, h.PeripheryPort, dashEmpty(strings.Join(h.Stacks, ",")))
	}
	tw.Flush()

	if len(f.Stacks) > 0 {
		fmt.Fprintln(app.stdout)
		sw := tabwriter.NewWriter(app.stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(sw, "STACK\tREPO\tBRANCH\tSERVER\tADDR\tPOLL")
		for _, name := range f.StackNames() {
			st := f.Stacks[name]
			addr := ""
			if h, serr := f.StackServer(name); serr == nil {
				addr = h.Addr
			}
			fmt.Fprintf(sw, "%s\t%s\t%s\t%s\t%s\t%t\n",
				name, st.Repo, st.BranchOrDefault(), st.Server, dashEmpty(addr), st.Poll)
		}
		sw.Flush()
	}

	fmt.Fprintln(app.stdout)
	names := make([]string, 0, len(f.Secrets.Fields))
	for name := range f.Secrets.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ref, _ := secrets.Expand(f.Secrets.Vault, f.Secrets.CoreItem, f.Secrets.Fields[name])
		fmt.Fprintf(app.stdout, "secret %s: %s\n", name, ref)
	}
	return nil
}
