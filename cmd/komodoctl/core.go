package main

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/fleetlab/komodoctl/internal/core/inventory"
	"github.com/fleetlab/komodoctl/internal/core/secrets"
	"github.com/fleetlab/komodoctl/internal/core/stack"
	"github.com/fleetlab/komodoctl/internal/shell/dockerhost"
)

// defaultCoreCompose ships a working Core + MongoDB stack so a fresh
// inventory can bootstrap without writing a compose file first. An operator
// compose file in core.stack_dir takes precedence.
//
//go:embed core-compose.yaml
var defaultCoreCompose string

// =============================================================================
// Core Stack Rendering
// =============================================================================

// coreTemplate returns the core compose template text. When the inventory
// points at a stack_dir containing compose.yaml that file wins; otherwise
// the embedded default is used with the inventory's vault, item, port and
// API URL substituted in.
func coreTemplate(f *inventory.Fleet) (string, error) {
	if f.Core.StackDir != "" {
		path := filepath.Join(f.Core.StackDir, "compose.yaml")
		data, err := os.ReadFile(path)
		if err == nil {
			return string(data), nil
		}
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("read core compose %s: %w", path, err)
		}
	}

	tmpl := defaultCoreCompose
	tmpl = strings.ReplaceAll(tmpl, "__VAULT__", f.Secrets.Vault)
	tmpl = strings.ReplaceAll(tmpl, "__ITEM__", f.Secrets.CoreItem)
	tmpl = strings.ReplaceAll(tmpl, "__CORE_PORT__", fmt.Sprintf("%d", f.Core.Port))
	tmpl = strings.ReplaceAll(tmpl, "__API_URL__", f.Core.APIURL)
	return tmpl, nil
}

// renderCoreStack parses the core compose template and then resolves every
// secret placeholder into the parsed spec's environment and label values.
// Substituting after parsing keeps secret values out of the YAML, so values
// containing $, quotes or newlines deploy verbatim. Placeholder field
// segments are logical names looked up in the inventory's fields map;
// unknown names are treated as literal 1Password field labels so operator
// compose files can reference arbitrary fields.
func (a *appContext) renderCoreStack(ctx context.Context, f *inventory.Fleet) (*stack.Spec, error) {
	tmpl, err := coreTemplate(f)
	if err != nil {
		return nil, err
	}

	spec, err := stack.Parse(tmpl)
	if err != nil {
		return nil, err
	}

	refs, err := secrets.ExtractRefs(tmpl)
	if err != nil {
		return nil, err
	}

	resolved := make(map[string]string, len(refs))
	for _, ref := range refs {
		label := ref.Field
		if mapped, ok := f.Secrets.Fields[ref.Field]; ok {
			label = mapped
		}
		real, err := secrets.Expand(ref.Vault, ref.Item, label)
		if err != nil {
			return nil, fmt.Errorf("secret %s: %w", ref, err)
		}
		value, err := a.Op().Resolve(ctx, real)
		if err != nil {
			return nil, fmt.Errorf("secret %s: %w", ref, err)
		}
		resolved[ref.String()] = value
	}

	if err := renderSpecSecrets(spec, func(r secrets.Ref) (string, bool) {
		v, ok := resolved[r.String()]
		return v, ok
	}); err != nil {
		return nil, err
	}
	return spec, nil
}

// renderSpecSecrets substitutes op:// placeholders inside every service's
// environment and label values.
func renderSpecSecrets(spec *stack.Spec, resolve secrets.Resolver) error {
	for i := range spec.Services {
		svc := &spec.Services[i]
		for k, v := range svc.Environment {
			rendered, err := secrets.Render(v, resolve)
			if err != nil {
				return fmt.Errorf("service %s environment %s: %w", svc.Name, k, err)
			}
			svc.Environment[k] = rendered
		}
		for k, v := range svc.Labels {
			rendered, err := secrets.Render(v, resolve)
			if err != nil {
				return fmt.Errorf("service %s label %s: %w", svc.Name, k, err)
			}
			svc.Labels[k] = rendered
		}
	}
	return nil
}

// coreEngine connects to the core host's Docker daemon.
func (a *appContext) coreEngine(ctx context.Context) (*dockerhost.Client, error) {
	cli, err := dockerhost.NewClient(a.config.Docker.Host)
	if err != nil {
		return nil, err
	}
	if err := cli.Ping(ctx); err != nil {
		return nil, err
	}
	return cli, nil
}

// deployCore renders and converges the core stack.
func (a *appContext) deployCore(ctx context.Context) error {
	f, err := a.Fleet()
	if err != nil {
		return err
	}

	spec, err := a.renderCoreStack(ctx, f)
	if err != nil {
		return err
	}

	engine, err := a.coreEngine(ctx)
	if err != nil {
		return err
	}

	deployer := dockerhost.NewDeployer(engine, a.logger)
	results, err := deployer.Deploy(ctx, a.config.Core.StackName, spec)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVICE\tACTION")
	for _, r := range results {
		fmt.Fprintf(tw, "%s\t%s\n", r.Service, r.Action)
	}
	tw.Flush()
	return nil
}

// =============================================================================
// Commands
// =============================================================================

// BootstrapCmd runs the preflight checks and then performs the first-time
// core deploy. Idempotent: rerunning converges instead of failing.
type BootstrapCmd struct{}

func (c *BootstrapCmd) Run(app *appContext) error {
	ctx := context.Background()

	f, err := app.Fleet()
	if err != nil {
		return err
	}
	if _, err := app.Op().CheckAuth(ctx); err != nil {
		return preflightError(fmt.Errorf("1password: %w", err))
	}

	// Resolve the whole batch so one preflight run reports every missing
	// field, not just the first.
	var refs []secrets.Ref
	for _, field := range []string{"db_password", "passkey", "webhook_secret"} {
		ref, ok := app.FieldRef(f, field)
		if !ok {
			return preflightError(fmt.Errorf("secret field %q is not declared in the inventory", field))
		}
		refs = append(refs, ref)
	}
	if _, err := app.Op().ResolveAll(ctx, refs); err != nil {
		return preflightError(err)
	}
	if _, err := app.coreEngine(ctx); err != nil {
		return preflightError(fmt.Errorf("core docker daemon: %w", err))
	}

	fmt.Fprintln(app.stdout, "preflight ok, deploying core stack")
	return app.journalRun(ctx, "bootstrap", func() error {
		return app.deployCore(ctx)
	})
}

// CoreDeployCmd renders and (re)deploys the core stack. Only services whose
// rendered spec changed are recreated.
type CoreDeployCmd struct{}

func (c *CoreDeployCmd) Run(app *appContext) error {
	ctx := context.Background()
	return app.journalRun(ctx, "core deploy", func() error {
		return app.deployCore(ctx)
	})
}

// CoreStatusCmd prints core container states and API health.
type CoreStatusCmd struct{}

func (c *CoreStatusCmd) Run(app *appContext) error {
	ctx := context.Background()

	engine, err := app.coreEngine(ctx)
	if err != nil {
		return err
	}
	states, err := dockerhost.NewDeployer(engine, app.logger).Status(ctx, app.config.Core.StackName)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(app.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVICE\tCONTAINER\tIMAGE\tSTATE\tHEALTH")
	for _, s := range states {
		health := s.Health
		if health == "" {
			health = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.Service, s.Name, s.Image, s.State, health)
	}
	tw.Flush()

	// /health needs no credentials; the version lookup does, and is
	// best-effort so status works before API keys are provisioned.
	health, err := app.CoreHealthClient()
	if err != nil {
		return err
	}
	if err := health.Health(ctx); err != nil {
		return fmt.Errorf("core API unhealthy: %w", err)
	}

	if client, cerr := app.CoreClient(ctx); cerr == nil {
		if version, verr := client.Version(ctx); verr == nil {
			fmt.Fprintf(app.stdout, "core API: healthy (version %s)\n", version.Version)
			return nil
		}
	}
	fmt.Fprintln(app.stdout, "core API: healthy")
	return nil
}

// CoreDownCmd stops and removes the core stack's containers. Named volumes
// and networks stay so a redeploy keeps its data.
type CoreDownCmd struct {
	Yes bool `help:"Confirm removal. Without it the command refuses to run."`
}

func (c *CoreDownCmd) Run(app *appContext) error {
	if !c.Yes {
		return usageError(fmt.Errorf("core down requires --yes"))
	}

	ctx := context.Background()
	engine, err := app.coreEngine(ctx)
	if err != nil {
		return err
	}
	return app.journalRun(ctx, "core down", func() error {
		return dockerhost.NewDeployer(engine, app.logger).Down(ctx, app.config.Core.StackName)
	})
}
