// komodoctl deploys and operates a Komodo fleet: the Core control plane on
// the core host's Docker socket, Periphery agents over SSH, and GitOps
// resource syncs against the Core API. Secrets come from 1Password via the
// op CLI; nothing secret is ever stored in the inventory.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
)

// Version information set at build time via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// =============================================================================
// Exit Codes
// =============================================================================

const (
	exitSuccess   = 0
	exitFailure   = 1
	exitUsage     = 2
	exitPreflight = 3
)

// exitError carries a specific exit code up to main. Commands wrap errors
// with usageError or preflightError; everything else exits 1.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func usageError(err error) error     { return &exitError{code: exitUsage, err: err} }
func preflightError(err error) error { return &exitError{code: exitPreflight, err: err} }

// =============================================================================
// Command Tree
// =============================================================================

// CLI is the root kong command tree. It mirrors the operator surface:
// bootstrap, core, periphery, full, check, status, info, sync, serve,
// inventory, version.
type CLI struct {
	Inventory string `short:"i" env:"KOMODOCTL_INVENTORY" default:"inventory.yaml" help:"Inventory file path."`
	Config    string `short:"c" env:"KOMODOCTL_CONFIG" help:"Config file path (YAML)."`
	Verbose   bool   `short:"v" help:"Enable debug logging."`
	Limit     string `short:"l" default:"all" help:"Host selection: name, glob, group:NAME or site:TAG."`
	Tags      string `short:"t" help:"Restrict fleet deploys to hosts running the tagged stacks or in the tagged groups (comma-separated)."`

	Bootstrap BootstrapCmd `cmd:"" help:"Preflight checks plus first-time Core deploy on the core host."`

	Core struct {
		Deploy CoreDeployCmd `cmd:"" help:"Render and (re)deploy the core stack."`
		Status CoreStatusCmd `cmd:"" help:"Core container states and API health."`
		Down   CoreDownCmd   `cmd:"" help:"Stop and remove core stack containers (guarded by --yes)."`
	} `cmd:"" help:"Komodo Core stack operations."`

	Periphery struct {
		Deploy    PeripheryDeployCmd    `cmd:"" help:"Install the Periphery agent on selected hosts."`
		Update    PeripheryUpdateCmd    `cmd:"" help:"Update agents to the pinned (or overridden) version."`
		Uninstall PeripheryUninstallCmd `cmd:"" help:"Remove agent, unit and config from selected hosts."`
	} `cmd:"" help:"Periphery agent operations."`

	Full   FullCmd   `cmd:"" help:"Core deploy followed by periphery deploy."`
	Check  CheckCmd  `cmd:"" help:"Preflight: inventory, op auth, secrets, SSH, Docker, ports."`
	Status StatusCmd `cmd:"" help:"Concurrent fleet health plus core API health."`
	Info   InfoCmd   `cmd:"" help:"Resolved inventory summary (secret values never printed)."`

	Sync  SyncCmd  `cmd:"" help:"Trigger Komodo resource syncs via the core API."`
	Serve ServeCmd `cmd:"" help:"Run the webhook relay server."`

	// Named Inv to stay clear of the Inventory flag; the command is still
	// spelled "inventory".
	Inv struct {
		Validate InventoryValidateCmd `cmd:"" help:"Parse and validate the inventory."`
		Hosts    InventoryHostsCmd    `cmd:"" help:"List inventory hosts."`
		Set      InventorySetCmd      `cmd:"" help:"Set a host variable: set HOST KEY VALUE."`
		AddHost  InventoryAddHostCmd  `cmd:"" name:"add-host" help:"Add a host: add-host NAME ADDR."`
	} `cmd:"" name:"inventory" help:"Edit and inspect the inventory file."`

	Version VersionCmd `cmd:"" help:"Print version and build time."`
}

// VersionCmd prints build information.
type VersionCmd struct{}

func (v *VersionCmd) Run(app *appContext) error {
	fmt.Fprintf(app.stdout, "komodoctl %s (built %s)\n", Version, BuildTime)
	return nil
}

// =============================================================================
// Entry Point
// =============================================================================

func main() {
	os.Exit(run())
}

func run() int {
	// .env is optional; OP_SERVICE_ACCOUNT_TOKEN usually lives there.
	_ = godotenv.Load()

	var cli CLI
	parser, err := kong.New(&cli,
		kong.Name("komodoctl"),
		kong.Description("Deploy and operate a Komodo container platform fleet."),
		kong.UsageOnError(),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "komodoctl: %v\n", err)
		return exitUsage
	}

	kctx, err := parser.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "komodoctl: %v\n", err)
		return exitUsage
	}

	app, err := newApp(&cli)
	if err != nil {
		fmt.Fprintf(os.Stderr, "komodoctl: %v\n", err)
		return exitUsage
	}
	defer app.Close()

	if err := kctx.Run(app); err != nil {
		fmt.Fprintf(os.Stderr, "komodoctl: %v\n", err)
		var xe *exitError
		if errors.As(err, &xe) {
			return xe.code
		}
		return exitFailure
	}
	return exitSuccess
}
