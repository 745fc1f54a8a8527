package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/fleetlab/komodoctl/internal/core/inventory"
)

// =============================================================================
// inventory subcommands
// =============================================================================

// InventoryValidateCmd parses and validates the inventory file.
type InventoryValidateCmd struct{}

func (c *InventoryValidateCmd) Run(app *appContext) error {
	f, err := inventory.Load(app.cli.Inventory)
	if err != nil {
		return err
	}
	if errs := inventory.Validate(f); len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintf(app.stdout, "invalid: %v\n", e)
		}
		return fmt.Errorf("%s: %d validation error(s)", app.cli.Inventory, len(errs))
	}
	fmt.Fprintf(app.stdout, "%s: valid (%d hosts, %d stacks)\n",
		app.cli.Inventory, len(f.Hosts), len(f.Stacks))
	return nil
}

// InventoryHostsCmd lists the resolved hosts, honoring -l.
type InventoryHostsCmd struct{}

func (c *InventoryHostsCmd) Run(app *appContext) error {
	hosts, err := app.SelectHosts()
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(app.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "HOST\tADDR\tSSH USER\tPORT")
	for _, h := range hosts {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", h.Name, h.Addr, h.SSHUser, h.SSHPort)
	}
	tw.Flush()
	return nil
}

// InventorySetCmd sets one host variable, rewriting the inventory file while
// preserving key order and comments.
type InventorySetCmd struct {
	Host  string `arg:"" help:"Host name."`
	Key   string `arg:"" help:"Variable name (e.g. periphery_port)."`
	Value string `arg:"" help:"New value."`
}

func (c *InventorySetCmd) Run(app *appContext) error {
	data, err := os.ReadFile(app.cli.Inventory)
	if err != nil {
		return err
	}

	updated, err := inventory.SetHostVar(data, c.Host, c.Key, c.Value)
	if err != nil {
		return usageError(err)
	}

	// The edited document must still resolve before it replaces the file.
	if f, perr := inventory.Parse(updated); perr != nil {
		return fmt.Errorf("edit would break the inventory: %w", perr)
	} else if errs := inventory.Validate(f); len(errs) > 0 {
		return fmt.Errorf("edit would invalidate the inventory: %v", errs[0])
	}

	if err := inventory.WriteFile(app.cli.Inventory, updated); err != nil {
		return err
	}
	fmt.Fprintf(app.stdout, "set %s.%s = %s\n", c.Host, c.Key, c.Value)
	return nil
}

// InventoryAddHostCmd appends a host entry to the inventory file.
type InventoryAddHostCmd struct {
	Name string `arg:"" help:"Host name (DNS-safe label)."`
	Addr string `arg:"" help:"Host address (hostname or IP)."`
}

func (c *InventoryAddHostCmd) Run(app *appContext) error {
	if err := inventory.ValidateHostName(c.Name); err != nil {
		return usageError(err)
	}
	if err := inventory.ValidateAddr(c.Addr); err != nil {
		return usageError(err)
	}

	data, err := os.ReadFile(app.cli.Inventory)
	if err != nil {
		return err
	}

	updated, err := inventory.AddHost(data, c.Name, c.Addr)
	if err != nil {
		return usageError(err)
	}

	if f, perr := inventory.Parse(updated); perr != nil {
		return fmt.Errorf("edit would break the inventory: %w", perr)
	} else if errs := inventory.Validate(f); len(errs) > 0 {
		return fmt.Errorf("edit would invalidate the inventory: %v", errs[0])
	}

	if err := inventory.WriteFile(app.cli.Inventory, updated); err != nil {
		return err
	}
	fmt.Fprintf(app.stdout, "added host %s (%s)\n", c.Name, c.Addr)
	return nil
}
