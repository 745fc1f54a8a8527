package main

import (
	"testing"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Command Tree Tests
// =============================================================================

func newTestParser(t *testing.T, cli *CLI) *kong.Kong {
	t.Helper()
	parser, err := kong.New(cli,
		kong.Name("komodoctl"),
		kong.Exit(func(int) { t.Fatal("kong exited") }),
	)
	require.NoError(t, err)
	return parser
}

// The inventory flag (-i) and the inventory command group coexist: the flag
// keeps the Inventory field, the group parses under the name "inventory".
func TestCLI_InventoryFlagAndCommandCoexist(t *testing.T) {
	var cli CLI
	parser := newTestParser(t, &cli)

	ctx, err := parser.Parse([]string{"-i", "custom.yaml", "inventory", "hosts"})
	require.NoError(t, err)

	assert.Equal(t, "custom.yaml", cli.Inventory)
	assert.Equal(t, "inventory hosts", ctx.Command())
}

func TestCLI_ParsesEveryCommand(t *testing.T) {
	tests := []struct {
		args    []string
		command string
	}{
		{[]string{"bootstrap"}, "bootstrap"},
		{[]string{"core", "deploy"}, "core deploy"},
		{[]string{"core", "status"}, "core status"},
		{[]string{"core", "down", "--yes"}, "core down"},
		{[]string{"periphery", "deploy"}, "periphery deploy"},
		{[]string{"periphery", "update", "--version", "v1.16.12"}, "periphery update"},
		{[]string{"periphery", "uninstall", "--yes"}, "periphery uninstall"},
		{[]string{"full"}, "full"},
		{[]string{"check"}, "check"},
		{[]string{"status"}, "status"},
		{[]string{"info"}, "info"},
		{[]string{"sync"}, "sync"},
		{[]string{"sync", "immich", "--show-git"}, "sync <stacks>"},
		{[]string{"serve", "--addr", ":9000"}, "serve"},
		{[]string{"inventory", "validate"}, "inventory validate"},
		{[]string{"inventory", "set", "nas", "periphery_port", "8121"}, "inventory set <host> <key> <value>"},
		{[]string{"inventory", "add-host", "media", "10.0.10.6"}, "inventory add-host <name> <addr>"},
		{[]string{"version"}, "version"},
	}

	for _, tt := range tests {
		var cli CLI
		parser := newTestParser(t, &cli)
		ctx, err := parser.Parse(tt.args)
		require.NoError(t, err, "args %v", tt.args)
		assert.Equal(t, tt.command, ctx.Command(), "args %v", tt.args)
	}
}

func TestCLI_GlobalFlagDefaults(t *testing.T) {
	var cli CLI
	parser := newTestParser(t, &cli)

	_, err := parser.Parse([]string{"version"})
	require.NoError(t, err)

	assert.Equal(t, "inventory.yaml", cli.Inventory)
	assert.Equal(t, "all", cli.Limit)
	assert.Empty(t, cli.Tags)
	assert.False(t, cli.Verbose)
}
