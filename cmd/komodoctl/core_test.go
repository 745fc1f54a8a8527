package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetlab/komodoctl/internal/core/inventory"
	"github.com/fleetlab/komodoctl/internal/core/secrets"
	"github.com/fleetlab/komodoctl/internal/core/stack"
)

// =============================================================================
// Core Template
// =============================================================================

func TestCoreTemplate_SubstitutesInventoryValues(t *testing.T) {
	f := &inventory.Fleet{
		Core:    inventory.Core{Port: 9121, APIURL: "https://komodo.lan"},
		Secrets: inventory.Secrets{Vault: "homelab", CoreItem: "komodo-core"},
	}

	tmpl, err := coreTemplate(f)
	require.NoError(t, err)

	assert.Contains(t, tmpl, "op://homelab/komodo-core/db_password")
	assert.Contains(t, tmpl, `"9121:9120"`)
	assert.Contains(t, tmpl, "https://komodo.lan")
	assert.NotContains(t, tmpl, "__VAULT__")
	assert.NotContains(t, tmpl, "__ITEM__")
	assert.NotContains(t, tmpl, "__CORE_PORT__")
	assert.NotContains(t, tmpl, "__API_URL__")
}

func TestCoreTemplate_ParsesWithPlaceholdersIntact(t *testing.T) {
	f := &inventory.Fleet{
		Core:    inventory.Core{Port: 9120, APIURL: "https://komodo.lan"},
		Secrets: inventory.Secrets{Vault: "homelab", CoreItem: "komodo-core"},
	}

	tmpl, err := coreTemplate(f)
	require.NoError(t, err)

	// The template must parse before any secret is substituted.
	spec, err := stack.Parse(tmpl)
	require.NoError(t, err)
	assert.Equal(t, []string{"core", "mongo"}, spec.ServiceNames())

	var mongo stack.Service
	for _, s := range spec.Services {
		if s.Name == "mongo" {
			mongo = s
		}
	}
	assert.Contains(t, mongo.Environment["MONGO_INITDB_ROOT_PASSWORD"],
		"op://homelab/komodo-core/db_password")
}

// =============================================================================
// Post-Parse Secret Substitution
// =============================================================================

func specWithPlaceholders() *stack.Spec {
	return &stack.Spec{
		Services: []stack.Service{
			{
				Name:  "mongo",
				Image: "mongo:7",
				Environment: map[string]string{
					"MONGO_INITDB_ROOT_PASSWORD": "{{ op://homelab/komodo-core/db_password }}",
					"PLAIN":                      "unchanged",
				},
				Labels: map[string]string{
					"backup.token": "{{ op://homelab/komodo-core/passkey }}",
				},
			},
		},
	}
}

func TestRenderSpecSecrets_AwkwardValuesSurviveVerbatim(t *testing.T) {
	// Characters that YAML or variable interpolation would mangle must come
	// through untouched because substitution happens after parsing.
	password := `pa$word1 "quoted" ${HOME}` + "\nsecond line"

	spec := specWithPlaceholders()
	err := renderSpecSecrets(spec, func(r secrets.Ref) (string, bool) {
		switch r.Field {
		case "db_password":
			return password, true
		case "passkey":
			return "pk-$$-literal", true
		}
		return "", false
	})
	require.NoError(t, err)

	env := spec.Services[0].Environment
	assert.Equal(t, password, env["MONGO_INITDB_ROOT_PASSWORD"])
	assert.Equal(t, "unchanged", env["PLAIN"])
	assert.Equal(t, "pk-$$-literal", spec.Services[0].Labels["backup.token"])
}

func TestRenderSpecSecrets_MissingRefNamesServiceAndKey(t *testing.T) {
	spec := specWithPlaceholders()
	err := renderSpecSecrets(spec, func(secrets.Ref) (string, bool) {
		return "", false
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, secrets.ErrUnresolvedRefs)
	assert.Contains(t, err.Error(), "mongo")
}

func TestRenderSpecSecrets_NoPlaceholdersIsNoop(t *testing.T) {
	spec := &stack.Spec{Services: []stack.Service{{
		Name:        "web",
		Image:       "nginx",
		Environment: map[string]string{"MODE": "prod"},
	}}}

	err := renderSpecSecrets(spec, func(secrets.Ref) (string, bool) {
		t.Fatal("resolver must not be called without placeholders")
		return "", false
	})
	require.NoError(t, err)
	assert.Equal(t, "prod", spec.Services[0].Environment["MODE"])
}

func TestRenderSpecSecrets_HashChangesWithSecretValue(t *testing.T) {
	render := func(value string) string {
		spec := specWithPlaceholders()
		err := renderSpecSecrets(spec, func(secrets.Ref) (string, bool) {
			return value, true
		})
		require.NoError(t, err)
		return spec.Services[0].Hash()
	}

	// Convergence hashes the rendered values, so a rotated secret triggers
	// a redeploy.
	assert.NotEqual(t, render("old-secret"), render("new-secret"))
}

func TestCoreTemplate_StackDirFileWins(t *testing.T) {
	dir := t.TempDir()
	custom := "services:\n  core:\n    image: custom:1\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "compose.yaml"), []byte(custom), 0o644))

	f := &inventory.Fleet{Core: inventory.Core{StackDir: dir}}
	tmpl, err := coreTemplate(f)
	require.NoError(t, err)
	assert.Equal(t, custom, tmpl)
	assert.False(t, strings.Contains(tmpl, "mongo"))
}
