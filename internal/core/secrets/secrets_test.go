package secrets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// ParseRef Tests
// =============================================================================

func TestParseRef_Valid(t *testing.T) {
	ref, err := ParseRef("op://Homelab/komodo-core/KOMODO_PASSKEY")
	require.NoError(t, err)

	assert.Equal(t, "Homelab", ref.Vault)
	assert.Equal(t, "komodo-core", ref.Item)
	assert.Equal(t, "KOMODO_PASSKEY", ref.Field)
	assert.Equal(t, "op://Homelab/komodo-core/KOMODO_PASSKEY", ref.String())
}

func TestParseRef_MissingPrefix(t *testing.T) {
	_, err := ParseRef("Homelab/komodo-core/KOMODO_PASSKEY")
	assert.ErrorIs(t, err, ErrNotSecretRef)
}

func TestParseRef_TooFewParts(t *testing.T) {
	_, err := ParseRef("op://Homelab/komodo-core")
	assert.ErrorIs(t, err, ErrRefIncomplete)
}

func TestParseRef_EmptyPart(t *testing.T) {
	_, err := ParseRef("op://Homelab//KOMODO_PASSKEY")
	assert.ErrorIs(t, err, ErrRefIncomplete)
}

func TestExpand_Shorthand(t *testing.T) {
	ref, err := Expand("Homelab", "komodo-core", "KOMODO_DB_PASSWORD")
	require.NoError(t, err)
	assert.Equal(t, "op://Homelab/komodo-core/KOMODO_DB_PASSWORD", ref.String())
}

func TestExpand_FullReferencePassthrough(t *testing.T) {
	ref, err := Expand("Homelab", "komodo-core", "op://Other/item/FIELD")
	require.NoError(t, err)
	assert.Equal(t, "Other", ref.Vault)
}

// =============================================================================
// Template Tests
// =============================================================================

const envTemplate = `
KOMODO_DB_USERNAME=komodo
KOMODO_DB_PASSWORD={{ op://Homelab/komodo-core/KOMODO_DB_PASSWORD }}
KOMODO_PASSKEY={{op://Homelab/komodo-core/KOMODO_PASSKEY}}
`

func TestExtractRefs_DeduplicatesAndSorts(t *testing.T) {
	refs, err := ExtractRefs(envTemplate + envTemplate)
	require.NoError(t, err)

	require.Len(t, refs, 2)
	assert.Equal(t, "KOMODO_DB_PASSWORD", refs[0].Field)
	assert.Equal(t, "KOMODO_PASSKEY", refs[1].Field)
}

func TestRender_SubstitutesAll(t *testing.T) {
	values := map[string]string{
		"op://Homelab/komodo-core/KOMODO_DB_PASSWORD": "hunter2",
		"op://Homelab/komodo-core/KOMODO_PASSKEY":     "passkey-value",
	}

	out, err := Render(envTemplate, func(r Ref) (string, bool) {
		v, ok := values[r.String()]
		return v, ok
	})
	require.NoError(t, err)

	assert.Contains(t, out, "KOMODO_DB_PASSWORD=hunter2")
	assert.Contains(t, out, "KOMODO_PASSKEY=passkey-value")
	assert.NotContains(t, out, "op://")
}

func TestRender_ReportsEveryMissingRef(t *testing.T) {
	_, err := Render(envTemplate, func(Ref) (string, bool) { return "", false })
	require.ErrorIs(t, err, ErrUnresolvedRefs)
	assert.Contains(t, err.Error(), "KOMODO_DB_PASSWORD")
	assert.Contains(t, err.Error(), "KOMODO_PASSKEY")
}

func TestRender_NoPlaceholders(t *testing.T) {
	out, err := Render("PLAIN=1", func(Ref) (string, bool) { return "", false })
	require.NoError(t, err)
	assert.Equal(t, "PLAIN=1", out)
}
