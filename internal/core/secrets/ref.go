// Package secrets contains the secret-reference model and template
// substitution. Pure functions only - actual lookups happen in
// internal/shell/opcli.
package secrets

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// Errors
// =============================================================================

var (
	ErrNotSecretRef  = errors.New("not an op:// secret reference")
	ErrRefIncomplete = errors.New("secret reference must name vault, item and field")
)

// =============================================================================
// SecretRef
// =============================================================================

// Ref identifies a single 1Password field: op://<vault>/<item>/<field>.
type Ref struct {
	Vault string
	Item  string
	Field string
}

// String renders the canonical op:// form.
func (r Ref) String() string {
	return fmt.Sprintf("op://%s/%s/%s", r.Vault, r.Item, r.Field)
}

// ParseRef parses an op://vault/item/field reference.
func ParseRef(s string) (Ref, error) {
	const prefix = "op://"
	if !strings.HasPrefix(s, prefix) {
		return Ref{}, fmt.Errorf("%q: %w", s, ErrNotSecretRef)
	}

	parts := strings.Split(strings.TrimPrefix(s, prefix), "/")
	if len(parts) != 3 {
		return Ref{}, fmt.Errorf("%q: %w", s, ErrRefIncomplete)
	}
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			return Ref{}, fmt.Errorf("%q: %w", s, ErrRefIncomplete)
		}
	}

	return Ref{Vault: parts[0], Item: parts[1], Field: parts[2]}, nil
}

// Expand turns an inventory field shorthand into a full reference against
// the configured vault and item. A value that is already an op:// reference
// is parsed as-is, so individual fields can point at other items.
func Expand(vault, item, field string) (Ref, error) {
	if strings.HasPrefix(field, "op://") {
		return ParseRef(field)
	}
	if vault == "" || item == "" || field == "" {
		return Ref{}, ErrRefIncomplete
	}
	return Ref{Vault: vault, Item: item, Field: field}, nil
}
