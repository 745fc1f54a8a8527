package secrets

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// =============================================================================
// Template Rendering
// =============================================================================

// placeholderRegex matches {{ op://vault/item/field }} with optional inner
// whitespace.
var placeholderRegex = regexp.MustCompile(`\{\{\s*(op://[^\s}]+)\s*\}\}`)

// ErrUnresolvedRefs is returned when a template still contains placeholders
// after substitution.
var ErrUnresolvedRefs = errors.New("template has unresolved secret references")

// Resolver maps a secret reference to its value.
type Resolver func(Ref) (string, bool)

// ExtractRefs returns every distinct op:// reference used by the template,
// sorted for stable output.
func ExtractRefs(template string) ([]Ref, error) {
	seen := map[string]Ref{}
	for _, m := range placeholderRegex.FindAllStringSubmatch(template, -1) {
		ref, err := ParseRef(m[1])
		if err != nil {
			return nil, err
		}
		seen[ref.String()] = ref
	}

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	refs := make([]Ref, 0, len(keys))
	for _, k := range keys {
		refs = append(refs, seen[k])
	}
	return refs, nil
}

// Render substitutes every placeholder using the resolver. All missing
// references are reported together so the operator fixes the vault once,
// not one failure at a time.
func Render(template string, resolve Resolver) (string, error) {
	var missing []string

	out := placeholderRegex.ReplaceAllStringFunc(template, func(m string) string {
		sub := placeholderRegex.FindStringSubmatch(m)
		ref, err := ParseRef(sub[1])
		if err != nil {
			missing = append(missing, sub[1])
			return m
		}
		value, ok := resolve(ref)
		if !ok {
			missing = append(missing, ref.String())
			return m
		}
		return value
	})

	if len(missing) > 0 {
		sort.Strings(missing)
		return "", fmt.Errorf("%w: %s", ErrUnresolvedRefs, strings.Join(missing, ", "))
	}
	return out, nil
}
