// Package release handles Periphery agent version semantics.
package release

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Latest is the floating version tag. A host pinned to Latest always plans
// an update because the installed build cannot be compared against it.
const Latest = "latest"

// ErrVersionInvalid is returned for versions that are neither "latest" nor
// vMAJOR.MINOR.PATCH.
var ErrVersionInvalid = errors.New("invalid periphery version")

// Version is a parsed vMAJOR.MINOR.PATCH release tag.
type Version struct {
	Major int
	Minor int
	Patch int
}

// String renders the canonical v-prefixed form.
func (v Version) String() string {
	return fmt.Sprintf("v%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Compare returns -1, 0 or 1 as v is older than, equal to or newer than o.
func (v Version) Compare(o Version) int {
	pairs := [][2]int{{v.Major, o.Major}, {v.Minor, o.Minor}, {v.Patch, o.Patch}}
	for _, p := range pairs {
		if p[0] < p[1] {
			return -1
		}
		if p[0] > p[1] {
			return 1
		}
	}
	return 0
}

// Parse parses a vX.Y.Z tag. The leading "v" is required - that is how the
// upstream Komodo releases are tagged.
func Parse(s string) (Version, error) {
	if !strings.HasPrefix(s, "v") {
		return Version{}, fmt.Errorf("%q: %w", s, ErrVersionInvalid)
	}
	parts := strings.Split(strings.TrimPrefix(s, "v"), ".")
	if len(parts) != 3 {
		return Version{}, fmt.Errorf("%q: %w", s, ErrVersionInvalid)
	}

	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return Version{}, fmt.Errorf("%q: %w", s, ErrVersionInvalid)
		}
		nums[i] = n
	}
	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

// ValidateDesired checks a version string as it appears in the inventory:
// either "latest" or a parseable tag.
func ValidateDesired(s string) error {
	if s == Latest {
		return nil
	}
	_, err := Parse(s)
	return err
}

// NeedsUpdate reports whether an installed version differs from the desired
// one. An empty installed string means the agent is absent or unreadable and
// is treated as needing work by the planner before this is consulted.
func NeedsUpdate(installed, desired string) bool {
	if desired == Latest {
		return true
	}
	if installed == desired {
		return false
	}
	iv, ierr := Parse(installed)
	dv, derr := Parse(desired)
	if ierr != nil || derr != nil {
		// Unparseable on either side: fall back to string inequality.
		return true
	}
	return iv.Compare(dv) != 0
}
