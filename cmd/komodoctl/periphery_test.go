package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fleetlab/komodoctl/internal/core/inventory"
)

// =============================================================================
// Tag Filtering
// =============================================================================

func tagHost(name string, groups, stacks []string) *inventory.Host {
	return &inventory.Host{Name: name, Groups: groups, Stacks: stacks}
}

func TestSplitTags(t *testing.T) {
	assert.Nil(t, splitTags(""))
	assert.Equal(t, []string{"media"}, splitTags("media"))
	assert.Equal(t, []string{"media", "infra"}, splitTags(" media , infra ,"))
}

func TestFilterByTags_EmptyKeepsEveryHost(t *testing.T) {
	hosts := []*inventory.Host{
		tagHost("nas", []string{"storage"}, []string{"immich"}),
		tagHost("pi", nil, nil),
	}

	assert.Equal(t, hosts, filterByTags(hosts, ""))
}

func TestFilterByTags_MatchesStackOrGroup(t *testing.T) {
	nas := tagHost("nas", []string{"storage"}, []string{"immich", "paperless"})
	pi := tagHost("pi", []string{"edge"}, []string{"pihole"})
	vps := tagHost("vps", nil, []string{"uptime"})

	hosts := []*inventory.Host{nas, pi, vps}

	// Stack tag selects only the host running it.
	assert.Equal(t, []*inventory.Host{nas}, filterByTags(hosts, "immich"))

	// Group tag selects members of the group.
	assert.Equal(t, []*inventory.Host{pi}, filterByTags(hosts, "edge"))

	// Multiple tags union their matches, each host at most once.
	assert.Equal(t, []*inventory.Host{nas, pi}, filterByTags(hosts, "immich,edge,paperless"))
}

func TestFilterByTags_NoMatchYieldsEmpty(t *testing.T) {
	hosts := []*inventory.Host{tagHost("nas", []string{"storage"}, []string{"immich"})}

	assert.Empty(t, filterByTags(hosts, "nonexistent"))
}
