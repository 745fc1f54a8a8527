package inventory

import (
	"fmt"
	"path"
	"sort"
	"strings"
)

// =============================================================================
// Host Selection
// =============================================================================

// Select resolves a limit pattern into a sorted list of hosts.
//
// Patterns:
//   - "" or "all"        every host
//   - "name"             exact host name
//   - "web-*"            glob against host names
//   - "group:NAME"       members of a group
//   - "site:TAG"         hosts with a matching site var
//
// Comma-separated patterns union their matches.
func Select(f *Fleet, limit string) ([]*Host, error) {
	limit = strings.TrimSpace(limit)
	if limit == "" || limit == "all" {
		return allHosts(f), nil
	}

	matched := map[string]*Host{}
	for _, pattern := range strings.Split(limit, ",") {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		for _, h := range matchPattern(f, pattern) {
			matched[h.Name] = h
		}
	}

	if len(matched) == 0 {
		return nil, fmt.Errorf("%q: %w", limit, ErrNoHostsMatched)
	}

	hosts := make([]*Host, 0, len(matched))
	for _, h := range matched {
		hosts = append(hosts, h)
	}
	sort.Slice(hosts, func(i, j int) bool { return hosts[i].Name < hosts[j].Name })
	return hosts, nil
}

func matchPattern(f *Fleet, pattern string) []*Host {
	switch {
	case strings.HasPrefix(pattern, "group:"):
		group := strings.TrimPrefix(pattern, "group:")
		var hosts []*Host
		for _, name := range f.Groups[group] {
			if h, ok := f.Hosts[name]; ok {
				hosts = append(hosts, h)
			}
		}
		return hosts

	case strings.HasPrefix(pattern, "site:"):
		site := strings.TrimPrefix(pattern, "site:")
		var hosts []*Host
		for _, name := range f.HostNames() {
			if f.Hosts[name].Site == site {
				hosts = append(hosts, f.Hosts[name])
			}
		}
		return hosts

	default:
		var hosts []*Host
		for _, name := range f.HostNames() {
			// path.Match never errors on patterns without brackets; a bad
			// pattern simply matches nothing.
			if ok, _ := path.Match(pattern, name); ok || pattern == name {
				hosts = append(hosts, f.Hosts[name])
			}
		}
		return hosts
	}
}

func allHosts(f *Fleet) []*Host {
	hosts := make([]*Host, 0, len(f.Hosts))
	for _, name := range f.HostNames() {
		hosts = append(hosts, f.Hosts[name])
	}
	return hosts
}
