package inventory

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Raw Document Types
// =============================================================================

// document mirrors the on-disk YAML layout before resolution.
type document struct {
	Core     Core                `yaml:"core"`
	Defaults Defaults            `yaml:"defaults"`
	Groups   map[string]rawGroup `yaml:"groups"`
	Hosts    map[string]rawHost  `yaml:"hosts"`
	Secrets  Secrets             `yaml:"secrets"`
	Stacks   map[string]Stack    `yaml:"stacks"`
}

type rawGroup struct {
	Vars  map[string]string `yaml:"vars,omitempty"`
	Hosts []string          `yaml:"hosts"`
}

type rawHost struct {
	Addr    string            `yaml:"addr"`
	SSHUser string            `yaml:"ssh_user,omitempty"`
	SSHPort int               `yaml:"ssh_port,omitempty"`
	Stacks  []string          `yaml:"stacks,omitempty"`
	Vars    map[string]string `yaml:"vars,omitempty"`
}

// Variable keys recognised during resolution. Anything else stays in
// Host.Vars untouched.
const (
	varSite             = "site"
	varSSHUser          = "ssh_user"
	varSSHPort          = "ssh_port"
	varPeripheryVersion = "periphery_version"
	varPeripheryPort    = "periphery_port"
	varPeripheryRoot    = "periphery_root"
)

// =============================================================================
// Loading
// =============================================================================

// Load reads and resolves the inventory file at path.
func Load(path string) (*Fleet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read inventory: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML inventory document and resolves it into a Fleet.
// Unknown keys are rejected so typos fail loudly instead of silently
// deploying with defaults.
func Parse(data []byte) (*Fleet, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse inventory: %w", err)
	}

	return resolve(&doc)
}

// resolve merges defaults, group vars and host vars into fully resolved
// hosts. Merge order: defaults < group vars (in sorted group order) < host
// fields < host vars.
func resolve(doc *document) (*Fleet, error) {
	defaults := doc.Defaults.withFallbacks()

	fleet := &Fleet{
		Core:     doc.Core,
		Defaults: defaults,
		Hosts:    make(map[string]*Host, len(doc.Hosts)),
		Groups:   make(map[string][]string, len(doc.Groups)),
		Secrets:  doc.Secrets,
		Stacks:   make(map[string]Stack, len(doc.Stacks)),
	}

	// Group membership, sorted for deterministic merge order.
	groupsOf := make(map[string][]string)
	for name, g := range doc.Groups {
		members := append([]string(nil), g.Hosts...)
		sort.Strings(members)
		fleet.Groups[name] = members
		for _, h := range members {
			if _, ok := doc.Hosts[h]; !ok {
				return nil, fmt.Errorf("group %q host %q: %w", name, h, ErrUnknownGroupHost)
			}
			groupsOf[h] = append(groupsOf[h], name)
		}
	}

	for name, raw := range doc.Hosts {
		host := &Host{
			Name:             name,
			Addr:             raw.Addr,
			SSHUser:          defaults.SSHUser,
			SSHPort:          defaults.SSHPort,
			PeripheryVersion: defaults.PeripheryVersion,
			PeripheryPort:    defaults.PeripheryPort,
			PeripheryRoot:    defaults.PeripheryRoot,
			Stacks:           append([]string(nil), raw.Stacks...),
			Vars:             map[string]string{},
		}

		groups := append([]string(nil), groupsOf[name]...)
		sort.Strings(groups)
		host.Groups = groups

		for _, g := range groups {
			if err := applyVars(host, doc.Groups[g].Vars); err != nil {
				return nil, fmt.Errorf("group %q: %w", g, err)
			}
		}

		if raw.SSHUser != "" {
			host.SSHUser = raw.SSHUser
		}
		if raw.SSHPort != 0 {
			host.SSHPort = raw.SSHPort
		}
		if err := applyVars(host, raw.Vars); err != nil {
			return nil, fmt.Errorf("host %q: %w", name, err)
		}

		fleet.Hosts[name] = host
	}

	for name, s := range doc.Stacks {
		s.Name = name
		fleet.Stacks[name] = s
	}

	return fleet, nil
}

// applyVars folds a var map into a host, interpreting the recognised keys
// and keeping the rest as opaque extras.
func applyVars(h *Host, vars map[string]string) error {
	// Apply in sorted key order so duplicate-free output is deterministic.
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := vars[k]
		switch k {
		case varSite:
			h.Site = v
		case varSSHUser:
			h.SSHUser = v
		case varSSHPort:
			port, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("ssh_port %q: %w", v, ErrSSHPortInvalid)
			}
			h.SSHPort = port
		case varPeripheryVersion:
			h.PeripheryVersion = v
		case varPeripheryPort:
			port, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("periphery_port %q: %w", v, ErrSSHPortInvalid)
			}
			h.PeripheryPort = port
		case varPeripheryRoot:
			h.PeripheryRoot = v
		default:
			h.Vars[k] = v
		}
	}
	return nil
}

// HostNames returns all host names in sorted order.
func (f *Fleet) HostNames() []string {
	names := make([]string, 0, len(f.Hosts))
	for n := range f.Hosts {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// StackNames returns all stack names in sorted order.
func (f *Fleet) StackNames() []string {
	names := make([]string, 0, len(f.Stacks))
	for n := range f.Stacks {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
