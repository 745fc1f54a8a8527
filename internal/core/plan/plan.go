// Package plan turns desired agent state and observed host state into
// per-host actions. Pure functions only - probing and execution live in the
// shell packages.
package plan

import (
	"sort"

	"github.com/fleetlab/komodoctl/internal/core/inventory"
	"github.com/fleetlab/komodoctl/internal/core/release"
)

// =============================================================================
// Actions
// =============================================================================

// Action is what the orchestrator should do on a host.
type Action string

const (
	ActionInstall     Action = "install"
	ActionUpdate      Action = "update"
	ActionUninstall   Action = "uninstall"
	ActionSkip        Action = "skip"
	ActionUnreachable Action = "unreachable"
)

// =============================================================================
// Observed State
// =============================================================================

// Observation is the result of probing one host.
type Observation struct {
	// Reachable is false when the SSH probe itself failed.
	Reachable bool
	// ProbeError holds the probe failure message when Reachable is false.
	ProbeError string
	// AgentPresent reports whether the periphery unit exists on the host.
	AgentPresent bool
	// AgentActive reports whether the unit is running.
	AgentActive bool
	// AgentVersion is the installed agent version ("" when absent).
	AgentVersion string
	// DockerPresent reports whether a Docker daemon answered on the host.
	DockerPresent bool
}

// =============================================================================
// Host Plans
// =============================================================================

// HostPlan is the planned action for a single host.
type HostPlan struct {
	Host        *inventory.Host
	Action      Action
	FromVersion string
	ToVersion   string
	Reason      string
}

// Operation selects the planning mode.
type Operation string

const (
	OpDeploy    Operation = "deploy"
	OpUpdate    Operation = "update"
	OpUninstall Operation = "uninstall"
)

// Options tune planning behaviour.
type Options struct {
	// VersionOverride replaces the inventory-pinned version for this run.
	VersionOverride string
	// Force plans updates even when versions already match.
	Force bool
}

// Build produces a deterministic plan (hosts sorted by name) for the given
// operation over the selected hosts and their observations. Hosts missing an
// observation are treated as unreachable.
func Build(op Operation, hosts []*inventory.Host, observed map[string]Observation, opts Options) []HostPlan {
	sorted := append([]*inventory.Host(nil), hosts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	plans := make([]HostPlan, 0, len(sorted))
	for _, h := range sorted {
		obs, ok := observed[h.Name]
		if !ok {
			obs = Observation{ProbeError: "no probe result"}
		}
		plans = append(plans, planHost(op, h, obs, opts))
	}
	return plans
}

func planHost(op Operation, h *inventory.Host, obs Observation, opts Options) HostPlan {
	desired := h.PeripheryVersion
	if opts.VersionOverride != "" {
		desired = opts.VersionOverride
	}

	if !obs.Reachable {
		return HostPlan{Host: h, Action: ActionUnreachable, Reason: obs.ProbeError}
	}

	switch op {
	case OpUninstall:
		if !obs.AgentPresent {
			return HostPlan{Host: h, Action: ActionSkip, Reason: "agent not installed"}
		}
		return HostPlan{Host: h, Action: ActionUninstall, FromVersion: obs.AgentVersion}

	case OpDeploy:
		if !obs.DockerPresent {
			return HostPlan{Host: h, Action: ActionSkip, Reason: "docker not available"}
		}
		if !obs.AgentPresent {
			return HostPlan{Host: h, Action: ActionInstall, ToVersion: desired}
		}
		if opts.Force || release.NeedsUpdate(obs.AgentVersion, desired) {
			return HostPlan{Host: h, Action: ActionUpdate, FromVersion: obs.AgentVersion, ToVersion: desired}
		}
		if !obs.AgentActive {
			return HostPlan{Host: h, Action: ActionUpdate, FromVersion: obs.AgentVersion, ToVersion: desired, Reason: "agent unit inactive"}
		}
		return HostPlan{Host: h, Action: ActionSkip, Reason: "up to date"}

	case OpUpdate:
		if !obs.AgentPresent {
			// Update never installs: that is deploy's job.
			return HostPlan{Host: h, Action: ActionSkip, Reason: "agent not installed"}
		}
		if opts.Force || release.NeedsUpdate(obs.AgentVersion, desired) {
			return HostPlan{Host: h, Action: ActionUpdate, FromVersion: obs.AgentVersion, ToVersion: desired}
		}
		return HostPlan{Host: h, Action: ActionSkip, Reason: "up to date"}

	default:
		return HostPlan{Host: h, Action: ActionSkip, Reason: "unknown operation"}
	}
}

// Summary counts plans per action.
func Summary(plans []HostPlan) map[Action]int {
	counts := map[Action]int{}
	for _, p := range plans {
		counts[p.Action]++
	}
	return counts
}

// HasWork reports whether any plan requires touching a host.
func HasWork(plans []HostPlan) bool {
	for _, p := range plans {
		switch p.Action {
		case ActionInstall, ActionUpdate, ActionUninstall:
			return true
		}
	}
	return false
}
