// Package agent manages the Komodo Periphery agent lifecycle on fleet hosts
// over SSH.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/fleetlab/komodoctl/internal/core/inventory"
	"github.com/fleetlab/komodoctl/internal/core/plan"
	"github.com/fleetlab/komodoctl/internal/shell/sshexec"
)

// ErrVersionMismatch is returned when an install or update finishes but the
// agent reports a different version than requested.
var ErrVersionMismatch = errors.New("agent reports unexpected version after deploy")

// Exec is the remote execution surface the manager needs. *sshexec.Client
// satisfies it; tests use a fake.
type Exec interface {
	Run(ctx context.Context, command string) ([]byte, error)
	Upload(ctx context.Context, path string, content []byte, mode string) error
}

// Manager drives agent lifecycle operations on a single host.
type Manager struct {
	host   *inventory.Host
	exec   Exec
	logger *slog.Logger
}

// NewManager creates a manager for one host.
func NewManager(host *inventory.Host, exec Exec, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		host:   host,
		exec:   exec,
		logger: logger.With("component", "agent", "host", host.Name),
	}
}

// =============================================================================
// Probing
// =============================================================================

// Probe inspects the host and reports the observed agent state. SSH-level
// failures mark the host unreachable; command-level failures are state.
func (m *Manager) Probe(ctx context.Context) plan.Observation {
	obs := plan.Observation{}

	// Binary presence doubles as the reachability check: any transport error
	// here means we cannot manage the host at all.
	_, err := m.exec.Run(ctx, cmdBinaryPresent())
	switch {
	case err == nil:
		obs.Reachable = true
		obs.AgentPresent = true
	case isExitError(err):
		obs.Reachable = true
	default:
		obs.ProbeError = err.Error()
		return obs
	}

	if obs.AgentPresent {
		if out, err := m.exec.Run(ctx, cmdAgentVersion()); err == nil {
			obs.AgentVersion = ParseVersionOutput(string(out))
		}
		if out, err := m.exec.Run(ctx, cmdUnitActive()); err == nil {
			obs.AgentActive = strings.TrimSpace(string(out)) == "active"
		}
	}

	if _, err := m.exec.Run(ctx, cmdDockerPresent()); err == nil {
		obs.DockerPresent = true
	}

	return obs
}

// =============================================================================
// Lifecycle
// =============================================================================

// Install performs a first-time agent install: config, binary, unit, start.
func (m *Manager) Install(ctx context.Context, version, passkey, coreAddr string) error {
	m.logger.Info("installing periphery agent", "version", version)

	config := RenderConfig(m.host.PeripheryPort, passkey, coreAddr)
	if err := m.exec.Upload(ctx, ConfigPath(m.host.PeripheryRoot), []byte(config), "600"); err != nil {
		return err
	}

	if _, err := m.exec.Run(ctx, cmdDownloadBinary(version)); err != nil {
		return fmt.Errorf("download agent binary: %w", err)
	}

	if err := m.exec.Upload(ctx, UnitFilePath(), []byte(SystemdUnit(m.host.PeripheryRoot)), "644"); err != nil {
		return err
	}
	if _, err := m.exec.Run(ctx, cmdDaemonReload()); err != nil {
		return fmt.Errorf("daemon-reload: %w", err)
	}
	if _, err := m.exec.Run(ctx, cmdEnableNow()); err != nil {
		return fmt.Errorf("enable agent unit: %w", err)
	}

	return m.verifyVersion(ctx, version)
}

// Update swaps the agent binary to the target version and restarts the unit.
func (m *Manager) Update(ctx context.Context, version string) error {
	m.logger.Info("updating periphery agent", "version", version)

	if _, err := m.exec.Run(ctx, cmdStop()); err != nil {
		return fmt.Errorf("stop agent unit: %w", err)
	}
	if _, err := m.exec.Run(ctx, cmdDownloadBinary(version)); err != nil {
		// Best effort: bring the old binary back up rather than leave the
		// host agentless.
		m.exec.Run(ctx, cmdStart()) //nolint:errcheck
		return fmt.Errorf("download agent binary: %w", err)
	}
	if _, err := m.exec.Run(ctx, cmdStart()); err != nil {
		return fmt.Errorf("start agent unit: %w", err)
	}

	return m.verifyVersion(ctx, version)
}

// Uninstall stops the unit and removes agent artifacts from the host.
func (m *Manager) Uninstall(ctx context.Context) error {
	m.logger.Info("uninstalling periphery agent")

	if _, err := m.exec.Run(ctx, cmdDisableNow()); err != nil && !isExitError(err) {
		return fmt.Errorf("disable agent unit: %w", err)
	}
	if _, err := m.exec.Run(ctx, cmdRemoveArtifacts(m.host.PeripheryRoot)); err != nil {
		return fmt.Errorf("remove agent artifacts: %w", err)
	}
	return nil
}

// verifyVersion confirms the running binary matches the requested tag.
// "latest" cannot be verified against a concrete tag, so it only checks that
// the binary answers.
func (m *Manager) verifyVersion(ctx context.Context, version string) error {
	out, err := m.exec.Run(ctx, cmdAgentVersion())
	if err != nil {
		return fmt.Errorf("verify agent version: %w", err)
	}
	got := ParseVersionOutput(string(out))
	if version != "latest" && got != version {
		return fmt.Errorf("%w: want %s, got %s", ErrVersionMismatch, version, got)
	}
	return nil
}

func isExitError(err error) bool {
	var exitErr *sshexec.ExitError
	return errors.As(err, &exitErr)
}
