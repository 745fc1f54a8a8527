package agent

import (
	"fmt"
	"strings"
)

// =============================================================================
// Remote Paths and Commands
//
// Pure builders so the exact command lines are unit-testable without a host.
// =============================================================================

const (
	// UnitName is the systemd unit managing the agent.
	UnitName = "komodo-periphery"

	// BinaryPath is where the agent binary is installed.
	BinaryPath = "/usr/local/bin/periphery"

	// releaseURLTemplate is the upstream download location for a pinned tag.
	releaseURLTemplate = "https://github.com/moghtech/komodo/releases/download/%s/periphery-x86_64"

	// latestReleaseURL is the floating download location.
	latestReleaseURL = "https://github.com/moghtech/komodo/releases/latest/download/periphery-x86_64"
)

// ReleaseURL returns the download URL for a desired version.
func ReleaseURL(version string) string {
	if version == "latest" {
		return latestReleaseURL
	}
	return fmt.Sprintf(releaseURLTemplate, version)
}

// ConfigPath returns the agent config location under the configured root.
func ConfigPath(root string) string {
	return strings.TrimRight(root, "/") + "/periphery.config.toml"
}

// probe commands ------------------------------------------------------------

func cmdUnitActive() string {
	return fmt.Sprintf("systemctl is-active %s", UnitName)
}

func cmdBinaryPresent() string {
	return fmt.Sprintf("test -x %s", BinaryPath)
}

func cmdAgentVersion() string {
	return fmt.Sprintf("%s --version", BinaryPath)
}

func cmdDockerPresent() string {
	return "docker version --format '{{.Server.Version}}'"
}

// lifecycle commands ---------------------------------------------------------

func cmdDownloadBinary(version string) string {
	// Download to a temp path first so a failed transfer never truncates a
	// working binary.
	return fmt.Sprintf(
		"curl -fsSL %s -o %s.new && chmod 755 %s.new && mv %s.new %s",
		ReleaseURL(version), BinaryPath, BinaryPath, BinaryPath, BinaryPath,
	)
}

func cmdDaemonReload() string {
	return "systemctl daemon-reload"
}

func cmdEnableNow() string {
	return fmt.Sprintf("systemctl enable --now %s", UnitName)
}

func cmdStop() string {
	return fmt.Sprintf("systemctl stop %s", UnitName)
}

func cmdStart() string {
	return fmt.Sprintf("systemctl start %s", UnitName)
}

func cmdDisableNow() string {
	return fmt.Sprintf("systemctl disable --now %s", UnitName)
}

func cmdRemoveArtifacts(root string) string {
	return fmt.Sprintf(
		"rm -f /etc/systemd/system/%s.service %s && rm -rf %s && systemctl daemon-reload",
		UnitName, BinaryPath, strings.TrimRight(root, "/"),
	)
}

// =============================================================================
// Rendered Files
// =============================================================================

// SystemdUnit renders the agent's unit file.
func SystemdUnit(root string) string {
	return fmt.Sprintf(`[Unit]
Description=Komodo Periphery agent
After=network-online.target docker.service
Wants=network-online.target

[Service]
ExecStart=%s --config-path %s
Restart=on-failure
RestartSec=5

[Install]
WantedBy=multi-user.target
`, BinaryPath, ConfigPath(root))
}

// UnitFilePath returns where the unit file is installed.
func UnitFilePath() string {
	return fmt.Sprintf("/etc/systemd/system/%s.service", UnitName)
}

// RenderConfig renders the agent's TOML config. The passkey arrives already
// resolved from 1Password.
func RenderConfig(port int, passkey string, allowedCoreAddr string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "port = %d\n", port)
	fmt.Fprintf(&b, "passkeys = [%q]\n", passkey)
	if allowedCoreAddr != "" {
		fmt.Fprintf(&b, "allowed_ips = [%q]\n", allowedCoreAddr)
	}
	b.WriteString("stack_dir = \"/etc/komodo/stacks\"\n")
	return b.String()
}

// ParseVersionOutput extracts the version tag from `periphery --version`
// output such as "periphery v1.16.12".
func ParseVersionOutput(out string) string {
	fields := strings.Fields(strings.TrimSpace(out))
	for _, f := range fields {
		if strings.HasPrefix(f, "v") {
			return f
		}
	}
	return strings.TrimSpace(out)
}
