// Package inventory contains the fleet inventory model and its resolution
// logic. This is part of the Functional Core - loading reads one file,
// everything else is pure.
package inventory

import (
	"errors"
	"fmt"
	"net"
	"regexp"
)

// =============================================================================
// Inventory Errors
// =============================================================================

var (
	// Host validation errors
	ErrHostNameRequired = errors.New("host name is required")
	ErrHostNameInvalid  = errors.New("host name must be a DNS-safe label")
	ErrHostAddrRequired = errors.New("host address is required")
	ErrHostAddrInvalid  = errors.New("host address must be a valid hostname or IP")
	ErrSSHPortInvalid   = errors.New("ssh port must be between 1 and 65535")
	ErrSSHUserRequired  = errors.New("ssh user is required")

	// Fleet-level validation errors
	ErrCoreHostRequired  = errors.New("core host is required")
	ErrCorePortInvalid   = errors.New("core port must be between 1 and 65535")
	ErrPortCollision     = errors.New("periphery port collides with core port on the same host")
	ErrUnknownGroupHost  = errors.New("group references an undefined host")
	ErrUnknownStackHost  = errors.New("stack references an undefined host")
	ErrVaultRequired     = errors.New("secrets vault is required")
	ErrCoreItemRequired  = errors.New("secrets core item is required")
	ErrFieldNameRequired = errors.New("secret field name cannot be empty")

	// Selection errors
	ErrNoHostsMatched = errors.New("no hosts matched the limit pattern")
	ErrHostNotFound   = errors.New("host not found in inventory")
	ErrHostExists     = errors.New("host already exists in inventory")
)

// hostNameRegex matches DNS-safe labels: lowercase alphanumerics and hyphens,
// not starting or ending with a hyphen.
var hostNameRegex = regexp.MustCompile(`^[a-z0-9]([a-z0-9\-]{0,61}[a-z0-9])?$`)

// =============================================================================
// Core
// =============================================================================

// Core describes the host running the Komodo Core control plane.
type Core struct {
	Host     string `yaml:"host"`
	Addr     string `yaml:"addr,omitempty"`
	APIURL   string `yaml:"api_url"`
	Port     int    `yaml:"port"`
	StackDir string `yaml:"stack_dir,omitempty"`
}

// =============================================================================
// Defaults
// =============================================================================

// Defaults hold fleet-wide fallback values applied to every host before
// group and host variables are merged on top.
type Defaults struct {
	SSHUser          string `yaml:"ssh_user"`
	SSHPort          int    `yaml:"ssh_port"`
	PeripheryVersion string `yaml:"periphery_version"`
	PeripheryPort    int    `yaml:"periphery_port"`
	PeripheryRoot    string `yaml:"periphery_root"`
}

// withFallbacks fills zero values with built-in defaults.
func (d Defaults) withFallbacks() Defaults {
	if d.SSHUser == "" {
		d.SSHUser = "root"
	}
	if d.SSHPort == 0 {
		d.SSHPort = 22
	}
	if d.PeripheryPort == 0 {
		d.PeripheryPort = 8120
	}
	if d.PeripheryRoot == "" {
		d.PeripheryRoot = "/etc/komodo"
	}
	if d.PeripheryVersion == "" {
		d.PeripheryVersion = "latest"
	}
	return d
}

// =============================================================================
// Host
// =============================================================================

// Host is a fully resolved fleet member: defaults, group variables and host
// variables have already been merged (host wins over group, group over
// defaults).
type Host struct {
	Name             string
	Addr             string
	SSHUser          string
	SSHPort          int
	Site             string
	Groups           []string
	Stacks           []string
	PeripheryVersion string
	PeripheryPort    int
	PeripheryRoot    string
	Vars             map[string]string
}

// SSHAddress returns the host:port SSH dial address.
func (h *Host) SSHAddress() string {
	return net.JoinHostPort(h.Addr, fmt.Sprintf("%d", h.SSHPort))
}

// InGroup reports whether the host belongs to the named group.
func (h *Host) InGroup(group string) bool {
	for _, g := range h.Groups {
		if g == group {
			return true
		}
	}
	return false
}

// RunsStack reports whether the stack is assigned to this host.
func (h *Host) RunsStack(stack string) bool {
	for _, s := range h.Stacks {
		if s == stack {
			return true
		}
	}
	return false
}

// =============================================================================
// Secrets
// =============================================================================

// Secrets names the 1Password vault, item and field labels that hold the
// platform credentials. Only names live in the inventory - values are fetched
// at run time.
type Secrets struct {
	Vault    string            `yaml:"vault"`
	CoreItem string            `yaml:"core_item"`
	Fields   map[string]string `yaml:"fields"`
}

// =============================================================================
// Stack
// =============================================================================

// Stack is a GitOps-managed compose stack registered in Komodo.
type Stack struct {
	Name          string `yaml:"-"`
	Repo          string `yaml:"repo"`
	Branch        string `yaml:"branch,omitempty"`
	Path          string `yaml:"path,omitempty"`
	Server        string `yaml:"server"`
	Poll          bool   `yaml:"poll,omitempty"`
	WebhookSecret string `yaml:"webhook_secret,omitempty"`
}

// BranchOrDefault returns the configured branch, falling back to "main".
func (s Stack) BranchOrDefault() string {
	if s.Branch == "" {
		return "main"
	}
	return s.Branch
}

// =============================================================================
// Fleet
// =============================================================================

// Fleet is the resolved inventory: the core definition plus every host with
// variables merged, keyed structures for groups and stacks, and the secret
// schema.
type Fleet struct {
	Core     Core
	Defaults Defaults
	Hosts    map[string]*Host
	Groups   map[string][]string // group name -> sorted host names
	Secrets  Secrets
	Stacks   map[string]Stack
}

// Host returns the named host or ErrHostNotFound.
func (f *Fleet) Host(name string) (*Host, error) {
	h, ok := f.Hosts[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrHostNotFound)
	}
	return h, nil
}

// StackServer resolves the host a stack is pinned to.
func (f *Fleet) StackServer(stack string) (*Host, error) {
	s, ok := f.Stacks[stack]
	if !ok {
		return nil, fmt.Errorf("stack %q: %w", stack, ErrHostNotFound)
	}
	return f.Host(s.Server)
}

// =============================================================================
// Field Validation
// =============================================================================

// ValidateHostName validates an inventory host name.
func ValidateHostName(name string) error {
	if name == "" {
		return ErrHostNameRequired
	}
	if !hostNameRegex.MatchString(name) {
		return fmt.Errorf("%q: %w", name, ErrHostNameInvalid)
	}
	return nil
}

// ValidateAddr validates a host address (hostname or IP).
func ValidateAddr(addr string) error {
	if addr == "" {
		return ErrHostAddrRequired
	}
	if ip := net.ParseIP(addr); ip != nil {
		return nil
	}
	hostnameRegex := regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?)*$`)
	if hostnameRegex.MatchString(addr) {
		return nil
	}
	return fmt.Errorf("%q: %w", addr, ErrHostAddrInvalid)
}

// ValidatePort validates a TCP port number.
func ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return ErrSSHPortInvalid
	}
	return nil
}
