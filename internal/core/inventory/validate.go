package inventory

import (
	"fmt"
)

// =============================================================================
// Fleet Validation
// =============================================================================

// Validate checks the resolved fleet for configuration mistakes that would
// otherwise surface mid-deploy. It collects every problem instead of
// stopping at the first one.
func Validate(f *Fleet) []error {
	var errs []error

	// Core definition
	if f.Core.Host == "" {
		errs = append(errs, ErrCoreHostRequired)
	} else if _, ok := f.Hosts[f.Core.Host]; !ok {
		errs = append(errs, fmt.Errorf("core host %q: %w", f.Core.Host, ErrHostNotFound))
	}
	if err := ValidatePort(f.Core.Port); err != nil {
		errs = append(errs, fmt.Errorf("core port %d: %w", f.Core.Port, ErrCorePortInvalid))
	}

	// Hosts
	for _, name := range f.HostNames() {
		h := f.Hosts[name]
		if err := ValidateHostName(name); err != nil {
			errs = append(errs, err)
		}
		if err := ValidateAddr(h.Addr); err != nil {
			errs = append(errs, fmt.Errorf("host %q: %w", name, err))
		}
		if h.SSHUser == "" {
			errs = append(errs, fmt.Errorf("host %q: %w", name, ErrSSHUserRequired))
		}
		if err := ValidatePort(h.SSHPort); err != nil {
			errs = append(errs, fmt.Errorf("host %q ssh port %d: %w", name, h.SSHPort, err))
		}
		if err := ValidatePort(h.PeripheryPort); err != nil {
			errs = append(errs, fmt.Errorf("host %q periphery port %d: %w", name, h.PeripheryPort, err))
		}

		// The agent cannot listen where the core API does.
		if name == f.Core.Host && h.PeripheryPort == f.Core.Port {
			errs = append(errs, fmt.Errorf("host %q port %d: %w", name, f.Core.Port, ErrPortCollision))
		}
	}

	// Stacks
	for _, name := range f.StackNames() {
		s := f.Stacks[name]
		if s.Repo == "" {
			errs = append(errs, fmt.Errorf("stack %q: repo is required", name))
		}
		if s.Server == "" {
			errs = append(errs, fmt.Errorf("stack %q: server is required", name))
		} else if _, ok := f.Hosts[s.Server]; !ok {
			errs = append(errs, fmt.Errorf("stack %q server %q: %w", name, s.Server, ErrUnknownStackHost))
		}
	}

	// Secret schema
	if f.Secrets.Vault == "" {
		errs = append(errs, ErrVaultRequired)
	}
	if f.Secrets.CoreItem == "" {
		errs = append(errs, ErrCoreItemRequired)
	}
	for key, field := range f.Secrets.Fields {
		if field == "" {
			errs = append(errs, fmt.Errorf("secret %q: %w", key, ErrFieldNameRequired))
		}
	}

	return errs
}
