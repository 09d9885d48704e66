package plugin

import (
	"fmt"
	"slices"
)

// CapabilityPolicy restricts which capabilities plugins may declare. An empty
// allow list permits everything that is not explicitly denied.
type CapabilityPolicy struct {
	AllowedCapabilities []string `yaml:"allowedCapabilities" json:"allowed_capabilities,omitempty"`
	DeniedCapabilities  []string `yaml:"deniedCapabilities" json:"denied_capabilities,omitempty"`
}

// Merge returns a new policy using values from other when not present.
func (p CapabilityPolicy) Merge(other CapabilityPolicy) CapabilityPolicy {
	if len(p.AllowedCapabilities) == 0 {
		p.AllowedCapabilities = other.AllowedCapabilities
	}
	if len(p.DeniedCapabilities) == 0 {
		p.DeniedCapabilities = other.DeniedCapabilities
	}
	return p
}

// Empty reports whether the policy restricts nothing.
func (p CapabilityPolicy) Empty() bool {
	return len(p.AllowedCapabilities) == 0 && len(p.DeniedCapabilities) == 0
}

// Check returns one error per capability the policy rejects.
func (p CapabilityPolicy) Check(capabilities []string) []error {
	var errs []error
	for _, c := range capabilities {
		if slices.Contains(p.DeniedCapabilities, c) {
			errs = append(errs, fmt.Errorf("Capability %s is explicitly denied", c))
			continue
		}
		if len(p.AllowedCapabilities) > 0 && !slices.Contains(p.AllowedCapabilities, c) {
			errs = append(errs, fmt.Errorf("Capability %s is not permitted", c))
		}
	}
	return errs
}
