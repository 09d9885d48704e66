package plugin

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/mod/semver"

	xerrors "OpenMCP-Mesh/internal/errors"
	"OpenMCP-Mesh/pkg/graph"
)

// MaxConfigBytes is the default ceiling for the JSON encoded config block.
const MaxConfigBytes = 100 * 1024

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidIdentifier reports whether s can be used as a plugin id or capability name.
func ValidIdentifier(s string) bool {
	return identifierPattern.MatchString(s)
}

var nonIdentifierChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// DeriveID builds an identifier from name and a time based suffix. It is used
// when a plugin or service is registered without an explicit id.
func DeriveID(name string, now time.Time) string {
	slug := strings.Trim(nonIdentifierChars.ReplaceAllString(strings.ToLower(name), "-"), "-")
	if slug == "" {
		slug = "id"
	}
	return slug + "-" + strconv.FormatInt(now.UnixNano(), 36)
}

// ValidatorOption customises a Validator.
type ValidatorOption func(*Validator)

// WithMaxConfigBytes overrides the config size ceiling.
func WithMaxConfigBytes(n int) ValidatorOption {
	return func(v *Validator) {
		if n > 0 {
			v.maxConfigBytes = n
		}
	}
}

// WithCapabilityPolicy restricts the capabilities plugins may declare.
func WithCapabilityPolicy(policy CapabilityPolicy) ValidatorOption {
	return func(v *Validator) {
		v.policy = policy
	}
}

// Validator checks plugin metadata. It holds no state besides its options and
// is safe for concurrent use.
type Validator struct {
	maxConfigBytes int
	policy         CapabilityPolicy
}

// NewValidator constructs a validator with the default limits.
func NewValidator(opts ...ValidatorOption) *Validator {
	v := &Validator{maxConfigBytes: MaxConfigBytes}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// Validate runs every rule against candidate and returns all violations at
// once as a VALIDATION_FAILED error. existing is the current set of
// registered records; a record sharing the candidate's id is replaced by the
// candidate when dependencies and cycles are evaluated.
func (v *Validator) Validate(candidate Record, existing []Record) error {
	var reasons error
	reasons = multierr.Append(reasons, v.validateShape(candidate))
	reasons = multierr.Append(reasons, v.validateConfig(candidate.Config))
	reasons = multierr.Append(reasons, v.validateDependencies(candidate, existing))
	return xerrors.Validation(reasons)
}

func (v *Validator) validateShape(rec Record) error {
	var errs error
	switch {
	case rec.ID == "":
		errs = multierr.Append(errs, errors.New("Missing required field: id"))
	case !ValidIdentifier(rec.ID):
		errs = multierr.Append(errs, fmt.Errorf("Invalid plugin id: %q must match [A-Za-z0-9_-]+", rec.ID))
	}
	if strings.TrimSpace(rec.Name) == "" {
		errs = multierr.Append(errs, errors.New("Missing required field: name"))
	}
	switch {
	case rec.Version == "":
		errs = multierr.Append(errs, errors.New("Missing required field: version"))
	case !ValidVersion(rec.Version):
		errs = multierr.Append(errs, fmt.Errorf("Invalid version: %q is not a semantic version", rec.Version))
	}
	switch {
	case rec.Category == "":
		errs = multierr.Append(errs, errors.New("Missing required field: category"))
	case !rec.Category.Valid():
		errs = multierr.Append(errs, fmt.Errorf("Invalid category: %s", rec.Category))
	}
	for _, c := range rec.Capabilities {
		if !ValidIdentifier(c) {
			errs = multierr.Append(errs, fmt.Errorf("Invalid capability name: %q", c))
		}
	}
	errs = multierr.Append(errs, multierr.Combine(v.policy.Check(rec.Capabilities)...))
	return errs
}

func (v *Validator) validateConfig(cfg map[string]any) error {
	if cfg == nil {
		return nil
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("Config is not serializable: %v", err)
	}
	if len(raw) > v.maxConfigBytes {
		return fmt.Errorf("Config exceeds %d bytes (got %d)", v.maxConfigBytes, len(raw))
	}
	return nil
}

func (v *Validator) validateDependencies(candidate Record, existing []Record) error {
	adj := make(map[string][]string, len(existing)+1)
	for _, rec := range existing {
		if rec.ID == candidate.ID {
			continue
		}
		adj[rec.ID] = rec.Dependencies
	}
	if candidate.ID != "" {
		adj[candidate.ID] = candidate.Dependencies
	}

	var errs error
	for _, dep := range candidate.Dependencies {
		if _, ok := adj[dep]; !ok {
			errs = multierr.Append(errs, fmt.Errorf("Missing dependency: %s", dep))
		}
	}
	if candidate.ID == "" {
		return errs
	}
	for _, cycle := range graph.FindCycles(adj) {
		if !cycle.Contains(candidate.ID) {
			continue
		}
		errs = multierr.Append(errs, fmt.Errorf("Circular dependency detected: %s", cycle))
	}
	return errs
}

// ValidVersion reports whether version is a full semantic version such as
// 1.2.3 or v1.2.3-beta.1. Shorthand forms like 1.2 are rejected.
func ValidVersion(version string) bool {
	v := version
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return false
	}
	core, _, _ := strings.Cut(v, "+")
	return semver.Canonical(v) == core
}
