package registry

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/fhirbox/fhirbox/internal/platform/fhir"
)

// DefaultSchema is the placement for resource types with no schema
// descriptor.
const DefaultSchema = "shared"

// schemaNamePattern is the hard boundary against identifier injection:
// dedicated schema names outside it never reach SQL.
var schemaNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Placement is the routing decision for a resource type's rows.
type Placement struct {
	Dedicated bool
	Schema    string
}

// Resources answers every per-type configuration question. It is built once
// by NewResources and never mutated, so reads need no synchronization.
type Resources struct {
	configs map[string]*ResourceConfig
	sorted  []string // enabled type names, sorted
}

// NewResources builds the registry from loaded configuration documents.
// Duplicate types and invalid dedicated schema names fail construction:
// a malformed schema name is a programming error in configuration, not a
// runtime condition.
func NewResources(configs []*ResourceConfig) (*Resources, error) {
	r := &Resources{configs: make(map[string]*ResourceConfig, len(configs))}

	for _, cfg := range configs {
		if _, dup := r.configs[cfg.ResourceType]; dup {
			return nil, fmt.Errorf("duplicate resource config for %s", cfg.ResourceType)
		}
		if cfg.Schema != nil && cfg.Schema.Mode == "dedicated" {
			if !schemaNamePattern.MatchString(cfg.Schema.Name) {
				return nil, fmt.Errorf("resource %s: invalid dedicated schema name %q",
					cfg.ResourceType, cfg.Schema.Name)
			}
		}
		if cfg.DefaultVersion == "" && len(cfg.Versions) > 0 {
			cfg.DefaultVersion = cfg.Versions[0]
		}
		r.configs[cfg.ResourceType] = cfg
		if cfg.IsEnabled() {
			r.sorted = append(r.sorted, cfg.ResourceType)
		}
	}

	sort.Strings(r.sorted)
	return r, nil
}

// Lookup returns the configuration for a type. The second return value is
// false for unknown types; a configured-but-disabled type still returns its
// config so callers can distinguish unknown from forbidden.
func (r *Resources) Lookup(resourceType string) (*ResourceConfig, bool) {
	cfg, ok := r.configs[resourceType]
	return cfg, ok
}

// EnabledResourceTypes returns the sorted names of all enabled types.
func (r *Resources) EnabledResourceTypes() []string {
	return r.sorted
}

// IsInteractionEnabled reports whether the interaction is allowed for the
// type at the version.
func (r *Resources) IsInteractionEnabled(resourceType string, version fhir.Version, interaction Interaction) bool {
	cfg, ok := r.configs[resourceType]
	if !ok || !cfg.IsEnabled() {
		return false
	}
	return cfg.SupportsVersion(version) && cfg.SupportsInteraction(interaction)
}

// SchemaPlacement returns where the type's rows live. Unknown types place in
// the shared schema; the guard rejects them before storage is reached.
func (r *Resources) SchemaPlacement(resourceType string) Placement {
	cfg, ok := r.configs[resourceType]
	if !ok || cfg.Schema == nil || cfg.Schema.Mode != "dedicated" {
		return Placement{Schema: DefaultSchema}
	}
	return Placement{Dedicated: true, Schema: cfg.Schema.Name}
}

// DedicatedSchemas returns the sorted set of dedicated schema names across
// all configured types, for migrations.
func (r *Resources) DedicatedSchemas() []string {
	seen := make(map[string]bool)
	for _, cfg := range r.configs {
		if cfg.Schema != nil && cfg.Schema.Mode == "dedicated" {
			seen[cfg.Schema.Name] = true
		}
	}
	schemas := make([]string, 0, len(seen))
	for name := range seen {
		schemas = append(schemas, name)
	}
	sort.Strings(schemas)
	return schemas
}

// RequiredProfiles returns the canonical profile URLs required for the type
// at the version.
func (r *Resources) RequiredProfiles(resourceType string, version fhir.Version) []string {
	cfg, ok := r.configs[resourceType]
	if !ok {
		return nil
	}
	return cfg.Profiles[version.String()]
}

// DefaultVersionFor returns the type's default FHIR version.
func (r *Resources) DefaultVersionFor(resourceType string) (fhir.Version, bool) {
	cfg, ok := r.configs[resourceType]
	if !ok {
		return "", false
	}
	return cfg.DefaultVersion, true
}
