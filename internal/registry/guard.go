package registry

import (
	"github.com/fhirbox/fhirbox/internal/platform/fhir"
)

// Guard is the single authorization point for (type, version, interaction)
// triples. Checks run in a fixed order so clients can tell the failures
// apart: unknown type first, then unsupported version, then disabled
// interaction.
type Guard struct {
	resources *Resources
}

func NewGuard(resources *Resources) *Guard {
	return &Guard{resources: resources}
}

// Validate returns nil when the interaction is allowed, or a typed error
// identifying exactly which check failed.
func (g *Guard) Validate(resourceType string, version fhir.Version, interaction Interaction) error {
	cfg, ok := g.resources.Lookup(resourceType)
	if !ok || !cfg.IsEnabled() {
		// a disabled type is indistinguishable from an unknown one at
		// the API surface
		return fhir.E(fhir.KindNotFound, "resource type %q is not supported by this server", resourceType)
	}

	if !cfg.SupportsVersion(version) {
		return fhir.E(fhir.KindUnsupportedVersion, "resource type %q is not available in FHIR %s", resourceType, version)
	}

	if !cfg.SupportsInteraction(interaction) {
		return fhir.E(fhir.KindDisabledInteraction, "interaction %q is not enabled for %s", interaction, resourceType)
	}

	return nil
}
