package storage

import (
	"regexp"

	"github.com/fhirbox/fhirbox/internal/platform/fhir"
	"github.com/fhirbox/fhirbox/internal/registry"
)

// schemaPattern mirrors the registry's load-time check. Routing re-validates
// because the schema name is interpolated into SQL: a name that fails here is
// a programming error, surfaced as a typed internal error rather than a panic
// on the request path.
var schemaPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Backend identifies where a resource type's rows live.
type Backend struct {
	Schema    string
	Dedicated bool
}

// Table returns the fully qualified resources table for this backend.
func (b Backend) Table() string {
	return b.Schema + ".resources"
}

// Router maps resource types to their storage backend from registry
// placement.
type Router struct {
	resources *registry.Resources
}

func NewRouter(resources *registry.Resources) *Router {
	return &Router{resources: resources}
}

// Route returns the backend for a type. Unknown types route to the shared
// backend; the interaction guard rejects them before storage is reached.
func (r *Router) Route(resourceType string) (Backend, error) {
	placement := r.resources.SchemaPlacement(resourceType)
	if !schemaPattern.MatchString(placement.Schema) {
		return Backend{}, fhir.E(fhir.KindInternal,
			"schema name %q for %s failed validation", placement.Schema, resourceType)
	}
	return Backend{Schema: placement.Schema, Dedicated: placement.Dedicated}, nil
}

// Backends returns every distinct backend in use, shared first, for
// migrations and health checks.
func (r *Router) Backends() []Backend {
	backends := []Backend{{Schema: registry.DefaultSchema}}
	for _, schema := range r.resources.DedicatedSchemas() {
		backends = append(backends, Backend{Schema: schema, Dedicated: true})
	}
	return backends
}
