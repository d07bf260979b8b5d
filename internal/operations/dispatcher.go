// Package operations routes FHIR $operations to their handlers by name,
// scope and resource type.
package operations

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/rs/zerolog"

	"github.com/fhirbox/fhirbox/internal/platform/fhir"
)

// Scope is where an operation is invoked.
type Scope string

const (
	ScopeSystem   Scope = "system"
	ScopeType     Scope = "type"
	ScopeInstance Scope = "instance"
)

// AnyType registers an operation for every resource type.
const AnyType = "*"

// Call carries everything a handler needs about one invocation.
type Call struct {
	ResourceType string
	ResourceID   string
	Version      fhir.Version
	TenantID     string
	// Body is the request document: a Parameters resource or, for
	// operations that accept one, a bare resource.
	Body  map[string]interface{}
	Query url.Values
}

// Handler executes one operation. It returns the response document and an
// HTTP status hint.
type Handler func(ctx context.Context, call *Call) (map[string]interface{}, int, error)

// Definition declares one registered operation.
type Definition struct {
	Name           string // without the $ sigil
	Scope          Scope
	ResourceType   string // concrete type or AnyType; empty for system scope
	Versions       []fhir.Version
	RequiredParams []string
	URL            string // canonical definition URL for the CapabilityStatement
	Documentation  string
	Handler        Handler
}

func (d *Definition) supportsVersion(v fhir.Version) bool {
	if len(d.Versions) == 0 {
		return true
	}
	for _, version := range d.Versions {
		if version == v {
			return true
		}
	}
	return false
}

type dispatchKey struct {
	name         string
	scope        Scope
	resourceType string
}

// Dispatcher resolves and executes operations. Registration happens at
// startup; dispatch reads need no locks.
type Dispatcher struct {
	defs   map[dispatchKey]*Definition
	sorted []*Definition
	logger zerolog.Logger
}

func NewDispatcher(logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		defs:   make(map[dispatchKey]*Definition),
		logger: logger.With().Str("component", "operations").Logger(),
	}
}

// Register adds an operation. Duplicate (name, scope, type) keys fail.
func (d *Dispatcher) Register(def *Definition) error {
	key := dispatchKey{name: def.Name, scope: def.Scope, resourceType: def.ResourceType}
	if _, dup := d.defs[key]; dup {
		return fmt.Errorf("operation $%s already registered at %s scope for %q", def.Name, def.Scope, def.ResourceType)
	}
	d.defs[key] = def
	d.sorted = append(d.sorted, def)
	return nil
}

// Definitions returns every registered operation in registration order, for
// the CapabilityStatement.
func (d *Dispatcher) Definitions() []*Definition {
	return d.sorted
}

// Dispatch resolves and runs one operation. Unknown operations and
// unsupported versions are not-supported; missing required parameters are
// invalid. A panicking handler yields an internal error, never a crash.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, scope Scope, call *Call) (doc map[string]interface{}, status int, err error) {
	def := d.resolve(name, scope, call.ResourceType)
	if def == nil {
		return nil, 0, fhir.E(fhir.KindNotSupported, "operation $%s is not supported at %s scope", name, scope)
	}
	if !def.supportsVersion(call.Version) {
		return nil, 0, fhir.E(fhir.KindNotSupported, "operation $%s is not supported in FHIR %s", name, call.Version)
	}
	if err := checkRequiredParams(def, call); err != nil {
		return nil, 0, err
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Interface("panic", r).Str("operation", name).Msg("operation handler panicked")
			doc, status = nil, 0
			err = fhir.E(fhir.KindInternal, "operation $%s failed", name)
		}
	}()
	return def.Handler(ctx, call)
}

// resolve looks up the concrete type first, then the wildcard registration.
func (d *Dispatcher) resolve(name string, scope Scope, resourceType string) *Definition {
	if def, ok := d.defs[dispatchKey{name: name, scope: scope, resourceType: resourceType}]; ok {
		return def
	}
	if scope != ScopeSystem {
		if def, ok := d.defs[dispatchKey{name: name, scope: scope, resourceType: AnyType}]; ok {
			return def
		}
	}
	return nil
}

// checkRequiredParams accepts a parameter via the query string or the
// Parameters body.
func checkRequiredParams(def *Definition, call *Call) error {
	if len(def.RequiredParams) == 0 {
		return nil
	}

	var params *fhir.Parameters
	if call.Body != nil && call.Body["resourceType"] == "Parameters" {
		if data, err := json.Marshal(call.Body); err == nil {
			if parsed, err := fhir.ParseParameters(data); err == nil {
				params = parsed
			}
		}
	}

	for _, name := range def.RequiredParams {
		if call.Query.Get(name) != "" {
			continue
		}
		if params != nil && params.Has(name) {
			continue
		}
		return fhir.E(fhir.KindInvalid, "operation $%s requires parameter %q", def.Name, name)
	}
	return nil
}
