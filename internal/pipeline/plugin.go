// Package pipeline runs the ordered plugin phases around every FHIR
// operation and owns the translation from typed errors to HTTP responses.
package pipeline

import (
	"context"
	"encoding/json"
	"net/url"
	"sort"

	"github.com/fhirbox/fhirbox/internal/platform/fhir"
	"github.com/fhirbox/fhirbox/internal/registry"
	"github.com/fhirbox/fhirbox/internal/tenant"
)

// Kind places a plugin into one phase of the pipeline.
type Kind string

const (
	KindAuthentication Kind = "authentication"
	KindAuthorization  Kind = "authorization"
	KindCache          Kind = "cache"
	KindAudit          Kind = "audit"
	KindTelemetry      Kind = "telemetry"
	KindBusinessBefore Kind = "business-before"
	KindBusinessAfter  Kind = "business-after"
)

// Mode selects synchronous or detached execution. Async plugins never affect
// the request outcome.
type Mode string

const (
	ModeSync  Mode = "sync"
	ModeAsync Mode = "async"
)

// Principal is the authenticated caller established by authentication
// plugins and consumed by authorization ones.
type Principal struct {
	Subject string
	Scopes  []string
}

// Request is the mutable envelope a plugin chain operates on.
type Request struct {
	Interaction  registry.Interaction
	ResourceType string
	ResourceID   string
	Version      fhir.Version
	Tenant       *tenant.Tenant
	Query        url.Values
	Document     map[string]interface{}
	Principal    *Principal
	Headers      map[string]string

	// ResponseStatus is filled in before audit and telemetry plugins run;
	// it is zero during the gate and business phases.
	ResponseStatus int
}

// Response is what the core operation produced: the serialized resource (or
// bundle), a status hint and the caching/versioning headers.
type Response struct {
	Resource     json.RawMessage
	Status       int
	ETag         string
	Location     string
	LastModified string
	FromCache    bool
}

// Result signals what a plugin decided. Abort stops the pipeline with the
// given status and outcome.
type Result struct {
	Abort   bool
	Status  int
	Outcome *fhir.OperationOutcome
}

// Continue is the result that lets the pipeline proceed.
func Continue() *Result { return &Result{} }

// Plugin is one extension point. Order sorts plugins within their kind,
// ascending.
type Plugin interface {
	Name() string
	Kind() Kind
	Order() int
	Mode() Mode
	Execute(ctx context.Context, req *Request) (*Result, error)
}

// Registry holds plugins grouped by kind and sorted by order.
type Registry struct {
	byKind map[Kind][]Plugin
}

func NewRegistry() *Registry {
	return &Registry{byKind: make(map[Kind][]Plugin)}
}

func (r *Registry) Register(p Plugin) {
	plugins := append(r.byKind[p.Kind()], p)
	sort.SliceStable(plugins, func(i, j int) bool { return plugins[i].Order() < plugins[j].Order() })
	r.byKind[p.Kind()] = plugins
}

// OfKind returns the registered plugins for a phase, in execution order.
func (r *Registry) OfKind(kind Kind) []Plugin {
	return r.byKind[kind]
}
