package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/fhirbox/fhirbox/internal/platform/fhir"
	"github.com/fhirbox/fhirbox/internal/registry"
)

// readInteractions are the interactions a ".read" scope covers.
var readInteractions = map[registry.Interaction]bool{
	registry.InteractionRead:    true,
	registry.InteractionVRead:   true,
	registry.InteractionSearch:  true,
	registry.InteractionHistory: true,
}

// ScopeAuthz enforces SMART-style scopes of the form
// "<context>/<Type-or-*>.<read|write|*>" against the requested interaction.
type ScopeAuthz struct{}

func NewScopeAuthz() *ScopeAuthz { return &ScopeAuthz{} }

func (a *ScopeAuthz) Name() string { return "scope-authz" }
func (a *ScopeAuthz) Kind() Kind   { return KindAuthorization }
func (a *ScopeAuthz) Order() int   { return 0 }
func (a *ScopeAuthz) Mode() Mode   { return ModeSync }

func (a *ScopeAuthz) Execute(_ context.Context, req *Request) (*Result, error) {
	if req.Principal == nil {
		return abortForbidden("no authenticated principal"), nil
	}

	action := "write"
	if readInteractions[req.Interaction] {
		action = "read"
	}

	for _, scope := range req.Principal.Scopes {
		if scopeAllows(scope, req.ResourceType, action) {
			return Continue(), nil
		}
	}
	return abortForbidden(fmt.Sprintf("no scope grants %s access to %s", action, req.ResourceType)), nil
}

// scopeAllows matches one scope against (type, action). Both the type and
// action legs accept "*".
func scopeAllows(scope, resourceType, action string) bool {
	slash := strings.Index(scope, "/")
	dot := strings.LastIndex(scope, ".")
	if slash < 0 || dot < slash {
		return false
	}

	scopeType := scope[slash+1 : dot]
	scopeAction := scope[dot+1:]

	if scopeType != "*" && scopeType != resourceType {
		return false
	}
	return scopeAction == "*" || scopeAction == action
}

func abortForbidden(diagnostics string) *Result {
	return &Result{
		Abort:   true,
		Status:  http.StatusForbidden,
		Outcome: fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeForbidden, diagnostics),
	}
}
