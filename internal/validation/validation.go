// Package validation adapts pluggable resource validators to one uniform
// outcome shape. Callers fail with a validation error whenever any issue has
// error severity; warnings and notes pass through.
package validation

import (
	"context"

	"github.com/fhirbox/fhirbox/internal/platform/fhir"
)

// Severity grades a single finding.
type Severity string

const (
	SeverityError       Severity = "error"
	SeverityWarning     Severity = "warning"
	SeverityInformation Severity = "information"
)

// Issue is one validation finding. Path is the FHIRPath-style location of the
// offending element.
type Issue struct {
	Severity Severity
	Code     string
	Path     string
	Message  string
}

// Outcome collects every finding from one validation run.
type Outcome struct {
	Issues []Issue
}

// HasErrors reports whether any finding carries error severity.
func (o *Outcome) HasErrors() bool {
	for _, issue := range o.Issues {
		if issue.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Validator checks one resource document against a FHIR version and optional
// required profiles.
type Validator interface {
	Validate(ctx context.Context, doc map[string]interface{}, version fhir.Version, profiles []string) (*Outcome, error)
}

// Facade runs the configured validator and converts failures into the typed
// error the pipeline renders as a 422 OperationOutcome.
type Facade struct {
	validator Validator
}

func NewFacade(validator Validator) *Facade {
	return &Facade{validator: validator}
}

// Check validates the document and returns a typed validation error carrying
// every error-severity finding, or nil when the document passes.
func (f *Facade) Check(ctx context.Context, doc map[string]interface{}, version fhir.Version, profiles []string) error {
	outcome, err := f.validator.Validate(ctx, doc, version, profiles)
	if err != nil {
		return fhir.Wrap(fhir.KindInternal, err, "validator failed")
	}
	if !outcome.HasErrors() {
		return nil
	}
	return fhir.ValidationError(toOutcomeIssues(outcome.Issues))
}

// Outcome runs the validator and renders the full finding set as an
// OperationOutcome, for $validate where warnings must surface too.
func (f *Facade) Outcome(ctx context.Context, doc map[string]interface{}, version fhir.Version, profiles []string) (*fhir.OperationOutcome, error) {
	outcome, err := f.validator.Validate(ctx, doc, version, profiles)
	if err != nil {
		return nil, fhir.Wrap(fhir.KindInternal, err, "validator failed")
	}
	if len(outcome.Issues) == 0 {
		return fhir.SuccessOutcome("validation passed"), nil
	}
	return fhir.MultipleIssuesOutcome(toOutcomeIssues(outcome.Issues)), nil
}

func toOutcomeIssues(issues []Issue) []fhir.OperationOutcomeIssue {
	out := make([]fhir.OperationOutcomeIssue, 0, len(issues))
	for _, issue := range issues {
		converted := fhir.OperationOutcomeIssue{
			Severity:    string(issue.Severity),
			Code:        issue.Code,
			Diagnostics: issue.Message,
		}
		if issue.Path != "" {
			converted.Expression = []string{issue.Path}
		}
		out = append(out, converted)
	}
	return out
}
