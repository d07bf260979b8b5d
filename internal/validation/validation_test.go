package validation

import (
	"context"
	"errors"
	"testing"

	"github.com/fhirbox/fhirbox/internal/platform/fhir"
	"github.com/fhirbox/fhirbox/internal/registry"
)

func testStructural(t *testing.T) *Structural {
	t.Helper()
	resources, err := registry.NewResources([]*registry.ResourceConfig{
		{ResourceType: "Patient", Versions: []fhir.Version{fhir.VersionR5}},
		{ResourceType: "Observation", Versions: []fhir.Version{fhir.VersionR5}},
	})
	if err != nil {
		t.Fatalf("NewResources: %v", err)
	}
	return NewStructural(resources)
}

func TestStructuralValidate(t *testing.T) {
	v := testStructural(t)

	tests := []struct {
		name     string
		doc      map[string]interface{}
		wantPath string
		wantOK   bool
	}{
		{
			"valid patient",
			map[string]interface{}{"resourceType": "Patient", "gender": "female", "birthDate": "1990-03-15"},
			"", true,
		},
		{
			"missing resourceType",
			map[string]interface{}{"gender": "female"},
			"resourceType", false,
		},
		{
			"unknown type",
			map[string]interface{}{"resourceType": "Starship"},
			"resourceType", false,
		},
		{
			"numeric gender code",
			map[string]interface{}{"resourceType": "Patient", "gender": "02"},
			"Patient.gender", false,
		},
		{
			"malformed birthDate",
			map[string]interface{}{"resourceType": "Patient", "birthDate": "15/03/1990"},
			"Patient.birthDate", false,
		},
		{
			"partial birthDate is valid",
			map[string]interface{}{"resourceType": "Patient", "birthDate": "1990-03"},
			"", true,
		},
		{
			"observation missing status and code",
			map[string]interface{}{"resourceType": "Observation"},
			"Observation.status", false,
		},
		{
			"polymorphic value satisfies nothing here but bad reference caught",
			map[string]interface{}{
				"resourceType": "Observation",
				"status":       "final",
				"code":         map[string]interface{}{"text": "BP"},
				"subject":      map[string]interface{}{"reference": "not a reference"},
			},
			"Observation.subject.reference", false,
		},
		{
			"invalid id",
			map[string]interface{}{"resourceType": "Patient", "id": "has spaces"},
			"id", false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcome, err := v.Validate(context.Background(), tt.doc, fhir.VersionR5, nil)
			if err != nil {
				t.Fatalf("Validate() error = %v", err)
			}
			if tt.wantOK {
				if outcome.HasErrors() {
					t.Fatalf("unexpected issues: %+v", outcome.Issues)
				}
				return
			}
			if !outcome.HasErrors() {
				t.Fatal("expected error issues, got none")
			}
			found := false
			for _, issue := range outcome.Issues {
				if issue.Path == tt.wantPath {
					found = true
				}
			}
			if !found {
				t.Errorf("no issue at path %q: %+v", tt.wantPath, outcome.Issues)
			}
		})
	}
}

func TestStructuralProfileClaim(t *testing.T) {
	v := testStructural(t)
	doc := map[string]interface{}{"resourceType": "Patient"}

	outcome, err := v.Validate(context.Background(), doc, fhir.VersionR5,
		[]string{"http://example.org/StructureDefinition/core-patient"})
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if outcome.HasErrors() {
		t.Fatalf("profile claim gap must be a warning: %+v", outcome.Issues)
	}
	if len(outcome.Issues) != 1 || outcome.Issues[0].Severity != SeverityWarning {
		t.Errorf("issues = %+v, want one warning", outcome.Issues)
	}
}

func TestFacadeCheck(t *testing.T) {
	f := NewFacade(testStructural(t))

	err := f.Check(context.Background(),
		map[string]interface{}{"resourceType": "Patient", "gender": "02"}, fhir.VersionR5, nil)
	if !errors.Is(err, &fhir.Error{Kind: fhir.KindValidation}) {
		t.Fatalf("kind = %v, want KindValidation", fhir.KindOf(err))
	}
	if fhir.StatusOf(err) != 422 {
		t.Errorf("status = %d, want 422", fhir.StatusOf(err))
	}

	if err := f.Check(context.Background(),
		map[string]interface{}{"resourceType": "Patient", "gender": "female"}, fhir.VersionR5, nil); err != nil {
		t.Errorf("Check() = %v, want nil", err)
	}
}

func TestFacadeOutcomeKeepsWarnings(t *testing.T) {
	f := NewFacade(testStructural(t))

	outcome, err := f.Outcome(context.Background(),
		map[string]interface{}{"resourceType": "Patient"}, fhir.VersionR5,
		[]string{"http://example.org/StructureDefinition/core-patient"})
	if err != nil {
		t.Fatalf("Outcome() error = %v", err)
	}
	if len(outcome.Issue) != 1 || outcome.Issue[0].Severity != "warning" {
		t.Errorf("outcome = %+v", outcome)
	}
}
