package validation

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/fhirbox/fhirbox/internal/platform/fhir"
	"github.com/fhirbox/fhirbox/internal/registry"
)

var (
	datePattern      = regexp.MustCompile(`^\d{4}(-\d{2}(-\d{2})?)?$`)
	referencePattern = regexp.MustCompile(`^([A-Z][A-Za-z]+/[A-Za-z0-9\-.]{1,64}|urn:uuid:[0-9a-fA-F-]{36}|https?://.+)$`)
	idPattern        = regexp.MustCompile(`^[A-Za-z0-9\-.]{1,64}$`)
)

// enumerations lists the allowed codes for enumerated elements, keyed by
// "<Type>.<element>". Identical across R5 and R4B for the elements checked
// here.
var enumerations = map[string][]string{
	"Patient.gender":           {"male", "female", "other", "unknown"},
	"Person.gender":            {"male", "female", "other", "unknown"},
	"Practitioner.gender":      {"male", "female", "other", "unknown"},
	"Observation.status":       {"registered", "preliminary", "final", "amended", "corrected", "cancelled", "entered-in-error", "unknown"},
	"Encounter.status":         {"planned", "in-progress", "on-hold", "discharged", "completed", "cancelled", "discontinued", "entered-in-error", "unknown"},
	"CarePlan.status":          {"draft", "active", "on-hold", "revoked", "completed", "entered-in-error", "unknown"},
	"MedicationRequest.status": {"active", "on-hold", "ended", "stopped", "completed", "cancelled", "entered-in-error", "draft", "unknown"},
}

// requiredElements lists elements a document must carry, keyed by type.
// resourceType itself is checked unconditionally.
var requiredElements = map[string][]string{
	"Observation":        {"status", "code"},
	"Encounter":          {"status"},
	"CarePlan":           {"status", "intent"},
	"MedicationRequest":  {"status", "intent", "medication"},
	"Condition":          {"subject"},
	"AllergyIntolerance": {"patient"},
}

// dateElements are checked against the FHIR date grammar when present.
var dateElements = map[string][]string{
	"Patient":      {"birthDate"},
	"Person":       {"birthDate"},
	"Practitioner": {"birthDate"},
}

// referenceElements are checked for reference shape when present.
var referenceElements = map[string][]string{
	"Observation":        {"subject", "encounter"},
	"Condition":          {"subject", "encounter"},
	"CarePlan":           {"subject", "encounter"},
	"MedicationRequest":  {"subject", "encounter"},
	"AllergyIntolerance": {"patient"},
	"Encounter":          {"subject"},
}

// Structural is the built-in validator: known resource types, required
// elements, enumerated codes, date grammar and reference shape. It never
// fails operationally; every finding lands in the outcome.
type Structural struct {
	resources *registry.Resources
}

func NewStructural(resources *registry.Resources) *Structural {
	return &Structural{resources: resources}
}

func (s *Structural) Validate(_ context.Context, doc map[string]interface{}, version fhir.Version, profiles []string) (*Outcome, error) {
	outcome := &Outcome{}

	resourceType, _ := doc["resourceType"].(string)
	if resourceType == "" {
		outcome.Issues = append(outcome.Issues, Issue{
			Severity: SeverityError,
			Code:     fhir.IssueTypeRequired,
			Path:     "resourceType",
			Message:  "resourceType is required",
		})
		return outcome, nil
	}

	cfg, known := s.resources.Lookup(resourceType)
	if !known || !cfg.IsEnabled() {
		outcome.Issues = append(outcome.Issues, Issue{
			Severity: SeverityError,
			Code:     fhir.IssueTypeNotSupported,
			Path:     "resourceType",
			Message:  fmt.Sprintf("resource type %q is not known to this server", resourceType),
		})
		return outcome, nil
	}

	if id, ok := doc["id"].(string); ok && !idPattern.MatchString(id) {
		outcome.Issues = append(outcome.Issues, Issue{
			Severity: SeverityError,
			Code:     fhir.IssueTypeValue,
			Path:     "id",
			Message:  fmt.Sprintf("id %q is not a valid FHIR id", id),
		})
	}

	s.checkRequired(doc, resourceType, outcome)
	s.checkEnumerations(doc, resourceType, outcome)
	s.checkDates(doc, resourceType, outcome)
	s.checkReferences(doc, resourceType, outcome)
	s.checkProfiles(doc, profiles, outcome)

	return outcome, nil
}

func (s *Structural) checkRequired(doc map[string]interface{}, resourceType string, outcome *Outcome) {
	for _, element := range requiredElements[resourceType] {
		if hasElement(doc, element) {
			continue
		}
		outcome.Issues = append(outcome.Issues, Issue{
			Severity: SeverityError,
			Code:     fhir.IssueTypeRequired,
			Path:     resourceType + "." + element,
			Message:  fmt.Sprintf("%s.%s is required", resourceType, element),
		})
	}
}

func (s *Structural) checkEnumerations(doc map[string]interface{}, resourceType string, outcome *Outcome) {
	for key, allowed := range enumerations {
		prefix := resourceType + "."
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		element := strings.TrimPrefix(key, prefix)
		value, ok := doc[element].(string)
		if !ok {
			continue
		}
		if !contains(allowed, value) {
			outcome.Issues = append(outcome.Issues, Issue{
				Severity: SeverityError,
				Code:     fhir.IssueTypeCodeInvalid,
				Path:     key,
				Message:  fmt.Sprintf("%q is not a valid %s code", value, key),
			})
		}
	}
}

func (s *Structural) checkDates(doc map[string]interface{}, resourceType string, outcome *Outcome) {
	for _, element := range dateElements[resourceType] {
		value, ok := doc[element].(string)
		if !ok {
			continue
		}
		if !datePattern.MatchString(value) {
			outcome.Issues = append(outcome.Issues, Issue{
				Severity: SeverityError,
				Code:     fhir.IssueTypeValue,
				Path:     resourceType + "." + element,
				Message:  fmt.Sprintf("%q is not a valid date", value),
			})
		}
	}
}

func (s *Structural) checkReferences(doc map[string]interface{}, resourceType string, outcome *Outcome) {
	for _, element := range referenceElements[resourceType] {
		ref, ok := doc[element].(map[string]interface{})
		if !ok {
			continue
		}
		target, ok := ref["reference"].(string)
		if !ok || target == "" {
			continue
		}
		if !referencePattern.MatchString(target) {
			outcome.Issues = append(outcome.Issues, Issue{
				Severity: SeverityError,
				Code:     fhir.IssueTypeValue,
				Path:     resourceType + "." + element + ".reference",
				Message:  fmt.Sprintf("%q is not a valid reference", target),
			})
		}
	}
}

// checkProfiles verifies that required profiles are claimed in meta.profile.
// A missing claim is a warning: enforcement against the profile definition is
// out of this validator's reach.
func (s *Structural) checkProfiles(doc map[string]interface{}, required []string, outcome *Outcome) {
	if len(required) == 0 {
		return
	}

	var claimed []string
	if meta, ok := doc["meta"].(map[string]interface{}); ok {
		if list, ok := meta["profile"].([]interface{}); ok {
			for _, entry := range list {
				if url, ok := entry.(string); ok {
					claimed = append(claimed, url)
				}
			}
		}
	}

	for _, url := range required {
		if !contains(claimed, url) {
			outcome.Issues = append(outcome.Issues, Issue{
				Severity: SeverityWarning,
				Code:     fhir.IssueTypeBusinessRule,
				Path:     "meta.profile",
				Message:  fmt.Sprintf("profile %s is required but not claimed", url),
			})
		}
	}
}

// hasElement reports presence of the element or any of its polymorphic
// renamings (medication, medicationCodeableConcept, medicationReference).
func hasElement(doc map[string]interface{}, element string) bool {
	if _, ok := doc[element]; ok {
		return true
	}
	for key := range doc {
		if strings.HasPrefix(key, element) && len(key) > len(element) && key[len(element)] >= 'A' && key[len(element)] <= 'Z' {
			return true
		}
	}
	return false
}

func contains(list []string, value string) bool {
	for _, entry := range list {
		if entry == value {
			return true
		}
	}
	return false
}
