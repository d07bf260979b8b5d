package fhir

import "time"

// Meta carries the versioning metadata stamped onto every stored resource.
type Meta struct {
	VersionID   string   `json:"versionId,omitempty"`
	LastUpdated string   `json:"lastUpdated,omitempty"`
	Source      string   `json:"source,omitempty"`
	Profile     []string `json:"profile,omitempty"`
}

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// OperationOutcome is the FHIR-defined structured error body. Every error
// response on a FHIR endpoint carries one; plain-text bodies are forbidden.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string           `json:"severity"`
	Code        string           `json:"code"`
	Details     *CodeableConcept `json:"details,omitempty"`
	Diagnostics string           `json:"diagnostics,omitempty"`
	Expression  []string         `json:"expression,omitempty"`
}

func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{
				Severity:    severity,
				Code:        code,
				Diagnostics: diagnostics,
			},
		},
	}
}

// HasErrors reports whether the outcome contains any error or fatal issues.
func (o *OperationOutcome) HasErrors() bool {
	for _, issue := range o.Issue {
		if issue.Severity == IssueSeverityError || issue.Severity == IssueSeverityFatal {
			return true
		}
	}
	return false
}

// StampMeta writes versionId and lastUpdated into a resource document's meta
// element, creating it when absent. The document map is mutated in place.
func StampMeta(doc map[string]interface{}, versionID string, lastUpdated time.Time) {
	meta, _ := doc["meta"].(map[string]interface{})
	if meta == nil {
		meta = make(map[string]interface{})
		doc["meta"] = meta
	}
	meta["versionId"] = versionID
	meta["lastUpdated"] = lastUpdated.UTC().Format(time.RFC3339)
}

// FormatReference builds a FHIR reference string "Type/id".
func FormatReference(resourceType, id string) string {
	return resourceType + "/" + id
}
