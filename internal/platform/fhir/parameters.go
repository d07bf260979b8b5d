package fhir

import (
	"encoding/json"
	"fmt"
)

// Parameters is the FHIR Parameters resource used as operation input and
// output.
type Parameters struct {
	ResourceType string      `json:"resourceType"`
	Parameter    []Parameter `json:"parameter,omitempty"`
}

type Parameter struct {
	Name         string          `json:"name"`
	ValueString  string          `json:"valueString,omitempty"`
	ValueCode    string          `json:"valueCode,omitempty"`
	ValueURI     string          `json:"valueUri,omitempty"`
	ValueBoolean *bool           `json:"valueBoolean,omitempty"`
	ValueInteger *int            `json:"valueInteger,omitempty"`
	Resource     json.RawMessage `json:"resource,omitempty"`
	Part         []Parameter     `json:"part,omitempty"`
}

// NewParameters creates an empty Parameters resource.
func NewParameters(params ...Parameter) *Parameters {
	return &Parameters{ResourceType: "Parameters", Parameter: params}
}

// ParseParameters parses a request body into a Parameters resource. A body
// whose resourceType is not Parameters is rejected.
func ParseParameters(body []byte) (*Parameters, error) {
	var p Parameters
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("invalid Parameters document: %w", err)
	}
	if p.ResourceType != "Parameters" {
		return nil, fmt.Errorf("expected resourceType Parameters, got %q", p.ResourceType)
	}
	return &p, nil
}

// Find returns the first parameter with the given name, or nil.
func (p *Parameters) Find(name string) *Parameter {
	for i := range p.Parameter {
		if p.Parameter[i].Name == name {
			return &p.Parameter[i]
		}
	}
	return nil
}

// Has reports whether a parameter with the given name is present.
func (p *Parameters) Has(name string) bool {
	return p.Find(name) != nil
}
