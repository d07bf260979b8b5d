// Package registry holds the declarative configuration that turns into live
// RESTful behavior: which resource types exist, which FHIR versions and
// interactions they support, where their rows live, and which search
// parameters apply to them. Registries are populated once at startup and are
// immutable afterward, so every lookup is lock-free.
package registry

import (
	"github.com/fhirbox/fhirbox/internal/platform/fhir"
)

// Interaction is one of the RESTful verbs a resource type can enable.
type Interaction string

const (
	InteractionRead    Interaction = "read"
	InteractionVRead   Interaction = "vread"
	InteractionCreate  Interaction = "create"
	InteractionUpdate  Interaction = "update"
	InteractionPatch   Interaction = "patch"
	InteractionDelete  Interaction = "delete"
	InteractionSearch  Interaction = "search"
	InteractionHistory Interaction = "history"
)

// CapabilityCode maps an interaction to the code published in the
// CapabilityStatement.
func (i Interaction) CapabilityCode() string {
	switch i {
	case InteractionSearch:
		return "search-type"
	case InteractionPatch:
		return "patch"
	default:
		return string(i)
	}
}

// SchemaDescriptor declares where a resource type's rows live.
type SchemaDescriptor struct {
	Mode string `json:"mode" validate:"omitempty,oneof=shared dedicated"`
	Name string `json:"name,omitempty"`
}

// ResourceConfig is one resource type's declarative configuration document.
type ResourceConfig struct {
	ResourceType   string              `json:"resourceType" validate:"required"`
	Enabled        *bool               `json:"enabled"` // nil means enabled
	Versions       []fhir.Version      `json:"versions" validate:"required,min=1,dive,oneof=R5 R4B"`
	DefaultVersion fhir.Version        `json:"defaultVersion,omitempty"`
	Interactions   []Interaction       `json:"interactions" validate:"dive,oneof=read vread create update patch delete search history"`
	SearchParams   []string            `json:"searchParams,omitempty"`
	Schema         *SchemaDescriptor   `json:"schema,omitempty"`
	Profiles       map[string][]string `json:"profiles,omitempty"` // version code -> canonical URLs
}

// IsEnabled applies the default: a missing enabled flag means enabled.
func (c *ResourceConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// SupportsVersion reports whether the type is configured for the version.
func (c *ResourceConfig) SupportsVersion(v fhir.Version) bool {
	for _, candidate := range c.Versions {
		if candidate == v {
			return true
		}
	}
	return false
}

// SupportsInteraction reports whether the interaction is in the allow-list.
func (c *ResourceConfig) SupportsInteraction(i Interaction) bool {
	for _, candidate := range c.Interactions {
		if candidate == i {
			return true
		}
	}
	return false
}

// SearchParamType classifies a search parameter per the FHIR search grammar.
type SearchParamType string

const (
	SearchParamNumber    SearchParamType = "number"
	SearchParamDate      SearchParamType = "date"
	SearchParamString    SearchParamType = "string"
	SearchParamToken     SearchParamType = "token"
	SearchParamReference SearchParamType = "reference"
	SearchParamComposite SearchParamType = "composite"
	SearchParamQuantity  SearchParamType = "quantity"
	SearchParamURI       SearchParamType = "uri"
	SearchParamSpecial   SearchParamType = "special"
)

// SearchParamComponent is one component of a composite parameter, resolved by
// definition code.
type SearchParamComponent struct {
	Definition string `json:"definition" validate:"required"`
	Expression string `json:"expression,omitempty"`
}

// SearchParamDef describes a single search parameter.
type SearchParamDef struct {
	Code        string                 `json:"code" validate:"required"`
	Base        []string               `json:"base,omitempty"`
	Type        SearchParamType        `json:"type" validate:"required,oneof=number date string token reference composite quantity uri special"`
	Expression  string                 `json:"expression,omitempty"`
	Target      []string               `json:"target,omitempty"`
	Components  []SearchParamComponent `json:"component,omitempty"`
	Description string                 `json:"description,omitempty"`
	URL         string                 `json:"url,omitempty"`
}
