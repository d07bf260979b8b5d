// Package conformance produces the server's CapabilityStatement and serves
// the read-only conformance artifact registry.
package conformance

import (
	"time"

	"github.com/fhirbox/fhirbox/internal/operations"
	"github.com/fhirbox/fhirbox/internal/platform/fhir"
	"github.com/fhirbox/fhirbox/internal/registry"
)

// ServerInfo is the static identity published in the CapabilityStatement.
type ServerInfo struct {
	Name         string
	Version      string
	Publisher    string
	Formats      []string
	PatchFormats []string
}

// Generator walks the registries into a CapabilityStatement. Output is
// deterministic: types, parameters and operations are sorted, so two
// generations from the same configuration are byte-identical apart from the
// date.
type Generator struct {
	info       ServerInfo
	resources  *registry.Resources
	params     *registry.SearchParams
	dispatcher *operations.Dispatcher
}

func NewGenerator(info ServerInfo, resources *registry.Resources, params *registry.SearchParams, dispatcher *operations.Dispatcher) *Generator {
	if len(info.Formats) == 0 {
		info.Formats = []string{"application/fhir+json", "application/json"}
	}
	if len(info.PatchFormats) == 0 {
		info.PatchFormats = []string{"application/json-patch+json", "application/merge-patch+json"}
	}
	return &Generator{info: info, resources: resources, params: params, dispatcher: dispatcher}
}

// Generate renders the CapabilityStatement for one FHIR version. Only types
// enabled for that version appear.
func (g *Generator) Generate(version fhir.Version, baseURL string) map[string]interface{} {
	var rest []interface{}
	rest = append(rest, map[string]interface{}{
		"mode":        "server",
		"resource":    g.restResources(version),
		"interaction": g.systemInteractions(),
		"operation":   g.systemOperations(version),
	})

	return map[string]interface{}{
		"resourceType": "CapabilityStatement",
		"status":       "active",
		"date":         time.Now().UTC().Format(time.RFC3339),
		"kind":         "instance",
		"publisher":    g.info.Publisher,
		"fhirVersion":  version.Number(),
		"format":       toInterfaces(g.info.Formats),
		"patchFormat":  toInterfaces(g.info.PatchFormats),
		"implementation": map[string]interface{}{
			"description": g.info.Name,
			"url":         baseURL,
		},
		"software": map[string]interface{}{
			"name":    g.info.Name,
			"version": g.info.Version,
		},
		"rest": rest,
	}
}

func (g *Generator) restResources(version fhir.Version) []interface{} {
	var resources []interface{}
	for _, resourceType := range g.resources.EnabledResourceTypes() {
		cfg, ok := g.resources.Lookup(resourceType)
		if !ok || !cfg.SupportsVersion(version) {
			continue
		}

		entry := map[string]interface{}{
			"type":        resourceType,
			"interaction": interactionList(cfg.Interactions),
			"versioning":  "versioned",
		}
		if params := g.searchParamList(resourceType, version); len(params) > 0 {
			entry["searchParam"] = params
		}
		if profiles := g.resources.RequiredProfiles(resourceType, version); len(profiles) > 0 {
			entry["supportedProfile"] = toInterfaces(profiles)
		}
		if ops := g.typeOperations(resourceType, version); len(ops) > 0 {
			entry["operation"] = ops
		}
		resources = append(resources, entry)
	}
	return resources
}

func interactionList(interactions []registry.Interaction) []interface{} {
	list := make([]interface{}, 0, len(interactions))
	for _, interaction := range interactions {
		list = append(list, map[string]interface{}{"code": interaction.CapabilityCode()})
	}
	return list
}

func (g *Generator) searchParamList(resourceType string, version fhir.Version) []interface{} {
	var params []interface{}
	for _, def := range g.params.AllowedFor(resourceType, version) {
		entry := map[string]interface{}{
			"name": def.Code,
			"type": string(def.Type),
		}
		if def.URL != "" {
			entry["definition"] = def.URL
		}
		if def.Description != "" {
			entry["documentation"] = def.Description
		}
		params = append(params, entry)
	}
	return params
}

func (g *Generator) typeOperations(resourceType string, version fhir.Version) []interface{} {
	return g.operationList(version, func(def *operations.Definition) bool {
		if def.Scope == operations.ScopeSystem {
			return false
		}
		return def.ResourceType == resourceType || def.ResourceType == operations.AnyType
	})
}

func (g *Generator) systemOperations(version fhir.Version) []interface{} {
	return g.operationList(version, func(def *operations.Definition) bool {
		return def.Scope == operations.ScopeSystem
	})
}

func (g *Generator) operationList(version fhir.Version, include func(*operations.Definition) bool) []interface{} {
	var list []interface{}
	seen := make(map[string]bool)
	for _, def := range sortedDefinitions(g.dispatcher.Definitions()) {
		if !include(def) || seen[def.Name] {
			continue
		}
		if !definitionSupportsVersion(def, version) {
			continue
		}
		seen[def.Name] = true

		entry := map[string]interface{}{"name": def.Name}
		if def.URL != "" {
			entry["definition"] = def.URL
		}
		if def.Documentation != "" {
			entry["documentation"] = def.Documentation
		}
		list = append(list, entry)
	}
	return list
}

func (g *Generator) systemInteractions() []interface{} {
	return []interface{}{
		map[string]interface{}{"code": "transaction"},
		map[string]interface{}{"code": "batch"},
	}
}

func definitionSupportsVersion(def *operations.Definition, version fhir.Version) bool {
	if len(def.Versions) == 0 {
		return true
	}
	for _, v := range def.Versions {
		if v == version {
			return true
		}
	}
	return false
}

func sortedDefinitions(defs []*operations.Definition) []*operations.Definition {
	sorted := make([]*operations.Definition, len(defs))
	copy(sorted, defs)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1].Name > sorted[j].Name; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	return sorted
}

func toInterfaces(values []string) []interface{} {
	list := make([]interface{}, len(values))
	for i, v := range values {
		list[i] = v
	}
	return list
}
