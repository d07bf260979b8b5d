package registry

import (
	"sort"

	"github.com/fhirbox/fhirbox/internal/platform/fhir"
)

// SearchParams resolves search parameter definitions per (type, version,
// code). Definitions come from one universal base bundle plus one bundle per
// resource type, intersected with the type's configured allow-list.
type SearchParams struct {
	resources *Resources
	// base[version][code], perType[version][type][code]
	base    map[fhir.Version]map[string]*SearchParamDef
	perType map[fhir.Version]map[string]map[string]*SearchParamDef
}

// NewSearchParams builds the parameter registry. baseDefs apply to every
// resource type; typeDefs carry their applicable types in Base.
func NewSearchParams(resources *Resources, baseDefs map[fhir.Version][]*SearchParamDef, typeDefs map[fhir.Version][]*SearchParamDef) *SearchParams {
	sp := &SearchParams{
		resources: resources,
		base:      make(map[fhir.Version]map[string]*SearchParamDef),
		perType:   make(map[fhir.Version]map[string]map[string]*SearchParamDef),
	}

	for version, defs := range baseDefs {
		codes := make(map[string]*SearchParamDef, len(defs))
		for _, def := range defs {
			codes[def.Code] = def
		}
		sp.base[version] = codes
	}

	for version, defs := range typeDefs {
		byType, ok := sp.perType[version]
		if !ok {
			byType = make(map[string]map[string]*SearchParamDef)
			sp.perType[version] = byType
		}
		for _, def := range defs {
			for _, resourceType := range def.Base {
				codes, ok := byType[resourceType]
				if !ok {
					codes = make(map[string]*SearchParamDef)
					byType[resourceType] = codes
				}
				codes[def.Code] = def
			}
		}
	}

	return sp
}

// allowListed applies the resource config's searchParams allow-list. An empty
// allow-list admits every registered code.
func (sp *SearchParams) allowListed(resourceType, code string) bool {
	cfg, ok := sp.resources.Lookup(resourceType)
	if !ok {
		return false
	}
	if len(cfg.SearchParams) == 0 {
		return true
	}
	for _, allowed := range cfg.SearchParams {
		if allowed == code {
			return true
		}
	}
	return false
}

// Definition resolves a code for the type at the version. Per-type
// definitions shadow base ones. Codes outside the allow-list resolve to
// nothing: the caller rejects rather than silently ignoring them.
func (sp *SearchParams) Definition(resourceType string, version fhir.Version, code string) (*SearchParamDef, bool) {
	if byType, ok := sp.perType[version]; ok {
		if codes, ok := byType[resourceType]; ok {
			if def, ok := codes[code]; ok && sp.allowListed(resourceType, code) {
				return def, true
			}
		}
	}
	if codes, ok := sp.base[version]; ok {
		// base parameters bypass the allow-list: _id and friends are
		// always available
		if def, ok := codes[code]; ok {
			return def, true
		}
	}
	return nil, false
}

// IsAllowed reports whether the code resolves for the type at the version.
func (sp *SearchParams) IsAllowed(resourceType string, version fhir.Version, code string) bool {
	_, ok := sp.Definition(resourceType, version, code)
	return ok
}

// AllowedFor returns every parameter usable with the type at the version,
// sorted by code. Base parameters come first in the merge so per-type
// definitions shadow them.
func (sp *SearchParams) AllowedFor(resourceType string, version fhir.Version) []*SearchParamDef {
	merged := make(map[string]*SearchParamDef)

	if codes, ok := sp.base[version]; ok {
		for code, def := range codes {
			merged[code] = def
		}
	}
	if byType, ok := sp.perType[version]; ok {
		if codes, ok := byType[resourceType]; ok {
			for code, def := range codes {
				if sp.allowListed(resourceType, code) {
					merged[code] = def
				}
			}
		}
	}

	codes := make([]string, 0, len(merged))
	for code := range merged {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	defs := make([]*SearchParamDef, 0, len(codes))
	for _, code := range codes {
		defs = append(defs, merged[code])
	}
	return defs
}
