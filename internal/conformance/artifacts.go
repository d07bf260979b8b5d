package conformance

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/fhirbox/fhirbox/internal/platform/fhir"
)

// artifactKinds are the conformance resource types the store serves.
var artifactKinds = map[string]bool{
	"StructureDefinition": true,
	"SearchParameter":     true,
	"ValueSet":            true,
	"CodeSystem":          true,
	"OperationDefinition": true,
	"CapabilityStatement": true,
}

// IsArtifactType reports whether a resource type is served from the artifact
// store instead of the storage engine.
func IsArtifactType(resourceType string) bool {
	return artifactKinds[resourceType]
}

// Artifact is one loaded conformance resource with the fields the store
// filters on lifted out of the document.
type Artifact struct {
	Kind    string
	ID      string
	Name    string
	URL     string
	Status  string
	Base    []string // StructureDefinition baseDefinition, SearchParameter base types
	Content json.RawMessage
}

// ArtifactFilter narrows a Search call. Zero values match everything.
type ArtifactFilter struct {
	Name   string // case-insensitive substring
	URL    string // exact canonical match
	Status string // exact
	Base   string // membership in the artifact's base list
}

// ArtifactStore holds the conformance artifacts loaded at startup, keyed by
// FHIR version. Contents are immutable after Load, so reads need no locking.
type ArtifactStore struct {
	dir    string
	logger zerolog.Logger

	mu       sync.Mutex // guards Load only
	loaded   bool
	byID     map[fhir.Version]map[string]*Artifact // key "Kind/id"
	byKind   map[fhir.Version]map[string][]*Artifact
	perCount map[fhir.Version]int
}

func NewArtifactStore(dir string, logger zerolog.Logger) *ArtifactStore {
	return &ArtifactStore{
		dir:      dir,
		logger:   logger.With().Str("component", "artifacts").Logger(),
		byID:     make(map[fhir.Version]map[string]*Artifact),
		byKind:   make(map[fhir.Version]map[string][]*Artifact),
		perCount: make(map[fhir.Version]int),
	}
}

// Load reads every version's artifact directory in parallel. A missing
// directory is fine; a malformed file is not.
func (s *ArtifactStore) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return nil
	}

	results := make(map[fhir.Version][]*Artifact, len(fhir.Versions()))
	var resultsMu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	for _, version := range fhir.Versions() {
		version := version
		g.Go(func() error {
			artifacts, err := s.loadVersion(ctx, version)
			if err != nil {
				return err
			}
			resultsMu.Lock()
			results[version] = artifacts
			resultsMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for version, artifacts := range results {
		s.index(version, artifacts)
		s.logger.Info().
			Str("fhir_version", string(version)).
			Int("count", len(artifacts)).
			Msg("conformance artifacts loaded")
	}
	s.loaded = true
	return nil
}

func (s *ArtifactStore) loadVersion(ctx context.Context, version fhir.Version) ([]*Artifact, error) {
	dir := filepath.Join(s.dir, version.PathCode())
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read artifact dir %s: %w", dir, err)
	}

	var artifacts []*Artifact
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		artifact, err := readArtifact(path)
		if err != nil {
			return nil, err
		}
		if artifact != nil {
			artifacts = append(artifacts, artifact)
		}
	}
	return artifacts, nil
}

func readArtifact(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read artifact %s: %w", path, err)
	}

	var doc struct {
		ResourceType   string   `json:"resourceType"`
		ID             string   `json:"id"`
		Name           string   `json:"name"`
		URL            string   `json:"url"`
		Status         string   `json:"status"`
		BaseDefinition string   `json:"baseDefinition"`
		Base           []string `json:"base"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse artifact %s: %w", path, err)
	}
	if !artifactKinds[doc.ResourceType] {
		return nil, nil
	}
	if doc.ID == "" {
		return nil, fmt.Errorf("artifact %s has no id", path)
	}

	base := doc.Base
	if doc.BaseDefinition != "" {
		base = append(base, doc.BaseDefinition)
	}
	return &Artifact{
		Kind:    doc.ResourceType,
		ID:      doc.ID,
		Name:    doc.Name,
		URL:     doc.URL,
		Status:  doc.Status,
		Base:    base,
		Content: json.RawMessage(data),
	}, nil
}

func (s *ArtifactStore) index(version fhir.Version, artifacts []*Artifact) {
	ids := make(map[string]*Artifact, len(artifacts))
	kinds := make(map[string][]*Artifact)
	for _, a := range artifacts {
		ids[a.Kind+"/"+a.ID] = a
		kinds[a.Kind] = append(kinds[a.Kind], a)
	}
	for _, list := range kinds {
		sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	}
	s.byID[version] = ids
	s.byKind[version] = kinds
	s.perCount[version] = len(artifacts)
}

// Get returns one artifact by kind and id.
func (s *ArtifactStore) Get(version fhir.Version, kind, id string) (*Artifact, error) {
	if !artifactKinds[kind] {
		return nil, fhir.E(fhir.KindNotSupported, "resource type %q is not a conformance artifact", kind)
	}
	artifact, ok := s.byID[version][kind+"/"+id]
	if !ok {
		return nil, fhir.E(fhir.KindNotFound, "%s/%s is not a known conformance artifact", kind, id)
	}
	return artifact, nil
}

// Search filters one kind's artifacts and returns a searchset page.
func (s *ArtifactStore) Search(version fhir.Version, kind string, filter ArtifactFilter, page fhir.PageParams) (*fhir.Bundle, error) {
	if !artifactKinds[kind] {
		return nil, fhir.E(fhir.KindNotSupported, "resource type %q is not a conformance artifact", kind)
	}

	var matched []*Artifact
	for _, a := range s.byKind[version][kind] {
		if filter.matches(a) {
			matched = append(matched, a)
		}
	}

	// zero keeps count-only semantics: total without entries
	page.Total = len(matched)
	if page.Count < 0 {
		page.Count = 20
	}

	lo := page.Offset
	if lo > len(matched) {
		lo = len(matched)
	}
	hi := lo + page.Count
	if hi > len(matched) {
		hi = len(matched)
	}

	resources := make([]json.RawMessage, 0, hi-lo)
	for _, a := range matched[lo:hi] {
		resources = append(resources, a.Content)
	}
	return fhir.NewSearchBundle(resources, page), nil
}

// Count returns the number of artifacts loaded for a version.
func (s *ArtifactStore) Count(version fhir.Version) int {
	return s.perCount[version]
}

func (f ArtifactFilter) matches(a *Artifact) bool {
	if f.Name != "" && !strings.Contains(strings.ToLower(a.Name), strings.ToLower(f.Name)) {
		return false
	}
	if f.URL != "" && a.URL != f.URL {
		return false
	}
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if f.Base != "" {
		found := false
		for _, b := range a.Base {
			if b == f.Base {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
