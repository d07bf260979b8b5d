// Package storage implements the versioned resource store: schema routing,
// CRUD with soft deletes, per-resource history and search execution over
// JSONB content.
package storage

import (
	"encoding/json"
	"time"

	"github.com/fhirbox/fhirbox/internal/platform/fhir"
)

// Row is one stored version of a resource. Every write appends a row; the
// current version is the single row with IsCurrent set. Deletes append a
// tombstone row with IsDeleted set and sentinel content.
type Row struct {
	TenantID     string
	ResourceType string
	ResourceID   string
	FHIRVersion  fhir.Version
	VersionID    int
	IsCurrent    bool
	IsDeleted    bool
	Content      json.RawMessage
	LastUpdated  time.Time
	CreatedAt    time.Time
	SourceURI    *string
}

// ETag returns the weak entity tag for this version.
func (r *Row) ETag() string {
	return fhir.FormatETag(r.VersionID)
}

// Document unmarshals the stored content. Tombstone rows carry a sentinel
// document rather than the deleted resource.
func (r *Row) Document() (map[string]interface{}, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(r.Content, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}
