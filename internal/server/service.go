// Package server assembles the HTTP surface: version-prefixed FHIR routes,
// the interaction service behind them, and the middleware stack.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/fhirbox/fhirbox/internal/bundle"
	"github.com/fhirbox/fhirbox/internal/operations"
	"github.com/fhirbox/fhirbox/internal/pipeline"
	"github.com/fhirbox/fhirbox/internal/platform/fhir"
	"github.com/fhirbox/fhirbox/internal/registry"
	"github.com/fhirbox/fhirbox/internal/search"
	"github.com/fhirbox/fhirbox/internal/storage"
	"github.com/fhirbox/fhirbox/internal/tenant"
	"github.com/fhirbox/fhirbox/internal/validation"
)

// interactionOperation marks $operation requests in the pipeline envelope so
// they never collide with the read cache.
const interactionOperation = registry.Interaction("operation")

// Storage is the slice of the storage engine the service depends on.
type Storage interface {
	Create(ctx context.Context, resourceType string, version fhir.Version, doc map[string]interface{}, tenantID string) (*storage.Row, error)
	Read(ctx context.Context, resourceType, id, tenantID string) (*storage.Row, error)
	VRead(ctx context.Context, resourceType, id string, versionID int, tenantID string) (*storage.Row, error)
	Update(ctx context.Context, resourceType string, version fhir.Version, id string, doc map[string]interface{}, tenantID string) (*storage.Row, error)
	Delete(ctx context.Context, resourceType, id, tenantID string) (*storage.Row, error)
	History(ctx context.Context, resourceType, id, tenantID string) ([]*storage.Row, error)
	Search(ctx context.Context, resourceType, tenantID string, q *storage.Query) ([]*storage.Row, int, error)
}

// Service executes FHIR interactions: it guards them against the registry,
// runs them through the plugin pipeline and talks to storage.
type Service struct {
	resources    *registry.Resources
	guard        *registry.Guard
	translator   *search.Translator
	store        Storage
	orchestrator *pipeline.Orchestrator
	dispatcher   *operations.Dispatcher
	bundles      *bundle.Processor
	facade       *validation.Facade
	basePath     string
	logger       zerolog.Logger
}

func NewService(
	resources *registry.Resources,
	translator *search.Translator,
	store Storage,
	orchestrator *pipeline.Orchestrator,
	dispatcher *operations.Dispatcher,
	bundles *bundle.Processor,
	facade *validation.Facade,
	basePath string,
	logger zerolog.Logger,
) *Service {
	return &Service{
		resources:    resources,
		guard:        registry.NewGuard(resources),
		translator:   translator,
		store:        store,
		orchestrator: orchestrator,
		dispatcher:   dispatcher,
		bundles:      bundles,
		facade:       facade,
		basePath:     strings.TrimRight(basePath, "/"),
		logger:       logger.With().Str("component", "service").Logger(),
	}
}

// Op carries one interaction request from the HTTP layer into the service.
type Op struct {
	Interaction  registry.Interaction
	ResourceType string
	ResourceID   string
	VersionID    string
	Version      fhir.Version
	Query        url.Values
	Document     map[string]interface{}
	Headers      map[string]string
}

func (s *Service) request(ctx context.Context, op *Op) (*pipeline.Request, error) {
	t := tenant.FromContext(ctx)
	if t == nil {
		return nil, fhir.E(fhir.KindInvalidTenant, "no tenant resolved for request")
	}
	return &pipeline.Request{
		Interaction:  op.Interaction,
		ResourceType: op.ResourceType,
		ResourceID:   op.ResourceID,
		Version:      op.Version,
		Tenant:       t,
		Query:        op.Query,
		Document:     op.Document,
		Headers:      op.Headers,
	}, nil
}

// Read returns the current version of a resource. A matching If-None-Match
// short-circuits to 304 with no body.
func (s *Service) Read(ctx context.Context, op *Op) (*pipeline.Response, error) {
	if err := s.guard.Validate(op.ResourceType, op.Version, registry.InteractionRead); err != nil {
		return nil, err
	}
	req, err := s.request(ctx, op)
	if err != nil {
		return nil, err
	}

	resp, err := s.orchestrator.Execute(ctx, req, func(ctx context.Context) (*pipeline.Response, error) {
		row, err := s.store.Read(ctx, op.ResourceType, op.ResourceID, req.Tenant.InternalID)
		if err != nil {
			return nil, err
		}
		return rowResponse(row, http.StatusOK), nil
	})
	if err != nil {
		return nil, err
	}

	if match := op.Headers["If-None-Match"]; match != "" && etagMatches(match, resp.ETag) {
		return &pipeline.Response{Status: http.StatusNotModified, ETag: resp.ETag}, nil
	}
	return resp, nil
}

// VRead returns one historical version. The tombstone version left by a
// delete answers 410.
func (s *Service) VRead(ctx context.Context, op *Op) (*pipeline.Response, error) {
	if err := s.guard.Validate(op.ResourceType, op.Version, registry.InteractionVRead); err != nil {
		return nil, err
	}
	versionID, err := strconv.Atoi(op.VersionID)
	if err != nil || versionID < 1 {
		return nil, fhir.E(fhir.KindInvalid, "invalid version id %q", op.VersionID)
	}
	req, err := s.request(ctx, op)
	if err != nil {
		return nil, err
	}

	return s.orchestrator.Execute(ctx, req, func(ctx context.Context) (*pipeline.Response, error) {
		row, err := s.store.VRead(ctx, op.ResourceType, op.ResourceID, versionID, req.Tenant.InternalID)
		if err != nil {
			return nil, err
		}
		if row.IsDeleted {
			return nil, fhir.E(fhir.KindGone, "%s/%s version %d is a deletion",
				op.ResourceType, op.ResourceID, versionID)
		}
		return rowResponse(row, http.StatusOK), nil
	})
}

// Create stores a new resource with a server-assigned id.
func (s *Service) Create(ctx context.Context, op *Op) (*pipeline.Response, error) {
	if err := s.guard.Validate(op.ResourceType, op.Version, registry.InteractionCreate); err != nil {
		return nil, err
	}
	if err := s.checkDocument(ctx, op, op.Document); err != nil {
		return nil, err
	}
	req, err := s.request(ctx, op)
	if err != nil {
		return nil, err
	}

	return s.orchestrator.Execute(ctx, req, func(ctx context.Context) (*pipeline.Response, error) {
		row, err := s.store.Create(ctx, op.ResourceType, op.Version, op.Document, req.Tenant.InternalID)
		if err != nil {
			return nil, err
		}
		resp := rowResponse(row, http.StatusCreated)
		resp.Location = locationFor(s.basePath, op.Version, row)
		return resp, nil
	})
}

// Update replaces the current version, or creates the resource at the given
// id when it does not exist yet. If-Match enforces optimistic concurrency
// against the current version; If-None-Match: * makes the update
// create-only and fails with 412 when the resource already exists.
func (s *Service) Update(ctx context.Context, op *Op) (*pipeline.Response, error) {
	if err := s.guard.Validate(op.ResourceType, op.Version, registry.InteractionUpdate); err != nil {
		return nil, err
	}
	if docID, _ := op.Document["id"].(string); docID != "" && docID != op.ResourceID {
		return nil, fhir.E(fhir.KindInvalid, "resource id %q does not match URL id %q", docID, op.ResourceID)
	}
	if err := s.checkDocument(ctx, op, op.Document); err != nil {
		return nil, err
	}
	req, err := s.request(ctx, op)
	if err != nil {
		return nil, err
	}

	return s.orchestrator.Execute(ctx, req, func(ctx context.Context) (*pipeline.Response, error) {
		if err := s.checkIfNoneMatch(ctx, op, req.Tenant.InternalID); err != nil {
			return nil, err
		}
		if err := s.checkIfMatch(ctx, op, req.Tenant.InternalID); err != nil {
			return nil, err
		}
		row, err := s.store.Update(ctx, op.ResourceType, op.Version, op.ResourceID, op.Document, req.Tenant.InternalID)
		if err != nil {
			return nil, err
		}
		status := http.StatusOK
		if row.VersionID == 1 {
			status = http.StatusCreated
		}
		resp := rowResponse(row, status)
		resp.Location = locationFor(s.basePath, op.Version, row)
		return resp, nil
	})
}

// Patch applies a JSON Patch or merge patch to the current version and stores
// the result as a new version. ContentType selects the patch dialect.
func (s *Service) Patch(ctx context.Context, op *Op, body []byte, contentType string) (*pipeline.Response, error) {
	if err := s.guard.Validate(op.ResourceType, op.Version, registry.InteractionPatch); err != nil {
		return nil, err
	}
	req, err := s.request(ctx, op)
	if err != nil {
		return nil, err
	}

	return s.orchestrator.Execute(ctx, req, func(ctx context.Context) (*pipeline.Response, error) {
		if err := s.checkIfMatch(ctx, op, req.Tenant.InternalID); err != nil {
			return nil, err
		}
		current, err := s.store.Read(ctx, op.ResourceType, op.ResourceID, req.Tenant.InternalID)
		if err != nil {
			return nil, err
		}
		doc, err := current.Document()
		if err != nil {
			return nil, err
		}

		patched, err := applyPatch(doc, body, contentType)
		if err != nil {
			return nil, err
		}
		if patchedType, _ := patched["resourceType"].(string); patchedType != op.ResourceType {
			return nil, fhir.E(fhir.KindInvalid, "patch must not change resourceType")
		}
		if err := s.checkDocument(ctx, op, patched); err != nil {
			return nil, err
		}

		row, err := s.store.Update(ctx, op.ResourceType, op.Version, op.ResourceID, patched, req.Tenant.InternalID)
		if err != nil {
			return nil, err
		}
		return rowResponse(row, http.StatusOK), nil
	})
}

// Delete soft-deletes the current version. Deleting again answers 410 like a
// read would. If-Match guards the delete the same way it guards an update.
func (s *Service) Delete(ctx context.Context, op *Op) (*pipeline.Response, error) {
	if err := s.guard.Validate(op.ResourceType, op.Version, registry.InteractionDelete); err != nil {
		return nil, err
	}
	req, err := s.request(ctx, op)
	if err != nil {
		return nil, err
	}

	return s.orchestrator.Execute(ctx, req, func(ctx context.Context) (*pipeline.Response, error) {
		if err := s.checkIfMatch(ctx, op, req.Tenant.InternalID); err != nil {
			return nil, err
		}
		row, err := s.store.Delete(ctx, op.ResourceType, op.ResourceID, req.Tenant.InternalID)
		if err != nil {
			return nil, err
		}
		return &pipeline.Response{Status: http.StatusNoContent, ETag: row.ETag()}, nil
	})
}

// Search translates the query into SQL predicates and returns a searchset
// page.
func (s *Service) Search(ctx context.Context, op *Op, basePath string) (*pipeline.Response, error) {
	if err := s.guard.Validate(op.ResourceType, op.Version, registry.InteractionSearch); err != nil {
		return nil, err
	}
	query, err := s.translator.Translate(op.ResourceType, op.Version, op.Query)
	if err != nil {
		return nil, err
	}
	req, err := s.request(ctx, op)
	if err != nil {
		return nil, err
	}

	return s.orchestrator.Execute(ctx, req, func(ctx context.Context) (*pipeline.Response, error) {
		rows, total, err := s.store.Search(ctx, op.ResourceType, req.Tenant.InternalID, query)
		if err != nil {
			return nil, err
		}

		resources := make([]json.RawMessage, len(rows))
		for i, row := range rows {
			resources[i] = row.Content
		}
		result := fhir.NewSearchBundle(resources, fhir.PageParams{
			BaseURL:  basePath,
			QueryStr: searchQueryString(op.Query),
			Count:    query.Count,
			Offset:   query.Offset,
			Total:    total,
		})
		return bundleResponse(result)
	})
}

// History returns every stored version of a resource, newest first.
func (s *Service) History(ctx context.Context, op *Op) (*pipeline.Response, error) {
	if err := s.guard.Validate(op.ResourceType, op.Version, registry.InteractionHistory); err != nil {
		return nil, err
	}
	req, err := s.request(ctx, op)
	if err != nil {
		return nil, err
	}

	return s.orchestrator.Execute(ctx, req, func(ctx context.Context) (*pipeline.Response, error) {
		rows, err := s.store.History(ctx, op.ResourceType, op.ResourceID, req.Tenant.InternalID)
		if err != nil {
			return nil, err
		}

		entries := make([]fhir.BundleEntry, 0, len(rows))
		for _, row := range rows {
			entries = append(entries, historyEntry(row))
		}
		return bundleResponse(fhir.NewHistoryBundle(entries, len(rows)))
	})
}

// Operation dispatches a $operation at system, type or instance scope.
func (s *Service) Operation(ctx context.Context, op *Op, name string, scope operations.Scope) (*pipeline.Response, error) {
	if op.ResourceType != "" {
		if _, known := s.resources.Lookup(op.ResourceType); !known {
			return nil, fhir.E(fhir.KindNotFound, "resource type %q is not configured", op.ResourceType)
		}
	}
	req, err := s.request(ctx, op)
	if err != nil {
		return nil, err
	}

	return s.orchestrator.Execute(ctx, req, func(ctx context.Context) (*pipeline.Response, error) {
		doc, status, err := s.dispatcher.Dispatch(ctx, name, scope, &operations.Call{
			ResourceType: op.ResourceType,
			ResourceID:   op.ResourceID,
			Version:      op.Version,
			TenantID:     req.Tenant.InternalID,
			Body:         op.Document,
			Query:        op.Query,
		})
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(doc)
		if err != nil {
			return nil, fhir.Wrap(fhir.KindInternal, err, "marshal operation result")
		}
		return &pipeline.Response{Resource: data, Status: status}, nil
	})
}

// ProcessBundle executes a batch or transaction Bundle posted at the root.
func (s *Service) ProcessBundle(ctx context.Context, version fhir.Version, doc map[string]interface{}) (*pipeline.Response, error) {
	if resourceType, _ := doc["resourceType"].(string); resourceType != "Bundle" {
		return nil, fhir.E(fhir.KindInvalid, "root POST requires a Bundle, got %q", resourceType)
	}

	result, err := s.bundles.Process(ctx, version, doc, &servicePerformer{service: s})
	if err != nil {
		return nil, err
	}
	return bundleResponse(result)
}

// checkDocument runs structural validation with the type's required profiles.
func (s *Service) checkDocument(ctx context.Context, op *Op, doc map[string]interface{}) error {
	if docType, _ := doc["resourceType"].(string); docType != op.ResourceType {
		return fhir.E(fhir.KindInvalid, "resourceType %q does not match URL type %q", docType, op.ResourceType)
	}
	profiles := s.resources.RequiredProfiles(op.ResourceType, op.Version)
	return s.facade.Check(ctx, doc, op.Version, profiles)
}

// checkIfNoneMatch enforces If-None-Match: * on updates: the update only
// proceeds when no current version exists. A tombstone counts as absent.
func (s *Service) checkIfNoneMatch(ctx context.Context, op *Op, tenantID string) error {
	if strings.TrimSpace(op.Headers["If-None-Match"]) != "*" {
		return nil
	}

	_, err := s.store.Read(ctx, op.ResourceType, op.ResourceID, tenantID)
	switch fhir.KindOf(err) {
	case fhir.KindNotFound, fhir.KindGone:
		return nil
	}
	if err != nil {
		return err
	}
	return fhir.E(fhir.KindPreconditionFailed, "%s/%s already exists", op.ResourceType, op.ResourceID)
}

// checkIfMatch enforces If-Match against the stored current version.
func (s *Service) checkIfMatch(ctx context.Context, op *Op, tenantID string) error {
	match := op.Headers["If-Match"]
	if match == "" {
		return nil
	}

	wanted, err := fhir.ParseETag(match)
	if err != nil {
		return fhir.Wrap(fhir.KindInvalid, err, "invalid If-Match header")
	}
	current, err := s.store.Read(ctx, op.ResourceType, op.ResourceID, tenantID)
	if err != nil {
		return err
	}
	if current.VersionID != wanted {
		return fhir.E(fhir.KindVersionConflict, "If-Match version %d does not match current version %d",
			wanted, current.VersionID)
	}
	return nil
}

func applyPatch(doc map[string]interface{}, body []byte, contentType string) (map[string]interface{}, error) {
	switch {
	case strings.Contains(contentType, "json-patch"):
		ops, err := fhir.ParseJSONPatch(body)
		if err != nil {
			return nil, fhir.Wrap(fhir.KindInvalid, err, "invalid patch document")
		}
		patched, err := fhir.ApplyJSONPatch(doc, ops)
		if err != nil {
			return nil, fhir.Wrap(fhir.KindInvalid, err, "patch failed")
		}
		return patched, nil
	case strings.Contains(contentType, "merge-patch"):
		patch, err := fhir.ParseMergePatch(body)
		if err != nil {
			return nil, fhir.Wrap(fhir.KindInvalid, err, "invalid merge patch document")
		}
		return fhir.ApplyMergePatch(doc, patch)
	default:
		return nil, fhir.E(fhir.KindNotSupported, "unsupported patch content type %q", contentType)
	}
}

func rowResponse(row *storage.Row, status int) *pipeline.Response {
	return &pipeline.Response{
		Resource:     row.Content,
		Status:       status,
		ETag:         row.ETag(),
		LastModified: row.LastUpdated.UTC().Format(http.TimeFormat),
	}
}

func bundleResponse(b *fhir.Bundle) (*pipeline.Response, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return nil, fhir.Wrap(fhir.KindInternal, err, "marshal bundle")
	}
	return &pipeline.Response{Resource: data, Status: http.StatusOK}, nil
}

func historyEntry(row *storage.Row) fhir.BundleEntry {
	entry := fhir.BundleEntry{
		FullURL: fhir.FormatReference(row.ResourceType, row.ResourceID),
	}

	method := http.MethodPut
	status := "200 OK"
	switch {
	case row.IsDeleted:
		method = http.MethodDelete
		status = "204 No Content"
	case row.VersionID == 1:
		method = http.MethodPost
		status = "201 Created"
	}
	if !row.IsDeleted {
		entry.Resource = row.Content
	}

	lastUpdated := row.LastUpdated
	entry.Request = &fhir.BundleRequest{
		Method: method,
		URL:    fhir.FormatReference(row.ResourceType, row.ResourceID),
	}
	entry.Response = &fhir.BundleResponse{
		Status:       status,
		ETag:         row.ETag(),
		LastModified: &lastUpdated,
	}
	return entry
}

func locationFor(basePath string, version fhir.Version, row *storage.Row) string {
	return basePath + "/" + version.PathCode() + "/" + row.ResourceType + "/" + row.ResourceID +
		"/_history/" + strconv.Itoa(row.VersionID)
}

// searchQueryString rebuilds the non-paging part of the query for pagination
// links, with deterministic parameter order.
func searchQueryString(values url.Values) string {
	filtered := url.Values{}
	for name, vals := range values {
		if name == "_count" || name == "_offset" {
			continue
		}
		filtered[name] = vals
	}
	return filtered.Encode()
}

func etagMatches(header, etag string) bool {
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == etag || candidate == "*" {
			return true
		}
		// allow the strong form of the same version
		have, err1 := fhir.ParseETag(candidate)
		want, err2 := fhir.ParseETag(etag)
		if err1 == nil && err2 == nil && have == want {
			return true
		}
	}
	return false
}
