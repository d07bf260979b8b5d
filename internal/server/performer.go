package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fhirbox/fhirbox/internal/bundle"
	"github.com/fhirbox/fhirbox/internal/pipeline"
	"github.com/fhirbox/fhirbox/internal/platform/db"
	"github.com/fhirbox/fhirbox/internal/platform/fhir"
	"github.com/fhirbox/fhirbox/internal/registry"

	"github.com/jackc/pgx/v5/pgxpool"
)

// servicePerformer executes bundle entries against the interaction service,
// so every entry gets the same guard, pipeline and validation treatment as a
// direct request.
type servicePerformer struct {
	service *Service
}

func (p *servicePerformer) Perform(ctx context.Context, version fhir.Version, entry *bundle.Entry) (*bundle.EntryResult, error) {
	resourceType, resourceID, query, err := splitEntryPath(entry.Path)
	if err != nil {
		return nil, err
	}

	op := &Op{
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Version:      version,
		Query:        query,
		Document:     entry.Resource,
		Headers:      map[string]string{},
	}

	var resp *pipeline.Response
	switch entry.Method {
	case http.MethodGet:
		if resourceID == "" {
			op.Interaction = registry.InteractionSearch
			resp, err = p.service.Search(ctx, op, p.service.basePath+"/"+version.PathCode()+"/"+resourceType)
		} else {
			op.Interaction = registry.InteractionRead
			resp, err = p.service.Read(ctx, op)
		}
	case http.MethodPost:
		if resourceID != "" {
			return nil, fhir.E(fhir.KindInvalid, "POST entry url must be a type, got %q", entry.Path)
		}
		if entry.AssignedID != "" {
			// transaction placeholder: the id was pre-assigned so other
			// entries could reference it
			op.Interaction = registry.InteractionUpdate
			op.ResourceID = entry.AssignedID
			if entry.Resource != nil {
				entry.Resource["id"] = entry.AssignedID
			}
			resp, err = p.service.Update(ctx, op)
		} else {
			op.Interaction = registry.InteractionCreate
			resp, err = p.service.Create(ctx, op)
		}
	case http.MethodPut:
		op.Interaction = registry.InteractionUpdate
		resp, err = p.service.Update(ctx, op)
	case http.MethodPatch:
		op.Interaction = registry.InteractionPatch
		body, merr := json.Marshal(entry.Resource)
		if merr != nil {
			return nil, fhir.Wrap(fhir.KindInvalid, merr, "invalid patch entry")
		}
		resp, err = p.service.Patch(ctx, op, body, "application/merge-patch+json")
	case http.MethodDelete:
		op.Interaction = registry.InteractionDelete
		resp, err = p.service.Delete(ctx, op)
	default:
		return nil, fhir.E(fhir.KindInvalid, "unsupported bundle entry method %q", entry.Method)
	}
	if err != nil {
		return nil, err
	}

	result := &bundle.EntryResult{
		Status:   resp.Status,
		ETag:     resp.ETag,
		Location: resp.Location,
		Resource: resp.Resource,
	}
	if resp.LastModified != "" {
		if t, perr := time.Parse(http.TimeFormat, resp.LastModified); perr == nil {
			result.LastModified = t
		}
	}
	return result, nil
}

// splitEntryPath breaks a bundle entry url like "Patient/123" or
// "Patient?name=smith" into its parts.
func splitEntryPath(path string) (resourceType, resourceID string, query url.Values, err error) {
	query = url.Values{}
	if idx := strings.IndexByte(path, '?'); idx >= 0 {
		query, err = url.ParseQuery(path[idx+1:])
		if err != nil {
			return "", "", nil, fhir.Wrap(fhir.KindInvalid, err, "invalid entry query")
		}
		path = path[:idx]
	}

	parts := strings.Split(strings.Trim(path, "/"), "/")
	switch len(parts) {
	case 1:
		return parts[0], "", query, nil
	case 2:
		return parts[0], parts[1], query, nil
	default:
		return "", "", nil, fhir.E(fhir.KindInvalid, "unsupported entry url %q", path)
	}
}

// poolTxRunner carries transaction bundles through one database transaction
// using the ambient-tx context convention the storage engine follows.
type poolTxRunner struct {
	pool *pgxpool.Pool
}

func NewPoolTxRunner(pool *pgxpool.Pool) bundle.TxRunner {
	return &poolTxRunner{pool: pool}
}

func (r *poolTxRunner) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.InTx(ctx, r.pool, fn)
}
