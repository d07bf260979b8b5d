// Package bundle executes batch and transaction Bundles against the server's
// own interaction layer.
package bundle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fhirbox/fhirbox/internal/platform/fhir"
)

// Entry is one bundle entry resolved for execution. AssignedID carries the
// server-assigned id for transaction POST entries whose urn:uuid placeholder
// was already resolved.
type Entry struct {
	Method     string
	Path       string // relative, e.g. "Patient/123" or "Patient?name=x"
	FullURL    string
	Resource   map[string]interface{}
	AssignedID string
}

// EntryResult is the outcome of executing one entry.
type EntryResult struct {
	Status       int
	ETag         string
	Location     string
	LastModified time.Time
	Resource     json.RawMessage
}

// Performer executes a single resolved entry against the server's
// interaction layer.
type Performer interface {
	Perform(ctx context.Context, version fhir.Version, entry *Entry) (*EntryResult, error)
}

// TxRunner runs fn inside a database transaction carried through the
// context, so every entry a transaction bundle performs shares it.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Processor parses, orders and executes batch and transaction bundles.
type Processor struct {
	tx     TxRunner
	logger zerolog.Logger
}

func NewProcessor(tx TxRunner, logger zerolog.Logger) *Processor {
	return &Processor{
		tx:     tx,
		logger: logger.With().Str("component", "bundle").Logger(),
	}
}

// executionRank orders entries the way transactions must run.
func executionRank(method string) int {
	switch method {
	case http.MethodDelete:
		return 0
	case http.MethodPost:
		return 1
	case http.MethodPut, http.MethodPatch:
		return 2
	case http.MethodGet:
		return 3
	default:
		return 4
	}
}

// Process executes the bundle and returns the response bundle. Batch entries
// are independent; a transaction rolls back entirely on the first failure
// and returns that failure.
func (p *Processor) Process(ctx context.Context, version fhir.Version, doc map[string]interface{}, performer Performer) (*fhir.Bundle, error) {
	bundleType, _ := doc["type"].(string)
	switch bundleType {
	case "batch", "transaction":
	default:
		return nil, fhir.E(fhir.KindInvalid, "bundle type %q is not processable; use batch or transaction", bundleType)
	}

	entries, err := parseEntries(doc)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return executionRank(entries[i].Method) < executionRank(entries[j].Method)
	})

	if bundleType == "transaction" {
		return p.processTransaction(ctx, version, entries, performer)
	}
	return p.processBatch(ctx, version, entries, performer)
}

func (p *Processor) processBatch(ctx context.Context, version fhir.Version, entries []*Entry, performer Performer) (*fhir.Bundle, error) {
	responses := make([]fhir.BundleEntry, 0, len(entries))
	for _, entry := range entries {
		result, err := performer.Perform(ctx, version, entry)
		if err != nil {
			responses = append(responses, errorEntry(err))
			continue
		}
		responses = append(responses, successEntry(result))
	}
	return fhir.NewBatchResponse(responses), nil
}

func (p *Processor) processTransaction(ctx context.Context, version fhir.Version, entries []*Entry, performer Performer) (*fhir.Bundle, error) {
	if err := resolvePlaceholders(entries); err != nil {
		return nil, err
	}

	var responses []fhir.BundleEntry
	err := p.tx.InTx(ctx, func(ctx context.Context) error {
		for _, entry := range entries {
			result, err := performer.Perform(ctx, version, entry)
			if err != nil {
				return err
			}
			responses = append(responses, successEntry(result))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return fhir.NewTransactionResponse(responses), nil
}

// parseEntries validates the request section of every entry.
func parseEntries(doc map[string]interface{}) ([]*Entry, error) {
	rawEntries, _ := doc["entry"].([]interface{})
	if len(rawEntries) == 0 {
		return nil, fhir.E(fhir.KindInvalid, "bundle has no entries")
	}

	entries := make([]*Entry, 0, len(rawEntries))
	for i, raw := range rawEntries {
		obj, ok := raw.(map[string]interface{})
		if !ok {
			return nil, fhir.E(fhir.KindInvalid, "entry %d is not an object", i)
		}
		request, ok := obj["request"].(map[string]interface{})
		if !ok {
			return nil, fhir.E(fhir.KindInvalid, "entry %d has no request", i)
		}
		method, _ := request["method"].(string)
		url, _ := request["url"].(string)
		if url == "" {
			return nil, fhir.E(fhir.KindInvalid, "entry %d has no request.url", i)
		}
		switch method {
		case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		default:
			return nil, fhir.E(fhir.KindInvalid, "entry %d has unsupported method %q", i, method)
		}

		entry := &Entry{Method: method, Path: strings.TrimPrefix(url, "/")}
		if fullURL, ok := obj["fullUrl"].(string); ok {
			entry.FullURL = fullURL
		}
		if resource, ok := obj["resource"].(map[string]interface{}); ok {
			entry.Resource = resource
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// resolvePlaceholders assigns ids to POST entries identified by urn:uuid
// fullUrls and rewrites every reference to them across the bundle.
func resolvePlaceholders(entries []*Entry) error {
	assigned := make(map[string]string)
	for _, entry := range entries {
		if entry.Method != http.MethodPost || !strings.HasPrefix(entry.FullURL, "urn:uuid:") {
			continue
		}
		if entry.Resource == nil {
			return fhir.E(fhir.KindInvalid, "POST entry %s has no resource", entry.FullURL)
		}
		resourceType, _ := entry.Resource["resourceType"].(string)
		if resourceType == "" {
			return fhir.E(fhir.KindInvalid, "POST entry %s has no resourceType", entry.FullURL)
		}

		entry.AssignedID = uuid.NewString()
		assigned[entry.FullURL] = fhir.FormatReference(resourceType, entry.AssignedID)
	}

	if len(assigned) == 0 {
		return nil
	}

	for _, entry := range entries {
		if entry.Resource == nil {
			continue
		}
		rewriteReferences(entry.Resource, assigned)
	}
	return nil
}

// rewriteReferences walks the document replacing placeholder reference
// values in place.
func rewriteReferences(node interface{}, assigned map[string]string) {
	switch v := node.(type) {
	case map[string]interface{}:
		for key, child := range v {
			if s, ok := child.(string); ok {
				if replacement, hit := assigned[s]; hit {
					v[key] = replacement
				}
				continue
			}
			rewriteReferences(child, assigned)
		}
	case []interface{}:
		for i, child := range v {
			if s, ok := child.(string); ok {
				if replacement, hit := assigned[s]; hit {
					v[i] = replacement
				}
				continue
			}
			rewriteReferences(child, assigned)
		}
	}
}

func successEntry(result *EntryResult) fhir.BundleEntry {
	response := &fhir.BundleResponse{
		Status:   fmt.Sprintf("%d %s", result.Status, http.StatusText(result.Status)),
		Location: result.Location,
		ETag:     result.ETag,
	}
	if !result.LastModified.IsZero() {
		t := result.LastModified
		response.LastModified = &t
	}
	return fhir.BundleEntry{Resource: result.Resource, Response: response}
}

func errorEntry(err error) fhir.BundleEntry {
	status := fhir.StatusOf(err)
	return fhir.BundleEntry{
		Response: &fhir.BundleResponse{
			Status:  fmt.Sprintf("%d %s", status, http.StatusText(status)),
			Outcome: fhir.OutcomeOf(err),
		},
	}
}
