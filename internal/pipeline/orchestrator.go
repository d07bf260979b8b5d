package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/fhirbox/fhirbox/internal/platform/cache"
	"github.com/fhirbox/fhirbox/internal/platform/fhir"
	"github.com/fhirbox/fhirbox/internal/registry"
)

// AbortError carries a plugin's abort decision through the error channel so
// Translate can render exactly what the plugin chose.
type AbortError struct {
	Status  int
	Outcome *fhir.OperationOutcome
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("aborted by plugin with status %d", e.Status)
}

// cachedEntry is the envelope stored for read responses so the headers
// survive a cache round trip.
type cachedEntry struct {
	Resource     json.RawMessage `json:"resource"`
	ETag         string          `json:"etag"`
	LastModified string          `json:"lastModified"`
}

// Orchestrator drives the invariant phase order around every operation:
// authentication, authorization, cache lookup, business-before, the core
// operation, business-after, cache maintenance, then audit and telemetry off
// the request path.
type Orchestrator struct {
	plugins  *Registry
	store    cache.Store
	cacheTTL time.Duration
	executor *Executor
	logger   zerolog.Logger
}

func NewOrchestrator(plugins *Registry, store cache.Store, cacheTTL time.Duration, executor *Executor, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		plugins:  plugins,
		store:    store,
		cacheTTL: cacheTTL,
		executor: executor,
		logger:   logger.With().Str("component", "pipeline").Logger(),
	}
}

// Execute runs the full pipeline around core. The returned error is always
// typed or an AbortError; Translate renders either.
func (o *Orchestrator) Execute(ctx context.Context, req *Request, core func(ctx context.Context) (*Response, error)) (*Response, error) {
	if err := checkDeadline(ctx); err != nil {
		return nil, err
	}

	if err := o.runGate(ctx, req, KindAuthentication, http.StatusUnauthorized); err != nil {
		return nil, err
	}
	if err := o.runGate(ctx, req, KindAuthorization, http.StatusForbidden); err != nil {
		return nil, err
	}

	cacheKey := o.cacheKey(req)
	if cacheKey != "" {
		if resp, ok := o.lookup(ctx, cacheKey); ok {
			o.finish(req, resp)
			return resp, nil
		}
	}

	if err := o.runBusiness(ctx, req, KindBusinessBefore); err != nil {
		return nil, err
	}

	if err := checkDeadline(ctx); err != nil {
		return nil, err
	}
	resp, err := core(ctx)
	if err != nil {
		o.finishErr(req, err)
		return nil, err
	}

	if err := o.runBusiness(ctx, req, KindBusinessAfter); err != nil {
		return nil, err
	}

	o.maintainCache(ctx, req, cacheKey, resp)
	o.finish(req, resp)
	return resp, nil
}

// Translate is the single point mapping pipeline errors to an HTTP status and
// OperationOutcome body.
func Translate(err error) (int, *fhir.OperationOutcome) {
	var abort *AbortError
	if errors.As(err, &abort) {
		status := abort.Status
		if status == 0 {
			status = http.StatusForbidden
		}
		outcome := abort.Outcome
		if outcome == nil {
			outcome = fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeForbidden, "request aborted")
		}
		return status, outcome
	}
	return fhir.StatusOf(err), fhir.OutcomeOf(err)
}

// runGate executes an authentication or authorization phase. Aborts carry
// the phase's default status when the plugin did not choose one.
func (o *Orchestrator) runGate(ctx context.Context, req *Request, kind Kind, defaultStatus int) error {
	for _, p := range o.plugins.OfKind(kind) {
		if err := checkDeadline(ctx); err != nil {
			return err
		}
		result, err := p.Execute(ctx, req)
		if err != nil {
			return fhir.Wrap(fhir.KindInternal, err, "plugin %s failed", p.Name())
		}
		if result != nil && result.Abort {
			status := result.Status
			if status == 0 {
				status = defaultStatus
			}
			return &AbortError{Status: status, Outcome: result.Outcome}
		}
	}
	return nil
}

// runBusiness executes a business phase. Sync failures surface; async plugins
// run detached and only log.
func (o *Orchestrator) runBusiness(ctx context.Context, req *Request, kind Kind) error {
	for _, p := range o.plugins.OfKind(kind) {
		if p.Mode() == ModeAsync {
			o.submitAsync(p, req)
			continue
		}

		if err := checkDeadline(ctx); err != nil {
			return err
		}
		result, err := p.Execute(ctx, req)
		if err != nil {
			return fhir.Wrap(fhir.KindInternal, err, "plugin %s failed", p.Name())
		}
		if result != nil && result.Abort {
			status := result.Status
			if status == 0 {
				status = http.StatusUnprocessableEntity
			}
			return &AbortError{Status: status, Outcome: result.Outcome}
		}
	}
	return nil
}

// finish emits audit and telemetry work off the request path.
func (o *Orchestrator) finish(req *Request, resp *Response) {
	status := 0
	if resp != nil {
		status = resp.Status
	}
	o.emitObservers(req, status, nil)
}

func (o *Orchestrator) finishErr(req *Request, err error) {
	status, _ := Translate(err)
	o.emitObservers(req, status, err)
}

func (o *Orchestrator) emitObservers(req *Request, status int, opErr error) {
	observed := *req
	observed.Document = nil // observers never see resource content
	observed.ResponseStatus = status
	if opErr != nil && status == 0 {
		observed.ResponseStatus = http.StatusInternalServerError
	}

	for _, kind := range []Kind{KindAudit, KindTelemetry} {
		for _, p := range o.plugins.OfKind(kind) {
			if p.Mode() == ModeSync {
				if _, err := p.Execute(context.Background(), &observed); err != nil {
					o.logger.Error().Err(err).Str("plugin", p.Name()).Msg("observer plugin failed")
				}
				continue
			}
			o.submitAsync(p, &observed)
		}
	}
}

func (o *Orchestrator) submitAsync(p Plugin, req *Request) {
	snapshot := *req
	o.executor.Submit(func(ctx context.Context) {
		if _, err := p.Execute(ctx, &snapshot); err != nil {
			o.logger.Error().Err(err).Str("plugin", p.Name()).Msg("async plugin failed")
		}
	})
}

// cacheKey returns the key for cacheable requests: instance reads only.
func (o *Orchestrator) cacheKey(req *Request) string {
	if o.store == nil || req.Tenant == nil {
		return ""
	}
	if req.Interaction != registry.InteractionRead || req.ResourceID == "" {
		return ""
	}
	return cache.Key(req.Tenant.InternalID, string(req.Version), req.ResourceType, req.ResourceID)
}

func (o *Orchestrator) lookup(ctx context.Context, key string) (*Response, bool) {
	data, ok, err := o.store.Get(ctx, key)
	if err != nil {
		o.logger.Warn().Err(err).Msg("cache lookup failed")
		return nil, false
	}
	if !ok {
		return nil, false
	}

	var entry cachedEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		o.logger.Warn().Err(err).Msg("cache entry corrupt")
		return nil, false
	}
	return &Response{
		Resource:     entry.Resource,
		Status:       http.StatusOK,
		ETag:         entry.ETag,
		LastModified: entry.LastModified,
		FromCache:    true,
	}, true
}

// maintainCache stores read results and invalidates on writes: the instance
// key plus every entry for the type at this version under this tenant.
func (o *Orchestrator) maintainCache(ctx context.Context, req *Request, cacheKey string, resp *Response) {
	if o.store == nil || req.Tenant == nil {
		return
	}

	if cacheKey != "" && resp.Status == http.StatusOK {
		data, err := json.Marshal(cachedEntry{
			Resource:     resp.Resource,
			ETag:         resp.ETag,
			LastModified: resp.LastModified,
		})
		if err == nil {
			if err := o.store.Set(ctx, cacheKey, data, o.cacheTTL); err != nil {
				o.logger.Warn().Err(err).Msg("cache store failed")
			}
		}
		return
	}

	switch req.Interaction {
	case registry.InteractionCreate, registry.InteractionUpdate,
		registry.InteractionPatch, registry.InteractionDelete:
		if _, err := o.store.DeleteContaining(ctx, cache.TypeSuffix(string(req.Version), req.ResourceType)); err != nil {
			o.logger.Warn().Err(err).Msg("cache invalidation failed")
		}
	}
}

func checkDeadline(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fhir.E(fhir.KindTimeout, "request deadline exceeded")
	default:
		return nil
	}
}
