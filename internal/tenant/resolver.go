package tenant

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fhirbox/fhirbox/internal/platform/fhir"
)

// DefaultCacheTTL bounds how long a directory row is served from memory, so
// disabling a tenant takes effect without a restart.
const DefaultCacheTTL = 30 * time.Second

type cacheEntry struct {
	tenant  *Tenant
	expires time.Time
}

// Resolver validates external tenant identifiers, resolves them through the
// directory, caches the results, and rejects disabled tenants. It is safe for
// concurrent use.
type Resolver struct {
	directory Directory
	ttl       time.Duration
	logger    zerolog.Logger

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

func NewResolver(directory Directory, ttl time.Duration, logger zerolog.Logger) *Resolver {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Resolver{
		directory: directory,
		ttl:       ttl,
		logger:    logger.With().Str("component", "tenant").Logger(),
		cache:     make(map[string]cacheEntry),
	}
}

// Resolve maps an external tenant UUID to its record. Failures are typed:
// a missing or malformed identifier is KindInvalidTenant, an unregistered one
// KindUnknownTenant, and a registered-but-disabled one KindDisabledTenant.
func (r *Resolver) Resolve(ctx context.Context, externalID string) (*Tenant, error) {
	if externalID == "" {
		return nil, fhir.E(fhir.KindInvalidTenant, "tenant header is required")
	}
	if _, err := uuid.Parse(externalID); err != nil {
		return nil, fhir.E(fhir.KindInvalidTenant, "tenant identifier %q is not a valid UUID", externalID)
	}

	t, ok := r.cached(externalID)
	if !ok {
		var err error
		t, err = r.directory.ByExternalID(ctx, externalID)
		if err != nil {
			return nil, err
		}
		r.store(externalID, t)
	}

	if !t.Enabled {
		return nil, fhir.E(fhir.KindDisabledTenant, "tenant %s is disabled", externalID)
	}
	return t, nil
}

// Invalidate drops a cached entry, used after admin enable/disable so the
// change is visible immediately on this node.
func (r *Resolver) Invalidate(externalID string) {
	r.mu.Lock()
	delete(r.cache, externalID)
	r.mu.Unlock()
}

func (r *Resolver) cached(externalID string) (*Tenant, bool) {
	r.mu.RLock()
	entry, ok := r.cache[externalID]
	r.mu.RUnlock()
	if !ok || time.Now().After(entry.expires) {
		return nil, false
	}
	return entry.tenant, true
}

func (r *Resolver) store(externalID string, t *Tenant) {
	r.mu.Lock()
	r.cache[externalID] = cacheEntry{tenant: t, expires: time.Now().Add(r.ttl)}
	r.mu.Unlock()
}
