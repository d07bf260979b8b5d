// Package tenant resolves external tenant identifiers to internal tenant
// records and enforces tenant enablement on every request.
package tenant

import (
	"context"
	"time"
)

// Tenant is one row of the tenant directory. ExternalID is the UUID clients
// present on the wire; InternalID is the opaque key stored alongside every
// resource row and used in cache keys.
type Tenant struct {
	ExternalID string    `json:"externalId"`
	InternalID string    `json:"internalId"`
	Name       string    `json:"name"`
	Enabled    bool      `json:"enabled"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Directory is the lookup surface the resolver caches over.
type Directory interface {
	// ByExternalID returns the tenant record, or a typed error with kind
	// KindUnknownTenant when no such tenant exists.
	ByExternalID(ctx context.Context, externalID string) (*Tenant, error)
}
