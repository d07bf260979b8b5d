// Package cache provides the key-value store behind the pipeline's cache
// plugin. Keys are namespaced by internal tenant id so one tenant's entries
// can never be served to another; see Key and the prefix invalidation
// helpers.
package cache

import (
	"context"
	"strings"
	"time"
)

// Store is a key-value cache with TTL semantics. Implementations must be
// safe for concurrent use.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// DeletePrefix removes every key starting with prefix and returns the
	// number of keys removed.
	DeletePrefix(ctx context.Context, prefix string) (int, error)
	// DeleteContaining removes every key containing fragment, across all
	// tenant namespaces.
	DeleteContaining(ctx context.Context, fragment string) (int, error)
	Close() error
}

// Key builds a cache key scoped to a tenant: "<tenant>:<version>:<Type>/<id>".
// The tenant segment is the internal tenant id, never the external UUID.
func Key(tenantID, version, resourceType, resourceID string) string {
	var b strings.Builder
	b.WriteString(tenantID)
	b.WriteByte(':')
	b.WriteString(version)
	b.WriteByte(':')
	b.WriteString(resourceType)
	b.WriteByte('/')
	b.WriteString(resourceID)
	return b.String()
}

// TenantPrefix returns the invalidation prefix covering every key of one
// tenant.
func TenantPrefix(tenantID string) string {
	return tenantID + ":"
}

// TypeSuffix returns the key fragment identifying a resource type in any
// tenant's namespace. Memory stores match on it directly; the Redis store
// turns it into a scan pattern.
func TypeSuffix(version, resourceType string) string {
	return ":" + version + ":" + resourceType + "/"
}
