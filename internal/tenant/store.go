package tenant

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fhirbox/fhirbox/internal/platform/db"
	"github.com/fhirbox/fhirbox/internal/platform/fhir"
)

// PGDirectory is the Postgres-backed tenant directory. The tenants table
// lives in the shared schema regardless of resource placement.
type PGDirectory struct {
	q      db.Querier
	schema string
}

func NewPGDirectory(q db.Querier, schema string) *PGDirectory {
	if schema == "" {
		schema = "shared"
	}
	return &PGDirectory{q: q, schema: schema}
}

func (d *PGDirectory) table() string {
	return fmt.Sprintf("%s.tenants", d.schema)
}

func (d *PGDirectory) ByExternalID(ctx context.Context, externalID string) (*Tenant, error) {
	query := fmt.Sprintf(`
		SELECT external_id, internal_id, name, enabled, created_at, updated_at
		FROM %s WHERE external_id = $1`, d.table())

	var t Tenant
	err := d.q.QueryRow(ctx, query, externalID).Scan(
		&t.ExternalID, &t.InternalID, &t.Name, &t.Enabled, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fhir.E(fhir.KindUnknownTenant, "tenant %s is not registered", externalID)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup tenant %s: %w", externalID, err)
	}
	return &t, nil
}

// Create registers a tenant. The external UUID is generated server-side; the
// internal id is derived from the name, lowercased with non-alphanumerics
// collapsed to underscores.
func (d *PGDirectory) Create(ctx context.Context, name string) (*Tenant, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("tenant name is required")
	}

	externalID := uuid.NewString()
	internalID := internalIDFor(name)

	query := fmt.Sprintf(`
		INSERT INTO %s (external_id, internal_id, name, enabled)
		VALUES ($1, $2, $3, TRUE)
		RETURNING external_id, internal_id, name, enabled, created_at, updated_at`, d.table())

	var t Tenant
	err := d.q.QueryRow(ctx, query, externalID, internalID, name).Scan(
		&t.ExternalID, &t.InternalID, &t.Name, &t.Enabled, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create tenant %q: %w", name, err)
	}
	return &t, nil
}

// List returns every registered tenant ordered by creation time.
func (d *PGDirectory) List(ctx context.Context) ([]*Tenant, error) {
	query := fmt.Sprintf(`
		SELECT external_id, internal_id, name, enabled, created_at, updated_at
		FROM %s ORDER BY created_at`, d.table())

	rows, err := d.q.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []*Tenant
	for rows.Next() {
		var t Tenant
		if err := rows.Scan(&t.ExternalID, &t.InternalID, &t.Name, &t.Enabled, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		tenants = append(tenants, &t)
	}
	return tenants, rows.Err()
}

// SetEnabled flips a tenant's enabled flag.
func (d *PGDirectory) SetEnabled(ctx context.Context, externalID string, enabled bool) error {
	query := fmt.Sprintf(`
		UPDATE %s SET enabled = $2, updated_at = NOW() WHERE external_id = $1`, d.table())

	tag, err := d.q.Exec(ctx, query, externalID, enabled)
	if err != nil {
		return fmt.Errorf("update tenant %s: %w", externalID, err)
	}
	if tag.RowsAffected() == 0 {
		return fhir.E(fhir.KindUnknownTenant, "tenant %s is not registered", externalID)
	}
	return nil
}

func internalIDFor(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return strings.Trim(b.String(), "_")
}
