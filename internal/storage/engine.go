package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/fhirbox/fhirbox/internal/platform/db"
	"github.com/fhirbox/fhirbox/internal/platform/fhir"
)

const rowColumns = `tenant_id, resource_type, resource_id, fhir_version, version_id,
	is_current, is_deleted, content, last_updated, created_at, source_uri`

// uniqueViolation is the Postgres error code raised when two writers race on
// the partial unique index over current rows. The loser surfaces as a version
// conflict.
const uniqueViolation = "23505"

// Engine is the versioned storage engine. Every mutation appends a row inside
// a transaction; readers see exactly one current row per (tenant, type, id).
type Engine struct {
	pool   *pgxpool.Pool
	router *Router
	logger zerolog.Logger
}

func NewEngine(pool *pgxpool.Pool, router *Router, logger zerolog.Logger) *Engine {
	return &Engine{
		pool:   pool,
		router: router,
		logger: logger.With().Str("component", "storage").Logger(),
	}
}

// Create stores a new resource with a server-assigned UUID at version 1.
func (e *Engine) Create(ctx context.Context, resourceType string, version fhir.Version, doc map[string]interface{}, tenantID string) (*Row, error) {
	backend, err := e.router.Route(resourceType)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	doc["id"] = id
	fhir.StampMeta(doc, "1", now)

	content, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal %s content: %w", resourceType, err)
	}

	row := &Row{
		TenantID:     tenantID,
		ResourceType: resourceType,
		ResourceID:   id,
		FHIRVersion:  version,
		VersionID:    1,
		IsCurrent:    true,
		Content:      content,
		LastUpdated:  now,
		CreatedAt:    now,
	}
	if err := e.insert(ctx, backend, row); err != nil {
		return nil, err
	}
	return row, nil
}

// Read returns the current version. A tombstoned resource reads as gone, an
// unknown id as not found.
func (e *Engine) Read(ctx context.Context, resourceType, id, tenantID string) (*Row, error) {
	backend, err := e.router.Route(resourceType)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT %s FROM %s
		WHERE tenant_id = $1 AND resource_type = $2 AND resource_id = $3 AND is_current`,
		rowColumns, backend.Table())

	row, err := e.scanOne(ctx, query, tenantID, resourceType, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fhir.E(fhir.KindNotFound, "%s/%s not found", resourceType, id)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", resourceType, id, err)
	}
	if row.IsDeleted {
		return nil, fhir.E(fhir.KindGone, "%s/%s has been deleted", resourceType, id)
	}
	return row, nil
}

// VRead returns one specific version, tombstones included: the caller decides
// how a deleted version renders.
func (e *Engine) VRead(ctx context.Context, resourceType, id string, versionID int, tenantID string) (*Row, error) {
	backend, err := e.router.Route(resourceType)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT %s FROM %s
		WHERE tenant_id = $1 AND resource_type = $2 AND resource_id = $3 AND version_id = $4`,
		rowColumns, backend.Table())

	row, err := e.scanOne(ctx, query, tenantID, resourceType, id, versionID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fhir.E(fhir.KindNotFound, "%s/%s version %d not found", resourceType, id, versionID)
	}
	if err != nil {
		return nil, fmt.Errorf("vread %s/%s/%d: %w", resourceType, id, versionID, err)
	}
	return row, nil
}

// Update demotes the current version and inserts max+1 in one transaction.
// When no version exists for the id, the update becomes a create that keeps
// the caller's id. Racing writers fail with a version conflict.
func (e *Engine) Update(ctx context.Context, resourceType string, version fhir.Version, id string, doc map[string]interface{}, tenantID string) (*Row, error) {
	backend, err := e.router.Route(resourceType)
	if err != nil {
		return nil, err
	}

	var result *Row
	err = db.InTx(ctx, e.pool, func(ctx context.Context) error {
		nextVersion, createdAt, err := e.demote(ctx, backend, resourceType, id, tenantID)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		if nextVersion == 1 {
			createdAt = now
		}
		doc["id"] = id
		fhir.StampMeta(doc, fmt.Sprint(nextVersion), now)

		content, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("marshal %s content: %w", resourceType, err)
		}

		result = &Row{
			TenantID:     tenantID,
			ResourceType: resourceType,
			ResourceID:   id,
			FHIRVersion:  version,
			VersionID:    nextVersion,
			IsCurrent:    true,
			Content:      content,
			LastUpdated:  now,
			CreatedAt:    createdAt,
		}
		return e.insert(ctx, backend, result)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Delete appends a tombstone version. Deleting an already-deleted resource
// reports gone without writing a new version; deleting an unknown id reports
// not found.
func (e *Engine) Delete(ctx context.Context, resourceType, id, tenantID string) (*Row, error) {
	backend, err := e.router.Route(resourceType)
	if err != nil {
		return nil, err
	}

	var result *Row
	err = db.InTx(ctx, e.pool, func(ctx context.Context) error {
		query := fmt.Sprintf(`SELECT %s FROM %s
			WHERE tenant_id = $1 AND resource_type = $2 AND resource_id = $3 AND is_current`,
			rowColumns, backend.Table())

		current, err := e.scanOne(ctx, query, tenantID, resourceType, id)
		if errors.Is(err, pgx.ErrNoRows) {
			return fhir.E(fhir.KindNotFound, "%s/%s not found", resourceType, id)
		}
		if err != nil {
			return fmt.Errorf("delete %s/%s: %w", resourceType, id, err)
		}
		if current.IsDeleted {
			return fhir.E(fhir.KindGone, "%s/%s has been deleted", resourceType, id)
		}

		if _, _, err := e.demote(ctx, backend, resourceType, id, tenantID); err != nil {
			return err
		}

		now := time.Now().UTC()
		nextVersion := current.VersionID + 1
		content, err := json.Marshal(tombstoneDoc(resourceType, id, nextVersion, now))
		if err != nil {
			return fmt.Errorf("marshal tombstone: %w", err)
		}

		result = &Row{
			TenantID:     tenantID,
			ResourceType: resourceType,
			ResourceID:   id,
			FHIRVersion:  current.FHIRVersion,
			VersionID:    nextVersion,
			IsCurrent:    true,
			IsDeleted:    true,
			Content:      content,
			LastUpdated:  now,
			CreatedAt:    current.CreatedAt,
		}
		return e.insert(ctx, backend, result)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// History returns every version newest-first, tombstones included.
func (e *Engine) History(ctx context.Context, resourceType, id, tenantID string) ([]*Row, error) {
	backend, err := e.router.Route(resourceType)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT %s FROM %s
		WHERE tenant_id = $1 AND resource_type = $2 AND resource_id = $3
		ORDER BY version_id DESC`,
		rowColumns, backend.Table())

	rows, err := db.From(ctx, e.pool).Query(ctx, query, tenantID, resourceType, id)
	if err != nil {
		return nil, fmt.Errorf("history %s/%s: %w", resourceType, id, err)
	}
	defer rows.Close()

	history, err := scanRows(rows)
	if err != nil {
		return nil, fmt.Errorf("history %s/%s: %w", resourceType, id, err)
	}
	if len(history) == 0 {
		return nil, fhir.E(fhir.KindNotFound, "%s/%s not found", resourceType, id)
	}
	return history, nil
}

// Query is the translated part of a search: predicate fragments over the
// `content` column with $1-based placeholders, plus paging. The engine
// renumbers nothing; its own base predicates bind after the query's args.
type Query struct {
	Where  []string
	Args   []any
	Count  int
	Offset int
}

// Search executes a translated query and returns the page of current rows
// plus the total match count.
func (e *Engine) Search(ctx context.Context, resourceType, tenantID string, q *Query) ([]*Row, int, error) {
	backend, err := e.router.Route(resourceType)
	if err != nil {
		return nil, 0, err
	}

	selectSQL, countSQL, args := searchSQL(backend.Table(), resourceType, tenantID, q)
	querier := db.From(ctx, e.pool)

	var total int
	if err := querier.QueryRow(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count %s search: %w", resourceType, err)
	}

	// _count=0 asks for the total only
	if q.Count == 0 {
		return nil, total, nil
	}

	rows, err := querier.Query(ctx, selectSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("search %s: %w", resourceType, err)
	}
	defer rows.Close()

	matches, err := scanRows(rows)
	if err != nil {
		return nil, 0, fmt.Errorf("search %s: %w", resourceType, err)
	}
	return matches, total, nil
}

// searchSQL composes the final statements. Translator placeholders occupy
// $1..$n; tenant and type bind at $n+1 and $n+2.
func searchSQL(table, resourceType, tenantID string, q *Query) (selectSQL, countSQL string, args []any) {
	n := len(q.Args)
	base := fmt.Sprintf("tenant_id = $%d AND resource_type = $%d AND is_current AND NOT is_deleted", n+1, n+2)

	where := base
	if len(q.Where) > 0 {
		where += " AND " + strings.Join(q.Where, " AND ")
	}

	args = append(append([]any{}, q.Args...), tenantID, resourceType)

	countSQL = fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", table, where)
	selectSQL = fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s ORDER BY last_updated DESC, resource_id LIMIT %d OFFSET %d",
		rowColumns, table, where, q.Count, q.Offset)
	return selectSQL, countSQL, args
}

func (e *Engine) insert(ctx context.Context, backend Backend, row *Row) error {
	query := fmt.Sprintf(`INSERT INTO %s (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		backend.Table(), rowColumns)

	_, err := db.From(ctx, e.pool).Exec(ctx, query,
		row.TenantID, row.ResourceType, row.ResourceID, string(row.FHIRVersion),
		row.VersionID, row.IsCurrent, row.IsDeleted, row.Content,
		row.LastUpdated, row.CreatedAt, row.SourceURI)
	if isUniqueViolation(err) {
		return fhir.Wrap(fhir.KindVersionConflict, err,
			"%s/%s was modified concurrently", row.ResourceType, row.ResourceID)
	}
	if err != nil {
		return fmt.Errorf("insert %s/%s v%d: %w", row.ResourceType, row.ResourceID, row.VersionID, err)
	}
	return nil
}

// demote clears is_current on the existing current row and returns the next
// version id plus the original created_at. A missing resource yields version
// 1 and a zero created_at.
func (e *Engine) demote(ctx context.Context, backend Backend, resourceType, id, tenantID string) (int, time.Time, error) {
	query := fmt.Sprintf(`UPDATE %s SET is_current = FALSE
		WHERE tenant_id = $1 AND resource_type = $2 AND resource_id = $3 AND is_current
		RETURNING version_id, created_at`, backend.Table())

	var currentVersion int
	var createdAt time.Time
	err := db.From(ctx, e.pool).QueryRow(ctx, query, tenantID, resourceType, id).
		Scan(&currentVersion, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return 1, time.Time{}, nil
	}
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("demote %s/%s: %w", resourceType, id, err)
	}
	return currentVersion + 1, createdAt, nil
}

func (e *Engine) scanOne(ctx context.Context, query string, args ...any) (*Row, error) {
	return scanRow(db.From(ctx, e.pool).QueryRow(ctx, query, args...))
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRow(s scannable) (*Row, error) {
	var row Row
	var version string
	err := s.Scan(&row.TenantID, &row.ResourceType, &row.ResourceID, &version,
		&row.VersionID, &row.IsCurrent, &row.IsDeleted, &row.Content,
		&row.LastUpdated, &row.CreatedAt, &row.SourceURI)
	if err != nil {
		return nil, err
	}
	row.FHIRVersion = fhir.Version(version)
	return &row, nil
}

func scanRows(rows pgx.Rows) ([]*Row, error) {
	var out []*Row
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// tombstoneDoc is the sentinel content stored for a deleted version.
func tombstoneDoc(resourceType, id string, versionID int, deletedAt time.Time) map[string]interface{} {
	doc := map[string]interface{}{
		"resourceType": resourceType,
		"id":           id,
	}
	fhir.StampMeta(doc, fmt.Sprint(versionID), deletedAt)
	return doc
}
