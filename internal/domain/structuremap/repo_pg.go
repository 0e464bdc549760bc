package structuremap

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/fhirmap/internal/platform/db"
	"github.com/ehr/fhirmap/internal/platform/fhir"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type structureMapRepoPG struct{ pool *pgxpool.Pool }

func NewStructureMapRepoPG(pool *pgxpool.Pool) StructureMapRepository {
	return &structureMapRepoPG{pool: pool}
}

func (r *structureMapRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const smCols = `id, fhir_id, status, url, name, title, description, content,
	version_id, created_at, updated_at`

func (r *structureMapRepoPG) scanRow(row pgx.Row) (*StructureMap, error) {
	var sm StructureMap
	err := row.Scan(&sm.ID, &sm.FHIRID, &sm.Status, &sm.URL, &sm.Name, &sm.Title, &sm.Description, &sm.Content,
		&sm.VersionID, &sm.CreatedAt, &sm.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sm, nil
}

func (r *structureMapRepoPG) Create(ctx context.Context, sm *StructureMap) error {
	sm.ID = uuid.New()
	if sm.FHIRID == "" {
		sm.FHIRID = sm.ID.String()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO structure_map (id, fhir_id, status, url, name, title, description, content)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING version_id, created_at, updated_at`,
		sm.ID, sm.FHIRID, sm.Status, sm.URL, sm.Name, sm.Title, sm.Description, sm.Content,
	).Scan(&sm.VersionID, &sm.CreatedAt, &sm.UpdatedAt)
}

func (r *structureMapRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*StructureMap, error) {
	return r.scanRow(r.conn(ctx).QueryRow(ctx, `SELECT `+smCols+` FROM structure_map WHERE id = $1`, id))
}

func (r *structureMapRepoPG) GetByFHIRID(ctx context.Context, fhirID string) (*StructureMap, error) {
	return r.scanRow(r.conn(ctx).QueryRow(ctx, `SELECT `+smCols+` FROM structure_map WHERE fhir_id = $1`, fhirID))
}

// GetByURL returns the most recently updated map with the canonical url.
func (r *structureMapRepoPG) GetByURL(ctx context.Context, url string) (*StructureMap, error) {
	return r.scanRow(r.conn(ctx).QueryRow(ctx,
		`SELECT `+smCols+` FROM structure_map WHERE url = $1 ORDER BY updated_at DESC LIMIT 1`, url))
}

func (r *structureMapRepoPG) Update(ctx context.Context, sm *StructureMap) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE structure_map SET status=$2, url=$3, name=$4, title=$5, description=$6, content=$7,
			version_id = version_id + 1, updated_at=NOW()
		WHERE id = $1
		RETURNING version_id, updated_at`,
		sm.ID, sm.Status, sm.URL, sm.Name, sm.Title, sm.Description, sm.Content,
	).Scan(&sm.VersionID, &sm.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (r *structureMapRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM structure_map WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *structureMapRepoPG) List(ctx context.Context, limit, offset int) ([]*StructureMap, int, error) {
	return r.Search(ctx, nil, limit, offset)
}

func (r *structureMapRepoPG) Search(ctx context.Context, params map[string]string, limit, offset int) ([]*StructureMap, int, error) {
	where := ` WHERE 1=1`
	var args []interface{}
	idx := 1

	for key, value := range params {
		name, modifier := fhir.ParseParamModifier(key)
		var clause string
		var clauseArgs []interface{}
		switch name {
		case "status":
			clause, clauseArgs, idx = fmt.Sprintf(`status = $%d`, idx), []interface{}{value}, idx+1
		case "url":
			clause, clauseArgs, idx = fmt.Sprintf(`url = $%d`, idx), []interface{}{value}, idx+1
		case "_id", "id":
			clause, clauseArgs, idx = fmt.Sprintf(`fhir_id = $%d`, idx), []interface{}{value}, idx+1
		case "name":
			clause, clauseArgs, idx = fhir.StringSearchClause("name", value, modifier, idx)
		case "title":
			clause, clauseArgs, idx = fhir.StringSearchClause("title", value, modifier, idx)
		default:
			continue
		}
		where += ` AND ` + clause
		args = append(args, clauseArgs...)
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM structure_map`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + smCols + ` FROM structure_map` + where +
		fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*StructureMap
	for rows.Next() {
		sm, err := r.scanRow(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, sm)
	}
	return items, total, rows.Err()
}
