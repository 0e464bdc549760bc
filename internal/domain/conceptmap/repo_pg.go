package conceptmap

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

type conceptMapRepoPG struct{ pool *pgxpool.Pool }

func NewConceptMapRepoPG(pool *pgxpool.Pool) ConceptMapRepository {
	return &conceptMapRepoPG{pool: pool}
}

func (r *conceptMapRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const cmCols = `id, fhir_id, status, url, name, title, description, publisher,
	source_uri, target_uri, content,
	version_id, created_at, updated_at`

func (r *conceptMapRepoPG) scanRow(row pgx.Row) (*ConceptMap, error) {
	var cm ConceptMap
	err := row.Scan(&cm.ID, &cm.FHIRID, &cm.Status, &cm.URL, &cm.Name, &cm.Title,
		&cm.Description, &cm.Publisher,
		&cm.SourceURI, &cm.TargetURI, &cm.Content,
		&cm.VersionID, &cm.CreatedAt, &cm.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &cm, nil
}

func (r *conceptMapRepoPG) Create(ctx context.Context, cm *ConceptMap) error {
	cm.ID = uuid.New()
	if cm.FHIRID == "" {
		cm.FHIRID = cm.ID.String()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO concept_map (id, fhir_id, status, url, name, title, description, publisher,
			source_uri, target_uri, content)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING version_id, created_at, updated_at`,
		cm.ID, cm.FHIRID, cm.Status, cm.URL, cm.Name, cm.Title,
		cm.Description, cm.Publisher,
		cm.SourceURI, cm.TargetURI, cm.Content,
	).Scan(&cm.VersionID, &cm.CreatedAt, &cm.UpdatedAt)
}

func (r *conceptMapRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*ConceptMap, error) {
	return r.scanRow(r.conn(ctx).QueryRow(ctx, `SELECT `+cmCols+` FROM concept_map WHERE id = $1`, id))
}

func (r *conceptMapRepoPG) GetByFHIRID(ctx context.Context, fhirID string) (*ConceptMap, error) {
	return r.scanRow(r.conn(ctx).QueryRow(ctx, `SELECT `+cmCols+` FROM concept_map WHERE fhir_id = $1`, fhirID))
}

func (r *conceptMapRepoPG) Update(ctx context.Context, cm *ConceptMap) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE concept_map SET status=$2, url=$3, name=$4, title=$5, description=$6,
			publisher=$7, source_uri=$8, target_uri=$9, content=$10,
			version_id = version_id + 1, updated_at=NOW()
		WHERE id = $1
		RETURNING version_id, updated_at`,
		cm.ID, cm.Status, cm.URL, cm.Name, cm.Title, cm.Description,
		cm.Publisher, cm.SourceURI, cm.TargetURI, cm.Content,
	).Scan(&cm.VersionID, &cm.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (r *conceptMapRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM concept_map WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *conceptMapRepoPG) List(ctx context.Context, limit, offset int) ([]*ConceptMap, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM concept_map`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+cmCols+` FROM concept_map ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*ConceptMap
	for rows.Next() {
		cm, err := r.scanRow(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, cm)
	}
	return items, total, rows.Err()
}

// cmTokenColumns maps exact-match search parameters to columns.
var cmTokenColumns = map[string]string{
	"status": "status",
	"url":    "url",
	"_id":    "fhir_id",
	"source": "source_uri",
	"target": "target_uri",
}

func (r *conceptMapRepoPG) Search(ctx context.Context, params map[string]string, limit, offset int) ([]*ConceptMap, int, error) {
	where := ` WHERE 1=1`
	var args []interface{}
	idx := 1

	for key, value := range params {
		name, modifier := fhir.ParseParamModifier(key)
		if col, ok := cmTokenColumns[name]; ok {
			where += fmt.Sprintf(` AND %s = $%d`, col, idx)
			args = append(args, value)
			idx++
			continue
		}
		if name != "name" && name != "title" {
			continue
		}
		clause, clauseArgs, next := fhir.StringSearchClause(name, value, modifier, idx)
		where += ` AND ` + clause
		args = append(args, clauseArgs...)
		idx = next
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM concept_map`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + cmCols + ` FROM concept_map` + where +
		fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*ConceptMap
	for rows.Next() {
		cm, err := r.scanRow(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, cm)
	}
	return items, total, rows.Err()
}
