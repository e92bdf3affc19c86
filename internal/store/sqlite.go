package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	"switchyard/internal/domain"
)

// SQLite keeps every document as a JSON body in the documents table.
// Filters and ordering are evaluated with json_extract, merges with json_patch.
type SQLite struct {
	DB  *sql.DB
	Now func() time.Time
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Tenant returns a Store scoped to one tenant.
func (s SQLite) Tenant(tenant string) Store {
	return &scoped{db: s.DB, docs: docs{q: s.DB, tenant: tenant, now: s.now}}
}

// Tenants lists every tenant that owns at least one document.
func (s SQLite) Tenants(ctx context.Context) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT DISTINCT tenant FROM documents ORDER BY tenant`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (s SQLite) now() string {
	if s.Now != nil {
		return domain.FormatTime(s.Now())
	}
	return domain.FormatTime(time.Now())
}

type docs struct {
	q      querier
	tenant string
	now    func() string
}

type scoped struct {
	docs
	db *sql.DB
}

func (d docs) Get(ctx context.Context, collection, id string, dst any) error {
	var body string
	err := d.q.QueryRowContext(ctx, `SELECT body FROM documents WHERE tenant=? AND collection=? AND id=?`,
		d.tenant, collection, id).Scan(&body)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(body), dst)
}

func (d docs) Set(ctx context.Context, collection, id string, doc any, merge bool) error {
	if id == "" {
		return fmt.Errorf("set %s: empty id", collection)
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	now := d.now()
	_, err = d.q.ExecContext(ctx, `INSERT INTO documents(tenant,collection,id,body,created_at,updated_at) VALUES (?,?,?,json(?),?,?)
ON CONFLICT(tenant,collection,id) DO UPDATE SET
  body=CASE WHEN ? THEN json_patch(documents.body, excluded.body) ELSE excluded.body END,
  updated_at=excluded.updated_at`,
		d.tenant, collection, id, string(payload), now, now, boolInt(merge))
	return err
}

func (d docs) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	patch, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	res, err := d.q.ExecContext(ctx, `UPDATE documents SET body=json_patch(body, ?), updated_at=? WHERE tenant=? AND collection=? AND id=?`,
		string(patch), d.now(), d.tenant, collection, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (d docs) Delete(ctx context.Context, collection, id string) error {
	res, err := d.q.ExecContext(ctx, `DELETE FROM documents WHERE tenant=? AND collection=? AND id=?`, d.tenant, collection, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

var sqlOps = map[Op]string{
	OpEq:  "=",
	OpNe:  "<>",
	OpLt:  "<",
	OpLte: "<=",
	OpGt:  ">",
	OpGte: ">=",
}

func (d docs) Query(ctx context.Context, q Query) ([]json.RawMessage, error) {
	if q.Collection == "" {
		return nil, fmt.Errorf("query: collection required")
	}
	clauses := []string{"tenant=?", "collection=?"}
	args := []any{d.tenant, q.Collection}
	for _, f := range q.Filters {
		path, err := jsonPath(f.Field)
		if err != nil {
			return nil, err
		}
		if !f.Op.valid() {
			return nil, fmt.Errorf("invalid operator %q", f.Op)
		}
		if f.Op == OpIn {
			values, err := listValues(f.Value)
			if err != nil {
				return nil, fmt.Errorf("filter %s: %w", f.Field, err)
			}
			if len(values) == 0 {
				return []json.RawMessage{}, nil
			}
			clauses = append(clauses, fmt.Sprintf("json_extract(body, ?) IN (%s)", strings.TrimSuffix(strings.Repeat("?,", len(values)), ",")))
			args = append(args, path)
			args = append(args, values...)
			continue
		}
		v, err := scalar(f.Value)
		if err != nil {
			return nil, fmt.Errorf("filter %s: %w", f.Field, err)
		}
		clauses = append(clauses, fmt.Sprintf("json_extract(body, ?) %s ?", sqlOps[f.Op]))
		args = append(args, path, v)
	}
	query := `SELECT body FROM documents WHERE ` + strings.Join(clauses, " AND ")

	// Rows equal on every key fall back to insertion order, in the direction
	// of the last key.
	var orders []string
	tieBreak := "seq ASC"
	for _, o := range q.OrderBy {
		path, err := jsonPath(o.Field)
		if err != nil {
			return nil, err
		}
		dir := "ASC"
		if o.Desc {
			dir = "DESC"
		}
		tieBreak = "seq " + dir
		orders = append(orders, "json_extract(body, ?) "+dir)
		args = append(args, path)
	}
	orders = append(orders, tieBreak)
	query += " ORDER BY " + strings.Join(orders, ", ")
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := d.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []json.RawMessage{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		res = append(res, json.RawMessage(body))
	}
	return res, rows.Err()
}

func (s *scoped) BatchWrite(ctx context.Context, writes []Write) error {
	return s.RunAtomic(ctx, func(tx Tx) error {
		for _, w := range writes {
			if err := tx.Set(ctx, w.Collection, w.ID, w.Doc, w.Merge); err != nil {
				return fmt.Errorf("batch write %s/%s: %w", w.Collection, w.ID, err)
			}
		}
		return nil
	})
}

func (s *scoped) RunAtomic(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(docs{q: tx, tenant: s.tenant, now: s.now}); err != nil {
		return err
	}
	return tx.Commit()
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// scalar maps a filter value onto what json_extract yields for the same JSON
// value: text, integer, real, or 0/1 for booleans.
func scalar(v any) (any, error) {
	if v == nil {
		return nil, fmt.Errorf("nil filter value")
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String:
		return rv.String(), nil
	case reflect.Bool:
		return boolInt(rv.Bool()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	}
	return nil, fmt.Errorf("unsupported filter value %T", v)
}

func listValues(v any) ([]any, error) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice {
		return nil, fmt.Errorf("in requires a slice, got %T", v)
	}
	out := make([]any, 0, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		s, err := scalar(rv.Index(i).Interface())
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
