// Package sqlstore is a document store over a single SQLite database file,
// using the pure Go driver. Documents are rows of JSON; updates patch in
// place with json_set and json_remove, and declared indexes become partial
// expression indexes over json_extract.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kartikbazzad/bunmap"
)

// Store is a SQLite-backed implementation of bunmap.Store. Safe for
// concurrent use once connected.
type Store struct {
	path string
	db   *sql.DB
}

var _ bunmap.Store = (*Store)(nil)

// New builds a store writing to the SQLite file at path.
func New(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Connect(ctx context.Context) error {
	db, err := sql.Open("sqlite", dsn(s.path))
	if err != nil {
		return fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS documents (
			collection TEXT NOT NULL,
			id TEXT NOT NULL,
			doc TEXT NOT NULL,
			PRIMARY KEY (collection, id)
		);
	`); err != nil {
		db.Close()
		return fmt.Errorf("init schema: %w", err)
	}
	s.db = db
	return nil
}

func dsn(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_journal_mode=WAL&_busy_timeout=5000"
}

func (s *Store) Close(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

func (s *Store) Insert(ctx context.Context, coll string, docs []map[string]any) ([]any, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	ids := make([]any, 0, len(docs))
	for _, doc := range docs {
		id, ok := doc["_id"]
		if !ok || id == nil {
			id = bunmap.NewObjectID()
			withID := make(map[string]any, len(doc)+1)
			for k, v := range doc {
				withID[k] = v
			}
			withID["_id"] = id
			doc = withID
		}
		raw, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("encode document: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO documents (collection, id, doc) VALUES (?, ?, ?)`,
			coll, keyOf(id), string(raw),
		); err != nil {
			if isUniqueViolation(err) {
				return nil, fmt.Errorf("unique constraint in %s: %w", coll, err)
			}
			return nil, fmt.Errorf("insert into %s: %w", coll, err)
		}
		ids = append(ids, id)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return ids, nil
}

func (s *Store) Update(ctx context.Context, coll string, id any, set map[string]any, unset []string) error {
	expr := "doc"
	var args []any
	for p, v := range set {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %s: %w", p, err)
		}
		expr = fmt.Sprintf("json_set(%s, ?, json(?))", expr)
		args = append(args, jsonPath(p), string(raw))
	}
	for _, p := range unset {
		expr = fmt.Sprintf("json_remove(%s, ?)", expr)
		args = append(args, jsonPath(p))
	}
	args = append(args, coll, keyOf(id))

	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET doc = `+expr+` WHERE collection = ? AND id = ?`, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("unique constraint in %s: %w", coll, err)
		}
		return fmt.Errorf("update %s: %w", coll, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %s: %w", coll, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %v: %w", coll, id, bunmap.ErrDocumentNotFound)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, coll string, id any) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM documents WHERE collection = ? AND id = ?`, coll, keyOf(id)); err != nil {
		return fmt.Errorf("delete from %s: %w", coll, err)
	}
	return nil
}

func (s *Store) Find(ctx context.Context, coll string, filter bunmap.Filter, opts bunmap.QueryOptions) ([]map[string]any, error) {
	where := []string{"collection = ?"}
	args := []any{coll}
	for path, v := range filter {
		switch t := v.(type) {
		case nil:
			where = append(where, "json_extract(doc, ?) IS NULL")
			args = append(args, jsonPath(path))
		case []any:
			if len(t) == 0 {
				return nil, nil
			}
			ph := strings.TrimSuffix(strings.Repeat("?,", len(t)), ",")
			where = append(where, fmt.Sprintf("json_extract(doc, ?) IN (%s)", ph))
			args = append(args, jsonPath(path))
			for _, e := range t {
				args = append(args, bindValue(e))
			}
		default:
			where = append(where, "json_extract(doc, ?) = ?")
			args = append(args, jsonPath(path), bindValue(v))
		}
	}

	q := `SELECT doc FROM documents WHERE ` + strings.Join(where, " AND ")
	if opts.Sort != "" {
		dir := "ASC"
		if opts.SortDesc {
			dir = "DESC"
		}
		q += " ORDER BY json_extract(doc, ?) " + dir
		args = append(args, jsonPath(opts.Sort))
	} else {
		q += " ORDER BY rowid"
	}
	if opts.Limit > 0 || opts.Skip > 0 {
		limit := opts.Limit
		if limit <= 0 {
			limit = -1
		}
		q += " LIMIT ? OFFSET ?"
		args = append(args, limit, opts.Skip)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("find in %s: %w", coll, err)
	}
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan %s: %w", coll, err)
		}
		var doc map[string]any
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, fmt.Errorf("decode document in %s: %w", coll, err)
		}
		if len(opts.Fields) > 0 {
			doc = project(doc, opts.Fields)
		}
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("find in %s: %w", coll, err)
	}
	return out, nil
}

func (s *Store) EnsureIndex(ctx context.Context, coll string, spec bunmap.IndexSpec) error {
	unique := ""
	if spec.Unique {
		unique = "UNIQUE "
	}
	name := fmt.Sprintf("idx_%s_%s", coll, strings.ReplaceAll(spec.Path, ".", "_"))
	stmt := fmt.Sprintf(
		"CREATE %sINDEX IF NOT EXISTS %q ON documents (json_extract(doc, '%s')) WHERE collection = '%s'",
		unique, name, sqlEscape(jsonPath(spec.Path)), sqlEscape(coll),
	)
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("existing documents violate unique index on %s.%s: %w", coll, spec.Path, err)
		}
		return fmt.Errorf("create index on %s.%s: %w", coll, spec.Path, err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func keyOf(v any) string { return fmt.Sprint(v) }

// jsonPath turns a dotted path into a SQLite JSON path: numeric segments
// become array subscripts.
func jsonPath(p string) string {
	var b strings.Builder
	b.WriteString("$")
	for _, seg := range strings.Split(p, ".") {
		if _, err := strconv.Atoi(seg); err == nil {
			fmt.Fprintf(&b, "[%s]", seg)
			continue
		}
		b.WriteString(".")
		b.WriteString(seg)
	}
	return b.String()
}

func sqlEscape(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// bindValue maps canonical values onto their stored JSON forms so filters
// compare against what json_extract returns.
func bindValue(v any) any {
	switch t := v.(type) {
	case bunmap.ObjectID:
		return t.Hex()
	case time.Time:
		raw, _ := json.Marshal(t)
		return strings.Trim(string(raw), `"`)
	default:
		return v
	}
}

func project(doc map[string]any, fields []string) map[string]any {
	out := make(map[string]any)
	if id, ok := doc["_id"]; ok {
		out["_id"] = id
	}
	for _, f := range fields {
		v, ok := extract(doc, f)
		if !ok {
			continue
		}
		place(out, f, v)
	}
	return out
}

func extract(doc map[string]any, path string) (any, bool) {
	var cur any = doc
	for _, seg := range strings.Split(path, ".") {
		switch t := cur.(type) {
		case map[string]any:
			v, ok := t[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(t) {
				return nil, false
			}
			cur = t[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

func place(doc map[string]any, path string, v any) {
	segs := strings.Split(path, ".")
	cur := doc
	for i, seg := range segs {
		if i == len(segs)-1 {
			cur[seg] = v
			return
		}
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[seg] = next
		}
		cur = next
	}
}
