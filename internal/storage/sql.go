package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"acctsync/internal/schema"
)

// SQLStore implements Gateway over database/sql. The primary backend is
// SQLite via the modernc driver; DuckDB is selectable for analytical setups.
// Both dialects accept the generated SQL, which sticks to quoted identifiers,
// positional placeholders and INSERT ... SELECT ... WHERE NOT EXISTS.
type SQLStore struct {
	db     *sql.DB
	driver string
	path   string
	core   sqlCore
	logger *slog.Logger
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// NewSQLStore opens the backing database. Supported drivers are "sqlite"
// (modernc.org/sqlite) and "duckdb" (marcboeker/go-duckdb); both are linked
// in via the driverimport file.
func NewSQLStore(driver, path string, registry *schema.Registry, logger *slog.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, &StorageError{Op: "open", Err: err}
	}

	// Single-writer pattern: both SQLite and DuckDB serialize writes anyway,
	// and one connection keeps transactions from starving each other.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLStore{
		db:     db,
		driver: driver,
		path:   path,
		logger: logger.With("component", "storage"),
	}
	s.core = sqlCore{q: db, registry: registry, logger: s.logger}

	return s, nil
}

// Initialize creates tables and indexes for every registered collection plus
// the service tables. Safe to call repeatedly.
func (s *SQLStore) Initialize(ctx context.Context) error {
	if s.driver == "sqlite" {
		pragmas := []string{
			"PRAGMA journal_mode = WAL",
			"PRAGMA busy_timeout = 5000",
			"PRAGMA foreign_keys = ON",
		}
		for _, p := range pragmas {
			if _, err := s.db.ExecContext(ctx, p); err != nil {
				s.logger.Warn("pragma failed", "pragma", p, "error", err)
			}
		}
	}

	for _, stmt := range migrationStatements(s.core.registry) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return &StorageError{Op: "initialize", Err: fmt.Errorf("%s: %w", firstLine(stmt), err)}
		}
	}

	s.logger.Info("storage initialized", "driver", s.driver, "path", s.path)
	return nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return &StorageError{Op: "health", Err: err}
	}
	return nil
}

func (s *SQLStore) GetElem(ctx context.Context, coll string, filter Filter, sortOrder []schema.SortOrder) (schema.Record, error) {
	return s.core.getElem(ctx, coll, filter, sortOrder)
}

func (s *SQLStore) GetElems(ctx context.Context, coll string, q Query) ([]schema.Record, error) {
	return s.core.getElems(ctx, coll, q)
}

func (s *SQLStore) Insert(ctx context.Context, coll string, rec schema.Record, opts InsertOpts) error {
	if !opts.ReplaceIfExists {
		return s.core.insert(ctx, coll, rec)
	}
	// Replace is a delete+insert pair so it stays atomic across dialects.
	return s.InTx(ctx, func(tx Gateway) error {
		return tx.Insert(ctx, coll, rec, opts)
	})
}

func (s *SQLStore) InsertBatchIfNotExists(ctx context.Context, coll string, keyFields []string, recs []schema.Record) error {
	if len(recs) == 0 {
		return nil
	}
	return s.InTx(ctx, func(tx Gateway) error {
		return tx.InsertBatchIfNotExists(ctx, coll, keyFields, recs)
	})
}

func (s *SQLStore) Update(ctx context.Context, coll string, filter Filter, patch schema.Record) (int64, error) {
	return s.core.update(ctx, coll, filter, patch)
}

func (s *SQLStore) Remove(ctx context.Context, coll string, filter Filter) error {
	return s.core.remove(ctx, coll, filter)
}

// InTx runs fn inside one database transaction.
func (s *SQLStore) InTx(ctx context.Context, fn func(tx Gateway) error) error {
	if fn == nil {
		return &SQLCorrectnessError{Reason: "empty transaction body"}
	}

	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &StorageError{Op: "begin", Err: err}
	}

	txGw := &txStore{core: sqlCore{q: dbTx, registry: s.core.registry, logger: s.logger}}
	if err := fn(txGw); err != nil {
		if rbErr := dbTx.Rollback(); rbErr != nil {
			s.logger.Error("rollback failed", "error", rbErr)
		}
		return err
	}
	if err := dbTx.Commit(); err != nil {
		return &StorageError{Op: "commit", Err: err}
	}
	return nil
}

// txStore is the Gateway view of an open transaction.
type txStore struct {
	core sqlCore
}

func (t *txStore) GetElem(ctx context.Context, coll string, filter Filter, sortOrder []schema.SortOrder) (schema.Record, error) {
	return t.core.getElem(ctx, coll, filter, sortOrder)
}

func (t *txStore) GetElems(ctx context.Context, coll string, q Query) ([]schema.Record, error) {
	return t.core.getElems(ctx, coll, q)
}

func (t *txStore) Insert(ctx context.Context, coll string, rec schema.Record, opts InsertOpts) error {
	if opts.ReplaceIfExists {
		c, ok := t.core.registry.Collection(coll)
		if !ok {
			return &SQLCorrectnessError{Reason: "unknown collection " + coll}
		}
		keyFilter := Filter{}
		for _, k := range c.UniqueFields {
			keyFilter[k] = rec[k]
		}
		if err := t.core.remove(ctx, coll, keyFilter); err != nil {
			return err
		}
	}
	return t.core.insert(ctx, coll, rec)
}

func (t *txStore) InsertBatchIfNotExists(ctx context.Context, coll string, keyFields []string, recs []schema.Record) error {
	for _, rec := range recs {
		if err := t.core.insertIfNotExists(ctx, coll, keyFields, rec); err != nil {
			return err
		}
	}
	return nil
}

func (t *txStore) Update(ctx context.Context, coll string, filter Filter, patch schema.Record) (int64, error) {
	return t.core.update(ctx, coll, filter, patch)
}

func (t *txStore) Remove(ctx context.Context, coll string, filter Filter) error {
	return t.core.remove(ctx, coll, filter)
}

// InTx on an open transaction joins it rather than nesting.
func (t *txStore) InTx(ctx context.Context, fn func(tx Gateway) error) error {
	if fn == nil {
		return &SQLCorrectnessError{Reason: "empty transaction body"}
	}
	return fn(t)
}

func (t *txStore) Initialize(ctx context.Context) error {
	return &SQLCorrectnessError{Reason: "initialize inside transaction"}
}

func (t *txStore) Close() error { return nil }

func (t *txStore) HealthCheck(ctx context.Context) error { return nil }

// sqlCore holds the query construction and row mapping shared between the
// store and its transaction view.
type sqlCore struct {
	q        queryer
	registry *schema.Registry
	logger   *slog.Logger
}

func (c *sqlCore) modelFor(coll string) (schema.Model, error) {
	if m, ok := serviceModels[coll]; ok {
		return m, nil
	}
	if col, ok := c.registry.Collection(coll); ok {
		return col.Model, nil
	}
	return nil, &SQLCorrectnessError{Reason: "unknown collection " + coll}
}

func (c *sqlCore) getElem(ctx context.Context, coll string, filter Filter, sortOrder []schema.SortOrder) (schema.Record, error) {
	recs, err := c.getElems(ctx, coll, Query{Filter: filter, Sort: sortOrder, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return recs[0], nil
}

func (c *sqlCore) getElems(ctx context.Context, coll string, q Query) ([]schema.Record, error) {
	model, err := c.modelFor(coll)
	if err != nil {
		return nil, err
	}

	cols := q.Projection
	if len(cols) == 0 {
		cols = make([]string, len(model))
		for i, f := range model {
			cols[i] = f.Name
		}
	}

	var sb strings.Builder
	sb.WriteString("SELECT ")
	if q.Distinct {
		sb.WriteString("DISTINCT ")
	}

	if len(q.GroupBy) > 0 {
		grouped := make(map[string]bool, len(q.GroupBy))
		for _, g := range q.GroupBy {
			grouped[g] = true
		}
		parts := make([]string, len(cols))
		for i, col := range cols {
			if grouped[col] {
				parts[i] = quoteIdent(col)
			} else {
				parts[i] = fmt.Sprintf("MIN(%s) AS %s", quoteIdent(col), quoteIdent(col))
			}
		}
		sb.WriteString(strings.Join(parts, ", "))
	} else {
		parts := make([]string, len(cols))
		for i, col := range cols {
			parts[i] = quoteIdent(col)
		}
		sb.WriteString(strings.Join(parts, ", "))
	}

	sb.WriteString(" FROM ")
	sb.WriteString(quoteIdent(coll))

	where, args := buildWhere(q)
	sb.WriteString(where)

	if len(q.GroupBy) > 0 {
		groupCols := make([]string, len(q.GroupBy))
		for i, g := range q.GroupBy {
			groupCols[i] = quoteIdent(g)
		}
		sb.WriteString(" GROUP BY " + strings.Join(groupCols, ", "))
	}

	if len(q.Sort) > 0 {
		orders := make([]string, len(q.Sort))
		for i, s := range q.Sort {
			dir := "ASC"
			if s.Dir < 0 {
				dir = "DESC"
			}
			orders[i] = quoteIdent(s.Field) + " " + dir
		}
		sb.WriteString(" ORDER BY " + strings.Join(orders, ", "))
	}

	if q.Limit > 0 {
		sb.WriteString(fmt.Sprintf(" LIMIT %d", q.Limit))
	}

	rows, err := c.q.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, &StorageError{Op: "query", Coll: coll, Err: err}
	}
	defer rows.Close()

	var out []schema.Record
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, &StorageError{Op: "scan", Coll: coll, Err: err}
		}

		rec := make(schema.Record, len(cols))
		for i, col := range cols {
			rec[col] = fromSQLValue(model, col, vals[i])
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "query", Coll: coll, Err: err}
	}
	return out, nil
}

func (c *sqlCore) insert(ctx context.Context, coll string, rec schema.Record) error {
	model, err := c.modelFor(coll)
	if err != nil {
		return err
	}

	cols, args := insertColumns(model, rec)
	if len(cols) == 0 {
		return &SQLCorrectnessError{Reason: "record has no model fields for " + coll}
	}

	quoted := make([]string, len(cols))
	marks := make([]string, len(cols))
	for i, col := range cols {
		quoted[i] = quoteIdent(col)
		marks[i] = "?"
	}

	stmt := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(coll), strings.Join(quoted, ", "), strings.Join(marks, ", "),
	)
	if _, err := c.q.ExecContext(ctx, stmt, args...); err != nil {
		return &StorageError{Op: "insert", Coll: coll, Err: err}
	}
	return nil
}

func (c *sqlCore) insertIfNotExists(ctx context.Context, coll string, keyFields []string, rec schema.Record) error {
	model, err := c.modelFor(coll)
	if err != nil {
		return err
	}
	if len(keyFields) == 0 {
		return &SQLCorrectnessError{Reason: "empty natural key for " + coll}
	}

	cols, args := insertColumns(model, rec)
	if len(cols) == 0 {
		return &SQLCorrectnessError{Reason: "record has no model fields for " + coll}
	}

	quoted := make([]string, len(cols))
	marks := make([]string, len(cols))
	for i, col := range cols {
		quoted[i] = quoteIdent(col)
		marks[i] = "?"
	}

	keyConds := make([]string, len(keyFields))
	for i, k := range keyFields {
		keyConds[i] = quoteIdent(k) + " = ?"
		args = append(args, toSQLValue(rec[k]))
	}

	stmt := fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT %s WHERE NOT EXISTS (SELECT 1 FROM %s WHERE %s)",
		quoteIdent(coll),
		strings.Join(quoted, ", "),
		strings.Join(marks, ", "),
		quoteIdent(coll),
		strings.Join(keyConds, " AND "),
	)
	if _, err := c.q.ExecContext(ctx, stmt, args...); err != nil {
		return &StorageError{Op: "insert-if-not-exists", Coll: coll, Err: err}
	}
	return nil
}

func (c *sqlCore) update(ctx context.Context, coll string, filter Filter, patch schema.Record) (int64, error) {
	if _, err := c.modelFor(coll); err != nil {
		return 0, err
	}
	if len(patch) == 0 {
		return 0, &SQLCorrectnessError{Reason: "empty patch for " + coll}
	}

	setCols := sortedKeys(map[string]any(patch))
	sets := make([]string, len(setCols))
	args := make([]any, 0, len(setCols))
	for i, col := range setCols {
		sets[i] = quoteIdent(col) + " = ?"
		args = append(args, toSQLValue(patch[col]))
	}

	where, whereArgs := buildWhere(Query{Filter: filter})
	args = append(args, whereArgs...)

	stmt := fmt.Sprintf("UPDATE %s SET %s%s", quoteIdent(coll), strings.Join(sets, ", "), where)
	res, err := c.q.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, &StorageError{Op: "update", Coll: coll, Err: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, &StorageError{Op: "update", Coll: coll, Err: err}
	}
	if affected == 0 {
		return 0, &UpdateRecordError{Coll: coll}
	}
	return affected, nil
}

func (c *sqlCore) remove(ctx context.Context, coll string, filter Filter) error {
	if _, err := c.modelFor(coll); err != nil {
		return err
	}
	for field, v := range filter {
		if list, ok := v.([]any); ok && len(list) == 0 {
			return &RemoveElemsError{Coll: coll, Field: field}
		}
		if list, ok := v.([]string); ok && len(list) == 0 {
			return &RemoveElemsError{Coll: coll, Field: field}
		}
	}

	where, args := buildWhere(Query{Filter: filter})
	stmt := "DELETE FROM " + quoteIdent(coll) + where
	if _, err := c.q.ExecContext(ctx, stmt, args...); err != nil {
		return &StorageError{Op: "remove", Coll: coll, Err: err}
	}
	return nil
}

// buildWhere renders the WHERE clause for a query. Conditions are emitted in
// sorted field order so generated SQL is deterministic.
func buildWhere(q Query) (string, []any) {
	var conds []string
	var args []any

	for _, field := range sortedKeys(map[string]any(q.Filter)) {
		v := q.Filter[field]
		switch list := v.(type) {
		case []any:
			conds = append(conds, inClause(field, len(list), false))
			for _, item := range list {
				args = append(args, toSQLValue(item))
			}
		case []string:
			conds = append(conds, inClause(field, len(list), false))
			for _, item := range list {
				args = append(args, item)
			}
		default:
			conds = append(conds, quoteIdent(field)+" = ?")
			args = append(args, toSQLValue(v))
		}
	}

	// Negations admit NULL explicitly: bare NOT IN / != would silently drop
	// rows whose field was never set.
	for _, field := range sortedKeys(map[string]any(q.Not)) {
		v := q.Not[field]
		switch list := v.(type) {
		case []any:
			conds = append(conds, notInClause(field, len(list)))
			for _, item := range list {
				args = append(args, toSQLValue(item))
			}
		case []string:
			conds = append(conds, notInClause(field, len(list)))
			for _, item := range list {
				args = append(args, item)
			}
		default:
			conds = append(conds, fmt.Sprintf("(%s IS NULL OR %s != ?)", quoteIdent(field), quoteIdent(field)))
			args = append(args, toSQLValue(v))
		}
	}

	for _, field := range sortedInt64Keys(q.Gte) {
		conds = append(conds, quoteIdent(field)+" >= ?")
		args = append(args, q.Gte[field])
	}
	for _, field := range sortedInt64Keys(q.Lte) {
		conds = append(conds, quoteIdent(field)+" <= ?")
		args = append(args, q.Lte[field])
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func inClause(field string, n int, negated bool) string {
	marks := strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
	op := "IN"
	if negated {
		op = "NOT IN"
	}
	return fmt.Sprintf("%s %s (%s)", quoteIdent(field), op, marks)
}

func notInClause(field string, n int) string {
	return fmt.Sprintf("(%s IS NULL OR %s)", quoteIdent(field), inClause(field, n, true))
}

// insertColumns returns the model columns present in the record, in model
// order, with values converted for the driver.
func insertColumns(model schema.Model, rec schema.Record) ([]string, []any) {
	var cols []string
	var args []any
	for _, f := range model {
		v, ok := rec[f.Name]
		if !ok {
			continue
		}
		cols = append(cols, f.Name)
		args = append(args, toSQLValue(v))
	}
	return cols, args
}

// toSQLValue converts a record value to a driver-friendly one. Booleans are
// stored as 0/1, structured values as JSON text.
func toSQLValue(v any) any {
	switch val := v.(type) {
	case bool:
		if val {
			return int64(1)
		}
		return int64(0)
	case map[string]any, []any:
		b, err := json.Marshal(val)
		if err != nil {
			return nil
		}
		return string(b)
	default:
		return v
	}
}

// fromSQLValue converts a scanned value back to the model's declared type.
func fromSQLValue(model schema.Model, col string, v any) any {
	if v == nil {
		return nil
	}
	t, ok := model.TypeOf(col)
	if !ok {
		return v
	}

	switch t {
	case schema.TypeBool:
		switch n := v.(type) {
		case int64:
			return n != 0
		case bool:
			return n
		}
	case schema.TypeInt:
		switch n := v.(type) {
		case int64:
			return n
		case float64:
			return int64(n)
		}
	case schema.TypeFloat:
		switch n := v.(type) {
		case float64:
			return n
		case int64:
			return float64(n)
		}
	case schema.TypeJSON:
		if s, ok := v.(string); ok && s != "" {
			var parsed any
			if err := json.Unmarshal([]byte(s), &parsed); err == nil {
				return parsed
			}
		}
	case schema.TypeText:
		if b, ok := v.([]byte); ok {
			return string(b)
		}
	}
	return v
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, ``) + `"`
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedInt64Keys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
