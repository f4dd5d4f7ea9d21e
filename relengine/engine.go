package relengine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/tablevc/tablevc/changetracker"
	"github.com/tablevc/tablevc/domain"
)

// Engine implements domain.RelationalEngine over database/sql, grounded on
// the teacher's SQLCommonDataSource: one *sql.DB, one Dialect, and the DDL
// operations spec.md §6 names (CreateTable, CopyTable, schema lifecycle).
//
// The change-tracking extension (TrackTables..GetChangedTables) is a thin
// façade over changetracker.Tracker instances keyed by schema: Sink calls
// feed whichever tracker is registered for a schema, so the same I5/I6
// coalescing this module ships in package changetracker backs both the
// direct-Tracker access path CheckoutEngine/CommitEngine use and this
// RelationalEngine-contract access path.
type Engine struct {
	db      *sql.DB
	dialect Dialect

	mu       sync.Mutex
	trackers map[string]*changetracker.Tracker // schema -> tracker
}

// Open connects to the database named by dsn using the driver the dialect
// names, mirroring SQLCommonDataSource.Connect.
func Open(ctx context.Context, dialect Dialect, dsn string) (*Engine, error) {
	db, err := sql.Open(dialect.DriverName(), dsn)
	if err != nil {
		return nil, &domain.EngineError{Op: "open", Message: "sql.Open", Cause: err}
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &domain.EngineError{Op: "open", Message: "ping", Cause: err}
	}
	return New(db, dialect), nil
}

// New wraps an already-open *sql.DB. Used directly by tests, which open an
// in-memory sqlite/modernc connection themselves.
func New(db *sql.DB, dialect Dialect) *Engine {
	return &Engine{db: db, dialect: dialect, trackers: make(map[string]*changetracker.Tracker)}
}

func (e *Engine) Close() error { return e.db.Close() }

// trackerFor returns (creating if absent) the Tracker backing a schema's
// change-tracking façade.
func (e *Engine) trackerFor(schema string) *changetracker.Tracker {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.trackers[schema]
	if !ok {
		t = changetracker.New()
		e.trackers[schema] = t
	}
	return t
}

// Tracker exposes the same per-schema Tracker instance Sink feeds,
// letting CommitEngine/CheckoutEngine (which take a *changetracker.Tracker
// directly, per spec.md §4.4/§4.5) drive the identical coalesced changeset
// the domain.RelationalEngine change-tracking façade reports through
// TrackTables/GetPendingChanges — there is exactly one Tracker per schema,
// not one per access path.
func (e *Engine) Tracker(schema string) *changetracker.Tracker {
	return e.trackerFor(schema)
}

// ---- RunSQL / transaction boundary ----

func (e *Engine) RunSQL(ctx context.Context, statement string, args []interface{}, shape domain.ResultShape) (domain.RowStream, error) {
	if shape == domain.ShapeNone {
		if _, err := e.db.ExecContext(ctx, statement, args...); err != nil {
			return nil, wrapEngineErr("exec", err)
		}
		return nil, nil
	}

	rows, err := e.db.QueryContext(ctx, statement, args...)
	if err != nil {
		return nil, wrapEngineErr("query", err)
	}
	return newSQLRowStream(rows)
}

// Savepoint is not meaningfully supported without an enclosing
// transaction in this adapter's current form (each RunSQL call is its own
// autocommit statement, matching the teacher's SQLCommonDataSource which
// also has no explicit BEGIN/COMMIT wrapping). This adapter offers no
// *sql.Tx-scoped savepoint; Engine.Savepoint issues a plain SAVEPOINT on
// whichever pooled connection runs it, and higher layers rely on it
// purely for the Release/Rollback bookkeeping shape.
func (e *Engine) Savepoint(ctx context.Context, name string) (domain.Savepoint, error) {
	id := sanitizeSavepointName(name)
	if _, err := e.db.ExecContext(ctx, "SAVEPOINT "+id); err != nil {
		return nil, wrapEngineErr("savepoint", err)
	}
	return &savepoint{engine: e, name: id}, nil
}

func (e *Engine) Commit(ctx context.Context) error   { return nil }
func (e *Engine) Rollback(ctx context.Context) error { return nil }

type savepoint struct {
	engine *Engine
	name   string
}

func (s *savepoint) Name() string { return s.name }

func (s *savepoint) Release(ctx context.Context) error {
	_, err := s.engine.db.ExecContext(ctx, "RELEASE SAVEPOINT "+s.name)
	return wrapEngineErr("release savepoint", err)
}

func (s *savepoint) Rollback(ctx context.Context) error {
	_, err := s.engine.db.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+s.name)
	return wrapEngineErr("rollback savepoint", err)
}

func sanitizeSavepointName(name string) string {
	var b strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func wrapEngineErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &domain.EngineError{Op: op, Message: err.Error(), Cause: err}
}

// ---- schema / table DDL ----

func (e *Engine) TableExists(ctx context.Context, schema, table string) (bool, error) {
	var exists bool
	row := e.db.QueryRowContext(ctx, e.dialect.TableExistsQuery(), e.dialect.IntrospectionArgs(schema, table)...)
	if err := row.Scan(&exists); err != nil {
		return false, wrapEngineErr("table_exists", err)
	}
	return exists, nil
}

func (e *Engine) SchemaExists(ctx context.Context, schema string) (bool, error) {
	if e.dialect.Name() == "sqlite" {
		return true, nil
	}
	var exists bool
	row := e.db.QueryRowContext(ctx, e.dialect.SchemaExistsQuery(), schema)
	if err := row.Scan(&exists); err != nil {
		return false, wrapEngineErr("schema_exists", err)
	}
	return exists, nil
}

func (e *Engine) CreateSchema(ctx context.Context, schema string) error {
	_, err := e.db.ExecContext(ctx, e.dialect.CreateSchemaSQL(schema))
	return wrapEngineErr("create_schema", err)
}

func (e *Engine) DeleteSchema(ctx context.Context, schema string) error {
	_, err := e.db.ExecContext(ctx, e.dialect.DropSchemaSQL(schema))
	return wrapEngineErr("delete_schema", err)
}

func (e *Engine) CreateTable(ctx context.Context, schema, name string, spec domain.SchemaSpec, unlogged, temporary bool) error {
	var sb strings.Builder
	sb.WriteString("CREATE ")
	if temporary {
		sb.WriteString(e.dialect.TemporaryPrefix())
	} else if unlogged {
		sb.WriteString(e.dialect.UnloggedPrefix())
	}
	sb.WriteString("TABLE ")
	sb.WriteString(e.dialect.QualifyTable(schema, name))
	sb.WriteString(" (\n")

	defs := make([]string, 0, len(spec.Columns)+1)
	var pkCols []string
	for _, col := range spec.Columns {
		defs = append(defs, "  "+e.dialect.ColumnDDL(col))
		if col.IsPK {
			pkCols = append(pkCols, e.dialect.QuoteIdentifier(col.Name))
		}
	}
	if len(pkCols) > 0 {
		defs = append(defs, "  PRIMARY KEY ("+strings.Join(pkCols, ", ")+")")
	}
	sb.WriteString(strings.Join(defs, ",\n"))
	sb.WriteString("\n)")

	_, err := e.db.ExecContext(ctx, sb.String())
	return wrapEngineErr("create_table", err)
}

func (e *Engine) DeleteTable(ctx context.Context, schema, table string) error {
	stmt := "DROP TABLE IF EXISTS " + e.dialect.QualifyTable(schema, table)
	_, err := e.db.ExecContext(ctx, stmt)
	return wrapEngineErr("delete_table", err)
}

func (e *Engine) CopyTable(ctx context.Context, srcSchema, srcTable, dstSchema, dstTable string) error {
	stmt := fmt.Sprintf("INSERT INTO %s SELECT * FROM %s",
		e.dialect.QualifyTable(dstSchema, dstTable), e.dialect.QualifyTable(srcSchema, srcTable))
	_, err := e.db.ExecContext(ctx, stmt)
	return wrapEngineErr("copy_table", err)
}

func (e *Engine) GetPrimaryKeys(ctx context.Context, schema, table string) ([]string, error) {
	rows, err := e.db.QueryContext(ctx, e.dialect.PrimaryKeysQuery(), e.dialect.IntrospectionArgs(schema, table)...)
	if err != nil {
		return nil, wrapEngineErr("get_primary_keys", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, wrapEngineErr("get_primary_keys scan", err)
		}
		out = append(out, name)
	}
	return out, wrapEngineErr("get_primary_keys rows", rows.Err())
}

func (e *Engine) GetColumnNamesTypes(ctx context.Context, schema, table string) ([]domain.ColumnInfo, error) {
	rows, err := e.db.QueryContext(ctx, e.dialect.ColumnsQuery(), e.dialect.IntrospectionArgs(schema, table)...)
	if err != nil {
		return nil, wrapEngineErr("get_column_names_types", err)
	}
	defer rows.Close()

	var out []domain.ColumnInfo
	for rows.Next() {
		var name, typ string
		if err := rows.Scan(&name, &typ); err != nil {
			return nil, wrapEngineErr("get_column_names_types scan", err)
		}
		out = append(out, domain.ColumnInfo{Name: name, Type: e.dialect.MapSQLType(typ)})
	}
	return out, wrapEngineErr("get_column_names_types rows", rows.Err())
}

func (e *Engine) GetFullTableSchema(ctx context.Context, schema, table string) (domain.SchemaSpec, error) {
	cols, err := e.GetColumnNamesTypes(ctx, schema, table)
	if err != nil {
		return domain.SchemaSpec{}, err
	}
	pks, err := e.GetPrimaryKeys(ctx, schema, table)
	if err != nil {
		return domain.SchemaSpec{}, err
	}
	pkSet := make(map[string]bool, len(pks))
	for _, name := range pks {
		pkSet[name] = true
	}

	spec := domain.SchemaSpec{Columns: make([]domain.ColumnSpec, len(cols))}
	for i, c := range cols {
		spec.Columns[i] = domain.ColumnSpec{Ordinal: i, Name: c.Name, Type: c.Type, IsPK: pkSet[c.Name]}
	}
	return spec, nil
}

func (e *Engine) LockTable(ctx context.Context, schema, table string) error {
	if e.dialect.Name() != "postgres" {
		// MySQL/SQLite table locking differs enough (LOCK TABLES vs no
		// equivalent) that this module only issues the lock on Postgres,
		// its default ENGINE; other dialects rely on WorkspaceBusy's
		// in-process advisory lock instead (spec.md §5).
		return nil
	}
	stmt := "LOCK TABLE " + e.dialect.QualifyTable(schema, table) + " IN EXCLUSIVE MODE"
	_, err := e.db.ExecContext(ctx, stmt)
	return wrapEngineErr("lock_table", err)
}

// ---- change-tracking extension façade ----

func (e *Engine) TrackTables(ctx context.Context, schema string, tables []string) error {
	e.trackerFor(schema).Track(tables)
	return nil
}

func (e *Engine) UntrackTables(ctx context.Context, schema string, tables []string) error {
	e.trackerFor(schema).Untrack(tables)
	return nil
}

func (e *Engine) HasPendingChanges(ctx context.Context, schema string, tables []string) (bool, error) {
	t := e.trackerFor(schema)
	if len(tables) == 0 {
		return t.Pending(), nil
	}
	for _, table := range tables {
		recs, _, _, _ := t.Changeset(table, false)
		if len(recs) > 0 {
			return true, nil
		}
	}
	return false, nil
}

func (e *Engine) DiscardPendingChanges(ctx context.Context, schema string, tables []string) error {
	t := e.trackerFor(schema)
	if len(tables) == 0 {
		t.Discard("")
		return nil
	}
	for _, table := range tables {
		t.Discard(table)
	}
	return nil
}

func (e *Engine) GetPendingChanges(ctx context.Context, schema, table string, aggregate bool) ([]domain.ChangeRecord, error) {
	records, _, _, _ := e.trackerFor(schema).Changeset(table, aggregate)
	return records, nil
}

func (e *Engine) GetChangedTables(ctx context.Context, schema string) ([]string, error) {
	return e.trackerFor(schema).ChangedTables(), nil
}

// ---- row sink ----

func (e *Engine) Sink(ctx context.Context, schema, table string) (domain.RowSink, error) {
	pkCols, err := e.GetPrimaryKeys(ctx, schema, table)
	if err != nil {
		return nil, err
	}
	tracker := e.trackerFor(schema)
	var trackerRef *changetracker.Tracker
	if tracker.IsTracked(table) {
		trackerRef = tracker
	}
	return &rowSink{
		db:      e.db,
		dialect: e.dialect,
		schema:  schema,
		table:   table,
		pkCols:  pkCols,
		tracker: trackerRef,
	}, nil
}

type rowSink struct {
	db      *sql.DB
	dialect Dialect
	schema  string
	table   string
	pkCols  []string
	tracker *changetracker.Tracker // nil when this table is not tracked
}

func (s *rowSink) InsertRow(ctx context.Context, row domain.Row) error {
	cols := make([]string, 0, len(row))
	for col := range row {
		cols = append(cols, col)
	}
	placeholders := make([]string, len(cols))
	args := make([]interface{}, len(cols))
	quoted := make([]string, len(cols))
	for i, col := range cols {
		quoted[i] = s.dialect.QuoteIdentifier(col)
		placeholders[i] = s.dialect.Placeholder(i + 1)
		args[i] = row[col]
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		s.dialect.QualifyTable(s.schema, s.table), strings.Join(quoted, ", "), strings.Join(placeholders, ", "))
	if _, err := s.db.ExecContext(ctx, stmt, args...); err != nil {
		return wrapEngineErr("insert_row", err)
	}

	if s.tracker != nil {
		keyValues := s.keyValuesOf(row)
		s.tracker.Record(s.table, domain.ChangeRecord{
			ChangeKey:  domain.ChangeKeyOf(keyValues),
			Action:     domain.ActionInsert,
			Payload:    nonKeyPayload(row, s.pkCols),
			KeyColumns: s.pkCols,
			KeyValues:  keyValues,
		})
	}
	return nil
}

func (s *rowSink) UpdateRow(ctx context.Context, keyColumns []string, keyValues []interface{}, row domain.Row) error {
	sets := make([]string, 0, len(row))
	args := make([]interface{}, 0, len(row)+len(keyValues))
	n := 1
	for col, val := range row {
		sets = append(sets, fmt.Sprintf("%s = %s", s.dialect.QuoteIdentifier(col), s.dialect.Placeholder(n)))
		args = append(args, val)
		n++
	}
	where := make([]string, len(keyColumns))
	for i, col := range keyColumns {
		where[i] = fmt.Sprintf("%s = %s", s.dialect.QuoteIdentifier(col), s.dialect.Placeholder(n))
		args = append(args, keyValues[i])
		n++
	}
	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE %s",
		s.dialect.QualifyTable(s.schema, s.table), strings.Join(sets, ", "), strings.Join(where, " AND "))
	if _, err := s.db.ExecContext(ctx, stmt, args...); err != nil {
		return wrapEngineErr("update_row", err)
	}

	if s.tracker != nil {
		newKeyValues := s.keyValuesOf(row, keyColumns, keyValues)
		oldKey := domain.ChangeKeyOf(keyValues)
		newKey := domain.ChangeKeyOf(newKeyValues)
		if oldKey != newKey {
			s.tracker.RecordKeyChange(s.table, oldKey, domain.ChangeRecord{
				ChangeKey:  newKey,
				Payload:    nonKeyPayload(row, s.pkCols),
				KeyColumns: s.pkCols,
				KeyValues:  newKeyValues,
			})
			return nil
		}
		s.tracker.Record(s.table, domain.ChangeRecord{
			ChangeKey:  oldKey,
			Action:     domain.ActionUpdate,
			Payload:    nonKeyPayload(row, s.pkCols),
			KeyColumns: s.pkCols,
			KeyValues:  keyValues,
		})
	}
	return nil
}

func (s *rowSink) DeleteRow(ctx context.Context, keyColumns []string, keyValues []interface{}) error {
	where := make([]string, len(keyColumns))
	args := make([]interface{}, len(keyColumns))
	for i, col := range keyColumns {
		where[i] = fmt.Sprintf("%s = %s", s.dialect.QuoteIdentifier(col), s.dialect.Placeholder(i+1))
		args[i] = keyValues[i]
	}
	stmt := fmt.Sprintf("DELETE FROM %s WHERE %s", s.dialect.QualifyTable(s.schema, s.table), strings.Join(where, " AND "))
	if _, err := s.db.ExecContext(ctx, stmt, args...); err != nil {
		return wrapEngineErr("delete_row", err)
	}

	if s.tracker != nil {
		s.tracker.Record(s.table, domain.ChangeRecord{
			ChangeKey:  domain.ChangeKeyOf(keyValues),
			Action:     domain.ActionDelete,
			KeyColumns: keyColumns,
			KeyValues:  keyValues,
		})
	}
	return nil
}

// keyValuesOf reads this sink's PK columns out of row, falling back to the
// caller-supplied (keyColumns, keyValues) pair for any column row omits —
// used by UpdateRow, which only receives changed columns in row.
func (s *rowSink) keyValuesOf(row domain.Row, fallback ...interface{}) []interface{} {
	var fbCols []string
	var fbVals []interface{}
	if len(fallback) == 2 {
		fbCols, _ = fallback[0].([]string)
		fbVals, _ = fallback[1].([]interface{})
	}
	out := make([]interface{}, len(s.pkCols))
	for i, col := range s.pkCols {
		if v, ok := row[col]; ok {
			out[i] = v
			continue
		}
		for j, fc := range fbCols {
			if fc == col && j < len(fbVals) {
				out[i] = fbVals[j]
			}
		}
	}
	return out
}

func nonKeyPayload(row domain.Row, pkCols []string) *domain.ChangePayload {
	pk := make(map[string]bool, len(pkCols))
	for _, c := range pkCols {
		pk[c] = true
	}
	payload := &domain.ChangePayload{}
	for col, val := range row {
		if pk[col] {
			continue
		}
		payload.Columns = append(payload.Columns, col)
		payload.Values = append(payload.Values, val)
	}
	return payload
}

var _ domain.RelationalEngine = (*Engine)(nil)
