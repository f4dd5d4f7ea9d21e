package domain

import "context"

// ResultShape tells RunSQL how to marshal its result, matching the shapes
// named in spec.md §6 (none, one_one, one_many, many_one, many_many).
type ResultShape int

const (
	ShapeNone ResultShape = iota
	ShapeOneOne
	ShapeOneMany
	ShapeManyOne
	ShapeManyMany
)

// Row is a single result row keyed by column name, the shape the FDW
// boundary and RunSQL results both use.
type Row map[string]interface{}

// RowStream is a lazy, forward-only row source. Next returns io.EOF-style
// via (nil, nil) when exhausted; callers must Close it on every exit path.
type RowStream interface {
	Next(ctx context.Context) (Row, error)
	Close() error
}

// Savepoint is a scoped acquisition of a rollback checkpoint (spec.md §9
// Design Note): Release commits the checkpoint away on the normal path,
// Rollback discards everything since it was opened. Exactly one of the two
// must be called before the savepoint goes out of scope.
type Savepoint interface {
	Name() string
	Release(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// ColumnInfo describes one column as reported by the relational engine,
// independent of the fixed-schema ColumnSpec used inside objects.
type ColumnInfo struct {
	Name string
	Type string
}

// RelationalEngine is the contract consumed from the underlying relational
// engine (spec.md §6). Its own query planning and execution are out of
// scope; this module only depends on the operations listed here.
type RelationalEngine interface {
	RunSQL(ctx context.Context, statement string, args []interface{}, shape ResultShape) (RowStream, error)

	Savepoint(ctx context.Context, name string) (Savepoint, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error

	TableExists(ctx context.Context, schema, table string) (bool, error)
	SchemaExists(ctx context.Context, schema string) (bool, error)
	CreateSchema(ctx context.Context, schema string) error
	DeleteSchema(ctx context.Context, schema string) error
	CreateTable(ctx context.Context, schema, name string, spec SchemaSpec, unlogged, temporary bool) error
	DeleteTable(ctx context.Context, schema, table string) error
	CopyTable(ctx context.Context, srcSchema, srcTable, dstSchema, dstTable string) error
	GetPrimaryKeys(ctx context.Context, schema, table string) ([]string, error)
	GetColumnNamesTypes(ctx context.Context, schema, table string) ([]ColumnInfo, error)
	GetFullTableSchema(ctx context.Context, schema, table string) (SchemaSpec, error)
	LockTable(ctx context.Context, schema, table string) error

	// Change-tracking extension.
	TrackTables(ctx context.Context, schema string, tables []string) error
	UntrackTables(ctx context.Context, schema string, tables []string) error
	HasPendingChanges(ctx context.Context, schema string, tables []string) (bool, error)
	DiscardPendingChanges(ctx context.Context, schema string, tables []string) error
	GetPendingChanges(ctx context.Context, schema, table string, aggregate bool) ([]ChangeRecord, error)
	GetChangedTables(ctx context.Context, schema string) ([]string, error)

	// Sink returns a RowSink bound to one concrete (schema, table),
	// used by FragmentStore.ApplyDiff and CheckoutEngine's snapshot
	// materialization to issue dialect-correct INSERT/UPDATE/DELETE
	// statements without either caller knowing SQL syntax.
	Sink(ctx context.Context, schema, table string) (RowSink, error)
}

// RowSink applies row mutations to one concrete target table on behalf of
// FragmentStore.ApplyDiff. The relational engine adapter implements this,
// keeping dialect-specific SQL generation (placeholders, quoting) out of
// the object store.
type RowSink interface {
	InsertRow(ctx context.Context, row Row) error
	UpdateRow(ctx context.Context, keyColumns []string, keyValues []interface{}, row Row) error
	DeleteRow(ctx context.Context, keyColumns []string, keyValues []interface{}) error
}

// FDWRequest is the foreign-data-wrapper boundary exposed to the
// relational engine (spec.md §6): given a target image/table and the
// columns+quals the outer query needs, produce a lazy row stream.
type FDWRequest struct {
	Namespace  string
	Repository string
	ImageHash  ImageHash
	Table      string
	Columns    []string
	Quals      Conjunction
}
