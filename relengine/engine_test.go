package relengine

import (
	"context"
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tablevc/tablevc/domain"
)

func openTestEngine(t *testing.T) *Engine {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// A single shared connection: an in-memory sqlite database and its
	// SAVEPOINT stack are both connection-scoped.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return New(db, sqliteDialect{})
}

func testSchema() domain.SchemaSpec {
	return domain.SchemaSpec{Columns: []domain.ColumnSpec{
		{Ordinal: 0, Name: "id", Type: "int", IsPK: true},
		{Ordinal: 1, Name: "v", Type: "string"},
	}}
}

func TestEngineCreateTableAndSink(t *testing.T) {
	ctx := context.Background()
	e := openTestEngine(t)

	require.NoError(t, e.CreateTable(ctx, "work", "t", testSchema(), false, false))

	exists, err := e.TableExists(ctx, "work", "t")
	require.NoError(t, err)
	assert.True(t, exists)

	sink, err := e.Sink(ctx, "work", "t")
	require.NoError(t, err)
	require.NoError(t, sink.InsertRow(ctx, domain.Row{"id": int64(1), "v": "a"}))

	stream, err := e.RunSQL(ctx, `SELECT id, v FROM "work__t" WHERE id = ?`, []interface{}{int64(1)}, domain.ShapeOneOne)
	require.NoError(t, err)
	row, err := stream.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "a", row["v"])
}

func TestEngineSinkFeedsTrackerOnlyWhenTracked(t *testing.T) {
	ctx := context.Background()
	e := openTestEngine(t)
	require.NoError(t, e.CreateTable(ctx, "work", "t", testSchema(), false, false))

	sink, err := e.Sink(ctx, "work", "t")
	require.NoError(t, err)
	require.NoError(t, sink.InsertRow(ctx, domain.Row{"id": int64(1), "v": "a"}))

	pending, err := e.HasPendingChanges(ctx, "work", nil)
	require.NoError(t, err)
	assert.False(t, pending, "untracked table must not produce a changeset")

	require.NoError(t, e.TrackTables(ctx, "work", []string{"t"}))
	sink, err = e.Sink(ctx, "work", "t")
	require.NoError(t, err)
	require.NoError(t, sink.InsertRow(ctx, domain.Row{"id": int64(2), "v": "b"}))

	pending, err = e.HasPendingChanges(ctx, "work", nil)
	require.NoError(t, err)
	assert.True(t, pending)

	changes, err := e.GetPendingChanges(ctx, "work", "t", false)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, domain.ActionInsert, changes[0].Action)
}

func TestEngineUpdateKeyChangeSplitsIntoDeleteInsert(t *testing.T) {
	ctx := context.Background()
	e := openTestEngine(t)
	require.NoError(t, e.CreateTable(ctx, "work", "t", testSchema(), false, false))
	require.NoError(t, e.TrackTables(ctx, "work", []string{"t"}))

	sink, err := e.Sink(ctx, "work", "t")
	require.NoError(t, err)
	require.NoError(t, sink.InsertRow(ctx, domain.Row{"id": int64(1), "v": "a"}))
	require.NoError(t, e.DiscardPendingChanges(ctx, "work", []string{"t"}))

	require.NoError(t, sink.UpdateRow(ctx, []string{"id"}, []interface{}{int64(1)}, domain.Row{"id": int64(9), "v": "a"}))

	changes, err := e.GetPendingChanges(ctx, "work", "t", false)
	require.NoError(t, err)

	var actions []domain.Action
	for _, c := range changes {
		actions = append(actions, c.Action)
	}
	assert.ElementsMatch(t, []domain.Action{domain.ActionDelete, domain.ActionInsert}, actions)
}

func TestEngineSavepointRollback(t *testing.T) {
	ctx := context.Background()
	e := openTestEngine(t)
	require.NoError(t, e.CreateTable(ctx, "work", "t", testSchema(), false, false))

	sink, err := e.Sink(ctx, "work", "t")
	require.NoError(t, err)

	sp, err := e.Savepoint(ctx, "s1")
	require.NoError(t, err)
	require.NoError(t, sink.InsertRow(ctx, domain.Row{"id": int64(1), "v": "a"}))
	require.NoError(t, sp.Rollback(ctx))

	exists, err := e.TableExists(ctx, "work", "t")
	require.NoError(t, err)
	assert.True(t, exists)

	stream, err := e.RunSQL(ctx, `SELECT id FROM "work__t"`, nil, domain.ShapeManyMany)
	require.NoError(t, err)
	row, err := stream.Next(ctx)
	require.NoError(t, err)
	assert.Nil(t, row, "insert should have been rolled back by the savepoint")
}
