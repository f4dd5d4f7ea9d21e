package query

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tablevc/tablevc/domain"
	"github.com/tablevc/tablevc/objstore"
)

// layeredFixture builds the shared schema and scenario-1 snapshot (rows
// (1,'a'),(2,'b'),(3,'c')) spec.md §8's end-to-end scenarios start from.
func layeredFixture(t *testing.T) (*objstore.Store, *Engine, domain.SchemaSpec, domain.ObjectID) {
	t.Helper()
	ctx := context.Background()
	store, err := objstore.Open(objstore.Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	schema := domain.SchemaSpec{Columns: []domain.ColumnSpec{
		{Ordinal: 0, Name: "id", Type: "int", IsPK: true},
		{Ordinal: 1, Name: "v", Type: "string"},
	}}
	rows := []domain.Row{
		{"id": int64(1), "v": "a"},
		{"id": int64(2), "v": "b"},
		{"id": int64(3), "v": "c"},
	}
	snapID, err := store.PutSnapshot(ctx, schema, rows, []string{"id"})
	require.NoError(t, err)

	return store, New(store), schema, snapID
}

func valuesOf(rows []domain.Row, col string) []interface{} {
	out := make([]interface{}, len(rows))
	for i, r := range rows {
		out[i] = r[col]
	}
	return out
}

// Scenario 1: snapshot-only read, no diffs.
func TestSelectScenario1SnapshotOnlyRead(t *testing.T) {
	ctx := context.Background()
	store, engine, schema, snapID := layeredFixture(t)

	chain := domain.TablePointer{snapID}
	source := NewSnapshotSource(store, snapID)
	quals := domain.Conjunction{domain.NewScalarQual("id", domain.OpEq, int64(2))}

	rows, err := engine.Select(ctx, schema, source, chain, quals, []string{"v"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "b", rows[0]["v"])
}

// Scenario 2: UPDATE row 3 to v='a'; layered query WHERE v='a' must rescue
// row 3 via Step A even though pk_only is false.
func TestSelectScenario2UpdateShiftsIntoPredicate(t *testing.T) {
	ctx := context.Background()
	store, engine, schema, snapID := layeredFixture(t)

	diffID, err := store.PutDiff(ctx, schema, []domain.ChangeRecord{
		{
			ChangeKey:  domain.ChangeKeyOf([]interface{}{int64(3)}),
			Action:     domain.ActionUpdate,
			KeyColumns: []string{"id"},
			KeyValues:  []interface{}{int64(3)},
			Payload:    &domain.ChangePayload{Columns: []string{"v"}, Values: []interface{}{"a"}},
		},
	})
	require.NoError(t, err)

	chain := domain.TablePointer{snapID, diffID}
	source := NewSnapshotSource(store, snapID)
	quals := domain.Conjunction{domain.NewScalarQual("v", domain.OpEq, "a")}

	rows, err := engine.Select(ctx, schema, source, chain, quals, []string{"id"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []interface{}{int64(1), int64(3)}, valuesOf(rows, "id"))
}

// Scenario 3: UPDATE row 1 to v='z'; layered query WHERE v='a' must drop
// row 1 even though Step B initially admits it from the snapshot.
func TestSelectScenario3UpdateShiftsOutOfPredicate(t *testing.T) {
	ctx := context.Background()
	store, engine, schema, snapID := layeredFixture(t)

	diffID, err := store.PutDiff(ctx, schema, []domain.ChangeRecord{
		{
			ChangeKey:  domain.ChangeKeyOf([]interface{}{int64(1)}),
			Action:     domain.ActionUpdate,
			KeyColumns: []string{"id"},
			KeyValues:  []interface{}{int64(1)},
			Payload:    &domain.ChangePayload{Columns: []string{"v"}, Values: []interface{}{"z"}},
		},
	})
	require.NoError(t, err)

	chain := domain.TablePointer{snapID, diffID}
	source := NewSnapshotSource(store, snapID)
	quals := domain.Conjunction{domain.NewScalarQual("v", domain.OpEq, "a")}

	rows, err := engine.Select(ctx, schema, source, chain, quals, []string{"id"})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

// Scenario 4: two commits of non-PK updates to id=2; a pk_only predicate
// skips Step A and still returns exactly the latest value.
func TestSelectScenario4PKOnlyPredicateFastFilter(t *testing.T) {
	ctx := context.Background()
	store, engine, schema, snapID := layeredFixture(t)

	diff1, err := store.PutDiff(ctx, schema, []domain.ChangeRecord{
		{
			ChangeKey:  domain.ChangeKeyOf([]interface{}{int64(2)}),
			Action:     domain.ActionUpdate,
			KeyColumns: []string{"id"},
			KeyValues:  []interface{}{int64(2)},
			Payload:    &domain.ChangePayload{Columns: []string{"v"}, Values: []interface{}{"bb"}},
		},
		{
			ChangeKey:  domain.ChangeKeyOf([]interface{}{int64(3)}),
			Action:     domain.ActionUpdate,
			KeyColumns: []string{"id"},
			KeyValues:  []interface{}{int64(3)},
			Payload:    &domain.ChangePayload{Columns: []string{"v"}, Values: []interface{}{"cc"}},
		},
	})
	require.NoError(t, err)

	diff2, err := store.PutDiff(ctx, schema, []domain.ChangeRecord{
		{
			ChangeKey:  domain.ChangeKeyOf([]interface{}{int64(2)}),
			Action:     domain.ActionUpdate,
			KeyColumns: []string{"id"},
			KeyValues:  []interface{}{int64(2)},
			Payload:    &domain.ChangePayload{Columns: []string{"v"}, Values: []interface{}{"bbb"}},
		},
	})
	require.NoError(t, err)

	chain := domain.TablePointer{snapID, diff1, diff2}
	source := NewSnapshotSource(store, snapID)
	quals := domain.Conjunction{domain.NewScalarQual("id", domain.OpEq, int64(2))}

	rows, err := engine.Select(ctx, schema, source, chain, quals, []string{"v"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "bbb", rows[0]["v"])
}

// Scenario 5: DELETE id=2 then re-INSERT (2,'B') as a second diff; the
// chain length is 2 and the layered query returns only the re-inserted row.
func TestSelectScenario5DeleteAndReinsert(t *testing.T) {
	ctx := context.Background()
	store, engine, schema, snapID := layeredFixture(t)

	diff1, err := store.PutDiff(ctx, schema, []domain.ChangeRecord{
		{
			ChangeKey:  domain.ChangeKeyOf([]interface{}{int64(2)}),
			Action:     domain.ActionDelete,
			KeyColumns: []string{"id"},
			KeyValues:  []interface{}{int64(2)},
		},
	})
	require.NoError(t, err)

	diff2, err := store.PutDiff(ctx, schema, []domain.ChangeRecord{
		{
			ChangeKey:  domain.ChangeKeyOf([]interface{}{int64(2)}),
			Action:     domain.ActionInsert,
			KeyColumns: []string{"id"},
			KeyValues:  []interface{}{int64(2)},
			Payload:    &domain.ChangePayload{Columns: []string{"v"}, Values: []interface{}{"B"}},
		},
	})
	require.NoError(t, err)

	chain := domain.TablePointer{snapID, diff1, diff2}
	source := NewSnapshotSource(store, snapID)
	quals := domain.Conjunction{domain.NewScalarQual("id", domain.OpEq, int64(2))}

	rows, err := engine.Select(ctx, schema, source, chain, quals, []string{"v"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "B", rows[0]["v"])
}

// Scenario 6: content-address identity — two independently built
// snapshots of the same rows under the same schema share one object ID.
func TestPutSnapshotContentAddressIdentity(t *testing.T) {
	ctx := context.Background()
	storeA, err := objstore.Open(objstore.Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = storeA.Close() })
	storeB, err := objstore.Open(objstore.Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = storeB.Close() })

	schema := domain.SchemaSpec{Columns: []domain.ColumnSpec{
		{Ordinal: 0, Name: "id", Type: "int", IsPK: true},
		{Ordinal: 1, Name: "v", Type: "string"},
	}}
	rows := []domain.Row{
		{"id": int64(1), "v": "a"},
		{"id": int64(2), "v": "b"},
		{"id": int64(3), "v": "c"},
	}

	idA, err := storeA.PutSnapshot(ctx, schema, rows, []string{"id"})
	require.NoError(t, err)
	idB, err := storeB.PutSnapshot(ctx, schema, rows, []string{"id"})
	require.NoError(t, err)
	assert.Equal(t, idA, idB)
}

// Regression for the terminal-boundary Step E fix: a keep_pk=true row
// staged by Step A that a later diff never actually rescues must not
// leak into the result just because it once matched before the UPDATE
// landed.
func TestSelectStepEDropsUnrescuedStagedRow(t *testing.T) {
	ctx := context.Background()
	store, engine, schema, snapID := layeredFixture(t)

	// UPDATE touches row 3's key but leaves v untouched, so Step A stages
	// row 3 (keep_pk=true) yet it never actually starts matching v='a'.
	diffID, err := store.PutDiff(ctx, schema, []domain.ChangeRecord{
		{
			ChangeKey:  domain.ChangeKeyOf([]interface{}{int64(3)}),
			Action:     domain.ActionUpdate,
			KeyColumns: []string{"id"},
			KeyValues:  []interface{}{int64(3)},
			Payload:    &domain.ChangePayload{Columns: []string{"v"}, Values: []interface{}{"c"}},
		},
	})
	require.NoError(t, err)

	chain := domain.TablePointer{snapID, diffID}
	source := NewSnapshotSource(store, snapID)
	quals := domain.Conjunction{domain.NewScalarQual("v", domain.OpEq, "a")}

	rows, err := engine.Select(ctx, schema, source, chain, quals, []string{"id"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []interface{}{int64(1)}, valuesOf(rows, "id"))
}
