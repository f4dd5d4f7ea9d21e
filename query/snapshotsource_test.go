package query

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tablevc/tablevc/domain"
	"github.com/tablevc/tablevc/objstore"
)

func TestObjstoreSnapshotSourceFetchWhere(t *testing.T) {
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
	id, err := store.PutSnapshot(ctx, schema, rows, []string{"id"})
	require.NoError(t, err)

	source := NewSnapshotSource(store, id)

	all, err := source.FetchAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	filtered, err := source.FetchWhere(ctx, domain.Conjunction{domain.NewScalarQual("id", domain.OpEq, int64(2))})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "b", filtered[0]["v"])
}
