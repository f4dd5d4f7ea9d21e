package checkout

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tablevc/tablevc/changetracker"
	"github.com/tablevc/tablevc/concurrency"
	"github.com/tablevc/tablevc/domain"
	"github.com/tablevc/tablevc/imagegraph"
	"github.com/tablevc/tablevc/objectmanager"
)

type memBackend struct {
	images map[domain.ImageHash]domain.Image
	tags   map[string]domain.ImageHash
}

func newMemBackend() *memBackend {
	return &memBackend{images: make(map[domain.ImageHash]domain.Image), tags: make(map[string]domain.ImageHash)}
}

func (b *memBackend) PutImage(ctx context.Context, repo domain.RepoKey, img domain.Image) error {
	b.images[img.Hash] = img
	return nil
}
func (b *memBackend) GetImage(ctx context.Context, repo domain.RepoKey, hash domain.ImageHash) (domain.Image, error) {
	img, ok := b.images[hash]
	if !ok {
		return domain.Image{}, assert.AnError
	}
	return img, nil
}
func (b *memBackend) SetTag(ctx context.Context, repo domain.RepoKey, tag string, hash domain.ImageHash) error {
	b.tags[tag] = hash
	return nil
}
func (b *memBackend) GetTag(ctx context.Context, repo domain.RepoKey, tag string) (domain.ImageHash, error) {
	hash, ok := b.tags[tag]
	if !ok {
		return "", assert.AnError
	}
	return hash, nil
}

type noopSavepoint struct{}

func (noopSavepoint) Name() string                { return "sp" }
func (noopSavepoint) Release(ctx context.Context) error  { return nil }
func (noopSavepoint) Rollback(ctx context.Context) error { return nil }

type recordingSink struct {
	inserted []domain.Row
}

func (s *recordingSink) InsertRow(ctx context.Context, row domain.Row) error {
	s.inserted = append(s.inserted, row)
	return nil
}
func (s *recordingSink) UpdateRow(ctx context.Context, keyColumns []string, keyValues []interface{}, row domain.Row) error {
	return nil
}
func (s *recordingSink) DeleteRow(ctx context.Context, keyColumns []string, keyValues []interface{}) error {
	return nil
}

type fakeRelEngine struct {
	created []string
	deleted []string
	sink    *recordingSink
}

func (f *fakeRelEngine) RunSQL(ctx context.Context, statement string, args []interface{}, shape domain.ResultShape) (domain.RowStream, error) {
	return nil, nil
}
func (f *fakeRelEngine) Savepoint(ctx context.Context, name string) (domain.Savepoint, error) {
	return noopSavepoint{}, nil
}
func (f *fakeRelEngine) Commit(ctx context.Context) error   { return nil }
func (f *fakeRelEngine) Rollback(ctx context.Context) error { return nil }
func (f *fakeRelEngine) TableExists(ctx context.Context, schema, table string) (bool, error) {
	return false, nil
}
func (f *fakeRelEngine) SchemaExists(ctx context.Context, schema string) (bool, error) {
	return true, nil
}
func (f *fakeRelEngine) CreateSchema(ctx context.Context, schema string) error { return nil }
func (f *fakeRelEngine) DeleteSchema(ctx context.Context, schema string) error { return nil }
func (f *fakeRelEngine) CreateTable(ctx context.Context, schema, name string, spec domain.SchemaSpec, unlogged, temporary bool) error {
	f.created = append(f.created, name)
	return nil
}
func (f *fakeRelEngine) DeleteTable(ctx context.Context, schema, table string) error {
	f.deleted = append(f.deleted, table)
	return nil
}
func (f *fakeRelEngine) CopyTable(ctx context.Context, srcSchema, srcTable, dstSchema, dstTable string) error {
	return nil
}
func (f *fakeRelEngine) GetPrimaryKeys(ctx context.Context, schema, table string) ([]string, error) {
	return nil, nil
}
func (f *fakeRelEngine) GetColumnNamesTypes(ctx context.Context, schema, table string) ([]domain.ColumnInfo, error) {
	return nil, nil
}
func (f *fakeRelEngine) GetFullTableSchema(ctx context.Context, schema, table string) (domain.SchemaSpec, error) {
	return domain.SchemaSpec{}, nil
}
func (f *fakeRelEngine) LockTable(ctx context.Context, schema, table string) error { return nil }
func (f *fakeRelEngine) TrackTables(ctx context.Context, schema string, tables []string) error {
	return nil
}
func (f *fakeRelEngine) UntrackTables(ctx context.Context, schema string, tables []string) error {
	return nil
}
func (f *fakeRelEngine) HasPendingChanges(ctx context.Context, schema string, tables []string) (bool, error) {
	return false, nil
}
func (f *fakeRelEngine) DiscardPendingChanges(ctx context.Context, schema string, tables []string) error {
	return nil
}
func (f *fakeRelEngine) GetPendingChanges(ctx context.Context, schema, table string, aggregate bool) ([]domain.ChangeRecord, error) {
	return nil, nil
}
func (f *fakeRelEngine) GetChangedTables(ctx context.Context, schema string) ([]string, error) {
	return nil, nil
}
func (f *fakeRelEngine) Sink(ctx context.Context, schema, table string) (domain.RowSink, error) {
	return f.sink, nil
}

type fakeStore struct {
	schema domain.SchemaSpec
	rows   []domain.Row
}

func (s *fakeStore) Snapshot(ctx context.Context, id domain.ObjectID) (domain.SchemaSpec, []domain.Row, error) {
	return s.schema, s.rows, nil
}
func (s *fakeStore) ApplyDiff(ctx context.Context, id domain.ObjectID, target domain.SchemaSpec, sink domain.RowSink) error {
	return nil
}

func TestCheckoutRefusesDirtyWorkspace(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	repo := domain.RepoKey{Namespace: "ns", Repository: "r"}
	graph := imagegraph.New(backend, repo)
	tracker := changetracker.New()
	tracker.Track([]string{"orders"})
	tracker.Record("orders", domain.ChangeRecord{ChangeKey: "1", Action: domain.ActionInsert})

	engine := New(&fakeRelEngine{}, &fakeStore{}, objectmanager.New(), concurrency.NewBusyMap())
	err := engine.Checkout(ctx, repo, graph, tracker, "img1", Options{})
	require.Error(t, err)
	var dirty *domain.DirtyWorkspaceError
	assert.ErrorAs(t, err, &dirty)
}

func TestCheckoutMaterializesSnapshotAndSetsHead(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	repo := domain.RepoKey{Namespace: "ns", Repository: "r"}
	graph := imagegraph.New(backend, repo)
	tracker := changetracker.New()

	img := domain.Image{Hash: "img1", Tables: map[string]domain.TablePointer{"orders": {"snap1"}}}
	require.NoError(t, graph.PutImage(ctx, img))

	rel := &fakeRelEngine{sink: &recordingSink{}}
	store := &fakeStore{
		schema: domain.SchemaSpec{Columns: []domain.ColumnSpec{{Name: "id", IsPK: true}}},
		rows:   []domain.Row{{"id": 1}, {"id": 2}},
	}

	engine := New(rel, store, objectmanager.New(), concurrency.NewBusyMap())
	err := engine.Checkout(ctx, repo, graph, tracker, "img1", Options{WorkingSchema: "work"})
	require.NoError(t, err)

	assert.Contains(t, rel.created, "orders")
	assert.Len(t, rel.sink.inserted, 2)
	assert.True(t, tracker.IsTracked("orders"))

	head, err := graph.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.ImageHash("img1"), head)
}

func TestCheckoutFailsWhenWorkspaceBusy(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	repo := domain.RepoKey{Namespace: "ns", Repository: "r"}
	graph := imagegraph.New(backend, repo)

	img := domain.Image{Hash: "img1", Tables: map[string]domain.TablePointer{}}
	require.NoError(t, graph.PutImage(ctx, img))

	busy := concurrency.NewBusyMap()
	require.True(t, busy.Acquire(repo))

	engine := New(&fakeRelEngine{sink: &recordingSink{}}, &fakeStore{}, objectmanager.New(), busy)
	err := engine.Checkout(ctx, repo, graph, changetracker.New(), "img1", Options{})
	require.Error(t, err)
	var busyErr *domain.WorkspaceBusyError
	assert.ErrorAs(t, err, &busyErr)
}
