package metastore

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/tablevc/tablevc/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	s := Open(db)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func testRepo() domain.RepoKey {
	return domain.RepoKey{Namespace: "ns", Repository: "repo"}
}

func TestStorePutGetImage(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	repo := testRepo()

	img := domain.Image{
		Hash:      "a" + pad(63),
		Parent:    "",
		Tables:    map[string]domain.TablePointer{"t": {"snap1", "diff1"}},
		CreatedAt: time.Unix(1000, 0).UTC(),
		Comment:   "first commit",
	}
	require.NoError(t, s.PutImage(ctx, repo, img))

	got, err := s.GetImage(ctx, repo, img.Hash)
	require.NoError(t, err)
	assert.Equal(t, img.Hash, got.Hash)
	assert.True(t, got.IsRoot())
	assert.Equal(t, img.Comment, got.Comment)
	assert.Equal(t, domain.TablePointer{"snap1", "diff1"}, got.Tables["t"])

	chain, err := s.GetTableChain(ctx, repo, img.Hash, "t")
	require.NoError(t, err)
	assert.Equal(t, domain.TablePointer{"snap1", "diff1"}, chain)
}

func TestStoreGetImageMissing(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	_, err := s.GetImage(ctx, testRepo(), "unknown")
	var missing *domain.MissingImageError
	assert.ErrorAs(t, err, &missing)
}

func TestStoreTags(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	repo := testRepo()

	require.NoError(t, s.SetTag(ctx, repo, "HEAD", "img1"))
	hash, err := s.GetTag(ctx, repo, "HEAD")
	require.NoError(t, err)
	assert.Equal(t, domain.ImageHash("img1"), hash)

	require.NoError(t, s.SetTag(ctx, repo, "HEAD", "img2"))
	hash, err = s.GetTag(ctx, repo, "HEAD")
	require.NoError(t, err)
	assert.Equal(t, domain.ImageHash("img2"), hash, "SetTag must update in place")

	_, err = s.GetTag(ctx, repo, "nope")
	var missing *domain.MissingTagError
	assert.ErrorAs(t, err, &missing)
}

func TestStoreObjectMetaAndLoadObjectManager(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	repo := testRepo()

	schema := domain.SchemaSpec{Columns: []domain.ColumnSpec{{Ordinal: 0, Name: "id", Type: "int", IsPK: true}}}
	require.NoError(t, s.PutObjectMeta(ctx, domain.ObjectMeta{ID: "snap1", Kind: domain.ObjectSnapshot, Schema: schema, SizeBytes: 10}))
	require.NoError(t, s.PutObjectMeta(ctx, domain.ObjectMeta{ID: "diff1", Kind: domain.ObjectDiff, Schema: schema, SizeBytes: 5}))

	img := domain.Image{
		Hash:      "img1",
		Tables:    map[string]domain.TablePointer{"t": {"snap1", "diff1"}},
		CreatedAt: time.Unix(1, 0).UTC(),
	}
	require.NoError(t, s.PutImage(ctx, repo, img))

	mgr, err := s.LoadObjectManager(ctx)
	require.NoError(t, err)

	meta, err := mgr.ObjectMeta("snap1")
	require.NoError(t, err)
	assert.Equal(t, domain.ObjectSnapshot, meta.Kind)

	chain, err := mgr.ResolveChain(ctx, "img1", "t")
	require.NoError(t, err)
	assert.Equal(t, domain.TablePointer{"snap1", "diff1"}, chain)

	require.NoError(t, s.DeleteObjectMeta(ctx, []domain.ObjectID{"diff1"}))
	var remaining []ObjectRow
	require.NoError(t, s.db.WithContext(ctx).Find(&remaining).Error)
	assert.Len(t, remaining, 1)
}

func pad(n int) string {
	out := make([]byte, n)
	for i := range out {
		out[i] = 'a'
	}
	return string(out)
}
