package metastore

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tablevc/tablevc/domain"
	"github.com/tablevc/tablevc/objectmanager"
)

// Store is the GORM-backed persistence layer for the meta-schema of
// spec.md §6. It implements imagegraph.Backend directly and additionally
// persists per-table object chains and object metadata, which
// imagegraph.Backend does not need but CommitEngine callers do if they
// want the catalog to survive a restart.
type Store struct {
	db *gorm.DB
}

// Open wraps an already-connected *gorm.DB, matching the teacher's
// convention of constructing the *gorm.DB once (via its own dialector or
// driver package) and handing it to each consumer rather than having every
// package open its own connection.
func Open(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates/updates the meta-schema tables. Call once at startup;
// AutoMigrate is idempotent, matching the teacher's gormDB.AutoMigrate
// usage in pkg/api/gorm's own test suite.
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&ImageRow{}, &TagRow{}, &TableRow{}, &ObjectRow{})
}

// PutImage persists a newly created image, along with a denormalized
// TableRow per table so GetTableChain can be answered without decoding
// the whole image's TablesJSON.
func (s *Store) PutImage(ctx context.Context, repo domain.RepoKey, img domain.Image) error {
	tablesJSON, err := tablesToJSON(img.Tables)
	if err != nil {
		return fmt.Errorf("metastore: encode tables: %w", err)
	}

	row := ImageRow{
		Namespace:  repo.Namespace,
		Repository: repo.Repository,
		Hash:       string(img.Hash),
		Parent:     string(img.Parent),
		CreatedAt:  img.CreatedAt,
		Comment:    img.Comment,
		TablesJSON: tablesJSON,
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
			return err
		}
		for table, chain := range img.Tables {
			chainJSON, err := tablesToJSON(map[string]domain.TablePointer{table: chain})
			if err != nil {
				return err
			}
			tr := TableRow{
				Namespace:   repo.Namespace,
				Repository:  repo.Repository,
				Image:       string(img.Hash),
				TableName:   table,
				ObjectChain: chainJSON,
			}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "namespace"}, {Name: "repository"}, {Name: "image"}, {Name: "table_name"}},
				DoUpdates: clause.AssignmentColumns([]string{"object_chain"}),
			}).Create(&tr).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// GetImage loads one image node by hash.
func (s *Store) GetImage(ctx context.Context, repo domain.RepoKey, hash domain.ImageHash) (domain.Image, error) {
	var row ImageRow
	err := s.db.WithContext(ctx).
		Where("namespace = ? AND repository = ? AND hash = ?", repo.Namespace, repo.Repository, string(hash)).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Image{}, &domain.MissingImageError{Hash: hash}
	}
	if err != nil {
		return domain.Image{}, err
	}

	tables, err := tablesFromJSON(row.TablesJSON)
	if err != nil {
		return domain.Image{}, fmt.Errorf("metastore: decode tables: %w", err)
	}

	return domain.Image{
		Hash:      domain.ImageHash(row.Hash),
		Parent:    domain.ImageHash(row.Parent),
		Tables:    tables,
		CreatedAt: row.CreatedAt,
		Comment:   row.Comment,
	}, nil
}

// SetTag points a tag at an image hash, creating it if absent.
func (s *Store) SetTag(ctx context.Context, repo domain.RepoKey, tag string, hash domain.ImageHash) error {
	row := TagRow{
		Namespace:  repo.Namespace,
		Repository: repo.Repository,
		Tag:        tag,
		ImageHash:  string(hash),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "namespace"}, {Name: "repository"}, {Name: "tag"}},
		DoUpdates: clause.AssignmentColumns([]string{"image_hash"}),
	}).Create(&row).Error
}

// GetTag resolves a tag to its image hash.
func (s *Store) GetTag(ctx context.Context, repo domain.RepoKey, tag string) (domain.ImageHash, error) {
	var row TagRow
	err := s.db.WithContext(ctx).
		Where("namespace = ? AND repository = ? AND tag = ?", repo.Namespace, repo.Repository, tag).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", &domain.MissingTagError{Tag: tag}
	}
	if err != nil {
		return "", err
	}
	return domain.ImageHash(row.ImageHash), nil
}

// GetTableChain answers spec.md §6's tables(repository, image, table_name,
// object_chain) lookup directly, without decoding an image's full
// TablesJSON. Session.ServeFDWRequest falls back to it when the object
// manager has no pointer for the requested (image, table).
func (s *Store) GetTableChain(ctx context.Context, repo domain.RepoKey, image domain.ImageHash, table string) (domain.TablePointer, error) {
	var row TableRow
	err := s.db.WithContext(ctx).
		Where("namespace = ? AND repository = ? AND image = ? AND table_name = ?",
			repo.Namespace, repo.Repository, string(image), table).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &domain.MissingImageError{Hash: image}
	}
	if err != nil {
		return nil, err
	}
	decoded, err := tablesFromJSON(row.ObjectChain)
	if err != nil {
		return nil, fmt.Errorf("metastore: decode object chain: %w", err)
	}
	return decoded[table], nil
}

// PutObjectMeta persists one object's durable metadata row, so that
// objects(id, size, schema_spec) survives a process restart per spec.md
// §6. CommitEngine registers the objects it creates only in
// objectmanager.Manager's in-memory registry (RegisterObject) and does not
// call this method; an objects row exists only where a caller writes it
// here explicitly.
func (s *Store) PutObjectMeta(ctx context.Context, meta domain.ObjectMeta) error {
	schemaJSON, err := schemaToJSON(meta.Schema)
	if err != nil {
		return fmt.Errorf("metastore: encode schema: %w", err)
	}
	row := ObjectRow{
		ID:         string(meta.ID),
		Kind:       int(meta.Kind),
		SizeBytes:  meta.SizeBytes,
		SchemaJSON: schemaJSON,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
}

// DeleteObjectMeta removes durable rows for objects GC has swept from the
// object store, keeping the objects table in sync with
// objectmanager.Manager's in-memory registry.
func (s *Store) DeleteObjectMeta(ctx context.Context, ids []domain.ObjectID) error {
	if len(ids) == 0 {
		return nil
	}
	strIDs := make([]string, len(ids))
	for i, id := range ids {
		strIDs[i] = string(id)
	}
	return s.db.WithContext(ctx).Where("id IN ?", strIDs).Delete(&ObjectRow{}).Error
}

// LoadObjectManager rebuilds an in-memory objectmanager.Manager from the
// durable objects and tables rows, the way the teacher's resource manager
// re-registers datasources read back from its own catalog at startup
// (pkg/resource/manager.go). Object metadata is registered first, then
// table pointers; SetTablePointer counts references per id whether or not
// that id has registered metadata.
func (s *Store) LoadObjectManager(ctx context.Context) (*objectmanager.Manager, error) {
	mgr := objectmanager.New()

	var objectRows []ObjectRow
	if err := s.db.WithContext(ctx).Find(&objectRows).Error; err != nil {
		return nil, fmt.Errorf("metastore: load objects: %w", err)
	}
	for _, row := range objectRows {
		schema, err := schemaFromJSON(row.SchemaJSON)
		if err != nil {
			return nil, fmt.Errorf("metastore: decode schema for object %s: %w", row.ID, err)
		}
		mgr.RegisterObject(domain.ObjectMeta{
			ID:        domain.ObjectID(row.ID),
			Kind:      domain.ObjectKind(row.Kind),
			Schema:    schema,
			SizeBytes: row.SizeBytes,
		})
	}

	var tableRows []TableRow
	if err := s.db.WithContext(ctx).Find(&tableRows).Error; err != nil {
		return nil, fmt.Errorf("metastore: load table pointers: %w", err)
	}
	for _, row := range tableRows {
		decoded, err := tablesFromJSON(row.ObjectChain)
		if err != nil {
			return nil, fmt.Errorf("metastore: decode object chain for %s/%s: %w", row.Image, row.TableName, err)
		}
		mgr.SetTablePointer(domain.ImageHash(row.Image), row.TableName, decoded[row.TableName])
	}

	return mgr, nil
}
