// Package metastore persists the meta-schema described in spec.md §6
// ("images", "tables", "objects", "tags") via GORM, grounded on the
// teacher's pkg/api/gorm package: the teacher puts its catalog state
// behind a GORM model rather than keeping it ambient/in-process only, and
// this package does the same for images, tags, and table pointers so a
// checkout/commit sequence survives a process restart.
package metastore

import (
	"encoding/json"
	"time"

	"github.com/tablevc/tablevc/domain"
)

// ImageRow is the persisted form of one domain.Image, keyed by
// (namespace, repository, hash) as spec.md §6's images(repository, hash,
// parent, created_at, comment) table names it, split into namespace and
// repository columns to match domain.RepoKey.
type ImageRow struct {
	Namespace  string `gorm:"primaryKey;column:namespace"`
	Repository string `gorm:"primaryKey;column:repository"`
	Hash       string `gorm:"primaryKey;column:hash"`
	Parent     string `gorm:"column:parent"`
	CreatedAt  time.Time
	Comment    string
	// TablesJSON holds the table_name -> object_chain mapping encoded as
	// JSON rather than a normalized child table, matching the teacher's
	// habit (pkg/api/gorm/migrator_test.go) of storing a denormalized JSON
	// blob for schema-shaped map fields it doesn't need to query into.
	TablesJSON string `gorm:"column:tables_json"`
}

func (ImageRow) TableName() string { return "images" }

// tablesToJSON/tablesFromJSON convert between the in-memory
// map[string]domain.TablePointer and its JSON column encoding.
func tablesToJSON(tables map[string]domain.TablePointer) (string, error) {
	b, err := json.Marshal(tables)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func tablesFromJSON(s string) (map[string]domain.TablePointer, error) {
	tables := make(map[string]domain.TablePointer)
	if s == "" {
		return tables, nil
	}
	if err := json.Unmarshal([]byte(s), &tables); err != nil {
		return nil, err
	}
	return tables, nil
}

// TagRow is the persisted form of one named reference, per spec.md §6's
// tags(repository, tag, image_hash) table. HEAD and latest are stored
// exactly like any other tag; imagegraph.ValidateTagName is what keeps
// callers from setting them directly.
type TagRow struct {
	Namespace  string `gorm:"primaryKey;column:namespace"`
	Repository string `gorm:"primaryKey;column:repository"`
	Tag        string `gorm:"primaryKey;column:tag"`
	ImageHash  string `gorm:"column:image_hash"`
}

func (TagRow) TableName() string { return "tags" }

// TableRow is one row of spec.md §6's tables(repository, image,
// table_name, object_chain), kept as a per-table denormalization of
// ImageRow.TablesJSON: CommitEngine/CheckoutEngine work one table at a
// time, and this lets a caller look up a single table's chain without
// decoding an entire image's JSON blob.
type TableRow struct {
	Namespace   string `gorm:"primaryKey;column:namespace"`
	Repository  string `gorm:"primaryKey;column:repository"`
	Image       string `gorm:"primaryKey;column:image"`
	TableName   string `gorm:"primaryKey;column:table_name"`
	ObjectChain string `gorm:"column:object_chain"`
}

func (TableRow) TableName() string { return "tables" }

// ObjectRow is one row of spec.md §6's objects(id, size, schema_spec):
// the durable record of an object's metadata, independent of the Badger
// bytes FragmentStore holds. objectmanager.Manager's in-memory registry
// is rebuilt from these rows on startup via LoadObjectManager.
type ObjectRow struct {
	ID         string `gorm:"primaryKey;column:id"`
	Kind       int    `gorm:"column:kind"`
	SizeBytes  int64  `gorm:"column:size_bytes"`
	SchemaJSON string `gorm:"column:schema_json"`
}

func (ObjectRow) TableName() string { return "objects" }

func schemaToJSON(schema domain.SchemaSpec) (string, error) {
	b, err := json.Marshal(schema)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func schemaFromJSON(s string) (domain.SchemaSpec, error) {
	var schema domain.SchemaSpec
	if s == "" {
		return schema, nil
	}
	if err := json.Unmarshal([]byte(s), &schema); err != nil {
		return domain.SchemaSpec{}, err
	}
	return schema, nil
}
