// Package domain holds the data model shared by every layer of tablevc:
// the content-addressed object model, the change-record model produced by
// the change tracker, and the contracts the core consumes from the
// underlying relational engine. No object-transport contract is defined.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// Action is the kind of row-level mutation captured in a ChangeRecord.
// Values match spec.md §3 exactly (INSERT=0, DELETE=1, UPDATE=2) so a
// fragment encoded by one process decodes identically in another.
type Action int

const (
	ActionInsert Action = 0
	ActionDelete Action = 1
	ActionUpdate Action = 2
)

func (a Action) String() string {
	switch a {
	case ActionInsert:
		return "INSERT"
	case ActionDelete:
		return "DELETE"
	case ActionUpdate:
		return "UPDATE"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// ColumnSpec describes one column of a table's fixed schema.
type ColumnSpec struct {
	Ordinal int    `json:"ordinal"`
	Name    string `json:"name"`
	Type    string `json:"type"`
	IsPK    bool   `json:"is_pk"`
}

// SchemaSpec is the fixed schema carried by every object in a table's
// chain (spec.md §3, invariant I2: all objects in a chain share it).
type SchemaSpec struct {
	Columns []ColumnSpec `json:"columns"`
}

// PKColumns returns the primary-key columns in ordinal order.
func (s SchemaSpec) PKColumns() []ColumnSpec {
	pk := make([]ColumnSpec, 0, len(s.Columns))
	for _, c := range s.Columns {
		if c.IsPK {
			pk = append(pk, c)
		}
	}
	return pk
}

// ColumnNames returns every column name in ordinal order.
func (s SchemaSpec) ColumnNames() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// HasColumn reports whether the schema declares the named column.
func (s SchemaSpec) HasColumn(name string) bool {
	for _, c := range s.Columns {
		if c.Name == name {
			return true
		}
	}
	return false
}

// Equal reports whether two schema specs describe the same columns in the
// same order with the same PK markers — the equality invariant I2 relies on.
func (s SchemaSpec) Equal(other SchemaSpec) bool {
	if len(s.Columns) != len(other.Columns) {
		return false
	}
	for i, c := range s.Columns {
		o := other.Columns[i]
		if c.Name != o.Name || c.Type != o.Type || c.IsPK != o.IsPK {
			return false
		}
	}
	return true
}

// ChangePayload carries the non-key columns affected by an INSERT or UPDATE.
// DELETE records carry no payload.
type ChangePayload struct {
	Columns []string      `json:"columns"`
	Values  []interface{} `json:"values"`
}

// Get returns the value for a column name in the payload, if present.
func (p *ChangePayload) Get(column string) (interface{}, bool) {
	if p == nil {
		return nil, false
	}
	for i, c := range p.Columns {
		if c == column {
			return p.Values[i], true
		}
	}
	return nil, false
}

// ChangeRecord is one row-level mutation keyed by change_key, the tuple of
// primary-key column values (or the full row if the table has no PK).
// Within a single diff fragment, change_key is unique (invariant I5).
//
// KeyColumns/KeyValues carry the same tuple in structured form — ChangeKey
// is the canonical string used for indexing and coalescing, KeyValues is
// what FragmentStore.ApplyDiff needs to build a WHERE clause against the
// target table.
type ChangeRecord struct {
	ChangeKey  string         `json:"change_key"`
	Action     Action         `json:"action"`
	Payload    *ChangePayload `json:"payload,omitempty"`
	KeyColumns []string       `json:"key_columns,omitempty"`
	KeyValues  []interface{}  `json:"key_values,omitempty"`
}

// ChangeKeyOf joins PK values into the canonical change-key string used to
// index ChangeRecords. The separator is unambiguous because PK values are
// rendered with their Go %v form length-prefixed, avoiding accidental
// collisions between e.g. ("a,b") and ("a", "b").
func ChangeKeyOf(pkValues []interface{}) string {
	var b strings.Builder
	for _, v := range pkValues {
		s := fmt.Sprintf("%v", v)
		fmt.Fprintf(&b, "%d:%s|", len(s), s)
	}
	return b.String()
}

// ObjectKind distinguishes a full-table SNAPSHOT object from a DIFF object.
type ObjectKind int

const (
	ObjectSnapshot ObjectKind = iota
	ObjectDiff
)

func (k ObjectKind) String() string {
	if k == ObjectSnapshot {
		return "SNAPSHOT"
	}
	return "DIFF"
}

// ObjectID is a content address: a 64-character lowercase hex SHA-256
// digest for real objects, or a distinguishable "stg_" prefixed string
// for a locally-unique staging identifier (spec.md §6).
type ObjectID string

// IsStaging reports whether this ID was minted by GetRandomObjectID rather
// than derived from content — staging IDs are never persisted as objects.
func (o ObjectID) IsStaging() bool {
	return strings.HasPrefix(string(o), "stg_")
}

// ImageHash is a content address for an Image: 64-character lowercase hex
// SHA-256 of its canonical encoding.
type ImageHash string

// IsZero reports whether this hash denotes "no image" (e.g. a root image's
// parent).
func (h ImageHash) IsZero() bool {
	return h == ""
}

// ObjectMeta is what the ObjectManager tracks about a stored object.
type ObjectMeta struct {
	ID        ObjectID
	Kind      ObjectKind
	Schema    SchemaSpec
	SizeBytes int64
}

// TablePointer is the non-empty, ordered, snapshot-first object chain that
// resolves one table at one image: [snapshot, diff1, diff2, ...].
type TablePointer []ObjectID

// Snapshot returns the chain's base snapshot object.
func (p TablePointer) Snapshot() ObjectID {
	if len(p) == 0 {
		return ""
	}
	return p[0]
}

// Diffs returns the chain's diffs in application order.
func (p TablePointer) Diffs() []ObjectID {
	if len(p) <= 1 {
		return nil
	}
	return p[1:]
}

// Clone returns an independent copy of the pointer.
func (p TablePointer) Clone() TablePointer {
	out := make(TablePointer, len(p))
	copy(out, p)
	return out
}

// Image is an immutable commit node (spec.md §3). The root image of a
// repository has an empty Parent.
type Image struct {
	Hash      ImageHash
	Parent    ImageHash
	Tables    map[string]TablePointer
	CreatedAt time.Time
	Comment   string
}

// IsRoot reports whether this image has no parent.
func (img *Image) IsRoot() bool {
	return img.Parent.IsZero()
}

// RepoKey identifies a repository by its namespace and name.
type RepoKey struct {
	Namespace  string
	Repository string
}

func (k RepoKey) String() string {
	return k.Namespace + "/" + k.Repository
}
