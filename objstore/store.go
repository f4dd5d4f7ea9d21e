// Package objstore is the FragmentStore: the on-disk representation of
// content-addressed objects (spec.md §4.2), backed by
// github.com/dgraph-io/badger/v4 and grounded on the teacher's
// pkg/resource/badger keying convention (PrefixTable/PrefixRow style
// fixed prefixes over a single Badger instance).
package objstore

import (
	"context"
	"fmt"
	"sort"

	"github.com/dgraph-io/badger/v4"

	"github.com/tablevc/tablevc/domain"
)

const (
	prefixObject = "object:"
	prefixMeta   = "meta:"
)

// Store is a Badger-backed FragmentStore. A single instance is shared by
// every repository served by one process, matching the teacher's single
// BadgerDataSource-per-process convention.
type Store struct {
	db *badger.DB
}

// Config mirrors the teacher's DataSourceConfig, trimmed to what the
// object store needs.
type Config struct {
	DataDir    string
	InMemory   bool
	SyncWrites bool
}

// Open opens (or creates) the Badger database backing this store.
func Open(cfg Config) (*Store, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(cfg.DataDir)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open object store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying Badger database.
func (s *Store) Close() error {
	return s.db.Close()
}

func objectKey(id domain.ObjectID) []byte {
	return []byte(prefixObject + string(id))
}

func metaKey(id domain.ObjectID) []byte {
	return []byte(prefixMeta + string(id))
}

// PutDiff stores a DIFF object, returning its content-addressed id. A
// second call with an identical (schema, records) pair is a pure read: no
// write occurs and the same id is returned, matching P3 in spec.md §8.
func (s *Store) PutDiff(ctx context.Context, schema domain.SchemaSpec, records []domain.ChangeRecord) (domain.ObjectID, error) {
	if dup := duplicateChangeKey(records); dup != "" {
		return "", &domain.DuplicateKeyError{ChangeKey: dup}
	}

	data, err := encodeDiff(schema, records)
	if err != nil {
		return "", err
	}
	id := contentHash(data)
	if err := s.writeIfAbsent(id, domain.ObjectDiff, schema, data); err != nil {
		return "", err
	}
	return id, nil
}

// PutSnapshot stores the current contents of a table as a SNAPSHOT object.
func (s *Store) PutSnapshot(ctx context.Context, schema domain.SchemaSpec, rows []domain.Row, pkColumns []string) (domain.ObjectID, error) {
	encoded := make([]snapshotRow, 0, len(rows))
	for _, row := range rows {
		key := make([]interface{}, len(pkColumns))
		for i, col := range pkColumns {
			key[i] = row[col]
		}
		values := make([]interface{}, len(schema.Columns))
		for i, c := range schema.Columns {
			values[i] = row[c.Name]
		}
		encoded = append(encoded, snapshotRow{ChangeKey: domain.ChangeKeyOf(key), Values: values})
	}

	data, err := encodeSnapshot(schema, encoded)
	if err != nil {
		return "", err
	}
	id := contentHash(data)
	if err := s.writeIfAbsent(id, domain.ObjectSnapshot, schema, data); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) writeIfAbsent(id domain.ObjectID, kind domain.ObjectKind, schema domain.SchemaSpec, data []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(objectKey(id)); err == nil {
			return nil // content-identical object already stored (I1)
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		if err := txn.SetEntry(badger.NewEntry(objectKey(id), data)); err != nil {
			return err
		}
		meta := objectMeta{Kind: kind, Schema: schema, SizeBytes: int64(len(data))}
		metaBytes, err := encodeMeta(meta)
		if err != nil {
			return err
		}
		return txn.SetEntry(badger.NewEntry(metaKey(id), metaBytes))
	})
}

// Dump returns the raw canonical bytes stored for an object id.
func (s *Store) Dump(ctx context.Context, id domain.ObjectID) ([]byte, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(objectKey(id))
		if err == badger.ErrKeyNotFound {
			return &domain.MissingObjectError{ObjectID: id}
		} else if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			data = append([]byte(nil), val...)
			return nil
		})
	})
	return data, err
}

// ObjectSchema returns the fixed schema spec carried by a stored object.
func (s *Store) ObjectSchema(ctx context.Context, id domain.ObjectID) (domain.SchemaSpec, error) {
	meta, err := s.readMeta(id)
	if err != nil {
		return domain.SchemaSpec{}, err
	}
	return meta.Schema, nil
}

// SizeBytes returns the byte size of an object's canonical encoding.
func (s *Store) SizeBytes(ctx context.Context, id domain.ObjectID) (int64, error) {
	meta, err := s.readMeta(id)
	if err != nil {
		return 0, err
	}
	return meta.SizeBytes, nil
}

func (s *Store) readMeta(id domain.ObjectID) (objectMeta, error) {
	var meta objectMeta
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey(id))
		if err == badger.ErrKeyNotFound {
			return &domain.MissingObjectError{ObjectID: id}
		} else if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			m, err := decodeMeta(val)
			if err != nil {
				return err
			}
			meta = m
			return nil
		})
	})
	return meta, err
}

// Delete removes objects by id. The caller must hold the ObjectManager's
// GC lock (spec.md §4.2: "may only be called by the GC path with the
// ObjectManager lock held").
func (s *Store) Delete(ctx context.Context, ids []domain.ObjectID) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for _, id := range ids {
			if err := txn.Delete(objectKey(id)); err != nil && err != badger.ErrKeyNotFound {
				return err
			}
			if err := txn.Delete(metaKey(id)); err != nil && err != badger.ErrKeyNotFound {
				return err
			}
		}
		return nil
	})
}

// Diff returns the decoded schema and change records for a DIFF object,
// checked against target for schema compatibility.
func (s *Store) Diff(ctx context.Context, id domain.ObjectID, target domain.SchemaSpec) (domain.SchemaSpec, []domain.ChangeRecord, error) {
	data, err := s.Dump(ctx, id)
	if err != nil {
		return domain.SchemaSpec{}, nil, err
	}
	schema, records, err := decodeDiff(data)
	if err != nil {
		return domain.SchemaSpec{}, nil, err
	}
	if !schema.Equal(target) {
		return domain.SchemaSpec{}, nil, &domain.SchemaMismatchError{ObjectID: id, Reason: "diff schema does not match target table schema"}
	}
	return schema, records, nil
}

// Snapshot returns the decoded schema and rows for a SNAPSHOT object.
func (s *Store) Snapshot(ctx context.Context, id domain.ObjectID) (domain.SchemaSpec, []domain.Row, error) {
	data, err := s.Dump(ctx, id)
	if err != nil {
		return domain.SchemaSpec{}, nil, err
	}
	schema, rows, err := decodeSnapshot(data)
	if err != nil {
		return domain.SchemaSpec{}, nil, err
	}
	out := make([]domain.Row, len(rows))
	for i, r := range rows {
		row := make(domain.Row, len(schema.Columns))
		for j, c := range schema.Columns {
			if j < len(r.Values) {
				row[c.Name] = r.Values[j]
			}
		}
		out[i] = row
	}
	return schema, out, nil
}

// ApplyDiff applies a DIFF object's records against target through sink,
// ordered DELETEs, then UPDATEs, then INSERTs (spec.md §4.2: this
// ordering preserves PK uniqueness when an UPDATE shifts keys).
func (s *Store) ApplyDiff(ctx context.Context, id domain.ObjectID, target domain.SchemaSpec, sink domain.RowSink) error {
	_, records, err := s.Diff(ctx, id, target)
	if err != nil {
		return err
	}

	var deletes, updates, inserts []domain.ChangeRecord
	for _, r := range records {
		switch r.Action {
		case domain.ActionDelete:
			deletes = append(deletes, r)
		case domain.ActionUpdate:
			updates = append(updates, r)
		case domain.ActionInsert:
			inserts = append(inserts, r)
		}
	}

	for _, r := range deletes {
		if err := sink.DeleteRow(ctx, r.KeyColumns, r.KeyValues); err != nil {
			return err
		}
	}
	for _, r := range updates {
		row := payloadToRow(target, r.Payload)
		if err := sink.UpdateRow(ctx, r.KeyColumns, r.KeyValues, row); err != nil {
			return err
		}
	}
	for _, r := range inserts {
		row := payloadToRow(target, r.Payload)
		for i, col := range r.KeyColumns {
			if i < len(r.KeyValues) {
				row[col] = r.KeyValues[i]
			}
		}
		if err := sink.InsertRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

func payloadToRow(schema domain.SchemaSpec, payload *domain.ChangePayload) domain.Row {
	row := make(domain.Row, len(schema.Columns))
	if payload == nil {
		return row
	}
	for i, col := range payload.Columns {
		if i < len(payload.Values) {
			row[col] = payload.Values[i]
		}
	}
	return row
}

func duplicateChangeKey(records []domain.ChangeRecord) string {
	seen := make(map[string]bool, len(records))
	keys := make([]string, 0, len(records))
	for _, r := range records {
		keys = append(keys, r.ChangeKey)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if seen[k] {
			return k
		}
		seen[k] = true
	}
	return ""
}
