package objstore

import (
	"bytes"
	"crypto/sha256"
	"encoding/gob"
	"fmt"
	"sort"

	"github.com/tablevc/tablevc/domain"
)

func init() {
	gob.Register(map[string]interface{}{})
}

// diffEnvelope is the canonical encoding of a DIFF object: schema spec
// plus change records sorted by change_key (spec.md §4.2 — digest is over
// schema_spec and records sorted by change_key).
type diffEnvelope struct {
	Schema  domain.SchemaSpec
	Records []domain.ChangeRecord
}

// snapshotEnvelope is the canonical encoding of a SNAPSHOT object: schema
// spec plus the row stream in change-key order.
type snapshotEnvelope struct {
	Schema domain.SchemaSpec
	Rows   []snapshotRow
}

type snapshotRow struct {
	ChangeKey string
	Values    []interface{}
}

// encodeDiff produces the canonical byte encoding of a diff fragment. The
// caller's record slice is not mutated; a sorted copy is encoded.
func encodeDiff(schema domain.SchemaSpec, records []domain.ChangeRecord) ([]byte, error) {
	sorted := make([]domain.ChangeRecord, len(records))
	copy(sorted, records)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ChangeKey < sorted[j].ChangeKey })

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(diffEnvelope{Schema: schema, Records: sorted}); err != nil {
		return nil, fmt.Errorf("encode diff: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeDiff(data []byte) (domain.SchemaSpec, []domain.ChangeRecord, error) {
	var env diffEnvelope
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&env); err != nil {
		return domain.SchemaSpec{}, nil, fmt.Errorf("decode diff: %w", err)
	}
	return env.Schema, env.Records, nil
}

// encodeSnapshot produces the canonical byte encoding of a full-table
// snapshot. Rows are sorted by change_key before encoding, matching the
// FragmentStore contract in spec.md §4.2.
func encodeSnapshot(schema domain.SchemaSpec, rows []snapshotRow) ([]byte, error) {
	sorted := make([]snapshotRow, len(rows))
	copy(sorted, rows)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ChangeKey < sorted[j].ChangeKey })

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snapshotEnvelope{Schema: schema, Rows: sorted}); err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeSnapshot(data []byte) (domain.SchemaSpec, []snapshotRow, error) {
	var env snapshotEnvelope
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&env); err != nil {
		return domain.SchemaSpec{}, nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return env.Schema, env.Rows, nil
}

// DecodeDiff exposes diff decoding for callers outside this package that
// hold a diff's raw bytes (as returned by Dump). The layered query engine
// does not use it; it reads diffs through Store.Diff.
func DecodeDiff(data []byte) (domain.SchemaSpec, []domain.ChangeRecord, error) {
	return decodeDiff(data)
}

// contentHash is the content-addressing primitive behind invariant I1:
// an object's ID is the hex SHA-256 digest of its canonical encoding.
func contentHash(data []byte) domain.ObjectID {
	sum := sha256.Sum256(data)
	return domain.ObjectID(fmt.Sprintf("%x", sum))
}

// objectMeta is the small side-record kept alongside each object's bytes
// so ObjectSchema/SizeBytes don't require decoding the full payload.
type objectMeta struct {
	Kind      domain.ObjectKind
	Schema    domain.SchemaSpec
	SizeBytes int64
}

func encodeMeta(m objectMeta) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(m); err != nil {
		return nil, fmt.Errorf("encode object meta: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeMeta(data []byte) (objectMeta, error) {
	var m objectMeta
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&m); err != nil {
		return objectMeta{}, fmt.Errorf("decode object meta: %w", err)
	}
	return m, nil
}
