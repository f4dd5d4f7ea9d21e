// Package changetracker records row-level mutations on tracked tables and
// coalesces them into a change-key indexed pending changeset, per spec.md
// §4.1. It is grounded on the teacher's MVCC tuple-visibility bookkeeping
// (pkg/mvcc/types.go): one map guarded by a sync.RWMutex per tracked
// table, with reads taking the read lock and mutation recording taking
// the write lock.
package changetracker

import (
	"sync"

	"github.com/tablevc/tablevc/domain"
)

// tableLog is the per-table coalesced changeset.
type tableLog struct {
	mu      sync.RWMutex
	records map[string]*domain.ChangeRecord // change_key -> record
}

func newTableLog() *tableLog {
	return &tableLog{records: make(map[string]*domain.ChangeRecord)}
}

// Tracker is a per-schema ChangeTracker instance. One Tracker is created on
// init/checkout and discarded on commit/discard (spec.md §3 Lifecycle).
type Tracker struct {
	mu     sync.RWMutex
	tables map[string]*tableLog // table name -> log, present iff tracked
}

// New returns an empty Tracker with no tables tracked.
func New() *Tracker {
	return &Tracker{tables: make(map[string]*tableLog)}
}

// Track installs mutation capture for the given tables. Tracking an
// already-tracked table is a no-op; it does not reset its pending log.
func (t *Tracker) Track(tables []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, name := range tables {
		if _, ok := t.tables[name]; !ok {
			t.tables[name] = newTableLog()
		}
	}
}

// Untrack removes mutation capture hooks and drops any pending log for the
// given tables.
func (t *Tracker) Untrack(tables []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, name := range tables {
		delete(t.tables, name)
	}
}

// IsTracked reports whether a table currently has capture hooks installed.
func (t *Tracker) IsTracked(table string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.tables[table]
	return ok
}

// Pending reports whether any tracked table in this schema has a non-empty
// changeset.
func (t *Tracker) Pending() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, log := range t.tables {
		log.mu.RLock()
		n := len(log.records)
		log.mu.RUnlock()
		if n > 0 {
			return true
		}
	}
	return false
}

// Changeset returns the coalesced records for one table in an unspecified
// order (fragment order is insignificant per spec.md §3). Aggregate
// counts, when requested, are computed from the same coalesced view.
func (t *Tracker) Changeset(table string, aggregate bool) (records []domain.ChangeRecord, inserts, deletes, updates int) {
	t.mu.RLock()
	log, ok := t.tables[table]
	t.mu.RUnlock()
	if !ok {
		return nil, 0, 0, 0
	}

	log.mu.RLock()
	defer log.mu.RUnlock()

	if aggregate {
		for _, r := range log.records {
			switch r.Action {
			case domain.ActionInsert:
				inserts++
			case domain.ActionDelete:
				deletes++
			case domain.ActionUpdate:
				updates++
			}
		}
		return nil, inserts, deletes, updates
	}

	records = make([]domain.ChangeRecord, 0, len(log.records))
	for _, r := range log.records {
		records = append(records, *r)
	}
	return records, 0, 0, 0
}

// TrackedTables returns every table currently tracked, regardless of
// whether it has pending changes.
func (t *Tracker) TrackedTables() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.tables))
	for name := range t.tables {
		out = append(out, name)
	}
	return out
}

// ChangedTables returns the names of tracked tables that currently have a
// non-empty pending changeset.
func (t *Tracker) ChangedTables() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.tables))
	for name, log := range t.tables {
		log.mu.RLock()
		n := len(log.records)
		log.mu.RUnlock()
		if n > 0 {
			out = append(out, name)
		}
	}
	return out
}

// Discard drops the pending log for a table, or for every tracked table
// when table is empty.
func (t *Tracker) Discard(table string) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if table != "" {
		if log, ok := t.tables[table]; ok {
			log.mu.Lock()
			log.records = make(map[string]*domain.ChangeRecord)
			log.mu.Unlock()
		}
		return
	}
	for _, log := range t.tables {
		log.mu.Lock()
		log.records = make(map[string]*domain.ChangeRecord)
		log.mu.Unlock()
	}
}

// Record applies one raw mutation to a table's pending log, coalescing it
// with any existing record for the same change_key per invariant I6:
//
//	existing  incoming  result
//	INSERT    DELETE    (removed)
//	INSERT    UPDATE    INSERT, payload merged column-by-column with the update
//	UPDATE    UPDATE    UPDATE, payload merged column-by-column with the update
//	UPDATE    DELETE    DELETE
//	(none)    *         incoming, unchanged
//
// A DELETE for a key with no prior record, and an INSERT/UPDATE for a key
// with no prior record, are both recorded verbatim.
func (t *Tracker) Record(table string, incoming domain.ChangeRecord) {
	t.mu.RLock()
	log, ok := t.tables[table]
	t.mu.RUnlock()
	if !ok {
		// Not tracked: silently ignored, matching the contract that
		// Track/Untrack gate capture.
		return
	}

	log.mu.Lock()
	defer log.mu.Unlock()

	existing, has := log.records[incoming.ChangeKey]
	if !has {
		rec := incoming
		log.records[incoming.ChangeKey] = &rec
		return
	}

	switch {
	case existing.Action == domain.ActionInsert && incoming.Action == domain.ActionDelete:
		delete(log.records, incoming.ChangeKey)
	case existing.Action == domain.ActionInsert && incoming.Action == domain.ActionUpdate:
		existing.Payload = mergePayload(existing.Payload, incoming.Payload)
	case existing.Action == domain.ActionUpdate && incoming.Action == domain.ActionUpdate:
		existing.Payload = mergePayload(existing.Payload, incoming.Payload)
	case existing.Action == domain.ActionUpdate && incoming.Action == domain.ActionDelete:
		existing.Action = domain.ActionDelete
		existing.Payload = nil
	default:
		// DELETE followed by anything, or any other combination the
		// contract does not define, replaces the record outright —
		// a DELETE then re-INSERT of the same key is a fresh row.
		rec := incoming
		log.records[incoming.ChangeKey] = &rec
	}
}

// mergePayload folds incoming column values into base column-by-column,
// per I6: coalescing INSERT+UPDATE or UPDATE+UPDATE must merge the
// payloads, not replace one wholesale — a later UPDATE that only touches
// column b must not drop an earlier UPDATE's column a.
func mergePayload(base, incoming *domain.ChangePayload) *domain.ChangePayload {
	if base == nil {
		return incoming
	}
	if incoming == nil {
		return base
	}

	idx := make(map[string]int, len(base.Columns))
	for i, c := range base.Columns {
		idx[c] = i
	}

	merged := &domain.ChangePayload{
		Columns: append([]string(nil), base.Columns...),
		Values:  append([]interface{}(nil), base.Values...),
	}
	for i, col := range incoming.Columns {
		if i >= len(incoming.Values) {
			continue
		}
		if pos, ok := idx[col]; ok {
			merged.Values[pos] = incoming.Values[i]
			continue
		}
		idx[col] = len(merged.Columns)
		merged.Columns = append(merged.Columns, col)
		merged.Values = append(merged.Values, incoming.Values[i])
	}
	return merged
}

// RecordKeyChange records a PK-altering UPDATE as DELETE(oldKey) +
// INSERT(newKey), per spec.md §4.1's contract that change-key-altering
// updates must never surface as a bare UPDATE.
func (t *Tracker) RecordKeyChange(table string, oldKey string, newRecord domain.ChangeRecord) {
	t.Record(table, domain.ChangeRecord{ChangeKey: oldKey, Action: domain.ActionDelete})
	t.Record(table, domain.ChangeRecord{
		ChangeKey: newRecord.ChangeKey,
		Action:    domain.ActionInsert,
		Payload:   newRecord.Payload,
	})
}
