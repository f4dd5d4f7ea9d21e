package query

import (
	"context"

	"github.com/tablevc/tablevc/domain"
	"github.com/tablevc/tablevc/objstore"
)

// objstoreSnapshotSource adapts a FragmentStore's content-addressed
// SNAPSHOT object to the SnapshotSource contract Select needs. The
// snapshot is read once per call and filtered in memory rather than
// pushed down as SQL: a snapshot that is not the currently checked-out
// image has no live table to push a WHERE clause into, only the row list
// objstore.Store.Snapshot already decoded from Badger. This keeps Step A
// correct for any historical image at the cost of a full snapshot scan;
// see DESIGN.md for the trade-off against pushdown into a real table for
// the currently checked-out image.
type objstoreSnapshotSource struct {
	store      *objstore.Store
	snapshotID domain.ObjectID
}

// NewSnapshotSource returns a SnapshotSource over one table's base
// snapshot object.
func NewSnapshotSource(store *objstore.Store, snapshotID domain.ObjectID) SnapshotSource {
	return &objstoreSnapshotSource{store: store, snapshotID: snapshotID}
}

func (s *objstoreSnapshotSource) FetchAll(ctx context.Context) ([]domain.Row, error) {
	_, rows, err := s.store.Snapshot(ctx, s.snapshotID)
	return rows, err
}

func (s *objstoreSnapshotSource) FetchWhere(ctx context.Context, quals domain.Conjunction) ([]domain.Row, error) {
	rows, err := s.FetchAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Row, 0, len(rows))
	for _, row := range rows {
		if quals.Matches(row) {
			out = append(out, row)
		}
	}
	return out, nil
}

var _ SnapshotSource = (*objstoreSnapshotSource)(nil)
