// Package checkout implements the CheckoutEngine (spec.md §4.5): replacing
// a repository's working schema contents with the state recorded by one
// image, and re-attaching change tracking.
package checkout

import (
	"context"
	"fmt"

	"github.com/tablevc/tablevc/changetracker"
	"github.com/tablevc/tablevc/concurrency"
	"github.com/tablevc/tablevc/domain"
	"github.com/tablevc/tablevc/imagegraph"
	"github.com/tablevc/tablevc/objectmanager"
)

// FragmentStore is the subset of objstore.Store the CheckoutEngine needs.
type FragmentStore interface {
	Snapshot(ctx context.Context, id domain.ObjectID) (domain.SchemaSpec, []domain.Row, error)
	ApplyDiff(ctx context.Context, id domain.ObjectID, target domain.SchemaSpec, sink domain.RowSink) error
}

// Engine is the CheckoutEngine.
type Engine struct {
	relEngine domain.RelationalEngine
	store     FragmentStore
	objects   *objectmanager.Manager
	busy      *concurrency.BusyMap
}

// New returns a CheckoutEngine.
func New(relEngine domain.RelationalEngine, store FragmentStore, objects *objectmanager.Manager, busy *concurrency.BusyMap) *Engine {
	return &Engine{relEngine: relEngine, store: store, objects: objects, busy: busy}
}

// Options controls one Checkout call.
type Options struct {
	WorkingSchema string
	Force         bool
}

// Checkout implements spec.md §4.5 steps 1-4. graph is positioned at the
// target repository; tracker is the ChangeTracker whose working schema is
// being replaced.
func (e *Engine) Checkout(ctx context.Context, repo domain.RepoKey, graph *imagegraph.Graph, tracker *changetracker.Tracker, target domain.ImageHash, opts Options) (err error) {
	if tracker.Pending() && !opts.Force {
		return &domain.DirtyWorkspaceError{Repository: repo.String()}
	}

	if !e.busy.Acquire(repo) {
		return &domain.WorkspaceBusyError{Repository: repo.String()}
	}
	defer e.busy.Release(repo)

	img, err := graph.GetImage(ctx, target)
	if err != nil {
		return err
	}

	sp, err := e.relEngine.Savepoint(ctx, "checkout_"+repo.Repository)
	if err != nil {
		return fmt.Errorf("open checkout savepoint: %w", err)
	}
	defer func() {
		if err != nil {
			_ = sp.Rollback(ctx)
			return
		}
		if relErr := sp.Release(ctx); relErr != nil {
			err = relErr
		}
	}()

	tracked := tracker.TrackedTables()
	for _, table := range tracked {
		if delErr := e.relEngine.DeleteTable(ctx, opts.WorkingSchema, table); delErr != nil {
			return fmt.Errorf("drop tracked table %s: %w", table, delErr)
		}
	}
	tracker.Untrack(tracked)

	tableNames := make([]string, 0, len(img.Tables))
	for table, chain := range img.Tables {
		tableNames = append(tableNames, table)
		if err = e.materializeTable(ctx, opts.WorkingSchema, table, chain); err != nil {
			return fmt.Errorf("materialize table %s: %w", table, err)
		}
	}

	tracker.Track(tableNames)
	if err = graph.SetHead(ctx, target); err != nil {
		return fmt.Errorf("advance HEAD: %w", err)
	}
	return nil
}

func (e *Engine) materializeTable(ctx context.Context, schema, table string, chain domain.TablePointer) error {
	snapshotSchema, rows, err := e.store.Snapshot(ctx, chain.Snapshot())
	if err != nil {
		return err
	}

	if err := e.relEngine.CreateTable(ctx, schema, table, snapshotSchema, false, false); err != nil {
		return fmt.Errorf("create working table: %w", err)
	}

	sink, err := e.relEngine.Sink(ctx, schema, table)
	if err != nil {
		return fmt.Errorf("open row sink: %w", err)
	}
	for _, row := range rows {
		if err := sink.InsertRow(ctx, row); err != nil {
			return fmt.Errorf("copy snapshot row: %w", err)
		}
	}

	for _, diffID := range chain.Diffs() {
		if err := e.store.ApplyDiff(ctx, diffID, snapshotSchema, sink); err != nil {
			return fmt.Errorf("apply diff %s: %w", diffID, err)
		}
	}
	return nil
}
