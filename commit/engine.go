// Package commit implements the CommitEngine (spec.md §4.4): turning a
// checked-out image's pending changeset into a new, immutable image.
package commit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tablevc/tablevc/changetracker"
	"github.com/tablevc/tablevc/concurrency"
	"github.com/tablevc/tablevc/domain"
	"github.com/tablevc/tablevc/imagegraph"
	"github.com/tablevc/tablevc/objectmanager"
)

// FragmentStore is the subset of objstore.Store the CommitEngine needs.
type FragmentStore interface {
	PutDiff(ctx context.Context, schema domain.SchemaSpec, records []domain.ChangeRecord) (domain.ObjectID, error)
	PutSnapshot(ctx context.Context, schema domain.SchemaSpec, rows []domain.Row, pkColumns []string) (domain.ObjectID, error)
}

// Clock returns the current time; tests substitute a fixed clock so image
// hashes are reproducible.
type Clock func() time.Time

// Engine is the CommitEngine.
type Engine struct {
	store   FragmentStore
	objects *objectmanager.Manager
	locks   *concurrency.LockMap
	now     Clock
}

// New returns a CommitEngine over the given FragmentStore and
// ObjectManager, serializing commits per repository via locks.
func New(store FragmentStore, objects *objectmanager.Manager, locks *concurrency.LockMap, now Clock) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{store: store, objects: objects, locks: locks, now: now}
}

// Options controls one Commit call.
type Options struct {
	Comment string
	// RejectEmpty, when true, makes Commit fail with NoPendingChangesError
	// on a clean workspace instead of producing an empty-change image.
	RejectEmpty bool
}

// Commit implements spec.md §4.4 steps 1-4. graph must already be
// positioned at the repository whose HEAD is being advanced; tracker
// holds every tracked table's pending changeset and schema lookups come
// from schemas, keyed by table name.
func (e *Engine) Commit(ctx context.Context, repo domain.RepoKey, graph *imagegraph.Graph, tracker *changetracker.Tracker, schemas map[string]domain.SchemaSpec, opts Options) (domain.Image, error) {
	lock := e.locks.For(repo)
	lock.Lock()
	defer lock.Unlock()

	parentHash, err := graph.Head(ctx)
	if err != nil {
		return domain.Image{}, fmt.Errorf("resolve HEAD: %w", err)
	}

	if opts.RejectEmpty && !tracker.Pending() {
		return domain.Image{}, &domain.NoPendingChangesError{Repository: repo.String()}
	}

	tracked := tracker.TrackedTables()
	newTables := make(map[string]domain.TablePointer, len(tracked))

	for _, table := range tracked {
		var missing *domain.MissingImageError
		oldChain, chainErr := e.objects.ResolveChain(ctx, parentHash, table)
		isNewTable := errors.As(chainErr, &missing)
		if chainErr != nil && !isNewTable {
			return domain.Image{}, fmt.Errorf("resolve prior chain for %s: %w", table, chainErr)
		}

		records, _, _, _ := tracker.Changeset(table, false)
		if len(records) == 0 && !isNewTable {
			// Step 2: no changes, reuse parent's pointer verbatim.
			newTables[table] = oldChain
			continue
		}

		schema, ok := schemas[table]
		if !ok {
			return domain.Image{}, fmt.Errorf("commit: no schema registered for table %s", table)
		}

		if isNewTable {
			// table has no pointer in the parent image at all: seed the
			// chain with an empty base snapshot so it still starts
			// snapshot-first (I2), then append the coalesced changeset
			// (necessarily all inserts) as the chain's first diff.
			pkNames := make([]string, 0, len(schema.PKColumns()))
			for _, c := range schema.PKColumns() {
				pkNames = append(pkNames, c.Name)
			}
			baseID, snapErr := e.store.PutSnapshot(ctx, schema, nil, pkNames)
			if snapErr != nil {
				return domain.Image{}, snapErr
			}
			e.objects.RegisterObject(domain.ObjectMeta{ID: baseID, Kind: domain.ObjectSnapshot, Schema: schema})
			oldChain = domain.TablePointer{baseID}
		}
		if len(records) == 0 {
			newTables[table] = oldChain
			continue
		}

		diffID, putErr := e.store.PutDiff(ctx, schema, records)
		if putErr != nil {
			return domain.Image{}, putErr
		}
		e.objects.RegisterObject(domain.ObjectMeta{ID: diffID, Kind: domain.ObjectDiff, Schema: schema})

		newChain := oldChain.Clone()
		newChain = append(newChain, diffID)
		newTables[table] = newChain
	}

	createdAt := e.now()
	newHash := imagegraph.ComputeImageHash(parentHash, newTables, createdAt, opts.Comment)

	img := domain.Image{
		Hash:      newHash,
		Parent:    parentHash,
		Tables:    newTables,
		CreatedAt: createdAt,
		Comment:   opts.Comment,
	}

	if err := graph.PutImage(ctx, img); err != nil {
		return domain.Image{}, fmt.Errorf("persist image: %w", err)
	}
	for table, chain := range newTables {
		e.objects.SetTablePointer(newHash, table, chain)
	}
	if err := graph.SetHead(ctx, newHash); err != nil {
		return domain.Image{}, fmt.Errorf("advance HEAD: %w", err)
	}
	if err := graph.SetLatest(ctx, newHash); err != nil {
		return domain.Image{}, fmt.Errorf("advance latest: %w", err)
	}

	tracker.Discard("")
	return img, nil
}
