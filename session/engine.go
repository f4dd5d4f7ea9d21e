// Package session wires the seven core components into one process-wide
// handle and hands out thin, explicit per-call contexts over it — the
// re-architecture spec.md §9's Design Note calls for in place of the
// source's process-wide "current engine" with a scoped override.
package session

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/tablevc/tablevc/changetracker"
	"github.com/tablevc/tablevc/checkout"
	"github.com/tablevc/tablevc/commit"
	"github.com/tablevc/tablevc/concurrency"
	"github.com/tablevc/tablevc/config"
	"github.com/tablevc/tablevc/domain"
	"github.com/tablevc/tablevc/imagegraph"
	"github.com/tablevc/tablevc/metastore"
	"github.com/tablevc/tablevc/objectmanager"
	"github.com/tablevc/tablevc/objstore"
	"github.com/tablevc/tablevc/query"
	"github.com/tablevc/tablevc/relengine"
)

// Engine is the process-wide handle: one of everything, shared by every
// Session. There is exactly one Engine per process; Session is the
// per-call/per-connection value that narrows it to one repository.
type Engine struct {
	Config *config.Config

	Rel     *relengine.Engine
	Meta    *metastore.Store
	Objects *objstore.Store
	Manager *objectmanager.Manager

	Commits   *commit.Engine
	Checkouts *checkout.Engine
	Queries   *query.Engine

	locks *concurrency.LockMap
	busy  *concurrency.BusyMap
}

// Open connects every concrete adapter named in SPEC_FULL.md's domain
// stack: the relational engine over its configured dialect, the object
// store over Badger, and the meta-store over GORM/Postgres, then migrates
// the meta-schema and rebuilds the object manager's in-memory registry
// from it — the same "reload catalog state at startup" sequence the
// teacher's resource manager follows for registered datasources.
func Open(ctx context.Context, cfg *config.Config) (*Engine, error) {
	dialect, err := relengine.Registry(cfg.Engine)
	if err != nil {
		return nil, fmt.Errorf("session: resolve dialect: %w", err)
	}
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		cfg.EngineHost, cfg.EnginePort, cfg.EngineUser, cfg.EnginePwd, cfg.EngineDBName)
	rel, err := relengine.Open(ctx, dialect, dsn)
	if err != nil {
		return nil, fmt.Errorf("session: open relational engine: %w", err)
	}

	gormDB, err := gorm.Open(postgres.New(postgres.Config{DSN: dsn}), &gorm.Config{})
	if err != nil {
		rel.Close()
		return nil, fmt.Errorf("session: open metastore: %w", err)
	}
	meta := metastore.Open(gormDB)
	if err := meta.Migrate(ctx); err != nil {
		rel.Close()
		return nil, fmt.Errorf("session: migrate metastore: %w", err)
	}

	objects, err := objstore.Open(objstore.Config{DataDir: cfg.EngineObjectPath})
	if err != nil {
		rel.Close()
		return nil, fmt.Errorf("session: open object store: %w", err)
	}

	manager, err := meta.LoadObjectManager(ctx)
	if err != nil {
		objects.Close()
		rel.Close()
		return nil, fmt.Errorf("session: load object manager: %w", err)
	}

	return NewEngine(cfg, rel, meta, objects, manager), nil
}

// NewEngine assembles an Engine from already-constructed adapters,
// bypassing Open's Postgres-specific dial logic. Tests and alternate
// deployments (e.g. a single-process sqlite-backed instance) use this to
// wire the same Engine over a different Dialect/gorm driver pair.
func NewEngine(cfg *config.Config, rel *relengine.Engine, meta *metastore.Store, objects *objstore.Store, manager *objectmanager.Manager) *Engine {
	locks := concurrency.NewLockMap()
	busy := concurrency.NewBusyMap()
	return &Engine{
		Config:    cfg,
		Rel:       rel,
		Meta:      meta,
		Objects:   objects,
		Manager:   manager,
		Commits:   commit.New(objects, manager, locks, time.Now),
		Checkouts: checkout.New(rel, objects, manager, busy),
		Queries:   query.New(objects),
		locks:     locks,
		busy:      busy,
	}
}

// Close releases the connections Open acquired.
func (e *Engine) Close() error {
	e.Objects.Close()
	return e.Rel.Close()
}

// Graph returns an ImageGraph handle positioned at one repository,
// backed by the shared MetaStore.
func (e *Engine) Graph(repo domain.RepoKey) *imagegraph.Graph {
	return imagegraph.New(e.Meta, repo)
}

// TrackerFor returns the ChangeTracker backing one working schema — the
// same instance Rel.Sink feeds, so CommitEngine/CheckoutEngine (which take
// a *changetracker.Tracker directly) and the domain.RelationalEngine
// change-tracking façade always agree on one schema's pending changeset.
func (e *Engine) TrackerFor(workingSchema string) *changetracker.Tracker {
	return e.Rel.Tracker(workingSchema)
}
