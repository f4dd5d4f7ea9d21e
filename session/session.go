package session

import (
	"context"
	"fmt"
	"time"

	"github.com/tablevc/tablevc/changetracker"
	"github.com/tablevc/tablevc/checkout"
	"github.com/tablevc/tablevc/commit"
	"github.com/tablevc/tablevc/domain"
	"github.com/tablevc/tablevc/imagegraph"
	"github.com/tablevc/tablevc/query"
)

// Session is the thin {engine, current_repository} handle spec.md §9's
// Design Note calls for, replacing a process-wide "current engine" with a
// scoped override: every operation takes an explicit Session rather than
// reading ambient state. WorkingSchema is the relational engine schema
// this session's checked-out tables live in.
type Session struct {
	Engine        *Engine
	Repository    domain.RepoKey
	WorkingSchema string
}

// New returns a Session scoped to one repository's working schema. The
// ChangeTracker is keyed by working schema alone (Engine.TrackerFor), so
// every Session opened against the same working schema shares it,
// whatever its repository.
func New(engine *Engine, repo domain.RepoKey, workingSchema string) *Session {
	return &Session{Engine: engine, Repository: repo, WorkingSchema: workingSchema}
}

func (s *Session) graph() *imagegraph.Graph {
	return s.Engine.Graph(s.Repository)
}

func (s *Session) tracker() *changetracker.Tracker {
	return s.Engine.TrackerFor(s.WorkingSchema)
}

// Commit advances this session's repository HEAD by the tracker's pending
// changeset, per spec.md §4.4.
func (s *Session) Commit(ctx context.Context, schemas map[string]domain.SchemaSpec, opts commit.Options) (domain.Image, error) {
	return s.Engine.Commits.Commit(ctx, s.Repository, s.graph(), s.tracker(), schemas, opts)
}

// Checkout replaces this session's working schema with the state recorded
// by target, per spec.md §4.5.
func (s *Session) Checkout(ctx context.Context, target domain.ImageHash, force bool) error {
	opts := checkout.Options{WorkingSchema: s.WorkingSchema, Force: force}
	return s.Engine.Checkouts.Checkout(ctx, s.Repository, s.graph(), s.tracker(), target, opts)
}

// InitRepository creates the empty root image for a new repository: no
// tables, no parent, HEAD and latest both pointing at it.
func (s *Session) InitRepository(ctx context.Context) (domain.Image, error) {
	root := domain.Image{Tables: map[string]domain.TablePointer{}, CreatedAt: time.Now()}
	root.Hash = imagegraph.ComputeImageHash("", root.Tables, root.CreatedAt, root.Comment)
	g := s.graph()
	if err := g.PutImage(ctx, root); err != nil {
		return domain.Image{}, fmt.Errorf("session: init repository: %w", err)
	}
	if err := g.SetHead(ctx, root.Hash); err != nil {
		return domain.Image{}, err
	}
	if err := g.SetLatest(ctx, root.Hash); err != nil {
		return domain.Image{}, err
	}
	return root, nil
}

// ServeFDWRequest answers the foreign-data-wrapper boundary of spec.md §6:
// given a target image/table and the columns+quals an outer query needs,
// it resolves the table's object chain, runs the LayeredQueryEngine
// against it, and streams the result back through a query.Cursor. This is
// the one place every core component composes end to end: ImageGraph
// resolves the image, ObjectManager resolves the chain, FragmentStore
// supplies both the snapshot rows and the diff decoder, and
// LayeredQueryEngine does the actual work.
func (s *Session) ServeFDWRequest(ctx context.Context, req domain.FDWRequest) (domain.RowStream, error) {
	repo := domain.RepoKey{Namespace: req.Namespace, Repository: req.Repository}

	chain, err := s.Engine.Manager.ResolveChain(ctx, req.ImageHash, req.Table)
	if err != nil {
		chain, err = s.Engine.Meta.GetTableChain(ctx, repo, req.ImageHash, req.Table)
		if err != nil {
			return nil, err
		}
	}

	meta, err := s.Engine.Manager.ObjectMeta(chain.Snapshot())
	if err != nil {
		return nil, err
	}

	source := query.NewSnapshotSource(s.Engine.Objects, chain.Snapshot())
	rows, err := s.Engine.Queries.Select(ctx, meta.Schema, source, chain, req.Quals, req.Columns)
	if err != nil {
		return nil, err
	}
	return query.NewCursor(rows, func() {}), nil
}
