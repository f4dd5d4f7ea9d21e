// Package imagegraph implements spec.md §4.7: the per-repository commit
// DAG/forest, tags, HEAD, and ancestor iteration. Persistence is delegated
// to a Backend (implemented by the metastore package over GORM), matching
// the teacher's pattern of persisting catalog state rather than keeping
// it ambient/in-process only (see pkg/api/gorm in the teacher).
package imagegraph

import (
	"context"
	"fmt"
	"iter"
	"regexp"
	"time"

	"github.com/tablevc/tablevc/domain"
)

// reserved tag names per spec.md §6.
const (
	TagHEAD   = "HEAD"
	TagLatest = "latest"
)

var tagNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Backend is the persistence contract the ImageGraph needs: durable
// storage for images and tags, keyed by repository. The metastore package
// provides the concrete GORM-backed implementation.
type Backend interface {
	PutImage(ctx context.Context, repo domain.RepoKey, img domain.Image) error
	GetImage(ctx context.Context, repo domain.RepoKey, hash domain.ImageHash) (domain.Image, error)
	SetTag(ctx context.Context, repo domain.RepoKey, tag string, hash domain.ImageHash) error
	GetTag(ctx context.Context, repo domain.RepoKey, tag string) (domain.ImageHash, error)
}

// Graph is a handle onto one repository's image graph.
type Graph struct {
	backend Backend
	repo    domain.RepoKey
}

// New returns a Graph bound to one repository.
func New(backend Backend, repo domain.RepoKey) *Graph {
	return &Graph{backend: backend, repo: repo}
}

// ValidateTagName checks a tag name against the reserved-characters rule
// in spec.md §6. HEAD and latest are reserved for automatic management and
// may not be set directly by callers.
func ValidateTagName(name string) error {
	if name == TagHEAD || name == TagLatest {
		return &domain.InvalidReferenceError{Reference: name, Reason: "tag name is reserved"}
	}
	if !tagNamePattern.MatchString(name) {
		return &domain.InvalidReferenceError{Reference: name, Reason: "tag name must match [A-Za-z0-9_-]+"}
	}
	return nil
}

// Tag resolves a tag name to an image hash.
func (g *Graph) Tag(ctx context.Context, name string) (domain.ImageHash, error) {
	hash, err := g.backend.GetTag(ctx, g.repo, name)
	if err != nil {
		return "", &domain.MissingTagError{Tag: name}
	}
	return hash, nil
}

// SetTag points a (non-reserved) tag at an image.
func (g *Graph) SetTag(ctx context.Context, name string, hash domain.ImageHash) error {
	if err := ValidateTagName(name); err != nil {
		return err
	}
	return g.setTagUnchecked(ctx, name, hash)
}

func (g *Graph) setTagUnchecked(ctx context.Context, name string, hash domain.ImageHash) error {
	return g.backend.SetTag(ctx, g.repo, name, hash)
}

// Head returns the image currently checked out for this repository.
func (g *Graph) Head(ctx context.Context) (domain.ImageHash, error) {
	return g.Tag(ctx, TagHEAD)
}

// SetHead updates HEAD. Only CheckoutEngine and CommitEngine call this;
// it bypasses the reserved-name check other SetTag callers are subject to.
func (g *Graph) SetHead(ctx context.Context, hash domain.ImageHash) error {
	return g.setTagUnchecked(ctx, TagHEAD, hash)
}

// Latest returns the most recently created image in the repository.
func (g *Graph) Latest(ctx context.Context) (domain.ImageHash, error) {
	return g.Tag(ctx, TagLatest)
}

// SetLatest updates the reserved "latest" tag; called automatically by
// CommitEngine on every successful commit (spec.md §4.7).
func (g *Graph) SetLatest(ctx context.Context, hash domain.ImageHash) error {
	return g.setTagUnchecked(ctx, TagLatest, hash)
}

// PutImage persists a newly-created, immutable image node.
func (g *Graph) PutImage(ctx context.Context, img domain.Image) error {
	return g.backend.PutImage(ctx, g.repo, img)
}

// GetImage loads one image node by hash.
func (g *Graph) GetImage(ctx context.Context, hash domain.ImageHash) (domain.Image, error) {
	img, err := g.backend.GetImage(ctx, g.repo, hash)
	if err != nil {
		return domain.Image{}, &domain.MissingImageError{Hash: hash}
	}
	return img, nil
}

// Parent returns an image's parent hash, or the zero hash for a root image.
func (g *Graph) Parent(ctx context.Context, hash domain.ImageHash) (domain.ImageHash, error) {
	img, err := g.GetImage(ctx, hash)
	if err != nil {
		return "", err
	}
	return img.Parent, nil
}

// Ancestors returns a lazy, finite, non-restartable sequence of an image's
// ancestors in parent-to-root order, using Go's range-over-func iterator
// shape (spec.md §4.7 and Design Note in §9). Each call to Ancestors
// produces a fresh iterator; the iterator itself is exhausted after one
// traversal and must not be reused.
func (g *Graph) Ancestors(ctx context.Context, hash domain.ImageHash) iter.Seq2[domain.Image, error] {
	return func(yield func(domain.Image, error) bool) {
		current := hash
		for {
			img, err := g.GetImage(ctx, current)
			if err != nil {
				yield(domain.Image{}, err)
				return
			}
			if img.IsRoot() {
				return
			}
			parent, err := g.GetImage(ctx, img.Parent)
			if err != nil {
				yield(domain.Image{}, err)
				return
			}
			if !yield(parent, nil) {
				return
			}
			current = parent.Hash
		}
	}
}

// ComputeImageHash derives the content address of an image per spec.md
// §4.4: digest(parent_hash, sorted map of table_name -> table_pointer,
// timestamp, comment). It is exported here because both CommitEngine and
// tests need a single canonical definition.
func ComputeImageHash(parent domain.ImageHash, tables map[string]domain.TablePointer, createdAt time.Time, comment string) domain.ImageHash {
	return domain.ImageHash(hashImageContent(parent, tables, createdAt, comment))
}

func hashImageContent(parent domain.ImageHash, tables map[string]domain.TablePointer, createdAt time.Time, comment string) string {
	names := make([]string, 0, len(tables))
	for name := range tables {
		names = append(names, name)
	}
	sortStrings(names)

	h := newCanonicalHasher()
	fmt.Fprintf(h, "parent=%s\n", parent)
	fmt.Fprintf(h, "created_at=%d\n", createdAt.UnixNano())
	fmt.Fprintf(h, "comment=%s\n", comment)
	for _, name := range names {
		fmt.Fprintf(h, "table=%s chain=%v\n", name, tables[name])
	}
	return h.Sum()
}
