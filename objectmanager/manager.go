// Package objectmanager maintains the object metadata registry and
// table-pointer chains (spec.md §4.3), grounded on the teacher's
// map+sync.RWMutex registry idiom in pkg/resource/manager.go.
package objectmanager

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/tablevc/tablevc/domain"
)

// pointerKey identifies one table pointer: an image × table pair.
type pointerKey struct {
	image domain.ImageHash
	table string
}

// Manager implements spec.md §4.3: object metadata, reference-counted
// table pointers, GC, and staging object id generation.
type Manager struct {
	mu       sync.RWMutex
	objects  map[domain.ObjectID]*domain.ObjectMeta
	pointers map[pointerKey]domain.TablePointer
	refs     map[domain.ObjectID]int // reference count across all (image, table) pointers

	gcMu sync.Mutex // held for the duration of GC; blocks ResolveChain and Register
}

// New returns an empty Manager.
func New() *Manager {
	return &Manager{
		objects:  make(map[domain.ObjectID]*domain.ObjectMeta),
		pointers: make(map[pointerKey]domain.TablePointer),
		refs:     make(map[domain.ObjectID]int),
	}
}

// RegisterObject records metadata for a newly stored object. Registering
// an already-known id is a no-op (content addressing means it is the same
// object, per I1).
func (m *Manager) RegisterObject(meta domain.ObjectMeta) {
	m.gcMu.Lock()
	defer m.gcMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[meta.ID]; ok {
		return
	}
	metaCopy := meta
	m.objects[meta.ID] = &metaCopy
}

// ObjectMeta returns the recorded metadata for an object id.
func (m *Manager) ObjectMeta(id domain.ObjectID) (domain.ObjectMeta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	meta, ok := m.objects[id]
	if !ok {
		return domain.ObjectMeta{}, &domain.MissingObjectError{ObjectID: id}
	}
	return *meta, nil
}

// SetTablePointer installs the chain for (image, table), incrementing the
// reference count of every object newly referenced and decrementing any
// chain it replaces at the same key. Callers supply chains snapshot-first,
// per spec.md §4.3.
func (m *Manager) SetTablePointer(image domain.ImageHash, table string, chain domain.TablePointer) {
	m.gcMu.Lock()
	defer m.gcMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()

	key := pointerKey{image: image, table: table}
	if old, ok := m.pointers[key]; ok {
		for _, id := range old {
			m.refs[id]--
		}
	}
	m.pointers[key] = chain.Clone()
	for _, id := range chain {
		m.refs[id]++
	}
}

// ResolveChain returns a table's object chain at an image, snapshot-first
// in application order, regardless of how it was stored (spec.md §4.3:
// "the implementation may store the chain in either direction but must
// return snapshot-first").
func (m *Manager) ResolveChain(ctx context.Context, image domain.ImageHash, table string) (domain.TablePointer, error) {
	m.gcMu.Lock()
	defer m.gcMu.Unlock()
	m.mu.RLock()
	defer m.mu.RUnlock()

	chain, ok := m.pointers[pointerKey{image: image, table: table}]
	if !ok {
		return nil, &domain.MissingImageError{Hash: image}
	}
	return chain.Clone(), nil
}

// DeleteTablePointer removes the chain for (image, table), decrementing
// reference counts. Neither CommitEngine nor CheckoutEngine calls it;
// actual object deletion happens later, in GC.
func (m *Manager) DeleteTablePointer(image domain.ImageHash, table string) {
	m.gcMu.Lock()
	defer m.gcMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()

	key := pointerKey{image: image, table: table}
	chain, ok := m.pointers[key]
	if !ok {
		return
	}
	for _, id := range chain {
		m.refs[id]--
	}
	delete(m.pointers, key)
}

// Unreferenced returns the object ids with a reference count of zero or
// below — candidates for GC.
func (m *Manager) Unreferenced() []domain.ObjectID {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.ObjectID, 0)
	for id := range m.objects {
		if m.refs[id] <= 0 {
			out = append(out, id)
		}
	}
	return out
}

// Deleter is the subset of objstore.Store used by GC to remove bytes.
type Deleter interface {
	Delete(ctx context.Context, ids []domain.ObjectID) error
}

// GC deletes every currently-unreferenced object, holding a lock that
// blocks ResolveChain/RegisterObject/SetTablePointer for its duration
// (spec.md §4.3, §5: "must be safe under concurrent readers by acquiring
// a lock that blocks chain resolution during deletion").
func (m *Manager) GC(ctx context.Context, store Deleter) (int, error) {
	m.gcMu.Lock()
	defer m.gcMu.Unlock()

	m.mu.Lock()
	victims := make([]domain.ObjectID, 0)
	for id := range m.objects {
		if m.refs[id] <= 0 {
			victims = append(victims, id)
		}
	}
	m.mu.Unlock()

	if len(victims) == 0 {
		return 0, nil
	}

	if err := store.Delete(ctx, victims); err != nil {
		return 0, fmt.Errorf("gc delete: %w", err)
	}

	m.mu.Lock()
	for _, id := range victims {
		delete(m.objects, id)
		delete(m.refs, id)
	}
	m.mu.Unlock()

	return len(victims), nil
}

// GetRandomObjectID produces a locally unique identifier for staging
// tables, distinct from any content address by construction: it carries
// the "stg_" prefix spec.md §6 reserves for non-content-addressed ids.
func GetRandomObjectID() domain.ObjectID {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return domain.ObjectID("stg_" + id)
}
