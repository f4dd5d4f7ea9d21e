package query

import (
	"context"
	"sync"

	"github.com/tablevc/tablevc/domain"
)

// Cursor streams the rows produced by Select, implementing
// domain.RowStream. It is lazy in the sense that Next only ever returns
// what Select already staged; the "drop T and roll back" step in spec.md
// §4.6 Step E corresponds to release, which both a normal exhaustion and
// an explicit Close trigger exactly once. A Cursor is not restartable:
// once exhausted or closed, further Next calls return (nil, nil).
type Cursor struct {
	mu       sync.Mutex
	rows     []domain.Row
	pos      int
	released bool
	release  func()
}

// NewCursor wraps a pre-staged row set. release is called exactly once,
// on the first exhaustion or Close, whichever comes first; it is the hook
// a caller uses to free any resource backing the staging set (e.g. an
// actual temp table in a future non-in-memory backend).
func NewCursor(rows []domain.Row, release func()) *Cursor {
	return &Cursor{rows: rows, release: release}
}

// Next returns the next row, or (nil, nil) once the cursor is exhausted.
func (c *Cursor) Next(ctx context.Context) (domain.Row, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.released {
		return nil, nil
	}
	if ctx.Err() != nil {
		c.releaseLocked()
		return nil, ctx.Err()
	}
	if c.pos >= len(c.rows) {
		c.releaseLocked()
		return nil, nil
	}
	row := c.rows[c.pos]
	c.pos++
	if c.pos >= len(c.rows) {
		c.releaseLocked()
	}
	return row, nil
}

// Close releases the cursor's backing resources early, e.g. on caller
// cancellation (spec.md §5).
func (c *Cursor) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releaseLocked()
	return nil
}

func (c *Cursor) releaseLocked() {
	if c.released {
		return
	}
	c.released = true
	if c.release != nil {
		c.release()
	}
}

var _ domain.RowStream = (*Cursor)(nil)
