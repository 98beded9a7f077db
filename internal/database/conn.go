package database

import (
	"context"
	"fmt"
	"sync"
)

// Op identifies the logical operation and worker issuing a statement.
// It replaces the legacy source-location debug parameters on lock
// calls: diagnostics carry the operation name instead.
type Op struct {
	Name   string
	Worker int64
}

// Conn wraps one Engine with the serialization and transaction policy
// the catalog requires:
//
//   - a reentrant lock keyed by Op.Worker: nested acquisitions by the
//     same worker are counted, only the outermost release unlocks;
//   - explicit transaction batching, honored only on dedicated
//     connections, with a forced commit past a change threshold;
//   - a last-error slot per the execution engine contract.
//
// All catalog mutation paths acquire the lock internally; callers never
// interleave raw statements without holding it.
type Conn struct {
	eng       Engine
	dedicated bool

	mu     sync.Mutex
	cond   *sync.Cond
	holder int64 // worker currently holding the lock, 0 if free
	depth  int

	inBatch    bool
	changes    int
	maxChanges int

	errMu   sync.Mutex
	lastErr string
}

// DefaultMaxBatchChanges bounds uncommitted statements in an open
// batch transaction before a forced commit/reopen.
const DefaultMaxBatchChanges = 10000

func newConn(eng Engine, dedicated bool, maxChanges int) *Conn {
	if maxChanges <= 0 {
		maxChanges = DefaultMaxBatchChanges
	}
	c := &Conn{eng: eng, dedicated: dedicated, maxChanges: maxChanges}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Engine exposes the underlying binding for engine-specific operations
// (escaping, schema checks, archive). Statement execution should go
// through Conn so locking and error bookkeeping apply.
func (c *Conn) Engine() Engine { return c.eng }

// Dedicated reports whether this connection is private to one worker.
func (c *Conn) Dedicated() bool { return c.dedicated }

// Acquire takes the connection lock for op.Worker, counting reentrant
// acquisitions.
func (c *Conn) Acquire(op Op) {
	c.mu.Lock()
	for c.holder != 0 && c.holder != op.Worker {
		c.cond.Wait()
	}
	c.holder = op.Worker
	c.depth++
	c.mu.Unlock()
}

// Release drops one level of the lock; the outermost release unlocks.
func (c *Conn) Release(op Op) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.holder != op.Worker || c.depth == 0 {
		panic(fmt.Sprintf("connection lock released by worker %d during %q without holding it", op.Worker, op.Name))
	}
	c.depth--
	if c.depth == 0 {
		c.holder = 0
		c.cond.Broadcast()
	}
}

// Exec runs a statement under the connection lock. Failures are
// recorded in the last-error slot and returned; the caller decides
// fatal versus logged.
func (c *Conn) Exec(ctx context.Context, op Op, query string) error {
	c.Acquire(op)
	defer c.Release(op)
	if err := c.eng.Exec(ctx, query); err != nil {
		c.setError(op, err)
		return err
	}
	c.countChange(ctx)
	return nil
}

// Query streams rows to fn under the connection lock and returns the
// row count visited.
func (c *Conn) Query(ctx context.Context, op Op, query string, fn RowFunc) (int64, error) {
	c.Acquire(op)
	defer c.Release(op)
	n, err := c.eng.Query(ctx, query, fn)
	if err != nil {
		c.setError(op, err)
	}
	return n, err
}

// QueryRow fetches at most one row and reports whether one was found.
func (c *Conn) QueryRow(ctx context.Context, op Op, query string) ([]string, bool, error) {
	var out []string
	_, err := c.Query(ctx, op, query, func(cols []string) (bool, error) {
		out = append([]string(nil), cols...)
		return true, nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, out != nil, nil
}

// InsertReturningID runs an INSERT under the lock and returns the
// generated id.
func (c *Conn) InsertReturningID(ctx context.Context, op Op, query, table string) (int64, error) {
	c.Acquire(op)
	defer c.Release(op)
	id, err := c.eng.InsertReturningID(ctx, query, table)
	if err != nil {
		c.setError(op, err)
		return 0, err
	}
	c.countChange(ctx)
	return id, nil
}

// AffectedRows reports rows changed by the most recent Exec. On a
// shared connection the engine's slot may already belong to another
// worker's statement; callers that need the count of a specific
// statement use ExecCounting instead.
func (c *Conn) AffectedRows() int64 { return c.eng.AffectedRows() }

// ExecCounting runs a statement and returns the rows it changed, read
// inside the same lock window so no other worker's statement can
// overwrite the engine's affected-rows slot in between.
func (c *Conn) ExecCounting(ctx context.Context, op Op, query string) (int64, error) {
	c.Acquire(op)
	defer c.Release(op)
	if err := c.eng.Exec(ctx, query); err != nil {
		c.setError(op, err)
		return 0, err
	}
	n := c.eng.AffectedRows()
	c.countChange(ctx)
	return n, nil
}

// BeginBatch opens an explicit transaction. Only dedicated connections
// honor it: a connection shared by concurrent jobs must not hold an
// open transaction across calls, because doing so would block every
// other job on the connection.
func (c *Conn) BeginBatch(ctx context.Context, op Op) error {
	if !c.dedicated {
		return nil
	}
	c.Acquire(op)
	defer c.Release(op)
	if c.inBatch {
		return nil
	}
	if err := c.eng.Exec(ctx, "BEGIN"); err != nil {
		c.setError(op, err)
		return err
	}
	c.inBatch = true
	c.changes = 0
	return nil
}

// EndBatch commits an open transaction, if any.
func (c *Conn) EndBatch(ctx context.Context, op Op) error {
	if !c.dedicated {
		return nil
	}
	c.Acquire(op)
	defer c.Release(op)
	if !c.inBatch {
		return nil
	}
	c.inBatch = false
	c.changes = 0
	if err := c.eng.Exec(ctx, "COMMIT"); err != nil {
		c.setError(op, err)
		return err
	}
	return nil
}

// countChange tracks statements inside an open batch transaction and
// forcibly commits and reopens past the threshold, bounding lock and
// journal growth during attribute-heavy jobs. Called with the lock held.
func (c *Conn) countChange(ctx context.Context) {
	if !c.inBatch {
		return
	}
	c.changes++
	if c.changes < c.maxChanges {
		return
	}
	c.changes = 0
	if err := c.eng.Exec(ctx, "COMMIT"); err != nil {
		c.setError(Op{Name: "BatchCommit"}, err)
		c.inBatch = false
		return
	}
	if err := c.eng.Exec(ctx, "BEGIN"); err != nil {
		c.setError(Op{Name: "BatchReopen"}, err)
		c.inBatch = false
	}
}

func (c *Conn) setError(op Op, err error) {
	c.errMu.Lock()
	c.lastErr = fmt.Sprintf("%s: %v", op.Name, err)
	c.errMu.Unlock()
}

// LastError returns the most recent statement error text, with the
// originating operation name.
func (c *Conn) LastError() string {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.lastErr
}
