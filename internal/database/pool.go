package database

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Options configure a connection pool.
type Options struct {
	Driver string // "sqlite"
	Path   string
	// MaxBatchChanges bounds uncommitted statements in an open batch
	// transaction; zero means DefaultMaxBatchChanges.
	MaxBatchChanges int
	// ConnectRetries is the number of immediate reconnect attempts at
	// open time. Connection failure is never retried later.
	ConnectRetries int
}

// Pool owns the shared catalog connection and hands out reference
// counted handles. Dedicated connections (batch mode, console
// isolation) are opened fresh and closed on Put.
type Pool struct {
	opts Options

	mu     sync.Mutex
	shared *Conn
	refs   int
	closed bool
}

// workerSeq is process-wide so worker ids stay unique even across
// pools; lock ownership on a shared connection depends on no two live
// workers carrying the same id.
var workerSeq atomic.Int64

// NextWorker allocates a worker id for lock ownership. Each logical
// job thread takes one.
func NextWorker() int64 { return workerSeq.Add(1) }

// Open connects to the catalog, verifies the schema generation, and
// returns a pool. Schema mismatch is fatal and non-retryable.
func Open(opts Options) (*Pool, error) {
	eng, err := openEngine(opts)
	if err != nil {
		return nil, err
	}
	if err := eng.CheckSchema(); err != nil {
		eng.Close()
		return nil, fmt.Errorf("catalog schema check failed: %w", err)
	}
	return &Pool{
		opts:   opts,
		shared: newConn(eng, false, opts.MaxBatchChanges),
	}, nil
}

func openEngine(opts Options) (Engine, error) {
	if opts.Driver != "sqlite" {
		return nil, fmt.Errorf("unknown catalog driver: %s", opts.Driver)
	}
	retries := opts.ConnectRetries
	if retries < 1 {
		retries = 3
	}
	var lastErr error
	for i := 0; i < retries; i++ {
		eng, err := NewSQLiteEngine(opts.Path)
		if err == nil {
			return eng, nil
		}
		lastErr = err
		time.Sleep(100 * time.Millisecond)
	}
	return nil, fmt.Errorf("opening catalog after %d attempts: %w", retries, lastErr)
}

// NewWorker allocates a worker id for lock ownership.
func (p *Pool) NewWorker() int64 { return NextWorker() }

// Get returns a reference-counted handle to the shared connection.
func (p *Pool) Get() (*Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, fmt.Errorf("connection pool is closed")
	}
	p.refs++
	return p.shared, nil
}

// GetDedicated opens a brand-new physical connection. The caller owns
// it exclusively until Put.
func (p *Pool) GetDedicated(ctx context.Context) (*Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("connection pool is closed")
	}
	eng := p.shared.Engine()
	p.mu.Unlock()

	clone, err := eng.Clone(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening dedicated connection: %w", err)
	}
	return newConn(clone, true, p.opts.MaxBatchChanges), nil
}

// Put releases a handle obtained from Get or GetDedicated. Dedicated
// connections are closed; shared references are just counted down.
func (p *Pool) Put(c *Conn) error {
	if c == nil {
		return nil
	}
	if c.Dedicated() {
		return c.Engine().Close()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.refs > 0 {
		p.refs--
	}
	return nil
}

// Close shuts the pool down. Outstanding shared references become
// invalid; the caller is responsible for quiescing jobs first.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.shared.Engine().Close()
}
