package catalog

import (
	"context"
	"fmt"
	"strings"

	"tapecat/internal/database"
)

// BatchConfig tunes the batch attribute pipeline. Explicit
// configuration, not process-wide state: each job's pipeline gets its
// own copy.
type BatchConfig struct {
	Enabled bool
	// FlushThreshold bounds staged rows before a mid-job flush.
	FlushThreshold int
	// InsertChunk is the number of staged rows coalesced into one
	// INSERT statement.
	InsertChunk int
}

// DefaultFlushThreshold bounds staging growth during attribute-heavy
// jobs.
const DefaultFlushThreshold = 500000

const defaultInsertChunk = 500

type batchState int

const (
	batchIdle batchState = iota
	batchStarted
	batchAccumulating
	batchFlushing
)

// AttributeBatch is the high-throughput ingestion path for file
// attributes during backup. Rows accumulate in a staging table on a
// dedicated connection; flushing materializes Path, Filename and File
// records with a handful of set-based statements and at most one
// exclusive-lock window per name table, instead of one lock per file.
//
// Any failure during a flush is fatal to the job: it cannot be
// considered backed up without its attribute records.
type AttributeBatch struct {
	cfg    BatchConfig
	pool   *database.Pool
	sink   MsgSink
	jobID  int64
	state  batchState
	conn   *database.Conn
	worker int64
	staged int
	buf    []FileAttributes
}

// NewAttributeBatch prepares a pipeline for one job. No connection is
// opened until the first row arrives.
func NewAttributeBatch(pool *database.Pool, sink MsgSink, jobID int64, cfg BatchConfig) *AttributeBatch {
	if cfg.FlushThreshold <= 0 {
		cfg.FlushThreshold = DefaultFlushThreshold
	}
	if cfg.InsertChunk <= 0 {
		cfg.InsertChunk = defaultInsertChunk
	}
	if sink == nil {
		sink = NopSink{}
	}
	return &AttributeBatch{cfg: cfg, pool: pool, sink: sink, jobID: jobID}
}

// Available reports whether batch mode can be used on this engine.
func (b *AttributeBatch) Available(eng database.Engine) bool {
	return b.cfg.Enabled && eng.BatchInsertSupported()
}

func (b *AttributeBatch) op(name string) database.Op {
	return database.Op{Name: name, Worker: b.worker}
}

// start opens the dedicated connection and the staging area. The
// staging table is temporary: scoped to this connection, dropped with
// it, so concurrent jobs cannot collide and a crashed job leaves
// nothing behind.
func (b *AttributeBatch) start(ctx context.Context) error {
	conn, err := b.pool.GetDedicated(ctx)
	if err != nil {
		return fmt.Errorf("starting batch pipeline: %w", err)
	}
	b.conn = conn
	b.worker = b.pool.NewWorker()

	ddl := "CREATE TEMPORARY TABLE batch (" +
		"FileIndex INTEGER, JobId INTEGER, Path TEXT, Name TEXT, " +
		"LStat TEXT, MD5 TEXT, DeltaSeq INTEGER)"
	if err := b.conn.Exec(ctx, b.op("BatchStart"), ddl); err != nil {
		b.pool.Put(b.conn)
		b.conn = nil
		return fmt.Errorf("creating batch staging table: %w", err)
	}
	if err := b.conn.BeginBatch(ctx, b.op("BatchStart")); err != nil {
		b.dropStaging(ctx)
		return fmt.Errorf("opening batch transaction: %w", err)
	}
	b.state = batchStarted
	return nil
}

// Add stages one file-attribute row. Cancellation is checked before
// every row; an exceeded threshold triggers a mid-job flush.
func (b *AttributeBatch) Add(ctx context.Context, attr FileAttributes) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.state == batchIdle {
		if err := b.start(ctx); err != nil {
			return err
		}
	}
	b.state = batchAccumulating
	b.buf = append(b.buf, attr)
	b.staged++
	if len(b.buf) >= b.cfg.InsertChunk {
		if err := b.sendBuffered(ctx); err != nil {
			return err
		}
	}
	if b.staged >= b.cfg.FlushThreshold {
		return b.Flush(ctx)
	}
	return nil
}

// sendBuffered coalesces buffered rows into one multi-row INSERT. Row
// order within staging is not semantically meaningful; the final join
// re-derives order from (JobId, FileIndex).
func (b *AttributeBatch) sendBuffered(ctx context.Context) error {
	if len(b.buf) == 0 {
		return nil
	}
	eng := b.conn.Engine()
	var sb strings.Builder
	sb.WriteString("INSERT INTO batch (FileIndex,JobId,Path,Name,LStat,MD5,DeltaSeq) VALUES ")
	for i, a := range b.buf {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "(%d,%d,'%s','%s','%s','%s',%d)",
			a.FileIndex, a.JobID, eng.EscapeText(a.Path), eng.EscapeText(a.Name),
			eng.EscapeText(a.LStat), eng.EscapeText(a.MD5), a.DeltaSeq)
	}
	b.buf = b.buf[:0]
	if err := b.conn.Exec(ctx, b.op("BatchInsert"), sb.String()); err != nil {
		return fmt.Errorf("staging attribute rows: %w", err)
	}
	return nil
}

// Flush materializes all staged rows into Path, Filename and File.
// Steps: close the pending insert stream, fill Path under a short
// exclusive lock, fill Filename likewise, then one set-based join
// insert into File, then clear the staging area. Called at end of job
// and when the row threshold is exceeded mid-job.
func (b *AttributeBatch) Flush(ctx context.Context) error {
	if b.state == batchIdle {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b.state = batchFlushing

	err := b.flush(ctx)
	if err != nil {
		b.sink.Fatalf("batch attribute flush failed for job %d: %v", b.jobID, err)
		// Best-effort cleanup so a retry starts clean.
		b.dropStaging(ctx)
		b.state = batchIdle
		return err
	}
	// Staging table is kept (emptied) for further accumulation.
	b.staged = 0
	b.state = batchStarted
	return nil
}

func (b *AttributeBatch) flush(ctx context.Context) error {
	if err := b.sendBuffered(ctx); err != nil {
		return err
	}
	if err := b.conn.EndBatch(ctx, b.op("BatchFlush")); err != nil {
		return fmt.Errorf("committing staged rows: %w", err)
	}

	eng := b.conn.Engine()

	// Concurrent jobs can race to insert the same Path/Filename; the
	// exclusive window covers only the fill, not the whole flush.
	fill := func(stmt string) error {
		if err := eng.LockExclusive(ctx); err != nil {
			return fmt.Errorf("locking for fill: %w", err)
		}
		if err := b.conn.Exec(ctx, b.op("BatchFill"), stmt); err != nil {
			eng.Unlock(ctx)
			return err
		}
		if err := eng.Unlock(ctx); err != nil {
			return fmt.Errorf("unlocking after fill: %w", err)
		}
		return nil
	}

	if err := fill(
		"INSERT INTO Path (Path) SELECT DISTINCT Path FROM batch " +
			"WHERE NOT EXISTS (SELECT 1 FROM Path p WHERE p.Path=batch.Path)"); err != nil {
		return fmt.Errorf("filling Path: %w", err)
	}
	if err := fill(
		"INSERT INTO Filename (Name) SELECT DISTINCT Name FROM batch " +
			"WHERE NOT EXISTS (SELECT 1 FROM Filename f WHERE f.Name=batch.Name)"); err != nil {
		return fmt.Errorf("filling Filename: %w", err)
	}

	join := "INSERT INTO File (FileIndex,JobId,PathId,FilenameId,DeltaSeq,MarkId,LStat,MD5) " +
		"SELECT b.FileIndex,b.JobId,Path.PathId,Filename.FilenameId,b.DeltaSeq,0,b.LStat,b.MD5 " +
		"FROM batch b " +
		"JOIN Path ON Path.Path=b.Path " +
		"JOIN Filename ON Filename.Name=b.Name " +
		"ORDER BY b.JobId,b.FileIndex"
	if err := b.conn.Exec(ctx, b.op("BatchJoinInsert"), join); err != nil {
		return fmt.Errorf("materializing File rows: %w", err)
	}

	if err := b.conn.Exec(ctx, b.op("BatchClear"), "DELETE FROM batch"); err != nil {
		return fmt.Errorf("clearing staging area: %w", err)
	}
	if err := b.conn.BeginBatch(ctx, b.op("BatchReopen")); err != nil {
		return fmt.Errorf("reopening batch transaction: %w", err)
	}
	return nil
}

// dropStaging tears the staging area down, ignoring errors.
func (b *AttributeBatch) dropStaging(ctx context.Context) {
	if b.conn == nil {
		return
	}
	b.conn.EndBatch(ctx, b.op("BatchDrop"))
	b.conn.Exec(ctx, b.op("BatchDrop"), "DROP TABLE IF EXISTS batch")
	b.pool.Put(b.conn)
	b.conn = nil
	b.buf = nil
}

// Close flushes remaining rows and releases the dedicated connection.
func (b *AttributeBatch) Close(ctx context.Context) error {
	if b.state == batchIdle {
		return nil
	}
	err := b.Flush(ctx)
	b.dropStaging(ctx)
	b.state = batchIdle
	return err
}
