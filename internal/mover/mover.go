// Package mover orchestrates migration and copy jobs: selecting source
// jobs from a pool, spawning bounded control jobs that replicate data
// through a storage session, and reconciling the catalog afterwards so
// exactly one job record owns each piece of data.
package mover

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"tapecat/internal/catalog"
	"tapecat/internal/database"
	"tapecat/internal/model"
)

// ReplicationStats is what a storage session reports after moving one
// job's data.
type ReplicationStats struct {
	Bytes  int64
	Files  int64
	Errors int64
}

// Session is one open storage-daemon conversation. Replicate reads the
// source job's data and writes it to a volume of the destination pool;
// the catalog side of the move is the mover's job, not the session's.
type Session interface {
	Replicate(ctx context.Context, srcJobID int64, destPool *model.Pool) (ReplicationStats, error)
	Close() error
}

// SessionDialer opens sessions to a named storage.
type SessionDialer interface {
	Dial(ctx context.Context, storageName string) (Session, error)
}

// Config bounds a mover run.
type Config struct {
	// MaxConcurrent caps simultaneously running control jobs; 0 means 1.
	MaxConcurrent int
	// StorageName is the storage the sessions dial.
	StorageName string
}

// ControlState tracks one control job through its life.
type ControlState int

const (
	StateInit ControlState = iota
	StateRunning
	StateReconciling
	StateTerminated
	StateErrored
	StateCanceled
)

func (s ControlState) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateRunning:
		return "running"
	case StateReconciling:
		return "reconciling"
	case StateTerminated:
		return "terminated"
	case StateErrored:
		return "errored"
	case StateCanceled:
		return "canceled"
	}
	return "unknown"
}

// ControlResult reports one control job's outcome.
type ControlResult struct {
	SourceJobID int64
	NewJobID    int64
	State       ControlState
	Stats       ReplicationStats
	Err         error
}

// RunRequest describes one mover invocation.
type RunRequest struct {
	// Type is JobTypeMigrate or JobTypeCopy.
	Type       model.JobType
	SourcePool string
	Criteria   SelectionCriteria
}

// Mover runs migration and copy batches over one catalog connection.
type Mover struct {
	cat    *catalog.Catalog
	sink   catalog.MsgSink
	dialer SessionDialer
	clock  catalog.Clock
	cfg    Config
}

// New creates a mover.
func New(cat *catalog.Catalog, dialer SessionDialer, cfg Config) *Mover {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	return &Mover{
		cat:    cat,
		sink:   cat.Sink(),
		dialer: dialer,
		clock:  catalog.RealClock{},
		cfg:    cfg,
	}
}

// WithClock overrides the time source. Tests only.
func (m *Mover) WithClock(clock catalog.Clock) *Mover {
	m.clock = clock
	return m
}

// Run selects source jobs per the request and replicates each through
// its own control job, at most MaxConcurrent at a time. The returned
// slice has one entry per source job, in selection order. A failed
// control job never disturbs its source: the worst outcome of a failed
// run is an extra errored job record.
func (m *Mover) Run(ctx context.Context, req RunRequest) ([]ControlResult, error) {
	if req.Type != model.JobTypeMigrate && req.Type != model.JobTypeCopy {
		return nil, fmt.Errorf("mover: unsupported job type %q", req.Type)
	}

	// Destination resolution happens before any data moves: a source
	// pool without a Next Pool is a configuration error, not a per-job
	// failure.
	srcPool, err := m.cat.GetPoolByName(ctx, req.SourcePool)
	if err != nil {
		return nil, fmt.Errorf("mover: source pool %q: %w", req.SourcePool, err)
	}
	if srcPool.NextPoolID == 0 {
		return nil, fmt.Errorf("mover: pool %q has no next pool configured", srcPool.Name)
	}
	destPool, err := m.cat.GetPoolRecord(ctx, srcPool.NextPoolID)
	if err != nil {
		return nil, fmt.Errorf("mover: next pool of %q: %w", srcPool.Name, err)
	}
	if destPool.PoolID == srcPool.PoolID {
		return nil, fmt.Errorf("mover: pool %q is its own next pool", srcPool.Name)
	}

	sources, err := m.selectJobIDs(ctx, srcPool, req.Criteria)
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		m.sink.Infof("mover: no jobs selected from pool %q", srcPool.Name)
		return nil, nil
	}
	m.sink.Infof("mover: %d jobs selected from pool %q into %q",
		len(sources), srcPool.Name, destPool.Name)

	results := make([]ControlResult, len(sources))
	sem := make(chan struct{}, m.cfg.MaxConcurrent)
	var wg sync.WaitGroup
	for i, src := range sources {
		wg.Add(1)
		sem <- struct{}{}
		// Each control job is its own logical worker: sharing the
		// mover's worker id would let concurrent goroutines satisfy the
		// connection lock's reentrancy check for each other.
		cat := catalog.New(m.cat.Conn(), database.NextWorker(), m.sink).WithClock(m.clock)
		go func(i int, src int64, cat *catalog.Catalog) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = m.runControlJob(ctx, cat, req.Type, src, destPool)
		}(i, src, cat)
	}
	wg.Wait()
	return results, nil
}

// runControlJob moves one source job and reconciles the catalog. cat
// belongs to this control job alone.
func (m *Mover) runControlJob(ctx context.Context, cat *catalog.Catalog, jobType model.JobType, srcJobID int64, destPool *model.Pool) ControlResult {
	res := ControlResult{SourceJobID: srcJobID, State: StateInit}

	src, err := cat.GetJobRecord(ctx, srcJobID)
	if err != nil {
		return m.failed(cat, res, 0, fmt.Errorf("loading source job %d: %w", srcJobID, err))
	}

	ctl := &model.Job{
		Job:        fmt.Sprintf("%s.%s.%d.%s", src.Name, jobType, srcJobID, uuid.New().String()[:8]),
		Name:       src.Name,
		Type:       jobType,
		Level:      src.Level,
		Status:     model.JobStatusCreated,
		ClientID:   src.ClientID,
		PoolID:     destPool.PoolID,
		FileSetID:  src.FileSetID,
		SchedTime:  m.clock.Now(),
		PriorJobID: srcJobID,
	}
	if err := cat.CreateJobRecord(ctx, ctl); err != nil {
		return m.failed(cat, res, 0, fmt.Errorf("creating control job: %w", err))
	}
	res.NewJobID = ctl.JobID

	ctl.StartTime = m.clock.Now()
	ctl.Status = model.JobStatusRunning
	if err := cat.UpdateJobStart(ctx, ctl); err != nil {
		return m.failed(cat, res, ctl.JobID, err)
	}
	res.State = StateRunning

	sess, err := m.dialer.Dial(ctx, m.cfg.StorageName)
	if err != nil {
		return m.failed(cat, res, ctl.JobID, fmt.Errorf("dialing storage %q: %w", m.cfg.StorageName, err))
	}
	stats, repErr := sess.Replicate(ctx, srcJobID, destPool)
	sess.Close()
	res.Stats = stats
	if repErr != nil {
		if ctx.Err() != nil {
			res.State = StateCanceled
			m.finishJob(ctx, cat, ctl, stats, model.JobStatusCanceled)
			res.Err = repErr
			return res
		}
		return m.failed(cat, res, ctl.JobID, fmt.Errorf("replicating job %d: %w", srcJobID, repErr))
	}

	res.State = StateReconciling
	if err := m.reconcile(ctx, cat, jobType, src, ctl, stats); err != nil {
		return m.failed(cat, res, ctl.JobID, fmt.Errorf("reconciling job %d: %w", srcJobID, err))
	}
	res.State = StateTerminated
	return res
}

// reconcile is the catalog commit of a successful move. Data ownership
// changes here and only here.
//
// Migration: the new job inherits the file history and the source is
// demoted to type M, keeping it visible for audit but excluding it from
// chains and future selection.
//
// Copy: the source remains the authoritative job; the new job becomes a
// completed copy (type C) carrying duplicated file history, the source
// job's log and its restore objects.
func (m *Mover) reconcile(ctx context.Context, cat *catalog.Catalog, jobType model.JobType, src, ctl *model.Job, stats ReplicationStats) error {
	if err := m.copyFileRows(ctx, cat, src.JobID, ctl.JobID); err != nil {
		return err
	}

	switch jobType {
	case model.JobTypeMigrate:
		if err := cat.MarkJobMigrated(ctx, src.JobID); err != nil {
			return err
		}
		if err := cat.SetJobType(ctx, ctl.JobID, model.JobTypeBackup); err != nil {
			return err
		}
	case model.JobTypeCopy:
		if err := cat.CopyJobLog(ctx, src.JobID, ctl.JobID); err != nil {
			return err
		}
		if err := cat.CopyRestoreObjects(ctx, src.JobID, ctl.JobID); err != nil {
			return err
		}
		if err := cat.SetJobType(ctx, ctl.JobID, model.JobTypeJobCopy); err != nil {
			return err
		}
	}
	return m.finishJob(ctx, cat, ctl, stats, model.JobStatusTerminated)
}

// copyFileRows duplicates the source job's file history under the new
// JobId. Set-based: one statement regardless of job size.
func (m *Mover) copyFileRows(ctx context.Context, cat *catalog.Catalog, fromJobID, toJobID int64) error {
	query := fmt.Sprintf(
		"INSERT INTO File (FileIndex,JobId,PathId,FilenameId,DeltaSeq,MarkId,LStat,MD5) "+
			"SELECT FileIndex,%d,PathId,FilenameId,DeltaSeq,MarkId,LStat,MD5 "+
			"FROM File WHERE JobId=%d",
		toJobID, fromJobID)
	op := database.Op{Name: "CopyFileRows", Worker: cat.Worker()}
	if err := cat.Conn().Exec(ctx, op, query); err != nil {
		return fmt.Errorf("duplicating file history: %w", err)
	}
	return nil
}

func (m *Mover) finishJob(ctx context.Context, cat *catalog.Catalog, ctl *model.Job, stats ReplicationStats, status model.JobStatus) error {
	ctl.EndTime = m.clock.Now()
	ctl.RealEndTime = ctl.EndTime
	ctl.Status = status
	ctl.JobFiles = stats.Files
	ctl.JobBytes = stats.Bytes
	ctl.JobErrors = stats.Errors
	return cat.UpdateJobEnd(ctx, ctl)
}

// failed finalizes an errored control job. The source job is never
// touched on failure and the control job record is kept: a destructive
// rollback could lose the only evidence of a half-written volume.
func (m *Mover) failed(cat *catalog.Catalog, res ControlResult, ctlJobID int64, err error) ControlResult {
	res.State = StateErrored
	res.Err = err
	m.sink.Warningf("mover: job %d: %v", res.SourceJobID, err)
	if ctlJobID != 0 {
		if uerr := cat.UpdateJobStatus(context.Background(), ctlJobID, model.JobStatusError); uerr != nil {
			m.sink.Warningf("mover: marking control job %d errored: %v", ctlJobID, uerr)
		}
	}
	return res
}

func (m *Mover) op(name string) database.Op {
	return database.Op{Name: name, Worker: m.cat.Worker()}
}

func (m *Mover) quote(s string) string {
	return "'" + m.cat.Conn().Engine().EscapeText(s) + "'"
}
