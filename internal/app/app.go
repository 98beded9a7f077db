// Package app is the application layer between the CLI and the catalog
// engines. It constructs all dependencies from config, exposes
// high-level operations keyed by operator-facing names, and manages the
// catalog connection lifecycle on Close.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"tapecat/internal/accurate"
	"tapecat/internal/archive"
	"tapecat/internal/catalog"
	"tapecat/internal/config"
	"tapecat/internal/database"
	"tapecat/internal/encryption"
	"tapecat/internal/media"
	"tapecat/internal/model"
	"tapecat/internal/mover"
	"tapecat/internal/prune"
	"tapecat/internal/scan"
	"tapecat/internal/vault"
)

// App wires one CLI invocation: a catalog worker with its engines, the
// archive service and the operation-scoped logger.
type App struct {
	cfg       *config.Config
	pool      *database.Pool
	conn      *database.Conn
	cat       *catalog.Catalog
	media     *media.Engine
	prune     *prune.Engine
	log       *slog.Logger
	logCloser io.Closer
}

// New creates a fully wired App from the given config. operation
// identifies the CLI command being run (e.g. "VolumePrune"). The caller
// must call Close when done.
func New(cfg *config.Config, operation string) (*App, error) {
	opID := fmt.Sprintf("%s.%s", operation, uuid.New().String()[:8])
	logger, logCloser, err := newLogger(cfg.LogDir, cfg.Log, opID)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}

	pool, err := database.Open(database.Options{
		Driver:          cfg.Database.Type,
		Path:            cfg.Database.Path(),
		MaxBatchChanges: cfg.Batch.MaxChanges,
		ConnectRetries:  cfg.Database.ConnectRetries,
	})
	if err != nil {
		logCloser.Close()
		return nil, fmt.Errorf("opening catalog: %w", err)
	}

	conn, err := pool.Get()
	if err != nil {
		pool.Close()
		logCloser.Close()
		return nil, err
	}

	cat := catalog.New(conn, pool.NewWorker(), &slogSink{l: logger})
	return &App{
		cfg:       cfg,
		pool:      pool,
		conn:      conn,
		cat:       cat,
		media:     media.NewEngine(cat),
		prune:     prune.NewEngine(cat),
		log:       logger,
		logCloser: logCloser,
	}, nil
}

// Catalog exposes the underlying record layer for commands that need
// raw access.
func (a *App) Catalog() *catalog.Catalog { return a.cat }

// ListVolumes streams volumes, optionally restricted to one pool.
func (a *App) ListVolumes(ctx context.Context, poolName string) ([]*model.Media, error) {
	filter := catalog.MediaFilter{}
	if poolName != "" {
		p, err := a.cat.GetPoolByName(ctx, poolName)
		if err != nil {
			return nil, fmt.Errorf("pool %q: %w", poolName, err)
		}
		filter.PoolID = p.PoolID
	}
	var out []*model.Media
	_, err := a.cat.ListMedia(ctx, filter, func(m *model.Media) (bool, error) {
		out = append(out, m)
		return false, nil
	})
	return out, err
}

// ListJobs returns the most recent jobs, newest first.
func (a *App) ListJobs(ctx context.Context, clientName string, limit int) ([]*model.Job, error) {
	filter := catalog.JobFilter{Limit: int64(limit)}
	if clientName != "" {
		c, err := a.cat.GetClientByName(ctx, clientName)
		if err != nil {
			return nil, fmt.Errorf("client %q: %w", clientName, err)
		}
		filter.ClientID = c.ClientID
	}
	var out []*model.Job
	_, err := a.cat.ListJobs(ctx, filter, func(j *model.Job) (bool, error) {
		out = append(out, j)
		return false, nil
	})
	return out, err
}

// PruneVolume applies retention to one volume. Returns whether it was
// purged.
func (a *App) PruneVolume(ctx context.Context, volumeName string) (bool, error) {
	m, err := a.cat.GetMediaByName(ctx, volumeName)
	if err != nil {
		return false, fmt.Errorf("volume %q: %w", volumeName, err)
	}
	return a.prune.PruneVolume(ctx, m)
}

// PurgeVolume forgets a volume's history. With delete set, the media
// row goes too.
func (a *App) PurgeVolume(ctx context.Context, volumeName string, delete bool) (prune.PurgeCounts, error) {
	m, err := a.cat.GetMediaByName(ctx, volumeName)
	if err != nil {
		return prune.PurgeCounts{}, fmt.Errorf("volume %q: %w", volumeName, err)
	}
	if delete {
		return a.prune.PurgeMediaRecord(ctx, m)
	}
	return a.prune.PurgeMedia(ctx, m)
}

// RecycleVolume marks a purged volume reusable.
func (a *App) RecycleVolume(ctx context.Context, volumeName string) error {
	m, err := a.cat.GetMediaByName(ctx, volumeName)
	if err != nil {
		return fmt.Errorf("volume %q: %w", volumeName, err)
	}
	if err := a.media.SetVolumeStatus(ctx, m, model.VolStatusRecycle); err != nil {
		return err
	}
	return a.media.RecycleVolume(ctx, m)
}

// NextVolume reports which volume a backup into the pool would write
// next, nil when a new volume must be labeled.
func (a *App) NextVolume(ctx context.Context, poolName, mediaType string, inChanger bool) (*model.Media, error) {
	p, err := a.cat.GetPoolByName(ctx, poolName)
	if err != nil {
		return nil, fmt.Errorf("pool %q: %w", poolName, err)
	}
	return a.media.FindNextWritableVolume(ctx, media.NextVolumeRequest{
		PoolID:        p.PoolID,
		MediaType:     mediaType,
		WantInChanger: inChanger,
	})
}

// ComputeChain resolves the accurate backup chain for a client and
// fileset at the given time, as seen by a backup of the given level,
// and returns the member jobs, oldest first.
func (a *App) ComputeChain(ctx context.Context, clientName, fileSetName string, asOf time.Time, level model.JobLevel) ([]*model.Job, error) {
	c, err := a.cat.GetClientByName(ctx, clientName)
	if err != nil {
		return nil, fmt.Errorf("client %q: %w", clientName, err)
	}

	// The fileset name alone is ambiguous across rule revisions; the
	// newest revision is what a backup run would use.
	var fs *model.FileSet
	_, err = a.cat.ListFileSets(ctx, func(f *model.FileSet) (bool, error) {
		if f.FileSet == fileSetName {
			fs = f
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	if fs == nil {
		return nil, fmt.Errorf("fileset %q: %w", fileSetName, database.ErrNotFound)
	}

	resolver := accurate.NewResolver(a.cat)
	ids, err := resolver.ComputeAccurateJobIDs(ctx, accurate.ChainRequest{
		ClientID:  c.ClientID,
		FileSetID: fs.FileSetID,
		AsOf:      asOf,
		Level:     level,
	})
	if err != nil {
		return nil, err
	}

	jobs := make([]*model.Job, 0, len(ids))
	for _, id := range ids {
		j, err := a.cat.GetJobRecord(ctx, id)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// IngestRequest describes one local backup ingestion.
type IngestRequest struct {
	JobName     string
	ClientName  string
	FileSetName string
	Root        string
	Recursive   bool
	Digests     bool
}

// IngestDirectory records a local directory tree as a completed backup
// job: find-or-create the client and fileset, create the job record,
// scan the tree through the batch attribute pipeline, and close the
// job with its totals. Volume accounting is out of scope here; the
// resulting job is catalog-only.
func (a *App) IngestDirectory(ctx context.Context, req IngestRequest) (*model.Job, scan.Result, error) {
	scanner, err := scan.New(req.Root, scan.Options{
		Recursive:      req.Recursive,
		ComputeDigests: req.Digests,
	})
	if err != nil {
		return nil, scan.Result{}, err
	}

	client := &model.Client{Name: req.ClientName}
	if err := a.cat.CreateClientRecord(ctx, client); err != nil {
		return nil, scan.Result{}, fmt.Errorf("client %q: %w", req.ClientName, err)
	}
	fs := &model.FileSet{FileSet: req.FileSetName, CreateTime: time.Now()}
	if err := a.cat.CreateFileSetRecord(ctx, fs); err != nil {
		return nil, scan.Result{}, fmt.Errorf("fileset %q: %w", req.FileSetName, err)
	}

	now := time.Now()
	job := &model.Job{
		Job:       fmt.Sprintf("%s.%s.%s", req.JobName, now.Format("2006-01-02_15.04.05"), uuid.New().String()[:8]),
		Name:      req.JobName,
		Type:      model.JobTypeBackup,
		Level:     model.JobLevelFull,
		Status:    model.JobStatusRunning,
		ClientID:  client.ClientID,
		FileSetID: fs.FileSetID,
		SchedTime: now,
	}
	if err := a.cat.CreateJobRecord(ctx, job); err != nil {
		return nil, scan.Result{}, err
	}
	job.StartTime = time.Now()
	if err := a.cat.UpdateJobStart(ctx, job); err != nil {
		return nil, scan.Result{}, err
	}

	batch := catalog.NewAttributeBatch(a.pool, a.cat.Sink(), job.JobID, catalog.BatchConfig{
		Enabled:        a.cfg.Batch.Enabled,
		FlushThreshold: a.cfg.Batch.FlushThreshold,
	})
	useBatch := batch.Available(a.conn.Engine())

	res, err := scanner.Run(ctx, job.JobID, func(attr catalog.FileAttributes) error {
		if useBatch {
			return batch.Add(ctx, attr)
		}
		_, err := a.cat.CreateFileAttributes(ctx, &attr)
		return err
	})
	if err == nil && useBatch {
		err = batch.Close(ctx)
	} else if useBatch {
		batch.Close(ctx)
	}

	job.EndTime = time.Now()
	job.RealEndTime = job.EndTime
	job.JobFiles = res.Files
	job.JobBytes = res.Bytes
	if err != nil {
		job.Status = model.JobStatusError
		job.JobErrors = 1
		a.cat.UpdateJobEnd(ctx, job)
		return nil, res, err
	}
	job.Status = model.JobStatusTerminated
	if err := a.cat.UpdateJobEnd(ctx, job); err != nil {
		return nil, res, err
	}
	return job, res, nil
}

// RunMover runs a migration or copy batch from the named pool into its
// configured next pool.
func (a *App) RunMover(ctx context.Context, jobType model.JobType, poolName string, crit mover.SelectionCriteria, dialer mover.SessionDialer) ([]mover.ControlResult, error) {
	m := mover.New(a.cat, dialer, mover.Config{
		MaxConcurrent: a.cfg.Mover.MaxConcurrent,
		StorageName:   a.cfg.Mover.StorageName,
	})
	return m.Run(ctx, mover.RunRequest{
		Type:       jobType,
		SourcePool: poolName,
		Criteria:   crit,
	})
}

// newArchiveService wires the archive stack from config.
func (a *App) newArchiveService(ctx context.Context) (*archive.Service, error) {
	if len(a.cfg.Vaults) == 0 {
		return nil, fmt.Errorf("no vaults configured")
	}
	v, err := vault.NewVaultFromConfig(ctx, a.cfg.Vaults[0])
	if err != nil {
		return nil, fmt.Errorf("creating vault: %w", err)
	}
	enc, err := encryption.NewEncryptorFromConfig(a.cfg.Encryption)
	if err != nil {
		return nil, fmt.Errorf("creating encryptor: %w", err)
	}
	if !enc.IsConfigured() {
		return nil, fmt.Errorf("archive keys not configured: run 'tapecat config init' first")
	}

	eng, ok := a.conn.Engine().(archive.Snapshotter)
	if !ok {
		return nil, fmt.Errorf("catalog engine %s cannot snapshot", a.conn.Engine().Name())
	}
	return archive.NewService(eng, v, enc, a.log), nil
}

// ArchiveCatalog snapshots the catalog to the configured vault.
// Returns the version uploaded and its size.
func (a *App) ArchiveCatalog(ctx context.Context) (int64, int64, error) {
	svc, err := a.newArchiveService(ctx)
	if err != nil {
		return 0, 0, err
	}
	version := time.Now().Unix()
	size, err := svc.Archive(ctx, a.cfg.DirectorID, version)
	if err != nil {
		return 0, 0, err
	}
	return version, size, nil
}

// RetrieveCatalog downloads and decrypts the newest catalog archive to
// destPath.
func (a *App) RetrieveCatalog(ctx context.Context, passphrase, destPath string) (int64, error) {
	svc, err := a.newArchiveService(ctx)
	if err != nil {
		return 0, err
	}
	return svc.Retrieve(ctx, a.cfg.DirectorID, passphrase, destPath)
}

// Close releases the catalog connection and the log file.
func (a *App) Close() error {
	var firstErr error
	if err := a.pool.Put(a.conn); err != nil {
		firstErr = err
	}
	if err := a.pool.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if a.logCloser != nil {
		if err := a.logCloser.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
