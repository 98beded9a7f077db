// Package accurate resolves backup chains: given a client, fileset and
// point in time, which completed jobs together describe the filesystem
// state. The same resolution feeds accurate-mode backups, virtual full
// consolidation and restore browsing.
package accurate

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"tapecat/internal/catalog"
	"tapecat/internal/database"
	"tapecat/internal/model"
)

// ChainRequest identifies the backup chain to resolve.
type ChainRequest struct {
	ClientID  int64
	FileSetID int64
	// AsOf bounds the chain: only jobs that started strictly before it
	// participate. Zero means now.
	AsOf time.Time
	// Level is the level of the requesting backup. Incremental and
	// VirtualFull requests re-anchor on the newest Differential after
	// the Full; a Differential request builds on the Full alone.
	Level model.JobLevel
}

// Resolver computes accurate job chains for one worker's catalog.
type Resolver struct {
	cat   *catalog.Catalog
	clock catalog.Clock
}

// NewResolver creates a chain resolver over the given catalog.
func NewResolver(cat *catalog.Catalog) *Resolver {
	return &Resolver{cat: cat, clock: catalog.RealClock{}}
}

// WithClock overrides the time source. Tests only.
func (r *Resolver) WithClock(clock catalog.Clock) *Resolver {
	r.clock = clock
	return r
}

// successSet is the terminal-status filter for chain membership. Jobs
// that ended with warnings still protect their data.
const successSet = "JobStatus IN ('T','W')"

// ComputeAccurateJobIDs returns the job chain for the request, oldest
// first: the newest successful Full before AsOf, then, for Incremental
// and VirtualFull requests, the newest Differential after that Full
// (if any), then every Incremental after the chosen anchor. A
// Differential request never includes a prior Differential: it
// captures everything since the Full itself. An empty chain means no
// usable Full exists and the caller must schedule one.
//
// Only Type B jobs participate: copies carry a duplicate of another
// job's data and virtual-full control jobs are not anchors themselves
// (their result is recorded as an ordinary Full). Equal StartTimes are
// broken by JobId, so repeated resolution of the same catalog state
// yields the same chain.
func (r *Resolver) ComputeAccurateJobIDs(ctx context.Context, req ChainRequest) ([]int64, error) {
	asOf := req.AsOf
	if asOf.IsZero() {
		asOf = r.clock.Now()
	}
	bound := model.FormatTime(asOf)

	full, fullStart, err := r.newestAtLevel(ctx, req, model.JobLevelFull, "", bound)
	if err != nil {
		return nil, err
	}
	if full == 0 {
		return nil, nil
	}
	chain := []int64{full}
	anchorStart := fullStart

	if req.Level == model.JobLevelIncremental || req.Level == model.JobLevelVirtualFull {
		diff, diffStart, err := r.newestAtLevel(ctx, req, model.JobLevelDifferential, fullStart, bound)
		if err != nil {
			return nil, err
		}
		if diff != 0 {
			chain = append(chain, diff)
			anchorStart = diffStart
		}
	}

	incs, err := r.incrementalsAfter(ctx, req, anchorStart, bound)
	if err != nil {
		return nil, err
	}
	return append(chain, incs...), nil
}

// newestAtLevel finds the most recent successful backup at the level
// within (after, before). Returns 0 when none exists.
func (r *Resolver) newestAtLevel(ctx context.Context, req ChainRequest, level model.JobLevel, after, before string) (int64, string, error) {
	opName := "ChainAnchor"
	query := fmt.Sprintf(
		"SELECT JobId,StartTime FROM Job WHERE ClientId=%d AND FileSetId=%d "+
			"AND Type='B' AND Level='%s' AND %s AND StartTime<'%s'",
		req.ClientID, req.FileSetID, level, successSet, before)
	if after != "" {
		query += fmt.Sprintf(" AND StartTime>'%s'", after)
	}
	query += " ORDER BY StartTime DESC, JobId DESC LIMIT 1"

	var id int64
	var start string
	_, err := r.cat.Conn().Query(ctx, r.op(opName), query, func(cols []string) (bool, error) {
		id, _ = strconv.ParseInt(cols[0], 10, 64)
		start = cols[1]
		return true, nil
	})
	if err != nil {
		return 0, "", fmt.Errorf("%s: %w", opName, err)
	}
	return id, start, nil
}

// incrementalsAfter lists every successful Incremental in
// (after, before), oldest first.
func (r *Resolver) incrementalsAfter(ctx context.Context, req ChainRequest, after, before string) ([]int64, error) {
	opName := "ChainIncrementals"
	query := fmt.Sprintf(
		"SELECT JobId FROM Job WHERE ClientId=%d AND FileSetId=%d "+
			"AND Type='B' AND Level='I' AND %s "+
			"AND StartTime>'%s' AND StartTime<'%s' "+
			"ORDER BY StartTime ASC, JobId ASC",
		req.ClientID, req.FileSetID, successSet, after, before)
	var ids []int64
	_, err := r.cat.Conn().Query(ctx, r.op(opName), query, func(cols []string) (bool, error) {
		id, _ := strconv.ParseInt(cols[0], 10, 64)
		ids = append(ids, id)
		return false, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", opName, err)
	}
	return ids, nil
}

// BaseFileVersion is one resolved file version: the newest File row for
// a (path, name) pair across a chain.
type BaseFileVersion struct {
	FileID    int64
	JobID     int64
	FileIndex int
	Path      string
	Name      string
	LStat     string
	MD5       string
}

// CreateBaseFileList materializes the newest version of every file
// across the chain into a scratch table and returns the handle. Rows
// with FileIndex <= 0 are deletion markers and are excluded: a file
// deleted mid-chain has no current version.
func (r *Resolver) CreateBaseFileList(ctx context.Context, scratch *ScratchSpace, jobID int64, chain []int64) (*ScratchTable, error) {
	tbl, err := scratch.Create(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if len(chain) == 0 {
		return tbl, nil
	}
	in := idList(chain)
	// Chain jobs insert File rows in chain order, so the maximum FileId
	// per (PathId, FilenameId) is the newest version.
	query := fmt.Sprintf(
		"INSERT INTO %s (FileId,JobId,FileIndex,PathId,FilenameId,LStat,MD5) "+
			"SELECT File.FileId,File.JobId,File.FileIndex,File.PathId,File.FilenameId,File.LStat,File.MD5 "+
			"FROM File JOIN (SELECT MAX(FileId) AS FileId FROM File WHERE JobId IN (%s) "+
			"GROUP BY PathId,FilenameId) latest ON latest.FileId=File.FileId "+
			"WHERE File.FileIndex>0",
		tbl.Name, in)
	if err := r.cat.Conn().Exec(ctx, r.op("CreateBaseFileList"), query); err != nil {
		scratch.Drop(ctx, tbl)
		return nil, fmt.Errorf("building base file list: %w", err)
	}
	return tbl, nil
}

// StreamBaseFileList walks the resolved versions with full path names,
// ordered by (Path, Name) for deterministic consumption.
func (r *Resolver) StreamBaseFileList(ctx context.Context, tbl *ScratchTable, handler func(*BaseFileVersion) (stop bool, err error)) (int64, error) {
	opName := "StreamBaseFileList"
	query := fmt.Sprintf(
		"SELECT s.FileId,s.JobId,s.FileIndex,Path.Path,Filename.Name,s.LStat,s.MD5 "+
			"FROM %s s "+
			"JOIN Path ON Path.PathId=s.PathId "+
			"JOIN Filename ON Filename.FilenameId=s.FilenameId "+
			"ORDER BY Path.Path,Filename.Name",
		tbl.Name)
	n, err := r.cat.Conn().Query(ctx, r.op(opName), query, func(cols []string) (bool, error) {
		v := &BaseFileVersion{
			Path:  cols[3],
			Name:  cols[4],
			LStat: cols[5],
			MD5:   cols[6],
		}
		v.FileID, _ = strconv.ParseInt(cols[0], 10, 64)
		v.JobID, _ = strconv.ParseInt(cols[1], 10, 64)
		fi, _ := strconv.Atoi(cols[2])
		v.FileIndex = fi
		return handler(v)
	})
	if err != nil {
		return n, fmt.Errorf("%s: %w", opName, err)
	}
	return n, nil
}

// CommitBaseFiles records the resolved list as BaseFiles rows of the
// consuming job, linking each inherited file back to the chain job that
// produced it.
func (r *Resolver) CommitBaseFiles(ctx context.Context, tbl *ScratchTable, jobID int64) (int64, error) {
	opName := "CommitBaseFiles"
	query := fmt.Sprintf(
		"INSERT INTO BaseFiles (JobId,BaseJobId,FileId,FileIndex) "+
			"SELECT %d,JobId,FileId,FileIndex FROM %s",
		jobID, tbl.Name)
	n, err := r.cat.Conn().ExecCounting(ctx, r.op(opName), query)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", opName, err)
	}
	return n, nil
}

func (r *Resolver) op(name string) database.Op {
	return database.Op{Name: name, Worker: r.cat.Worker()}
}

func idList(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}
