// Package prune implements the retention policy engine: cascading
// purges of volume history, pool deletion, and age-based pruning that
// never sacrifices recoverability while the owning Volume is live.
package prune

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"tapecat/internal/catalog"
	"tapecat/internal/database"
	"tapecat/internal/model"
)

// MaxIDsPerPass bounds the JobId set fetched into memory by one purge
// pass; larger histories take multiple passes.
const MaxIDsPerPass = 2000000

// deleteChunk is the number of ids per DELETE ... IN (...) statement.
const deleteChunk = 1000

// Engine runs retention and purge cascades for one worker's catalog.
type Engine struct {
	cat   *catalog.Catalog
	clock catalog.Clock
}

// NewEngine creates a prune engine over the given catalog.
func NewEngine(cat *catalog.Catalog) *Engine {
	return &Engine{cat: cat, clock: catalog.RealClock{}}
}

// WithClock overrides the time source. Tests only.
func (e *Engine) WithClock(clock catalog.Clock) *Engine {
	e.clock = clock
	return e
}

// PurgeCounts reports what a cascade removed, for audit output.
type PurgeCounts struct {
	Jobs     int64
	Files    int64
	JobMedia int64
}

// PurgeMediaRecord is the heavyweight "forget this volume's history"
// path: for every Job that wrote to the Volume, its File, JobMedia,
// log and restore-object rows and the Job row itself are deleted, then
// the Media row is removed. Not used by ordinary recycling.
//
// A partial failure is not rolled back: the remaining state is safe to
// leave and safe to retry-delete. The error tells the operator to
// retry.
func (e *Engine) PurgeMediaRecord(ctx context.Context, media *model.Media) (PurgeCounts, error) {
	counts, err := e.purgeVolumeHistory(ctx, media.MediaID)
	if err != nil {
		return counts, err
	}
	if err := e.cat.DeleteMediaRecord(ctx, media.MediaID); err != nil {
		return counts, fmt.Errorf("volume history purged but media row remains, retry delete: %w", err)
	}
	if err := e.cat.UpdatePoolNumVols(ctx, media.PoolID); err != nil {
		return counts, err
	}
	return counts, nil
}

// PurgeMedia is the non-delete variant: same cascade, but the Media
// row survives with status Purged: the slot and hardware stay
// tracked, the contents are considered gone.
func (e *Engine) PurgeMedia(ctx context.Context, media *model.Media) (PurgeCounts, error) {
	counts, err := e.purgeVolumeHistory(ctx, media.MediaID)
	if err != nil {
		return counts, err
	}
	if err := e.cat.UpdateMediaStatus(ctx, media.MediaID, model.VolStatusPurged); err != nil {
		return counts, fmt.Errorf("volume history purged but status update failed, retry: %w", err)
	}
	media.VolStatus = model.VolStatusPurged
	return counts, nil
}

// purgeVolumeHistory deletes catalog history for every Job that wrote
// to the Volume, in dependency order, in bounded passes.
func (e *Engine) purgeVolumeHistory(ctx context.Context, mediaID int64) (PurgeCounts, error) {
	var counts PurgeCounts
	for {
		jobIDs, err := e.jobsOnVolume(ctx, mediaID, MaxIDsPerPass)
		if err != nil {
			return counts, err
		}
		if len(jobIDs) == 0 {
			return counts, nil
		}
		c, err := e.deleteJobHistory(ctx, jobIDs)
		counts.Jobs += c.Jobs
		counts.Files += c.Files
		counts.JobMedia += c.JobMedia
		if err != nil {
			return counts, err
		}
		if len(jobIDs) < MaxIDsPerPass {
			return counts, nil
		}
	}
}

// jobsOnVolume fetches up to limit JobIds with JobMedia on the Volume.
func (e *Engine) jobsOnVolume(ctx context.Context, mediaID int64, limit int) ([]int64, error) {
	query := fmt.Sprintf(
		"SELECT DISTINCT JobId FROM JobMedia WHERE MediaId=%d LIMIT %d", mediaID, limit)
	var ids []int64
	_, err := e.cat.Conn().Query(ctx, e.op("JobsOnVolume"), query, func(cols []string) (bool, error) {
		ids = append(ids, parseID(cols[0]))
		return false, nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing jobs on volume: %w", err)
	}
	return ids, nil
}

// deleteJobHistory removes all catalog rows for the given jobs, File
// and JobMedia first, Job rows last, so a failure partway leaves only
// retry-safe orphans.
func (e *Engine) deleteJobHistory(ctx context.Context, jobIDs []int64) (PurgeCounts, error) {
	var counts PurgeCounts
	conn := e.cat.Conn()
	for start := 0; start < len(jobIDs); start += deleteChunk {
		end := start + deleteChunk
		if end > len(jobIDs) {
			end = len(jobIDs)
		}
		in := idList(jobIDs[start:end])

		for _, stmt := range []struct {
			query string
			count *int64
		}{
			{"DELETE FROM File WHERE JobId IN (" + in + ")", &counts.Files},
			{"DELETE FROM BaseFiles WHERE JobId IN (" + in + ")", nil},
			{"DELETE FROM RestoreObject WHERE JobId IN (" + in + ")", nil},
			{"DELETE FROM Log WHERE JobId IN (" + in + ")", nil},
			{"DELETE FROM JobMedia WHERE JobId IN (" + in + ")", &counts.JobMedia},
			{"DELETE FROM Job WHERE JobId IN (" + in + ")", &counts.Jobs},
		} {
			n, err := conn.ExecCounting(ctx, e.op("DeleteJobHistory"), stmt.query)
			if err != nil {
				return counts, fmt.Errorf("purge cascade failed, state is retry-safe: %w", err)
			}
			if stmt.count != nil {
				*stmt.count += n
			}
		}
	}
	return counts, nil
}

// DeletePoolRecord deletes every Media row owned by the Pool, then the
// Pool row, returning counts for operator confirmation. Volume history
// is not cascaded here: callers purge volumes first if they mean it.
func (e *Engine) DeletePoolRecord(ctx context.Context, pool *model.Pool) (mediaDeleted int64, err error) {
	conn := e.cat.Conn()
	mediaDeleted, err = conn.ExecCounting(ctx, e.op("DeletePoolRecord"),
		fmt.Sprintf("DELETE FROM Media WHERE PoolId=%d", pool.PoolID))
	if err != nil {
		return 0, fmt.Errorf("deleting pool volumes: %w", err)
	}
	if err := conn.Exec(ctx, e.op("DeletePoolRecord"),
		fmt.Sprintf("DELETE FROM Pool WHERE PoolId=%d", pool.PoolID)); err != nil {
		return mediaDeleted, fmt.Errorf("pool volumes deleted but pool row remains, retry: %w", err)
	}
	return mediaDeleted, nil
}

// PruneJobs removes jobs older than the client's JobRetention, but
// only jobs none of whose Volumes still hold live data. A Job
// surviving past its nominal retention because its Volume is neither
// purged nor recycled is intentional: recoverability is anchored to
// the Volume, not the Job's age.
func (e *Engine) PruneJobs(ctx context.Context, client *model.Client) (PurgeCounts, error) {
	var counts PurgeCounts
	if client.JobRetention <= 0 {
		return counts, nil
	}
	cutoff := e.clock.Now().Add(-client.JobRetention).Unix()
	query := fmt.Sprintf(
		"SELECT JobId FROM Job WHERE ClientId=%d AND JobTDate>0 AND JobTDate<%d "+
			"AND NOT EXISTS (SELECT 1 FROM JobMedia "+
			"JOIN Media ON Media.MediaId=JobMedia.MediaId "+
			"WHERE JobMedia.JobId=Job.JobId "+
			"AND Media.VolStatus NOT IN ('Purged','Recycle')) "+
			"LIMIT %d",
		client.ClientID, cutoff, MaxIDsPerPass)
	var ids []int64
	_, err := e.cat.Conn().Query(ctx, e.op("PruneJobs"), query, func(cols []string) (bool, error) {
		ids = append(ids, parseID(cols[0]))
		return false, nil
	})
	if err != nil {
		return counts, fmt.Errorf("selecting prunable jobs: %w", err)
	}
	if len(ids) == 0 {
		return counts, nil
	}
	return e.deleteJobHistory(ctx, ids)
}

// PruneVolume checks a Volume's retention and, when expired, runs the
// non-delete purge so the Volume becomes recyclable. Returns whether
// the Volume was purged.
func (e *Engine) PruneVolume(ctx context.Context, media *model.Media) (bool, error) {
	if media.VolRetention <= 0 || media.LastWritten.IsZero() {
		return false, nil
	}
	switch media.VolStatus {
	case model.VolStatusFull, model.VolStatusUsed:
		// Only settled volumes are prunable.
	default:
		return false, nil
	}
	if e.clock.Now().Before(media.LastWritten.Add(media.VolRetention)) {
		return false, nil
	}
	if _, err := e.PurgeMedia(ctx, media); err != nil {
		return false, err
	}
	return true, nil
}

// PruneSnapshots deletes snapshot records past their retention.
func (e *Engine) PruneSnapshots(ctx context.Context) (int64, error) {
	now := e.clock.Now()
	var expired []int64
	_, err := e.cat.ListSnapshots(ctx, 0, func(s *model.Snapshot) (bool, error) {
		if s.Retention > 0 && now.After(s.CreateDate.Add(s.Retention)) {
			expired = append(expired, s.SnapshotID)
		}
		return false, nil
	})
	if err != nil {
		return 0, err
	}
	for _, id := range expired {
		if err := e.cat.DeleteSnapshotRecord(ctx, id); err != nil {
			return int64(len(expired)), err
		}
	}
	return int64(len(expired)), nil
}

func (e *Engine) op(name string) database.Op {
	return database.Op{Name: name, Worker: e.cat.Worker()}
}

func idList(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

func parseID(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
