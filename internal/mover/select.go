package mover

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"tapecat/internal/model"
)

// SelectionType chooses how source jobs are picked from the source
// pool.
type SelectionType int

const (
	// SelectJobName matches base job names against a regex.
	SelectJobName SelectionType = iota
	// SelectClientName matches client names against a regex.
	SelectClientName
	// SelectVolumeName matches volume names against a regex and takes
	// every job on the matched volumes.
	SelectVolumeName
	// SelectSQL runs an operator-supplied query whose first column is a
	// JobId.
	SelectSQL
	// SelectSmallestVolume takes every job on the pool's least-filled
	// volume with data.
	SelectSmallestVolume
	// SelectOldestVolume takes every job on the pool's least recently
	// written volume with data.
	SelectOldestVolume
	// SelectPoolOccupancy moves volumes oldest-first once the pool
	// exceeds HighBytes, until the projection drops below LowBytes.
	SelectPoolOccupancy
	// SelectPoolTime takes jobs that finished more than PoolTime ago.
	SelectPoolTime
	// SelectUncopiedJobs takes jobs with no completed copy yet.
	SelectUncopiedJobs
)

// SelectionCriteria parameterizes one selection run. Watermarks and
// the age threshold come from director configuration, not the catalog.
type SelectionCriteria struct {
	Type      SelectionType
	Pattern   string // regex for the name-based selections
	SQL       string // operator query for SelectSQL
	HighBytes int64  // occupancy trigger
	LowBytes  int64  // occupancy target
	PoolTime  time.Duration
}

// eligibleJobs restricts every selection to completed backups that
// still own their data: migrated originals (Type M) and copies
// (Type C) never migrate again.
const eligibleJobs = "Type='B' AND JobStatus IN ('T','W')"

// selectJobIDs resolves the criteria to a deduplicated, ascending list
// of source JobIds.
func (m *Mover) selectJobIDs(ctx context.Context, pool *model.Pool, crit SelectionCriteria) ([]int64, error) {
	switch crit.Type {
	case SelectJobName:
		return m.selectByNameRegex(ctx, pool, crit.Pattern, "Job.Name")
	case SelectClientName:
		return m.selectByClientRegex(ctx, pool, crit.Pattern)
	case SelectVolumeName:
		return m.selectByVolumeRegex(ctx, pool, crit.Pattern)
	case SelectSQL:
		return m.jobIDQuery(ctx, "SelectSQL", crit.SQL)
	case SelectSmallestVolume:
		return m.selectByVolumeExtreme(ctx, pool, "VolBytes ASC, MediaId ASC")
	case SelectOldestVolume:
		return m.selectByVolumeExtreme(ctx, pool, "LastWritten ASC, MediaId ASC")
	case SelectPoolOccupancy:
		return m.selectByOccupancy(ctx, pool, crit.HighBytes, crit.LowBytes)
	case SelectPoolTime:
		return m.selectByAge(ctx, pool, crit.PoolTime)
	case SelectUncopiedJobs:
		return m.selectUncopied(ctx, pool)
	default:
		return nil, fmt.Errorf("unknown selection type %d", crit.Type)
	}
}

func (m *Mover) selectByNameRegex(ctx context.Context, pool *model.Pool, pattern, col string) ([]int64, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("job selection pattern: %w", err)
	}
	names, err := m.distinctStrings(ctx, "SelectJobName", fmt.Sprintf(
		"SELECT DISTINCT Name FROM Job WHERE PoolId=%d AND %s", pool.PoolID, eligibleJobs))
	if err != nil {
		return nil, err
	}
	var ids []int64
	for _, name := range names {
		if !re.MatchString(name) {
			continue
		}
		more, err := m.jobIDQuery(ctx, "SelectJobName", fmt.Sprintf(
			"SELECT JobId FROM Job WHERE PoolId=%d AND %s AND Name=%s ORDER BY JobId",
			pool.PoolID, eligibleJobs, m.quote(name)))
		if err != nil {
			return nil, err
		}
		ids = append(ids, more...)
	}
	return dedupe(ids), nil
}

func (m *Mover) selectByClientRegex(ctx context.Context, pool *model.Pool, pattern string) ([]int64, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("client selection pattern: %w", err)
	}
	names, err := m.distinctStrings(ctx, "SelectClientName",
		"SELECT Name FROM Client ORDER BY Name")
	if err != nil {
		return nil, err
	}
	var ids []int64
	for _, name := range names {
		if !re.MatchString(name) {
			continue
		}
		more, err := m.jobIDQuery(ctx, "SelectClientName", fmt.Sprintf(
			"SELECT Job.JobId FROM Job JOIN Client ON Client.ClientId=Job.ClientId "+
				"WHERE Job.PoolId=%d AND %s AND Client.Name=%s ORDER BY Job.JobId",
			pool.PoolID, eligibleJobs, m.quote(name)))
		if err != nil {
			return nil, err
		}
		ids = append(ids, more...)
	}
	return dedupe(ids), nil
}

func (m *Mover) selectByVolumeRegex(ctx context.Context, pool *model.Pool, pattern string) ([]int64, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("volume selection pattern: %w", err)
	}
	names, err := m.distinctStrings(ctx, "SelectVolumeName", fmt.Sprintf(
		"SELECT VolumeName FROM Media WHERE PoolId=%d ORDER BY VolumeName", pool.PoolID))
	if err != nil {
		return nil, err
	}
	var ids []int64
	for _, name := range names {
		if !re.MatchString(name) {
			continue
		}
		more, err := m.jobsOnVolumeName(ctx, name)
		if err != nil {
			return nil, err
		}
		ids = append(ids, more...)
	}
	return dedupe(ids), nil
}

// selectByVolumeExtreme picks one volume by the given ranking and takes
// its jobs. Volumes without data are skipped.
func (m *Mover) selectByVolumeExtreme(ctx context.Context, pool *model.Pool, order string) ([]int64, error) {
	var volume string
	where := fmt.Sprintf("PoolId=%d AND VolJobs>0 AND VolStatus IN ('Full','Used','Append')", pool.PoolID)
	_, err := m.cat.ListMediaWhere(ctx, where, order, func(media *model.Media) (bool, error) {
		volume = media.VolumeName
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if volume == "" {
		return nil, nil
	}
	return m.jobsOnVolumeName(ctx, volume)
}

// selectByOccupancy frees space in an overfull pool: no-op below
// HighBytes, otherwise volumes are drained oldest-first until the
// projected occupancy drops below LowBytes.
func (m *Mover) selectByOccupancy(ctx context.Context, pool *model.Pool, highBytes, lowBytes int64) ([]int64, error) {
	var total int64
	_, err := m.cat.ListMediaWhere(ctx,
		fmt.Sprintf("PoolId=%d", pool.PoolID), "", func(media *model.Media) (bool, error) {
			total += media.VolBytes
			return false, nil
		})
	if err != nil {
		return nil, err
	}
	if highBytes <= 0 || total <= highBytes {
		return nil, nil
	}

	var volumes []string
	remaining := total
	where := fmt.Sprintf("PoolId=%d AND VolJobs>0 AND VolStatus IN ('Full','Used','Append')", pool.PoolID)
	_, err = m.cat.ListMediaWhere(ctx, where, "LastWritten ASC, MediaId ASC",
		func(media *model.Media) (bool, error) {
			volumes = append(volumes, media.VolumeName)
			remaining -= media.VolBytes
			return remaining < lowBytes, nil
		})
	if err != nil {
		return nil, err
	}
	var ids []int64
	for _, name := range volumes {
		more, err := m.jobsOnVolumeName(ctx, name)
		if err != nil {
			return nil, err
		}
		ids = append(ids, more...)
	}
	return dedupe(ids), nil
}

func (m *Mover) selectByAge(ctx context.Context, pool *model.Pool, age time.Duration) ([]int64, error) {
	if age <= 0 {
		return nil, nil
	}
	cutoff := m.clock.Now().Add(-age).Unix()
	return m.jobIDQuery(ctx, "SelectPoolTime", fmt.Sprintf(
		"SELECT JobId FROM Job WHERE PoolId=%d AND %s AND JobTDate>0 AND JobTDate<%d ORDER BY JobId",
		pool.PoolID, eligibleJobs, cutoff))
}

// selectUncopied takes backups with no completed copy. Running copy
// control jobs (type c) don't count: only a finished copy (type C)
// protects the data.
func (m *Mover) selectUncopied(ctx context.Context, pool *model.Pool) ([]int64, error) {
	return m.jobIDQuery(ctx, "SelectUncopied", fmt.Sprintf(
		"SELECT JobId FROM Job WHERE PoolId=%d AND %s "+
			"AND JobId NOT IN (SELECT PriorJobId FROM Job WHERE Type='C' AND PriorJobId<>0) "+
			"ORDER BY JobId",
		pool.PoolID, eligibleJobs))
}

func (m *Mover) jobsOnVolumeName(ctx context.Context, volumeName string) ([]int64, error) {
	return m.jobIDQuery(ctx, "JobsOnVolume", fmt.Sprintf(
		"SELECT DISTINCT Job.JobId FROM Job "+
			"JOIN JobMedia ON JobMedia.JobId=Job.JobId "+
			"JOIN Media ON Media.MediaId=JobMedia.MediaId "+
			"WHERE Media.VolumeName=%s AND %s ORDER BY Job.JobId",
		m.quote(volumeName), eligibleJobs))
}

func (m *Mover) jobIDQuery(ctx context.Context, opName, query string) ([]int64, error) {
	var ids []int64
	_, err := m.cat.Conn().Query(ctx, m.op(opName), query, func(cols []string) (bool, error) {
		id, _ := strconv.ParseInt(cols[0], 10, 64)
		if id != 0 {
			ids = append(ids, id)
		}
		return false, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", opName, err)
	}
	return ids, nil
}

func (m *Mover) distinctStrings(ctx context.Context, opName, query string) ([]string, error) {
	var out []string
	_, err := m.cat.Conn().Query(ctx, m.op(opName), query, func(cols []string) (bool, error) {
		out = append(out, cols[0])
		return false, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", opName, err)
	}
	return out, nil
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
