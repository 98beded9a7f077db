package catalog

import (
	"context"
	"fmt"
	"time"

	"tapecat/internal/database"
	"tapecat/internal/model"
)

const mediaColumns = "MediaId,VolumeName,PoolId,MediaType,StorageId,VolStatus,Enabled," +
	"Slot,InChanger,VolBytes,VolFiles,VolJobs,VolBlocks,VolMounts,VolErrors,VolWrites," +
	"VolReads,VolRetention,VolUseDuration,MaxVolJobs,MaxVolFiles,MaxVolBytes,Recycle," +
	"RecycleCount,RecyclePoolId,FirstWritten,LastWritten,LabelTime,ActionOnPurge"

func scanMedia(cols []string) *model.Media {
	return &model.Media{
		MediaID:        parseInt64(cols[0]),
		VolumeName:     cols[1],
		PoolID:         parseInt64(cols[2]),
		MediaType:      cols[3],
		StorageID:      parseInt64(cols[4]),
		VolStatus:      model.VolStatus(cols[5]),
		Enabled:        parseBool(cols[6]),
		Slot:           parseInt(cols[7]),
		InChanger:      parseBool(cols[8]),
		VolBytes:       parseInt64(cols[9]),
		VolFiles:       parseInt64(cols[10]),
		VolJobs:        parseInt64(cols[11]),
		VolBlocks:      parseInt64(cols[12]),
		VolMounts:      parseInt64(cols[13]),
		VolErrors:      parseInt64(cols[14]),
		VolWrites:      parseInt64(cols[15]),
		VolReads:       parseInt64(cols[16]),
		VolRetention:   time.Duration(parseInt64(cols[17])) * time.Second,
		VolUseDuration: time.Duration(parseInt64(cols[18])) * time.Second,
		MaxVolJobs:     parseInt64(cols[19]),
		MaxVolFiles:    parseInt64(cols[20]),
		MaxVolBytes:    parseInt64(cols[21]),
		Recycle:        parseBool(cols[22]),
		RecycleCount:   parseInt64(cols[23]),
		RecyclePoolID:  parseInt64(cols[24]),
		FirstWritten:   parseTime(cols[25]),
		LastWritten:    parseTime(cols[26]),
		LabelTime:      parseTime(cols[27]),
		ActionOnPurge:  parseInt(cols[28]),
	}
}

// CreateMediaRecord inserts a new Volume and corrects the InChanger
// invariant if the new Volume claims a changer slot.
func (c *Catalog) CreateMediaRecord(ctx context.Context, media *model.Media) error {
	const opName = "CreateMediaRecord"
	if media.VolStatus == "" {
		media.VolStatus = model.VolStatusAppend
	}
	query := fmt.Sprintf(
		"INSERT INTO Media (VolumeName,PoolId,MediaType,StorageId,VolStatus,Enabled,Slot,"+
			"InChanger,VolBytes,VolFiles,VolJobs,VolBlocks,VolMounts,VolErrors,VolWrites,VolReads,"+
			"VolRetention,VolUseDuration,MaxVolJobs,MaxVolFiles,MaxVolBytes,Recycle,RecycleCount,"+
			"RecyclePoolId,FirstWritten,LastWritten,LabelTime,ActionOnPurge) "+
			"VALUES (%s,%d,%s,%d,%s,%d,%d,%d,%d,%d,%d,%d,%d,%d,%d,%d,%d,%d,%d,%d,%d,%d,%d,%d,%s,%s,%s,%d)",
		c.quote(media.VolumeName), media.PoolID, c.quote(media.MediaType), media.StorageID,
		c.quote(string(media.VolStatus)), boolInt(media.Enabled), media.Slot,
		boolInt(media.InChanger), media.VolBytes, media.VolFiles, media.VolJobs,
		media.VolBlocks, media.VolMounts, media.VolErrors, media.VolWrites, media.VolReads,
		seconds(media.VolRetention), seconds(media.VolUseDuration),
		media.MaxVolJobs, media.MaxVolFiles, media.MaxVolBytes,
		boolInt(media.Recycle), media.RecycleCount, media.RecyclePoolID,
		c.quote(model.FormatTime(media.FirstWritten)), c.quote(model.FormatTime(media.LastWritten)),
		c.quote(model.FormatTime(media.LabelTime)), media.ActionOnPurge)
	id, err := c.conn.InsertReturningID(ctx, c.op(opName), query, "Media")
	if err != nil {
		return statementError(opName, err)
	}
	media.MediaID = id

	if media.InChanger {
		if err := c.MakeInChangerUnique(ctx, media); err != nil {
			return err
		}
	}
	return c.UpdatePoolNumVols(ctx, media.PoolID)
}

// GetMediaByName fetches a Volume by its unique name.
func (c *Catalog) GetMediaByName(ctx context.Context, volumeName string) (*model.Media, error) {
	const opName = "GetMediaByName"
	query := fmt.Sprintf("SELECT %s FROM Media WHERE VolumeName=%s", mediaColumns, c.quote(volumeName))
	cols, found, err := c.selectOne(ctx, opName, query)
	if err != nil {
		return nil, statementError(opName, err)
	}
	if !found {
		return nil, database.ErrNotFound
	}
	return scanMedia(cols), nil
}

// GetMediaRecord fetches a Volume by id.
func (c *Catalog) GetMediaRecord(ctx context.Context, mediaID int64) (*model.Media, error) {
	const opName = "GetMediaRecord"
	query := fmt.Sprintf("SELECT %s FROM Media WHERE MediaId=%d", mediaColumns, mediaID)
	cols, found, err := c.selectOne(ctx, opName, query)
	if err != nil {
		return nil, statementError(opName, err)
	}
	if !found {
		return nil, database.ErrNotFound
	}
	return scanMedia(cols), nil
}

// UpdateMediaRecord rewrites a Volume's mutable fields and then runs
// the InChanger corrective write. Every write path that can touch Slot
// or InChanger must come through here (or call MakeInChangerUnique
// itself): the cross-row invariant cannot be expressed as a column
// constraint.
func (c *Catalog) UpdateMediaRecord(ctx context.Context, media *model.Media) error {
	const opName = "UpdateMediaRecord"
	query := fmt.Sprintf(
		"UPDATE Media SET VolumeName=%s,PoolId=%d,MediaType=%s,StorageId=%d,VolStatus=%s,"+
			"Enabled=%d,Slot=%d,InChanger=%d,VolBytes=%d,VolFiles=%d,VolJobs=%d,VolBlocks=%d,"+
			"VolMounts=%d,VolErrors=%d,VolWrites=%d,VolReads=%d,VolRetention=%d,VolUseDuration=%d,"+
			"MaxVolJobs=%d,MaxVolFiles=%d,MaxVolBytes=%d,Recycle=%d,RecycleCount=%d,"+
			"RecyclePoolId=%d,FirstWritten=%s,LastWritten=%s,LabelTime=%s,ActionOnPurge=%d "+
			"WHERE MediaId=%d",
		c.quote(media.VolumeName), media.PoolID, c.quote(media.MediaType), media.StorageID,
		c.quote(string(media.VolStatus)), boolInt(media.Enabled), media.Slot,
		boolInt(media.InChanger), media.VolBytes, media.VolFiles, media.VolJobs,
		media.VolBlocks, media.VolMounts, media.VolErrors, media.VolWrites, media.VolReads,
		seconds(media.VolRetention), seconds(media.VolUseDuration),
		media.MaxVolJobs, media.MaxVolFiles, media.MaxVolBytes,
		boolInt(media.Recycle), media.RecycleCount, media.RecyclePoolID,
		c.quote(model.FormatTime(media.FirstWritten)), c.quote(model.FormatTime(media.LastWritten)),
		c.quote(model.FormatTime(media.LabelTime)), media.ActionOnPurge, media.MediaID)
	if err := c.conn.Exec(ctx, c.op(opName), query); err != nil {
		return statementError(opName, err)
	}
	return c.MakeInChangerUnique(ctx, media)
}

// UpdateMediaStatus sets only the status column; safe because it
// cannot touch Slot or InChanger.
func (c *Catalog) UpdateMediaStatus(ctx context.Context, mediaID int64, status model.VolStatus) error {
	const opName = "UpdateMediaStatus"
	query := fmt.Sprintf("UPDATE Media SET VolStatus=%s WHERE MediaId=%d",
		c.quote(string(status)), mediaID)
	if err := c.conn.Exec(ctx, c.op(opName), query); err != nil {
		return statementError(opName, err)
	}
	return nil
}

// MakeInChangerUnique clears InChanger on every other Volume sharing
// this Volume's (StorageId, Slot). Runs to completion under the
// connection lock; no other logical operation can interleave.
func (c *Catalog) MakeInChangerUnique(ctx context.Context, media *model.Media) error {
	const opName = "MakeInChangerUnique"
	if !media.InChanger || media.Slot == 0 {
		return nil
	}
	query := fmt.Sprintf(
		"UPDATE Media SET InChanger=0, Slot=0 WHERE Slot=%d AND StorageId=%d AND MediaId<>%d",
		media.Slot, media.StorageID, media.MediaID)
	if err := c.conn.Exec(ctx, c.op(opName), query); err != nil {
		return statementError(opName, err)
	}
	return nil
}

// DeleteMediaRecord removes only the Media row. History cascades are
// the prune engine's business.
func (c *Catalog) DeleteMediaRecord(ctx context.Context, mediaID int64) error {
	const opName = "DeleteMediaRecord"
	query := fmt.Sprintf("DELETE FROM Media WHERE MediaId=%d", mediaID)
	if err := c.conn.Exec(ctx, c.op(opName), query); err != nil {
		return statementError(opName, err)
	}
	return nil
}

// MediaFilter narrows ListMedia.
type MediaFilter struct {
	PoolID    int64
	VolStatus model.VolStatus
}

// ListMedia streams Volumes ordered by name.
func (c *Catalog) ListMedia(ctx context.Context, filter MediaFilter, handler func(*model.Media) (stop bool, err error)) (int64, error) {
	const opName = "ListMedia"
	where := ""
	if filter.PoolID != 0 {
		where = andPredicate(where, fmt.Sprintf("PoolId=%d", filter.PoolID))
	}
	if filter.VolStatus != "" {
		where = andPredicate(where, "VolStatus="+c.quote(string(filter.VolStatus)))
	}
	query := "SELECT " + mediaColumns + " FROM Media"
	if where != "" {
		query += " WHERE " + where
	}
	query += " ORDER BY VolumeName"
	n, err := c.conn.Query(ctx, c.op(opName), query, func(cols []string) (bool, error) {
		return handler(scanMedia(cols))
	})
	if err != nil {
		return n, statementError(opName, err)
	}
	return n, nil
}

// ListMediaWhere streams Volumes matching a prebuilt predicate in the
// given order. For the lifecycle and prune engines, which rank
// candidates with conditions ListMedia's filter cannot express; the
// caller is responsible for escaping.
func (c *Catalog) ListMediaWhere(ctx context.Context, where, order string, handler func(*model.Media) (stop bool, err error)) (int64, error) {
	const opName = "ListMediaWhere"
	query := "SELECT " + mediaColumns + " FROM Media"
	if where != "" {
		query += " WHERE " + where
	}
	if order != "" {
		query += " ORDER BY " + order
	}
	n, err := c.conn.Query(ctx, c.op(opName), query, func(cols []string) (bool, error) {
		return handler(scanMedia(cols))
	})
	if err != nil {
		return n, statementError(opName, err)
	}
	return n, nil
}

// CreateJobMediaRecord records a Job's use of a Volume. VolIndex is
// assigned max+1 for the Job; the read and the insert run inside one
// connection-lock window so concurrent writers on this connection
// cannot produce duplicate ordinals.
func (c *Catalog) CreateJobMediaRecord(ctx context.Context, jm *model.JobMedia) error {
	const opName = "CreateJobMediaRecord"
	op := c.op(opName)
	c.conn.Acquire(op)
	defer c.conn.Release(op)

	maxQuery := fmt.Sprintf("SELECT MAX(VolIndex) FROM JobMedia WHERE JobId=%d", jm.JobID)
	cols, found, err := c.selectOne(ctx, opName, maxQuery)
	if err != nil {
		return statementError(opName, err)
	}
	jm.VolIndex = 1
	if found && cols[0] != "" {
		jm.VolIndex = parseInt(cols[0]) + 1
	}

	query := fmt.Sprintf(
		"INSERT INTO JobMedia (JobId,MediaId,FirstIndex,LastIndex,StartFile,EndFile,StartBlock,EndBlock,VolIndex) "+
			"VALUES (%d,%d,%d,%d,%d,%d,%d,%d,%d)",
		jm.JobID, jm.MediaID, jm.FirstIndex, jm.LastIndex,
		jm.StartFile, jm.EndFile, jm.StartBlock, jm.EndBlock, jm.VolIndex)
	id, err := c.conn.InsertReturningID(ctx, op, query, "JobMedia")
	if err != nil {
		return statementError(opName, err)
	}
	jm.JobMediaID = id
	return nil
}

// ListJobMedia streams a Job's JobMedia rows in write order.
func (c *Catalog) ListJobMedia(ctx context.Context, jobID int64, handler func(*model.JobMedia) (stop bool, err error)) (int64, error) {
	const opName = "ListJobMedia"
	query := fmt.Sprintf(
		"SELECT JobMediaId,JobId,MediaId,FirstIndex,LastIndex,StartFile,EndFile,StartBlock,EndBlock,VolIndex "+
			"FROM JobMedia WHERE JobId=%d ORDER BY VolIndex", jobID)
	n, err := c.conn.Query(ctx, c.op(opName), query, func(cols []string) (bool, error) {
		return handler(&model.JobMedia{
			JobMediaID: parseInt64(cols[0]),
			JobID:      parseInt64(cols[1]),
			MediaID:    parseInt64(cols[2]),
			FirstIndex: parseInt64(cols[3]),
			LastIndex:  parseInt64(cols[4]),
			StartFile:  parseInt64(cols[5]),
			EndFile:    parseInt64(cols[6]),
			StartBlock: parseInt64(cols[7]),
			EndBlock:   parseInt64(cols[8]),
			VolIndex:   parseInt(cols[9]),
		})
	})
	if err != nil {
		return n, statementError(opName, err)
	}
	return n, nil
}
