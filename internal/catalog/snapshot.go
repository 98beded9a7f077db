package catalog

import (
	"context"
	"fmt"
	"time"

	"tapecat/internal/database"
	"tapecat/internal/model"
)

const snapshotColumns = "SnapshotId,Name,JobId,ClientId,FileSetId,CreateTDate," +
	"CreateDate,Volume,Device,Type,Retention,Comment"

func scanSnapshot(cols []string) *model.Snapshot {
	return &model.Snapshot{
		SnapshotID:  parseInt64(cols[0]),
		Name:        cols[1],
		JobID:       parseInt64(cols[2]),
		ClientID:    parseInt64(cols[3]),
		FileSetID:   parseInt64(cols[4]),
		CreateTDate: parseInt64(cols[5]),
		CreateDate:  parseTime(cols[6]),
		Volume:      cols[7],
		Device:      cols[8],
		Type:        cols[9],
		Retention:   time.Duration(parseInt64(cols[10])) * time.Second,
		Comment:     cols[11],
	}
}

// CreateSnapshotRecord records a filesystem snapshot correlated with a
// job.
func (c *Catalog) CreateSnapshotRecord(ctx context.Context, snap *model.Snapshot) error {
	const opName = "CreateSnapshotRecord"
	if snap.CreateDate.IsZero() {
		snap.CreateDate = c.clock.Now()
	}
	if snap.CreateTDate == 0 {
		snap.CreateTDate = snap.CreateDate.Unix()
	}
	query := fmt.Sprintf(
		"INSERT INTO Snapshot (Name,JobId,ClientId,FileSetId,CreateTDate,CreateDate,"+
			"Volume,Device,Type,Retention,Comment) VALUES (%s,%d,%d,%d,%d,%s,%s,%s,%s,%d,%s)",
		c.quote(snap.Name), snap.JobID, snap.ClientID, snap.FileSetID,
		snap.CreateTDate, c.quote(model.FormatTime(snap.CreateDate)),
		c.quote(snap.Volume), c.quote(snap.Device), c.quote(snap.Type),
		seconds(snap.Retention), c.quote(snap.Comment))
	id, err := c.conn.InsertReturningID(ctx, c.op(opName), query, "Snapshot")
	if err != nil {
		return statementError(opName, err)
	}
	snap.SnapshotID = id
	return nil
}

// GetSnapshotByName fetches a snapshot by (name, device).
func (c *Catalog) GetSnapshotByName(ctx context.Context, name, device string) (*model.Snapshot, error) {
	const opName = "GetSnapshotByName"
	query := fmt.Sprintf("SELECT %s FROM Snapshot WHERE Name=%s AND Device=%s",
		snapshotColumns, c.quote(name), c.quote(device))
	cols, found, err := c.selectOne(ctx, opName, query)
	if err != nil {
		return nil, statementError(opName, err)
	}
	if !found {
		return nil, database.ErrNotFound
	}
	return scanSnapshot(cols), nil
}

// DeleteSnapshotRecord removes a snapshot row.
func (c *Catalog) DeleteSnapshotRecord(ctx context.Context, snapshotID int64) error {
	const opName = "DeleteSnapshotRecord"
	query := fmt.Sprintf("DELETE FROM Snapshot WHERE SnapshotId=%d", snapshotID)
	if err := c.conn.Exec(ctx, c.op(opName), query); err != nil {
		return statementError(opName, err)
	}
	return nil
}

// ListSnapshots streams snapshots for a client (0 for all), oldest
// first.
func (c *Catalog) ListSnapshots(ctx context.Context, clientID int64, handler func(*model.Snapshot) (stop bool, err error)) (int64, error) {
	const opName = "ListSnapshots"
	query := "SELECT " + snapshotColumns + " FROM Snapshot"
	if clientID != 0 {
		query += fmt.Sprintf(" WHERE ClientId=%d", clientID)
	}
	query += " ORDER BY SnapshotId"
	n, err := c.conn.Query(ctx, c.op(opName), query, func(cols []string) (bool, error) {
		return handler(scanSnapshot(cols))
	})
	if err != nil {
		return n, statementError(opName, err)
	}
	return n, nil
}
