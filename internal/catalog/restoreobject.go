package catalog

import (
	"context"
	"fmt"

	"tapecat/internal/model"
)

// CreateRestoreObject attaches an opaque plugin payload to a job. The
// payload passes through the engine's binary escaping: embedded NULs
// and arbitrary bytes round-trip losslessly.
func (c *Catalog) CreateRestoreObject(ctx context.Context, ro *model.RestoreObject) error {
	const opName = "CreateRestoreObject"
	eng := c.conn.Engine()
	query := fmt.Sprintf(
		"INSERT INTO RestoreObject (JobId,FileIndex,FileType,ObjectIndex,ObjectType,"+
			"ObjectName,PluginName,ObjectLength,ObjectFullLength,ObjectCompression,RestoreObject) "+
			"VALUES (%d,%d,%d,%d,%d,%s,%s,%d,%d,%d,'%s')",
		ro.JobID, ro.FileIndex, ro.FileType, ro.ObjectIndex, ro.ObjectType,
		c.quote(ro.ObjectName), c.quote(ro.PluginName),
		len(ro.Object), ro.ObjectFullLength, ro.ObjectCompression,
		eng.EscapeBinary(ro.Object))
	id, err := c.conn.InsertReturningID(ctx, c.op(opName), query, "RestoreObject")
	if err != nil {
		return statementError(opName, err)
	}
	ro.RestoreObjectID = id
	ro.ObjectLength = len(ro.Object)
	return nil
}

// GetRestoreObjects returns a job's restore objects in ObjectIndex
// order, payloads decoded.
func (c *Catalog) GetRestoreObjects(ctx context.Context, jobID int64) ([]*model.RestoreObject, error) {
	const opName = "GetRestoreObjects"
	eng := c.conn.Engine()
	query := fmt.Sprintf(
		"SELECT RestoreObjectId,JobId,FileIndex,FileType,ObjectIndex,ObjectType,ObjectName,"+
			"PluginName,ObjectLength,ObjectFullLength,ObjectCompression,RestoreObject "+
			"FROM RestoreObject WHERE JobId=%d ORDER BY ObjectIndex", jobID)
	var objects []*model.RestoreObject
	var decodeErr error
	_, err := c.conn.Query(ctx, c.op(opName), query, func(cols []string) (bool, error) {
		raw, err := eng.UnescapeBinary(cols[11])
		if err != nil {
			decodeErr = fmt.Errorf("restore object %s: %w", cols[0], err)
			return true, nil
		}
		objects = append(objects, &model.RestoreObject{
			RestoreObjectID:   parseInt64(cols[0]),
			JobID:             parseInt64(cols[1]),
			FileIndex:         parseInt64(cols[2]),
			FileType:          parseInt(cols[3]),
			ObjectIndex:       parseInt(cols[4]),
			ObjectType:        parseInt(cols[5]),
			ObjectName:        cols[6],
			PluginName:        cols[7],
			ObjectLength:      parseInt(cols[8]),
			ObjectFullLength:  parseInt(cols[9]),
			ObjectCompression: parseInt(cols[10]),
			Object:            raw,
		})
		return false, nil
	})
	if err != nil {
		return nil, statementError(opName, err)
	}
	if decodeErr != nil {
		return nil, statementError(opName, decodeErr)
	}
	return objects, nil
}

// CopyRestoreObjects duplicates a source job's restore objects under
// the new JobId. Used on Copy reconciliation.
func (c *Catalog) CopyRestoreObjects(ctx context.Context, fromJobID, toJobID int64) error {
	const opName = "CopyRestoreObjects"
	query := fmt.Sprintf(
		"INSERT INTO RestoreObject (JobId,FileIndex,FileType,ObjectIndex,ObjectType,"+
			"ObjectName,PluginName,ObjectLength,ObjectFullLength,ObjectCompression,RestoreObject) "+
			"SELECT %d,FileIndex,FileType,ObjectIndex,ObjectType,ObjectName,PluginName,"+
			"ObjectLength,ObjectFullLength,ObjectCompression,RestoreObject "+
			"FROM RestoreObject WHERE JobId=%d", toJobID, fromJobID)
	if err := c.conn.Exec(ctx, c.op(opName), query); err != nil {
		return statementError(opName, err)
	}
	return nil
}
