package catalog

import (
	"context"
	"fmt"

	"tapecat/internal/database"
	"tapecat/internal/model"
)

const fileSetColumns = "FileSetId,FileSet,MD5,CreateTime"

func scanFileSet(cols []string) *model.FileSet {
	return &model.FileSet{
		FileSetID:  parseInt64(cols[0]),
		FileSet:    cols[1],
		MD5:        cols[2],
		CreateTime: parseTime(cols[3]),
	}
}

// CreateFileSetRecord creates a fileset or adopts the id of an
// existing one with the same (name, MD5). Changing the include/exclude
// rules changes the MD5 and so creates a new FileSetId even under an
// unchanged name: job history reflects what was actually included.
func (c *Catalog) CreateFileSetRecord(ctx context.Context, fs *model.FileSet) error {
	const opName = "CreateFileSetRecord"
	existing, err := c.GetFileSetRecord(ctx, fs.FileSet, fs.MD5)
	if err == nil {
		fs.FileSetID = existing.FileSetID
		fs.CreateTime = existing.CreateTime
		return nil
	}
	if err != database.ErrNotFound {
		return err
	}

	if fs.CreateTime.IsZero() {
		fs.CreateTime = c.clock.Now()
	}
	query := fmt.Sprintf("INSERT INTO FileSet (FileSet,MD5,CreateTime) VALUES (%s,%s,%s)",
		c.quote(fs.FileSet), c.quote(fs.MD5), c.quote(model.FormatTime(fs.CreateTime)))
	id, err := c.conn.InsertReturningID(ctx, c.op(opName), query, "FileSet")
	if err != nil {
		return statementError(opName, err)
	}
	fs.FileSetID = id
	return nil
}

// GetFileSetRecord fetches a fileset by (name, MD5).
func (c *Catalog) GetFileSetRecord(ctx context.Context, name, md5 string) (*model.FileSet, error) {
	const opName = "GetFileSetRecord"
	query := fmt.Sprintf("SELECT %s FROM FileSet WHERE FileSet=%s AND MD5=%s",
		fileSetColumns, c.quote(name), c.quote(md5))
	cols, found, err := c.selectOne(ctx, opName, query)
	if err != nil {
		return nil, statementError(opName, err)
	}
	if !found {
		return nil, database.ErrNotFound
	}
	return scanFileSet(cols), nil
}

// GetFileSetByID fetches a fileset by id.
func (c *Catalog) GetFileSetByID(ctx context.Context, fileSetID int64) (*model.FileSet, error) {
	const opName = "GetFileSetByID"
	query := fmt.Sprintf("SELECT %s FROM FileSet WHERE FileSetId=%d", fileSetColumns, fileSetID)
	cols, found, err := c.selectOne(ctx, opName, query)
	if err != nil {
		return nil, statementError(opName, err)
	}
	if !found {
		return nil, database.ErrNotFound
	}
	return scanFileSet(cols), nil
}

// ListFileSets streams filesets subject to the ACL. Multiple rows per
// name are expected: one per rule-set generation.
func (c *Catalog) ListFileSets(ctx context.Context, handler func(*model.FileSet) (stop bool, err error)) (int64, error) {
	const opName = "ListFileSets"
	query := "SELECT " + fileSetColumns + " FROM FileSet"
	if pred := c.acl.Predicate("FileSet", "FileSet"); pred != "" {
		query += " WHERE " + pred
	}
	query += " ORDER BY FileSet, CreateTime"
	n, err := c.conn.Query(ctx, c.op(opName), query, func(cols []string) (bool, error) {
		return handler(scanFileSet(cols))
	})
	if err != nil {
		return n, statementError(opName, err)
	}
	return n, nil
}
