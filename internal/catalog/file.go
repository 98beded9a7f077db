package catalog

import (
	"context"
	"fmt"

	"tapecat/internal/model"
)

// FileAttributes is one file-attribute record as presented by the file
// daemon during a backup stream: the directory part, the basename, and
// the serialized metadata.
type FileAttributes struct {
	FileIndex int64
	JobID     int64
	Path      string // directory with trailing separator
	Name      string // basename, may be empty for the directory itself
	LStat     string
	MD5       string
	DeltaSeq  int
}

// CreateFileAttributes is the non-batch ingestion path: resolve Path
// and Filename (find-or-create, dedup cache applies) and insert the
// File row. One connection-lock window per file.
func (c *Catalog) CreateFileAttributes(ctx context.Context, attr *FileAttributes) (int64, error) {
	pathID, err := c.CreatePathRecord(ctx, attr.Path)
	if err != nil {
		return 0, err
	}
	nameID, err := c.CreateFilenameRecord(ctx, attr.Name)
	if err != nil {
		return 0, err
	}
	file := &model.File{
		FileIndex:  attr.FileIndex,
		JobID:      attr.JobID,
		PathID:     pathID,
		FilenameID: nameID,
		DeltaSeq:   attr.DeltaSeq,
		LStat:      attr.LStat,
		MD5:        attr.MD5,
	}
	if err := c.CreateFileRecord(ctx, file); err != nil {
		return 0, err
	}
	return file.FileID, nil
}

// CreateFileRecord inserts a File row with already-resolved ids.
func (c *Catalog) CreateFileRecord(ctx context.Context, file *model.File) error {
	const opName = "CreateFileRecord"
	query := fmt.Sprintf(
		"INSERT INTO File (FileIndex,JobId,PathId,FilenameId,DeltaSeq,MarkId,LStat,MD5) "+
			"VALUES (%d,%d,%d,%d,%d,%d,%s,%s)",
		file.FileIndex, file.JobID, file.PathID, file.FilenameID,
		file.DeltaSeq, file.MarkID, c.quote(file.LStat), c.quote(file.MD5))
	id, err := c.conn.InsertReturningID(ctx, c.op(opName), query, "File")
	if err != nil {
		return statementError(opName, err)
	}
	file.FileID = id
	return nil
}

// NamedFile is a File row joined with its Path and Filename strings.
type NamedFile struct {
	FileID    int64
	FileIndex int64
	JobID     int64
	Path      string
	Name      string
	LStat     string
	MD5       string
	DeltaSeq  int
}

// ListFilesForJob streams a job's files, joined with their names, in
// FileIndex order.
func (c *Catalog) ListFilesForJob(ctx context.Context, jobID int64, handler func(*NamedFile) (stop bool, err error)) (int64, error) {
	const opName = "ListFilesForJob"
	query := fmt.Sprintf(
		"SELECT File.FileId,File.FileIndex,File.JobId,Path.Path,Filename.Name,File.LStat,File.MD5,File.DeltaSeq "+
			"FROM File "+
			"JOIN Path ON Path.PathId=File.PathId "+
			"JOIN Filename ON Filename.FilenameId=File.FilenameId "+
			"WHERE File.JobId=%d ORDER BY File.FileIndex", jobID)
	n, err := c.conn.Query(ctx, c.op(opName), query, func(cols []string) (bool, error) {
		return handler(&NamedFile{
			FileID:    parseInt64(cols[0]),
			FileIndex: parseInt64(cols[1]),
			JobID:     parseInt64(cols[2]),
			Path:      cols[3],
			Name:      cols[4],
			LStat:     cols[5],
			MD5:       cols[6],
			DeltaSeq:  parseInt(cols[7]),
		})
	})
	if err != nil {
		return n, statementError(opName, err)
	}
	return n, nil
}

// CountFilesForJob returns the number of File rows recorded for a job.
func (c *Catalog) CountFilesForJob(ctx context.Context, jobID int64) (int64, error) {
	const opName = "CountFilesForJob"
	query := fmt.Sprintf("SELECT COUNT(*) FROM File WHERE JobId=%d", jobID)
	cols, found, err := c.selectOne(ctx, opName, query)
	if err != nil {
		return 0, statementError(opName, err)
	}
	if !found {
		return 0, nil
	}
	return parseInt64(cols[0]), nil
}

// CreateBaseFileRecord records that a file stored by an earlier base
// job stands in for an unchanged file in this job.
func (c *Catalog) CreateBaseFileRecord(ctx context.Context, bf *model.BaseFile) error {
	const opName = "CreateBaseFileRecord"
	query := fmt.Sprintf(
		"INSERT INTO BaseFiles (JobId,BaseJobId,FileId,FileIndex) VALUES (%d,%d,%d,%d)",
		bf.JobID, bf.BaseJobID, bf.FileID, bf.FileIndex)
	id, err := c.conn.InsertReturningID(ctx, c.op(opName), query, "BaseFiles")
	if err != nil {
		return statementError(opName, err)
	}
	bf.BaseID = id
	return nil
}
