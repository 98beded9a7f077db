package accurate

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"tapecat/internal/catalog"
	"tapecat/internal/database"
)

// scratchPrefix namespaces resolver work tables so leftovers are
// recognizable.
const scratchPrefix = "chain_scratch_"

// ScratchTable is one resolver work table.
type ScratchTable struct {
	Name  string
	JobID int64
}

// ScratchSpace hands out uniquely named work tables for chain
// resolution. Names combine the consuming JobId with a process-local
// sequence, so two resolutions for the same job (a retry inside one
// process) cannot collide, and tables left behind by a crashed process
// are swept at open.
type ScratchSpace struct {
	cat *catalog.Catalog
	seq atomic.Int64
}

// NewScratchSpace prepares a scratch namespace and sweeps tables left
// behind by earlier crashed runs.
func NewScratchSpace(ctx context.Context, cat *catalog.Catalog) (*ScratchSpace, error) {
	s := &ScratchSpace{cat: cat}
	if err := s.sweep(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Create makes a fresh work table for the job.
func (s *ScratchSpace) Create(ctx context.Context, jobID int64) (*ScratchTable, error) {
	name := fmt.Sprintf("%s%d_%d", scratchPrefix, jobID, s.seq.Add(1))
	ddl := fmt.Sprintf(
		"CREATE TABLE %s (FileId INTEGER, JobId INTEGER, FileIndex INTEGER, "+
			"PathId INTEGER, FilenameId INTEGER, LStat TEXT, MD5 TEXT)", name)
	if err := s.cat.Conn().Exec(ctx, s.op("ScratchCreate"), ddl); err != nil {
		return nil, fmt.Errorf("creating scratch table %s: %w", name, err)
	}
	return &ScratchTable{Name: name, JobID: jobID}, nil
}

// Drop removes a work table, ignoring errors: the sweep at next open
// catches anything left behind.
func (s *ScratchSpace) Drop(ctx context.Context, tbl *ScratchTable) {
	if tbl == nil {
		return
	}
	s.cat.Conn().Exec(ctx, s.op("ScratchDrop"), "DROP TABLE IF EXISTS "+tbl.Name)
}

// sweep drops every table carrying the scratch prefix. Resolver tables
// are persistent (not TEMPORARY) so a restore session can hand the
// table name to another worker, which means a crash can orphan them.
func (s *ScratchSpace) sweep(ctx context.Context) error {
	query := fmt.Sprintf(
		"SELECT name FROM sqlite_master WHERE type='table' AND name LIKE '%s%%'",
		scratchPrefix)
	var stale []string
	_, err := s.cat.Conn().Query(ctx, s.op("ScratchSweep"), query, func(cols []string) (bool, error) {
		if strings.HasPrefix(cols[0], scratchPrefix) {
			stale = append(stale, cols[0])
		}
		return false, nil
	})
	if err != nil {
		return fmt.Errorf("listing stale scratch tables: %w", err)
	}
	for _, name := range stale {
		if err := s.cat.Conn().Exec(ctx, s.op("ScratchSweep"), "DROP TABLE IF EXISTS "+name); err != nil {
			return fmt.Errorf("dropping stale scratch table %s: %w", name, err)
		}
	}
	if len(stale) > 0 {
		s.cat.Sink().Infof("swept %d stale chain scratch tables", len(stale))
	}
	return nil
}

func (s *ScratchSpace) op(name string) database.Op {
	return database.Op{Name: name, Worker: s.cat.Worker()}
}
