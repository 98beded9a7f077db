package catalog

import (
	"context"
	"fmt"
)

// CreatePathRecord returns the PathId for a directory string, creating
// the row on first use. The same Path string always maps to the same
// PathId.
//
// A single-slot cache short-circuits the lookup for the very common
// case of consecutive files in the same directory during a backup
// stream. Most recent wins; no other eviction.
func (c *Catalog) CreatePathRecord(ctx context.Context, path string) (int64, error) {
	const opName = "CreatePathRecord"

	if c.cachedPathID != 0 && c.cachedPath == path {
		return c.cachedPathID, nil
	}

	id, err := c.findOrCreateNamed(ctx, opName, "Path", "PathId", "Path", path)
	if err != nil {
		return 0, err
	}
	c.cachedPath = path
	c.cachedPathID = id
	return id, nil
}

// CreateFilenameRecord returns the FilenameId for a basename, creating
// the row on first use. An empty name is valid (directory entries).
func (c *Catalog) CreateFilenameRecord(ctx context.Context, name string) (int64, error) {
	return c.findOrCreateNamed(ctx, "CreateFilenameRecord", "Filename", "FilenameId", "Name", name)
}

// findOrCreateNamed is the shared lookup-then-insert for the
// permanently retained name tables. The unique constraint is the
// actual race safety net: a lost insert race falls back to a second
// lookup.
func (c *Catalog) findOrCreateNamed(ctx context.Context, opName, table, idCol, nameCol, value string) (int64, error) {
	lookup := fmt.Sprintf("SELECT %s FROM %s WHERE %s=%s", idCol, table, nameCol, c.quote(value))

	cols, found, err := c.selectOne(ctx, opName, lookup)
	if err != nil {
		return 0, statementError(opName, err)
	}
	if found {
		return parseInt64(cols[0]), nil
	}

	insert := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, nameCol, c.quote(value))
	id, err := c.conn.InsertReturningID(ctx, c.op(opName), insert, table)
	if err == nil {
		return id, nil
	}

	// Lost a first-use race with a concurrent job: the row exists now.
	cols, found, lerr := c.selectOne(ctx, opName, lookup)
	if lerr == nil && found {
		return parseInt64(cols[0]), nil
	}
	return 0, statementError(opName, err)
}
