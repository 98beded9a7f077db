// Package catalog is the record access layer of the backup catalog:
// create/get/update/delete/list operations over jobs, volumes, files
// and their supporting entities, built on the abstract execution
// engine in internal/database.
package catalog

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"tapecat/internal/database"
	"tapecat/internal/model"
)

// MsgSink receives all user-visible diagnostics for the job a Catalog
// is serving. The catalog never writes to a terminal or log file
// directly.
type MsgSink interface {
	Fatalf(format string, args ...any)
	Warningf(format string, args ...any)
	Infof(format string, args ...any)
}

// NopSink discards all messages. Use in tests that don't assert on
// diagnostics.
type NopSink struct{}

func (NopSink) Fatalf(string, ...any)   {}
func (NopSink) Warningf(string, ...any) {}
func (NopSink) Infof(string, ...any)    {}

// Clock abstracts time retrieval so record timestamps are
// deterministic in tests.
type Clock interface {
	Now() time.Time
}

// RealClock returns the actual current time.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// Catalog serves one logical job worker. All operations go through the
// worker's connection lock; a second Catalog on the same connection
// serializes against this one, Catalogs on different connections run
// concurrently.
type Catalog struct {
	conn   *database.Conn
	worker int64
	sink   MsgSink
	acl    AccessFilter
	clock  Clock

	// Single-slot path dedup cache: backup streams present files
	// sorted by directory, so consecutive files share a Path with very
	// high locality. Most recent wins; scoped to this worker only.
	cachedPath   string
	cachedPathID int64
}

// New creates a Catalog for one worker on the given connection.
func New(conn *database.Conn, worker int64, sink MsgSink) *Catalog {
	if sink == nil {
		sink = NopSink{}
	}
	return &Catalog{
		conn:   conn,
		worker: worker,
		sink:   sink,
		acl:    AllowAll{},
		clock:  RealClock{},
	}
}

// WithACL restricts this Catalog's list/find operations to the names
// the filter allows.
func (c *Catalog) WithACL(acl AccessFilter) *Catalog {
	if acl != nil {
		c.acl = acl
	}
	return c
}

// WithClock overrides the time source. Tests only.
func (c *Catalog) WithClock(clock Clock) *Catalog {
	c.clock = clock
	return c
}

// Conn exposes the underlying connection for engines that need
// cross-package coordination (media, prune, accurate, mover).
func (c *Catalog) Conn() *database.Conn { return c.conn }

// Worker returns the lock-ownership id this Catalog issues statements
// under.
func (c *Catalog) Worker() int64 { return c.worker }

// Sink returns the job's message sink.
func (c *Catalog) Sink() MsgSink { return c.sink }

func (c *Catalog) op(name string) database.Op {
	return database.Op{Name: name, Worker: c.worker}
}

// esc escapes a text value for literal embedding.
func (c *Catalog) esc(s string) string {
	return c.conn.Engine().EscapeText(s)
}

// quote escapes and single-quotes a text value.
func (c *Catalog) quote(s string) string {
	return "'" + c.esc(s) + "'"
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func parseBool(s string) bool { return s != "" && s != "0" }

func parseInt64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func parseInt(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func parseTime(s string) time.Time {
	t, _ := model.ParseTime(s)
	return t
}

func seconds(d time.Duration) int64 { return int64(d / time.Second) }

// selectOne runs a lookup that expects at most one row. More than one
// is a logged, non-fatal anomaly: the first row is returned and the
// operation continues. This tolerance for historical duplicate data is
// deliberate and uniform.
func (c *Catalog) selectOne(ctx context.Context, opName, query string) ([]string, bool, error) {
	var first []string
	var count int64
	_, err := c.conn.Query(ctx, c.op(opName), query, func(cols []string) (bool, error) {
		count++
		if first == nil {
			first = append([]string(nil), cols...)
			return false, nil // keep reading to detect duplicates
		}
		return true, nil
	})
	if err != nil {
		return nil, false, err
	}
	if count > 1 {
		c.sink.Warningf("%s: found %d rows where 1 expected, using first", opName, count)
	}
	return first, first != nil, nil
}

// statementError wraps a failed statement with its logical operation
// context for propagation to the job.
func statementError(opName string, err error) error {
	return fmt.Errorf("%s: %w", opName, err)
}
