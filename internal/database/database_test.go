package database_test

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"tapecat/internal/database"
	"tapecat/internal/testutil"
)

func op(worker int64) database.Op {
	return database.Op{Name: "test", Worker: worker}
}

func TestConnLockReentrancy(t *testing.T) {
	pool := testutil.NewTestPool(t)
	conn, err := pool.Get()
	if err != nil {
		t.Fatalf("getting connection: %v", err)
	}
	defer pool.Put(conn)

	// Nested acquisition by the same worker must not deadlock.
	conn.Acquire(op(1))
	conn.Acquire(op(1))

	// A second worker stays blocked until the outermost release.
	entered := make(chan struct{})
	go func() {
		conn.Acquire(op(2))
		close(entered)
		conn.Release(op(2))
	}()

	select {
	case <-entered:
		t.Fatal("second worker acquired a held lock")
	case <-time.After(50 * time.Millisecond):
	}

	conn.Release(op(1))
	select {
	case <-entered:
		t.Fatal("inner release unlocked the connection")
	case <-time.After(50 * time.Millisecond):
	}

	conn.Release(op(1))
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("outermost release did not wake the waiter")
	}
}

func TestReleaseWithoutHoldPanics(t *testing.T) {
	pool := testutil.NewTestPool(t)
	conn, err := pool.Get()
	if err != nil {
		t.Fatalf("getting connection: %v", err)
	}
	defer pool.Put(conn)

	defer func() {
		if recover() == nil {
			t.Error("release without hold did not panic")
		}
	}()
	conn.Release(op(7))
}

func TestQueryRow(t *testing.T) {
	pool := testutil.NewTestPool(t)
	conn, err := pool.Get()
	if err != nil {
		t.Fatalf("getting connection: %v", err)
	}
	defer pool.Put(conn)
	ctx := context.Background()

	cols, found, err := conn.QueryRow(ctx, op(1), "SELECT 5, 'hello'")
	if err != nil {
		t.Fatalf("querying: %v", err)
	}
	if !found || len(cols) != 2 || cols[0] != "5" || cols[1] != "hello" {
		t.Errorf("got %v found=%v", cols, found)
	}

	_, found, err = conn.QueryRow(ctx, op(1), "SELECT Name FROM Client WHERE ClientId=999999")
	if err != nil {
		t.Fatalf("querying empty: %v", err)
	}
	if found {
		t.Error("found reported for empty result")
	}
}

func TestLastErrorCarriesOperation(t *testing.T) {
	pool := testutil.NewTestPool(t)
	conn, err := pool.Get()
	if err != nil {
		t.Fatalf("getting connection: %v", err)
	}
	defer pool.Put(conn)

	badOp := database.Op{Name: "BrokenStatement", Worker: 1}
	if err := conn.Exec(context.Background(), badOp, "INSERT INTO NoSuchTable VALUES (1)"); err == nil {
		t.Fatal("bad statement accepted")
	}
	if got := conn.LastError(); !strings.Contains(got, "BrokenStatement") {
		t.Errorf("last error %q does not name the operation", got)
	}
}

func TestEscaping(t *testing.T) {
	pool := testutil.NewTestPool(t)
	conn, err := pool.Get()
	if err != nil {
		t.Fatalf("getting connection: %v", err)
	}
	defer pool.Put(conn)
	eng := conn.Engine()

	if got := eng.EscapeText("it's a 'test'"); got != "it''s a ''test''" {
		t.Errorf("EscapeText = %q", got)
	}
	if got := eng.EscapeText("plain"); got != "plain" {
		t.Errorf("EscapeText mangled plain text: %q", got)
	}

	payload := []byte{0, 1, '\'', 0xFF, 'x'}
	encoded := eng.EscapeBinary(payload)
	decoded, err := eng.UnescapeBinary(encoded)
	if err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if !bytes.Equal(decoded, payload) {
		t.Errorf("binary round trip %v -> %v", payload, decoded)
	}
}

func TestBatchHonoredOnlyOnDedicated(t *testing.T) {
	pool := testutil.NewTestPool(t)
	shared, err := pool.Get()
	if err != nil {
		t.Fatalf("getting shared connection: %v", err)
	}
	defer pool.Put(shared)
	ctx := context.Background()

	if err := shared.Exec(ctx, op(1), "CREATE TABLE batch_probe (x INTEGER)"); err != nil {
		t.Fatalf("creating probe table: %v", err)
	}

	// On the shared connection batching is a silent no-op, so a
	// subsequent writer is never blocked by an open transaction.
	if err := shared.BeginBatch(ctx, op(1)); err != nil {
		t.Fatalf("shared BeginBatch: %v", err)
	}
	if err := shared.EndBatch(ctx, op(1)); err != nil {
		t.Fatalf("shared EndBatch: %v", err)
	}

	ded, err := pool.GetDedicated(ctx)
	if err != nil {
		t.Fatalf("getting dedicated connection: %v", err)
	}
	defer pool.Put(ded)

	if !ded.Dedicated() || shared.Dedicated() {
		t.Fatal("dedicated flags wrong")
	}
	if err := ded.BeginBatch(ctx, op(2)); err != nil {
		t.Fatalf("dedicated BeginBatch: %v", err)
	}
	if err := ded.Exec(ctx, op(2), "INSERT INTO batch_probe VALUES (1)"); err != nil {
		t.Fatalf("inserting in batch: %v", err)
	}
	if err := ded.EndBatch(ctx, op(2)); err != nil {
		t.Fatalf("dedicated EndBatch: %v", err)
	}

	var n int64
	_, err = shared.Query(ctx, op(1), "SELECT COUNT(*) FROM batch_probe", func(cols []string) (bool, error) {
		fmt.Sscanf(cols[0], "%d", &n)
		return true, nil
	})
	if err != nil {
		t.Fatalf("counting: %v", err)
	}
	if n != 1 {
		t.Errorf("committed batch row not visible: count=%d", n)
	}
}

func TestBatchForcedCommitPastThreshold(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.db")
	eng, err := database.NewSQLiteEngine(path)
	if err != nil {
		t.Fatalf("opening engine: %v", err)
	}
	if err := eng.Migrate(); err != nil {
		t.Fatalf("migrating: %v", err)
	}
	eng.Close()

	pool, err := database.Open(database.Options{Driver: "sqlite", Path: path, MaxBatchChanges: 3})
	if err != nil {
		t.Fatalf("opening pool: %v", err)
	}
	defer pool.Close()
	ctx := context.Background()

	shared, err := pool.Get()
	if err != nil {
		t.Fatalf("getting shared connection: %v", err)
	}
	defer pool.Put(shared)
	if err := shared.Exec(ctx, op(1), "CREATE TABLE commit_probe (x INTEGER)"); err != nil {
		t.Fatalf("creating probe table: %v", err)
	}

	ded, err := pool.GetDedicated(ctx)
	if err != nil {
		t.Fatalf("getting dedicated connection: %v", err)
	}
	defer pool.Put(ded)
	if err := ded.BeginBatch(ctx, op(2)); err != nil {
		t.Fatalf("beginning batch: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := ded.Exec(ctx, op(2), fmt.Sprintf("INSERT INTO commit_probe VALUES (%d)", i)); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	// The threshold forces a commit mid-batch, so the first rows are
	// already visible to other connections before EndBatch.
	var n int64
	_, err = shared.Query(ctx, op(1), "SELECT COUNT(*) FROM commit_probe", func(cols []string) (bool, error) {
		fmt.Sscanf(cols[0], "%d", &n)
		return true, nil
	})
	if err != nil {
		t.Fatalf("counting mid-batch: %v", err)
	}
	if n < 3 {
		t.Errorf("forced commit not observed: %d rows visible, want >= 3", n)
	}
	if err := ded.EndBatch(ctx, op(2)); err != nil {
		t.Fatalf("ending batch: %v", err)
	}
}

func TestSchemaCheckAndMigrate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fresh.db")
	eng, err := database.NewSQLiteEngine(path)
	if err != nil {
		t.Fatalf("opening engine: %v", err)
	}
	defer eng.Close()

	if err := eng.CheckSchema(); err == nil {
		t.Error("schema check passed on an empty database")
	}
	if err := eng.Migrate(); err != nil {
		t.Fatalf("migrating: %v", err)
	}
	if err := eng.CheckSchema(); err != nil {
		t.Errorf("schema check failed after migrate: %v", err)
	}
	// Migrating an up-to-date schema is a no-op, not an error.
	if err := eng.Migrate(); err != nil {
		t.Errorf("re-migrate failed: %v", err)
	}
}

func TestBackupTo(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.db")
	eng, err := database.NewSQLiteEngine(path)
	if err != nil {
		t.Fatalf("opening engine: %v", err)
	}
	defer eng.Close()
	if err := eng.Migrate(); err != nil {
		t.Fatalf("migrating: %v", err)
	}
	ctx := context.Background()
	if err := eng.Exec(ctx, "INSERT INTO Client (Name,Uname) VALUES ('c1','')"); err != nil {
		t.Fatalf("seeding: %v", err)
	}

	dest := filepath.Join(dir, "backup.db")
	if err := eng.BackupTo(dest); err != nil {
		t.Fatalf("backing up: %v", err)
	}

	restored, err := database.NewSQLiteEngine(dest)
	if err != nil {
		t.Fatalf("opening backup: %v", err)
	}
	defer restored.Close()
	if err := restored.CheckSchema(); err != nil {
		t.Errorf("backup schema check: %v", err)
	}
	var name string
	_, err = restored.Query(ctx, "SELECT Name FROM Client", func(cols []string) (bool, error) {
		name = cols[0]
		return true, nil
	})
	if err != nil {
		t.Fatalf("reading backup: %v", err)
	}
	if name != "c1" {
		t.Errorf("backup row %q, want c1", name)
	}
}

func TestPoolRefusesUnknownDriver(t *testing.T) {
	_, err := database.Open(database.Options{Driver: "postgres", Path: "ignored", ConnectRetries: 1})
	if err == nil {
		t.Fatal("unknown driver accepted")
	}
}

func TestConcurrentWorkersSerialize(t *testing.T) {
	pool := testutil.NewTestPool(t)
	conn, err := pool.Get()
	if err != nil {
		t.Fatalf("getting connection: %v", err)
	}
	defer pool.Put(conn)
	ctx := context.Background()

	if err := conn.Exec(ctx, op(1), "CREATE TABLE serial_probe (x INTEGER)"); err != nil {
		t.Fatalf("creating probe table: %v", err)
	}

	const workers = 8
	const perWorker = 20
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for w := 1; w <= workers; w++ {
		wg.Add(1)
		go func(w int64) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if err := conn.Exec(ctx, op(w), "INSERT INTO serial_probe VALUES (1)"); err != nil {
					errs <- err
					return
				}
			}
		}(int64(w))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent insert: %v", err)
	}

	var n int64
	_, err = conn.Query(ctx, op(1), "SELECT COUNT(*) FROM serial_probe", func(cols []string) (bool, error) {
		fmt.Sscanf(cols[0], "%d", &n)
		return true, nil
	})
	if err != nil {
		t.Fatalf("counting: %v", err)
	}
	if n != workers*perWorker {
		t.Errorf("got %d rows, want %d", n, workers*perWorker)
	}
}

func TestExecCounting(t *testing.T) {
	pool := testutil.NewTestPool(t)
	conn, err := pool.Get()
	if err != nil {
		t.Fatalf("getting connection: %v", err)
	}
	defer pool.Put(conn)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		q := fmt.Sprintf("INSERT INTO Client (Name) VALUES ('count-%d')", i)
		if err := conn.Exec(ctx, op(1), q); err != nil {
			t.Fatalf("seeding: %v", err)
		}
	}

	n, err := conn.ExecCounting(ctx, op(1),
		"UPDATE Client SET Uname='x' WHERE Name LIKE 'count-%'")
	if err != nil {
		t.Fatalf("counting exec: %v", err)
	}
	if n != 3 {
		t.Errorf("changed %d rows, want 3", n)
	}

	n, err = conn.ExecCounting(ctx, op(1),
		"DELETE FROM Client WHERE Name='no-such-client'")
	if err != nil {
		t.Fatalf("counting exec: %v", err)
	}
	if n != 0 {
		t.Errorf("deleted %d rows, want 0", n)
	}

	if _, err := conn.ExecCounting(ctx, op(1), "DELETE FROM NoSuchTable"); err == nil {
		t.Error("broken statement accepted")
	}
}

func TestWorkerIDsUniqueAcrossPools(t *testing.T) {
	a := testutil.NewTestPool(t)
	b := testutil.NewTestPool(t)
	seen := make(map[int64]bool)
	for i := 0; i < 10; i++ {
		for _, w := range []int64{a.NewWorker(), b.NewWorker()} {
			if seen[w] {
				t.Fatalf("worker id %d issued twice", w)
			}
			seen[w] = true
		}
	}
}
