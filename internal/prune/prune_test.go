package prune_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"tapecat/internal/catalog"
	"tapecat/internal/database"
	"tapecat/internal/model"
	"tapecat/internal/prune"
	"tapecat/internal/testutil"
)

// seedJobOnVolume creates a terminated job with file history, a log
// line, a restore object and a JobMedia row on the given volume.
func seedJobOnVolume(t *testing.T, cat *catalog.Catalog, name string, clientID int64, m *model.Media, end time.Time) *model.Job {
	t.Helper()
	ctx := context.Background()

	job := &model.Job{
		Job:      fmt.Sprintf("%s.%s", name, end.Format("2006-01-02_15.04.05")),
		Name:     name,
		Type:     model.JobTypeBackup,
		Level:    model.JobLevelFull,
		Status:   model.JobStatusTerminated,
		ClientID: clientID,
		PoolID:   m.PoolID,
	}
	if err := cat.CreateJobRecord(ctx, job); err != nil {
		t.Fatalf("creating job: %v", err)
	}
	job.StartTime = end.Add(-time.Hour)
	job.EndTime = end
	job.RealEndTime = end
	job.JobFiles = 2
	if err := cat.UpdateJobEnd(ctx, job); err != nil {
		t.Fatalf("ending job: %v", err)
	}

	for i := int64(1); i <= 2; i++ {
		attr := catalog.FileAttributes{
			FileIndex: i, JobID: job.JobID,
			Path: "/data/", Name: fmt.Sprintf("%s-%d", name, i), LStat: "A A IH/",
		}
		if _, err := cat.CreateFileAttributes(ctx, &attr); err != nil {
			t.Fatalf("creating file: %v", err)
		}
	}
	if err := cat.AddJobLog(ctx, model.JobLogLine{JobID: job.JobID, Time: end, LogText: "done"}); err != nil {
		t.Fatalf("adding log: %v", err)
	}
	if err := cat.CreateRestoreObject(ctx, &model.RestoreObject{
		JobID: job.JobID, ObjectName: "state", Object: []byte("blob"),
	}); err != nil {
		t.Fatalf("creating restore object: %v", err)
	}
	if err := cat.CreateJobMediaRecord(ctx, &model.JobMedia{JobID: job.JobID, MediaID: m.MediaID}); err != nil {
		t.Fatalf("creating jobmedia: %v", err)
	}
	return job
}

func mkVolume(t *testing.T, cat *catalog.Catalog, poolID int64, volName string, status model.VolStatus) *model.Media {
	t.Helper()
	m := &model.Media{
		VolumeName: volName, PoolID: poolID, MediaType: "File",
		VolStatus: status, Enabled: true, Recycle: true,
	}
	if err := cat.CreateMediaRecord(context.Background(), m); err != nil {
		t.Fatalf("creating volume: %v", err)
	}
	return m
}

func countRows(t *testing.T, cat *catalog.Catalog, table string, jobID int64) int64 {
	t.Helper()
	var n int64
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE JobId=%d", table, jobID)
	_, err := cat.Conn().Query(context.Background(),
		dbOp(cat, "CountRows"), query, func(cols []string) (bool, error) {
			fmt.Sscanf(cols[0], "%d", &n)
			return true, nil
		})
	if err != nil {
		t.Fatalf("counting %s: %v", table, err)
	}
	return n
}

func TestPurgeMediaCascade(t *testing.T) {
	cat, _, _ := testutil.NewTestCatalog(t)
	eng := prune.NewEngine(cat)
	ctx := context.Background()

	vol := mkVolume(t, cat, 1, "vol-hist", model.VolStatusUsed)
	other := mkVolume(t, cat, 1, "vol-live", model.VolStatusUsed)
	end := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	victim := seedJobOnVolume(t, cat, "victim", 1, vol, end)
	survivor := seedJobOnVolume(t, cat, "survivor", 1, other, end)

	counts, err := eng.PurgeMedia(ctx, vol)
	if err != nil {
		t.Fatalf("purging: %v", err)
	}
	if counts.Jobs != 1 || counts.Files != 2 || counts.JobMedia != 1 {
		t.Errorf("counts %+v, want 1 job / 2 files / 1 jobmedia", counts)
	}

	for _, table := range []string{"File", "JobMedia", "Log", "RestoreObject", "Job"} {
		if n := countRows(t, cat, table, victim.JobID); n != 0 {
			t.Errorf("%s rows for purged job remain: %d", table, n)
		}
		want := int64(1)
		if table == "File" {
			want = 2
		}
		if n := countRows(t, cat, table, survivor.JobID); n != want {
			t.Errorf("%s rows for unrelated job touched: %d, want %d", table, n, want)
		}
	}

	got, err := cat.GetMediaByName(ctx, "vol-hist")
	if err != nil {
		t.Fatalf("fetching volume: %v", err)
	}
	if got.VolStatus != model.VolStatusPurged {
		t.Errorf("status %s, want Purged", got.VolStatus)
	}
}

func TestPurgeMediaRecordDeletesRow(t *testing.T) {
	cat, _, _ := testutil.NewTestCatalog(t)
	eng := prune.NewEngine(cat)
	ctx := context.Background()

	pool := &model.Pool{Name: "Default", PoolType: "Backup"}
	if err := cat.CreatePoolRecord(ctx, pool); err != nil {
		t.Fatalf("creating pool: %v", err)
	}
	vol := mkVolume(t, cat, pool.PoolID, "vol-gone", model.VolStatusUsed)
	seedJobOnVolume(t, cat, "gone", 1, vol, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	if _, err := eng.PurgeMediaRecord(ctx, vol); err != nil {
		t.Fatalf("purging with delete: %v", err)
	}
	if _, err := cat.GetMediaByName(ctx, "vol-gone"); err == nil {
		t.Error("media row survives PurgeMediaRecord")
	}

	got, err := cat.GetPoolRecord(ctx, pool.PoolID)
	if err != nil {
		t.Fatalf("fetching pool: %v", err)
	}
	if got.NumVols != 0 {
		t.Errorf("pool NumVols %d after delete, want 0", got.NumVols)
	}
}

func TestPruneJobsAnchorsOnVolumeState(t *testing.T) {
	cat, _, _ := testutil.NewTestCatalog(t)
	clock := testutil.NewStubClock(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	eng := prune.NewEngine(cat).WithClock(clock)
	ctx := context.Background()

	client := &model.Client{Name: "db01", JobRetention: 30 * 24 * time.Hour}
	if err := cat.CreateClientRecord(ctx, client); err != nil {
		t.Fatalf("creating client: %v", err)
	}

	liveVol := mkVolume(t, cat, 1, "vol-live", model.VolStatusFull)
	deadVol := mkVolume(t, cat, 1, "vol-dead", model.VolStatusPurged)

	old := clock.Now().Add(-90 * 24 * time.Hour)
	onLive := seedJobOnVolume(t, cat, "on-live", client.ClientID, liveVol, old)
	onDead := seedJobOnVolume(t, cat, "on-dead", client.ClientID, deadVol, old)
	recent := seedJobOnVolume(t, cat, "recent", client.ClientID, deadVol, clock.Now().Add(-24*time.Hour))

	counts, err := eng.PruneJobs(ctx, client)
	if err != nil {
		t.Fatalf("pruning: %v", err)
	}
	if counts.Jobs != 1 {
		t.Errorf("pruned %d jobs, want 1", counts.Jobs)
	}

	// Expired, but its volume still holds live data: must survive.
	if _, err := cat.GetJobRecord(ctx, onLive.JobID); err != nil {
		t.Error("job on live volume pruned by age alone")
	}
	// Expired and every volume purged: prunable.
	if _, err := cat.GetJobRecord(ctx, onDead.JobID); err == nil {
		t.Error("expired job on purged volume survives")
	}
	// Within retention: must survive regardless of volume state.
	if _, err := cat.GetJobRecord(ctx, recent.JobID); err != nil {
		t.Error("job within retention pruned")
	}
}

func TestPruneVolume(t *testing.T) {
	cat, _, _ := testutil.NewTestCatalog(t)
	clock := testutil.NewStubClock(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	eng := prune.NewEngine(cat).WithClock(clock)
	ctx := context.Background()

	mk := func(name string, status model.VolStatus, lastWritten time.Time, retention time.Duration) *model.Media {
		m := mkVolume(t, cat, 1, name, status)
		m.LastWritten = lastWritten
		m.VolRetention = retention
		if err := cat.UpdateMediaRecord(ctx, m); err != nil {
			t.Fatalf("seeding %s: %v", name, err)
		}
		return m
	}

	month := 30 * 24 * time.Hour

	t.Run("expired settled volume purges", func(t *testing.T) {
		m := mk("vol-expired", model.VolStatusFull, clock.Now().Add(-2*month), month)
		purged, err := eng.PruneVolume(ctx, m)
		if err != nil {
			t.Fatalf("pruning: %v", err)
		}
		if !purged {
			t.Error("expired volume not purged")
		}
		if m.VolStatus != model.VolStatusPurged {
			t.Errorf("status %s, want Purged", m.VolStatus)
		}
	})

	t.Run("within retention stays", func(t *testing.T) {
		m := mk("vol-fresh", model.VolStatusFull, clock.Now().Add(-time.Hour), month)
		purged, err := eng.PruneVolume(ctx, m)
		if err != nil || purged {
			t.Errorf("fresh volume purged=%v err=%v", purged, err)
		}
	})

	t.Run("append volume never pruned", func(t *testing.T) {
		m := mk("vol-append", model.VolStatusAppend, clock.Now().Add(-2*month), month)
		purged, err := eng.PruneVolume(ctx, m)
		if err != nil || purged {
			t.Errorf("append volume purged=%v err=%v", purged, err)
		}
	})

	t.Run("zero retention never expires", func(t *testing.T) {
		m := mk("vol-forever", model.VolStatusFull, clock.Now().Add(-2*month), 0)
		purged, err := eng.PruneVolume(ctx, m)
		if err != nil || purged {
			t.Errorf("zero-retention volume purged=%v err=%v", purged, err)
		}
	})
}

func TestPruneSnapshots(t *testing.T) {
	cat, _, _ := testutil.NewTestCatalog(t)
	clock := testutil.NewStubClock(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	eng := prune.NewEngine(cat).WithClock(clock)
	ctx := context.Background()

	mk := func(name string, age time.Duration, retention time.Duration) {
		snap := &model.Snapshot{
			Name: name, Device: "/dev/pool", Volume: name,
			CreateDate: clock.Now().Add(-age), Retention: retention,
		}
		if err := cat.CreateSnapshotRecord(ctx, snap); err != nil {
			t.Fatalf("creating snapshot: %v", err)
		}
	}
	mk("snap-old", 72*time.Hour, 24*time.Hour)
	mk("snap-new", time.Hour, 24*time.Hour)
	mk("snap-keep", 72*time.Hour, 0)

	n, err := eng.PruneSnapshots(ctx)
	if err != nil {
		t.Fatalf("pruning snapshots: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d snapshots, want 1", n)
	}
	if _, err := cat.GetSnapshotByName(ctx, "snap-new", "/dev/pool"); err != nil {
		t.Error("fresh snapshot pruned")
	}
	if _, err := cat.GetSnapshotByName(ctx, "snap-old", "/dev/pool"); err == nil {
		t.Error("expired snapshot survives")
	}
}

func dbOp(cat *catalog.Catalog, name string) database.Op {
	return database.Op{Name: name, Worker: cat.Worker()}
}
