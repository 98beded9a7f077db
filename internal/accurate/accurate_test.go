package accurate_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"tapecat/internal/accurate"
	"tapecat/internal/catalog"
	"tapecat/internal/database"
	"tapecat/internal/model"
	"tapecat/internal/testutil"
)

type jobSpec struct {
	Level    model.JobLevel
	Start    time.Time
	Type     model.JobType
	Status   model.JobStatus
	ClientID int64
}

var jobSeq int

func addJob(t *testing.T, cat *catalog.Catalog, spec jobSpec) *model.Job {
	t.Helper()
	ctx := context.Background()
	if spec.Type == "" {
		spec.Type = model.JobTypeBackup
	}
	if spec.Status == "" {
		spec.Status = model.JobStatusTerminated
	}
	if spec.ClientID == 0 {
		spec.ClientID = 7
	}
	jobSeq++
	job := &model.Job{
		Job:       fmt.Sprintf("chain.run-%d", jobSeq),
		Name:      "chain",
		Type:      spec.Type,
		Level:     spec.Level,
		Status:    model.JobStatusCreated,
		ClientID:  spec.ClientID,
		FileSetID: 3,
		PoolID:    1,
	}
	if err := cat.CreateJobRecord(ctx, job); err != nil {
		t.Fatalf("creating job: %v", err)
	}
	job.Status = model.JobStatusRunning
	job.StartTime = spec.Start
	if err := cat.UpdateJobStart(ctx, job); err != nil {
		t.Fatalf("starting job: %v", err)
	}
	job.Status = spec.Status
	job.EndTime = spec.Start.Add(30 * time.Minute)
	if err := cat.UpdateJobEnd(ctx, job); err != nil {
		t.Fatalf("ending job: %v", err)
	}
	return job
}

func TestComputeAccurateJobIDs(t *testing.T) {
	day := func(d int) time.Time {
		return time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC).AddDate(0, 0, d)
	}
	req := accurate.ChainRequest{ClientID: 7, FileSetID: 3, Level: model.JobLevelIncremental}

	newResolver := func(t *testing.T) (*accurate.Resolver, *catalog.Catalog) {
		cat, _, _ := testutil.NewTestCatalog(t)
		clock := testutil.NewStubClock(day(30))
		return accurate.NewResolver(cat).WithClock(clock), cat
	}

	assertChain := func(t *testing.T, r *accurate.Resolver, req accurate.ChainRequest, want []int64) {
		t.Helper()
		got, err := r.ComputeAccurateJobIDs(context.Background(), req)
		if err != nil {
			t.Fatalf("resolving chain: %v", err)
		}
		if len(got) != len(want) {
			t.Fatalf("chain %v, want %v", got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("chain %v, want %v", got, want)
			}
		}
	}

	t.Run("full plus incrementals", func(t *testing.T) {
		r, cat := newResolver(t)
		full := addJob(t, cat, jobSpec{Level: model.JobLevelFull, Start: day(0)})
		i1 := addJob(t, cat, jobSpec{Level: model.JobLevelIncremental, Start: day(1)})
		i2 := addJob(t, cat, jobSpec{Level: model.JobLevelIncremental, Start: day(2)})
		assertChain(t, r, req, []int64{full.JobID, i1.JobID, i2.JobID})
	})

	t.Run("differential re-anchors an incremental request", func(t *testing.T) {
		r, cat := newResolver(t)
		full := addJob(t, cat, jobSpec{Level: model.JobLevelFull, Start: day(0)})
		addJob(t, cat, jobSpec{Level: model.JobLevelIncremental, Start: day(1)})
		diff := addJob(t, cat, jobSpec{Level: model.JobLevelDifferential, Start: day(2)})
		i3 := addJob(t, cat, jobSpec{Level: model.JobLevelIncremental, Start: day(3)})
		assertChain(t, r, req, []int64{full.JobID, diff.JobID, i3.JobID})

		vf := req
		vf.Level = model.JobLevelVirtualFull
		assertChain(t, r, vf, []int64{full.JobID, diff.JobID, i3.JobID})
	})

	t.Run("differential request builds on the full alone", func(t *testing.T) {
		r, cat := newResolver(t)
		full := addJob(t, cat, jobSpec{Level: model.JobLevelFull, Start: day(0)})
		i1 := addJob(t, cat, jobSpec{Level: model.JobLevelIncremental, Start: day(1)})
		addJob(t, cat, jobSpec{Level: model.JobLevelDifferential, Start: day(2)})
		i3 := addJob(t, cat, jobSpec{Level: model.JobLevelIncremental, Start: day(3)})

		// No Differential in the chain: the request captures everything
		// since the Full itself.
		dreq := req
		dreq.Level = model.JobLevelDifferential
		assertChain(t, r, dreq, []int64{full.JobID, i1.JobID, i3.JobID})
	})

	t.Run("newest full supersedes older chain", func(t *testing.T) {
		r, cat := newResolver(t)
		addJob(t, cat, jobSpec{Level: model.JobLevelFull, Start: day(0)})
		addJob(t, cat, jobSpec{Level: model.JobLevelIncremental, Start: day(1)})
		full2 := addJob(t, cat, jobSpec{Level: model.JobLevelFull, Start: day(5)})
		i := addJob(t, cat, jobSpec{Level: model.JobLevelIncremental, Start: day(6)})
		assertChain(t, r, req, []int64{full2.JobID, i.JobID})
	})

	t.Run("as-of bound is strict", func(t *testing.T) {
		r, cat := newResolver(t)
		full := addJob(t, cat, jobSpec{Level: model.JobLevelFull, Start: day(0)})
		i1 := addJob(t, cat, jobSpec{Level: model.JobLevelIncremental, Start: day(1)})
		atBound := addJob(t, cat, jobSpec{Level: model.JobLevelIncremental, Start: day(2)})

		bounded := req
		bounded.AsOf = atBound.StartTime
		assertChain(t, r, bounded, []int64{full.JobID, i1.JobID})
	})

	t.Run("failures excluded, warnings kept", func(t *testing.T) {
		r, cat := newResolver(t)
		addJob(t, cat, jobSpec{Level: model.JobLevelFull, Start: day(0), Status: model.JobStatusError})
		full := addJob(t, cat, jobSpec{Level: model.JobLevelFull, Start: day(1), Status: model.JobStatusWarnings})
		addJob(t, cat, jobSpec{Level: model.JobLevelIncremental, Start: day(2), Status: model.JobStatusFatal})
		i := addJob(t, cat, jobSpec{Level: model.JobLevelIncremental, Start: day(3)})
		assertChain(t, r, req, []int64{full.JobID, i.JobID})
	})

	t.Run("copies never anchor", func(t *testing.T) {
		r, cat := newResolver(t)
		full := addJob(t, cat, jobSpec{Level: model.JobLevelFull, Start: day(0)})
		addJob(t, cat, jobSpec{Level: model.JobLevelFull, Start: day(5), Type: model.JobTypeJobCopy})
		i := addJob(t, cat, jobSpec{Level: model.JobLevelIncremental, Start: day(6)})
		assertChain(t, r, req, []int64{full.JobID, i.JobID})
	})

	t.Run("virtual full level jobs never join the chain", func(t *testing.T) {
		r, cat := newResolver(t)
		full := addJob(t, cat, jobSpec{Level: model.JobLevelFull, Start: day(0)})
		i1 := addJob(t, cat, jobSpec{Level: model.JobLevelIncremental, Start: day(1)})
		// A terminated virtual full control job: its consolidated result
		// is recorded separately as an ordinary Full, the control record
		// itself anchors nothing and is never a chain member.
		addJob(t, cat, jobSpec{Level: model.JobLevelVirtualFull, Start: day(2)})
		i2 := addJob(t, cat, jobSpec{Level: model.JobLevelIncremental, Start: day(3)})
		assertChain(t, r, req, []int64{full.JobID, i1.JobID, i2.JobID})
	})

	t.Run("equal start times break on job id", func(t *testing.T) {
		r, cat := newResolver(t)
		addJob(t, cat, jobSpec{Level: model.JobLevelFull, Start: day(0)})
		later := addJob(t, cat, jobSpec{Level: model.JobLevelFull, Start: day(0)})
		assertChain(t, r, req, []int64{later.JobID})
	})

	t.Run("no full means empty chain", func(t *testing.T) {
		r, cat := newResolver(t)
		addJob(t, cat, jobSpec{Level: model.JobLevelIncremental, Start: day(1)})
		got, err := r.ComputeAccurateJobIDs(context.Background(), req)
		if err != nil {
			t.Fatalf("resolving chain: %v", err)
		}
		if got != nil {
			t.Errorf("chain without full: %v", got)
		}
	})

	t.Run("other clients are invisible", func(t *testing.T) {
		r, cat := newResolver(t)
		addJob(t, cat, jobSpec{Level: model.JobLevelFull, Start: day(0), ClientID: 99})
		got, err := r.ComputeAccurateJobIDs(context.Background(), req)
		if err != nil {
			t.Fatalf("resolving chain: %v", err)
		}
		if len(got) != 0 {
			t.Errorf("foreign client's full anchored the chain: %v", got)
		}
	})
}

func addFile(t *testing.T, cat *catalog.Catalog, jobID, fileIndex int64, path, name, lstat string) {
	t.Helper()
	_, err := cat.CreateFileAttributes(context.Background(), &catalog.FileAttributes{
		FileIndex: fileIndex, JobID: jobID, Path: path, Name: name, LStat: lstat,
	})
	if err != nil {
		t.Fatalf("creating file row: %v", err)
	}
}

func TestBaseFileListResolvesNewestVersions(t *testing.T) {
	cat, _, _ := testutil.NewTestCatalog(t)
	r := accurate.NewResolver(cat)
	ctx := context.Background()

	start := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)
	full := addJob(t, cat, jobSpec{Level: model.JobLevelFull, Start: start})
	inc := addJob(t, cat, jobSpec{Level: model.JobLevelIncremental, Start: start.Add(24 * time.Hour)})

	addFile(t, cat, full.JobID, 1, "/data/", "alpha", "full-alpha")
	addFile(t, cat, full.JobID, 2, "/data/", "beta", "full-beta")
	addFile(t, cat, full.JobID, 3, "/data/sub/", "gamma", "full-gamma")
	// The incremental rewrites alpha, deletes beta and adds delta.
	addFile(t, cat, inc.JobID, 1, "/data/", "alpha", "inc-alpha")
	addFile(t, cat, inc.JobID, 0, "/data/", "beta", "deleted")
	addFile(t, cat, inc.JobID, 2, "/data/", "delta", "inc-delta")

	scratch, err := accurate.NewScratchSpace(ctx, cat)
	if err != nil {
		t.Fatalf("opening scratch space: %v", err)
	}
	consumer := addJob(t, cat, jobSpec{Level: model.JobLevelFull, Start: start.Add(48 * time.Hour)})
	tbl, err := r.CreateBaseFileList(ctx, scratch, consumer.JobID, []int64{full.JobID, inc.JobID})
	if err != nil {
		t.Fatalf("building base file list: %v", err)
	}
	defer scratch.Drop(ctx, tbl)

	var got []accurate.BaseFileVersion
	n, err := r.StreamBaseFileList(ctx, tbl, func(v *accurate.BaseFileVersion) (bool, error) {
		got = append(got, *v)
		return false, nil
	})
	if err != nil {
		t.Fatalf("streaming: %v", err)
	}
	if n != 3 {
		t.Fatalf("streamed %d versions, want 3", n)
	}

	want := []struct{ path, name, lstat string }{
		{"/data/", "alpha", "inc-alpha"},
		{"/data/", "delta", "inc-delta"},
		{"/data/sub/", "gamma", "full-gamma"},
	}
	for i, w := range want {
		if got[i].Path != w.path || got[i].Name != w.name || got[i].LStat != w.lstat {
			t.Errorf("version %d = %s%s (%s), want %s%s (%s)",
				i, got[i].Path, got[i].Name, got[i].LStat, w.path, w.name, w.lstat)
		}
	}
	for _, v := range got {
		if v.Name == "beta" {
			t.Error("deleted file resurfaced in base list")
		}
	}

	committed, err := r.CommitBaseFiles(ctx, tbl, consumer.JobID)
	if err != nil {
		t.Fatalf("committing: %v", err)
	}
	if committed != 3 {
		t.Errorf("committed %d base files, want 3", committed)
	}
}

func TestBaseFileListEmptyChain(t *testing.T) {
	cat, _, _ := testutil.NewTestCatalog(t)
	r := accurate.NewResolver(cat)
	ctx := context.Background()

	scratch, err := accurate.NewScratchSpace(ctx, cat)
	if err != nil {
		t.Fatalf("opening scratch space: %v", err)
	}
	tbl, err := r.CreateBaseFileList(ctx, scratch, 1, nil)
	if err != nil {
		t.Fatalf("building empty list: %v", err)
	}
	defer scratch.Drop(ctx, tbl)

	n, err := r.StreamBaseFileList(ctx, tbl, func(*accurate.BaseFileVersion) (bool, error) {
		return false, nil
	})
	if err != nil {
		t.Fatalf("streaming: %v", err)
	}
	if n != 0 {
		t.Errorf("empty chain produced %d versions", n)
	}
}

func TestScratchSpaceSweepsLeftovers(t *testing.T) {
	cat, _, sink := testutil.NewTestCatalog(t)
	ctx := context.Background()

	// A table left behind by a crashed run.
	op := dbOp(cat, "SeedStale")
	if err := cat.Conn().Exec(ctx, op,
		"CREATE TABLE chain_scratch_99_1 (FileId INTEGER)"); err != nil {
		t.Fatalf("seeding stale table: %v", err)
	}

	if _, err := accurate.NewScratchSpace(ctx, cat); err != nil {
		t.Fatalf("opening scratch space: %v", err)
	}

	var found bool
	_, err := cat.Conn().Query(ctx, dbOp(cat, "CheckStale"),
		"SELECT name FROM sqlite_master WHERE name='chain_scratch_99_1'",
		func([]string) (bool, error) {
			found = true
			return true, nil
		})
	if err != nil {
		t.Fatalf("checking: %v", err)
	}
	if found {
		t.Error("stale scratch table survives open")
	}
	if len(sink.Infos) == 0 {
		t.Error("sweep not reported")
	}
}

func dbOp(cat *catalog.Catalog, name string) database.Op {
	return database.Op{Name: name, Worker: cat.Worker()}
}
