package media_test

import (
	"context"
	"testing"
	"time"

	"tapecat/internal/catalog"
	"tapecat/internal/media"
	"tapecat/internal/model"
	"tapecat/internal/testutil"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to model.VolStatus
		want     bool
	}{
		{model.VolStatusAppend, model.VolStatusFull, true},
		{model.VolStatusFull, model.VolStatusAppend, true},
		{model.VolStatusFull, model.VolStatusUsed, true},
		{model.VolStatusUsed, model.VolStatusPurged, true},
		{model.VolStatusPurged, model.VolStatusRecycle, true},
		{model.VolStatusError, model.VolStatusRecycle, true},
		{model.VolStatusRecycle, model.VolStatusAppend, true},
		{model.VolStatusAppend, model.VolStatusAppend, true},

		// A volume never goes straight back to writable without passing
		// through Recycle.
		{model.VolStatusPurged, model.VolStatusAppend, false},
		{model.VolStatusUsed, model.VolStatusAppend, false},
		{model.VolStatusError, model.VolStatusAppend, false},
		{model.VolStatusAppend, model.VolStatusPurged, false},
		{model.VolStatusAppend, model.VolStatusRecycle, false},

		// Administrative states are reachable from and back to anywhere.
		{model.VolStatusUsed, model.VolStatusDisabled, true},
		{model.VolStatusDisabled, model.VolStatusAppend, true},
		{model.VolStatusFull, model.VolStatusCleaning, true},
	}
	for _, c := range cases {
		if got := media.CanTransition(c.from, c.to); got != c.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestSetVolumeStatusRejectsIllegalChange(t *testing.T) {
	cat, _, _ := testutil.NewTestCatalog(t)
	eng := media.NewEngine(cat)
	ctx := context.Background()

	m := mkMedia(t, cat, 1, "vol-illegal", model.VolStatusUsed)
	if err := eng.SetVolumeStatus(ctx, m, model.VolStatusAppend); err == nil {
		t.Fatal("Used -> Append accepted")
	}
	// The rejected change must not leak into the catalog.
	got, err := cat.GetMediaByName(ctx, "vol-illegal")
	if err != nil {
		t.Fatalf("fetching volume: %v", err)
	}
	if got.VolStatus != model.VolStatusUsed {
		t.Errorf("status changed to %s despite rejection", got.VolStatus)
	}

	if err := eng.SetVolumeStatus(ctx, m, model.VolStatusPurged); err != nil {
		t.Fatalf("Used -> Purged rejected: %v", err)
	}
	if m.VolStatus != model.VolStatusPurged {
		t.Error("in-memory status not updated")
	}
}

func TestFindNextWritableVolume(t *testing.T) {
	cat, _, _ := testutil.NewTestCatalog(t)
	eng := media.NewEngine(cat)
	ctx := context.Background()

	write := func(m *model.Media, at time.Time) {
		m.LastWritten = at
		if err := cat.UpdateMediaRecord(ctx, m); err != nil {
			t.Fatalf("updating %s: %v", m.VolumeName, err)
		}
	}

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cold := mkMedia(t, cat, 1, "vol-cold", model.VolStatusAppend)
	write(cold, base)
	warm := mkMedia(t, cat, 1, "vol-warm", model.VolStatusAppend)
	write(warm, base.Add(48*time.Hour))
	full := mkMedia(t, cat, 1, "vol-full", model.VolStatusFull)
	write(full, base.Add(72*time.Hour))
	otherPool := mkMedia(t, cat, 2, "vol-other", model.VolStatusAppend)
	write(otherPool, base.Add(96*time.Hour))

	t.Run("normal reuse prefers most recently written", func(t *testing.T) {
		got, err := eng.FindNextWritableVolume(ctx, media.NextVolumeRequest{
			PoolID: 1, MediaType: "File",
		})
		if err != nil {
			t.Fatalf("finding volume: %v", err)
		}
		if got == nil || got.VolumeName != "vol-full" {
			t.Errorf("got %v, want vol-full (newest candidate)", name(got))
		}
	})

	t.Run("recycling prefers coldest", func(t *testing.T) {
		purged := mkMedia(t, cat, 1, "vol-purged", model.VolStatusPurged)
		write(purged, base.Add(-24*time.Hour))
		got, err := eng.FindNextWritableVolume(ctx, media.NextVolumeRequest{
			PoolID: 1, MediaType: "File", Recycling: true,
		})
		if err != nil {
			t.Fatalf("finding recycle candidate: %v", err)
		}
		if got == nil || got.VolumeName != "vol-purged" {
			t.Errorf("got %v, want vol-purged (oldest data)", name(got))
		}
	})

	t.Run("in-changer preference falls back", func(t *testing.T) {
		got, err := eng.FindNextWritableVolume(ctx, media.NextVolumeRequest{
			PoolID: 1, MediaType: "File", WantInChanger: true,
		})
		if err != nil {
			t.Fatalf("finding volume: %v", err)
		}
		if got == nil {
			t.Fatal("no fallback candidate with nothing loaded")
		}

		cold.InChanger = true
		cold.Slot = 3
		if err := cat.UpdateMediaRecord(ctx, cold); err != nil {
			t.Fatalf("loading vol-cold: %v", err)
		}
		got, err = eng.FindNextWritableVolume(ctx, media.NextVolumeRequest{
			PoolID: 1, MediaType: "File", WantInChanger: true,
		})
		if err != nil {
			t.Fatalf("finding loaded volume: %v", err)
		}
		if got == nil || got.VolumeName != "vol-cold" {
			t.Errorf("got %v, want loaded vol-cold over newer unloaded", name(got))
		}
	})

	t.Run("pool isolation", func(t *testing.T) {
		got, err := eng.FindNextWritableVolume(ctx, media.NextVolumeRequest{
			PoolID: 3, MediaType: "File",
		})
		if err != nil {
			t.Fatalf("finding volume: %v", err)
		}
		if got != nil {
			t.Errorf("empty pool returned %s", got.VolumeName)
		}
	})
}

func TestRecycleVolumeResetsCounters(t *testing.T) {
	cat, _, _ := testutil.NewTestCatalog(t)
	eng := media.NewEngine(cat)
	ctx := context.Background()

	m := mkMedia(t, cat, 1, "vol-recycled", model.VolStatusPurged)
	m.VolBytes = 1 << 30
	m.VolFiles = 100
	m.VolJobs = 7
	m.FirstWritten = time.Now().Add(-90 * 24 * time.Hour)
	m.LastWritten = time.Now().Add(-30 * 24 * time.Hour)
	if err := cat.UpdateMediaRecord(ctx, m); err != nil {
		t.Fatalf("seeding counters: %v", err)
	}

	if err := eng.RecycleVolume(ctx, m); err != nil {
		t.Fatalf("recycling: %v", err)
	}
	got, err := cat.GetMediaByName(ctx, "vol-recycled")
	if err != nil {
		t.Fatalf("fetching: %v", err)
	}
	if got.VolStatus != model.VolStatusRecycle {
		t.Errorf("status %s, want Recycle", got.VolStatus)
	}
	if got.VolBytes != 0 || got.VolFiles != 0 || got.VolJobs != 0 {
		t.Errorf("counters survive recycle: %+v", got)
	}
	if got.RecycleCount != 1 {
		t.Errorf("RecycleCount %d, want 1", got.RecycleCount)
	}
	if !got.FirstWritten.IsZero() || !got.LastWritten.IsZero() {
		t.Error("write timestamps survive recycle")
	}
}

func TestInChangerUniqueness(t *testing.T) {
	cat, _, _ := testutil.NewTestCatalog(t)
	eng := media.NewEngine(cat)
	ctx := context.Background()

	a := mkMedia(t, cat, 1, "vol-a", model.VolStatusAppend)
	a.InChanger = true
	a.Slot = 5
	a.StorageID = 1
	if err := cat.UpdateMediaRecord(ctx, a); err != nil {
		t.Fatalf("loading vol-a: %v", err)
	}

	// vol-b claims the same slot; the corrective write must evict vol-a.
	b := mkMedia(t, cat, 1, "vol-b", model.VolStatusAppend)
	b.InChanger = true
	b.Slot = 5
	b.StorageID = 1
	if err := cat.UpdateMediaRecord(ctx, b); err != nil {
		t.Fatalf("loading vol-b: %v", err)
	}
	if err := eng.EnforceInChangerUniqueness(ctx, b); err != nil {
		t.Fatalf("enforcing: %v", err)
	}

	gotA, _ := cat.GetMediaByName(ctx, "vol-a")
	gotB, _ := cat.GetMediaByName(ctx, "vol-b")
	if gotA.InChanger || gotA.Slot != 0 {
		t.Errorf("vol-a still claims the slot: %+v", gotA)
	}
	if !gotB.InChanger || gotB.Slot != 5 {
		t.Errorf("vol-b lost the slot: %+v", gotB)
	}
}

func TestMarkVolumeWritten(t *testing.T) {
	cat, _, _ := testutil.NewTestCatalog(t)
	clock := testutil.FixedClock()
	eng := media.NewEngine(cat).WithClock(clock)
	ctx := context.Background()

	m := mkMedia(t, cat, 1, "vol-written", model.VolStatusAppend)
	if err := eng.MarkVolumeWritten(ctx, m, 4096, 3); err != nil {
		t.Fatalf("first write: %v", err)
	}
	clock.Advance(time.Hour)
	if err := eng.MarkVolumeWritten(ctx, m, 4096, 2); err != nil {
		t.Fatalf("second write: %v", err)
	}

	got, err := cat.GetMediaByName(ctx, "vol-written")
	if err != nil {
		t.Fatalf("fetching: %v", err)
	}
	if got.VolBytes != 8192 || got.VolFiles != 5 || got.VolJobs != 2 {
		t.Errorf("accumulation wrong: %+v", got)
	}
	if !got.LastWritten.After(got.FirstWritten) {
		t.Errorf("LastWritten %v not after FirstWritten %v", got.LastWritten, got.FirstWritten)
	}
}

func name(m *model.Media) string {
	if m == nil {
		return "<nil>"
	}
	return m.VolumeName
}

func mkMedia(t *testing.T, cat *catalog.Catalog, poolID int64, volName string, status model.VolStatus) *model.Media {
	t.Helper()
	m := &model.Media{
		VolumeName: volName,
		PoolID:     poolID,
		MediaType:  "File",
		VolStatus:  status,
		Enabled:    true,
		Recycle:    true,
	}
	if err := cat.CreateMediaRecord(context.Background(), m); err != nil {
		t.Fatalf("creating media %q: %v", volName, err)
	}
	return m
}
