// Package media implements the Volume lifecycle engine: the status
// state machine, selection of the next writable Volume, recycling, and
// the InChanger uniqueness invariant.
package media

import (
	"context"
	"fmt"
	"time"

	"tapecat/internal/catalog"
	"tapecat/internal/model"
)

// Engine drives Volume state for one worker's catalog.
type Engine struct {
	cat   *catalog.Catalog
	clock catalog.Clock
}

// NewEngine creates a lifecycle engine over the given catalog.
func NewEngine(cat *catalog.Catalog) *Engine {
	return &Engine{cat: cat, clock: catalog.RealClock{}}
}

// WithClock overrides the time source. Tests only.
func (e *Engine) WithClock(clock catalog.Clock) *Engine {
	e.clock = clock
	return e
}

// allowedTransitions is the write-eligibility cycle:
// Append ⇄ Full ⇄ Used → {Error | Purged} → Recycle → Append.
// Disabled and Cleaning are administrative side states reachable from
// anywhere; a status is always allowed to re-assert itself.
var allowedTransitions = map[model.VolStatus][]model.VolStatus{
	model.VolStatusAppend:  {model.VolStatusFull, model.VolStatusUsed, model.VolStatusError},
	model.VolStatusFull:    {model.VolStatusAppend, model.VolStatusUsed, model.VolStatusError},
	model.VolStatusUsed:    {model.VolStatusFull, model.VolStatusError, model.VolStatusPurged},
	model.VolStatusError:   {model.VolStatusRecycle},
	model.VolStatusPurged:  {model.VolStatusRecycle},
	model.VolStatusRecycle: {model.VolStatusAppend, model.VolStatusPurged},
}

// CanTransition reports whether the status change is legal.
func CanTransition(from, to model.VolStatus) bool {
	if from == to {
		return true
	}
	if to == model.VolStatusDisabled || to == model.VolStatusCleaning {
		return true
	}
	if from == model.VolStatusDisabled || from == model.VolStatusCleaning {
		// Leaving an administrative state re-enters the cycle anywhere.
		return true
	}
	for _, t := range allowedTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// SetVolumeStatus validates and applies a status change.
func (e *Engine) SetVolumeStatus(ctx context.Context, media *model.Media, to model.VolStatus) error {
	if !CanTransition(media.VolStatus, to) {
		return fmt.Errorf("volume %s: illegal status change %s -> %s",
			media.VolumeName, media.VolStatus, to)
	}
	if err := e.cat.UpdateMediaStatus(ctx, media.MediaID, to); err != nil {
		return err
	}
	media.VolStatus = to
	return nil
}

// NextVolumeRequest narrows FindNextWritableVolume.
type NextVolumeRequest struct {
	PoolID        int64
	MediaType     string
	StorageID     int64 // 0 for any
	WantInChanger bool
	// Recycling selects reclaim candidates (coldest data first)
	// instead of normal append reuse (most recently written first).
	Recycling bool
}

// FindNextWritableVolume returns the best candidate Volume for the
// request, or nil when no candidate exists, a normal outcome telling
// the caller to label a new Volume.
//
// Ranking: Volumes already in the changer are preferred when asked
// for; normal reuse orders by most recently written to keep a warm
// volume loaded, recycling orders oldest-first to spread wear and
// reclaim the coldest data. StartTime ties break on MediaId.
func (e *Engine) FindNextWritableVolume(ctx context.Context, req NextVolumeRequest) (*model.Media, error) {
	if req.WantInChanger {
		m, err := e.findCandidate(ctx, req, true)
		if err != nil || m != nil {
			return m, err
		}
		// Nothing loaded; fall back to any slot.
	}
	return e.findCandidate(ctx, req, false)
}

func (e *Engine) findCandidate(ctx context.Context, req NextVolumeRequest, inChangerOnly bool) (*model.Media, error) {
	var statusSet, order string
	if req.Recycling {
		statusSet = "VolStatus IN ('Recycle','Purged','Used') AND Recycle=1"
		order = "LastWritten ASC, MediaId ASC"
	} else {
		statusSet = "VolStatus IN ('Full','Append','Used')"
		order = "LastWritten DESC, MediaId DESC"
	}

	eng := e.cat.Conn().Engine()
	where := fmt.Sprintf("PoolId=%d AND MediaType='%s' AND Enabled=1 AND %s",
		req.PoolID, eng.EscapeText(req.MediaType), statusSet)
	if req.StorageID != 0 {
		where += fmt.Sprintf(" AND StorageId=%d", req.StorageID)
	}
	if inChangerOnly {
		where += " AND InChanger=1"
	}

	var found *model.Media
	_, err := e.cat.ListMediaWhere(ctx, where, order, func(m *model.Media) (bool, error) {
		found = m
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// RecycleVolume marks a Volume reusable: counters reset to
// empty-volume defaults, RecycleCount incremented, status Recycle.
// Historical JobMedia/File associations are deliberately left alone:
// forgetting history is the prune engine's job, recycling only marks
// the medium writable again.
func (e *Engine) RecycleVolume(ctx context.Context, media *model.Media) error {
	media.VolStatus = model.VolStatusRecycle
	media.VolBytes = 0
	media.VolFiles = 0
	media.VolJobs = 0
	media.VolBlocks = 0
	media.VolErrors = 0
	media.VolWrites = 0
	media.VolReads = 0
	media.VolMounts = 0
	media.RecycleCount++
	media.FirstWritten = time.Time{}
	media.LastWritten = time.Time{}
	return e.cat.UpdateMediaRecord(ctx, media)
}

// EnforceInChangerUniqueness runs the corrective write clearing
// InChanger on every other Volume sharing this Volume's
// (StorageId, Slot).
func (e *Engine) EnforceInChangerUniqueness(ctx context.Context, media *model.Media) error {
	return e.cat.MakeInChangerUnique(ctx, media)
}

// MarkVolumeWritten updates write bookkeeping after a job appends to
// the Volume.
func (e *Engine) MarkVolumeWritten(ctx context.Context, media *model.Media, bytes int64, files int64) error {
	now := e.clock.Now()
	if media.FirstWritten.IsZero() {
		media.FirstWritten = now
	}
	media.LastWritten = now
	media.VolBytes += bytes
	media.VolFiles += files
	media.VolJobs++
	media.VolWrites++
	return e.cat.UpdateMediaRecord(ctx, media)
}
