package testutil

import (
	"context"
	"sync"

	"tapecat/internal/model"
	"tapecat/internal/mover"
)

// StubDialer hands out sessions that report scripted outcomes.
type StubDialer struct {
	// Stats is returned by every Replicate call.
	Stats mover.ReplicationStats
	// Fail makes Replicate return this error for the listed job ids.
	Fail map[int64]error

	mu         sync.Mutex
	Replicated []int64
	Dials      int
}

func (d *StubDialer) Dial(ctx context.Context, storageName string) (mover.Session, error) {
	d.mu.Lock()
	d.Dials++
	d.mu.Unlock()
	return &stubSession{d: d}, nil
}

type stubSession struct {
	d *StubDialer
}

func (s *stubSession) Replicate(ctx context.Context, srcJobID int64, destPool *model.Pool) (mover.ReplicationStats, error) {
	s.d.mu.Lock()
	s.d.Replicated = append(s.d.Replicated, srcJobID)
	s.d.mu.Unlock()
	if err := s.d.Fail[srcJobID]; err != nil {
		return mover.ReplicationStats{}, err
	}
	return s.d.Stats, nil
}

func (s *stubSession) Close() error { return nil }

var _ mover.SessionDialer = (*StubDialer)(nil)
