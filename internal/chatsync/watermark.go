package chatsync

import (
	"sync"
	"time"
)

// WatermarkStore holds the last-synchronized server timestamp for one sync
// session. The value only moves forward; a replayed or buggy response must
// never rewind it.
type WatermarkStore struct {
	mu      sync.Mutex
	current time.Time
}

func NewWatermarkStore(start time.Time) *WatermarkStore {
	return &WatermarkStore{current: start}
}

func (s *WatermarkStore) Get() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Set advances the watermark. Setting a value earlier than the current one
// returns a RegressionError and leaves the stored value untouched.
func (s *WatermarkStore) Set(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.Before(s.current) {
		return &RegressionError{Current: s.current, Proposed: t}
	}
	s.current = t
	return nil
}

// Reset forcibly reinitializes the watermark. It is an escape hatch for
// starting a fresh sync session, not part of normal poll flow.
func (s *WatermarkStore) Reset(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = t
}
