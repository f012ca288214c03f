package trust

import "time"

// SetNowFunc overrides the scorer's clock so tests can steer dwell times
// and decay windows.
func (s *Scorer) SetNowFunc(f func() time.Time) { s.now = f }
