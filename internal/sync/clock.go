package sync

import "time"

// Clock supplies the canonical "now" for the sync engine. All date
// computations in the engine go through a Clock so tests can pin time
// and so every operation in a batch observes a consistent timezone.
type Clock interface {
	Now() time.Time
}

type systemClock struct {
	loc *time.Location
}

// NewClock returns a wall clock that reports time in the given
// location. A nil location defaults to UTC.
func NewClock(loc *time.Location) Clock {
	if loc == nil {
		loc = time.UTC
	}
	return systemClock{loc: loc}
}

func (c systemClock) Now() time.Time {
	return time.Now().In(c.loc)
}

// FixedClock always reports the same instant. Used in tests.
type FixedClock struct {
	T time.Time
}

func (c FixedClock) Now() time.Time { return c.T }
