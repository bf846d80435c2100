package scheduler

import "time"

// DayState is the per-trading-day bookkeeping of the poller. It is reset
// the first time the poller observes a new local day.
type DayState struct {
	Day           time.Time // local midnight of the current trading day
	RetentionDone bool
	Cycles        int
}

// Roll resets the state when now falls on a different local day and
// reports whether it did.
func (s *DayState) Roll(now time.Time, loc *time.Location) bool {
	local := now.In(loc)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	if day.Equal(s.Day) {
		return false
	}
	*s = DayState{Day: day}
	return true
}

// Window is the daily trading window as offsets from local midnight. A
// zero window is always open.
type Window struct {
	Start time.Duration
	End   time.Duration
	Loc   *time.Location
}

// Contains reports whether now falls inside [Start, End).
func (w Window) Contains(now time.Time) bool {
	if w.Start == 0 && w.End == 0 {
		return true
	}
	loc := w.Loc
	if loc == nil {
		loc = time.Local
	}
	local := now.In(loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	offset := local.Sub(midnight)
	return offset >= w.Start && offset < w.End
}
