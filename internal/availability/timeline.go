// Package availability merges busy intervals from every enabled calendar
// into one ordered timeline and answers conflict and free-slot queries
// against it. All interval math uses half-open [start, end) semantics:
// back-to-back intervals neither overlap nor conflict.
package availability

import (
	"sort"
	"time"

	"github.com/example/calendar-assistant/internal/connector"
)

// Timeline is an ordered, coalesced sequence of busy intervals.
type Timeline struct {
	intervals []connector.BusyInterval
}

// NewTimeline sorts and coalesces the given intervals into maximal busy runs.
// Overlapping or touching intervals merge; the source calendar of a merged
// run is the first contributor's.
func NewTimeline(intervals []connector.BusyInterval) Timeline {
	if len(intervals) == 0 {
		return Timeline{}
	}

	sorted := make([]connector.BusyInterval, 0, len(intervals))
	for _, iv := range intervals {
		if !iv.End.After(iv.Start) {
			continue
		}
		sorted = append(sorted, iv)
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Start.Equal(sorted[j].Start) {
			return sorted[i].End.Before(sorted[j].End)
		}
		return sorted[i].Start.Before(sorted[j].Start)
	})

	merged := make([]connector.BusyInterval, 0, len(sorted))
	for _, iv := range sorted {
		if len(merged) == 0 {
			merged = append(merged, iv)
			continue
		}
		last := &merged[len(merged)-1]
		// Touching runs coalesce too: the timeline tracks busyness, not
		// conflict semantics.
		if !iv.Start.After(last.End) {
			if iv.End.After(last.End) {
				last.End = iv.End
			}
			continue
		}
		merged = append(merged, iv)
	}
	return Timeline{intervals: merged}
}

// Intervals returns the coalesced busy runs in ascending order.
func (t Timeline) Intervals() []connector.BusyInterval {
	out := make([]connector.BusyInterval, len(t.intervals))
	copy(out, t.intervals)
	return out
}

// Len returns the number of coalesced busy runs.
func (t Timeline) Len() int { return len(t.intervals) }

// Conflicts returns every busy run that strictly overlaps the candidate
// interval. An interval ending exactly when the candidate starts does not
// conflict.
func (t Timeline) Conflicts(start, end time.Time) []connector.BusyInterval {
	var conflicts []connector.BusyInterval
	for _, iv := range t.intervals {
		if iv.Start.Compare(end) >= 0 {
			break
		}
		if iv.Overlaps(start, end) {
			conflicts = append(conflicts, iv)
		}
	}
	return conflicts
}

// gaps returns the free complement of the timeline inside the window.
func (t Timeline) gaps(windowStart, windowEnd time.Time) [][2]time.Time {
	var free [][2]time.Time
	cursor := windowStart
	for _, iv := range t.intervals {
		if !iv.End.After(cursor) {
			continue
		}
		if !iv.Start.Before(windowEnd) {
			break
		}
		if iv.Start.After(cursor) {
			end := iv.Start
			if end.After(windowEnd) {
				end = windowEnd
			}
			free = append(free, [2]time.Time{cursor, end})
		}
		if iv.End.After(cursor) {
			cursor = iv.End
		}
	}
	if cursor.Before(windowEnd) {
		free = append(free, [2]time.Time{cursor, windowEnd})
	}
	return free
}
