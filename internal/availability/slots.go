package availability

import (
	"sort"
	"time"
)

// Slot is a proposed free interval at least as long as the requested
// duration.
type Slot struct {
	Start time.Time
	End   time.Time
	// InWorkingHours marks slots falling entirely inside the preferred band.
	InWorkingHours bool
}

// SlotPreferences steer the ranking of proposed slots.
type SlotPreferences struct {
	// WorkingHoursStart/End bound the preferred band as hours of the day in
	// the user's timezone, e.g. 9 and 18. Zero values disable the band.
	WorkingHoursStart int
	WorkingHoursEnd   int
	Location          *time.Location
	// Limit caps the number of returned slots; zero means the default of 3.
	Limit int
}

const defaultSlotLimit = 3

// FindSlots proposes free slots of the requested duration inside the window.
// Candidates are ranked deterministically: slots inside the working-hours
// band first, then ascending start time; ties break by earliest start. The
// sweep is linear over the already-sorted timeline.
func FindSlots(timeline Timeline, windowStart, windowEnd time.Time, duration time.Duration, prefs SlotPreferences) []Slot {
	if duration <= 0 || !windowEnd.After(windowStart) {
		return nil
	}
	limit := prefs.Limit
	if limit <= 0 {
		limit = defaultSlotLimit
	}
	loc := prefs.Location
	if loc == nil {
		loc = windowStart.Location()
	}

	var candidates []Slot
	for _, gap := range timeline.gaps(windowStart, windowEnd) {
		gapStart, gapEnd := gap[0], gap[1]
		if gapEnd.Sub(gapStart) < duration {
			continue
		}
		slot := Slot{Start: gapStart, End: gapStart.Add(duration)}
		slot.InWorkingHours = insideBand(slot, prefs, loc)
		candidates = append(candidates, slot)

		// When the gap starts outside the band but reaches into it, also
		// offer the earliest in-band start so ranking has a preferred
		// candidate from the same gap.
		if !slot.InWorkingHours && prefs.WorkingHoursEnd > prefs.WorkingHoursStart {
			if shifted, ok := firstInBand(gapStart, gapEnd, duration, prefs, loc); ok {
				candidates = append(candidates, shifted)
			}
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].InWorkingHours != candidates[j].InWorkingHours {
			return candidates[i].InWorkingHours
		}
		return candidates[i].Start.Before(candidates[j].Start)
	})

	deduped := candidates[:0]
	seen := make(map[int64]struct{}, len(candidates))
	for _, slot := range candidates {
		key := slot.Start.Unix()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		deduped = append(deduped, slot)
		if len(deduped) == limit {
			break
		}
	}
	return deduped
}

func insideBand(slot Slot, prefs SlotPreferences, loc *time.Location) bool {
	if prefs.WorkingHoursEnd <= prefs.WorkingHoursStart {
		return false
	}
	localStart := slot.Start.In(loc)
	localEnd := slot.End.In(loc)
	dayStart := time.Date(localStart.Year(), localStart.Month(), localStart.Day(), prefs.WorkingHoursStart, 0, 0, 0, loc)
	dayEnd := time.Date(localStart.Year(), localStart.Month(), localStart.Day(), prefs.WorkingHoursEnd, 0, 0, 0, loc)
	return !localStart.Before(dayStart) && !localEnd.After(dayEnd)
}

// firstInBand returns the earliest slot of the duration that fits both the
// gap and the working-hours band of the day the gap starts in.
func firstInBand(gapStart, gapEnd time.Time, duration time.Duration, prefs SlotPreferences, loc *time.Location) (Slot, bool) {
	local := gapStart.In(loc)
	bandStart := time.Date(local.Year(), local.Month(), local.Day(), prefs.WorkingHoursStart, 0, 0, 0, loc)
	if bandStart.Before(gapStart) {
		// Try the next day's band.
		bandStart = bandStart.Add(24 * time.Hour)
	}
	bandEnd := time.Date(bandStart.Year(), bandStart.Month(), bandStart.Day(), prefs.WorkingHoursEnd, 0, 0, 0, loc)

	start := bandStart
	end := start.Add(duration)
	if start.Before(gapStart) || end.After(gapEnd) || end.After(bandEnd) {
		return Slot{}, false
	}
	return Slot{Start: start, End: end, InWorkingHours: true}, true
}
