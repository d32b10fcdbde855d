package availability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/calendar-assistant/internal/connector"
)

// BusySource is the narrow read capability the aggregator needs per calendar.
type BusySource interface {
	BusyIntervals(ctx context.Context, calendarID string, start, end time.Time) ([]connector.BusyInterval, error)
}

// CalendarHandle names one enabled calendar together with its provider-bound
// busy source.
type CalendarHandle struct {
	CalendarID string
	Provider   connector.ProviderKind
	Source     BusySource
}

// Warning records one calendar that could not be queried. The aggregation
// still succeeds; the caller decides whether to surface the degraded view.
type Warning struct {
	CalendarID string
	Provider   connector.ProviderKind
	Err        error
}

// Aggregator fans out busy-interval queries and merges the results.
type Aggregator struct {
	logger *slog.Logger
}

// NewAggregator builds an aggregator. A nil logger falls back to the default.
func NewAggregator(logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{logger: logger}
}

// Aggregate queries every handle concurrently and returns the merged busy
// timeline. Per-calendar failures degrade to warnings rather than failing the
// aggregation: a possibly optimistic availability view beats none.
func (a *Aggregator) Aggregate(ctx context.Context, handles []CalendarHandle, start, end time.Time) (Timeline, []Warning) {
	if len(handles) == 0 {
		return Timeline{}, nil
	}

	type result struct {
		intervals []connector.BusyInterval
		warning   *Warning
	}

	results := make([]result, len(handles))
	var wg sync.WaitGroup
	for i, handle := range handles {
		wg.Add(1)
		go func(i int, handle CalendarHandle) {
			defer wg.Done()
			intervals, err := handle.Source.BusyIntervals(ctx, handle.CalendarID, start, end)
			if err != nil {
				results[i] = result{warning: &Warning{
					CalendarID: handle.CalendarID,
					Provider:   handle.Provider,
					Err:        err,
				}}
				return
			}
			results[i] = result{intervals: intervals}
		}(i, handle)
	}
	wg.Wait()

	var all []connector.BusyInterval
	var warnings []Warning
	for _, res := range results {
		if res.warning != nil {
			a.logger.WarnContext(ctx, "calendar excluded from availability",
				"calendar_id", res.warning.CalendarID,
				"provider", res.warning.Provider,
				"error", res.warning.Err,
			)
			warnings = append(warnings, *res.warning)
			continue
		}
		all = append(all, res.intervals...)
	}
	return NewTimeline(all), warnings
}
