package availability

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/example/calendar-assistant/internal/connector"
)

type busySourceStub struct {
	intervals []connector.BusyInterval
	err       error
}

func (s *busySourceStub) BusyIntervals(_ context.Context, calendarID string, _, _ time.Time) ([]connector.BusyInterval, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make([]connector.BusyInterval, len(s.intervals))
	copy(out, s.intervals)
	for i := range out {
		out[i].CalendarID = calendarID
	}
	return out, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAggregate_MergesAcrossCalendars(t *testing.T) {
	t.Parallel()

	agg := NewAggregator(quietLogger())
	handles := []CalendarHandle{
		{
			CalendarID: "work",
			Provider:   connector.ProviderGoogle,
			Source: &busySourceStub{intervals: []connector.BusyInterval{
				{Start: at(t, 9, 0), End: at(t, 10, 0)},
			}},
		},
		{
			CalendarID: "personal",
			Provider:   connector.ProviderCalDAVApple,
			Source: &busySourceStub{intervals: []connector.BusyInterval{
				{Start: at(t, 9, 30), End: at(t, 11, 0)},
			}},
		},
	}

	timeline, warnings := agg.Aggregate(context.Background(), handles, at(t, 8, 0), at(t, 18, 0))
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %+v", warnings)
	}
	if timeline.Len() != 1 {
		t.Fatalf("expected one coalesced run, got %d", timeline.Len())
	}
	run := timeline.Intervals()[0]
	if !run.Start.Equal(at(t, 9, 0)) || !run.End.Equal(at(t, 11, 0)) {
		t.Fatalf("merged run wrong: %+v", run)
	}
}

func TestAggregate_PartialFailureDegradesToWarning(t *testing.T) {
	t.Parallel()

	unreachable := errors.New("connection refused")
	agg := NewAggregator(quietLogger())
	handles := []CalendarHandle{
		{
			CalendarID: "work",
			Provider:   connector.ProviderGoogle,
			Source: &busySourceStub{intervals: []connector.BusyInterval{
				{Start: at(t, 14, 0), End: at(t, 15, 0)},
			}},
		},
		{
			CalendarID: "broken",
			Provider:   connector.ProviderCalDAVYandex,
			Source:     &busySourceStub{err: unreachable},
		},
	}

	timeline, warnings := agg.Aggregate(context.Background(), handles, at(t, 8, 0), at(t, 18, 0))
	if len(warnings) != 1 {
		t.Fatalf("expected 1 warning, got %d", len(warnings))
	}
	if warnings[0].CalendarID != "broken" || !errors.Is(warnings[0].Err, unreachable) {
		t.Fatalf("warning wrong: %+v", warnings[0])
	}
	// The reachable calendar still contributes.
	if timeline.Len() != 1 {
		t.Fatalf("expected reachable calendar in timeline, got %d runs", timeline.Len())
	}
}

func TestAggregate_NoHandles(t *testing.T) {
	t.Parallel()

	timeline, warnings := NewAggregator(quietLogger()).Aggregate(context.Background(), nil, at(t, 8, 0), at(t, 18, 0))
	if timeline.Len() != 0 || len(warnings) != 0 {
		t.Fatalf("expected empty result, got %d runs, %d warnings", timeline.Len(), len(warnings))
	}
}
