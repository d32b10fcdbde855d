package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/calendar-assistant/internal/availability"
	"github.com/example/calendar-assistant/internal/connector"
	"github.com/example/calendar-assistant/internal/persistence"
	"github.com/example/calendar-assistant/internal/vault"
)

// credentialBusySource binds a calendar reader and opened credentials
// into the aggregator's per-calendar query contract.
type credentialBusySource struct {
	reader connector.CalendarReader
	creds  connector.Credentials
}

func (s credentialBusySource) BusyIntervals(ctx context.Context, calendarID string, start, end time.Time) ([]connector.BusyInterval, error) {
	return s.reader.BusyIntervals(ctx, s.creds, calendarID, start, end)
}

// AvailabilityService answers "when is the user busy" and "when could
// this fit" across every connected calendar.
type AvailabilityService struct {
	handles     persistence.CalendarHandleRepository
	credentials persistence.CredentialRepository
	vault       *vault.Vault
	registry    *connector.Registry
	aggregator  *availability.Aggregator
	prefs       availability.SlotPreferences
	logger      *slog.Logger
	now         func() time.Time
}

// NewAvailabilityService wires the dependencies for availability queries.
func NewAvailabilityService(
	handles persistence.CalendarHandleRepository,
	credentials persistence.CredentialRepository,
	v *vault.Vault,
	registry *connector.Registry,
	prefs availability.SlotPreferences,
	logger *slog.Logger,
	now func() time.Time,
) *AvailabilityService {
	logger = defaultLogger(logger)
	if now == nil {
		now = time.Now
	}
	return &AvailabilityService{
		handles:     handles,
		credentials: credentials,
		vault:       v,
		registry:    registry,
		aggregator:  availability.NewAggregator(logger),
		prefs:       prefs,
		logger:      logger,
		now:         now,
	}
}

// BusyTimeline aggregates busy intervals from every enabled calendar
// of the user. The providers are queried fresh on every call so a write
// that just landed, here or on another instance, is always visible.
// Calendars that cannot be queried degrade to warnings.
func (s *AvailabilityService) BusyTimeline(ctx context.Context, userID string, start, end time.Time) (availability.Timeline, []availability.Warning, error) {
	handles, err := s.handles.ListEnabledHandles(ctx, userID)
	if err != nil {
		return availability.Timeline{}, nil, fmt.Errorf("list calendars: %w", err)
	}

	var sources []availability.CalendarHandle
	var warnings []availability.Warning
	credsByProvider := map[string]connector.Credentials{}

	for _, handle := range handles {
		kind := connector.ProviderKind(handle.Provider)
		reader, err := s.registry.Reader(kind)
		if err != nil {
			// Providers without calendar read, such as the notes store,
			// simply do not contribute.
			continue
		}

		creds, ok := credsByProvider[handle.Provider]
		if !ok {
			creds, err = s.openCredentials(ctx, userID, handle.Provider)
			if err != nil {
				warnings = append(warnings, availability.Warning{
					CalendarID: handle.ExternalID,
					Provider:   kind,
					Err:        err,
				})
				continue
			}
			credsByProvider[handle.Provider] = creds
		}

		sources = append(sources, availability.CalendarHandle{
			CalendarID: handle.ExternalID,
			Provider:   kind,
			Source:     credentialBusySource{reader: reader, creds: creds},
		})
	}

	sinkCtx := connector.WithRefreshSink(ctx, func(kind connector.ProviderKind, refreshed connector.Credentials) {
		s.storeRefreshed(ctx, userID, string(kind), refreshed)
	})
	timeline, aggWarnings := s.aggregator.Aggregate(sinkCtx, sources, start, end)
	warnings = append(warnings, aggWarnings...)
	return timeline, warnings, nil
}

// FindSlots returns the merged busy view plus ranked free slots for
// the requested duration.
func (s *AvailabilityService) FindSlots(ctx context.Context, req AvailabilityRequest) (AvailabilityResponse, error) {
	logger := serviceLogger(ctx, s.logger, "availability", "find_slots", slog.String("user_id", req.UserID))

	vErr := &ValidationError{}
	if req.WindowStart.IsZero() || req.WindowEnd.IsZero() {
		vErr.add("window", "window start and end are required")
	} else if !req.WindowStart.Before(req.WindowEnd) {
		vErr.add("window", "window start must be before end")
	}
	if req.Duration <= 0 {
		vErr.add("duration", "duration must be positive")
	}
	if vErr.HasErrors() {
		return AvailabilityResponse{}, vErr
	}

	timeline, warnings, err := s.BusyTimeline(ctx, req.UserID, req.WindowStart, req.WindowEnd)
	if err != nil {
		return AvailabilityResponse{}, err
	}

	slots := availability.FindSlots(timeline, req.WindowStart, req.WindowEnd, req.Duration, s.prefs)
	logger.Debug("slots computed",
		slog.Int("busy", timeline.Len()),
		slog.Int("slots", len(slots)),
		slog.Int("warnings", len(warnings)),
	)

	return AvailabilityResponse{
		Busy:     timeline.Intervals(),
		Slots:    slots,
		Warnings: warningStrings(warnings),
	}, nil
}

// ConflictCheck reports busy intervals overlapping [start, end) and,
// when any exist, same-day alternatives of the same duration.
func (s *AvailabilityService) ConflictCheck(ctx context.Context, userID string, start, end time.Time) ([]connector.BusyInterval, []availability.Slot, []string, error) {
	loc := start.Location()
	dayStart := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, loc)
	dayEnd := dayStart.AddDate(0, 0, 1)

	timeline, warnings, err := s.BusyTimeline(ctx, userID, dayStart, dayEnd)
	if err != nil {
		return nil, nil, nil, err
	}

	conflicts := timeline.Conflicts(start, end)
	var slots []availability.Slot
	if len(conflicts) > 0 {
		slots = availability.FindSlots(timeline, dayStart, dayEnd, end.Sub(start), s.prefs)
	}
	return conflicts, slots, warningStrings(warnings), nil
}

// storeRefreshed reseals credentials a provider renewed in the middle
// of a call, so the next request starts from the fresh token instead of
// repeating the exchange.
func (s *AvailabilityService) storeRefreshed(ctx context.Context, userID, provider string, refreshed connector.Credentials) {
	cred, err := s.credentials.GetCredential(ctx, userID, provider)
	if err != nil {
		s.logger.Warn("refreshed credential not stored",
			slog.String("provider", provider),
			slog.String("error", err.Error()),
		)
		return
	}
	sealed, err := s.vault.Seal(userID, refreshed)
	if err != nil {
		s.logger.Warn("seal refreshed credential",
			slog.String("provider", provider),
			slog.String("error", err.Error()),
		)
		return
	}
	cred.Blob = sealed
	cred.UpdatedAt = s.now()
	if !refreshed.ExpiresAt.IsZero() {
		expiry := refreshed.ExpiresAt
		cred.ExpiresAt = &expiry
	}
	if err := s.credentials.UpsertCredential(ctx, cred); err != nil {
		s.logger.Warn("store refreshed credential",
			slog.String("provider", provider),
			slog.String("error", err.Error()),
		)
	}
}

func (s *AvailabilityService) openCredentials(ctx context.Context, userID, provider string) (connector.Credentials, error) {
	cred, err := s.credentials.GetCredential(ctx, userID, provider)
	if errors.Is(err, persistence.ErrNotFound) {
		return connector.Credentials{}, ErrNoIntegration
	}
	if err != nil {
		return connector.Credentials{}, err
	}
	creds, err := s.vault.Open(userID, cred.Blob)
	if err != nil {
		return connector.Credentials{}, err
	}
	return creds, nil
}

func warningStrings(warnings []availability.Warning) []string {
	if len(warnings) == 0 {
		return nil
	}
	out := make([]string, 0, len(warnings))
	for _, w := range warnings {
		out = append(out, fmt.Sprintf("%s/%s: unavailable", w.Provider, w.CalendarID))
	}
	return out
}
