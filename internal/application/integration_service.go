package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/example/calendar-assistant/internal/connector"
	"github.com/example/calendar-assistant/internal/persistence"
	"github.com/example/calendar-assistant/internal/vault"
)

// IntegrationService manages provider connections: verifying supplied
// credentials, sealing them into the vault, and discovering the
// calendars behind them.
type IntegrationService struct {
	handles     persistence.CalendarHandleRepository
	credentials persistence.CredentialRepository
	vault       *vault.Vault
	registry    *connector.Registry
	idGenerator func() string
	now         func() time.Time
	logger      *slog.Logger
}

// NewIntegrationService wires dependencies for integration management.
func NewIntegrationService(
	handles persistence.CalendarHandleRepository,
	credentials persistence.CredentialRepository,
	v *vault.Vault,
	registry *connector.Registry,
	idGenerator func() string,
	now func() time.Time,
	logger *slog.Logger,
) *IntegrationService {
	if idGenerator == nil {
		idGenerator = func() string { return "" }
	}
	if now == nil {
		now = time.Now
	}
	return &IntegrationService{
		handles:     handles,
		credentials: credentials,
		vault:       v,
		registry:    registry,
		idGenerator: idGenerator,
		now:         now,
		logger:      defaultLogger(logger),
	}
}

// Connect verifies the credentials against the provider, stores them
// sealed, and imports the provider's calendars.
func (s *IntegrationService) Connect(ctx context.Context, input ConnectInput) (IntegrationStatus, error) {
	logger := serviceLogger(ctx, s.logger, "integration", "connect",
		slog.String("user_id", input.UserID),
		slog.String("provider", input.Provider),
	)

	vErr := &ValidationError{}
	if input.UserID == "" {
		vErr.add("user_id", "user_id is required")
	}
	conn, err := s.registry.Get(connector.ProviderKind(input.Provider))
	if err != nil {
		vErr.add("provider", fmt.Sprintf("unknown provider %q", input.Provider))
	}
	if vErr.HasErrors() {
		return IntegrationStatus{}, vErr
	}

	if err := conn.TestConnection(ctx, input.Credentials); err != nil {
		logger.Info("connection test failed", slog.String("error", err.Error()))
		return IntegrationStatus{}, fmt.Errorf("%w: %v", ErrProviderRejected, err)
	}

	sealed, err := s.vault.Seal(input.UserID, input.Credentials)
	if err != nil {
		return IntegrationStatus{}, fmt.Errorf("seal credentials: %w", err)
	}

	now := s.now()
	cred := persistence.ProviderCredential{
		ID:        s.idGenerator(),
		UserID:    input.UserID,
		Provider:  input.Provider,
		Blob:      sealed,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if !input.Credentials.ExpiresAt.IsZero() {
		expiry := input.Credentials.ExpiresAt
		cred.ExpiresAt = &expiry
	}
	if err := s.credentials.UpsertCredential(ctx, cred); err != nil {
		return IntegrationStatus{}, fmt.Errorf("store credential: %w", err)
	}

	calendars, err := s.importCalendars(ctx, input.UserID, conn, input.Credentials)
	if err != nil {
		return IntegrationStatus{}, err
	}

	logger.Info("provider connected", slog.Int("calendars", len(calendars)))
	return IntegrationStatus{
		Provider:  input.Provider,
		Connected: true,
		ExpiresAt: cred.ExpiresAt,
		Calendars: calendars,
	}, nil
}

// importCalendars discovers and upserts the provider's calendars. The
// provider-marked primary becomes the user's primary when they have
// none yet. Providers without calendar read, such as the notes store,
// import nothing.
func (s *IntegrationService) importCalendars(ctx context.Context, userID string, conn connector.Connector, creds connector.Credentials) ([]CalendarInfo, error) {
	reader, ok := conn.(connector.CalendarReader)
	if !ok || !connector.HasCapability(conn, connector.CapabilityCalendarRead) {
		return nil, nil
	}

	discovered, err := reader.ListCalendars(ctx, creds)
	if err != nil {
		return nil, fmt.Errorf("list %s calendars: %w", conn.Provider(), err)
	}

	existing, err := s.handles.ListHandles(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list calendar handles: %w", err)
	}
	hasPrimary := false
	for _, h := range existing {
		if h.IsPrimary {
			hasPrimary = true
			break
		}
	}

	provider := string(conn.Provider())
	var infos []CalendarInfo
	var primaryHandleID string
	for _, cal := range discovered {
		handle := persistence.CalendarHandle{
			ID:         s.idGenerator(),
			UserID:     userID,
			Provider:   provider,
			ExternalID: cal.ID,
			Name:       cal.Name,
			IsPrimary:  false,
			IsEnabled:  true,
		}
		if err := s.handles.UpsertHandle(ctx, handle); err != nil {
			return nil, fmt.Errorf("store calendar %s: %w", cal.ID, err)
		}
		if cal.IsPrimary && !hasPrimary && primaryHandleID == "" {
			primaryHandleID = handle.ID
		}
		infos = append(infos, CalendarInfo{
			ID:         handle.ID,
			ExternalID: cal.ID,
			Name:       cal.Name,
			IsPrimary:  cal.IsPrimary && !hasPrimary,
			IsEnabled:  true,
		})
	}
	if primaryHandleID != "" {
		if err := s.handles.SetPrimary(ctx, userID, primaryHandleID); err != nil {
			// Upsert may have kept an older row's id for this calendar;
			// primary selection stays manual in that case.
			if !errors.Is(err, persistence.ErrNotFound) {
				return nil, err
			}
		}
	}
	return infos, nil
}

// Disconnect removes the provider's credential and calendars.
func (s *IntegrationService) Disconnect(ctx context.Context, userID, provider string) error {
	logger := serviceLogger(ctx, s.logger, "integration", "disconnect",
		slog.String("user_id", userID),
		slog.String("provider", provider),
	)

	err := s.credentials.DeleteCredential(ctx, userID, provider)
	if errors.Is(err, persistence.ErrNotFound) {
		return ErrNoIntegration
	}
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	if err := s.handles.DeleteHandlesForProvider(ctx, userID, provider); err != nil {
		return fmt.Errorf("delete calendars: %w", err)
	}
	logger.Info("provider disconnected")
	return nil
}

// List reports the state of every known provider for the user.
func (s *IntegrationService) List(ctx context.Context, userID string) ([]IntegrationStatus, error) {
	handles, err := s.handles.ListHandles(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list calendar handles: %w", err)
	}
	byProvider := map[string][]CalendarInfo{}
	for _, h := range handles {
		byProvider[h.Provider] = append(byProvider[h.Provider], CalendarInfo{
			ID:         h.ID,
			ExternalID: h.ExternalID,
			Name:       h.Name,
			IsPrimary:  h.IsPrimary,
			IsEnabled:  h.IsEnabled,
		})
	}

	var statuses []IntegrationStatus
	for _, kind := range s.registry.Kinds() {
		provider := string(kind)
		status := IntegrationStatus{Provider: provider, Calendars: byProvider[provider]}
		cred, err := s.credentials.GetCredential(ctx, userID, provider)
		switch {
		case err == nil:
			status.Connected = true
			status.ExpiresAt = cred.ExpiresAt
		case errors.Is(err, persistence.ErrNotFound):
			// stays disconnected
		default:
			return nil, fmt.Errorf("load credential: %w", err)
		}
		statuses = append(statuses, status)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Provider < statuses[j].Provider })
	return statuses, nil
}

// SetPrimaryCalendar marks one calendar as the default write target.
func (s *IntegrationService) SetPrimaryCalendar(ctx context.Context, userID, handleID string) error {
	err := s.handles.SetPrimary(ctx, userID, handleID)
	if errors.Is(err, persistence.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

// SetCalendarEnabled includes or excludes a calendar from aggregation.
func (s *IntegrationService) SetCalendarEnabled(ctx context.Context, handleID string, enabled bool) error {
	err := s.handles.SetEnabled(ctx, handleID, enabled)
	if errors.Is(err, persistence.ErrNotFound) {
		return ErrNotFound
	}
	return err
}
