package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/example/calendar-assistant/internal/logging"
	"github.com/example/calendar-assistant/internal/persistence"
)

const (
	defaultSweepInterval  = 5 * time.Minute
	defaultSweepLookahead = 10 * time.Minute
)

// RefreshSweep periodically enqueues refresh_token jobs for
// credentials approaching expiry, so tokens are renewed before a user
// request trips over a 401.
type RefreshSweep struct {
	credentials persistence.CredentialRepository
	queue       *Queue
	interval    time.Duration
	lookahead   time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

// NewRefreshSweep builds a sweep. Zero interval and lookahead use the
// defaults of five and ten minutes.
func NewRefreshSweep(credentials persistence.CredentialRepository, queue *Queue, interval, lookahead time.Duration, now func() time.Time, logger *slog.Logger) *RefreshSweep {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if lookahead <= 0 {
		lookahead = defaultSweepLookahead
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RefreshSweep{
		credentials: credentials,
		queue:       queue,
		interval:    interval,
		lookahead:   lookahead,
		now:         now,
		logger:      logger,
	}
}

// Run blocks, sweeping until the context is cancelled.
func (s *RefreshSweep) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.logger.Error("refresh sweep", logging.Error(err))
			}
		}
	}
}

// SweepOnce enqueues one refresh job per expiring credential and
// returns how many were enqueued. Jobs already queued for the same
// credential deduplicate on their idempotency key.
func (s *RefreshSweep) SweepOnce(ctx context.Context) (int, error) {
	expiring, err := s.credentials.ListExpiringCredentials(ctx, s.now().Add(s.lookahead))
	if err != nil {
		return 0, err
	}

	enqueued := 0
	for _, cred := range expiring {
		payload, err := json.Marshal(RefreshTokenPayload{
			UserID:    cred.UserID,
			Provider:  cred.Provider,
			ExpiresAt: cred.ExpiresAt,
		})
		if err != nil {
			continue
		}
		_, fresh, err := s.queue.Enqueue(ctx, KindRefreshToken, cred.UserID, payload)
		if err != nil {
			s.logger.Error("enqueue refresh",
				slog.String("user_id", cred.UserID),
				slog.String("provider", cred.Provider),
				logging.Error(err),
			)
			continue
		}
		if fresh {
			enqueued++
		}
	}
	if enqueued > 0 {
		s.logger.Info("refresh sweep enqueued jobs", slog.Int("count", enqueued))
	}
	return enqueued, nil
}
