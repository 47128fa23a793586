package usage

import (
	"context"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/cloudpad/gameserv/internal/domain"
	"github.com/cloudpad/gameserv/internal/repository"
)

// Service is the append-only command usage ledger.
type Service struct {
	events repository.UsageEventRepository
	logger *slog.Logger
	now    func() time.Time
}

// New returns a usage ledger service.
func New(events repository.UsageEventRepository, logger *slog.Logger) Service {
	return Service{
		events: events,
		logger: logger.With("component", "usage"),
		now:    time.Now,
	}
}

// Record appends one invocation. Recording is best-effort: a storage failure
// is logged and swallowed so the in-flight command is never aborted by it.
func (s Service) Record(ctx context.Context, userID, commandName string) {
	event := &domain.UsageEvent{
		ID:          uuid.NewString(),
		UserID:      userID,
		CommandName: commandName,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.events.InsertUsageEvent(ctx, event); err != nil {
		s.logger.Warn("usage event not recorded", "user_id", userID, "command", commandName, "error", err)
	}
}

// CountSince returns the number of events for a user at or after since.
func (s Service) CountSince(ctx context.Context, userID string, since time.Time) (int, error) {
	return s.events.CountUsageEventsSince(ctx, userID, since)
}

// LastInvocation returns when the user last ran the named command, or nil.
func (s Service) LastInvocation(ctx context.Context, userID, commandName string) (*time.Time, error) {
	return s.events.LastUsageEventTime(ctx, userID, commandName)
}
