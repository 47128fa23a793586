package repository

import (
	"context"
	"time"

	"github.com/cloudpad/gameserv/internal/domain"
)

// UsageEventRepository persists the append-only command usage ledger.
type UsageEventRepository interface {
	InsertUsageEvent(ctx context.Context, event *domain.UsageEvent) error
	CountUsageEventsSince(ctx context.Context, userID string, since time.Time) (int, error)
	LastUsageEventTime(ctx context.Context, userID, commandName string) (*time.Time, error)
}

// InstanceRepository persists managed instance inventory records.
type InstanceRepository interface {
	InsertInstance(ctx context.Context, instance *domain.ManagedInstance) error
	GetInstanceByName(ctx context.Context, cloudInstanceName string) (*domain.ManagedInstance, error)
	UpdateInstanceStatus(ctx context.Context, update domain.StatusUpdate) (bool, error)
	ListInstancesByOwner(ctx context.Context, ownerUserID string, statuses []string) ([]domain.ManagedInstance, error)
	ListInstances(ctx context.Context) ([]domain.ManagedInstance, error)
	ListAutoShutdownCandidates(ctx context.Context, statuses []string) ([]domain.ManagedInstance, error)
	DeleteInstance(ctx context.Context, cloudInstanceName string) (bool, error)
}
