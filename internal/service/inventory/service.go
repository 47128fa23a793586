package inventory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/cloudpad/gameserv/internal/domain"
	"github.com/cloudpad/gameserv/internal/repository"
)

// RegisterInput carries everything needed to create an inventory record.
type RegisterInput struct {
	OwnerUserID       string
	CloudInstanceName string
	CloudInstanceID   string
	Zone              string
	TemplateName      string
	Status            string
	IPAddress         string
	Ports             []domain.Port
	AutoShutdownHours *int
	ExtraConfig       json.RawMessage
}

// Service owns the durable record per managed VM.
type Service struct {
	instances repository.InstanceRepository
	logger    *slog.Logger
	now       func() time.Time
}

// New returns an inventory service.
func New(instances repository.InstanceRepository, logger *slog.Logger) Service {
	return Service{
		instances: instances,
		logger:    logger.With("component", "inventory"),
		now:       time.Now,
	}
}

// Register creates the record for a newly provisioned instance.
func (s Service) Register(ctx context.Context, input RegisterInput) (*domain.ManagedInstance, error) {
	now := s.now().UTC()
	instance := &domain.ManagedInstance{
		ID:                uuid.NewString(),
		OwnerUserID:       input.OwnerUserID,
		CloudInstanceName: input.CloudInstanceName,
		Zone:              input.Zone,
		TemplateName:      input.TemplateName,
		Status:            input.Status,
		Ports:             input.Ports,
		CreatedAt:         now,
		LastStatusUpdate:  now,
		AutoShutdownHours: input.AutoShutdownHours,
		ExtraConfig:       input.ExtraConfig,
	}
	if input.CloudInstanceID != "" {
		id := input.CloudInstanceID
		instance.CloudInstanceID = &id
	}
	if input.IPAddress != "" {
		ip := input.IPAddress
		instance.IPAddress = &ip
	}
	if err := s.instances.InsertInstance(ctx, instance); err != nil {
		return nil, fmt.Errorf("register instance %s: %w", input.CloudInstanceName, err)
	}
	s.logger.Info("instance registered", "name", instance.CloudInstanceName, "owner", instance.OwnerUserID, "status", instance.Status)
	return instance, nil
}

// Get returns the inventory record for one instance name.
func (s Service) Get(ctx context.Context, cloudInstanceName string) (*domain.ManagedInstance, error) {
	return s.instances.GetInstanceByName(ctx, cloudInstanceName)
}

// UpdateStatus applies a partial status mutation. A missing instance is a
// logged no-op returning false, distinct from a storage failure.
func (s Service) UpdateStatus(ctx context.Context, update domain.StatusUpdate) (bool, error) {
	found, err := s.instances.UpdateInstanceStatus(ctx, update)
	if err != nil {
		return false, fmt.Errorf("update status of %s: %w", update.CloudInstanceName, err)
	}
	if !found {
		s.logger.Warn("status update for unknown instance", "name", update.CloudInstanceName, "status", update.Status)
	}
	return found, nil
}

// ListActiveForOwner returns the owner's instances counted against quota.
func (s Service) ListActiveForOwner(ctx context.Context, ownerUserID string) ([]domain.ManagedInstance, error) {
	return s.instances.ListInstancesByOwner(ctx, ownerUserID, domain.ActiveStatuses)
}

// ListForOwner returns all of an owner's instances regardless of status.
func (s Service) ListForOwner(ctx context.Context, ownerUserID string) ([]domain.ManagedInstance, error) {
	return s.instances.ListInstancesByOwner(ctx, ownerUserID, nil)
}

// ListAll returns every tracked instance.
func (s Service) ListAll(ctx context.Context) ([]domain.ManagedInstance, error) {
	return s.instances.ListInstances(ctx)
}

// ListAutoShutdownCandidates returns instances eligible for the sweep.
func (s Service) ListAutoShutdownCandidates(ctx context.Context) ([]domain.ManagedInstance, error) {
	return s.instances.ListAutoShutdownCandidates(ctx, domain.AutoShutdownStatuses)
}

// Remove hard-deletes the record. Returns false when it was already absent.
func (s Service) Remove(ctx context.Context, cloudInstanceName string) (bool, error) {
	found, err := s.instances.DeleteInstance(ctx, cloudInstanceName)
	if err != nil {
		return false, fmt.Errorf("remove instance %s: %w", cloudInstanceName, err)
	}
	return found, nil
}
