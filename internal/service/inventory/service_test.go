package inventory

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"log/slog"

	"github.com/cloudpad/gameserv/internal/domain"
	"github.com/cloudpad/gameserv/internal/repository"
)

// memInstanceRepo mirrors the persistence contract in memory.
type memInstanceRepo struct {
	records map[string]*domain.ManagedInstance
	failAll bool
}

func newMemInstanceRepo() *memInstanceRepo {
	return &memInstanceRepo{records: make(map[string]*domain.ManagedInstance)}
}

func (m *memInstanceRepo) InsertInstance(_ context.Context, instance *domain.ManagedInstance) error {
	if m.failAll {
		return errors.New("storage failure")
	}
	if _, ok := m.records[instance.CloudInstanceName]; ok {
		return repository.ErrConflict
	}
	clone := *instance
	m.records[instance.CloudInstanceName] = &clone
	return nil
}

func (m *memInstanceRepo) GetInstanceByName(_ context.Context, name string) (*domain.ManagedInstance, error) {
	if m.failAll {
		return nil, errors.New("storage failure")
	}
	record, ok := m.records[name]
	if !ok {
		return nil, repository.ErrNotFound
	}
	clone := *record
	return &clone, nil
}

func (m *memInstanceRepo) UpdateInstanceStatus(_ context.Context, update domain.StatusUpdate) (bool, error) {
	if m.failAll {
		return false, errors.New("storage failure")
	}
	record, ok := m.records[update.CloudInstanceName]
	if !ok {
		return false, nil
	}
	record.Status = update.Status
	record.LastStatusUpdate = time.Now().UTC()
	if update.IPAddress != nil {
		if *update.IPAddress == "" {
			record.IPAddress = nil
		} else {
			ip := *update.IPAddress
			record.IPAddress = &ip
		}
	}
	if update.CloudInstanceID != nil {
		id := *update.CloudInstanceID
		record.CloudInstanceID = &id
	}
	if update.Ports != nil {
		record.Ports = update.Ports
	}
	return true, nil
}

func (m *memInstanceRepo) ListInstancesByOwner(_ context.Context, owner string, statuses []string) ([]domain.ManagedInstance, error) {
	if m.failAll {
		return nil, errors.New("storage failure")
	}
	out := make([]domain.ManagedInstance, 0)
	for _, record := range m.records {
		if record.OwnerUserID != owner {
			continue
		}
		if len(statuses) > 0 && !containsStatus(statuses, record.Status) {
			continue
		}
		out = append(out, *record)
	}
	return out, nil
}

func (m *memInstanceRepo) ListInstances(context.Context) ([]domain.ManagedInstance, error) {
	out := make([]domain.ManagedInstance, 0, len(m.records))
	for _, record := range m.records {
		out = append(out, *record)
	}
	return out, nil
}

func (m *memInstanceRepo) ListAutoShutdownCandidates(_ context.Context, statuses []string) ([]domain.ManagedInstance, error) {
	out := make([]domain.ManagedInstance, 0)
	for _, record := range m.records {
		if record.AutoShutdownHours != nil && containsStatus(statuses, record.Status) {
			out = append(out, *record)
		}
	}
	return out, nil
}

func (m *memInstanceRepo) DeleteInstance(_ context.Context, name string) (bool, error) {
	if m.failAll {
		return false, errors.New("storage failure")
	}
	if _, ok := m.records[name]; !ok {
		return false, nil
	}
	delete(m.records, name)
	return true, nil
}

func containsStatus(statuses []string, status string) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

func newTestService(repo repository.InstanceRepository) Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return New(repo, logger)
}

func register(t *testing.T, svc Service, name, owner, status, ip string) *domain.ManagedInstance {
	t.Helper()
	instance, err := svc.Register(context.Background(), RegisterInput{
		OwnerUserID:       owner,
		CloudInstanceName: name,
		Zone:              "europe-west1-b",
		TemplateName:      "minecraft",
		Status:            status,
		IPAddress:         ip,
		Ports:             []domain.Port{{Port: 25565, Protocol: "tcp"}},
	})
	if err != nil {
		t.Fatalf("register %s failed: %v", name, err)
	}
	return instance
}

func TestUpdateStatusClearsIP(t *testing.T) {
	repo := newMemInstanceRepo()
	svc := newTestService(repo)
	register(t, svc, "game-a", "user-1", domain.StatusRunning, "203.0.113.7")

	empty := ""
	found, err := svc.UpdateStatus(context.Background(), domain.StatusUpdate{
		CloudInstanceName: "game-a",
		Status:            domain.StatusTerminated,
		IPAddress:         &empty,
	})
	if err != nil || !found {
		t.Fatalf("UpdateStatus found=%v err=%v", found, err)
	}

	record, err := svc.Get(context.Background(), "game-a")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if record.IPAddress != nil {
		t.Fatalf("expected IP cleared, got %v", *record.IPAddress)
	}
	if record.Status != domain.StatusTerminated {
		t.Fatalf("expected TERMINATED, got %s", record.Status)
	}
}

func TestUpdateStatusPartialLeavesIPUntouched(t *testing.T) {
	repo := newMemInstanceRepo()
	svc := newTestService(repo)
	register(t, svc, "game-a", "user-1", domain.StatusStarting, "203.0.113.7")

	found, err := svc.UpdateStatus(context.Background(), domain.StatusUpdate{
		CloudInstanceName: "game-a",
		Status:            domain.StatusRunning,
	})
	if err != nil || !found {
		t.Fatalf("UpdateStatus found=%v err=%v", found, err)
	}

	record, _ := svc.Get(context.Background(), "game-a")
	if record.IPAddress == nil || *record.IPAddress != "203.0.113.7" {
		t.Fatalf("expected IP preserved, got %v", record.IPAddress)
	}
}

func TestUpdateStatusUnknownInstanceReturnsFalse(t *testing.T) {
	repo := newMemInstanceRepo()
	svc := newTestService(repo)

	found, err := svc.UpdateStatus(context.Background(), domain.StatusUpdate{
		CloudInstanceName: "missing",
		Status:            domain.StatusRunning,
	})
	if err != nil {
		t.Fatalf("expected no error for unknown instance, got %v", err)
	}
	if found {
		t.Fatal("expected found=false for unknown instance")
	}
}

func TestUpdateStatusStorageErrorPropagates(t *testing.T) {
	repo := newMemInstanceRepo()
	repo.failAll = true
	svc := newTestService(repo)

	_, err := svc.UpdateStatus(context.Background(), domain.StatusUpdate{
		CloudInstanceName: "game-a",
		Status:            domain.StatusRunning,
	})
	if err == nil {
		t.Fatal("expected storage error to propagate")
	}
}

func TestListActiveForOwnerFiltersStatuses(t *testing.T) {
	repo := newMemInstanceRepo()
	svc := newTestService(repo)
	register(t, svc, "game-a", "user-1", domain.StatusRunning, "203.0.113.7")
	register(t, svc, "game-b", "user-1", domain.StatusTerminated, "")
	register(t, svc, "game-c", "user-1", domain.StatusProvisioning, "")
	register(t, svc, "game-d", "user-2", domain.StatusRunning, "")

	active, err := svc.ListActiveForOwner(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("ListActiveForOwner returned error: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("expected 2 active instances, got %d", len(active))
	}
	for _, instance := range active {
		if instance.Status == domain.StatusTerminated {
			t.Fatalf("terminated instance counted as active: %+v", instance)
		}
	}
}

func TestRemove(t *testing.T) {
	repo := newMemInstanceRepo()
	svc := newTestService(repo)
	register(t, svc, "game-a", "user-1", domain.StatusRunning, "")

	found, err := svc.Remove(context.Background(), "game-a")
	if err != nil || !found {
		t.Fatalf("Remove found=%v err=%v", found, err)
	}
	if _, err := svc.Get(context.Background(), "game-a"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after removal, got %v", err)
	}

	found, err = svc.Remove(context.Background(), "game-a")
	if err != nil {
		t.Fatalf("second Remove returned error: %v", err)
	}
	if found {
		t.Fatal("expected found=false on repeated removal")
	}
}
