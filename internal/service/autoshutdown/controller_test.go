package autoshutdown

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"log/slog"

	"github.com/cloudpad/gameserv/internal/compute"
	"github.com/cloudpad/gameserv/internal/domain"
	"github.com/cloudpad/gameserv/internal/repository"
	"github.com/cloudpad/gameserv/internal/service/inventory"
)

type stubProvider struct {
	stopErrs map[string]error
	stopped  []string
}

func (p *stubProvider) CreateInstance(context.Context, compute.CreateInstanceRequest) (compute.Instance, error) {
	return compute.Instance{}, errors.New("not used")
}
func (p *stubProvider) StartInstance(context.Context, string, string) error { return nil }
func (p *stubProvider) StopInstance(_ context.Context, _, name string) error {
	if err, ok := p.stopErrs[name]; ok {
		return err
	}
	p.stopped = append(p.stopped, name)
	return nil
}
func (p *stubProvider) DeleteInstance(context.Context, string, string) error { return nil }
func (p *stubProvider) GetInstance(context.Context, string, string) (compute.Instance, error) {
	return compute.Instance{}, compute.ErrNotFound
}
func (p *stubProvider) ListInstances(context.Context, string) ([]compute.Instance, error) {
	return nil, nil
}
func (p *stubProvider) SerialPortOutput(context.Context, string, string, int) (string, error) {
	return "", nil
}
func (p *stubProvider) CreateFirewallRule(context.Context, compute.FirewallRule) error { return nil }
func (p *stubProvider) DeleteFirewallRule(context.Context, string) error               { return nil }
func (p *stubProvider) ListFirewallRules(context.Context) ([]compute.FirewallRule, error) {
	return nil, nil
}

type memRepo struct {
	records map[string]*domain.ManagedInstance
}

func newMemRepo() *memRepo {
	return &memRepo{records: make(map[string]*domain.ManagedInstance)}
}

func (m *memRepo) InsertInstance(_ context.Context, instance *domain.ManagedInstance) error {
	clone := *instance
	m.records[instance.CloudInstanceName] = &clone
	return nil
}

func (m *memRepo) GetInstanceByName(_ context.Context, name string) (*domain.ManagedInstance, error) {
	record, ok := m.records[name]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return record, nil
}

func (m *memRepo) UpdateInstanceStatus(_ context.Context, update domain.StatusUpdate) (bool, error) {
	record, ok := m.records[update.CloudInstanceName]
	if !ok {
		return false, nil
	}
	record.Status = update.Status
	if update.IPAddress != nil {
		if *update.IPAddress == "" {
			record.IPAddress = nil
		} else {
			ip := *update.IPAddress
			record.IPAddress = &ip
		}
	}
	return true, nil
}

func (m *memRepo) ListInstancesByOwner(context.Context, string, []string) ([]domain.ManagedInstance, error) {
	return nil, nil
}
func (m *memRepo) ListInstances(context.Context) ([]domain.ManagedInstance, error) { return nil, nil }

func (m *memRepo) ListAutoShutdownCandidates(_ context.Context, statuses []string) ([]domain.ManagedInstance, error) {
	out := make([]domain.ManagedInstance, 0)
	for _, record := range m.records {
		if record.AutoShutdownHours == nil {
			continue
		}
		for _, status := range statuses {
			if record.Status == status {
				out = append(out, *record)
				break
			}
		}
	}
	return out, nil
}

func (m *memRepo) DeleteInstance(context.Context, string) (bool, error) { return false, nil }

type recordingNotifier struct {
	messages map[string][]string
	err      error
}

func (n *recordingNotifier) NotifyOwner(_ context.Context, userID, message string) error {
	if n.err != nil {
		return n.err
	}
	if n.messages == nil {
		n.messages = make(map[string][]string)
	}
	n.messages[userID] = append(n.messages[userID], message)
	return nil
}

func seed(repo *memRepo, name, status string, hours int, lastUpdate time.Time, ip string) {
	record := &domain.ManagedInstance{
		OwnerUserID:       "user-1",
		CloudInstanceName: name,
		Zone:              "europe-west1-b",
		Status:            status,
		LastStatusUpdate:  lastUpdate,
		AutoShutdownHours: &hours,
	}
	if ip != "" {
		record.IPAddress = &ip
	}
	repo.records[name] = record
}

func newTestController(provider *stubProvider, repo *memRepo, notifier Notifier, now time.Time) *Controller {
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
	ctl := New(provider, inventory.New(repo, logger), notifier, logger, time.Minute, nil)
	ctl.now = func() time.Time { return now }
	return ctl
}

func TestSweepStopsExpiredInstances(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	provider := &stubProvider{}
	repo := newMemRepo()
	notifier := &recordingNotifier{}
	seed(repo, "expired", domain.StatusRunning, 4, now.Add(-5*time.Hour), "203.0.113.9")
	seed(repo, "fresh", domain.StatusRunning, 4, now.Add(-3*time.Hour), "203.0.113.10")

	newTestController(provider, repo, notifier, now).Sweep(context.Background())

	if len(provider.stopped) != 1 || provider.stopped[0] != "expired" {
		t.Fatalf("expected only the expired instance stopped, got %v", provider.stopped)
	}
	expired := repo.records["expired"]
	if expired.Status != domain.StatusTerminated {
		t.Fatalf("expected TERMINATED, got %s", expired.Status)
	}
	if expired.IPAddress != nil {
		t.Fatal("expected IP cleared after automatic stop")
	}
	if repo.records["fresh"].Status != domain.StatusRunning {
		t.Fatal("fresh instance must stay running")
	}
	if len(notifier.messages["user-1"]) != 1 {
		t.Fatalf("expected one owner notification, got %v", notifier.messages)
	}
}

func TestSweepSkipsInstancesWithoutDeadline(t *testing.T) {
	now := time.Now()
	provider := &stubProvider{}
	repo := newMemRepo()
	repo.records["unbounded"] = &domain.ManagedInstance{
		CloudInstanceName: "unbounded",
		Status:            domain.StatusRunning,
		LastStatusUpdate:  now.Add(-1000 * time.Hour),
	}

	newTestController(provider, repo, nil, now).Sweep(context.Background())

	if len(provider.stopped) != 0 {
		t.Fatalf("expected nothing stopped, got %v", provider.stopped)
	}
}

func TestSweepMarksStopFailure(t *testing.T) {
	now := time.Now()
	provider := &stubProvider{stopErrs: map[string]error{"broken": errors.New("backend down")}}
	repo := newMemRepo()
	notifier := &recordingNotifier{}
	seed(repo, "broken", domain.StatusRunning, 1, now.Add(-2*time.Hour), "203.0.113.9")

	newTestController(provider, repo, notifier, now).Sweep(context.Background())

	record := repo.records["broken"]
	if record.Status != domain.StatusErrorAutoStop {
		t.Fatalf("expected ERROR_AUTO_STOP, got %s", record.Status)
	}
	if len(notifier.messages) != 0 {
		t.Fatal("expected no notification on failed stop")
	}
}

func TestSweepContinuesWhenNotificationFails(t *testing.T) {
	now := time.Now()
	provider := &stubProvider{}
	repo := newMemRepo()
	seed(repo, "expired", domain.StatusRunning, 1, now.Add(-2*time.Hour), "")

	newTestController(provider, repo, &recordingNotifier{err: errors.New("channel gone")}, now).Sweep(context.Background())

	if repo.records["expired"].Status != domain.StatusTerminated {
		t.Fatal("expected stop to complete despite notification failure")
	}
}

func TestRestartRearmsTheClock(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	provider := &stubProvider{}
	repo := newMemRepo()
	// created long ago, but its last transition was recent
	seed(repo, "restarted", domain.StatusRunning, 2, now.Add(-1*time.Hour), "")
	repo.records["restarted"].CreatedAt = now.Add(-100 * time.Hour)

	newTestController(provider, repo, nil, now).Sweep(context.Background())

	if len(provider.stopped) != 0 {
		t.Fatalf("expected recently transitioned instance untouched, got %v", provider.stopped)
	}
}
