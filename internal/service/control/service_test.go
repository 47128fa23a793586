package control

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"log/slog"

	"github.com/cloudpad/gameserv/internal/compute"
	"github.com/cloudpad/gameserv/internal/domain"
	"github.com/cloudpad/gameserv/internal/repository"
	"github.com/cloudpad/gameserv/internal/service/inventory"
	"github.com/cloudpad/gameserv/pkg/config"
)

// stubProvider scripts the compute backend per call.
type stubProvider struct {
	startErr   error
	stopErr    error
	deleteErr  error
	getErr     error
	instance   compute.Instance
	serialOut  string
	serialReqs []int

	rules        []compute.FirewallRule
	listRulesErr error
	deleteRules  []string
	ruleErrs     map[string]error
	createdRules []compute.FirewallRule
}

func (p *stubProvider) CreateInstance(context.Context, compute.CreateInstanceRequest) (compute.Instance, error) {
	return compute.Instance{}, errors.New("not used")
}
func (p *stubProvider) StartInstance(context.Context, string, string) error  { return p.startErr }
func (p *stubProvider) StopInstance(context.Context, string, string) error   { return p.stopErr }
func (p *stubProvider) DeleteInstance(context.Context, string, string) error { return p.deleteErr }
func (p *stubProvider) GetInstance(context.Context, string, string) (compute.Instance, error) {
	return p.instance, p.getErr
}
func (p *stubProvider) ListInstances(context.Context, string) ([]compute.Instance, error) {
	return []compute.Instance{p.instance}, nil
}
func (p *stubProvider) SerialPortOutput(_ context.Context, _, _ string, port int) (string, error) {
	p.serialReqs = append(p.serialReqs, port)
	return p.serialOut, nil
}
func (p *stubProvider) CreateFirewallRule(_ context.Context, rule compute.FirewallRule) error {
	p.createdRules = append(p.createdRules, rule)
	return nil
}
func (p *stubProvider) DeleteFirewallRule(_ context.Context, name string) error {
	if err, ok := p.ruleErrs[name]; ok {
		return err
	}
	p.deleteRules = append(p.deleteRules, name)
	return nil
}
func (p *stubProvider) ListFirewallRules(context.Context) ([]compute.FirewallRule, error) {
	return p.rules, p.listRulesErr
}

// memRepo is the same in-memory persistence contract the inventory tests use.
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
	clone := *record
	return &clone, nil
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
	if update.Ports != nil {
		record.Ports = update.Ports
	}
	return true, nil
}

func (m *memRepo) ListInstancesByOwner(context.Context, string, []string) ([]domain.ManagedInstance, error) {
	return nil, nil
}
func (m *memRepo) ListInstances(context.Context) ([]domain.ManagedInstance, error) { return nil, nil }
func (m *memRepo) ListAutoShutdownCandidates(context.Context, []string) ([]domain.ManagedInstance, error) {
	return nil, nil
}
func (m *memRepo) DeleteInstance(_ context.Context, name string) (bool, error) {
	if _, ok := m.records[name]; !ok {
		return false, nil
	}
	delete(m.records, name)
	return true, nil
}

func newTestService(provider *stubProvider, repo *memRepo) *Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return New(provider, inventory.New(repo, logger), logger, config.BotConfig{DefaultZone: "europe-west1-b"})
}

func seed(repo *memRepo, name, status, ip string) {
	record := &domain.ManagedInstance{
		OwnerUserID:       "user-1",
		CloudInstanceName: name,
		Zone:              "europe-west1-b",
		TemplateName:      "minecraft",
		Status:            status,
	}
	if ip != "" {
		record.IPAddress = &ip
	}
	repo.records[name] = record
}

func TestStartRefreshesIP(t *testing.T) {
	provider := &stubProvider{instance: compute.Instance{Name: "game-a", Status: "RUNNING", ExternalIP: "203.0.113.9"}}
	repo := newMemRepo()
	seed(repo, "game-a", domain.StatusTerminated, "")
	svc := newTestService(provider, repo)

	record, err := svc.Start(context.Background(), "game-a")
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if record.Status != domain.StatusRunning {
		t.Fatalf("expected RUNNING, got %s", record.Status)
	}
	if record.IPAddress == nil || *record.IPAddress != "203.0.113.9" {
		t.Fatalf("expected refreshed IP, got %v", record.IPAddress)
	}
}

func TestStartFailureMarksError(t *testing.T) {
	provider := &stubProvider{startErr: errors.New("quota")}
	repo := newMemRepo()
	seed(repo, "game-a", domain.StatusTerminated, "")
	svc := newTestService(provider, repo)

	if _, err := svc.Start(context.Background(), "game-a"); err == nil {
		t.Fatal("expected start failure")
	}
	if repo.records["game-a"].Status != domain.StatusError {
		t.Fatalf("expected ERROR status, got %s", repo.records["game-a"].Status)
	}
}

func TestStopClearsIP(t *testing.T) {
	provider := &stubProvider{}
	repo := newMemRepo()
	seed(repo, "game-a", domain.StatusRunning, "203.0.113.9")
	svc := newTestService(provider, repo)

	record, err := svc.Stop(context.Background(), "game-a")
	if err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if record.Status != domain.StatusTerminated {
		t.Fatalf("expected TERMINATED, got %s", record.Status)
	}
	if record.IPAddress != nil {
		t.Fatalf("expected IP cleared, got %v", *record.IPAddress)
	}
}

func TestDeleteRemovesMatchingFirewallRulesOnly(t *testing.T) {
	tag := compute.InstanceTag("game-a")
	provider := &stubProvider{
		rules: []compute.FirewallRule{
			{Name: "allow-game-a-25565-tcp", TargetTags: []string{tag}},
			{Name: "allow-game-a-25565-udp", TargetTags: []string{tag}},
			{Name: "allow-game-ab-25565-tcp", TargetTags: []string{compute.InstanceTag("game-ab")}},
			{Name: "unrelated", TargetTags: []string{"ssh"}},
		},
	}
	repo := newMemRepo()
	seed(repo, "game-a", domain.StatusRunning, "203.0.113.9")
	svc := newTestService(provider, repo)

	result, err := svc.Delete(context.Background(), "game-a")
	if err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	if len(result.FirewallsRemoved) != 2 {
		t.Fatalf("expected 2 rules removed, got %v", result.FirewallsRemoved)
	}
	for _, name := range provider.deleteRules {
		if name == "allow-game-ab-25565-tcp" || name == "unrelated" {
			t.Fatalf("removed a rule belonging to another instance: %s", name)
		}
	}
	if !result.RecordRemoved {
		t.Fatal("expected inventory record removed")
	}
	if _, ok := repo.records["game-a"]; ok {
		t.Fatal("record still present after delete")
	}
}

func TestDeleteContinuesPastRuleFailure(t *testing.T) {
	tag := compute.InstanceTag("game-a")
	provider := &stubProvider{
		rules: []compute.FirewallRule{
			{Name: "allow-game-a-25565-tcp", TargetTags: []string{tag}},
			{Name: "allow-game-a-25565-udp", TargetTags: []string{tag}},
		},
		ruleErrs: map[string]error{"allow-game-a-25565-tcp": errors.New("rule busy")},
	}
	repo := newMemRepo()
	seed(repo, "game-a", domain.StatusRunning, "")
	svc := newTestService(provider, repo)

	result, err := svc.Delete(context.Background(), "game-a")
	if err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	if len(result.FirewallsRemoved) != 1 || result.FirewallsRemoved[0] != "allow-game-a-25565-udp" {
		t.Fatalf("expected the second rule removed despite first failing, got %v", result.FirewallsRemoved)
	}
	if len(result.FirewallFailures) != 1 || !strings.Contains(result.FirewallFailures[0], "allow-game-a-25565-tcp") {
		t.Fatalf("expected the failed rule reported, got %v", result.FirewallFailures)
	}
	if !result.RecordRemoved {
		t.Fatal("expected record removal to proceed past rule failure")
	}
}

func TestDeleteVMFailureKeepsRecordAsError(t *testing.T) {
	provider := &stubProvider{deleteErr: errors.New("operation failed")}
	repo := newMemRepo()
	seed(repo, "game-a", domain.StatusRunning, "203.0.113.9")
	svc := newTestService(provider, repo)

	if _, err := svc.Delete(context.Background(), "game-a"); err == nil {
		t.Fatal("expected delete failure")
	}
	record, ok := repo.records["game-a"]
	if !ok {
		t.Fatal("expected record kept after vm delete failure")
	}
	if record.Status != domain.StatusError {
		t.Fatalf("expected ERROR status, got %s", record.Status)
	}
	if len(provider.deleteRules) != 0 {
		t.Fatal("expected no firewall cleanup after vm delete failure")
	}
}

func TestDeleteVanishedVMStillCleansUp(t *testing.T) {
	provider := &stubProvider{deleteErr: compute.ErrNotFound}
	repo := newMemRepo()
	seed(repo, "game-a", domain.StatusError, "")
	svc := newTestService(provider, repo)

	result, err := svc.Delete(context.Background(), "game-a")
	if err != nil {
		t.Fatalf("expected delete of vanished vm to succeed, got %v", err)
	}
	if !result.RecordRemoved {
		t.Fatal("expected record removed for vanished vm")
	}
}

func TestSerialLogDefaultsAndValidatesPort(t *testing.T) {
	provider := &stubProvider{serialOut: "boot ok"}
	repo := newMemRepo()
	seed(repo, "game-a", domain.StatusRunning, "")
	svc := newTestService(provider, repo)

	if _, err := svc.SerialLog(context.Background(), "game-a", 0); err != nil {
		t.Fatalf("default port rejected: %v", err)
	}
	if len(provider.serialReqs) != 1 || provider.serialReqs[0] != SerialPortDefault {
		t.Fatalf("expected default port %d, got %v", SerialPortDefault, provider.serialReqs)
	}

	for _, port := range []int{1, 5, -1} {
		if _, err := svc.SerialLog(context.Background(), "game-a", port); !errors.Is(err, ErrSerialPort) {
			t.Fatalf("port %d: expected ErrSerialPort, got %v", port, err)
		}
	}
}

func TestSerialLogTruncatesToTail(t *testing.T) {
	provider := &stubProvider{serialOut: strings.Repeat("x", 3000) + "END"}
	repo := newMemRepo()
	seed(repo, "game-a", domain.StatusRunning, "")
	svc := newTestService(provider, repo)

	out, err := svc.SerialLog(context.Background(), "game-a", 3)
	if err != nil {
		t.Fatalf("SerialLog returned error: %v", err)
	}
	if len(out) != serialLogTailChars {
		t.Fatalf("expected %d trailing chars, got %d", serialLogTailChars, len(out))
	}
	if !strings.HasSuffix(out, "END") {
		t.Fatal("expected the tail of the output to survive truncation")
	}
}

func TestOpenPortAppendsToRecord(t *testing.T) {
	provider := &stubProvider{}
	repo := newMemRepo()
	seed(repo, "game-a", domain.StatusRunning, "")
	repo.records["game-a"].Ports = []domain.Port{{Port: 25565, Protocol: "tcp"}}
	svc := newTestService(provider, repo)

	if err := svc.OpenPort(context.Background(), "game-a", 19132, "UDP"); err != nil {
		t.Fatalf("OpenPort returned error: %v", err)
	}
	if len(provider.createdRules) != 1 {
		t.Fatalf("expected one rule created, got %d", len(provider.createdRules))
	}
	rule := provider.createdRules[0]
	if rule.Allowed[0].Protocol != "udp" {
		t.Fatalf("expected protocol lowercased, got %s", rule.Allowed[0].Protocol)
	}
	ports := repo.records["game-a"].Ports
	if len(ports) != 2 || ports[1].Port != 19132 || ports[1].Protocol != "udp" {
		t.Fatalf("expected port appended to record, got %v", ports)
	}
}

func TestLifecycleOnUnknownInstance(t *testing.T) {
	svc := newTestService(&stubProvider{}, newMemRepo())

	if _, err := svc.Start(context.Background(), "missing"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("Start: expected ErrNotFound, got %v", err)
	}
	if _, err := svc.Stop(context.Background(), "missing"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("Stop: expected ErrNotFound, got %v", err)
	}
	if _, err := svc.Delete(context.Background(), "missing"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("Delete: expected ErrNotFound, got %v", err)
	}
}
