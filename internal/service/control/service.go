package control

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/cloudpad/gameserv/internal/compute"
	"github.com/cloudpad/gameserv/internal/domain"
	"github.com/cloudpad/gameserv/internal/service/inventory"
	"github.com/cloudpad/gameserv/pkg/config"
)

// Serial console constraints for the log command.
const (
	SerialPortMin      = 2
	SerialPortMax      = 4
	SerialPortDefault  = 2
	serialLogTailChars = 1980
)

// ErrSerialPort rejects a serial port outside the allowed console range.
var ErrSerialPort = errors.New("control: serial port out of range")

// DeleteResult reports what the teardown saga actually removed.
type DeleteResult struct {
	InstanceName     string
	FirewallsRemoved []string
	FirewallFailures []string
	RecordRemoved    bool
}

// Service drives lifecycle transitions on already-registered instances.
// Every method resolves the instance record first so zone and ownership
// travel with the stored state rather than with caller input.
type Service struct {
	orchestrator compute.Provider
	inventory    inventory.Service
	logger       *slog.Logger
	cfg          config.BotConfig
}

// New returns a control service.
func New(orchestrator compute.Provider, inventorySvc inventory.Service, logger *slog.Logger, cfg config.BotConfig) *Service {
	return &Service{
		orchestrator: orchestrator,
		inventory:    inventorySvc,
		logger:       logger.With("component", "control"),
		cfg:          cfg,
	}
}

// Get returns the stored record for an instance name.
func (s *Service) Get(ctx context.Context, name string) (*domain.ManagedInstance, error) {
	return s.inventory.Get(ctx, name)
}

// Start boots a stopped instance and refreshes its recorded IP once the
// provider reports it running.
func (s *Service) Start(ctx context.Context, name string) (*domain.ManagedInstance, error) {
	record, err := s.inventory.Get(ctx, name)
	if err != nil {
		return nil, err
	}

	if _, err := s.inventory.UpdateStatus(ctx, domain.StatusUpdate{
		CloudInstanceName: name,
		Status:            domain.StatusStarting,
	}); err != nil {
		return nil, err
	}

	if err := s.orchestrator.StartInstance(ctx, record.Zone, name); err != nil {
		s.markError(ctx, name, domain.StatusError)
		return nil, fmt.Errorf("start %s: %w", name, err)
	}

	instance, err := s.orchestrator.GetInstance(ctx, record.Zone, name)
	if err != nil {
		// the VM is up; only the IP refresh failed
		s.logger.Warn("post-start describe failed", "name", name, "error", err)
		instance = compute.Instance{Name: name}
	}

	ip := instance.ExternalIP
	if _, err := s.inventory.UpdateStatus(ctx, domain.StatusUpdate{
		CloudInstanceName: name,
		Status:            domain.StatusRunning,
		IPAddress:         &ip,
	}); err != nil {
		return nil, err
	}
	s.logger.Info("instance started", "name", name, "ip", ip)
	return s.inventory.Get(ctx, name)
}

// Stop powers an instance down and clears its recorded IP.
func (s *Service) Stop(ctx context.Context, name string) (*domain.ManagedInstance, error) {
	record, err := s.inventory.Get(ctx, name)
	if err != nil {
		return nil, err
	}

	if _, err := s.inventory.UpdateStatus(ctx, domain.StatusUpdate{
		CloudInstanceName: name,
		Status:            domain.StatusStopping,
	}); err != nil {
		return nil, err
	}

	if err := s.orchestrator.StopInstance(ctx, record.Zone, name); err != nil {
		s.markError(ctx, name, domain.StatusError)
		return nil, fmt.Errorf("stop %s: %w", name, err)
	}

	empty := ""
	if _, err := s.inventory.UpdateStatus(ctx, domain.StatusUpdate{
		CloudInstanceName: name,
		Status:            domain.StatusTerminated,
		IPAddress:         &empty,
	}); err != nil {
		return nil, err
	}
	s.logger.Info("instance stopped", "name", name)
	return s.inventory.Get(ctx, name)
}

// Delete tears an instance down: the VM first, then every firewall rule
// targeting its tag, then the inventory record. Rule cleanup is best-effort;
// a VM delete failure keeps the record and flags it ERROR.
func (s *Service) Delete(ctx context.Context, name string) (*DeleteResult, error) {
	record, err := s.inventory.Get(ctx, name)
	if err != nil {
		return nil, err
	}

	if _, err := s.inventory.UpdateStatus(ctx, domain.StatusUpdate{
		CloudInstanceName: name,
		Status:            domain.StatusDeleting,
	}); err != nil {
		return nil, err
	}

	if err := s.orchestrator.DeleteInstance(ctx, record.Zone, name); err != nil && !errors.Is(err, compute.ErrNotFound) {
		s.markError(ctx, name, domain.StatusError)
		return nil, fmt.Errorf("delete %s: %w", name, err)
	}

	result := &DeleteResult{InstanceName: name}
	result.FirewallsRemoved, result.FirewallFailures = s.cleanupFirewalls(ctx, name)

	removed, err := s.inventory.Remove(ctx, name)
	if err != nil {
		s.logger.Warn("record removal failed after vm delete", "name", name, "error", err)
		result.FirewallFailures = append(result.FirewallFailures, fmt.Sprintf("record: %v", err))
	}
	result.RecordRemoved = removed

	s.logger.Info("instance deleted", "name", name,
		"firewalls_removed", len(result.FirewallsRemoved), "firewall_failures", len(result.FirewallFailures))
	return result, nil
}

// cleanupFirewalls removes every rule whose target tags name this instance.
// Rules are matched by the instance tag, not by stored rule names, so rules
// opened out-of-band still get collected.
func (s *Service) cleanupFirewalls(ctx context.Context, name string) (removed, failures []string) {
	tag := compute.InstanceTag(name)
	rules, err := s.orchestrator.ListFirewallRules(ctx)
	if err != nil {
		s.logger.Warn("firewall listing failed during teardown", "name", name, "error", err)
		return nil, []string{fmt.Sprintf("list rules: %v", err)}
	}
	for _, rule := range rules {
		if !hasTag(rule.TargetTags, tag) {
			continue
		}
		if err := s.orchestrator.DeleteFirewallRule(ctx, rule.Name); err != nil {
			s.logger.Warn("firewall rule removal failed", "rule", rule.Name, "error", err)
			failures = append(failures, fmt.Sprintf("%s: %v", rule.Name, err))
			continue
		}
		removed = append(removed, rule.Name)
	}
	return removed, failures
}

// SerialLog returns the trailing console output of an instance.
// A zero port selects the default console; anything outside the range is
// rejected before any provider call.
func (s *Service) SerialLog(ctx context.Context, name string, port int) (string, error) {
	if port == 0 {
		port = SerialPortDefault
	}
	if port < SerialPortMin || port > SerialPortMax {
		return "", fmt.Errorf("%w: %d not in [%d,%d]", ErrSerialPort, port, SerialPortMin, SerialPortMax)
	}
	record, err := s.inventory.Get(ctx, name)
	if err != nil {
		return "", err
	}
	output, err := s.orchestrator.SerialPortOutput(ctx, record.Zone, name, port)
	if err != nil {
		return "", fmt.Errorf("serial log of %s: %w", name, err)
	}
	if len(output) > serialLogTailChars {
		output = output[len(output)-serialLogTailChars:]
	}
	return output, nil
}

// OpenPort adds an ingress allow rule for one extra port on an instance and
// appends it to the stored port list.
func (s *Service) OpenPort(ctx context.Context, name string, port int, protocol string) error {
	record, err := s.inventory.Get(ctx, name)
	if err != nil {
		return err
	}
	protocol = strings.ToLower(protocol)
	rule := compute.FirewallRule{
		Name:        compute.FirewallRuleName(name, port, protocol),
		Description: fmt.Sprintf("managed port %d/%s for %s", port, protocol, name),
		TargetTags:  []string{compute.InstanceTag(name)},
		Allowed:     []compute.PortSpec{{Protocol: protocol, Ports: []string{strconv.Itoa(port)}}},
	}
	if err := s.orchestrator.CreateFirewallRule(ctx, rule); err != nil {
		return fmt.Errorf("open port %d/%s on %s: %w", port, protocol, name, err)
	}

	ports := append(append([]domain.Port(nil), record.Ports...), domain.Port{Port: port, Protocol: protocol})
	if _, err := s.inventory.UpdateStatus(ctx, domain.StatusUpdate{
		CloudInstanceName: name,
		Status:            record.Status,
		Ports:             ports,
	}); err != nil {
		s.logger.Warn("port list update failed", "name", name, "error", err)
	}
	return nil
}

// DescribeVM returns the provider's live view of an instance, bypassing the
// inventory record.
func (s *Service) DescribeVM(ctx context.Context, zone, name string) (compute.Instance, error) {
	if zone == "" {
		zone = s.cfg.DefaultZone
	}
	return s.orchestrator.GetInstance(ctx, zone, name)
}

// ListVMs lists the provider's instances in a zone.
func (s *Service) ListVMs(ctx context.Context, zone string) ([]compute.Instance, error) {
	if zone == "" {
		zone = s.cfg.DefaultZone
	}
	return s.orchestrator.ListInstances(ctx, zone)
}

// ListFirewallRules lists every rule the provider knows about.
func (s *Service) ListFirewallRules(ctx context.Context) ([]compute.FirewallRule, error) {
	return s.orchestrator.ListFirewallRules(ctx)
}

// DeleteFirewallRule removes one rule by name.
func (s *Service) DeleteFirewallRule(ctx context.Context, name string) error {
	return s.orchestrator.DeleteFirewallRule(ctx, name)
}

func (s *Service) markError(ctx context.Context, name, status string) {
	if _, err := s.inventory.UpdateStatus(ctx, domain.StatusUpdate{
		CloudInstanceName: name,
		Status:            status,
	}); err != nil {
		s.logger.Error("error status not recorded", "name", name, "error", err)
	}
}

func hasTag(tags []string, want string) bool {
	for _, tag := range tags {
		if tag == want {
			return true
		}
	}
	return false
}

// StopTimeout bounds a provider stop call issued outside an interactive
// command, such as the auto-shutdown sweep.
const StopTimeout = 180 * time.Second
