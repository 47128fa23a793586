package provision

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"log/slog"

	"github.com/cloudpad/gameserv/internal/compute"
	"github.com/cloudpad/gameserv/internal/domain"
	"github.com/cloudpad/gameserv/internal/service/inventory"
	"github.com/cloudpad/gameserv/internal/service/usage"
	"github.com/cloudpad/gameserv/pkg/config"
)

// Reporter receives step-by-step progress for an instance under change.
type Reporter interface {
	Progress(instanceName, stage, message string)
}

// CreateInput is one provisioning request.
type CreateInput struct {
	UserID            string
	TemplateName      string
	InstanceName      string
	Zone              string
	CustomParamsJSON  string
	AutoShutdownHours *int
	// BypassLimits skips quota and cooldown; granted by capability tier,
	// never by plain ownership.
	BypassLimits bool
}

// Result is the structured outcome of a completed workflow.
type Result struct {
	InstanceName      string
	Zone              string
	IPAddress         string
	Status            string
	OpenedPorts       []domain.Port
	PortFailures      []string
	Registered        bool
	RegistrationError string
}

// Service runs the provisioning saga: validate, resolve params, create the
// VM, open ports, register inventory.
type Service struct {
	templates    *Registry
	orchestrator compute.Provider
	inventory    inventory.Service
	ledger       usage.Service
	reporter     Reporter
	logger       *slog.Logger
	cfg          config.BotConfig
	now          func() time.Time
}

// New returns a provisioning service.
func New(templates *Registry, orchestrator compute.Provider, inventorySvc inventory.Service, ledger usage.Service, reporter Reporter, logger *slog.Logger, cfg config.BotConfig) *Service {
	return &Service{
		templates:    templates,
		orchestrator: orchestrator,
		inventory:    inventorySvc,
		ledger:       ledger,
		reporter:     reporter,
		logger:       logger.With("component", "provision"),
		cfg:          cfg,
		now:          time.Now,
	}
}

// Create drives the workflow to completion. Validation and quota errors
// return before any cloud call; once the create is submitted the VM will
// exist even if later steps degrade to partial failure.
func (s *Service) Create(ctx context.Context, input CreateInput) (*Result, error) {
	if err := compute.ValidateInstanceName(input.InstanceName); err != nil {
		return nil, err
	}
	tpl, ok := s.templates.Get(input.TemplateName)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTemplate, input.TemplateName)
	}
	if input.AutoShutdownHours != nil {
		hours := *input.AutoShutdownHours
		if hours < s.cfg.AutoShutdownMinHours || hours > s.cfg.AutoShutdownMaxHours {
			return nil, fmt.Errorf("%w: %d not in [%d,%d]", ErrShutdownHours, hours, s.cfg.AutoShutdownMinHours, s.cfg.AutoShutdownMaxHours)
		}
	}

	params, err := mergeParams(tpl.ParamDefaults, input.CustomParamsJSON)
	if err != nil {
		return nil, err
	}
	params["instance_name"] = input.InstanceName
	script, err := renderStartupScript(tpl.StartupScript, params)
	if err != nil {
		return nil, err
	}

	if !input.BypassLimits {
		if err := s.checkQuota(ctx, input.UserID); err != nil {
			return nil, err
		}
		if err := s.checkCooldown(ctx, input.UserID); err != nil {
			return nil, err
		}
	}

	zone := input.Zone
	if zone == "" {
		zone = s.cfg.DefaultZone
	}
	tag := compute.InstanceTag(input.InstanceName)

	s.progress(input.InstanceName, "vm_creating", "creating virtual machine")
	instance, err := s.orchestrator.CreateInstance(ctx, compute.CreateInstanceRequest{
		Name:         input.InstanceName,
		Zone:         zone,
		MachineType:  tpl.MachineType,
		ImageProject: tpl.ImageProject,
		ImageFamily:  tpl.ImageFamily,
		DiskSizeGB:   tpl.DiskSizeGB,
		Metadata:     map[string]string{"startup-script": script},
		Tags:         compute.MergeTags(tag, tpl.Tags),
		Labels:       compute.ManagementLabels(input.UserID),
	})
	if err != nil {
		s.logger.Error("vm create failed", "name", input.InstanceName, "error", err)
		return nil, err
	}

	result := &Result{
		InstanceName: instance.Name,
		Zone:         zone,
		IPAddress:    instance.ExternalIP,
	}

	s.progress(input.InstanceName, "ports_opening", "opening firewall ports")
	result.OpenedPorts, result.PortFailures = s.openDefaultPorts(ctx, input.InstanceName, tag, tpl.DefaultPorts)

	result.Status = domain.StatusRunning
	if instance.ExternalIP == "" {
		result.Status = domain.StatusProvisioningNoIP
	}

	_, regErr := s.inventory.Register(ctx, inventory.RegisterInput{
		OwnerUserID:       input.UserID,
		CloudInstanceName: instance.Name,
		CloudInstanceID:   instance.ID,
		Zone:              zone,
		TemplateName:      tpl.Name,
		Status:            result.Status,
		IPAddress:         instance.ExternalIP,
		Ports:             result.OpenedPorts,
		AutoShutdownHours: input.AutoShutdownHours,
	})
	if regErr != nil {
		// the VM stays up; the record is the inconsistency, not the resource
		s.logger.Warn("inventory registration failed after vm create", "name", instance.Name, "error", regErr)
		result.RegistrationError = regErr.Error()
	} else {
		result.Registered = true
	}

	s.progress(input.InstanceName, "done", "provisioning complete")
	s.logger.Info("instance provisioned", "name", instance.Name, "owner", input.UserID,
		"ip", instance.ExternalIP, "ports_opened", len(result.OpenedPorts), "port_failures", len(result.PortFailures))
	return result, nil
}

func (s *Service) checkQuota(ctx context.Context, userID string) error {
	active, err := s.inventory.ListActiveForOwner(ctx, userID)
	if err != nil {
		return fmt.Errorf("quota check: %w", err)
	}
	if len(active) >= s.cfg.MaxActivePerUser {
		return &QuotaError{ActiveCount: len(active), Limit: s.cfg.MaxActivePerUser}
	}
	return nil
}

func (s *Service) checkCooldown(ctx context.Context, userID string) error {
	last, err := s.ledger.LastInvocation(ctx, userID, "create")
	if err != nil {
		// ledger reads fail open, same as rate limiting
		s.logger.Warn("cooldown lookup failed, admitting", "user_id", userID, "error", err)
		return nil
	}
	if last == nil {
		return nil
	}
	elapsed := s.now().Sub(*last)
	if elapsed < s.cfg.CreationCooldown {
		return &CooldownError{Remaining: s.cfg.CreationCooldown - elapsed}
	}
	return nil
}

// openDefaultPorts opens each template port best-effort, collecting failures
// instead of aborting.
func (s *Service) openDefaultPorts(ctx context.Context, instanceName, tag string, ports []domain.Port) ([]domain.Port, []string) {
	opened := make([]domain.Port, 0, len(ports))
	failures := make([]string, 0)
	for _, port := range ports {
		rule := compute.FirewallRule{
			Name:        compute.FirewallRuleName(instanceName, port.Port, port.Protocol),
			Description: fmt.Sprintf("managed port %d/%s for %s", port.Port, port.Protocol, instanceName),
			TargetTags:  []string{tag},
			Allowed:     []compute.PortSpec{{Protocol: port.Protocol, Ports: []string{strconv.Itoa(port.Port)}}},
		}
		if err := s.orchestrator.CreateFirewallRule(ctx, rule); err != nil {
			s.logger.Warn("port open failed", "name", instanceName, "port", port.Port, "protocol", port.Protocol, "error", err)
			failures = append(failures, fmt.Sprintf("%d/%s: %v", port.Port, port.Protocol, err))
			continue
		}
		opened = append(opened, port)
	}
	return opened, failures
}

func (s *Service) progress(instanceName, stage, message string) {
	if s.reporter == nil {
		return
	}
	s.reporter.Progress(instanceName, stage, message)
}
