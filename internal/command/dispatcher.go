package command

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cloudpad/gameserv/internal/compute"
	"github.com/cloudpad/gameserv/internal/domain"
	"github.com/cloudpad/gameserv/internal/repository"
	"github.com/cloudpad/gameserv/internal/service/control"
	"github.com/cloudpad/gameserv/internal/service/inventory"
	"github.com/cloudpad/gameserv/internal/service/provision"
	"github.com/cloudpad/gameserv/internal/service/ratelimit"
	"github.com/cloudpad/gameserv/internal/service/usage"
	"github.com/cloudpad/gameserv/pkg/config"
)

// Request is one command as decoded off the chat gateway.
type Request struct {
	Actor   domain.Actor      `json:"actor"`
	Command string            `json:"command"`
	Params  map[string]string `json:"params"`
}

// Response travels back to the requesting user.
type Response struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func ok(message string, data any) Response {
	return Response{OK: true, Message: message, Data: data}
}

func fail(format string, args ...any) Response {
	return Response{OK: false, Message: fmt.Sprintf(format, args...)}
}

type handler struct {
	tier     Tier
	resource bool
	run      func(ctx context.Context, req Request, record *domain.ManagedInstance) Response
}

// Dispatcher routes chat commands through admission, authorization and the
// matching service, and records every admitted invocation in the ledger.
type Dispatcher struct {
	authorizer  *Authorizer
	limiter     *ratelimit.Service
	ledger      usage.Service
	provisioner *provision.Service
	controller  *control.Service
	inventory   inventory.Service
	templates   *provision.Registry
	confirmer   Confirmer
	logger      *slog.Logger
	metrics     *metrics
	handlers    map[string]handler
}

// NewDispatcher wires the command table.
func NewDispatcher(
	limiter *ratelimit.Service,
	ledger usage.Service,
	provisioner *provision.Service,
	controller *control.Service,
	inventorySvc inventory.Service,
	templates *provision.Registry,
	confirmer Confirmer,
	logger *slog.Logger,
	reg prometheus.Registerer,
	cfg config.BotConfig,
) *Dispatcher {
	d := &Dispatcher{
		authorizer:  NewAuthorizer(cfg),
		limiter:     limiter,
		ledger:      ledger,
		provisioner: provisioner,
		controller:  controller,
		inventory:   inventorySvc,
		templates:   templates,
		confirmer:   confirmer,
		logger:      logger.With("component", "dispatcher"),
		metrics:     newMetrics(reg),
	}
	d.handlers = map[string]handler{
		"create":               {tier: TierOperator, run: d.create},
		"delete":               {tier: TierResourceOwner, resource: true, run: d.delete},
		"start":                {tier: TierResourceOwner, resource: true, run: d.start},
		"stop":                 {tier: TierResourceOwner, resource: true, run: d.stop},
		"status":               {tier: TierResourceOwner, resource: true, run: d.status},
		"log":                  {tier: TierResourceOwner, resource: true, run: d.serialLog},
		"open-port":            {tier: TierResourceOwner, resource: true, run: d.openPort},
		"list":                 {tier: TierAnyone, run: d.listMine},
		"list-all":             {tier: TierOperator, run: d.listAll},
		"templates":            {tier: TierAnyone, run: d.listTemplates},
		"describe-vm":          {tier: TierOperator, run: d.describeVM},
		"list-vms":             {tier: TierOperator, run: d.listVMs},
		"list-firewall-rules":  {tier: TierOperator, run: d.listFirewallRules},
		"delete-firewall-rule": {tier: TierAdmin, run: d.deleteFirewallRule},
		"help":                 {tier: TierAnyone, run: d.help},
		"ping":                 {tier: TierAnyone, run: d.ping},
	}
	return d
}

// Dispatch runs one command end to end. Unknown and rate-limited invocations
// are never written to the usage ledger; every other admitted invocation is,
// whether or not it reaches a handler.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Response {
	name := strings.ToLower(strings.TrimSpace(req.Command))
	h, known := d.handlers[name]
	if !known {
		d.metrics.commandsTotal.WithLabelValues(name, "unknown").Inc()
		return fail("unknown command %q, try help", name)
	}

	decision := d.limiter.Admit(ctx, req.Actor.UserID, name)
	if !decision.Allowed {
		d.metrics.rateLimitHits.Inc()
		d.metrics.commandsTotal.WithLabelValues(name, "rate_limited").Inc()
		d.logger.Info("command rate limited", "user_id", req.Actor.UserID, "command", name, "count", decision.Count)
		return fail("slow down: too many commands this minute")
	}

	reject := func(outcome, format string, args ...any) Response {
		d.ledger.Record(ctx, req.Actor.UserID, name)
		d.metrics.commandsTotal.WithLabelValues(name, outcome).Inc()
		return fail(format, args...)
	}

	var record *domain.ManagedInstance
	if h.resource {
		target := req.Params["name"]
		if target == "" {
			return reject("error", "missing instance name")
		}
		found, err := d.inventory.Get(ctx, target)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return reject("error", "instance lookup failed: %v", err)
		}
		record = found
	}

	// Authorization runs before any reaction to a missing record, so a
	// denied caller learns nothing about which instance names exist.
	if !d.authorizer.AllowsResource(req.Actor, h.tier, record) {
		d.logger.Warn("command denied", "user_id", req.Actor.UserID, "command", name)
		return reject("denied", "you are not allowed to run %s", name)
	}
	if h.resource && record == nil {
		return reject("error", "no instance named %q", req.Params["name"])
	}

	resp := h.run(ctx, req, record)
	d.ledger.Record(ctx, req.Actor.UserID, name)

	outcome := "ok"
	if !resp.OK {
		outcome = "error"
	}
	d.metrics.commandsTotal.WithLabelValues(name, outcome).Inc()
	return resp
}

func (d *Dispatcher) create(ctx context.Context, req Request, _ *domain.ManagedInstance) Response {
	input := provision.CreateInput{
		UserID:           req.Actor.UserID,
		TemplateName:     req.Params["template"],
		InstanceName:     req.Params["name"],
		Zone:             req.Params["zone"],
		CustomParamsJSON: req.Params["params"],
		BypassLimits:     d.authorizer.IsAdmin(req.Actor),
	}
	if raw, ok := req.Params["shutdown_hours"]; ok && raw != "" {
		hours, err := strconv.Atoi(raw)
		if err != nil {
			return fail("shutdown_hours must be a number")
		}
		input.AutoShutdownHours = &hours
	}

	result, err := d.provisioner.Create(ctx, input)
	if err != nil {
		var quotaErr *provision.QuotaError
		var cooldownErr *provision.CooldownError
		switch {
		case errors.As(err, &quotaErr):
			return fail("%v; delete an instance first", quotaErr)
		case errors.As(err, &cooldownErr):
			return fail("%v", cooldownErr)
		case errors.Is(err, compute.ErrInvalidName),
			errors.Is(err, provision.ErrUnknownTemplate),
			errors.Is(err, provision.ErrMalformedParams),
			errors.Is(err, provision.ErrMissingParam),
			errors.Is(err, provision.ErrShutdownHours):
			return fail("%v", err)
		default:
			d.logger.Error("create failed", "user_id", req.Actor.UserID, "name", input.InstanceName, "error", err)
			return fail("instance creation failed: %v", err)
		}
	}

	message := fmt.Sprintf("instance %s is %s", result.InstanceName, result.Status)
	if result.IPAddress != "" {
		message += " at " + result.IPAddress
	}
	if len(result.PortFailures) > 0 {
		message += "; some ports could not be opened: " + strings.Join(result.PortFailures, ", ")
	}
	if !result.Registered {
		message += "; warning: the instance is not tracked (" + result.RegistrationError + ")"
	}
	return ok(message, result)
}

func (d *Dispatcher) delete(ctx context.Context, req Request, record *domain.ManagedInstance) Response {
	if d.confirmer != nil {
		prompt := fmt.Sprintf("delete instance %s and all its firewall rules?", record.CloudInstanceName)
		outcome, err := d.confirmer.Confirm(ctx, req.Actor.UserID, prompt)
		if err != nil {
			return fail("confirmation failed: %v", err)
		}
		switch outcome {
		case OutcomeCancelled:
			return ok("deletion cancelled", nil)
		case OutcomeTimedOut:
			return fail("confirmation timed out, nothing was deleted")
		}
	}

	result, err := d.controller.Delete(ctx, record.CloudInstanceName)
	if err != nil {
		return fail("deletion failed: %v", err)
	}
	message := fmt.Sprintf("instance %s deleted, %d firewall rules removed", result.InstanceName, len(result.FirewallsRemoved))
	if len(result.FirewallFailures) > 0 {
		message += "; cleanup leftovers: " + strings.Join(result.FirewallFailures, ", ")
	}
	return ok(message, result)
}

func (d *Dispatcher) start(ctx context.Context, _ Request, record *domain.ManagedInstance) Response {
	updated, err := d.controller.Start(ctx, record.CloudInstanceName)
	if err != nil {
		return fail("start failed: %v", err)
	}
	message := fmt.Sprintf("instance %s is %s", updated.CloudInstanceName, updated.Status)
	if updated.IPAddress != nil {
		message += " at " + *updated.IPAddress
	}
	return ok(message, updated)
}

func (d *Dispatcher) stop(ctx context.Context, _ Request, record *domain.ManagedInstance) Response {
	updated, err := d.controller.Stop(ctx, record.CloudInstanceName)
	if err != nil {
		return fail("stop failed: %v", err)
	}
	return ok(fmt.Sprintf("instance %s stopped", updated.CloudInstanceName), updated)
}

func (d *Dispatcher) status(_ context.Context, _ Request, record *domain.ManagedInstance) Response {
	message := fmt.Sprintf("instance %s is %s", record.CloudInstanceName, record.Status)
	if record.IPAddress != nil {
		message += " at " + *record.IPAddress
	}
	return ok(message, record)
}

func (d *Dispatcher) serialLog(ctx context.Context, req Request, record *domain.ManagedInstance) Response {
	port := 0
	if raw, ok := req.Params["port"]; ok && raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return fail("port must be a number")
		}
		port = parsed
	}
	output, err := d.controller.SerialLog(ctx, record.CloudInstanceName, port)
	if err != nil {
		if errors.Is(err, control.ErrSerialPort) {
			return fail("%v", err)
		}
		return fail("log fetch failed: %v", err)
	}
	return ok("", output)
}

func (d *Dispatcher) openPort(ctx context.Context, req Request, record *domain.ManagedInstance) Response {
	port, err := strconv.Atoi(req.Params["port"])
	if err != nil || port < 1 || port > 65535 {
		return fail("port must be between 1 and 65535")
	}
	protocol := req.Params["protocol"]
	if protocol == "" {
		protocol = "tcp"
	}
	if err := d.controller.OpenPort(ctx, record.CloudInstanceName, port, protocol); err != nil {
		return fail("opening port failed: %v", err)
	}
	return ok(fmt.Sprintf("port %d/%s opened on %s", port, strings.ToLower(protocol), record.CloudInstanceName), nil)
}

func (d *Dispatcher) listMine(ctx context.Context, req Request, _ *domain.ManagedInstance) Response {
	instances, err := d.inventory.ListForOwner(ctx, req.Actor.UserID)
	if err != nil {
		return fail("listing failed: %v", err)
	}
	return ok(fmt.Sprintf("%d instances", len(instances)), instances)
}

func (d *Dispatcher) listAll(ctx context.Context, _ Request, _ *domain.ManagedInstance) Response {
	instances, err := d.inventory.ListAll(ctx)
	if err != nil {
		return fail("listing failed: %v", err)
	}
	return ok(fmt.Sprintf("%d instances", len(instances)), instances)
}

func (d *Dispatcher) listTemplates(_ context.Context, _ Request, _ *domain.ManagedInstance) Response {
	templates := d.templates.List()
	return ok(fmt.Sprintf("%d templates", len(templates)), templates)
}

func (d *Dispatcher) describeVM(ctx context.Context, req Request, _ *domain.ManagedInstance) Response {
	name := req.Params["name"]
	if name == "" {
		return fail("missing instance name")
	}
	instance, err := d.controller.DescribeVM(ctx, req.Params["zone"], name)
	if err != nil {
		if errors.Is(err, compute.ErrNotFound) {
			return fail("no VM named %q", name)
		}
		return fail("describe failed: %v", err)
	}
	return ok("", instance)
}

func (d *Dispatcher) listVMs(ctx context.Context, req Request, _ *domain.ManagedInstance) Response {
	instances, err := d.controller.ListVMs(ctx, req.Params["zone"])
	if err != nil {
		return fail("listing failed: %v", err)
	}
	return ok(fmt.Sprintf("%d VMs", len(instances)), instances)
}

func (d *Dispatcher) listFirewallRules(ctx context.Context, _ Request, _ *domain.ManagedInstance) Response {
	rules, err := d.controller.ListFirewallRules(ctx)
	if err != nil {
		return fail("listing failed: %v", err)
	}
	return ok(fmt.Sprintf("%d rules", len(rules)), rules)
}

func (d *Dispatcher) deleteFirewallRule(ctx context.Context, req Request, _ *domain.ManagedInstance) Response {
	name := req.Params["name"]
	if name == "" {
		return fail("missing rule name")
	}
	if err := d.controller.DeleteFirewallRule(ctx, name); err != nil {
		return fail("rule deletion failed: %v", err)
	}
	return ok(fmt.Sprintf("rule %s deleted", name), nil)
}

func (d *Dispatcher) help(_ context.Context, _ Request, _ *domain.ManagedInstance) Response {
	names := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return ok("available commands: "+strings.Join(names, ", "), names)
}

func (d *Dispatcher) ping(_ context.Context, _ Request, _ *domain.ManagedInstance) Response {
	return ok("pong", nil)
}
