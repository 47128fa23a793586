package local

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"log/slog"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/cloudpad/gameserv/internal/compute"
)

const (
	labelPrefix   = "gameserv."
	labelTags     = labelPrefix + "tags"
	labelInstance = labelPrefix + "instance"
)

// Provider implements the compute backend against a local Docker daemon.
// Intended for development: a "VM" is a container, firewall rules are
// tracked in memory, and the serial console maps to container logs.
type Provider struct {
	docker *client.Client
	logger *slog.Logger

	mu    sync.Mutex
	rules map[string]compute.FirewallRule
}

var _ compute.Provider = (*Provider)(nil)

// New connects to the Docker daemon using environment defaults, with an
// optional host override.
func New(host string, logger *slog.Logger) (*Provider, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	docker, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if logger != nil {
		logger = logger.With("component", "local-compute")
	}
	return &Provider{docker: docker, logger: logger, rules: make(map[string]compute.FirewallRule)}, nil
}

// Ping validates connectivity to the Docker daemon.
func (p *Provider) Ping(ctx context.Context) error {
	if _, err := p.docker.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	return nil
}

// Close releases the Docker client.
func (p *Provider) Close() error {
	return p.docker.Close()
}

// CreateInstance starts a container named after the instance. The image
// reference reuses the template's image project/family pair.
func (p *Provider) CreateInstance(ctx context.Context, req compute.CreateInstanceRequest) (compute.Instance, error) {
	if err := compute.ValidateInstanceName(req.Name); err != nil {
		return compute.Instance{}, err
	}

	labels := map[string]string{labelInstance: req.Name, labelTags: strings.Join(req.Tags, ",")}
	for k, v := range req.Labels {
		labels[labelPrefix+k] = v
	}

	env := make([]string, 0, len(req.Metadata))
	for k, v := range req.Metadata {
		if k == "startup-script" {
			continue
		}
		env = append(env, fmt.Sprintf("%s=%s", strings.ToUpper(strings.ReplaceAll(k, "-", "_")), v))
	}

	cfg := &container.Config{
		Image:  fmt.Sprintf("%s/%s", req.ImageProject, req.ImageFamily),
		Labels: labels,
		Env:    env,
	}
	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{},
		RestartPolicy: container.RestartPolicy{
			Name: container.RestartPolicyUnlessStopped,
		},
	}

	created, err := p.docker.ContainerCreate(ctx, cfg, hostCfg, nil, nil, req.Name)
	if err != nil {
		return compute.Instance{}, fmt.Errorf("container create: %w", err)
	}
	if err := p.docker.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return compute.Instance{}, fmt.Errorf("container start: %w", err)
	}
	return p.GetInstance(ctx, req.Zone, req.Name)
}

// StartInstance starts the named container.
func (p *Provider) StartInstance(ctx context.Context, _, name string) error {
	if err := p.docker.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
		return p.mapErr(err, name)
	}
	return nil
}

// StopInstance stops the named container.
func (p *Provider) StopInstance(ctx context.Context, _, name string) error {
	if err := p.docker.ContainerStop(ctx, name, container.StopOptions{}); err != nil {
		return p.mapErr(err, name)
	}
	return nil
}

// DeleteInstance force-removes the named container.
func (p *Provider) DeleteInstance(ctx context.Context, _, name string) error {
	if err := p.docker.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil {
		return p.mapErr(err, name)
	}
	return nil
}

// GetInstance inspects the named container and maps it to an instance view.
func (p *Provider) GetInstance(ctx context.Context, zone, name string) (compute.Instance, error) {
	info, err := p.docker.ContainerInspect(ctx, name)
	if err != nil {
		return compute.Instance{}, p.mapErr(err, name)
	}
	inst := compute.Instance{
		Name:   strings.TrimPrefix(info.Name, "/"),
		ID:     info.ID,
		Zone:   zone,
		Status: mapState(info.State),
	}
	if info.NetworkSettings != nil {
		inst.ExternalIP = info.NetworkSettings.IPAddress
		for _, netw := range info.NetworkSettings.Networks {
			if netw.IPAddress != "" {
				inst.ExternalIP = netw.IPAddress
				break
			}
		}
	}
	return inst, nil
}

// ListInstances returns all containers carrying the instance label.
func (p *Provider) ListInstances(ctx context.Context, zone string) ([]compute.Instance, error) {
	args := filters.NewArgs(filters.Arg("label", labelInstance))
	containers, err := p.docker.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("container list: %w", err)
	}
	instances := make([]compute.Instance, 0, len(containers))
	for _, c := range containers {
		name := c.Labels[labelInstance]
		if name == "" && len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		inst, err := p.GetInstance(ctx, zone, name)
		if err != nil {
			if p.logger != nil {
				p.logger.Warn("inspect listed container failed", "name", name, "error", err)
			}
			continue
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

// SerialPortOutput maps the serial console to the container log tail.
func (p *Provider) SerialPortOutput(ctx context.Context, _, name string, _ int) (string, error) {
	reader, err := p.docker.ContainerLogs(ctx, name, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       "200",
	})
	if err != nil {
		return "", p.mapErr(err, name)
	}
	defer reader.Close()
	raw, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("read container logs: %w", err)
	}
	return string(raw), nil
}

// CreateFirewallRule records the rule in memory; the local backend has no
// network policy to program.
func (p *Provider) CreateFirewallRule(_ context.Context, rule compute.FirewallRule) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rules[rule.Name] = rule
	return nil
}

// DeleteFirewallRule removes a recorded rule.
func (p *Provider) DeleteFirewallRule(_ context.Context, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.rules[name]; !ok {
		return fmt.Errorf("%w: firewall rule %s", compute.ErrNotFound, name)
	}
	delete(p.rules, name)
	return nil
}

// ListFirewallRules returns recorded rules.
func (p *Provider) ListFirewallRules(_ context.Context) ([]compute.FirewallRule, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rules := make([]compute.FirewallRule, 0, len(p.rules))
	for _, rule := range p.rules {
		rules = append(rules, rule)
	}
	return rules, nil
}

func (p *Provider) mapErr(err error, name string) error {
	if client.IsErrNotFound(err) {
		return fmt.Errorf("%w: %s", compute.ErrNotFound, name)
	}
	return err
}

func mapState(state *types.ContainerState) string {
	if state == nil {
		return "TERMINATED"
	}
	switch {
	case state.Running:
		return "RUNNING"
	case state.Restarting:
		return "STAGING"
	default:
		return "TERMINATED"
	}
}
