package gcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cloudpad/gameserv/internal/compute"
)

// Polling defaults. Zonal operations cover instance lifecycle; global
// operations cover firewall changes.
const (
	defaultZonalPollInterval  = 5 * time.Second
	defaultZonalPollTimeout   = 300 * time.Second
	defaultGlobalPollInterval = 3 * time.Second
	defaultGlobalPollTimeout  = 180 * time.Second
)

// Client drives the compute REST API and polls long-running operations.
type Client struct {
	http    *http.Client
	base    string
	project string
	token   string
	logger  *slog.Logger

	zonalPollInterval  time.Duration
	zonalPollTimeout   time.Duration
	globalPollInterval time.Duration
	globalPollTimeout  time.Duration

	opLatency *prometheus.HistogramVec
}

var _ compute.Provider = (*Client)(nil)

// Option adjusts client construction.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithZonalPolling overrides the zonal operation poll interval and timeout.
func WithZonalPolling(interval, timeout time.Duration) Option {
	return func(c *Client) {
		c.zonalPollInterval = interval
		c.zonalPollTimeout = timeout
	}
}

// WithGlobalPolling overrides the global operation poll interval and timeout.
func WithGlobalPolling(interval, timeout time.Duration) Option {
	return func(c *Client) {
		c.globalPollInterval = interval
		c.globalPollTimeout = timeout
	}
}

// WithMetrics records operation wait latency on the given registerer.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(c *Client) {
		histogram := prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gameserv",
			Name:      "compute_operation_seconds",
			Help:      "Wall time spent waiting on compute operations.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}, []string{"scope"})
		if reg != nil {
			if err := reg.Register(histogram); err != nil {
				var already prometheus.AlreadyRegisteredError
				if errors.As(err, &already) {
					histogram = already.ExistingCollector.(*prometheus.HistogramVec)
				}
			}
		}
		c.opLatency = histogram
	}
}

// New constructs a Client for the given API base, project and bearer token.
func New(base, project, token string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		http:               &http.Client{Timeout: 30 * time.Second},
		base:               base,
		project:            project,
		token:              token,
		logger:             logger,
		zonalPollInterval:  defaultZonalPollInterval,
		zonalPollTimeout:   defaultZonalPollTimeout,
		globalPollInterval: defaultGlobalPollInterval,
		globalPollTimeout:  defaultGlobalPollTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger != nil {
		c.logger = c.logger.With("component", "gcp")
	}
	return c
}

type instancePayload struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Status            string `json:"status"`
	Zone              string `json:"zone"`
	NetworkInterfaces []struct {
		AccessConfigs []struct {
			NatIP string `json:"natIP"`
		} `json:"accessConfigs"`
	} `json:"networkInterfaces"`
}

func (p instancePayload) toInstance(zone string) compute.Instance {
	inst := compute.Instance{ID: p.ID, Name: p.Name, Status: p.Status, Zone: zone}
	for _, ni := range p.NetworkInterfaces {
		for _, ac := range ni.AccessConfigs {
			if ac.NatIP != "" {
				inst.ExternalIP = ac.NatIP
				return inst
			}
		}
	}
	return inst
}

// CreateInstance validates the name, submits the create request, polls the
// operation to completion and re-fetches the instance for its external IP.
func (c *Client) CreateInstance(ctx context.Context, req compute.CreateInstanceRequest) (compute.Instance, error) {
	if err := compute.ValidateInstanceName(req.Name); err != nil {
		return compute.Instance{}, err
	}

	type metadataItem struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	items := make([]metadataItem, 0, len(req.Metadata))
	for k, v := range req.Metadata {
		items = append(items, metadataItem{Key: k, Value: v})
	}

	body := map[string]any{
		"name":        req.Name,
		"machineType": fmt.Sprintf("zones/%s/machineTypes/%s", req.Zone, req.MachineType),
		"disks": []map[string]any{{
			"boot":       true,
			"autoDelete": true,
			"initializeParams": map[string]any{
				"sourceImage": fmt.Sprintf("projects/%s/global/images/family/%s", req.ImageProject, req.ImageFamily),
				"diskSizeGb":  strconv.Itoa(req.DiskSizeGB),
			},
		}},
		"networkInterfaces": []map[string]any{{
			"network": "global/networks/default",
			"accessConfigs": []map[string]any{{
				"type": "ONE_TO_ONE_NAT",
				"name": "External NAT",
			}},
		}},
		"metadata": map[string]any{"items": items},
		"tags":     map[string]any{"items": req.Tags},
		"labels":   req.Labels,
	}

	op, err := c.submit(ctx, http.MethodPost, c.zonalPath(req.Zone, "instances"), body)
	if err != nil {
		return compute.Instance{}, err
	}
	if err := c.awaitZonalOperation(ctx, req.Zone, op, "insert "+req.Name); err != nil {
		return compute.Instance{}, err
	}
	return c.GetInstance(ctx, req.Zone, req.Name)
}

// StartInstance starts a stopped VM and waits for the operation.
func (c *Client) StartInstance(ctx context.Context, zone, name string) error {
	op, err := c.submit(ctx, http.MethodPost, c.zonalPath(zone, "instances/"+name+"/start"), nil)
	if err != nil {
		return err
	}
	return c.awaitZonalOperation(ctx, zone, op, "start "+name)
}

// StopInstance stops a running VM and waits for the operation.
func (c *Client) StopInstance(ctx context.Context, zone, name string) error {
	op, err := c.submit(ctx, http.MethodPost, c.zonalPath(zone, "instances/"+name+"/stop"), nil)
	if err != nil {
		return err
	}
	return c.awaitZonalOperation(ctx, zone, op, "stop "+name)
}

// DeleteInstance deletes a VM and waits for the operation.
func (c *Client) DeleteInstance(ctx context.Context, zone, name string) error {
	op, err := c.submit(ctx, http.MethodDelete, c.zonalPath(zone, "instances/"+name), nil)
	if err != nil {
		return err
	}
	return c.awaitZonalOperation(ctx, zone, op, "delete "+name)
}

// GetInstance fetches the current provider view of one VM.
func (c *Client) GetInstance(ctx context.Context, zone, name string) (compute.Instance, error) {
	var payload instancePayload
	if err := c.get(ctx, c.zonalPath(zone, "instances/"+name), &payload); err != nil {
		return compute.Instance{}, err
	}
	return payload.toInstance(zone), nil
}

// ListInstances returns all VMs in a zone.
func (c *Client) ListInstances(ctx context.Context, zone string) ([]compute.Instance, error) {
	var payload struct {
		Items []instancePayload `json:"items"`
	}
	if err := c.get(ctx, c.zonalPath(zone, "instances"), &payload); err != nil {
		return nil, err
	}
	instances := make([]compute.Instance, 0, len(payload.Items))
	for _, item := range payload.Items {
		instances = append(instances, item.toInstance(zone))
	}
	return instances, nil
}

// SerialPortOutput fetches the raw serial console buffer for a port index.
func (c *Client) SerialPortOutput(ctx context.Context, zone, name string, port int) (string, error) {
	var payload struct {
		Contents string `json:"contents"`
	}
	path := c.zonalPath(zone, "instances/"+name+"/serialPort") + "?port=" + strconv.Itoa(port)
	if err := c.get(ctx, path, &payload); err != nil {
		return "", err
	}
	return payload.Contents, nil
}

func (c *Client) zonalPath(zone, resource string) string {
	return fmt.Sprintf("%s/projects/%s/zones/%s/%s", c.base, c.project, zone, resource)
}

func (c *Client) globalPath(resource string) string {
	return fmt.Sprintf("%s/projects/%s/global/%s", c.base, c.project, resource)
}

// submit issues a mutating request and decodes the resulting operation stub.
func (c *Client) submit(ctx context.Context, method, rawURL string, body any) (operation, error) {
	var op operation
	if err := c.do(ctx, method, rawURL, body, &op); err != nil {
		return operation{}, err
	}
	return op, nil
}

func (c *Client) get(ctx context.Context, rawURL string, out any) error {
	return c.do(ctx, http.MethodGet, rawURL, nil, out)
}

func (c *Client) do(ctx context.Context, method, rawURL string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("compute api request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", compute.ErrNotFound, requestResource(rawURL))
	}
	if resp.StatusCode >= 400 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("compute api status %d: %s", resp.StatusCode, bytes.TrimSpace(detail))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func requestResource(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return parsed.Path
}
