package compute

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Instance is the provider-side view of a virtual machine.
type Instance struct {
	Name       string
	ID         string
	Zone       string
	Status     string
	ExternalIP string
}

// CreateInstanceRequest carries everything needed to provision a VM.
type CreateInstanceRequest struct {
	Name         string
	Zone         string
	MachineType  string
	ImageProject string
	ImageFamily  string
	DiskSizeGB   int
	Metadata     map[string]string
	Tags         []string
	Labels       map[string]string
}

// PortSpec is one allowed protocol/port set on a firewall rule.
type PortSpec struct {
	Protocol string   `json:"IPProtocol"`
	Ports    []string `json:"ports,omitempty"`
}

// FirewallRule describes an ingress allow rule scoped to target tags.
type FirewallRule struct {
	Name         string     `json:"name"`
	Description  string     `json:"description,omitempty"`
	Direction    string     `json:"direction,omitempty"`
	Priority     int        `json:"priority,omitempty"`
	TargetTags   []string   `json:"targetTags,omitempty"`
	SourceRanges []string   `json:"sourceRanges,omitempty"`
	Allowed      []PortSpec `json:"allowed,omitempty"`
}

// Provider is the cloud compute backend. Every mutating call submits the
// provider's long-running operation and polls it to completion before
// returning.
type Provider interface {
	CreateInstance(ctx context.Context, req CreateInstanceRequest) (Instance, error)
	StartInstance(ctx context.Context, zone, name string) error
	StopInstance(ctx context.Context, zone, name string) error
	DeleteInstance(ctx context.Context, zone, name string) error
	GetInstance(ctx context.Context, zone, name string) (Instance, error)
	ListInstances(ctx context.Context, zone string) ([]Instance, error)
	SerialPortOutput(ctx context.Context, zone, name string, port int) (string, error)
	CreateFirewallRule(ctx context.Context, rule FirewallRule) error
	DeleteFirewallRule(ctx context.Context, name string) error
	ListFirewallRules(ctx context.Context) ([]FirewallRule, error)
}

// ErrOperationTimeout signals that polling exceeded its bound; the outcome of
// the underlying operation is unknown.
var ErrOperationTimeout = errors.New("compute: operation timed out")

// ErrNotFound signals the provider does not know the named resource.
var ErrNotFound = errors.New("compute: resource not found")

// OperationErrorDetail is one provider-reported failure entry.
type OperationErrorDetail struct {
	Code    string
	Message string
}

// OperationError aggregates the failure entries of a completed operation.
type OperationError struct {
	Op      string
	Details []OperationErrorDetail
}

func (e *OperationError) Error() string {
	parts := make([]string, 0, len(e.Details))
	for _, d := range e.Details {
		parts = append(parts, fmt.Sprintf("Code: %s, Message: %s", d.Code, d.Message))
	}
	if len(parts) == 0 {
		parts = append(parts, "Code: UNKNOWN, Message: operation failed without detail")
	}
	return fmt.Sprintf("operation %s failed: %s", e.Op, strings.Join(parts, "; "))
}
