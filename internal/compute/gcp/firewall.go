package gcp

import (
	"context"
	"net/http"

	"github.com/cloudpad/gameserv/internal/compute"
)

// CreateFirewallRule creates an ingress allow rule and waits for the global
// operation. Direction, priority and source ranges default to the management
// policy when unset.
func (c *Client) CreateFirewallRule(ctx context.Context, rule compute.FirewallRule) error {
	if rule.Direction == "" {
		rule.Direction = "INGRESS"
	}
	if rule.Priority == 0 {
		rule.Priority = 1000
	}
	if len(rule.SourceRanges) == 0 {
		rule.SourceRanges = []string{"0.0.0.0/0"}
	}
	op, err := c.submit(ctx, http.MethodPost, c.globalPath("firewalls"), rule)
	if err != nil {
		return err
	}
	return c.awaitGlobalOperation(ctx, op, "firewall insert "+rule.Name)
}

// DeleteFirewallRule removes a rule by name and waits for the global operation.
func (c *Client) DeleteFirewallRule(ctx context.Context, name string) error {
	op, err := c.submit(ctx, http.MethodDelete, c.globalPath("firewalls/"+name), nil)
	if err != nil {
		return err
	}
	return c.awaitGlobalOperation(ctx, op, "firewall delete "+name)
}

// ListFirewallRules returns every rule in the project. Callers filter by
// target tag client-side; this is only used on the deletion path.
func (c *Client) ListFirewallRules(ctx context.Context) ([]compute.FirewallRule, error) {
	var payload struct {
		Items []compute.FirewallRule `json:"items"`
	}
	if err := c.get(ctx, c.globalPath("firewalls"), &payload); err != nil {
		return nil, err
	}
	return payload.Items, nil
}
