package gcp

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudpad/gameserv/internal/compute"
)

type operation struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  *struct {
		Errors []struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"errors"`
	} `json:"error"`
}

func (op operation) done() bool { return op.Status == "DONE" }

func (op operation) failure(verb string) error {
	if op.Error == nil || len(op.Error.Errors) == 0 {
		return nil
	}
	details := make([]compute.OperationErrorDetail, 0, len(op.Error.Errors))
	for _, e := range op.Error.Errors {
		details = append(details, compute.OperationErrorDetail{Code: e.Code, Message: e.Message})
	}
	return &compute.OperationError{Op: verb, Details: details}
}

func (c *Client) awaitZonalOperation(ctx context.Context, zone string, op operation, verb string) error {
	fetch := func(pollCtx context.Context) (operation, error) {
		var current operation
		err := c.get(pollCtx, c.zonalPath(zone, "operations/"+op.Name), &current)
		return current, err
	}
	defer c.observeWait("zonal", time.Now())
	return c.awaitOperation(ctx, op, verb, fetch, c.zonalPollInterval, c.zonalPollTimeout)
}

func (c *Client) awaitGlobalOperation(ctx context.Context, op operation, verb string) error {
	fetch := func(pollCtx context.Context) (operation, error) {
		var current operation
		err := c.get(pollCtx, c.globalPath("operations/"+op.Name), &current)
		return current, err
	}
	defer c.observeWait("global", time.Now())
	return c.awaitOperation(ctx, op, verb, fetch, c.globalPollInterval, c.globalPollTimeout)
}

func (c *Client) observeWait(scope string, start time.Time) {
	if c.opLatency == nil {
		return
	}
	c.opLatency.WithLabelValues(scope).Observe(time.Since(start).Seconds())
}

// awaitOperation polls at a fixed interval, never backing off. A fetch error
// propagates immediately; exceeding the bound yields ErrOperationTimeout,
// which callers must treat as unknown outcome rather than failure.
func (c *Client) awaitOperation(ctx context.Context, op operation, verb string, fetch func(context.Context) (operation, error), interval, timeout time.Duration) error {
	if op.done() {
		return op.failure(verb)
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("await operation %s: %w", op.Name, ctx.Err())
		case <-ticker.C:
		}
		if time.Now().After(deadline) {
			if c.logger != nil {
				c.logger.Warn("operation polling exceeded bound", "operation", op.Name, "verb", verb, "timeout", timeout)
			}
			return fmt.Errorf("%w: %s (operation %s, waited %s)", compute.ErrOperationTimeout, verb, op.Name, timeout)
		}
		current, err := fetch(ctx)
		if err != nil {
			return fmt.Errorf("poll operation %s: %w", op.Name, err)
		}
		if current.done() {
			return current.failure(verb)
		}
	}
}
