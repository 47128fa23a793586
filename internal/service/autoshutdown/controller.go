package autoshutdown

import (
	"context"
	"fmt"
	"time"

	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cloudpad/gameserv/internal/compute"
	"github.com/cloudpad/gameserv/internal/domain"
	"github.com/cloudpad/gameserv/internal/service/control"
	"github.com/cloudpad/gameserv/internal/service/inventory"
)

// Notifier delivers an out-of-band message to an instance owner. Delivery is
// best-effort; a failure never blocks the sweep.
type Notifier interface {
	NotifyOwner(ctx context.Context, userID, message string) error
}

// Controller periodically stops instances that outlived their owner-chosen
// lifetime. The lifetime clock is the last status transition, so a restart
// rearms the timer.
type Controller struct {
	orchestrator compute.Provider
	inventory    inventory.Service
	notifier     Notifier
	logger       *slog.Logger
	interval     time.Duration
	now          func() time.Time

	stops    prometheus.Counter
	failures prometheus.Counter
}

// New returns the controller. A nil notifier disables owner messages; a nil
// registerer disables metrics.
func New(orchestrator compute.Provider, inventorySvc inventory.Service, notifier Notifier, logger *slog.Logger, interval time.Duration, reg prometheus.Registerer) *Controller {
	c := &Controller{
		orchestrator: orchestrator,
		inventory:    inventorySvc,
		notifier:     notifier,
		logger:       logger.With("component", "autoshutdown"),
		interval:     interval,
		now:          time.Now,
	}
	c.stops = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gameserv",
		Name:      "auto_shutdown_stops_total",
		Help:      "Instances stopped by the lifetime sweep.",
	})
	c.failures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gameserv",
		Name:      "auto_shutdown_failures_total",
		Help:      "Automatic stops that failed.",
	})
	if reg != nil {
		reg.MustRegister(c.stops, c.failures)
	}
	return c
}

// Run sweeps immediately, then on every tick until the context ends.
func (c *Controller) Run(ctx context.Context) {
	c.logger.Info("auto-shutdown controller started", "interval", c.interval.String())
	c.Sweep(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("auto-shutdown controller stopped")
			return
		case <-ticker.C:
			c.Sweep(ctx)
		}
	}
}

// Sweep stops every expired candidate. Candidates are instances in a
// billable state with a shutdown deadline set.
func (c *Controller) Sweep(ctx context.Context) {
	candidates, err := c.inventory.ListAutoShutdownCandidates(ctx)
	if err != nil {
		c.logger.Error("candidate listing failed", "error", err)
		return
	}
	for _, candidate := range candidates {
		if candidate.AutoShutdownHours == nil {
			continue
		}
		deadline := candidate.LastStatusUpdate.Add(time.Duration(*candidate.AutoShutdownHours) * time.Hour)
		if c.now().Before(deadline) {
			continue
		}
		c.shutdown(ctx, candidate)
	}
}

func (c *Controller) shutdown(ctx context.Context, instance domain.ManagedInstance) {
	name := instance.CloudInstanceName
	c.logger.Info("instance exceeded lifetime, stopping", "name", name,
		"owner", instance.OwnerUserID, "hours", *instance.AutoShutdownHours)

	if _, err := c.inventory.UpdateStatus(ctx, domain.StatusUpdate{
		CloudInstanceName: name,
		Status:            domain.StatusStoppingAuto,
	}); err != nil {
		c.logger.Error("pre-stop status update failed", "name", name, "error", err)
		return
	}

	stopCtx, cancel := context.WithTimeout(ctx, control.StopTimeout)
	err := c.orchestrator.StopInstance(stopCtx, instance.Zone, name)
	cancel()
	if err != nil {
		c.failures.Inc()
		c.logger.Error("automatic stop failed", "name", name, "error", err)
		if _, updateErr := c.inventory.UpdateStatus(ctx, domain.StatusUpdate{
			CloudInstanceName: name,
			Status:            domain.StatusErrorAutoStop,
		}); updateErr != nil {
			c.logger.Error("failure status not recorded", "name", name, "error", updateErr)
		}
		return
	}

	c.stops.Inc()
	empty := ""
	if _, err := c.inventory.UpdateStatus(ctx, domain.StatusUpdate{
		CloudInstanceName: name,
		Status:            domain.StatusTerminated,
		IPAddress:         &empty,
	}); err != nil {
		c.logger.Error("post-stop status update failed", "name", name, "error", err)
	}
	c.notify(ctx, instance.OwnerUserID,
		fmt.Sprintf("instance %s was stopped automatically after %d hours", name, *instance.AutoShutdownHours))
}

func (c *Controller) notify(ctx context.Context, userID, message string) {
	if c.notifier == nil {
		return
	}
	if err := c.notifier.NotifyOwner(ctx, userID, message); err != nil {
		c.logger.Warn("owner notification failed", "user_id", userID, "error", err)
	}
}
