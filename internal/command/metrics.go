package command

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	commandsTotal *prometheus.CounterVec
	rateLimitHits prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	commandsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gameserv",
		Name:      "commands_total",
		Help:      "Dispatched commands by name and outcome.",
	}, []string{"command", "outcome"})
	rateLimitHits := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gameserv",
		Name:      "rate_limit_hits_total",
		Help:      "Commands rejected by the per-user rate limit.",
	})

	m := &metrics{commandsTotal: commandsTotal, rateLimitHits: rateLimitHits}
	if reg == nil {
		return m
	}
	if err := reg.Register(commandsTotal); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			m.commandsTotal = already.ExistingCollector.(*prometheus.CounterVec)
		}
	}
	if err := reg.Register(rateLimitHits); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			m.rateLimitHits = already.ExistingCollector.(prometheus.Counter)
		}
	}
	return m
}
