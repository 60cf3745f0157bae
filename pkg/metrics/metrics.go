// Package metrics exposes agent telemetry as Prometheus collectors: commands
// handled, connector calls, and scheduler ticks and fires.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Namespace prefixes every metric name.
const Namespace = "flowagent"

// Collector owns a private registry. It implements the observer interfaces
// of the connector registry, the scheduler and the dispatcher.
type Collector struct {
	registry *prometheus.Registry

	commands          *prometheus.CounterVec
	connectorCalls    *prometheus.CounterVec
	connectorDuration *prometheus.HistogramVec
	ticks             prometheus.Counter
	tickDuration      prometheus.Histogram
	workflows         prometheus.Gauge
	fires             *prometheus.CounterVec
}

// NewCollector registers the agent collectors plus the Go runtime and
// process collectors.
func NewCollector() *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}

	c.commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "dispatcher",
			Name:      "commands_total",
			Help:      "Inbound commands handled, by verb and result.",
		},
		[]string{"verb", "result"},
	)

	c.connectorCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "connector",
			Name:      "calls_total",
			Help:      "Connector action executions, by connector, action and result.",
		},
		[]string{"connector", "action", "result"},
	)

	c.connectorDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "connector",
			Name:      "call_duration_seconds",
			Help:      "Duration of connector action executions.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
		},
		[]string{"connector", "action"},
	)

	c.ticks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "scheduler",
		Name:      "ticks_total",
		Help:      "Scheduler evaluation passes.",
	})

	c.tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: Namespace,
		Subsystem: "scheduler",
		Name:      "tick_duration_seconds",
		Help:      "Time spent evaluating triggers in one tick.",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
	})

	c.workflows = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "scheduler",
		Name:      "workflows",
		Help:      "Workflows seen by the last tick.",
	})

	c.fires = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "scheduler",
			Name:      "fires_total",
			Help:      "Scheduled workflow fires, by target connector and result.",
		},
		[]string{"connector", "result"},
	)

	c.registry.MustRegister(
		c.commands,
		c.connectorCalls,
		c.connectorDuration,
		c.ticks,
		c.tickDuration,
		c.workflows,
		c.fires,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// ObserveCommand counts one dispatched command.
func (c *Collector) ObserveCommand(verb string, success bool) {
	if verb == "" {
		verb = "empty"
	}
	c.commands.WithLabelValues(verb, outcome(success)).Inc()
}

// ObserveConnectorCall records one registry execution.
func (c *Collector) ObserveConnectorCall(connector, action string, success bool, d time.Duration) {
	c.connectorCalls.WithLabelValues(connector, action, outcome(success)).Inc()
	c.connectorDuration.WithLabelValues(connector, action).Observe(d.Seconds())
}

// ObserveTick records one scheduler pass.
func (c *Collector) ObserveTick(evaluated int, d time.Duration) {
	c.ticks.Inc()
	c.tickDuration.Observe(d.Seconds())
	c.workflows.Set(float64(evaluated))
}

// ObserveFire records one scheduled fire.
func (c *Collector) ObserveFire(connector string, success bool) {
	c.fires.WithLabelValues(connector, outcome(success)).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (c *Collector) Serve(ctx context.Context, addr string, log logrus.FieldLogger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.WithField("addr", addr).Info("serving metrics")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
