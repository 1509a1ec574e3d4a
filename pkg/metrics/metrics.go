// Package metrics exposes Prometheus instrumentation for routing, breaker
// and worker pool activity.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wheelhouse-io/wheelhouse/pkg/breaker"
	"github.com/wheelhouse-io/wheelhouse/pkg/provider"
	"github.com/wheelhouse-io/wheelhouse/pkg/queue"
)

// breakerStateValue maps breaker states onto a gauge: 0 closed, 1 open,
// 2 half-open.
func breakerStateValue(s breaker.State) float64 {
	switch s {
	case breaker.StateOpen:
		return 1
	case breaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}

// Metrics holds the collectors and their registry.
type Metrics struct {
	registry *prometheus.Registry

	routeEvents  *prometheus.CounterVec
	breakerState *prometheus.GaugeVec
	breakerTrips *prometheus.CounterVec
	jobsHandled  *prometheus.CounterVec
	jobDuration  *prometheus.HistogramVec

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New builds the metric set and registers the standard process and Go
// collectors alongside it.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		routeEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wheelhouse_route_events_total",
			Help: "Provider routing events by type and provider.",
		}, []string{"type", "provider"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wheelhouse_breaker_state",
			Help: "Circuit breaker state per provider (0 closed, 1 open, 2 half-open).",
		}, []string{"provider"}),
		breakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wheelhouse_breaker_transitions_total",
			Help: "Circuit breaker transitions by provider and target state.",
		}, []string{"provider", "to"}),
		jobsHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wheelhouse_jobs_handled_total",
			Help: "Jobs finished by task name and outcome.",
		}, []string{"task", "outcome"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wheelhouse_job_duration_seconds",
			Help:    "Job handler duration by task name.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"task"}),
		stopCh: make(chan struct{}),
	}

	m.registry.MustRegister(
		m.routeEvents, m.breakerState, m.breakerTrips,
		m.jobsHandled, m.jobDuration,
	)
	return m
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying Prometheus registry for extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveJob records one finished job.
func (m *Metrics) ObserveJob(task, outcome string, seconds float64) {
	m.jobsHandled.WithLabelValues(task, outcome).Inc()
	m.jobDuration.WithLabelValues(task).Observe(seconds)
}

// WatchRouting consumes the registry's routing events until Stop.
func (m *Metrics) WatchRouting(reg *provider.Registry) {
	ch := reg.Subscribe()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer reg.Unsubscribe(ch)
		for {
			select {
			case <-m.stopCh:
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				m.routeEvents.WithLabelValues(ev.Type, ev.ProviderID).Inc()
			}
		}
	}()
}

// WatchBreaker hooks a provider's breaker transitions. Must be called
// during wiring, before traffic flows.
func (m *Metrics) WatchBreaker(b *breaker.Breaker) {
	m.breakerState.WithLabelValues(b.Name()).Set(breakerStateValue(b.State()))
	b.OnStateChange(func(name string, _, to breaker.State) {
		m.breakerState.WithLabelValues(name).Set(breakerStateValue(to))
		m.breakerTrips.WithLabelValues(name, string(to)).Inc()
	})
}

// WatchPool exports the worker pool's live health as gauges.
func (m *Metrics) WatchPool(pool *queue.Pool) {
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "wheelhouse_pool_active_jobs",
			Help: "Jobs currently executing in the worker pool.",
		}, func() float64 { return float64(pool.Health().ActiveJobs) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "wheelhouse_pool_workers",
			Help: "Workers in the pool.",
		}, func() float64 { return float64(pool.Health().TotalWorkers) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "wheelhouse_pool_jobs_reclaimed_total",
			Help: "Orphaned jobs reclaimed by the pool's stale-heartbeat scan.",
		}, func() float64 { return float64(pool.Health().JobsReclaimed) }),
	)
}

// Stop terminates the watch goroutines and waits for them.
func (m *Metrics) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}
