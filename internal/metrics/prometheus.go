// Package metrics exposes agent state to Prometheus.
package metrics

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cisec/lockdown-agent/pkg/types"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all agent metrics.
type Registry struct {
	// Lockdown
	LockState       *prometheus.GaugeVec
	LockTransitions *prometheus.CounterVec
	DNSRefreshes    *prometheus.CounterVec

	// Monitoring
	Violations     *prometheus.CounterVec
	Events         *prometheus.CounterVec
	MonitorRunning prometheus.Gauge

	// Delivery
	ReporterBatches *prometheus.CounterVec
	ReporterRecords prometheus.Counter
	BusDropped      prometheus.GaugeFunc

	// System
	Uptime prometheus.GaugeFunc

	busStats atomic.Pointer[func() (published, dropped uint64)]
}

// Get returns the global metrics registry, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = newRegistry()
	})
	return registry
}

func newRegistry() *Registry {
	r := &Registry{}
	start := time.Now()

	r.LockState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lockdown_state",
		Help: "1 for the current lock state, 0 otherwise",
	}, []string{"state"})

	r.LockTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lockdown_transitions_total",
		Help: "Completed lock and unlock transitions",
	}, []string{"transition", "result"})

	r.DNSRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lockdown_dns_refreshes_total",
		Help: "DNS watchdog cycles by outcome",
	}, []string{"outcome"})

	r.Violations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lockdown_violations_total",
		Help: "Integrity violations by category",
	}, []string{"category"})

	r.Events = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lockdown_events_total",
		Help: "Events published on the event bus by kind",
	}, []string{"kind"})

	r.MonitorRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lockdown_monitor_running",
		Help: "1 while the integrity monitor is running",
	})

	r.ReporterBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lockdown_reporter_batches_total",
		Help: "Batches posted to the backend collector by result",
	}, []string{"result"})

	r.ReporterRecords = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lockdown_reporter_records_total",
		Help: "Records delivered to the backend collector",
	})

	r.BusDropped = promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "lockdown_eventbus_dropped",
		Help: "Events dropped for slow subscribers",
	}, func() float64 {
		stats := r.busStats.Load()
		if stats == nil {
			return 0
		}
		_, dropped := (*stats)()
		return float64(dropped)
	})

	r.Uptime = promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "lockdown_agent_uptime_seconds",
		Help: "Seconds since the agent started",
	}, func() float64 { return time.Since(start).Seconds() })

	r.SetLockState(types.StateOpen)
	return r
}

var lockStates = []types.LockState{types.StateOpen, types.StateLocking, types.StateLocked, types.StateUnlocking}

// SetLockState marks s as the current state.
func (r *Registry) SetLockState(s types.LockState) {
	for _, st := range lockStates {
		v := 0.0
		if st == s {
			v = 1
		}
		r.LockState.WithLabelValues(string(st)).Set(v)
	}
}

// Observe updates the counters for one event.
func (r *Registry) Observe(ev types.Event) {
	r.Events.WithLabelValues(string(ev.Kind)).Inc()

	switch ev.Kind {
	case types.EventViolation:
		r.Violations.WithLabelValues(string(ev.Category)).Inc()
	case types.EventLockSuccess:
		r.LockTransitions.WithLabelValues("lock", "success").Inc()
		r.SetLockState(types.StateLocked)
	case types.EventUnlockSuccess:
		r.LockTransitions.WithLabelValues("unlock", "success").Inc()
		r.SetLockState(types.StateOpen)
	case types.EventMonitorStarted:
		r.MonitorRunning.Set(1)
	case types.EventMonitorStopped:
		r.MonitorRunning.Set(0)
	}
}

// TrackBus reports the event bus drop counter through BusDropped.
func (r *Registry) TrackBus(stats func() (published, dropped uint64)) {
	r.busStats.Store(&stats)
}

// ObserveRefresh counts one DNS watchdog cycle.
func (r *Registry) ObserveRefresh(outcome string) {
	r.DNSRefreshes.WithLabelValues(outcome).Inc()
}

// ObserveFlush counts one reporter batch.
func (r *Registry) ObserveFlush(ok bool, records int) {
	if !ok {
		r.ReporterBatches.WithLabelValues("failed").Inc()
		return
	}
	r.ReporterBatches.WithLabelValues("sent").Inc()
	r.ReporterRecords.Add(float64(records))
}

// Run observes events until the channel is closed or ctx is cancelled.
// status, when set, is polled on every event to keep the state gauge exact
// across failed transitions.
func (r *Registry) Run(ctx context.Context, events <-chan types.Event, status func() types.Status) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			r.Observe(ev)
			if status != nil {
				r.SetLockState(status().State)
			}
		}
	}
}
