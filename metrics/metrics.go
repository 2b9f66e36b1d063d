// Package metrics exposes Prometheus collectors for dispatch passes.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/liamcoop/automations/internal/logger"
	"github.com/liamcoop/automations/rules"
)

const namespace = "automations"

// Metrics holds the dispatch collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	passesTotal    *prometheus.CounterVec
	passDuration   prometheus.Histogram
	rulesEvaluated prometheus.Counter
	rulesMatched   prometheus.Counter
	rulesSkipped   prometheus.Counter
	firingsTotal   *prometheus.CounterVec
	ruleErrors     *prometheus.CounterVec
	scheduledUsers prometheus.Gauge
	schedulerTicks *prometheus.CounterVec
}

// New creates and registers the collectors. A nil registerer returns nil.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		return nil, nil
	}

	m := &Metrics{
		passesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "passes_total",
			Help:      "Dispatch passes by result (ok, aborted, failed)",
		}, []string{"result"}),

		passDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "pass_duration_seconds",
			Help:      "Wall time of a dispatch pass including executor calls",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}),

		rulesEvaluated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "rules_evaluated_total",
			Help:      "Rules evaluated against a snapshot",
		}),

		rulesMatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "rules_matched_total",
			Help:      "Rules whose trigger matched",
		}),

		rulesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "rules_skipped_total",
			Help:      "Matched rules dropped by the activation or cooldown gate",
		}),

		firingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "firings_total",
			Help:      "Successful executor invocations by action kind",
		}, []string{"action"}),

		ruleErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "rule_errors_total",
			Help:      "Per-rule failures by kind (execution, write_back)",
		}, []string{"kind"}),

		scheduledUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "users",
			Help:      "Users registered with the scheduler",
		}),

		schedulerTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "user_passes_total",
			Help:      "Scheduled user passes by outcome (ok, aborted, failed)",
		}, []string{"outcome"}),
	}

	for _, c := range []prometheus.Collector{
		m.passesTotal,
		m.passDuration,
		m.rulesEvaluated,
		m.rulesMatched,
		m.rulesSkipped,
		m.firingsTotal,
		m.ruleErrors,
		m.scheduledUsers,
		m.schedulerTicks,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ObservePass records one pass. It satisfies rules.PassObserver.
func (m *Metrics) ObservePass(res *rules.PassResult, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.passDuration.Observe(elapsed.Seconds())

	switch {
	case err != nil:
		m.passesTotal.WithLabelValues("failed").Inc()
		return
	case res.Aborted:
		m.passesTotal.WithLabelValues("aborted").Inc()
	default:
		m.passesTotal.WithLabelValues("ok").Inc()
	}

	m.rulesEvaluated.Add(float64(res.Evaluated))
	m.rulesMatched.Add(float64(len(res.Matched)))
	m.rulesSkipped.Add(float64(len(res.Skipped)))
	for _, f := range res.Fired {
		m.firingsTotal.WithLabelValues(string(f.Action)).Inc()
	}
	for _, re := range res.Errors {
		m.ruleErrors.WithLabelValues(errorKind(re.Err)).Inc()
	}
}

// SetScheduledUsers records the size of the scheduler's user registry.
func (m *Metrics) SetScheduledUsers(n int) {
	if m == nil {
		return
	}
	m.scheduledUsers.Set(float64(n))
}

// ObserveUserPass records the outcome of one scheduled user pass.
func (m *Metrics) ObserveUserPass(outcome string) {
	if m == nil {
		return
	}
	m.schedulerTicks.WithLabelValues(outcome).Inc()
}

// RegisterLogCounters exposes the logger's warning and error counters as
// counters that read the atomics at scrape time.
func RegisterLogCounters(reg prometheus.Registerer) error {
	counters := []struct {
		name, help string
		read       func(logger.Counts) int64
	}{
		{"errors_total", "Errors counted by the logger, sampled or not", func(c logger.Counts) int64 { return c.Errors }},
		{"warnings_total", "Warnings counted by the logger, sampled or not", func(c logger.Counts) int64 { return c.Warnings }},
		{"http_5xx_total", "HTTP responses with a 5xx status", func(c logger.Counts) int64 { return c.HTTP5xx }},
		{"http_4xx_total", "HTTP responses with a 4xx status", func(c logger.Counts) int64 { return c.HTTP4xx }},
		{"http_429_total", "On-demand pass requests rejected by the rate limit", func(c logger.Counts) int64 { return c.HTTP429 }},
	}
	for _, c := range counters {
		read := c.read
		err := reg.Register(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "log",
			Name:      c.name,
			Help:      c.help,
		}, func() float64 { return float64(read(logger.Snapshot())) }))
		if err != nil {
			return err
		}
	}
	return nil
}

func errorKind(err error) string {
	var execErr *rules.ExecutionError
	var wbErr *rules.WriteBackError
	switch {
	case errors.As(err, &wbErr):
		return "write_back"
	case errors.As(err, &execErr):
		return "execution"
	}
	return "other"
}
