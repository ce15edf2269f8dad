// Package sipmetrics exposes the SIP core's runtime state as Prometheus
// metrics, gathered at scrape time from the same in-memory tables the
// handlers consult rather than from counters threaded through every
// request path.
package sipmetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ActiveCallsProvider exposes the number of answered-or-ringing calls.
type ActiveCallsProvider interface {
	Count() int
}

// DialogProvider exposes the number of tracked SIP dialogs.
type DialogProvider interface {
	Count() int
}

// SubscriptionProvider exposes the number of live event subscriptions.
type SubscriptionProvider interface {
	Count() int
}

// BindingProvider exposes the total number of live registrar bindings.
type BindingProvider interface {
	BindingCount() int
}

// LockoutProvider exposes the count of currently locked-out source IPs.
type LockoutProvider interface {
	LockedOutCount() int
}

// Collector is a prometheus.Collector that gathers sip core metrics from
// its injected providers at scrape time. Any provider may be nil.
type Collector struct {
	calls     ActiveCallsProvider
	dialogs   DialogProvider
	subs      SubscriptionProvider
	bindings  BindingProvider
	lockouts  LockoutProvider
	startTime time.Time

	activeCallsDesc  *prometheus.Desc
	dialogsDesc      *prometheus.Desc
	subscriptionDesc *prometheus.Desc
	bindingsDesc     *prometheus.Desc
	lockoutsDesc     *prometheus.Desc
	uptimeDesc       *prometheus.Desc
}

// NewCollector creates a sipmetrics Collector. startTime should be the
// process (or Core) start time, used for the uptime gauge.
func NewCollector(calls ActiveCallsProvider, dialogs DialogProvider, subs SubscriptionProvider, bindings BindingProvider, lockouts LockoutProvider, startTime time.Time) *Collector {
	return &Collector{
		calls:     calls,
		dialogs:   dialogs,
		subs:      subs,
		bindings:  bindings,
		lockouts:  lockouts,
		startTime: startTime,

		activeCallsDesc: prometheus.NewDesc(
			"sipcore_active_calls",
			"Number of calls currently ringing or answered",
			nil, nil,
		),
		dialogsDesc: prometheus.NewDesc(
			"sipcore_active_dialogs",
			"Number of tracked SIP dialogs",
			nil, nil,
		),
		subscriptionDesc: prometheus.NewDesc(
			"sipcore_active_subscriptions",
			"Number of live event subscriptions",
			nil, nil,
		),
		bindingsDesc: prometheus.NewDesc(
			"sipcore_registered_bindings",
			"Number of live registrar contact bindings",
			nil, nil,
		),
		lockoutsDesc: prometheus.NewDesc(
			"sipcore_locked_out_sources",
			"Number of source IPs currently locked out for repeated auth failures",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"sipcore_uptime_seconds",
			"Seconds since the sip core started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCallsDesc
	ch <- c.dialogsDesc
	ch <- c.subscriptionDesc
	ch <- c.bindingsDesc
	ch <- c.lockoutsDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.calls != nil {
		ch <- prometheus.MustNewConstMetric(c.activeCallsDesc, prometheus.GaugeValue, float64(c.calls.Count()))
	}
	if c.dialogs != nil {
		ch <- prometheus.MustNewConstMetric(c.dialogsDesc, prometheus.GaugeValue, float64(c.dialogs.Count()))
	}
	if c.subs != nil {
		ch <- prometheus.MustNewConstMetric(c.subscriptionDesc, prometheus.GaugeValue, float64(c.subs.Count()))
	}
	if c.bindings != nil {
		ch <- prometheus.MustNewConstMetric(c.bindingsDesc, prometheus.GaugeValue, float64(c.bindings.BindingCount()))
	}
	if c.lockouts != nil {
		ch <- prometheus.MustNewConstMetric(c.lockoutsDesc, prometheus.GaugeValue, float64(c.lockouts.LockedOutCount()))
	}

	ch <- prometheus.MustNewConstMetric(c.uptimeDesc, prometheus.GaugeValue, time.Since(c.startTime).Seconds())
}
