// Package metrics collects Prometheus metrics for the check-in
// service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Collector struct {
	resolutions       *prometheus.CounterVec
	resolutionLatency prometheus.Histogram
	roleDefaulted     prometheus.Counter
	checkIns          prometheus.Counter
	duplicateCheckIns prometheus.Counter
	guardDenials      *prometheus.CounterVec
}

func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "checkin_profile_resolutions_total",
			Help: "Profile resolution runs by outcome.",
		}, []string{"outcome"}),
		resolutionLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "checkin_profile_resolution_seconds",
			Help:    "Profile resolution latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		roleDefaulted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "checkin_role_lookups_defaulted_total",
			Help: "Role lookups that fell back to MEMBER.",
		}),
		checkIns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "checkin_attendance_created_total",
			Help: "Attendance rows created.",
		}),
		duplicateCheckIns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "checkin_attendance_duplicates_total",
			Help: "Check-in attempts rejected as duplicates.",
		}),
		guardDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "checkin_guard_denials_total",
			Help: "Route guard redirects by reason.",
		}, []string{"reason"}),
	}
	if reg != nil {
		reg.MustRegister(
			c.resolutions,
			c.resolutionLatency,
			c.roleDefaulted,
			c.checkIns,
			c.duplicateCheckIns,
			c.guardDenials,
		)
	}
	return c
}

func (c *Collector) RecordResolution(outcome string, duration time.Duration) {
	c.resolutions.WithLabelValues(outcome).Inc()
	c.resolutionLatency.Observe(duration.Seconds())
}

func (c *Collector) RecordRoleDefaulted() {
	c.roleDefaulted.Inc()
}

func (c *Collector) RecordCheckIn() {
	c.checkIns.Inc()
}

func (c *Collector) RecordDuplicateCheckIn() {
	c.duplicateCheckIns.Inc()
}

func (c *Collector) RecordGuardDenial(reason string) {
	c.guardDenials.WithLabelValues(reason).Inc()
}
