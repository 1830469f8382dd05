/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package metrics exports job lifecycle counters and durations to prometheus.
package metrics

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nvmf-harness/nvmftests/pkg/events"
)

const (
	namespace = "nvmftests"
	subsystem = "jobs"
)

// Jobs is an events.Interceptor feeding prometheus collectors.
type Jobs struct {
	Total    *prometheus.CounterVec
	Failures *prometheus.CounterVec
	Duration *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg, if not nil.
func New(reg prometheus.Registerer) (*Jobs, error) {
	m := &Jobs{
		Total: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "total",
			Help:      "Job lifecycle events by job kind and phase",
		}, []string{"kind", "phase"}),
		Failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "failures_total",
			Help:      "Jobs that finished with an error, by job kind",
		}, []string{"kind"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "duration_seconds",
			Help:      "Wall clock duration of finished jobs",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"kind"}),
	}

	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.Total, m.Failures, m.Duration} {
		if err := reg.Register(c); err != nil {
			return nil, errors.WithMessage(err, "could not register job metrics")
		}
	}
	return m, nil
}

func (m *Jobs) Intercept(e *events.Event) error {
	m.Total.WithLabelValues(e.Kind, e.Phase.String()).Inc()
	if e.Phase != events.Finished {
		return nil
	}
	m.Duration.WithLabelValues(e.Kind).Observe(e.Duration.Seconds())
	if !e.OK() {
		m.Failures.WithLabelValues(e.Kind).Inc()
	}
	return nil
}

// CPU exports host CPU usage shares sampled during a run.
type CPU struct {
	Ratio *prometheus.GaugeVec
}

func NewCPU(reg prometheus.Registerer) (*CPU, error) {
	c := &CPU{
		Ratio: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "host",
			Name:      "cpu_ratio",
			Help:      "Share of CPU time by state over the last sampling interval",
		}, []string{"state"}),
	}
	if reg != nil {
		if err := reg.Register(c.Ratio); err != nil {
			return nil, errors.WithMessage(err, "could not register cpu metrics")
		}
	}
	return c, nil
}

func (c *CPU) Set(state string, ratio float64) {
	c.Ratio.WithLabelValues(state).Set(ratio)
}
