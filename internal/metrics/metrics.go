// Package metrics exports poll loop activity to Prometheus.
package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"lurkbot/internal/models"
)

const namespace = "lurkbot"

// Recorder turns loop events into Prometheus samples.
type Recorder struct {
	iterations      *prometheus.CounterVec
	asks            *prometheus.CounterVec
	rotations       prometheus.Counter
	resets          *prometheus.CounterVec
	publishes       *prometheus.CounterVec
	fetched         prometheus.Histogram
	duration        *prometheus.HistogramVec
	credentialIndex prometheus.Gauge
}

// MustNewMetrics registers the loop collectors on reg and panics on conflicts.
func MustNewMetrics(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	r := &Recorder{
		iterations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loop",
			Name:      "iterations_total",
			Help:      "Poll loop iterations by outcome and reason.",
		}, []string{"outcome", "reason"}),
		asks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "generation",
			Name:      "asks_total",
			Help:      "Prompts submitted to the generation backend, by success.",
		}, []string{"ok"}),
		rotations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "generation",
			Name:      "rotations_total",
			Help:      "Credential rotations caused by rate limiting or rejection.",
		}),
		resets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loop",
			Name:      "resets_total",
			Help:      "Conversation resets by reason.",
		}, []string{"reason"}),
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loop",
			Name:      "publishes_total",
			Help:      "Replies published to the channel.",
		}, []string{"dry_run"}),
		fetched: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "loop",
			Name:      "fetched_messages",
			Help:      "Messages from others seen per iteration.",
			Buckets:   []float64{0, 1, 2, 5, 10, 20, 50, 100},
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "loop",
			Name:      "iteration_duration_seconds",
			Help:      "Wall time of one iteration, sleeps excluded.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		credentialIndex: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "generation",
			Name:      "credential_index",
			Help:      "Index of the credential currently in use.",
		}),
	}

	reg.MustRegister(r.iterations, r.asks, r.rotations, r.resets, r.publishes,
		r.fetched, r.duration, r.credentialIndex)
	return r
}

// Observe implements the loop observer hook.
func (r *Recorder) Observe(_ context.Context, event models.LoopEvent) {
	if r == nil {
		return
	}
	r.iterations.WithLabelValues(event.Outcome, event.Reason).Inc()
	r.fetched.Observe(float64(event.Fetched))
	r.duration.WithLabelValues(event.Outcome).Observe((time.Duration(event.DurationMS) * time.Millisecond).Seconds())
	r.credentialIndex.Set(float64(event.CredentialIndex))

	switch event.Outcome {
	case "published":
		r.asks.WithLabelValues("true").Inc()
		r.publishes.WithLabelValues(strconv.FormatBool(event.DryRun)).Inc()
	case "reset":
		// Broken keywords are caught before asking.
		if event.Reason != "broken_keyword" {
			r.asks.WithLabelValues("true").Inc()
		}
		r.resets.WithLabelValues(event.Reason).Inc()
	case "backend_failure":
		r.asks.WithLabelValues("false").Inc()
	case "error":
		if event.Reason == "send_failed" {
			r.asks.WithLabelValues("true").Inc()
		}
	}
	if event.Rotated {
		r.rotations.Inc()
	}
}
