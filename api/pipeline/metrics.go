package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"

	"caflz/api/model"
)

var (
	deploymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "caflz",
			Subsystem: "deployment",
			Name:      "total",
			Help:      "Finished deployments by action and final status",
		},
		[]string{"action", "status"},
	)

	deploymentDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "caflz",
			Subsystem: "deployment",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of deployments",
			Buckets:   prometheus.ExponentialBuckets(5, 2, 11), // 5s to ~85min
		},
		[]string{"action"},
	)

	deploymentsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "caflz",
			Subsystem: "deployment",
			Name:      "in_flight",
			Help:      "Deployments currently executing on a worker",
		},
	)

	terraformStepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "caflz",
			Subsystem: "terraform",
			Name:      "step_duration_seconds",
			Help:      "Duration of terraform sub-commands",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 14), // 0.5s to ~68min
		},
		[]string{"step", "result"},
	)

	driftDetected = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "caflz",
			Name:      "drift_detected",
			Help:      "1 when the last drift check of a component planned changes",
		},
		[]string{"customer", "component"},
	)
)

func init() {
	prometheus.MustRegister(
		deploymentsTotal,
		deploymentDuration,
		deploymentsInFlight,
		terraformStepDuration,
		driftDetected,
	)
}

func recordFinished(d *model.Deployment) {
	deploymentsTotal.WithLabelValues(string(d.Action), string(d.Status)).Inc()
	if d.ElapsedSeconds != nil {
		deploymentDuration.WithLabelValues(string(d.Action)).Observe(float64(*d.ElapsedSeconds))
	}
	if d.TriggeredBy == DriftTrigger && d.Action == model.ActionPlan && d.Status == model.StatusCompleted {
		v := 0.0
		if d.HasChanges != nil && *d.HasChanges {
			v = 1
		}
		driftDetected.WithLabelValues(d.CustomerID, string(d.Component)).Set(v)
	}
}
