package observability

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// Alert outcomes recorded by crisis_alerts_total.
const (
	AlertSent       = "sent"
	AlertSuppressed = "suppressed"
	AlertDropped    = "dropped"
)

// Pipeline job outcomes recorded by pipeline_jobs_total.
const (
	JobOK       = "ok"
	JobFailed   = "failed"
	JobOverflow = "overflow"
)

var (
	analyses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crisis_analyses_total",
			Help: "Messages scored, by final risk level.",
		},
		[]string{"risk_level"},
	)

	judgeFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crisis_judge_failures_total",
			Help: "Judge calls that degraded to a none/0 signal.",
		},
		[]string{"reason"},
	)

	alerts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crisis_alerts_total",
			Help: "Crisis alerts by delivery outcome.",
		},
		[]string{"outcome"},
	)

	pipelineJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_jobs_total",
			Help: "Background scoring jobs by outcome.",
		},
		[]string{"outcome"},
	)

	pipelineLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pipeline_job_duration_seconds",
			Help:    "Time from job start to follow-up fan-out.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	connections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_connections",
			Help: "Open realtime connections.",
		},
	)

	monitorIdentities = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_monitor_identities",
			Help: "Distinct monitor identities with at least one connection.",
		},
	)
)

func init() {
	prometheus.MustRegister(analyses, judgeFailures, alerts, pipelineJobs, pipelineLatency, connections, monitorIdentities)
}

// ObserveAnalysis counts a scored message. judgeErr is the recorded judge
// error, empty when the judge answered.
func ObserveAnalysis(riskLevel, judgeErr string) {
	analyses.WithLabelValues(riskLevel).Inc()
	if judgeErr != "" {
		judgeFailures.WithLabelValues(judgeReason(judgeErr)).Inc()
	}
}

func judgeReason(err string) string {
	switch {
	case strings.Contains(err, "disabled"):
		return "disabled"
	case strings.Contains(err, "deadline"), strings.Contains(err, "timeout"):
		return "timeout"
	case strings.Contains(err, "upstream status"):
		return "upstream"
	default:
		return "transport"
	}
}

// ObserveAlert counts a crisis alert outcome.
func ObserveAlert(outcome string) { alerts.WithLabelValues(outcome).Inc() }

// ObserveJob counts a pipeline job and, when seconds >= 0, its duration.
func ObserveJob(outcome string, seconds float64) {
	pipelineJobs.WithLabelValues(outcome).Inc()
	if seconds >= 0 {
		pipelineLatency.Observe(seconds)
	}
}

// SetRealtimeGauges publishes the hub's connection and monitor counts.
func SetRealtimeGauges(conns, monitors int) {
	connections.Set(float64(conns))
	monitorIdentities.Set(float64(monitors))
}
