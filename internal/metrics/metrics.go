package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	MetricDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "threatgate", Name: "decisions_total", Help: "Pipeline verdicts by action"},
		[]string{"action"},
	)
	MetricThreatScore = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "threatgate",
			Name:      "threat_score",
			Help:      "Distribution of computed threat scores",
			Buckets:   []float64{0, 10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		},
	)
	MetricAttacksDetected = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: "threatgate", Name: "coordinated_attacks_total", Help: "Coordinated attacks detected"},
	)
	MetricCaptcha = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "threatgate", Name: "captcha_total", Help: "Captcha events by outcome"},
		[]string{"outcome"},
	)
	MetricLedgerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "threatgate",
			Name:      "ledger_op_duration_seconds",
			Help:      "Latency of ledger operations in seconds",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"operation", "result"},
	)
	MetricHttpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "threatgate",
			Name:      "http_duration_seconds",
			Help:      "Latency of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"path", "method", "status"},
	)
	MetricRedisDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "threatgate",
			Name:      "redis_op_duration_seconds",
			Help:      "Latency of Redis operations in seconds",
			Buckets:   []float64{.001, .002, .005, .01, .02, .05, .1},
		},
		[]string{"operation"},
	)
)

func init() {
	prometheus.MustRegister(MetricDecisionsTotal)
	prometheus.MustRegister(MetricThreatScore)
	prometheus.MustRegister(MetricAttacksDetected)
	prometheus.MustRegister(MetricCaptcha)
	prometheus.MustRegister(MetricLedgerDuration)
	prometheus.MustRegister(MetricHttpDuration)
	prometheus.MustRegister(MetricRedisDuration)
}
