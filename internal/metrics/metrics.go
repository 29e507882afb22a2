package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	MetricsPrefix = "spoold_"
	PrinterLabel  = "printer"
	StateLabel    = "state"
	CodeLabel     = "code"
	VerbLabel     = "verb"
)

var (
	PrinterLabels      = []string{PrinterLabel}
	PrinterStateLabels = []string{PrinterLabel, StateLabel}
)

var (
	jobsReceivedMetric = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricsPrefix + "jobs_received_total",
			Help: "Number of jobs accepted into a queue",
		},
		PrinterLabels,
	)

	bytesReceivedMetric = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricsPrefix + "received_bytes_total",
			Help: "Bytes of data files accepted into a queue",
		},
		PrinterLabels,
	)

	jobTransitionsMetric = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricsPrefix + "job_transitions_total",
			Help: "Number of job state changes made by the scheduler",
		},
		PrinterStateLabels,
	)

	subserversStartedMetric = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricsPrefix + "subservers_started_total",
			Help: "Number of subserver processes started",
		},
		PrinterLabels,
	)

	subserverExitsMetric = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricsPrefix + "subserver_exits_total",
			Help: "Number of subserver exits by exit code",
		},
		[]string{PrinterLabel, CodeLabel},
	)

	subserversRunningMetric = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: MetricsPrefix + "subservers_running",
			Help: "Subservers currently running",
		},
		PrinterLabels,
	)

	queueJobsMetric = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: MetricsPrefix + "queue_jobs",
			Help: "Jobs in a queue by state, as of the last scheduler pass",
		},
		PrinterStateLabels,
	)

	cycleTimeMetric = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    MetricsPrefix + "scheduler_cycle_seconds",
			Help:    "Duration of one scheduler pass over a queue",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		},
		PrinterLabels,
	)

	requestsMetric = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricsPrefix + "requests_total",
			Help: "Protocol requests handled, by verb",
		},
		[]string{VerbLabel},
	)

	requestErrorsMetric = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricsPrefix + "request_errors_total",
			Help: "Protocol requests that ended with an error, by verb",
		},
		[]string{VerbLabel},
	)
)

func RecordJobReceived(printer string, bytes int64) {
	jobsReceivedMetric.WithLabelValues(printer).Inc()
	bytesReceivedMetric.WithLabelValues(printer).Add(float64(bytes))
}

func RecordTransition(printer, state string) {
	jobTransitionsMetric.WithLabelValues(printer, state).Inc()
}

func RecordSubserverStarted(printer string) {
	subserversStartedMetric.WithLabelValues(printer).Inc()
	subserversRunningMetric.WithLabelValues(printer).Inc()
}

func RecordSubserverExit(printer, code string) {
	subserverExitsMetric.WithLabelValues(printer, code).Inc()
	subserversRunningMetric.WithLabelValues(printer).Dec()
}

// RecordQueueJobs replaces the per-state job counts of a queue.
func RecordQueueJobs(printer string, counts map[string]int) {
	for state, n := range counts {
		queueJobsMetric.WithLabelValues(printer, state).Set(float64(n))
	}
}

func RecordCycleTime(printer string, d time.Duration) {
	cycleTimeMetric.WithLabelValues(printer).Observe(d.Seconds())
}

func RecordRequest(verb string, err error) {
	requestsMetric.WithLabelValues(verb).Inc()
	if err != nil {
		requestErrorsMetric.WithLabelValues(verb).Inc()
	}
}
