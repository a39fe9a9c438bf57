package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	ingestTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabletalk_ingest_total",
			Help: "Uploaded files parsed, by format and outcome.",
		},
		[]string{"format", "status"},
	)
	persistTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabletalk_persist_total",
			Help: "Store conversions, by outcome.",
		},
		[]string{"status"},
	)
	persistRowsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tabletalk_persist_rows_total",
			Help: "Rows written into relational stores.",
		},
	)
	translateTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabletalk_translate_total",
			Help: "Natural language translations, by provider and outcome.",
		},
		[]string{"provider", "status"},
	)
	translateAttemptsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tabletalk_translate_attempts_total",
			Help: "Calls made to the language model, including retries.",
		},
	)
	translateCacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tabletalk_translate_cache_hits_total",
			Help: "Translations served from the in-process cache.",
		},
	)
	queryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabletalk_query_total",
			Help: "Executed statements, by outcome.",
		},
		[]string{"status"},
	)
	queryRejectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tabletalk_query_rejected_total",
			Help: "Generated statements rejected before reaching the store.",
		},
	)
	queryDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tabletalk_query_duration_seconds",
			Help:    "Statement execution latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
	)
)

func init() {
	prometheus.MustRegister(
		ingestTotal,
		persistTotal,
		persistRowsTotal,
		translateTotal,
		translateAttemptsTotal,
		translateCacheHitsTotal,
		queryTotal,
		queryRejectedTotal,
		queryDurationSeconds,
	)
}

func ObserveIngest(format, status string) {
	ingestTotal.WithLabelValues(format, status).Inc()
}

func ObservePersist(rows int, err error) {
	if err != nil {
		persistTotal.WithLabelValues("error").Inc()
		return
	}
	persistTotal.WithLabelValues("ok").Inc()
	if rows > 0 {
		persistRowsTotal.Add(float64(rows))
	}
}

func ObserveTranslate(provider string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	translateTotal.WithLabelValues(provider, status).Inc()
}

func IncrementTranslateAttempts() {
	translateAttemptsTotal.Inc()
}

func IncrementTranslateCacheHit() {
	translateCacheHitsTotal.Inc()
}

func ObserveQuery(elapsed time.Duration, err error) {
	if err != nil {
		queryTotal.WithLabelValues("error").Inc()
	} else {
		queryTotal.WithLabelValues("ok").Inc()
	}
	queryDurationSeconds.Observe(elapsed.Seconds())
}

func IncrementQueryRejected() {
	queryRejectedTotal.Inc()
}
