package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	StreamStatusOK        = "ok"
	StreamStatusFailed    = "failed"
	StreamStatusCancelled = "cancelled"
)

var (
	streamsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "data7_streams_total",
			Help: "Total number of dataset streams by outcome.",
		},
		[]string{"dataset", "format", "status"},
	)
	streamRowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "data7_stream_rows_total",
			Help: "Total number of rows encoded into dataset streams.",
		},
		[]string{"dataset", "format"},
	)
	streamBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "data7_stream_bytes_total",
			Help: "Total number of encoded bytes handed to clients.",
		},
		[]string{"dataset", "format"},
	)
	streamDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "data7_stream_duration_seconds",
			Help:    "Dataset stream duration from open to last fragment.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"dataset", "format"},
	)
	activeDatasets = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "data7_active_datasets",
			Help: "Number of datasets that passed startup validation.",
		},
	)
	droppedDatasets = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "data7_dropped_datasets",
			Help: "Number of configured datasets dropped at startup validation.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		streamsTotal,
		streamRowsTotal,
		streamBytesTotal,
		streamDurationSeconds,
		activeDatasets,
		droppedDatasets,
	)
}

func ObserveStream(dataset, format, status string, rows, bytes int64, elapsed time.Duration) {
	streamsTotal.WithLabelValues(dataset, format, status).Inc()
	if rows > 0 {
		streamRowsTotal.WithLabelValues(dataset, format).Add(float64(rows))
	}
	if bytes > 0 {
		streamBytesTotal.WithLabelValues(dataset, format).Add(float64(bytes))
	}
	streamDurationSeconds.WithLabelValues(dataset, format).Observe(elapsed.Seconds())
}

func SetDatasetCounts(active, configured int) {
	dropped := configured - active
	if dropped < 0 {
		dropped = 0
	}
	activeDatasets.Set(float64(active))
	droppedDatasets.Set(float64(dropped))
}
