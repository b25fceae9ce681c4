package stats

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func MilisecondsElapsed(from time.Time) float64 {
	return float64(time.Since(from)) / float64(time.Millisecond)
}

var (
	prometheusMetricsFactory promauto.Factory                  = promauto.With(prometheus.DefaultRegisterer)
	counterVecs              map[string]*prometheus.CounterVec = map[string]*prometheus.CounterVec{
		"eventsWritten": prometheusMetricsFactory.NewCounterVec(prometheus.CounterOpts{
			Name: "streamclient_events_written_total",
			Help: "The number of events acknowledged by the storage service.",
		}, []string{"stream", "result"}),
		"bytesFlushed": prometheusMetricsFactory.NewCounterVec(prometheus.CounterOpts{
			Name: "streamclient_byte_stream_flushed_bytes_total",
			Help: "The number of bytes flushed by byte streams.",
		}, []string{"stream"}),
		"writeRetries": prometheusMetricsFactory.NewCounterVec(prometheus.CounterOpts{
			Name: "streamclient_write_retries_total",
			Help: "The number of retried storage calls.",
		}, []string{"operation", "reason"}),
	}
	gaugeVecs map[string]*prometheus.GaugeVec = map[string]*prometheus.GaugeVec{
		"pendingWrites": prometheusMetricsFactory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "streamclient_pending_writes",
			Help: "The number of events waiting for an acknowledgement.",
		}, []string{"stream"}),
	}
	histograms map[string]prometheus.Histogram = map[string]prometheus.Histogram{
		"locatorRefreshTime": prometheusMetricsFactory.NewHistogram(prometheus.HistogramOpts{
			Name:    "streamclient_locator_refresh_time_milliseconds",
			Help:    "The time elapsed refreshing stream segment sets.",
			Buckets: []float64{0.5, 1, 5, 50, 100},
		}),
	}
	histogramVecs map[string]*prometheus.HistogramVec = map[string]*prometheus.HistogramVec{
		"storageCallTime": prometheusMetricsFactory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "streamclient_storage_call_time_milliseconds",
			Help:    "The time elapsed calling the storage service.",
			Buckets: []float64{0.1, 1, 5, 50, 500},
		}, []string{"operation", "result"}),
	}
)

func CounterVec(name string) *prometheus.CounterVec {
	return counterVecs[name]
}

func HistogramVec(name string) *prometheus.HistogramVec {
	return histogramVecs[name]
}

func GaugeVec(name string) *prometheus.GaugeVec {
	return gaugeVecs[name]
}

func Histogram(name string) prometheus.Histogram {
	return histograms[name]
}

// Result returns the metric label describing an operation outcome.
func Result(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

func ListenAndServe(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(fmt.Sprintf("0.0.0.0:%d", port), mux)
}
