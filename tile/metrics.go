package tile

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics instruments tile fetches. A nil *Metrics records nothing.
type Metrics struct {
	ChunkReads    prometheus.Counter
	CacheHits     prometheus.Counter
	SharedWaits   prometheus.Counter
	FetchErrors   prometheus.Counter
	FetchDuration prometheus.Histogram
}

// NewMetrics creates the fetch metrics and registers them with reg when it
// is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ChunkReads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zarrlayer",
			Subsystem: "tile",
			Name:      "chunk_reads_total",
			Help:      "Number of chunk reads issued to the store.",
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zarrlayer",
			Subsystem: "tile",
			Name:      "cache_hits_total",
			Help:      "Number of fetches served from the sample cache.",
		}),
		SharedWaits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zarrlayer",
			Subsystem: "tile",
			Name:      "shared_fetches_total",
			Help:      "Number of fetches that joined a request already in flight.",
		}),
		FetchErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zarrlayer",
			Subsystem: "tile",
			Name:      "fetch_errors_total",
			Help:      "Number of chunk fetches that failed.",
		}),
		FetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "zarrlayer",
			Subsystem: "tile",
			Name:      "fetch_duration_seconds",
			Help:      "Duration of chunk reads including decoding.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.3, 0.6, 1, 3, 6},
		}),
	}
	if reg != nil {
		reg.MustRegister(m.ChunkReads, m.CacheHits, m.SharedWaits, m.FetchErrors, m.FetchDuration)
	}
	return m
}

func (m *Metrics) hit() {
	if m != nil {
		m.CacheHits.Inc()
	}
}

func (m *Metrics) shared() {
	if m != nil {
		m.SharedWaits.Inc()
	}
}

func (m *Metrics) read(start time.Time, err error) {
	if m == nil {
		return
	}
	m.ChunkReads.Inc()
	m.FetchDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		m.FetchErrors.Inc()
	}
}
