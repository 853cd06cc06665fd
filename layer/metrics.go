package layer

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/akhenakh/zarrlayer/tile"
)

// Metrics instruments a layer. A nil *Metrics records nothing.
type Metrics struct {
	Frames     prometheus.Counter
	TilesDrawn prometheus.Counter
	Reloads    *prometheus.CounterVec

	Tile *tile.Metrics
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Frames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zarrlayer",
			Subsystem: "layer",
			Name:      "frames_total",
			Help:      "Number of frames composed.",
		}),
		TilesDrawn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zarrlayer",
			Subsystem: "layer",
			Name:      "tiles_drawn_total",
			Help:      "Number of tiles drawn across all frames.",
		}),
		Reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zarrlayer",
			Subsystem: "layer",
			Name:      "reloads_total",
			Help:      "Number of tile set rebuilds by cause.",
		}, []string{"cause"}),
		Tile: tile.NewMetrics(reg),
	}
	if reg != nil {
		reg.MustRegister(m.Frames, m.TilesDrawn, m.Reloads)
	}
	return m
}

func (m *Metrics) frame(drawn int) {
	if m == nil {
		return
	}
	m.Frames.Inc()
	m.TilesDrawn.Add(float64(drawn))
}

func (m *Metrics) reload(cause string) {
	if m != nil {
		m.Reloads.WithLabelValues(cause).Inc()
	}
}

func (m *Metrics) tile() *tile.Metrics {
	if m == nil {
		return nil
	}
	return m.Tile
}
