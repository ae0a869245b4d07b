package tabsplit

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	queueDepth   prometheus.Gauge
	mutations    *prometheus.CounterVec
	pushEvents   *prometheus.CounterVec
	openChannels prometheus.Gauge
	drainSeconds prometheus.Histogram
}

// NewMetrics creates the collectors and registers them on reg. Collectors
// already registered (for example by a previous engine in the same process)
// are reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tabsplit",
			Name:      "queue_depth",
			Help:      "Mutations waiting in the offline queue.",
		}),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tabsplit",
			Name:      "mutations_total",
			Help:      "Mutation send outcomes by collection and result.",
		}, []string{"collection", "result"}),
		pushEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tabsplit",
			Name:      "push_events_total",
			Help:      "Push events received by type.",
		}, []string{"type"}),
		openChannels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tabsplit",
			Name:      "realtime_open_channels",
			Help:      "Push channels currently open.",
		}),
		drainSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tabsplit",
			Name:      "drain_duration_seconds",
			Help:      "Time spent in one queue drain pass.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg == nil {
		return m, nil
	}

	var err error
	m.queueDepth = register(reg, m.queueDepth, &err)
	m.mutations = register(reg, m.mutations, &err)
	m.pushEvents = register(reg, m.pushEvents, &err)
	m.openChannels = register(reg, m.openChannels, &err)
	m.drainSeconds = register(reg, m.drainSeconds, &err)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C, errp *error) C {
	if *errp != nil {
		return c
	}
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		*errp = err
	}
	return c
}

func (m *Metrics) setQueueDepth(n int) {
	if m != nil {
		m.queueDepth.Set(float64(n))
	}
}

func (m *Metrics) mutationResult(col Collection, result string) {
	if m != nil {
		m.mutations.WithLabelValues(string(col), result).Inc()
	}
}

func (m *Metrics) pushEvent(t PushEventType) {
	if m != nil {
		m.pushEvents.WithLabelValues(string(t)).Inc()
	}
}

func (m *Metrics) setOpenChannels(n int) {
	if m != nil {
		m.openChannels.Set(float64(n))
	}
}

func (m *Metrics) observeDrain(seconds float64) {
	if m != nil {
		m.drainSeconds.Observe(seconds)
	}
}
