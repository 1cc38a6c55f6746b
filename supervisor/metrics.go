package supervisor

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the supervisor counters. A nil *Metrics records nothing.
type Metrics struct {
	Destroys   *prometheus.CounterVec
	Probes     *prometheus.CounterVec
	Alarms     *prometheus.CounterVec
	Configures *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Destroys: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "workspace",
			Subsystem: "supervisor",
			Name:      "destroys_total",
			Help:      "Sandbox teardowns by reason.",
		}, []string{"reason"}),
		Probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "workspace",
			Subsystem: "supervisor",
			Name:      "probes_total",
			Help:      "Activity probes by outcome, after retries.",
		}, []string{"outcome"}),
		Alarms: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "workspace",
			Subsystem: "supervisor",
			Name:      "alarms_total",
			Help:      "Alarm handler runs by outcome.",
		}, []string{"outcome"}),
		Configures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "workspace",
			Subsystem: "supervisor",
			Name:      "configures_total",
			Help:      "Configuration calls by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(m.Destroys, m.Probes, m.Alarms, m.Configures)

	return m
}

func (m *Metrics) destroyed(reason string) {
	if m != nil {
		m.Destroys.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) probe(outcome string) {
	if m != nil {
		m.Probes.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) alarm(outcome string) {
	if m != nil {
		m.Alarms.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) configure(outcome string) {
	if m != nil {
		m.Configures.WithLabelValues(outcome).Inc()
	}
}
