package modem

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports modem counters to Prometheus. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	commands      *prometheus.CounterVec
	duration      prometheus.Histogram
	notifications *prometheus.CounterVec
	drops         *prometheus.CounterVec
	transitions   *prometheus.CounterVec
}

// NewMetrics creates the modem collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "smartgsm",
			Name:      "commands_total",
			Help:      "AT commands executed, by result.",
		}, []string{"result"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "smartgsm",
			Name:      "command_duration_seconds",
			Help:      "Time from writing an AT command to its final result code.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "smartgsm",
			Name:      "notifications_total",
			Help:      "Unsolicited notifications handled, by kind.",
		}, []string{"kind"}),
		drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "smartgsm",
			Name:      "dropped_total",
			Help:      "Inbound lines or events discarded, by reason.",
		}, []string{"reason"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "smartgsm",
			Name:      "lifecycle_transitions_total",
			Help:      "Lifecycle state entries, by state.",
		}, []string{"state"}),
	}
	reg.MustRegister(m.commands, m.duration, m.notifications, m.drops, m.transitions)
	return m
}

func (m *Metrics) commandDone(err error, d time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrTimeout):
		result = "timeout"
	case errors.Is(err, ErrCommandFailed):
		result = "error"
	default:
		result = "failed"
	}
	m.commands.WithLabelValues(result).Inc()
	m.duration.Observe(d.Seconds())
}

func (m *Metrics) notified(kind string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(kind).Inc()
}

func (m *Metrics) dropped(reason string) {
	if m == nil {
		return
	}
	m.drops.WithLabelValues(reason).Inc()
}

func (m *Metrics) entered(state string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(state).Inc()
}
