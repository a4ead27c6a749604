package delivery

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts delivery events by outcome.
type Metrics struct {
	SentAcks     *prometheus.CounterVec
	Receipts     *prometheus.CounterVec
	ServerErrors *prometheus.CounterVec
	Outbound     *prometheus.CounterVec
	Inbound      *prometheus.CounterVec
}

// NewMetrics creates the delivery counters and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SentAcks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "securechat_sent_acks_total",
				Help: "Number of server acknowledgments by outcome",
			},
			[]string{"result"},
		),
		Receipts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "securechat_receipts_total",
				Help: "Number of delivery receipts by outcome",
			},
			[]string{"result"},
		),
		ServerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "securechat_server_errors_total",
				Help: "Number of server errors by outcome",
			},
			[]string{"result"},
		),
		Outbound: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "securechat_outbound_total",
				Help: "Number of outbound dispatch attempts by outcome",
			},
			[]string{"result"},
		),
		Inbound: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "securechat_inbound_total",
				Help: "Number of inbound messages by outcome",
			},
			[]string{"result"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.SentAcks, m.Receipts, m.ServerErrors, m.Outbound, m.Inbound)
	}
	return m
}

func (m *Metrics) inc(vec func(*Metrics) *prometheus.CounterVec, result string) {
	if m == nil {
		return
	}
	vec(m).WithLabelValues(result).Inc()
}

func sentAcks(m *Metrics) *prometheus.CounterVec     { return m.SentAcks }
func receipts(m *Metrics) *prometheus.CounterVec     { return m.Receipts }
func serverErrors(m *Metrics) *prometheus.CounterVec { return m.ServerErrors }
func outbound(m *Metrics) *prometheus.CounterVec     { return m.Outbound }
func inbound(m *Metrics) *prometheus.CounterVec      { return m.Inbound }
