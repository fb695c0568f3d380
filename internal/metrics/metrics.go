// Package metrics exports tunnel counters to prometheus.
package metrics

import (
	"github.com/gamavpn/wgtunnel/internal/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// InfoFunc returns a snapshot of the tunnel.
type InfoFunc func() model.TunnelInfo

// Metrics holds the tunnel collectors. Traffic counters are read from
// the tunnel snapshot at scrape time; transitions are pushed with
// [Metrics.ObserveStatus].
type Metrics struct {
	transitions *prometheus.CounterVec
}

// New registers the tunnel collectors with reg.
func New(reg prometheus.Registerer, info InfoFunc) *Metrics {
	promFactory := promauto.With(reg)
	stats := func() model.PeerStats { return info().Stats }

	promFactory.NewCounterFunc(prometheus.CounterOpts{
		Name: "wgtunnel_tx_bytes_total",
		Help: "Bytes of encrypted transport messages sent to the peer",
	}, func() float64 { return float64(stats().TxBytes) })
	promFactory.NewCounterFunc(prometheus.CounterOpts{
		Name: "wgtunnel_rx_bytes_total",
		Help: "Bytes of authenticated transport messages received from the peer",
	}, func() float64 { return float64(stats().RxBytes) })
	promFactory.NewCounterFunc(prometheus.CounterOpts{
		Name: "wgtunnel_tx_packets_total",
		Help: "Transport messages sent to the peer",
	}, func() float64 { return float64(stats().TxPackets) })
	promFactory.NewCounterFunc(prometheus.CounterOpts{
		Name: "wgtunnel_rx_packets_total",
		Help: "Authenticated transport messages received from the peer",
	}, func() float64 { return float64(stats().RxPackets) })
	promFactory.NewCounterFunc(prometheus.CounterOpts{
		Name: "wgtunnel_handshakes_total",
		Help: "Completed handshakes",
	}, func() float64 { return float64(stats().Handshakes) })

	for _, reason := range model.DropReasons() {
		reason := reason
		promFactory.NewCounterFunc(prometheus.CounterOpts{
			Name:        "wgtunnel_dropped_packets_total",
			Help:        "Packets dropped, labelled by reason",
			ConstLabels: prometheus.Labels{"reason": reason.String()},
		}, func() float64 { return float64(stats().Dropped[reason]) })
	}

	promFactory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "wgtunnel_status",
		Help: "Current tunnel status (0 disconnected, 1 connecting, 2 handshaking, 3 connected, 4 reconnecting, 5 disconnecting, 6 error)",
	}, func() float64 { return float64(info().Status) })
	promFactory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "wgtunnel_key_epoch",
		Help: "Epoch of the session key in use",
	}, func() float64 { return float64(info().Epoch) })
	promFactory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "wgtunnel_last_handshake_timestamp_seconds",
		Help: "Unix time of the last completed handshake",
	}, func() float64 {
		last := stats().LastHandshake
		if last.IsZero() {
			return 0
		}
		return float64(last.UnixNano()) / 1e9
	})

	return &Metrics{
		transitions: promFactory.NewCounterVec(prometheus.CounterOpts{
			Name: "wgtunnel_status_transitions_total",
			Help: "Status transitions, labelled by the status entered",
		}, []string{"status"}),
	}
}

// ObserveStatus counts a transition.
func (m *Metrics) ObserveStatus(ev model.StatusEvent) {
	m.transitions.With(prometheus.Labels{"status": ev.Status.String()}).Inc()
}
