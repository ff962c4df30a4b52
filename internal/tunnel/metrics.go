package tunnel

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus collectors registered into Config.Registry,
// following the naming conventions used for other long-running network
// components in this codebase (role-labeled counters/histograms).
type Metrics struct {
	PacketsTransmitted *prometheus.CounterVec
	PacketsReceived    *prometheus.CounterVec
	PacketsDropped     *prometheus.CounterVec
	ICMPv6Emitted      *prometheus.CounterVec
	ICMPv6RateLimited  prometheus.Counter
	BubblesSent        prometheus.Counter
	PingsSent          prometheus.Counter
	PeerCount          prometheus.GaugeFunc
	RecvLoopErrors     prometheus.Counter
}

func newMetrics(reg *prometheus.Registry, role Role, peerCount func() float64) *Metrics {
	labels := prometheus.Labels{"role": role.String()}

	m := &Metrics{
		PacketsTransmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "teredo_packets_transmitted_total",
			Help:        "Teredo packets handed to transmit, by outcome.",
			ConstLabels: labels,
		}, []string{"outcome"}),
		PacketsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "teredo_packets_received_total",
			Help:        "Teredo packets observed by the receive classifier, by outcome.",
			ConstLabels: labels,
		}, []string{"outcome"}),
		PacketsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "teredo_packets_dropped_total",
			Help:        "Packets dropped, by reason.",
			ConstLabels: labels,
		}, []string{"reason"}),
		ICMPv6Emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "teredo_icmpv6_emitted_total",
			Help:        "ICMPv6 unreachable messages emitted, by code.",
			ConstLabels: labels,
		}, []string{"code"}),
		ICMPv6RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "teredo_icmpv6_rate_limited_total",
			Help:        "ICMPv6 messages suppressed by the rate limiter.",
			ConstLabels: labels,
		}),
		BubblesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "teredo_bubbles_sent_total",
			Help:        "Bubbles sent for NAT hole-punching.",
			ConstLabels: labels,
		}),
		PingsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "teredo_pings_sent_total",
			Help:        "Authenticated ping bubbles sent.",
			ConstLabels: labels,
		}),
		RecvLoopErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "teredo_recv_loop_errors_total",
			Help:        "Transient errors observed by the receive loop.",
			ConstLabels: labels,
		}),
	}
	m.PeerCount = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "teredo_peers",
		Help:        "Current number of entries in the peer list.",
		ConstLabels: labels,
	}, peerCount)

	for _, c := range []prometheus.Collector{
		m.PacketsTransmitted, m.PacketsReceived, m.PacketsDropped,
		m.ICMPv6Emitted, m.ICMPv6RateLimited, m.BubblesSent, m.PingsSent,
		m.PeerCount, m.RecvLoopErrors,
	} {
		_ = reg.Register(c)
	}
	return m
}
