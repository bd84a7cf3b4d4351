package channelpool

import "github.com/prometheus/client_golang/prometheus"

// Origin labels how a channel was established.
const (
	originAccepted  = "accepted"
	originConnected = "connected"
	originImported  = "imported"
)

// Metrics are the channel pool collectors. A zero registerer leaves them
// unregistered but still usable.
type Metrics struct {
	OpenChannels    prometheus.Gauge
	ChannelsOpened  *prometheus.CounterVec
	ConnectAttempts *prometheus.CounterVec
	AcceptErrors    prometheus.Counter
	ChannelLimit    prometheus.Counter
	BytesRead       prometheus.Counter
	BytesWritten    prometheus.Counter
}

// NewMetrics creates the collectors under namespace and registers them with
// registerer when it is not nil.
func NewMetrics(namespace string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		OpenChannels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "channelpool",
			Name:      "open_channels",
			Help:      "Number of open channels.",
		}),
		ChannelsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channelpool",
			Name:      "channels_opened_total",
			Help:      "Channels opened, by origin.",
		}, []string{"origin"}),
		ConnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channelpool",
			Name:      "connect_attempts_total",
			Help:      "Connect attempts, by result.",
		}, []string{"result"}),
		AcceptErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channelpool",
			Name:      "accept_errors_total",
			Help:      "Failed accepts on listeners.",
		}),
		ChannelLimit: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channelpool",
			Name:      "channel_limit_total",
			Help:      "Channels refused because the pool was full.",
		}),
		BytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channelpool",
			Name:      "bytes_read_total",
			Help:      "Bytes read from all channels.",
		}),
		BytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channelpool",
			Name:      "bytes_written_total",
			Help:      "Bytes written to all channels.",
		}),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.OpenChannels,
			m.ChannelsOpened,
			m.ConnectAttempts,
			m.AcceptErrors,
			m.ChannelLimit,
			m.BytesRead,
			m.BytesWritten,
		)
	}

	return m
}
