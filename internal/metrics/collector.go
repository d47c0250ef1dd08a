package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rickgao/pushsession/internal/connection"
)

const namespace = "pushsession"

var states = []connection.State{
	connection.StateIdle,
	connection.StateConnecting,
	connection.StateOpen,
	connection.StateReconnecting,
	connection.StateClosed,
	connection.StateFailed,
}

// OtherFrameType is the label for frames whose type is not in the known set.
const OtherFrameType = "other"

// DefaultFrameTypes are the frame types counted under their own label.
var DefaultFrameTypes = []string{
	"task_update",
	"account_update",
	"follow_stats",
	"bulk_validation",
	"import_status",
	"profile_update_status",
	"oauth_status",
	"password_update",
	"connection_status",
	"heartbeat_response",
	"ping",
	"pong",
}

// Collector records session events.
type Collector struct {
	frameTypes map[string]struct{}

	connectionState   *prometheus.GaugeVec
	reconnects        prometheus.Counter
	framesReceived    *prometheus.CounterVec
	decodeErrors      prometheus.Counter
	queueDepth        prometheus.Gauge
	heartbeatTimeouts prometheus.Counter
}

// NewCollector creates the session metrics and registers them with reg.
// Frames are counted by type for DefaultFrameTypes plus extraTypes; any other
// type is counted under OtherFrameType.
func NewCollector(reg prometheus.Registerer, extraTypes ...string) (*Collector, error) {
	known := make(map[string]struct{}, len(DefaultFrameTypes)+len(extraTypes))
	for _, t := range DefaultFrameTypes {
		known[t] = struct{}{}
	}
	for _, t := range extraTypes {
		known[t] = struct{}{}
	}

	c := &Collector{
		frameTypes: known,

		connectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Current connection state (1 for the active state, 0 otherwise)",
		}, []string{"state"}),

		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Total reconnect attempts scheduled",
		}),

		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Total inbound frames by message type",
		}, []string{"type"}),

		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Total inbound frames that could not be decoded",
		}),

		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbound_queue_depth",
			Help:      "Frames queued while the connection is not open",
		}),

		heartbeatTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeat_timeouts_total",
			Help:      "Total connections closed for missing heartbeat acks",
		}),
	}

	for _, col := range []prometheus.Collector{
		c.connectionState,
		c.reconnects,
		c.framesReceived,
		c.decodeErrors,
		c.queueDepth,
		c.heartbeatTimeouts,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}

	c.setState(connection.StateIdle)
	return c, nil
}

func (c *Collector) setState(current connection.State) {
	for _, s := range states {
		v := 0.0
		if s == current {
			v = 1
		}
		c.connectionState.WithLabelValues(s.String()).Set(v)
	}
}

func (c *Collector) StateChanged(change connection.StateChange) {
	c.setState(change.To)
	if change.To == connection.StateReconnecting {
		c.reconnects.Inc()
	}
}

func (c *Collector) FrameReceived(msgType string) {
	if _, ok := c.frameTypes[msgType]; !ok {
		msgType = OtherFrameType
	}
	c.framesReceived.WithLabelValues(msgType).Inc()
}

func (c *Collector) DecodeFailed() {
	c.decodeErrors.Inc()
}

func (c *Collector) QueueDepth(n int) {
	c.queueDepth.Set(float64(n))
}

func (c *Collector) HeartbeatTimeout() {
	c.heartbeatTimeouts.Inc()
}

// Handler serves the metrics gathered by g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
