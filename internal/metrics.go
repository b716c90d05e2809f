package internal

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	framesBroadcast = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_frames_broadcast_total",
		Help: "Encoded frames fanned out to websocket subscribers.",
	})

	frameErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_frame_errors_total",
		Help: "Pipeline ticks skipped because of a capture, resize or encode failure.",
	})

	wsSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_websocket_subscribers",
		Help: "Currently connected websocket subscribers.",
	})

	exchangesSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_signaling_exchanges_swept_total",
		Help: "Signaling exchanges discarded unpolled by the TTL sweep.",
	})
)
