// Copyright 2024 coreroomd contributors
package queue

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

var sendQueueDepthValue atomic.Int64

var sendQueueDepth = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "coreroomd",
		Subsystem: "federationsender",
		Name:      "send_queue_depth",
		Help:      "Number of PDUs and EDUs currently queued for outbound delivery.",
	},
)

func init() {
	prometheus.MustRegister(sendQueueDepth)
}

// observeSendQueueDepth adjusts the queue depth gauge by delta, which
// may be negative when entries are cleaned up after a successful send.
func observeSendQueueDepth(delta int64) {
	sendQueueDepthValue.Add(delta)
	sendQueueDepth.Set(float64(sendQueueDepthValue.Load()))
}
