// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package framelink

import "expvar"

// linkMetrics record channel and protocol activity counters.
type linkMetrics struct {
	recordSent    expvar.Int
	recordRecv    expvar.Int
	recordDropped expvar.Int // unknown codes
	handleSent    expvar.Int
	handleRecv    expvar.Int
	channelErr    expvar.Int // channels terminated by an error

	FrameAvailable  expvar.Int // FrameAvailable messages accepted
	FrameComplete   expvar.Int // FrameComplete messages accepted
	FrameRejected   expvar.Int // out-of-order frame messages and calls
	HandshakeOK     expvar.Int // handshakes reaching Connected
	HandshakeFailed expvar.Int // handshakes reaching Error

	emap *expvar.Map
}

// Stats is the set of counters shared by all channels and views.
// Sub-packages update the exported counters directly.
var Stats = newLinkMetrics()

func newLinkMetrics() *linkMetrics {
	lm := &linkMetrics{emap: new(expvar.Map)}
	lm.emap.Set("records_sent", &lm.recordSent)
	lm.emap.Set("records_received", &lm.recordRecv)
	lm.emap.Set("records_dropped", &lm.recordDropped)
	lm.emap.Set("handles_sent", &lm.handleSent)
	lm.emap.Set("handles_received", &lm.handleRecv)
	lm.emap.Set("channel_errors", &lm.channelErr)
	lm.emap.Set("frames_available", &lm.FrameAvailable)
	lm.emap.Set("frames_complete", &lm.FrameComplete)
	lm.emap.Set("frames_rejected", &lm.FrameRejected)
	lm.emap.Set("handshakes_connected", &lm.HandshakeOK)
	lm.emap.Set("handshakes_failed", &lm.HandshakeFailed)
	return lm
}

// Metrics returns the metrics map shared by all channels and views. It is
// safe for the caller to add additional metrics to the map.
func Metrics() *expvar.Map { return Stats.emap }
