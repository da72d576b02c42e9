package blipmetrics

import (
	"fmt"
	"net/http"
)

// Handler returns an http.HandlerFunc exporting the counters in Prometheus
// text exposition format at /metrics, mirroring strand-cloud's
// observability.PrometheusHandler but for BLIP connection counters instead
// of control-plane ones.
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		snap := m.Snapshot()

		fmt.Fprintf(w, "# HELP blip_frames_sent_total Total frames written to the transport.\n")
		fmt.Fprintf(w, "# TYPE blip_frames_sent_total counter\n")
		fmt.Fprintf(w, "blip_frames_sent_total %d\n\n", snap.FramesSent)

		fmt.Fprintf(w, "# HELP blip_frames_received_total Total frames read from the transport.\n")
		fmt.Fprintf(w, "# TYPE blip_frames_received_total counter\n")
		fmt.Fprintf(w, "blip_frames_received_total %d\n\n", snap.FramesReceived)

		fmt.Fprintf(w, "# HELP blip_bytes_sent_wire_total Bytes written to the transport, post-compression.\n")
		fmt.Fprintf(w, "# TYPE blip_bytes_sent_wire_total counter\n")
		fmt.Fprintf(w, "blip_bytes_sent_wire_total %d\n\n", snap.BytesSentWire)

		fmt.Fprintf(w, "# HELP blip_bytes_sent_raw_total Bytes handed to the compressor before framing.\n")
		fmt.Fprintf(w, "# TYPE blip_bytes_sent_raw_total counter\n")
		fmt.Fprintf(w, "blip_bytes_sent_raw_total %d\n\n", snap.BytesSentRaw)

		fmt.Fprintf(w, "# HELP blip_bytes_received_wire_total Bytes read from the transport, pre-decompression.\n")
		fmt.Fprintf(w, "# TYPE blip_bytes_received_wire_total counter\n")
		fmt.Fprintf(w, "blip_bytes_received_wire_total %d\n\n", snap.BytesRecvWire)

		fmt.Fprintf(w, "# HELP blip_bytes_received_raw_total Bytes yielded by the decompressor.\n")
		fmt.Fprintf(w, "# TYPE blip_bytes_received_raw_total counter\n")
		fmt.Fprintf(w, "blip_bytes_received_raw_total %d\n\n", snap.BytesRecvRaw)

		fmt.Fprintf(w, "# HELP blip_outgoing_messages_active Outgoing messages currently in flight.\n")
		fmt.Fprintf(w, "# TYPE blip_outgoing_messages_active gauge\n")
		fmt.Fprintf(w, "blip_outgoing_messages_active %d\n\n", snap.OutgoingActive)

		fmt.Fprintf(w, "# HELP blip_incoming_messages_active Incoming messages currently being assembled.\n")
		fmt.Fprintf(w, "# TYPE blip_incoming_messages_active gauge\n")
		fmt.Fprintf(w, "blip_incoming_messages_active %d\n\n", snap.IncomingActive)

		fmt.Fprintf(w, "# HELP blip_acks_sent_total AckRequest/AckResponse frames sent.\n")
		fmt.Fprintf(w, "# TYPE blip_acks_sent_total counter\n")
		fmt.Fprintf(w, "blip_acks_sent_total %d\n\n", snap.AcksSent)

		fmt.Fprintf(w, "# HELP blip_acks_received_total AckRequest/AckResponse frames received.\n")
		fmt.Fprintf(w, "# TYPE blip_acks_received_total counter\n")
		fmt.Fprintf(w, "blip_acks_received_total %d\n\n", snap.AcksReceived)

		fmt.Fprintf(w, "# HELP blip_checksum_errors_total Frames dropped for a running-checksum mismatch.\n")
		fmt.Fprintf(w, "# TYPE blip_checksum_errors_total counter\n")
		fmt.Fprintf(w, "blip_checksum_errors_total %d\n", snap.ChecksumErrors)
	}
}
