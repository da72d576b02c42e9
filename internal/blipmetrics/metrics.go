// Package blipmetrics provides lightweight internal counters for a running
// BLIP engine, exported in Prometheus text format. Generalized from
// strand-cloud/pkg/observability's control-plane counters (requests, nodes,
// routes) to per-connection BLIP counters (frames, bytes, in-flight
// messages, acks) — same hand-rolled fmt.Fprintf exposition, no external
// Prometheus client library.
package blipmetrics

import "sync/atomic"

// Metrics holds atomic counters for one BLIP connection or engine.
type Metrics struct {
	framesSent      atomic.Int64
	framesReceived  atomic.Int64
	bytesSentWire   atomic.Int64
	bytesSentRaw    atomic.Int64
	bytesRecvWire   atomic.Int64
	bytesRecvRaw    atomic.Int64
	outgoingActive  atomic.Int64
	incomingActive  atomic.Int64
	acksSent        atomic.Int64
	acksReceived    atomic.Int64
	checksumErrors  atomic.Int64
}

// NewMetrics returns a zero-initialised Metrics.
func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) FrameSent(wireBytes, rawBytes int) {
	m.framesSent.Add(1)
	m.bytesSentWire.Add(int64(wireBytes))
	m.bytesSentRaw.Add(int64(rawBytes))
}

func (m *Metrics) FrameReceived(wireBytes, rawBytes int) {
	m.framesReceived.Add(1)
	m.bytesRecvWire.Add(int64(wireBytes))
	m.bytesRecvRaw.Add(int64(rawBytes))
}

func (m *Metrics) OutgoingStarted() { m.outgoingActive.Add(1) }
func (m *Metrics) OutgoingFinished() { m.outgoingActive.Add(-1) }
func (m *Metrics) IncomingStarted() { m.incomingActive.Add(1) }
func (m *Metrics) IncomingFinished() { m.incomingActive.Add(-1) }
func (m *Metrics) AckSent()         { m.acksSent.Add(1) }
func (m *Metrics) AckReceived()     { m.acksReceived.Add(1) }
func (m *Metrics) ChecksumError()   { m.checksumErrors.Add(1) }

// Snapshot is a point-in-time copy of every counter, keyed the way
// Handler expects to find them.
type Snapshot struct {
	FramesSent     int64
	FramesReceived int64
	BytesSentWire  int64
	BytesSentRaw   int64
	BytesRecvWire  int64
	BytesRecvRaw   int64
	OutgoingActive int64
	IncomingActive int64
	AcksSent       int64
	AcksReceived   int64
	ChecksumErrors int64
}

func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		FramesSent:     m.framesSent.Load(),
		FramesReceived: m.framesReceived.Load(),
		BytesSentWire:  m.bytesSentWire.Load(),
		BytesSentRaw:   m.bytesSentRaw.Load(),
		BytesRecvWire:  m.bytesRecvWire.Load(),
		BytesRecvRaw:   m.bytesRecvRaw.Load(),
		OutgoingActive: m.outgoingActive.Load(),
		IncomingActive: m.incomingActive.Load(),
		AcksSent:       m.acksSent.Load(),
		AcksReceived:   m.acksReceived.Load(),
		ChecksumErrors: m.checksumErrors.Load(),
	}
}
