// Package clientmetrics counts traffic on one stream connection.
package clientmetrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// ClientMetrics is safe for one writer goroutine plus concurrent readers.
type ClientMetrics struct {
	mu          sync.Mutex
	connectTime time.Time

	framesSent   atomic.Int64
	framesRecv   atomic.Int64
	bytesSent    atomic.Int64
	bytesRecv    atomic.Int64
	decodeErrors atomic.Int64
	errors       atomic.Int64
}

func New() *ClientMetrics {
	return &ClientMetrics{}
}

// MarkConnected records the connection time.
func (m *ClientMetrics) MarkConnected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectTime = time.Now()
}

// Reset clears the connection time (used when disconnecting).
func (m *ClientMetrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectTime = time.Time{}
}

func (m *ClientMetrics) IncrementSent(bytes int64) {
	m.framesSent.Add(1)
	m.bytesSent.Add(bytes)
}

func (m *ClientMetrics) IncrementReceived(bytes int64) {
	m.framesRecv.Add(1)
	m.bytesRecv.Add(bytes)
}

func (m *ClientMetrics) IncrementDecodeErrors() { m.decodeErrors.Add(1) }

func (m *ClientMetrics) IncrementErrors() { m.errors.Add(1) }

// ConnectionDuration returns 0 if not connected.
func (m *ClientMetrics) ConnectionDuration() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connectTime.IsZero() {
		return 0
	}
	return time.Since(m.connectTime)
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	ConnectionDuration time.Duration `json:"connection_duration" yaml:"connection_duration"`
	FramesSent         int64         `json:"frames_sent" yaml:"frames_sent"`
	FramesReceived     int64         `json:"frames_received" yaml:"frames_received"`
	BytesSent          int64         `json:"bytes_sent" yaml:"bytes_sent"`
	BytesReceived      int64         `json:"bytes_received" yaml:"bytes_received"`
	DecodeErrors       int64         `json:"decode_errors" yaml:"decode_errors"`
	Errors             int64         `json:"errors" yaml:"errors"`
}

func (m *ClientMetrics) Snapshot() Snapshot {
	return Snapshot{
		ConnectionDuration: m.ConnectionDuration(),
		FramesSent:         m.framesSent.Load(),
		FramesReceived:     m.framesRecv.Load(),
		BytesSent:          m.bytesSent.Load(),
		BytesReceived:      m.bytesRecv.Load(),
		DecodeErrors:       m.decodeErrors.Load(),
		Errors:             m.errors.Load(),
	}
}

// Add returns the element-wise sum of two snapshots. ConnectionDuration keeps
// the longer of the two.
func (s Snapshot) Add(o Snapshot) Snapshot {
	return Snapshot{
		ConnectionDuration: max(s.ConnectionDuration, o.ConnectionDuration),
		FramesSent:         s.FramesSent + o.FramesSent,
		FramesReceived:     s.FramesReceived + o.FramesReceived,
		BytesSent:          s.BytesSent + o.BytesSent,
		BytesReceived:      s.BytesReceived + o.BytesReceived,
		DecodeErrors:       s.DecodeErrors + o.DecodeErrors,
		Errors:             s.Errors + o.Errors,
	}
}
