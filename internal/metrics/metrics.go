// Package metrics tracks purely observational counters generalized from the
// teacher's pkg/monitor: bytes transferred, transfer outcomes, session
// counts, and runtime stats, surfaced periodically through internal/logging.
// Nothing here gates protocol behavior.
package metrics

import (
	"runtime"
	"sync/atomic"
	"time"

	"github.com/foldersync/node/internal/logging"
)

// Metrics holds process-wide atomic counters.
type Metrics struct {
	BytesSent         int64
	BytesReceived     int64
	TransfersComplete int64
	TransfersFailed   int64
	ActiveSessions    int64
	HandshakesRefused int64
	started           time.Time
}

// Global is the process-wide metrics instance.
var Global = &Metrics{started: time.Now()}

func (m *Metrics) AddBytesSent(n int64)      { atomic.AddInt64(&m.BytesSent, n) }
func (m *Metrics) AddBytesReceived(n int64)  { atomic.AddInt64(&m.BytesReceived, n) }
func (m *Metrics) TransferCompleted()        { atomic.AddInt64(&m.TransfersComplete, 1) }
func (m *Metrics) TransferFailed()           { atomic.AddInt64(&m.TransfersFailed, 1) }
func (m *Metrics) SessionOpened()            { atomic.AddInt64(&m.ActiveSessions, 1) }
func (m *Metrics) SessionClosed()            { atomic.AddInt64(&m.ActiveSessions, -1) }
func (m *Metrics) HandshakeRefused()         { atomic.AddInt64(&m.HandshakesRefused, 1) }

// LogPeriodic logs a snapshot of runtime and transfer metrics on the given
// interval until ctx-equivalent done channel closes. Stop by closing done.
func LogPeriodic(interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)

			elapsed := time.Since(Global.started).Seconds()
			var throughputMBs float64
			if elapsed > 0 {
				throughputMBs = float64(atomic.LoadInt64(&Global.BytesSent)+atomic.LoadInt64(&Global.BytesReceived)) / elapsed / 1024 / 1024
			}

			logging.Sugar.Infow("runtime metrics",
				"goroutines", runtime.NumGoroutine(),
				"heapAllocMB", mem.HeapAlloc/1024/1024,
				"heapSysMB", mem.HeapSys/1024/1024,
				"throughputMBs", throughputMBs,
				"activeSessions", atomic.LoadInt64(&Global.ActiveSessions),
				"transfersComplete", atomic.LoadInt64(&Global.TransfersComplete),
				"transfersFailed", atomic.LoadInt64(&Global.TransfersFailed),
				"handshakesRefused", atomic.LoadInt64(&Global.HandshakesRefused),
			)
		}
	}
}
