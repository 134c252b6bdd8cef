package session

import (
	"sync"
	"time"
)

// TransferProgress tracks one file's inbound transfer on a session,
// adapted from the teacher's DownloadTracker: since this protocol drives
// chunks strictly sequentially over a single session rather than assigning
// chunks across multiple peers, there is no per-chunk/per-peer bookkeeping
// here — just bytes written against the file's total size and a rolling
// speed estimate.
type TransferProgress struct {
	mu sync.RWMutex

	PathName  string
	FileSize  uint64
	Written   uint64
	StartTime time.Time
	EndTime   time.Time
	Failed    bool

	lastBytes   uint64
	lastTime    time.Time
	speedBytesS float64
}

// NewTransferProgress begins tracking a transfer of pathName, fileSize bytes.
func NewTransferProgress(pathName string, fileSize uint64) *TransferProgress {
	now := time.Now()
	return &TransferProgress{
		PathName:  pathName,
		FileSize:  fileSize,
		StartTime: now,
		lastTime:  now,
	}
}

// Advance records that the session just wrote up to writtenTotal bytes.
func (tp *TransferProgress) Advance(writtenTotal uint64) {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	if writtenTotal > tp.Written {
		tp.Written = writtenTotal
	}
	now := time.Now()
	elapsed := now.Sub(tp.lastTime).Seconds()
	if elapsed >= 0.5 {
		diff := tp.Written - tp.lastBytes
		if elapsed > 0 {
			tp.speedBytesS = float64(diff) / elapsed
		}
		tp.lastBytes = tp.Written
		tp.lastTime = now
	}
}

// MarkComplete records the transfer as finished successfully.
func (tp *TransferProgress) MarkComplete() {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	tp.EndTime = time.Now()
}

// MarkFailed records the transfer as aborted.
func (tp *TransferProgress) MarkFailed() {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	tp.Failed = true
	tp.EndTime = time.Now()
}

// Snapshot returns a consistent read of the tracker's fields.
func (tp *TransferProgress) Snapshot() (written, total uint64, speed float64, eta time.Duration, failed bool) {
	tp.mu.RLock()
	defer tp.mu.RUnlock()

	written, total, speed, failed = tp.Written, tp.FileSize, tp.speedBytesS, tp.Failed
	remaining := int64(tp.FileSize) - int64(tp.Written)
	if speed > 0 && remaining > 0 {
		eta = time.Duration(float64(remaining)/speed) * time.Second
	}
	return
}

// IsComplete reports whether every byte of the file has been written.
func (tp *TransferProgress) IsComplete() bool {
	tp.mu.RLock()
	defer tp.mu.RUnlock()
	return tp.Written >= tp.FileSize
}

// Elapsed returns the duration since the transfer started, frozen at
// EndTime once the transfer has finished.
func (tp *TransferProgress) Elapsed() time.Duration {
	tp.mu.RLock()
	defer tp.mu.RUnlock()
	if !tp.EndTime.IsZero() {
		return tp.EndTime.Sub(tp.StartTime)
	}
	return time.Since(tp.StartTime)
}
