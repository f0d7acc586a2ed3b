package pathsync

import (
	"sync/atomic"
	"time"

	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

// Metrics defines the interface for collecting and reporting synchronization statistics.
type Metrics interface {
	AddOutcome(r Result)
	AddBytesCompared(n int64)
	AddBytesWritten(n int64)
	AddDirsExcluded(n int64)
	AddEntriesProcessed(n int64)
	LogSummary(msg string)

	StartProgress(msg string, interval time.Duration)
	StopProgress()
}

// SyncMetrics holds the atomic counters for tracking a run's progress.
// It is the concrete implementation of the Metrics interface.
type SyncMetrics struct {
	FilesCreated     atomic.Int64
	FilesReplaced    atomic.Int64
	FilesUnchanged   atomic.Int64
	FilesDeleted     atomic.Int64
	FilesFailed      atomic.Int64
	DirsCreated      atomic.Int64
	DirsDeleted      atomic.Int64
	DirsFailed       atomic.Int64
	DirsExcluded     atomic.Int64
	BytesCompared    atomic.Int64
	BytesWritten     atomic.Int64
	EntriesProcessed atomic.Int64

	stopChan  chan struct{}
	startTime time.Time
}

// AddOutcome counts r under its outcome.
func (m *SyncMetrics) AddOutcome(r Result) {
	if r.IsDir {
		switch r.Outcome {
		case Created:
			m.DirsCreated.Add(1)
		case Deleted:
			m.DirsDeleted.Add(1)
		case Failed:
			m.DirsFailed.Add(1)
		}
		return
	}
	switch r.Outcome {
	case Created:
		m.FilesCreated.Add(1)
	case Replaced:
		m.FilesReplaced.Add(1)
	case Unchanged:
		m.FilesUnchanged.Add(1)
	case Deleted:
		m.FilesDeleted.Add(1)
	case Failed:
		m.FilesFailed.Add(1)
	}
}

func (m *SyncMetrics) AddBytesCompared(n int64)    { m.BytesCompared.Add(n) }
func (m *SyncMetrics) AddBytesWritten(n int64)     { m.BytesWritten.Add(n) }
func (m *SyncMetrics) AddDirsExcluded(n int64)     { m.DirsExcluded.Add(n) }
func (m *SyncMetrics) AddEntriesProcessed(n int64) { m.EntriesProcessed.Add(n) }

// Failures returns the number of failed files and directories.
func (m *SyncMetrics) Failures() int64 {
	return m.FilesFailed.Load() + m.DirsFailed.Load()
}

func (m *SyncMetrics) StartProgress(msg string, interval time.Duration) {
	m.startTime = time.Now()
	if interval <= 0 {
		return
	}
	m.stopChan = make(chan struct{})
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.LogSummary(msg)
			case <-m.stopChan:
				return
			}
		}
	}()
}

func (m *SyncMetrics) StopProgress() {
	if m.stopChan != nil {
		close(m.stopChan)
		m.stopChan = nil
	}
}

// LogSummary prints the counters with a custom message.
// This can be called by a background ticker or at the end of the run.
func (m *SyncMetrics) LogSummary(msg string) {
	duration := time.Duration(0)
	if !m.startTime.IsZero() {
		duration = time.Since(m.startTime)
	}

	plog.Info(msg,
		"entries_processed", m.EntriesProcessed.Load(),
		"files_created", m.FilesCreated.Load(),
		"files_replaced", m.FilesReplaced.Load(),
		"files_unchanged", m.FilesUnchanged.Load(),
		"files_deleted", m.FilesDeleted.Load(),
		"files_failed", m.FilesFailed.Load(),
		"dirs_created", m.DirsCreated.Load(),
		"dirs_deleted", m.DirsDeleted.Load(),
		"dirs_excluded", m.DirsExcluded.Load(),
		"bytes_compared", util.ByteCountIEC(m.BytesCompared.Load()),
		"bytes_written", util.ByteCountIEC(m.BytesWritten.Load()),
		"duration", duration.Round(time.Millisecond),
	)
}

// NoopMetrics is an implementation of the Metrics interface that performs no operations.
// It can be used to disable metrics collection without changing the calling code.
type NoopMetrics struct{}

func (m *NoopMetrics) AddOutcome(r Result)                              {}
func (m *NoopMetrics) AddBytesCompared(n int64)                         {}
func (m *NoopMetrics) AddBytesWritten(n int64)                          {}
func (m *NoopMetrics) AddDirsExcluded(n int64)                          {}
func (m *NoopMetrics) AddEntriesProcessed(n int64)                      {}
func (m *NoopMetrics) LogSummary(msg string)                            {}
func (m *NoopMetrics) StartProgress(msg string, interval time.Duration) {}
func (m *NoopMetrics) StopProgress()                                    {}

// Statically assert that our types implement the interface.
var _ Metrics = (*SyncMetrics)(nil)
var _ Metrics = (*NoopMetrics)(nil)
