package main

import (
	"log/slog"
	"sync/atomic"
	"time"
)

// SessionMetrics counts what happened during one recognition session.
// Counters are atomic so they may be read from any goroutine.
type SessionMetrics struct {
	// framesCaptured counts frames successfully read from the source.
	framesCaptured atomic.Int64
	// framesSkipped counts frames on which detection did not run.
	framesSkipped atomic.Int64
	// regionsDetected counts regions returned by the detector.
	regionsDetected atomic.Int64
	// regionsOutOfArea counts regions dropped by the area filter.
	regionsOutOfArea atomic.Int64
	// readingsRejected counts fused readings that failed plate validation.
	readingsRejected atomic.Int64
	// recognitionErrors counts failed preprocess/OCR combinations.
	recognitionErrors atomic.Int64
	// autoSaved and manualSaved count persisted plates by origin.
	autoSaved   atomic.Int64
	manualSaved atomic.Int64
	// saveFailures counts saves where the store or export write failed.
	saveFailures atomic.Int64
	// duplicates counts plates suppressed by the duplicate window.
	duplicates atomic.Int64
	// slowFrames counts frames exceeding the detection time budget.
	slowFrames atomic.Int64
	// startedAt is the session start in unix nanoseconds.
	startedAt atomic.Int64
}

// MetricsSnapshot is a point-in-time copy of SessionMetrics.
type MetricsSnapshot struct {
	FramesCaptured    int64
	FramesSkipped     int64
	RegionsDetected   int64
	RegionsOutOfArea  int64
	ReadingsRejected  int64
	RecognitionErrors int64
	AutoSaved         int64
	ManualSaved       int64
	SaveFailures      int64
	Duplicates        int64
	SlowFrames        int64
	Uptime            time.Duration
}

// Start marks the beginning of the session.
func (m *SessionMetrics) Start(at time.Time) {
	m.startedAt.Store(at.UnixNano())
}

// Snapshot copies the counters.
func (m *SessionMetrics) Snapshot(now time.Time) MetricsSnapshot {
	var uptime time.Duration
	if started := m.startedAt.Load(); started != 0 {
		uptime = now.Sub(time.Unix(0, started))
	}
	return MetricsSnapshot{
		FramesCaptured:    m.framesCaptured.Load(),
		FramesSkipped:     m.framesSkipped.Load(),
		RegionsDetected:   m.regionsDetected.Load(),
		RegionsOutOfArea:  m.regionsOutOfArea.Load(),
		ReadingsRejected:  m.readingsRejected.Load(),
		RecognitionErrors: m.recognitionErrors.Load(),
		AutoSaved:         m.autoSaved.Load(),
		ManualSaved:       m.manualSaved.Load(),
		SaveFailures:      m.saveFailures.Load(),
		Duplicates:        m.duplicates.Load(),
		SlowFrames:        m.slowFrames.Load(),
		Uptime:            uptime,
	}
}

// Saved returns the total number of persisted plates.
func (s MetricsSnapshot) Saved() int64 {
	return s.AutoSaved + s.ManualSaved
}

// LogAttrs returns the snapshot as slog attributes.
func (s MetricsSnapshot) LogAttrs() []any {
	return []any{
		"frames_captured", s.FramesCaptured,
		"frames_skipped", s.FramesSkipped,
		"regions_detected", s.RegionsDetected,
		"regions_out_of_area", s.RegionsOutOfArea,
		"readings_rejected", s.ReadingsRejected,
		"recognition_errors", s.RecognitionErrors,
		"auto_saved", s.AutoSaved,
		"manual_saved", s.ManualSaved,
		"save_failures", s.SaveFailures,
		"duplicates_suppressed", s.Duplicates,
		"slow_frames", s.SlowFrames,
		"uptime", s.Uptime.Round(time.Second),
	}
}

// metricsReporter logs a metrics report at most once per interval. It is
// polled from the frame loop instead of running on its own goroutine.
type metricsReporter struct {
	interval time.Duration
	last     time.Time
	logger   *slog.Logger
}

func newMetricsReporter(interval time.Duration, start time.Time, logger *slog.Logger) *metricsReporter {
	return &metricsReporter{interval: interval, last: start, logger: logger}
}

// maybeReport logs the snapshot and the current rate when the interval has
// elapsed. It reports whether a report was written.
func (r *metricsReporter) maybeReport(now time.Time, metrics *SessionMetrics, fps float64, trackedPlates int) bool {
	if r.interval <= 0 || now.Sub(r.last) < r.interval {
		return false
	}
	r.last = now

	attrs := metrics.Snapshot(now).LogAttrs()
	attrs = append(attrs, "fps", fps, "duplicate_window_size", trackedPlates)
	r.logger.Debug("Session metrics report", attrs...)
	return true
}
