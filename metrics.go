package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ============================================================================
// Metrics Collector
// ============================================================================

const (
	MsgMetricsStarted  = "Metrics collector started"
	MsgMetricsStopped  = "Metrics collector stopped"
	MsgMetricsScanFail = "Failed to scan download cache: %v"
	MsgMetricsSnapshot = "guilds=%d queued=%d cache_files=%d cache_bytes=%d joins_ok=%d joins_failed=%d tracks=%d"
)

const metricsScanInterval = 60 * time.Second

// MetricEvent is a single counter bump fed to the collector.
type MetricEvent int

const (
	MetricJoinSucceeded MetricEvent = iota
	MetricJoinFailed
	MetricTrackQueued
	MetricTrackFinished
)

// MetricsSnapshot is a point-in-time copy of everything the collector
// tracks.
type MetricsSnapshot struct {
	JoinsSucceeded  int64
	JoinsFailed     int64
	TracksQueued    int64
	TracksFinished  int64
	ConnectedGuilds int
	QueuedTracks    int
	CacheFiles      int
	CacheBytes      int64
}

// metricsCollector is a single goroutine owning all counters; writers
// only touch the channel so there is no lock on the hot path.
type metricsCollector struct {
	events chan MetricEvent

	mu   sync.RWMutex
	snap MetricsSnapshot
}

var (
	metricsOnce      sync.Once
	metricsSingleton *metricsCollector
)

func getMetrics() *metricsCollector {
	metricsOnce.Do(func() {
		metricsSingleton = &metricsCollector{
			events: make(chan MetricEvent, 256),
		}
	})
	return metricsSingleton
}

// RecordMetric bumps a counter. Never blocks; a full buffer drops the
// event rather than stalling a playback path.
func RecordMetric(ev MetricEvent) {
	select {
	case getMetrics().events <- ev:
	default:
	}
}

// GetMetricsSnapshot returns the collector's current view.
func GetMetricsSnapshot() MetricsSnapshot {
	m := getMetrics()
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap
}

func init() {
	RegisterDaemon(LogMetrics, func(ctx context.Context) (bool, func(), func()) {
		m := getMetrics()
		return true, func() { m.run(ctx) }, func() {}
	})
}

// run consumes events and refreshes the gauge side (database counts,
// download cache size) every scan interval.
func (m *metricsCollector) run(ctx context.Context) {
	LogMetrics(MsgMetricsStarted)
	ticker := time.NewTicker(metricsScanInterval)
	defer ticker.Stop()

	m.refreshGauges(ctx)
	for {
		select {
		case <-ctx.Done():
			LogMetrics(MsgMetricsStopped)
			return
		case ev := <-m.events:
			m.mu.Lock()
			switch ev {
			case MetricJoinSucceeded:
				m.snap.JoinsSucceeded++
			case MetricJoinFailed:
				m.snap.JoinsFailed++
			case MetricTrackQueued:
				m.snap.TracksQueued++
			case MetricTrackFinished:
				m.snap.TracksFinished++
			}
			m.mu.Unlock()
		case <-ticker.C:
			m.refreshGauges(ctx)
		}
	}
}

func (m *metricsCollector) refreshGauges(ctx context.Context) {
	guilds, err := CountVoiceConnections(ctx)
	if err != nil {
		guilds = -1
	}
	queued, err := GetTotalQueueLength(ctx)
	if err != nil {
		queued = -1
	}
	files, bytes := scanDownloadCache()

	m.mu.Lock()
	m.snap.ConnectedGuilds = guilds
	m.snap.QueuedTracks = queued
	m.snap.CacheFiles = files
	m.snap.CacheBytes = bytes
	snap := m.snap
	m.mu.Unlock()

	LogMetrics(MsgMetricsSnapshot,
		snap.ConnectedGuilds, snap.QueuedTracks,
		snap.CacheFiles, snap.CacheBytes,
		snap.JoinsSucceeded, snap.JoinsFailed, snap.TracksFinished)
}

// scanDownloadCache walks the download directory counting finished
// audio files. Job directories in flight are skipped.
func scanDownloadCache() (int, int64) {
	base, err := resolveDownloadBase()
	if err != nil {
		return 0, 0
	}
	var files int
	var size int64
	walkErr := filepath.WalkDir(base, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != base && strings.HasPrefix(d.Name(), "job-") {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(d.Name(), ".mp3") {
			return nil
		}
		if info, err := d.Info(); err == nil {
			files++
			size += info.Size()
		}
		return nil
	})
	if walkErr != nil {
		LogMetrics(MsgMetricsScanFail, walkErr)
	}
	return files, size
}
