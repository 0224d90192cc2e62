package build

import (
	"sync"
	"time"
)

// durationSamples is how many recent compile durations feed the percentiles.
const durationSamples = 256

// BuildMetrics tracks build outcomes for the health endpoint.
type BuildMetrics struct {
	TotalBuilds      int64         `json:"total_builds"`
	SuccessfulBuilds int64         `json:"successful_builds"`
	FailedBuilds     int64         `json:"failed_builds"`
	CancelledBuilds  int64         `json:"cancelled_builds"`
	CacheHits        int64         `json:"cache_hits"`
	AverageDuration  time.Duration `json:"average_duration_ns"`
	P50Duration      time.Duration `json:"p50_duration_ns"`
	P95Duration      time.Duration `json:"p95_duration_ns"`
	TotalDuration    time.Duration `json:"-"`
	recent           *durationWindow
	mutex            sync.RWMutex
}

// NewBuildMetrics creates a new build metrics tracker
func NewBuildMetrics() *BuildMetrics {
	return &BuildMetrics{recent: newDurationWindow(durationSamples)}
}

// RecordBuild records one finished build. Fast path hits count as cache hits
// and do not contribute to the average duration.
func (bm *BuildMetrics) RecordBuild(duration time.Duration, err error, cacheHit bool) {
	bm.mutex.Lock()
	defer bm.mutex.Unlock()

	bm.TotalBuilds++

	switch {
	case cacheHit:
		bm.CacheHits++
		bm.SuccessfulBuilds++
		return
	case err == nil:
		bm.SuccessfulBuilds++
	case isCancelled(err):
		bm.CancelledBuilds++
	default:
		bm.FailedBuilds++
	}

	bm.TotalDuration += duration
	bm.recent.Add(duration)
	if compiled := bm.TotalBuilds - bm.CacheHits; compiled > 0 {
		bm.AverageDuration = bm.TotalDuration / time.Duration(compiled)
	}
}

// GetSnapshot returns a snapshot of current metrics
func (bm *BuildMetrics) GetSnapshot() BuildMetrics {
	bm.mutex.RLock()
	defer bm.mutex.RUnlock()
	// Return a copy without the mutex to avoid lock copying issues
	return BuildMetrics{
		TotalBuilds:      bm.TotalBuilds,
		SuccessfulBuilds: bm.SuccessfulBuilds,
		FailedBuilds:     bm.FailedBuilds,
		CancelledBuilds:  bm.CancelledBuilds,
		CacheHits:        bm.CacheHits,
		AverageDuration:  bm.AverageDuration,
		P50Duration:      bm.recent.Percentile(50),
		P95Duration:      bm.recent.Percentile(95),
		TotalDuration:    bm.TotalDuration,
	}
}

// GetCacheHitRate returns the cache hit rate as a percentage
func (bm *BuildMetrics) GetCacheHitRate() float64 {
	bm.mutex.RLock()
	defer bm.mutex.RUnlock()

	if bm.TotalBuilds == 0 {
		return 0.0
	}

	return float64(bm.CacheHits) / float64(bm.TotalBuilds) * 100.0
}
