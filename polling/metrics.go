package polling

import (
	"sync"
	"time"

	"github.com/unfazed-dev/n8nkit/core"
)

// intervalWindow caps the sliding window of recent poll intervals.
const intervalWindow = 20

// Metrics is a point-in-time view of one polling session.
type Metrics struct {
	ExecutionID     string
	TotalPolls      int64
	SuccessfulPolls int64
	FailedPolls     int64
	TotalTime       time.Duration
	AverageInterval time.Duration
	RecentIntervals []time.Duration
	StatusCounts    map[string]int64
	StartTime       time.Time
	EndTime         time.Time
}

// SuccessRate reports successful polls over total polls, 0 when idle.
func (m Metrics) SuccessRate() float64 {
	if m.TotalPolls == 0 {
		return 0
	}
	return float64(m.SuccessfulPolls) / float64(m.TotalPolls)
}

// ErrorRate reports failed polls over total polls, 0 when idle.
func (m Metrics) ErrorRate() float64 {
	if m.TotalPolls == 0 {
		return 0
	}
	return float64(m.FailedPolls) / float64(m.TotalPolls)
}

// metricsState accumulates poll outcomes under a mutex. One per
// session; it survives the session so callers can inspect frozen
// metrics after Stop.
type metricsState struct {
	mu           sync.Mutex
	executionID  string
	totalPolls   int64
	successful   int64
	failed       int64
	intervals    []time.Duration
	statusCounts map[string]int64
	startTime    time.Time
	endTime      time.Time
	lastPollAt   time.Time
}

func newMetricsState(executionID string, now time.Time) *metricsState {
	return &metricsState{
		executionID:  executionID,
		statusCounts: make(map[string]int64),
		startTime:    now,
	}
}

// recordPoll logs one probe outcome and the elapsed interval since the
// previous poll. The interval window is capped at intervalWindow.
func (m *metricsState) recordPoll(success bool, status core.ExecutionStatus, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalPolls++
	if success {
		m.successful++
		m.statusCounts[string(status)]++
	} else {
		m.failed++
	}

	if !m.lastPollAt.IsZero() {
		m.intervals = append(m.intervals, now.Sub(m.lastPollAt))
		if len(m.intervals) > intervalWindow {
			m.intervals = m.intervals[len(m.intervals)-intervalWindow:]
		}
	}
	m.lastPollAt = now
}

func (m *metricsState) freeze(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.endTime.IsZero() {
		m.endTime = now
	}
}

func (m *metricsState) rates() (success, failure float64, polls int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.totalPolls == 0 {
		return 0, 0, 0
	}
	return float64(m.successful) / float64(m.totalPolls),
		float64(m.failed) / float64(m.totalPolls),
		m.totalPolls
}

func (m *metricsState) snapshot(now time.Time) Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	var avg time.Duration
	if len(m.intervals) > 0 {
		var sum time.Duration
		for _, d := range m.intervals {
			sum += d
		}
		avg = sum / time.Duration(len(m.intervals))
	}

	end := m.endTime
	total := now.Sub(m.startTime)
	if !end.IsZero() {
		total = end.Sub(m.startTime)
	}

	counts := make(map[string]int64, len(m.statusCounts))
	for k, v := range m.statusCounts {
		counts[k] = v
	}
	intervals := make([]time.Duration, len(m.intervals))
	copy(intervals, m.intervals)

	return Metrics{
		ExecutionID:     m.executionID,
		TotalPolls:      m.totalPolls,
		SuccessfulPolls: m.successful,
		FailedPolls:     m.failed,
		TotalTime:       total,
		AverageInterval: avg,
		RecentIntervals: intervals,
		StatusCounts:    counts,
		StartTime:       m.startTime,
		EndTime:         end,
	}
}
