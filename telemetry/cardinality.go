package telemetry

import (
	"sync"
	"time"
)

// defaultLabelLimits caps distinct values per label across all
// instruments. Library labels are enumerations; operation carries
// caller-supplied names and gets headroom.
var defaultLabelLimits = map[string]int{
	"operation": 100,
	"outcome":   10,
	"event":     10,
}

const limiterCleanupInterval = 10 * time.Minute

// cardinalityLimiter folds label values beyond a per-label limit into
// "other" so a misbehaving caller cannot explode the metric space.
type cardinalityLimiter struct {
	limits map[string]int

	mu   sync.Mutex
	seen map[string]map[string]time.Time

	stopChan chan struct{}
	stopped  sync.Once
}

func newCardinalityLimiter(limits map[string]int) *cardinalityLimiter {
	l := &cardinalityLimiter{
		limits:   limits,
		seen:     make(map[string]map[string]time.Time),
		stopChan: make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// checkAndLimit returns value, or "other" once the label's distinct
// value count hits its limit. Unlimited labels pass through.
func (l *cardinalityLimiter) checkAndLimit(metricName, label, value string) string {
	limit, hasLimit := l.limits[label]
	if !hasLimit {
		return value
	}
	key := metricName + "." + label

	l.mu.Lock()
	defer l.mu.Unlock()
	values, ok := l.seen[key]
	if !ok {
		values = make(map[string]time.Time)
		l.seen[key] = values
	}
	if _, exists := values[value]; !exists && len(values) >= limit {
		return "other"
	}
	values[value] = time.Now()
	return value
}

func (l *cardinalityLimiter) stop() {
	l.stopped.Do(func() { close(l.stopChan) })
}

// cleanupLoop forgets values unseen for an hour so limits recover from
// transient bursts.
func (l *cardinalityLimiter) cleanupLoop() {
	ticker := time.NewTicker(limiterCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopChan:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-time.Hour)
			l.mu.Lock()
			for key, values := range l.seen {
				for v, last := range values {
					if last.Before(cutoff) {
						delete(values, v)
					}
				}
				if len(values) == 0 {
					delete(l.seen, key)
				}
			}
			l.mu.Unlock()
		}
	}
}
