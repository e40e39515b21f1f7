package core

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// ProductionLogger is the default structured logger. It writes JSON when
// running inside Kubernetes (or when configured) and human-readable text
// otherwise, filters by level, and rate-limits the error path so a failing
// engine cannot flood the logs.
type ProductionLogger struct {
	level     string
	format    string
	component string
	output    io.Writer
	mu        sync.RWMutex

	errLimiter *rateLimiter
}

// NewProductionLogger creates a logger for the given component.
// Level and format come from cfg; format auto-detects Kubernetes when
// unset (KUBERNETES_SERVICE_HOST present selects JSON).
func NewProductionLogger(cfg *Config, component string) *ProductionLogger {
	level := "INFO"
	format := "text"
	if cfg != nil {
		if cfg.LogLevel != "" {
			level = cfg.LogLevel
		}
		if cfg.LogFormat != "" {
			format = cfg.LogFormat
		}
	}
	if cfg == nil || cfg.LogFormat == "" {
		if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
			format = "json"
		}
	}

	return &ProductionLogger{
		level:      strings.ToUpper(level),
		format:     format,
		component:  component,
		output:     os.Stdout,
		errLimiter: newRateLimiter(time.Second),
	}
}

// WithComponent returns a copy of the logger attributed to component.
func (l *ProductionLogger) WithComponent(component string) *ProductionLogger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return &ProductionLogger{
		level:      l.level,
		format:     l.format,
		component:  component,
		output:     l.output,
		errLimiter: newRateLimiter(time.Second),
	}
}

// SetOutput changes the output writer (useful for testing).
func (l *ProductionLogger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
}

// Info logs informational messages
func (l *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	l.log("INFO", msg, fields)
}

// Warn logs warning messages
func (l *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	l.log("WARN", msg, fields)
}

// Error logs error messages with rate limiting
func (l *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	if l.errLimiter != nil && !l.errLimiter.allow() {
		return
	}
	l.log("ERROR", msg, fields)
}

// Debug logs debug messages
func (l *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	l.log("DEBUG", msg, fields)
}

var logLevels = map[string]int{
	"DEBUG": 0,
	"INFO":  1,
	"WARN":  2,
	"ERROR": 3,
}

func (l *ProductionLogger) log(level, msg string, fields map[string]interface{}) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	current, ok1 := logLevels[l.level]
	message, ok2 := logLevels[level]
	if ok1 && ok2 && message < current {
		return
	}

	timestamp := time.Now().Format(time.RFC3339)
	if l.format == "json" {
		l.logJSON(timestamp, level, msg, fields)
	} else {
		l.logText(timestamp, level, msg, fields)
	}
}

func (l *ProductionLogger) logJSON(timestamp, level, msg string, fields map[string]interface{}) {
	entry := map[string]interface{}{
		"timestamp": timestamp,
		"level":     level,
		"component": l.component,
		"message":   msg,
	}
	for k, v := range fields {
		if k != "timestamp" && k != "level" && k != "component" && k != "message" {
			entry[k] = v
		}
	}
	if data, err := json.Marshal(entry); err == nil {
		fmt.Fprintln(l.output, string(data))
	}
}

func (l *ProductionLogger) logText(timestamp, level, msg string, fields map[string]interface{}) {
	var sb strings.Builder
	if len(fields) > 0 {
		sb.WriteString(" ")
		// Common fields first for readability
		for _, k := range []string{"operation", "execution_id", "error"} {
			if v, ok := fields[k]; ok {
				fmt.Fprintf(&sb, "%s=%v ", k, v)
			}
		}
		for k, v := range fields {
			switch k {
			case "operation", "execution_id", "error":
			default:
				fmt.Fprintf(&sb, "%s=%v ", k, v)
			}
		}
	}
	fmt.Fprintf(l.output, "%s [%s] [%s] %s%s\n", timestamp, level, l.component, msg, sb.String())
}

// rateLimiter allows one event per interval.
type rateLimiter struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
}

func newRateLimiter(interval time.Duration) *rateLimiter {
	return &rateLimiter{interval: interval}
}

func (r *rateLimiter) allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	if now.Sub(r.last) < r.interval {
		return false
	}
	r.last = now
	return true
}
