package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/idhini/internal/config"
)

// minSample is the per-tool execution count below which the failure rate
// is not evaluated.
const minSample = 5

// FailureDetector watches per-tool execution outcomes over a sliding
// window and logs when a tool's failure rate crosses the configured
// threshold. A spiking tool usually means an upstream system is down,
// not that users suddenly got unlucky.
type FailureDetector struct {
	mu        sync.Mutex
	failures  map[string]*slidingWindow
	successes map[string]*slidingWindow
	cfg       *config.AnomalyConfig
	logger    *slog.Logger
}

type slidingWindow struct {
	stamps []time.Time
	window time.Duration
}

// NewFailureDetector creates a FailureDetector from config.
func NewFailureDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *FailureDetector {
	return &FailureDetector{
		failures:  make(map[string]*slidingWindow),
		successes: make(map[string]*slidingWindow),
		cfg:       cfg,
		logger:    logger,
	}
}

func (d *FailureDetector) windowDuration() time.Duration {
	if d.cfg != nil && d.cfg.WindowSeconds > 0 {
		return time.Duration(d.cfg.WindowSeconds) * time.Second
	}
	return 5 * time.Minute
}

// RecordFailure records a failed execution of the named tool.
func (d *FailureDetector) RecordFailure(tool string) {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	d.window(d.failures, tool).add(time.Now())
	d.checkFailureRate(tool)
}

// RecordSuccess records a successful execution of the named tool.
func (d *FailureDetector) RecordSuccess(tool string) {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	d.window(d.successes, tool).add(time.Now())
}

// checkFailureRate logs when the tool's windowed failure rate exceeds
// the threshold. Must be called with d.mu held.
func (d *FailureDetector) checkFailureRate(tool string) {
	threshold := d.cfg.FailureRateThreshold
	if threshold <= 0 {
		return
	}

	now := time.Now()
	failed := float64(d.window(d.failures, tool).count(now))
	succeeded := float64(d.window(d.successes, tool).count(now))
	total := failed + succeeded

	if total < minSample {
		return
	}

	rate := failed / total
	if rate > threshold && d.logger != nil {
		d.logger.Warn("anomaly detected: tool failure rate high",
			slog.String("tool", tool),
			slog.Float64("failure_rate", rate),
			slog.Float64("threshold", threshold),
			slog.Float64("failures", failed),
			slog.Float64("total", total),
		)
	}
}

func (d *FailureDetector) window(m map[string]*slidingWindow, key string) *slidingWindow {
	w, ok := m[key]
	if !ok {
		w = &slidingWindow{window: d.windowDuration()}
		m[key] = w
	}
	return w
}

func (w *slidingWindow) add(now time.Time) {
	w.stamps = append(w.stamps, now)
	w.prune(now)
}

func (w *slidingWindow) count(now time.Time) int {
	w.prune(now)
	return len(w.stamps)
}

func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.stamps) && w.stamps[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = w.stamps[i:]
	}
}
