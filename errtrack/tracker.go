package errtrack

import (
	"encoding/json"
	"os"
	"sync"
	"time"
)

// Severity grades a recorded error.
type Severity string

const (
	SeverityWarning  Severity = "WARNING"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

// Entry is one recorded error.
type Entry struct {
	Time     time.Time         `json:"time"`
	Kind     Kind              `json:"kind"`
	Message  string            `json:"message"`
	Context  map[string]string `json:"context,omitempty"`
	Severity Severity          `json:"severity"`
}

// Alert describes a kind that crossed the alert policy.
type Alert struct {
	Kind          Kind    `json:"kind"`
	WindowCount   int     `json:"window_count"`
	RatePerMinute float64 `json:"rate_per_minute"`
	Last          Entry   `json:"last"`
}

// Sink receives alerts. Implementations must return quickly; delivery is
// already decoupled from Record by a buffered queue.
type Sink interface {
	Send(alert Alert)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Alert)

// Send calls f.
func (f SinkFunc) Send(alert Alert) { f(alert) }

// Config configures a Tracker.
type Config struct {
	// RingSize is the number of recent entries retained.
	// Default: 1000
	RingSize int

	// Window is the sliding window for counts and rates.
	// Default: 5 minutes
	Window time.Duration

	// AlertCount fires an alert when the window count exceeds it.
	// Default: 10
	AlertCount int

	// AlertRatePerMinute fires an alert when the per-minute rate exceeds it.
	// Default: 5
	AlertRatePerMinute float64

	// AlertCooldown is the minimum interval between alerts per kind.
	// Default: 5 minutes
	AlertCooldown time.Duration

	// Sink receives alerts. Default: discard.
	Sink Sink
}

// Tracker is the process-wide error accumulator. All mutating operations
// are O(1) under a single mutex; the alert sink runs on its own goroutine.
type Tracker struct {
	config Config

	mu         sync.Mutex
	total      int64
	counts     map[Kind]int64
	ring       []Entry
	ringNext   int
	ringFull   bool
	timestamps map[Kind][]time.Time
	lastAlert  map[Kind]time.Time

	alertCh chan Alert
	done    chan struct{}
	closeMu sync.Once
}

// NewTracker creates a tracker and starts its alert dispatcher.
func NewTracker(config Config) *Tracker {
	if config.RingSize <= 0 {
		config.RingSize = 1000
	}
	if config.Window <= 0 {
		config.Window = 5 * time.Minute
	}
	if config.AlertCount <= 0 {
		config.AlertCount = 10
	}
	if config.AlertRatePerMinute <= 0 {
		config.AlertRatePerMinute = 5
	}
	if config.AlertCooldown <= 0 {
		config.AlertCooldown = 5 * time.Minute
	}

	t := &Tracker{
		config:     config,
		counts:     make(map[Kind]int64),
		ring:       make([]Entry, config.RingSize),
		timestamps: make(map[Kind][]time.Time),
		lastAlert:  make(map[Kind]time.Time),
		alertCh:    make(chan Alert, 64),
		done:       make(chan struct{}),
	}

	go t.dispatch()
	return t
}

func (t *Tracker) dispatch() {
	for {
		select {
		case alert := <-t.alertCh:
			if t.config.Sink != nil {
				t.config.Sink.Send(alert)
			}
		case <-t.done:
			return
		}
	}
}

// Close stops the alert dispatcher. Recording after Close is still safe;
// alerts are simply dropped.
func (t *Tracker) Close() {
	t.closeMu.Do(func() { close(t.done) })
}

// Record registers an error occurrence. The context map carries structured
// details (symbol, endpoint); it must not contain credentials.
func (t *Tracker) Record(kind Kind, err error, context map[string]string, severity Severity) {
	if err == nil {
		return
	}

	now := time.Now()
	entry := Entry{
		Time:     now,
		Kind:     kind,
		Message:  err.Error(),
		Context:  context,
		Severity: severity,
	}

	t.mu.Lock()

	t.total++
	t.counts[kind]++

	t.ring[t.ringNext] = entry
	t.ringNext++
	if t.ringNext == len(t.ring) {
		t.ringNext = 0
		t.ringFull = true
	}

	ts := append(t.pruneLocked(kind, now), now)
	t.timestamps[kind] = ts

	alert, fire := t.evaluateAlertLocked(kind, entry, now)
	t.mu.Unlock()

	if fire {
		select {
		case t.alertCh <- alert:
		default:
			// Queue full: drop rather than block the recording path.
		}
	}
}

// pruneLocked drops window-expired timestamps for kind.
func (t *Tracker) pruneLocked(kind Kind, now time.Time) []time.Time {
	cutoff := now.Add(-t.config.Window)
	ts := t.timestamps[kind]
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	return ts[i:]
}

func (t *Tracker) evaluateAlertLocked(kind Kind, entry Entry, now time.Time) (Alert, bool) {
	count := len(t.timestamps[kind])
	rate := float64(count) / t.config.Window.Minutes()

	if count <= t.config.AlertCount && rate <= t.config.AlertRatePerMinute {
		return Alert{}, false
	}
	if last, ok := t.lastAlert[kind]; ok && now.Sub(last) < t.config.AlertCooldown {
		return Alert{}, false
	}

	t.lastAlert[kind] = now
	return Alert{
		Kind:          kind,
		WindowCount:   count,
		RatePerMinute: rate,
		Last:          entry,
	}, true
}

// Rate returns the errors-per-minute rate for kind over the window.
func (t *Tracker) Rate(kind Kind) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	ts := t.pruneLocked(kind, time.Now())
	t.timestamps[kind] = ts
	return float64(len(ts)) / t.config.Window.Minutes()
}

// Summary is a consistent snapshot of the tracker.
type Summary struct {
	Total         int64            `json:"total"`
	ByKind        map[Kind]int64   `json:"by_kind"`
	RatePerMinute map[Kind]float64 `json:"rate_per_minute"`
	Recent        []Entry          `json:"recent"`
}

// Summary returns totals, per-kind rates over the window, and the recent
// entries in chronological order.
func (t *Tracker) Summary() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	s := Summary{
		Total:         t.total,
		ByKind:        make(map[Kind]int64, len(t.counts)),
		RatePerMinute: make(map[Kind]float64, len(t.counts)),
	}
	for k, c := range t.counts {
		s.ByKind[k] = c
		ts := t.pruneLocked(k, now)
		t.timestamps[k] = ts
		s.RatePerMinute[k] = float64(len(ts)) / t.config.Window.Minutes()
	}

	s.Recent = t.recentLocked()
	return s
}

func (t *Tracker) recentLocked() []Entry {
	if !t.ringFull {
		out := make([]Entry, t.ringNext)
		copy(out, t.ring[:t.ringNext])
		return out
	}
	out := make([]Entry, 0, len(t.ring))
	out = append(out, t.ring[t.ringNext:]...)
	out = append(out, t.ring[:t.ringNext]...)
	return out
}

// Export writes a JSON snapshot of the summary to path.
func (t *Tracker) Export(path string) error {
	data, err := json.MarshalIndent(t.Summary(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Clear resets all counters, the ring, and the alert state.
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.total = 0
	t.counts = make(map[Kind]int64)
	t.ring = make([]Entry, len(t.ring))
	t.ringNext = 0
	t.ringFull = false
	t.timestamps = make(map[Kind][]time.Time)
	t.lastAlert = make(map[Kind]time.Time)
}
