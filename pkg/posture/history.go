package posture

import (
	"time"

	"gonum.org/v1/gonum/stat"
)

// DefaultRetention is how long history entries are kept.
const DefaultRetention = 2500 * time.Millisecond

// HistoryEntry is one (timestamp, metric) pair.
type HistoryEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Metric    float64   `json:"metric"`
}

// History is a time-windowed buffer of posture metrics used for the rolling
// comparison. Entries are expected in chronological order; out-of-order
// appends are tolerated at O(n) cost.
type History struct {
	retention time.Duration
	entries   []HistoryEntry
	sorted    bool
}

// NewHistory creates an empty history with the given retention window.
func NewHistory(retention time.Duration) *History {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &History{retention: retention, sorted: true}
}

// Append adds an entry and evicts everything older than the retention
// window relative to ts.
func (h *History) Append(ts time.Time, metric float64) {
	if n := len(h.entries); n > 0 && ts.Before(h.entries[n-1].Timestamp) {
		h.sorted = false
	}
	h.entries = append(h.entries, HistoryEntry{Timestamp: ts, Metric: metric})

	cutoff := ts.Add(-h.retention)
	if h.sorted {
		i := 0
		for i < len(h.entries) && h.entries[i].Timestamp.Before(cutoff) {
			i++
		}
		h.entries = h.entries[i:]
		return
	}

	kept := h.entries[:0]
	for _, e := range h.entries {
		if !e.Timestamp.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	h.entries = kept
}

// AverageBefore returns the mean metric of the entries strictly older than
// cutoff, or false when there are none.
func (h *History) AverageBefore(cutoff time.Time) (float64, bool) {
	var values []float64
	for _, e := range h.entries {
		if e.Timestamp.Before(cutoff) {
			values = append(values, e.Metric)
		} else if h.sorted {
			break
		}
	}
	if len(values) == 0 {
		return 0, false
	}
	return stat.Mean(values, nil), true
}

// Clear drops every entry.
func (h *History) Clear() {
	h.entries = nil
	h.sorted = true
}

// Len returns the number of retained entries.
func (h *History) Len() int {
	return len(h.entries)
}

// Entries returns a copy of the retained entries.
func (h *History) Entries() []HistoryEntry {
	out := make([]HistoryEntry, len(h.entries))
	copy(out, h.entries)
	return out
}

// Retention returns the configured retention window.
func (h *History) Retention() time.Duration {
	return h.retention
}
