package utils

import (
	"sync"
	"time"
)

// RateWindow counts events per key inside a sliding time window.
type RateWindow struct {
	mu     sync.Mutex
	window time.Duration
	hits   map[string][]time.Time
}

func NewRateWindow(window time.Duration) *RateWindow {
	return &RateWindow{window: window, hits: make(map[string][]time.Time)}
}

// Add records an event for the key and returns how many events remain inside
// the window, including this one. Keys whose events have all expired are
// evicted so the map does not grow with every key ever seen.
func (w *RateWindow) Add(key string, now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-w.window)
	for other, hits := range w.hits {
		if other != key && !hits[len(hits)-1].After(cutoff) {
			delete(w.hits, other)
		}
	}

	hits := w.hits[key]
	idx := 0
	for _, hit := range hits {
		if hit.After(cutoff) {
			break
		}
		idx++
	}
	hits = append(hits[idx:], now)
	w.hits[key] = hits
	return len(hits)
}
