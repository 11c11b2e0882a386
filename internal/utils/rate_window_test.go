package utils

import (
	"testing"
	"time"
)

func TestRateWindow(t *testing.T) {
	window := NewRateWindow(5 * time.Second)
	now := time.Now()

	if count := window.Add("u1", now); count != 1 {
		t.Fatalf("expected 1, got %d", count)
	}
	window.Add("u1", now.Add(1*time.Second))
	if count := window.Add("u1", now.Add(2*time.Second)); count != 3 {
		t.Fatalf("expected 3, got %d", count)
	}
	if count := window.Add("u1", now.Add(8*time.Second)); count != 1 {
		t.Fatalf("expected expiry to 1, got %d", count)
	}
}

func TestRateWindowEvictsIdleKeys(t *testing.T) {
	window := NewRateWindow(5 * time.Second)
	now := time.Now()

	window.Add("u1", now)
	window.Add("u2", now.Add(10*time.Second))

	window.mu.Lock()
	defer window.mu.Unlock()
	if _, ok := window.hits["u1"]; ok {
		t.Fatal("expired key must be evicted")
	}
	if len(window.hits) != 1 {
		t.Fatalf("expected 1 live key, got %d", len(window.hits))
	}
}

func TestRateWindowKeysIndependent(t *testing.T) {
	window := NewRateWindow(5 * time.Second)
	now := time.Now()

	window.Add("u1", now)
	window.Add("u1", now)
	if count := window.Add("u2", now); count != 1 {
		t.Fatalf("expected independent key count 1, got %d", count)
	}
}
