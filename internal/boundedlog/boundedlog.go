// Package boundedlog provides an append-only, capped, insertion-ordered log
// safe for concurrent readers.
package boundedlog

import "sync"

// DefaultCap is used when a log is created with a non-positive cap.
const DefaultCap = 1000

// Log holds at most Cap entries; appending beyond the cap evicts the oldest.
type Log[T any] struct {
	mu      sync.RWMutex
	entries []T
	cap     int
}

// New creates a log holding at most capacity entries.
func New[T any](capacity int) *Log[T] {
	if capacity <= 0 {
		capacity = DefaultCap
	}
	return &Log[T]{cap: capacity}
}

// Cap returns the maximum number of retained entries.
func (l *Log[T]) Cap() int {
	return l.cap
}

// Append adds entries in order and evicts the oldest ones past the cap.
func (l *Log[T]) Append(entries ...T) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entries...)
	l.trim()
}

// trim must be called with mu held.
func (l *Log[T]) trim() {
	if over := len(l.entries) - l.cap; over > 0 {
		kept := make([]T, l.cap)
		copy(kept, l.entries[over:])
		l.entries = kept
	}
}

// Snapshot returns a copy of the most recent limit entries in insertion
// order, or every entry when limit <= 0.
func (l *Log[T]) Snapshot(limit int) []T {
	l.mu.RLock()
	defer l.mu.RUnlock()
	start := 0
	if limit > 0 && len(l.entries) > limit {
		start = len(l.entries) - limit
	}
	out := make([]T, len(l.entries)-start)
	copy(out, l.entries[start:])
	return out
}

// Len returns the number of retained entries.
func (l *Log[T]) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Replace swaps the whole content, keeping only the newest entries past the cap.
func (l *Log[T]) Replace(entries []T) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append([]T(nil), entries...)
	l.trim()
}

// Clear drops every entry.
func (l *Log[T]) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
}

// Update calls fn on each entry from newest to oldest until fn returns true,
// under the write lock. It reports whether fn matched an entry. fn must not
// call back into the log.
func (l *Log[T]) Update(fn func(*T) bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.entries) - 1; i >= 0; i-- {
		if fn(&l.entries[i]) {
			return true
		}
	}
	return false
}

// Find returns a copy of the newest entry matching fn.
func (l *Log[T]) Find(fn func(T) bool) (T, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i := len(l.entries) - 1; i >= 0; i-- {
		if fn(l.entries[i]) {
			return l.entries[i], true
		}
	}
	var zero T
	return zero, false
}
