package app

import (
	"sync"

	"github.com/RyoshiTheDev/speedtest-website/internal/data"
)

// History is a bounded, oldest-first buffer of completed results.
type History struct {
	mu       sync.RWMutex
	capacity int
	results  []data.TestResult
}

func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = 1
	}
	return &History{
		capacity: capacity,
		results:  make([]data.TestResult, 0, capacity),
	}
}

// Add appends r, evicting the oldest entry once the buffer is full.
func (h *History) Add(r data.TestResult) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.results) == h.capacity {
		copy(h.results, h.results[1:])
		h.results = h.results[:len(h.results)-1]
	}
	h.results = append(h.results, r)
}

// Recent returns a copy of the last n entries in the order they were added.
func (h *History) Recent(n int) []data.TestResult {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if n > len(h.results) {
		n = len(h.results)
	}
	if n < 0 {
		n = 0
	}
	out := make([]data.TestResult, n)
	copy(out, h.results[len(h.results)-n:])
	return out
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.results)
}
