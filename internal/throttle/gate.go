// Package throttle bounds the rate of remote API submissions per key with a
// sliding window, so player event storms never translate into request storms.
package throttle

import (
	"sync"
	"time"
)

// Gate allows at most limit hits per key inside a sliding window.
type Gate struct {
	limit  int
	window time.Duration

	mu   sync.Mutex
	hits map[string][]time.Time

	done chan struct{}
	once sync.Once
}

func NewGate(limit int, window time.Duration) *Gate {
	g := &Gate{
		limit:  limit,
		window: window,
		hits:   make(map[string][]time.Time),
		done:   make(chan struct{}),
	}
	go g.cleanupLoop()
	return g
}

// Allow records a hit for key and reports whether it stays within the limit.
// Rejected hits are not recorded.
func (g *Gate) Allow(key string) bool {
	now := time.Now()
	cutoff := now.Add(-g.window)

	g.mu.Lock()
	defer g.mu.Unlock()

	kept := g.hits[key][:0]
	for _, t := range g.hits[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= g.limit {
		g.hits[key] = kept
		return false
	}
	g.hits[key] = append(kept, now)
	return true
}

// Stop ends the background cleanup. Allow remains usable afterwards.
func (g *Gate) Stop() {
	g.once.Do(func() { close(g.done) })
}

func (g *Gate) cleanupLoop() {
	ticker := time.NewTicker(g.window)
	defer ticker.Stop()
	for {
		select {
		case <-g.done:
			return
		case <-ticker.C:
			g.prune()
		}
	}
}

func (g *Gate) prune() {
	cutoff := time.Now().Add(-g.window)

	g.mu.Lock()
	defer g.mu.Unlock()

	for key, hits := range g.hits {
		kept := hits[:0]
		for _, t := range hits {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		if len(kept) == 0 {
			delete(g.hits, key)
			continue
		}
		g.hits[key] = kept
	}
}
