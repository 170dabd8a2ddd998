package admission

import "time"

const (
	MessagesPerSecond   = 15
	FileChunksPerSecond = 20
	RateWindow          = time.Second
)

// SlidingWindow counts events per key over a trailing window. It is not
// safe for concurrent use; the owning room serializes access.
type SlidingWindow struct {
	limit  int
	window time.Duration
	hits   map[string][]time.Time
}

func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{
		limit:  limit,
		window: window,
		hits:   make(map[string][]time.Time),
	}
}

// Allow records an event for key at now and reports whether it fits the limit.
// Rejected events are not recorded.
func (w *SlidingWindow) Allow(key string, now time.Time) bool {
	recent := trim(w.hits[key], now.Add(-w.window))
	if len(recent) >= w.limit {
		w.hits[key] = recent
		return false
	}
	w.hits[key] = append(recent, now)
	return true
}

// Forget drops all state for key.
func (w *SlidingWindow) Forget(key string) {
	delete(w.hits, key)
}

// GC removes keys with no events inside the window and returns how many
// were dropped.
func (w *SlidingWindow) GC(now time.Time) int {
	cutoff := now.Add(-w.window)
	removed := 0
	for key, ts := range w.hits {
		recent := trim(ts, cutoff)
		if len(recent) == 0 {
			delete(w.hits, key)
			removed++
			continue
		}
		w.hits[key] = recent
	}
	return removed
}

// Len reports the number of tracked keys.
func (w *SlidingWindow) Len() int { return len(w.hits) }

func trim(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	return ts[i:]
}

// IPCounter tracks live connections per source address. Like SlidingWindow
// it relies on the caller for locking.
type IPCounter struct {
	counts map[string]int
}

func NewIPCounter() *IPCounter {
	return &IPCounter{counts: make(map[string]int)}
}

func (c *IPCounter) Count(ip string) int { return c.counts[ip] }

func (c *IPCounter) Acquire(ip string) { c.counts[ip]++ }

func (c *IPCounter) Release(ip string) {
	if c.counts[ip] <= 1 {
		delete(c.counts, ip)
		return
	}
	c.counts[ip]--
}
