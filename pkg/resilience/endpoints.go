package resilience

import (
	"fmt"
	"sync"
	"time"
)

// EndpointPool manages a set of backend base URLs with round-robin
// rotation and per-endpoint downtime awareness. Worker slots draw their
// endpoint from the pool at startup so replicas share load evenly.
type EndpointPool struct {
	mu        sync.Mutex
	endpoints []endpointEntry
	current   int
}

type endpointEntry struct {
	URL     string
	Down    bool      // Temporarily out of rotation
	RetryAt time.Time // When the endpoint may be probed again
}

// NewEndpointPool creates an endpoint pool from a list of base URLs.
func NewEndpointPool(urls []string) *EndpointPool {
	entries := make([]endpointEntry, len(urls))
	for i, u := range urls {
		entries[i] = endpointEntry{URL: u}
	}
	return &EndpointPool{endpoints: entries}
}

// Next returns the next available endpoint using round-robin selection,
// skipping endpoints currently marked down. Returns an error if every
// endpoint is down.
func (ep *EndpointPool) Next() (string, error) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	n := len(ep.endpoints)
	if n == 0 {
		return "", fmt.Errorf("endpoints: none configured")
	}

	now := time.Now()

	for i := 0; i < n; i++ {
		idx := (ep.current + i) % n
		entry := &ep.endpoints[idx]

		if entry.Down && now.After(entry.RetryAt) {
			entry.Down = false
		}

		if !entry.Down {
			ep.current = (idx + 1) % n
			return entry.URL, nil
		}
	}

	earliest := ep.endpoints[0].RetryAt
	for _, e := range ep.endpoints[1:] {
		if e.RetryAt.Before(earliest) {
			earliest = e.RetryAt
		}
	}

	return "", fmt.Errorf("endpoints: all down, earliest retry at %s", earliest.Format(time.RFC3339))
}

// MarkDown takes an endpoint out of rotation until retryAt.
func (ep *EndpointPool) MarkDown(url string, retryAt time.Time) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	for i := range ep.endpoints {
		if ep.endpoints[i].URL == url {
			ep.endpoints[i].Down = true
			ep.endpoints[i].RetryAt = retryAt
			return
		}
	}
}

// Size returns the number of endpoints in the pool.
func (ep *EndpointPool) Size() int {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return len(ep.endpoints)
}
