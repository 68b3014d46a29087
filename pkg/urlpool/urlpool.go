// Package urlpool implements the ranked set of KMS endpoints used by the
// request engine's failover scheme: a min-heap ordered by failure counts so
// that the healthiest endpoint is always examined first.
package urlpool

import (
	"container/heap"
	"strings"
	"sync"
)

// Endpoint is a single KMS URL together with its monotone accounting
// counters. Counters only ever increase; there is no decay.
type Endpoint struct {
	URL string

	Requests              uint64
	FailedResponses       uint64
	ResponseParseFailures uint64
}

// NewEndpoint builds an Endpoint for url, normalizing it the way Discovery
// does: trimmed, with any trailing slashes removed.
func NewEndpoint(url string) *Endpoint {
	return &Endpoint{URL: normalize(url)}
}

func normalize(url string) string {
	url = strings.TrimSpace(url)
	for strings.HasSuffix(url, "/") {
		url = url[:len(url)-1]
	}
	return url
}

// less implements the Endpoint order from spec §3: an endpoint precedes
// another iff it has strictly fewer failed responses; ties are broken by
// fewer response-parse failures.
func less(a, b *Endpoint) bool {
	if a.FailedResponses != b.FailedResponses {
		return a.FailedResponses < b.FailedResponses
	}
	return a.ResponseParseFailures < b.ResponseParseFailures
}

// minHeap is the container/heap.Interface implementation backing Pool.
// Endpoints must never be mutated while they are inside the heap; the
// engine's staging-stack discipline (see kmsconnector.Engine) exists to
// enforce exactly that.
type minHeap []*Endpoint

func (h minHeap) Len() int            { return len(h) }
func (h minHeap) Less(i, j int) bool  { return less(h[i], h[j]) }
func (h minHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x interface{}) { *h = append(*h, x.(*Endpoint)) }
func (h *minHeap) Pop() interface{} {
	old := *h
	n := len(old)
	ep := old[n-1]
	*h = old[:n-1]
	return ep
}

// Pool is the ranked set of KMS endpoints described in spec §4.1. Its
// exported operations are push, pop, restore, size, drain.
//
// The connector dispatches each inbound RPC to its own worker goroutine, and
// every one of those workers pops and restores endpoints against this same
// Pool, so Pool guards its heap with a mutex. An Endpoint itself is never
// held by more than one caller at a time -- it is owned exclusively by
// whichever worker currently has it popped out -- so only the heap's backing
// slice, not the Endpoints it holds, needs the lock.
type Pool struct {
	mu   sync.Mutex
	heap minHeap
}

// New builds an empty pool.
func New() *Pool {
	p := &Pool{heap: minHeap{}}
	heap.Init(&p.heap)
	return p
}

// Push inserts a single endpoint.
func (p *Pool) Push(ep *Endpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	heap.Push(&p.heap, ep)
}

// PushURL is a convenience wrapper for Push(NewEndpoint(url)).
func (p *Pool) PushURL(url string) {
	p.Push(NewEndpoint(url))
}

// Pop removes and returns the minimum endpoint under the Endpoint order, or
// nil if the pool is empty.
func (p *Pool) Pop() *Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.heap.Len() == 0 {
		return nil
	}
	return heap.Pop(&p.heap).(*Endpoint)
}

// Restore bulk-pushes endpoints back into the pool. Used by the engine to
// return the staging stack after an attempt; discovery-driven and
// side-band refreshes repopulate the pool with Drain and PushURL instead.
func (p *Pool) Restore(endpoints []*Endpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ep := range endpoints {
		heap.Push(&p.heap, ep)
	}
}

// Size reports the number of endpoints currently in the pool.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.heap.Len()
}

// Drain removes and returns every endpoint currently in the pool, leaving
// it empty. Used for the "replace pool wholesale" semantics of discovery
// refresh and side-band URL refresh (spec §4.2, §4.5).
func (p *Pool) Drain() []*Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Endpoint, 0, p.heap.Len())
	for p.heap.Len() > 0 {
		out = append(out, heap.Pop(&p.heap).(*Endpoint))
	}
	return out
}

// Snapshot returns the endpoints currently in the pool without draining it,
// for diagnostics and tests. The returned slice is not heap-ordered.
func (p *Pool) Snapshot() []*Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Endpoint, len(p.heap))
	copy(out, p.heap)
	return out
}
