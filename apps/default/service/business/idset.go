package business

import "sync"

// processedIDSet remembers the identifiers of recently dispatched events so a
// replayed batch is not forwarded twice. Capacity-bounded with strict FIFO
// eviction: once full, observing a new identifier evicts exactly the oldest
// remembered one, regardless of how recently it was re-seen.
type processedIDSet struct {
	mu       sync.Mutex
	capacity int
	seen     map[string]struct{}
	order    []string
	head     int
}

func newProcessedIDSet(capacity int) *processedIDSet {
	if capacity <= 0 {
		capacity = 1
	}
	return &processedIDSet{
		capacity: capacity,
		seen:     make(map[string]struct{}, capacity),
		order:    make([]string, capacity),
	}
}

// Observe records id and reports true when it was not already remembered.
// A false return means the event is a duplicate and must be skipped.
func (p *processedIDSet) Observe(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, dup := p.seen[id]; dup {
		return false
	}

	if len(p.seen) == p.capacity {
		oldest := p.order[p.head]
		delete(p.seen, oldest)
	}
	p.order[p.head] = id
	p.head = (p.head + 1) % p.capacity
	p.seen[id] = struct{}{}
	return true
}

// Contains reports whether id is currently remembered.
func (p *processedIDSet) Contains(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.seen[id]
	return ok
}

// Len returns the number of remembered identifiers.
func (p *processedIDSet) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.seen)
}
