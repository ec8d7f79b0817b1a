// Package clock keeps the aggregator's two process-wide scalars: the
// Lamport timestamp and the global update sequence.
//
// A Lamport clock gives every message a position in a causal order
// without trusting wall clocks. The rule is small:
//
//   - on receiving a message carrying peer value P, set
//     local = max(local, P) + 1
//   - on a purely local event, set local = local + 1
//
// The update sequence counts admitted writes across the whole store. It
// is the yardstick for "staleness in traffic": a record untouched through
// many cluster-wide writes is stale even if it is not old.
//
// Both scalars live behind a single mutex so that a write observing
// (lamport, seq) sees a consistent pair, and the series of pairs handed
// to admitted writes is a total order.
package clock

import "sync"

// Clock is safe for concurrent use. The zero value is ready: Lamport 0,
// update sequence 0.
type Clock struct {
	mu      sync.Mutex
	lamport int64
	updates uint64
}

// New returns a Clock starting at zero.
func New() *Clock {
	return &Clock{}
}

// Init seeds both scalars. Called once at bootstrap, before the clock is
// shared, with the maxima recovered from disk.
func (c *Clock) Init(lamport int64, updates uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lamport = lamport
	c.updates = updates
}

// TickForRequest advances the Lamport clock past the peer's value and
// returns the new local value.
func (c *Clock) TickForRequest(peer int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if peer > c.lamport {
		c.lamport = peer
	}
	c.lamport++
	return c.lamport
}

// TickForInternal advances the Lamport clock for a local event with no
// peer value, e.g. the response to a frame that could not be parsed.
func (c *Clock) TickForInternal() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lamport++
	return c.lamport
}

// TickAndBumpForPut admits one write: it advances the Lamport clock past
// the peer's value and assigns the next update sequence in the same
// critical section, so the (lamport, seq) pairs of admitted writes are
// totally ordered and no two writes share a sequence number.
func (c *Clock) TickAndBumpForPut(peer int64) (lamport int64, seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if peer > c.lamport {
		c.lamport = peer
	}
	c.lamport++
	c.updates++
	return c.lamport, c.updates
}

// Now reads the current Lamport value without advancing it.
func (c *Clock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lamport
}

// UpdateSeq reads the current update sequence.
func (c *Clock) UpdateSeq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updates
}
