package store

import (
	"github.com/puzpuzpuz/xsync/v3"
	log "github.com/sirupsen/logrus"
)

// Store is the concurrent index from station id to Record. At most one
// Record is bound per id; insertion and conditional removal are atomic.
type Store struct {
	dir  string
	recs *xsync.MapOf[string, *Record]
}

// New returns an empty Store persisting under dir. Most callers want
// Open, which also recovers existing records.
func New(dir string) *Store {
	return &Store{
		dir:  dir,
		recs: xsync.NewMapOf[string, *Record](),
	}
}

// GetOrCreate returns the record bound to id, inserting a fresh blank
// record if none exists. Concurrent first-writers for the same id race;
// exactly one of them observes created == true.
func (s *Store) GetOrCreate(id string) (rec *Record, created bool) {
	rec, loaded := s.recs.LoadOrCompute(id, func() *Record {
		return newRecord(s.dir, id)
	})
	return rec, !loaded
}

// Get looks up a record without creating one.
func (s *Store) Get(id string) (*Record, bool) {
	return s.recs.Load(id)
}

// RemoveIfSame unbinds id only while it is still bound to exactly rec
// (pointer identity). A cleaner holding a stale record cannot erase a
// reinserted binding for the same station.
func (s *Store) RemoveIfSame(id string, rec *Record) bool {
	removed := false
	s.recs.Compute(id, func(cur *Record, loaded bool) (*Record, bool) {
		if loaded && cur == rec {
			removed = true
			return nil, true
		}
		return cur, !loaded
	})
	return removed
}

// Range iterates the index. The snapshot is weakly consistent: entries
// inserted during iteration may be missed and entries being removed may
// still be observed; neither breaks the walk.
func (s *Store) Range(fn func(id string, rec *Record) bool) {
	s.recs.Range(fn)
}

// Len returns the number of bound records.
func (s *Store) Len() int {
	return s.recs.Size()
}

// EvictExpired sweeps the index once, removing every record whose expiry
// predicate holds. Each record is checked and deleted under its own
// exclusive lock, so a concurrent merge either completes before the check
// (and refreshes the record) or reinserts after the removal.
func (s *Store) EvictExpired(nowMs int64, currentSeq uint64, policy ExpiryPolicy) int {
	evicted := 0
	s.recs.Range(func(id string, rec *Record) bool {
		rec.mu.Lock()
		if rec.expiredLocked(nowMs, currentSeq, policy) {
			rec.deleteFileLocked()
			s.RemoveIfSame(id, rec)
			evicted++
			log.WithFields(log.Fields{
				"station": id,
				"lamport": rec.lamport,
			}).Info("expired record evicted")
		}
		rec.mu.Unlock()
		return true
	})
	return evicted
}

// DropIfOwnedBy removes the record bound to id only when its last
// writer was the connection at (host, port). Called when that
// connection closes: a station's persistence is tied to the liveness of
// its most recent feeder. The origin check runs under the exclusive
// lock, so an intervening writer safely keeps the record.
func (s *Store) DropIfOwnedBy(id, host string, port int) bool {
	rec, ok := s.recs.Load(id)
	if !ok {
		return false
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.host != host || rec.port != port {
		return false
	}
	rec.deleteFileLocked()
	s.RemoveIfSame(id, rec)
	return true
}
