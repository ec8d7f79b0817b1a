// Package store contains the aggregator's canonical station state.
//
// Each weather station maps to one Record: the station's latest payload
// plus the metadata that decides merges and expiry. A Record is durable —
// every accepted write is committed to its own `<id>.json` document
// before the in-memory copy changes, using a temp-file write followed by
// an atomic rename, so the file on disk is always a complete document:
// either the previous committed state or the new one.
//
// Concurrency is split in two layers, records below the index:
//
//   - the Store index is a concurrent map with atomic insert-if-absent
//     and identity-conditional removal
//   - each Record carries its own reader/writer lock; merges and deletes
//     hold it exclusively across the disk commit, readers share it
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"
)

// ExpiryPolicy decides when a record is stale. A record expires when it
// is older than MaxAge, or when more than MaxLag writes have been
// admitted anywhere in the store since its own.
type ExpiryPolicy struct {
	MaxAge time.Duration
	MaxLag uint64
}

// DefaultExpiryPolicy returns the stock thresholds: 30 seconds of age or
// 20 cluster-wide updates of lag.
func DefaultExpiryPolicy() ExpiryPolicy {
	return ExpiryPolicy{MaxAge: 30 * time.Second, MaxLag: 20}
}

// Record is one station's durable entry.
//
// The body is the verbatim JSON text of the feeder's payload. It is
// never decoded into a mutable model and re-encoded: readers compare
// substrings, so key order and formatting must survive untouched.
type Record struct {
	mu sync.RWMutex

	id  string
	dir string

	body        string
	lamport     int64  // Lamport value of the write that installed body; -1 until first merge
	lastUpdated int64  // wall clock of the last successful merge, epoch ms
	seq         uint64 // global update sequence assigned to that merge
	host        string // remote endpoint of the connection that wrote it
	port        int
}

func newRecord(dir, id string) *Record {
	return &Record{id: id, dir: dir, lamport: -1}
}

// recordDoc is the on-disk schema: metadata plus the station payload
// embedded as raw JSON.
type recordDoc struct {
	Meta recordMeta      `json:"meta"`
	Body json.RawMessage `json:"body"`
}

type recordMeta struct {
	Lamport     int64  `json:"lamport"`
	LastUpdated int64  `json:"lastUpdated"`
	UpdateCount uint64 `json:"updateCount"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
}

// ID returns the station id.
func (r *Record) ID() string { return r.id }

func (r *Record) path() string     { return filepath.Join(r.dir, r.id+".json") }
func (r *Record) tempPath() string { return filepath.Join(r.dir, r.id+"-temp.json") }

// Merge installs a newer payload under last-writer-wins Lamport order.
//
// The write is a no-op unless lamport strictly exceeds the stored value —
// equal timestamps keep the incumbent. A winning write is committed to
// disk first (temp write, then atomic rename over `<id>.json`); only
// after the rename succeeds do the in-memory fields change. Disk failure
// at either step leaves both the file and the memory state as they were.
//
// The exclusive lock is held across the whole commit so a reader can
// never observe the fields half-applied and a second writer cannot slip
// between the temp write and the rename.
func (r *Record) Merge(body string, lamport int64, now time.Time, seq uint64, host string, port int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if lamport <= r.lamport {
		return false, nil
	}

	updatedAt := now.UnixMilli()
	meta, err := json.Marshal(recordMeta{
		Lamport:     lamport,
		LastUpdated: updatedAt,
		UpdateCount: seq,
		Host:        host,
		Port:        port,
	})
	if err != nil {
		return false, fmt.Errorf("encode record %s: %w", r.id, err)
	}
	if !json.Valid([]byte(body)) {
		return false, fmt.Errorf("encode record %s: body is not valid JSON", r.id)
	}
	// The body is spliced in as its own text: marshalling it as a
	// RawMessage would compact it.
	data := []byte(`{"meta":` + string(meta) + `,"body":` + body + `}`)

	if err := os.WriteFile(r.tempPath(), data, 0644); err != nil {
		return false, fmt.Errorf("write temp file for %s: %w", r.id, err)
	}
	// Rename replaces any existing committed file in one step. If we
	// crash before this point the temp file is garbage that recovery
	// ignores; the previous committed document is intact either way.
	if err := os.Rename(r.tempPath(), r.path()); err != nil {
		return false, fmt.Errorf("commit record %s: %w", r.id, err)
	}

	r.body = body
	r.lamport = lamport
	r.lastUpdated = updatedAt
	r.seq = seq
	r.host = host
	r.port = port
	return true, nil
}

// Load reads the committed document for this record. On any read or
// parse failure the record stays blank and the error is returned for
// logging; recovery treats it as a skip, not a crash. Temp files are
// never read — a crash between temp write and rename loses that write.
func (r *Record) Load() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := os.ReadFile(r.path())
	if err != nil {
		return fmt.Errorf("read record %s: %w", r.id, err)
	}

	var doc recordDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse record %s: %w", r.id, err)
	}

	r.body = string(doc.Body)
	r.lamport = doc.Meta.Lamport
	r.lastUpdated = doc.Meta.LastUpdated
	r.seq = doc.Meta.UpdateCount
	r.host = doc.Meta.Host
	r.port = doc.Meta.Port
	return nil
}

// expiredLocked evaluates the staleness predicate. Callers hold either
// lock side.
func (r *Record) expiredLocked(nowMs int64, currentSeq uint64, policy ExpiryPolicy) bool {
	if nowMs-r.lastUpdated > policy.MaxAge.Milliseconds() {
		return true
	}
	return currentSeq > r.seq && currentSeq-r.seq > policy.MaxLag
}

// Expired reports whether the record is past either expiry threshold.
func (r *Record) Expired(nowMs int64, currentSeq uint64, policy ExpiryPolicy) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.expiredLocked(nowMs, currentSeq, policy)
}

// LiveBody returns the body if the record is not expired. A single
// shared-lock section, so the body and the verdict belong to the same
// version of the record.
func (r *Record) LiveBody(nowMs int64, currentSeq uint64, policy ExpiryPolicy) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.expiredLocked(nowMs, currentSeq, policy) {
		return "", false
	}
	return r.body, true
}

// deleteFileLocked removes the committed file. A missing file is fine; a
// leftover temp file is left for a later write to overwrite.
func (r *Record) deleteFileLocked() {
	if err := os.Remove(r.path()); err != nil && !os.IsNotExist(err) {
		log.WithField("station", r.id).WithError(err).Warn("delete record file")
	}
}

// Body returns the current payload.
func (r *Record) Body() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.body
}

// Lamport returns the Lamport value of the installed write, or -1 if the
// record has never been written.
func (r *Record) Lamport() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lamport
}

// Seq returns the global update sequence of the installed write.
func (r *Record) Seq() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.seq
}

// LastUpdated returns the wall-clock instant of the installed write in
// epoch milliseconds.
func (r *Record) LastUpdated() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastUpdated
}

// Origin returns the remote endpoint of the connection that installed
// the current write.
func (r *Record) Origin() (host string, port int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.host, r.port
}
