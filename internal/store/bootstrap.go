package store

import (
	"fmt"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Recovered summarises what Open found on disk.
type Recovered struct {
	Records   int
	Lamport   int64  // maximum Lamport across loaded records
	UpdateSeq uint64 // maximum update sequence across loaded records
}

// Open creates the data directory if needed and recovers every committed
// record in it. Files named `<id>-temp.json` are staging leftovers from
// interrupted commits and are skipped. A file that fails to load is
// logged and its record left blank; blank records carry a zero
// last-updated instant, so they are born expired and the first sweep
// collects them.
//
// The returned maxima seed the clock: after a restart the server's
// Lamport and update sequence start at the highest values it ever
// persisted, both zero for an empty directory.
func Open(dir string) (*Store, Recovered, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, Recovered{}, fmt.Errorf("create data dir: %w", err)
	}

	s := New(dir)
	var rec Recovered

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, Recovered{}, fmt.Errorf("scan data dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		id, ok := strings.CutSuffix(entry.Name(), ".json")
		if !ok || id == "" || strings.HasSuffix(id, "-temp") {
			continue
		}

		r := newRecord(dir, id)
		if err := r.Load(); err != nil {
			log.WithField("station", id).WithError(err).Warn("recover record")
		} else {
			if r.lamport > rec.Lamport {
				rec.Lamport = r.lamport
			}
			if r.seq > rec.UpdateSeq {
				rec.UpdateSeq = r.seq
			}
		}
		s.recs.Store(id, r)
		rec.Records++
	}

	return s, rec, nil
}
