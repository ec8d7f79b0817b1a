// Package server implements the aggregator: a TCP acceptor, one handler
// goroutine per connection, and a periodic expiry sweep over the record
// store.
package server

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"weather-aggregator/internal/clock"
	"weather-aggregator/internal/store"
)

// Config carries everything the aggregator needs to run.
type Config struct {
	// Addr is the listen address, e.g. ":4567".
	Addr string
	// DataDir is where record documents are persisted.
	DataDir string
	// SweepInterval is the period of the expiry loop. Zero means the
	// stock 120 seconds. Note that records can outlive the age threshold
	// by up to one full sweep period.
	SweepInterval time.Duration
	// Expiry overrides the staleness thresholds; zero fields take the
	// defaults (30s age, 20 updates of lag).
	Expiry store.ExpiryPolicy
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.DataDir == "" {
		out.DataDir = "."
	}
	if out.SweepInterval == 0 {
		out.SweepInterval = 120 * time.Second
	}
	if out.Expiry.MaxAge == 0 {
		out.Expiry.MaxAge = store.DefaultExpiryPolicy().MaxAge
	}
	if out.Expiry.MaxLag == 0 {
		out.Expiry.MaxLag = store.DefaultExpiryPolicy().MaxLag
	}
	return out
}

// Server is one aggregator instance.
type Server struct {
	cfg   Config
	store *store.Store
	clock *clock.Clock

	ln        net.Listener
	wg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
}

// New recovers persisted records from cfg.DataDir, seeds the clock with
// the recovered maxima, and returns a server ready to Listen.
func New(cfg Config) (*Server, error) {
	cfg = cfg.withDefaults()

	st, recovered, err := store.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	clk := clock.New()
	clk.Init(recovered.Lamport, recovered.UpdateSeq)

	if recovered.Records > 0 {
		log.WithFields(log.Fields{
			"records": recovered.Records,
			"lamport": recovered.Lamport,
			"updates": recovered.UpdateSeq,
		}).Info("recovered records from disk")
	}

	return &Server{
		cfg:   cfg,
		store: st,
		clock: clk,
		done:  make(chan struct{}),
	}, nil
}

// Store exposes the record index, for the admin surface.
func (s *Server) Store() *store.Store { return s.store }

// Clock exposes the Lamport clock, for the admin surface.
func (s *Server) Clock() *clock.Clock { return s.clock }

// ExpiryPolicy returns the active staleness thresholds.
func (s *Server) ExpiryPolicy() store.ExpiryPolicy { return s.cfg.Expiry }

// Listen binds the TCP socket. Split from Serve so callers can learn the
// bound address before serving (tests listen on port 0).
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}
	s.ln = ln
	return nil
}

// Addr returns the bound listen address. Only valid after Listen.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Serve runs the accept loop until Close. Each accepted connection is
// handled on its own goroutine; a failed accept is logged and the loop
// continues.
func (s *Server) Serve() error {
	s.wg.Add(1)
	go s.expiryLoop()

	log.WithField("addr", s.ln.Addr().String()).Info("aggregator listening")

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				s.wg.Wait()
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			log.WithError(err).Warn("accept failed")
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// ListenAndServe is Listen followed by Serve.
func (s *Server) ListenAndServe() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Close stops the acceptor and the expiry loop. In-flight handlers run
// until their peers hang up.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		if s.ln != nil {
			err = s.ln.Close()
		}
	})
	return err
}

// expiryLoop sweeps the store every SweepInterval. A slow sweep only
// delays the next one; it never blocks the acceptor or the handlers.
func (s *Server) expiryLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.done:
			return
		}
	}
}

func (s *Server) sweep() {
	nowMs := time.Now().UnixMilli()
	evicted := s.store.EvictExpired(nowMs, s.clock.UpdateSeq(), s.cfg.Expiry)
	if evicted > 0 {
		log.WithField("evicted", evicted).Info("expiry sweep complete")
	}
}
