// Package admin exposes a small read-only HTTP surface next to the data
// plane: health for probes and a station listing for operators. It runs
// on its own listener and speaks real HTTP; the framed aggregator
// protocol is untouched by it.
package admin

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"weather-aggregator/internal/clock"
	"weather-aggregator/internal/store"
)

// Server serves the admin endpoints.
type Server struct {
	addr   string
	store  *store.Store
	clock  *clock.Clock
	policy store.ExpiryPolicy
}

// New wires the admin surface over the aggregator's store and clock.
func New(addr string, st *store.Store, clk *clock.Clock, policy store.ExpiryPolicy) *Server {
	return &Server{addr: addr, store: st, clock: clk, policy: policy}
}

// Router builds the gin engine. Exposed separately so tests can drive it
// with httptest.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(Logger(), Recovery())

	r.GET("/health", s.health)
	r.GET("/stations", s.stations)
	return r
}

// Run serves until the process exits. Meant to be called on its own
// goroutine.
func (s *Server) Run() error {
	log.WithField("addr", s.addr).Info("admin surface listening")
	return s.Router().Run(s.addr)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"stations": s.store.Len(),
		"lamport":  s.clock.Now(),
		"updates":  s.clock.UpdateSeq(),
	})
}

// stations lists the ids whose records are currently live, i.e. would be
// returned by a GET / on the data plane.
func (s *Server) stations(c *gin.Context) {
	nowMs := time.Now().UnixMilli()
	seq := s.clock.UpdateSeq()

	ids := make([]string, 0, s.store.Len())
	s.store.Range(func(id string, rec *store.Record) bool {
		if !rec.Expired(nowMs, seq, s.policy) {
			ids = append(ids, id)
		}
		return true
	})
	c.JSON(http.StatusOK, gin.H{"stations": ids})
}
