// cmd/aggregator is the central weather aggregation server.
//
// It accepts framed GET/PUT/SYNC messages from feeders and readers,
// keeps one durable record per station, and evicts records that go
// stale or whose feeder hangs up.
//
// Example:
//
//	./aggregator -p 4567 --data-dir /var/weather
//
// With the operator surface enabled:
//
//	./aggregator -p 4567 --data-dir /var/weather --admin-addr :8080
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"weather-aggregator/internal/admin"
	"weather-aggregator/internal/server"
	"weather-aggregator/internal/store"
)

func main() {
	// ── Flags ──────────────────────────────────────────────────────────────
	port := flag.Int("p", 4567, "Listening port (1..65535)")
	dataDir := flag.String("data-dir", ".", "Directory for persisted station records")
	sweep := flag.Duration("sweep-interval", 120*time.Second, "Period of the expiry sweep")
	maxAge := flag.Duration("max-age", 30*time.Second, "Age after which a record expires")
	maxLag := flag.Uint64("max-lag", 20, "Cluster-wide updates after which an untouched record expires")
	adminAddr := flag.String("admin-addr", "", "Optional HTTP admin address, e.g. :8080 (disabled when empty)")
	flag.CommandLine.Init(os.Args[0], flag.ContinueOnError)
	if err := flag.CommandLine.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(1)
	}

	if *port < 1 || *port > 65535 {
		fmt.Fprintf(os.Stderr, "invalid port %d: must be in 1..65535\n", *port)
		os.Exit(1)
	}
	if *sweep <= 0 || *maxAge <= 0 {
		fmt.Fprintln(os.Stderr, "sweep-interval and max-age must be positive")
		os.Exit(1)
	}

	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	// ── Server ─────────────────────────────────────────────────────────────
	srv, err := server.New(server.Config{
		Addr:          fmt.Sprintf(":%d", *port),
		DataDir:       *dataDir,
		SweepInterval: *sweep,
		Expiry:        store.ExpiryPolicy{MaxAge: *maxAge, MaxLag: *maxLag},
	})
	if err != nil {
		log.WithError(err).Fatal("start aggregator")
	}

	if err := srv.Listen(); err != nil {
		log.WithError(err).Fatal("bind")
	}

	// ── Admin surface ──────────────────────────────────────────────────────
	if *adminAddr != "" {
		adm := admin.New(*adminAddr, srv.Store(), srv.Clock(), srv.ExpiryPolicy())
		go func() {
			if err := adm.Run(); err != nil {
				log.WithError(err).Error("admin surface stopped")
			}
		}()
	}

	// ── Serve until signalled ──────────────────────────────────────────────
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Info("shutting down")
		srv.Close()
	}()

	if err := srv.Serve(); err != nil {
		log.WithError(err).Fatal("serve")
	}
}
