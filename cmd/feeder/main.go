// cmd/feeder pushes one weather station's data to the aggregator.
//
// The payload is a JSON object with at least an "id" field, read from a
// file argument or stdin. The feeder keeps its connection open and
// re-sends on an interval: the aggregator ties the station's record to
// this connection, so hanging up means the station disappears.
//
// Usage:
//
//	feeder push station.json --server localhost:4567 --interval 15s
//	cat station.json | feeder push --server localhost:4567
package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"weather-aggregator/internal/client"
)

var (
	serverAddr string
	interval   time.Duration
	attempts   int
	once       bool
)

func main() {
	root := &cobra.Command{
		Use:   "feeder",
		Short: "Weather station feeder for the aggregation server",
	}

	root.PersistentFlags().StringVarP(&serverAddr, "server", "s",
		"localhost:4567", "Aggregator address (host:port)")
	root.PersistentFlags().IntVar(&attempts, "attempts", 3,
		"Send attempts per update before giving up")

	root.AddCommand(pushCmd(), syncCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// ─── push ─────────────────────────────────────────────────────────────────────

func pushCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "push [payload-file]",
		Short: "Push a station payload and keep it alive",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readPayload(args)
			if err != nil {
				return err
			}

			id, err := client.ValidatePayload(body)
			if err != nil {
				return err
			}

			c := client.New(serverAddr).WithAttempts(attempts)
			defer c.Close()

			send := func() error {
				res, err := c.PutWeather(body)
				if err != nil {
					return err
				}
				verb := "updated"
				if res.Created() {
					verb = "created"
				}
				log.WithFields(log.Fields{
					"station": id,
					"status":  res.Status,
					"lamport": res.Lamport,
				}).Info("station " + verb)
				return nil
			}

			if err := send(); err != nil {
				return err
			}
			if once {
				return nil
			}

			// Keep feeding until interrupted. The connection stays open
			// between sends; each send also refreshes the record's age.
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

			for {
				select {
				case <-ticker.C:
					if err := send(); err != nil {
						log.WithError(err).Warn("update failed")
					}
				case <-quit:
					return nil
				}
			}
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 15*time.Second,
		"How often to re-send the payload")
	cmd.Flags().BoolVar(&once, "once", false,
		"Send once and exit (the record dies with the connection)")
	return cmd
}

// ─── sync ─────────────────────────────────────────────────────────────────────

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Exchange Lamport clocks with the aggregator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr).WithAttempts(attempts)
			defer c.Close()

			lamport, err := c.Sync()
			if err != nil {
				return err
			}
			fmt.Printf("server lamport: %d\n", lamport)
			return nil
		},
	}
}

// readPayload loads the station document from the file argument, or
// stdin when no argument is given. Surrounding whitespace is stripped;
// the object text itself is sent verbatim.
func readPayload(args []string) (string, error) {
	var data []byte
	var err error
	if len(args) == 1 {
		data, err = os.ReadFile(args[0])
	} else {
		data, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		return "", fmt.Errorf("read payload: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}
