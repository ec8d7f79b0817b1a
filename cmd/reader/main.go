// cmd/reader queries the aggregator: every station, or one station.
//
// Usage:
//
//	reader all                --server localhost:4567
//	reader station S1         --server localhost:4567
package main

import (
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"weather-aggregator/internal/client"
)

var (
	serverAddr string
	attempts   int
	raw        bool
)

func main() {
	root := &cobra.Command{
		Use:   "reader",
		Short: "Query client for the weather aggregation server",
	}

	root.PersistentFlags().StringVarP(&serverAddr, "server", "s",
		"localhost:4567", "Aggregator address (host:port)")
	root.PersistentFlags().IntVar(&attempts, "attempts", 3,
		"Attempts per query before giving up")
	root.PersistentFlags().BoolVar(&raw, "raw", false,
		"Print the body exactly as stored, without re-indenting")

	root.AddCommand(allCmd(), stationCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// ─── all ──────────────────────────────────────────────────────────────────────

func allCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "all",
		Short: "Fetch every live station record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr).WithAttempts(attempts)
			defer c.Close()

			res, err := c.GetAll()
			if err != nil {
				return err
			}
			prettyPrint(res.Body)
			return nil
		},
	}
}

// ─── station ──────────────────────────────────────────────────────────────────

func stationCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "station <id>",
		Short: "Fetch one station's record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr).WithAttempts(attempts)
			defer c.Close()

			res, err := c.GetStation(args[0])
			if err == client.ErrNotFound {
				fmt.Printf("station %q not found\n", args[0])
				return nil
			}
			if err != nil {
				return err
			}
			prettyPrint(res.Body)
			return nil
		},
	}
}

// prettyPrint re-indents the JSON for the terminal. The aggregator
// stores bodies verbatim, so --raw shows exactly the stored bytes.
func prettyPrint(body string) {
	if raw {
		fmt.Println(body)
		return
	}
	var v any
	if err := json.Unmarshal([]byte(body), &v); err != nil {
		fmt.Println(body)
		return
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(body)
		return
	}
	fmt.Println(string(data))
}
