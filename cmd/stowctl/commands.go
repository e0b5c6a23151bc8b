package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/cuemby/stowdb"
	"github.com/cuemby/stowdb/hash"
	"github.com/cuemby/stowdb/pkg/metrics"
)

func openDB(cmd *cobra.Command) (*stowdb.DB, error) {
	dir, maxMB, err := resolvedConfig(cmd)
	if err != nil {
		return nil, err
	}
	return stowdb.Open(stowdb.Config{Dir: dir, MaxBytes: maxMB << 20})
}

var openCmd = &cobra.Command{
	Use:   "open",
	Short: "Open (creating if needed) the database directory, then close it",
	Long: `open verifies that a database directory can be created and locked:
useful for provisioning a fresh directory, or for checking that no other
process currently holds it open.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB(cmd)
		if err != nil {
			return err
		}
		defer db.Close()
		fmt.Println("ok")
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Read a root key's current value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB(cmd)
		if err != nil {
			return err
		}
		defer db.Close()

		v, err := db.Get(stowdb.Key(args[0]))
		if err != nil {
			return err
		}
		if v == nil {
			fmt.Println("<absent>")
			return nil
		}
		fmt.Println(string(v))
		return nil
	},
}

var putCmd = &cobra.Command{
	Use:   "put <key> <value>",
	Short: "Write and commit a root key's value",
	Long:  "An empty value deletes the key.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB(cmd)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.Put(stowdb.Key(args[0]), stowdb.Value(args[1])); err != nil {
			return err
		}
		fmt.Println("ok")
		return nil
	},
}

var stowCmd = &cobra.Command{
	Use:   "stow <value>",
	Short: "Stow a blob and force a GC cycle so it durably persists",
	Long: `stow hashes and buffers the given value, then forces a GC cycle so
the writer flushes it into the StowTable before this process exits — a bare
stow() without a following commit or forced cycle lives only in memory and
is lost when the process ends.

The printed hash is unreferenced by any root key; use put to attach a root
key to it before it becomes eligible for collection.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB(cmd)
		if err != nil {
			return err
		}
		defer db.Close()

		tx := db.NewTX()
		defer tx.Close()
		h, err := tx.Stow(stowdb.Value(args[0]))
		if err != nil {
			return err
		}
		db.GC()
		fmt.Println(h.String())
		return nil
	},
}

var loadCmd = &cobra.Command{
	Use:   "load <hash>",
	Short: "Load a stowed resource's blob by its hash",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		h := hash.Hash(args[0])
		if !h.Valid() {
			return fmt.Errorf("malformed hash: %q", args[0])
		}

		db, err := openDB(cmd)
		if err != nil {
			return err
		}
		defer db.Close()

		tx := db.NewTX()
		defer tx.Close()
		v, ok, err := tx.Load(h)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("<absent>")
			return nil
		}
		fmt.Println(string(v))
		return nil
	},
}

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Force one synchronous GC cycle",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB(cmd)
		if err != nil {
			return err
		}
		defer db.Close()
		db.GC()
		fmt.Println("ok")
		return nil
	},
}

var serveMetricsCmd = &cobra.Command{
	Use:   "serve-metrics",
	Short: "Open the database and serve its Prometheus metrics until interrupted",
	Long: `serve-metrics opens the database and exposes /metrics over HTTP for
scraping: commit outcomes, batch size, GC activity, and ephemeron/StowBuffer
occupancy, updated by the writer's per-cycle gauges and histograms. It keeps
the database open and blocks until the process is killed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB(cmd)
		if err != nil {
			return err
		}
		defer db.Close()

		addr, _ := cmd.Flags().GetString("addr")
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		fmt.Printf("serving /metrics on %s\n", addr)
		return http.ListenAndServe(addr, mux)
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print volatile and on-disk size statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB(cmd)
		if err != nil {
			return err
		}
		defer db.Close()

		s := db.Stats()
		fmt.Printf("size_bytes:       %d\n", s.SizeBytes)
		fmt.Printf("ephemeron_count:  %d\n", s.EphemeronCount)
		fmt.Printf("stow_buffer_size: %d\n", s.StowBufferSize)
		return nil
	},
}
