// Command stowctl is a development and inspection tool for a stowdb
// database directory. It is not the library's API surface — embedders talk
// to the stowdb package directly — but a thin wrapper useful for poking at
// a database from a shell: writing and reading root keys, stowing and
// loading resources by hash, and forcing GC cycles.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/stowdb/pkg/log"
)

var (
	// Version information, set via ldflags during build.
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "stowctl",
	Short: "stowctl inspects and manipulates a stowdb database directory",
	Long: `stowctl is a command-line companion to the stowdb library: a thin
wrapper for opening a database directory, reading and writing root keys,
stowing and loading hash-addressed resources, and forcing GC cycles.

It exists for development and operational inspection. Applications embed
the stowdb package directly rather than shelling out to this tool.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("stowctl version %s (%s)\n", Version, Commit))

	rootCmd.PersistentFlags().String("db-dir", "./stowdb-data", "database directory")
	rootCmd.PersistentFlags().Int64("max-mb", 64, "initial mmap size hint, in megabytes")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "", "optional YAML config file overriding the flags above")

	serveMetricsCmd.Flags().String("addr", ":9090", "address to serve /metrics on")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(openCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(putCmd)
	rootCmd.AddCommand(stowCmd)
	rootCmd.AddCommand(loadCmd)
	rootCmd.AddCommand(gcCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(serveMetricsCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{
		Level:      log.Level(level),
		JSONOutput: jsonOut,
	})
}
