package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/stowdb/pkg/log"
)

// fileConfig is the shape of an optional YAML file passed via --config,
// overriding the corresponding persistent flags when present.
type fileConfig struct {
	DBDir    string `yaml:"dbDir"`
	MaxMB    int64  `yaml:"maxMB"`
	LogLevel string `yaml:"logLevel"`
	LogJSON  bool   `yaml:"logJSON"`
}

// resolvedConfig merges --config file contents (if any) with the command's
// persistent flags, file values taking precedence when set.
func resolvedConfig(cmd *cobra.Command) (dbDir string, maxMB int64, err error) {
	dbDir, _ = cmd.Flags().GetString("db-dir")
	maxMB, _ = cmd.Flags().GetInt64("max-mb")

	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return dbDir, maxMB, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", 0, fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return "", 0, fmt.Errorf("parse config file: %w", err)
	}
	if fc.DBDir != "" {
		dbDir = fc.DBDir
	}
	if fc.MaxMB != 0 {
		maxMB = fc.MaxMB
	}
	if fc.LogLevel != "" || fc.LogJSON {
		level, _ := cmd.Flags().GetString("log-level")
		jsonOut, _ := cmd.Flags().GetBool("log-json")
		if fc.LogLevel != "" {
			level = fc.LogLevel
		}
		log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut || fc.LogJSON})
	}
	return dbDir, maxMB, nil
}
