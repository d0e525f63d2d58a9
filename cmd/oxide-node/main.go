// Command oxide-node runs one peer of the mesh: its HTTP API, its UDP
// cluster discovery loops, and (optionally) its dashboard WebSocket feed.
// Flag/subcommand structure is generalized from the teacher's node-agent
// main.go flag.* parsing into spf13/cobra subcommands, since a cluster
// node now has more than one runtime mode (serve, one-shot status query,
// routing-rule inspection) instead of a single long-running process.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	configPath string
	dbPath     string
	logLevel   string
)

func main() {
	root := &cobra.Command{
		Use:   "oxide-node",
		Short: "oxide-node is one peer of a heterogeneous LLM mesh",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "oxide.yaml", "path to the cluster config file")
	root.PersistentFlags().StringVar(&dbPath, "db", "", "path to the SQLite database (default: ~/.oxide/oxide.db)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")

	root.AddCommand(newServeCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newRoutingRulesCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func configureLogging() {
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
}

func defaultDBPath() string {
	if dbPath != "" {
		return dbPath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "oxide.db"
	}
	return home + "/.oxide/oxide.db"
}
