// Command triagectl drives the triage pipeline from a terminal: simulate a
// chat against an in-memory clinic, list open slots, or tail a live
// session stream.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/wolfman30/pearlflow/internal/scheduling"
	"github.com/wolfman30/pearlflow/pkg/logging"
)

var version = "dev" // set via ldflags at build time

type rootOptions struct {
	rosterPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "triagectl",
		Short:         "Exercise the PearlFlow triage and booking pipeline",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&opts.rosterPath, "roster", "", "clinic roster YAML (defaults to the built-in demo clinic)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "error", "log level for pipeline logs on stderr")

	root.AddCommand(newSimulateCmd(opts))
	root.AddCommand(newSlotsCmd(opts))
	root.AddCommand(newTailCmd(opts))
	return root
}

func (o *rootOptions) directory() (*scheduling.Directory, error) {
	if o.rosterPath == "" {
		return scheduling.DefaultDirectory()
	}
	return scheduling.LoadDirectory(o.rosterPath)
}

func (o *rootOptions) logger() *logging.Logger {
	return logging.NewWithWriter(o.logLevel, os.Stderr)
}

func main() {
	_ = godotenv.Load()
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
