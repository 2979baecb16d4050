package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wolfman30/pearlflow/internal/events"
	"github.com/wolfman30/pearlflow/internal/stream"
)

func newTailCmd(root *rootOptions) *cobra.Command {
	var (
		baseURL string
		after   int64
	)
	cmd := &cobra.Command{
		Use:   "tail <session-id>",
		Short: "Follow a live session's event stream over SSE",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			printer := &eventPrinter{out: cmd.OutOrStdout()}
			client := stream.NewClient(baseURL, args[0],
				stream.WithCursor(after),
				stream.WithClientLogger(root.logger()),
			)
			err := client.Run(ctx, func(ev events.Event) error {
				printer.print(ev)
				return nil
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&baseURL, "base-url", "http://localhost:8080", "API base URL")
	cmd.Flags().Int64Var(&after, "after", 0, "resume after this sequence number")
	return cmd
}
