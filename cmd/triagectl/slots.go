package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/wolfman30/pearlflow/internal/scheduling"
)

type slotsOptions struct {
	clinicID  string
	date      string
	procedure string
	dentistID string
	limit     int
}

func newSlotsCmd(root *rootOptions) *cobra.Command {
	opts := &slotsOptions{}
	cmd := &cobra.Command{
		Use:   "slots",
		Short: "List open slots for one clinic day",
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir, err := root.directory()
			if err != nil {
				return err
			}
			roster, ok := dir.Clinic(opts.clinicID)
			if !ok {
				return fmt.Errorf("unknown clinic %q", opts.clinicID)
			}
			loc := roster.Location()
			day := time.Now().In(loc).AddDate(0, 0, 1)
			if opts.date != "" {
				if day, err = time.ParseInLocation("2006-01-02", opts.date, loc); err != nil {
					return fmt.Errorf("--date must be YYYY-MM-DD")
				}
			}
			from := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, loc)

			engine := scheduling.NewEngine(scheduling.NewMemoryStore(), dir, root.logger())
			slots, err := engine.FindSlots(cmd.Context(), scheduling.SlotQuery{
				ClinicID:      opts.clinicID,
				From:          from,
				To:            from.AddDate(0, 0, 1),
				ProcedureCode: opts.procedure,
				DentistID:     opts.dentistID,
				Limit:         opts.limit,
			})
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "DENTIST\tSTART\tEND")
			for _, s := range slots {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", s.DentistID, s.Start.In(loc).Format("Mon 02 Jan 15:04"), s.End.In(loc).Format("15:04"))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d slot(s)\n", len(slots))
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.clinicID, "clinic", "demo-clinic", "clinic id")
	cmd.Flags().StringVar(&opts.date, "date", "", "day to search, YYYY-MM-DD in the clinic time zone (default tomorrow)")
	cmd.Flags().StringVar(&opts.procedure, "procedure", "", "procedure code")
	cmd.Flags().StringVar(&opts.dentistID, "dentist", "", "restrict to one dentist")
	cmd.Flags().IntVar(&opts.limit, "limit", 0, "maximum slots to list (0 for all)")
	return cmd
}
