package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/spec-kit/complaint-engine/internal/domain"
	"github.com/spec-kit/complaint-engine/internal/sla"
)

func slaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sla",
		Short: "Inspect SLA tables",
	}
	cmd.AddCommand(slaCheckCmd())
	return cmd
}

func slaCheckCmd() *cobra.Command {
	var department string
	cmd := &cobra.Command{
		Use:   "check [file]",
		Short: "Validate an SLA table and print the deadlines it yields",
		Long: `Validates the SLA YAML (the embedded default when no file is given) and
prints, for a complaint created now, the deadlines each priority receives.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			table, err := sla.Load(path)
			if err != nil {
				return err
			}
			calc, err := sla.NewCalculator(table)
			if err != nil {
				return err
			}

			now := time.Now().UTC().Truncate(time.Minute)
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PRIORITY\tSOURCE\tMETHOD\tACK\tRESOLUTION\tSTRETCH")
			for _, p := range domain.Priorities {
				d, err := calc.ComputeDeadlines(department, p, now)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", p, d.Source, d.Method,
					d.Ack.Sub(now), d.Resolution.Sub(now), d.ResolutionStretch.Sub(now))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&department, "department", "general", "department to compute deadlines for")
	return cmd
}
