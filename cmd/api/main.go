package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "complaint-engine",
		Short: "Complaint lifecycle and escalation engine",
		Long: `complaint-engine tracks routed grievances through the RED -> BLACK
lifecycle, computes SLA deadlines and escalates overdue complaints up the
administrative hierarchy.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(slaCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
