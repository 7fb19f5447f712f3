package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/helphut/ticket-service/internal/cli"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ticket-service",
		Short: "Donation claim and ticket lifecycle service",
		Long: `ticket-service tracks each posted donation from submission to completion.
Partners and volunteers claim tickets over HTTP; every change is published as an event.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(cli.ServeCmd())
	rootCmd.AddCommand(cli.MigrateCmd())
	rootCmd.AddCommand(cli.DispatchCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
