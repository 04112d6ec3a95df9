package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/stephnangue/tally/cmd/grants"
	"github.com/stephnangue/tally/cmd/helpers"
	"github.com/stephnangue/tally/cmd/server"
	"github.com/stephnangue/tally/cmd/usage"
)

var (
	tallyCmd = &cobra.Command{
		Use:   "tally",
		Short: "Tally is an authenticated gateway to the Google Analytics Data API",
		Long: `Tally lets api key holders and Google-authorized users run analytics reports
through one endpoint, with per-identity rate limits and usage accounting.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := tallyCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	tallyCmd.PersistentFlags().StringVarP(&helpers.ConfigPath, "config", "c", "", "Path to configuration file (e.g., path/to/tally.hcl)")

	tallyCmd.AddCommand(server.ServerCmd)
	tallyCmd.AddCommand(grants.GrantsCmd)
	tallyCmd.AddCommand(usage.UsageCmd)
}
