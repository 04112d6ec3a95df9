package usage

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/stephnangue/tally/cmd/helpers"
	tallyusage "github.com/stephnangue/tally/usage"
)

var (
	listLimit    int
	listIdentity string

	ListCmd = &cobra.Command{
		Use:           "list",
		SilenceUsage:  true,
		SilenceErrors: true,
		Short:         "Lists recent usage records, newest first",
		Long: `
Usage: tally usage list [options]

  Lists recent usage records, newest first.

  Show the last 20 requests of one identity:

      $ tally usage list -c tally.hcl --identity alice --limit 20
`,
		RunE: runList,
	}
)

func init() {
	ListCmd.Flags().IntVar(&listLimit, "limit", 50, "Maximum number of records to show")
	ListCmd.Flags().StringVar(&listIdentity, "identity", "", "Only show records of this identity label")
}

func runList(cmd *cobra.Command, args []string) error {
	conf, err := helpers.LoadConfig()
	if err != nil {
		return err
	}
	if conf.Usage.Sink != "storage" {
		return errors.New(`usage records can only be listed from the "storage" sink`)
	}

	store, err := helpers.OpenStorage(cmd.Context(), conf)
	if err != nil {
		return err
	}
	defer store.Stop()

	records, err := tallyusage.NewStorageSink(store).List(cmd.Context(), tallyusage.Filter{
		Identity: strings.ToLower(listIdentity),
		Limit:    listLimit,
	})
	if err != nil {
		return fmt.Errorf("error listing usage records: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(records) == 0 {
		fmt.Fprintln(out, "No usage records")
		return nil
	}

	headers := []string{"Time", "Identity", "Kind", "Method", "Endpoint", "Outcome", "Status", "Latency", "Error"}
	var data [][]any
	for _, r := range records {
		data = append(data, []any{
			r.Timestamp.Local().Format(time.DateTime),
			r.IdentityLabel,
			r.IdentityKind,
			r.Method,
			r.Endpoint,
			string(r.Outcome),
			r.StatusCode,
			fmt.Sprintf("%dms", r.LatencyMs),
			r.ErrorKind,
		})
	}
	helpers.PrintTable(out, headers, data)
	return nil
}
