package grants

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/stephnangue/tally/cmd/helpers"
	"github.com/stephnangue/tally/helper"
)

var (
	ListCmd = &cobra.Command{
		Use:           "list",
		SilenceUsage:  true,
		SilenceErrors: true,
		Short:         "Lists the stored OAuth grants",
		Long: `
Usage: tally grants list

  Lists every stored grant with its bound property, status and the time
  left before its access token expires. Token values are never shown.

      $ tally grants list -c tally.hcl
`,
		RunE: runList,
	}
)

func runList(cmd *cobra.Command, args []string) error {
	return withOAuth(cmd.Context(), func(o *helpers.OAuth) error {
		statuses, err := o.Manager.List(cmd.Context())
		if err != nil {
			return fmt.Errorf("error listing grants: %w", err)
		}

		out := cmd.OutOrStdout()
		if len(statuses) == 0 {
			fmt.Fprintln(out, "No grants stored")
			return nil
		}

		now := time.Now()
		headers := []string{"Identity", "Property", "Status", "Expires", "Properties"}
		var data [][]any
		for _, st := range statuses {
			data = append(data, []any{
				st.Identity,
				st.PropertyRef,
				string(st.Status),
				helper.FormatRemaining(st.ExpiresAt, now),
				strings.Join(st.Properties, ","),
			})
		}
		helpers.PrintTable(out, headers, data)
		return nil
	})
}
