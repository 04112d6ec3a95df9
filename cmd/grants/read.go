package grants

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/stephnangue/tally/cmd/helpers"
)

var (
	ReadCmd = &cobra.Command{
		Use:           "read <identity>",
		SilenceUsage:  true,
		SilenceErrors: true,
		Short:         "Shows the stored OAuth grant of one identity",
		Long: `
Usage: tally grants read <identity>

  Shows the grant stored for one signed in user. Token values are never shown.

      $ tally grants read ann@example.com -c tally.hcl
`,
		Args: cobra.ExactArgs(1),
		RunE: runRead,
	}
)

func runRead(cmd *cobra.Command, args []string) error {
	label := strings.ToLower(args[0])
	return withOAuth(cmd.Context(), func(o *helpers.OAuth) error {
		st, err := o.Manager.Status(cmd.Context(), label)
		if err != nil {
			return fmt.Errorf("error reading grant %s: %w", label, err)
		}

		helpers.PrintTable(cmd.OutOrStdout(), []string{"Key", "Value"}, [][]any{
			{"identity", st.Identity},
			{"property_ref", st.PropertyRef},
			{"properties", strings.Join(st.Properties, ", ")},
			{"scopes", strings.Join(st.Scopes, ", ")},
			{"status", string(st.Status)},
			{"expires_at", st.ExpiresAt.Format(time.RFC3339)},
			{"updated_at", st.UpdatedAt.Format(time.RFC3339)},
		})
		return nil
	})
}
