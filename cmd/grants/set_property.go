package grants

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/stephnangue/tally/cmd/helpers"
)

var (
	SetPropertyCmd = &cobra.Command{
		Use:           "set-property <identity> <property>",
		SilenceUsage:  true,
		SilenceErrors: true,
		Short:         "Changes the analytics property an OAuth identity queries",
		Long: `
Usage: tally grants set-property <identity> <property>

  Changes the default analytics property of one signed in user. The property
  must be one of those the user's account could access when they signed in;
  run "tally grants read <identity>" to see them.

      $ tally grants set-property ann@example.com 5678 -c tally.hcl
`,
		Args: cobra.ExactArgs(2),
		RunE: runSetProperty,
	}
)

func runSetProperty(cmd *cobra.Command, args []string) error {
	label := strings.ToLower(args[0])
	propertyRef := strings.TrimSpace(args[1])
	return withOAuth(cmd.Context(), func(o *helpers.OAuth) error {
		st, err := o.Manager.SetDefaultProperty(cmd.Context(), label, propertyRef)
		if err != nil {
			return fmt.Errorf("error setting property of %s: %w", label, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Success! %s now queries property %s\n", st.Identity, st.PropertyRef)
		return nil
	})
}
