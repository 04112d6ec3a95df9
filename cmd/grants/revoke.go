package grants

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/stephnangue/tally/cmd/helpers"
)

var (
	RevokeCmd = &cobra.Command{
		Use:           "revoke <identity>",
		SilenceUsage:  true,
		SilenceErrors: true,
		Short:         "Deletes the stored OAuth grant of one identity",
		Long: `
Usage: tally grants revoke <identity>

  Deletes the grant stored for one signed in user. Session tokens issued to
  that user stop working on their next request; the user has to sign in again.

      $ tally grants revoke ann@example.com -c tally.hcl
`,
		Args: cobra.ExactArgs(1),
		RunE: runRevoke,
	}
)

func runRevoke(cmd *cobra.Command, args []string) error {
	label := strings.ToLower(args[0])
	return withOAuth(cmd.Context(), func(o *helpers.OAuth) error {
		if err := o.Manager.Revoke(cmd.Context(), label); err != nil {
			return fmt.Errorf("error revoking grant %s: %w", label, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Success! Revoked the grant of %s\n", label)
		return nil
	})
}
