package grants

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/stephnangue/tally/cmd/helpers"
	"github.com/stephnangue/tally/storage"
)

var (
	GrantsCmd = &cobra.Command{
		Use:   "grants",
		Short: "This command groups subcommands for managing stored OAuth grants.",
		Long: `
Usage: tally grants <subcommand> [options]

  This command groups subcommands for managing the OAuth grants Tally keeps
  for users who signed in with Google. The commands read the storage named
  in the configuration file; run them against a persistent backend.

  List all grants:

      $ tally grants list -c tally.hcl

  Change the property one user queries:

      $ tally grants set-property ann@example.com 5678 -c tally.hcl

  Revoke the grant of one user:

      $ tally grants revoke ann@example.com -c tally.hcl
`,
	}
)

func init() {
	GrantsCmd.AddCommand(ListCmd)
	GrantsCmd.AddCommand(ReadCmd)
	GrantsCmd.AddCommand(SetPropertyCmd)
	GrantsCmd.AddCommand(RevokeCmd)
}

// withOAuth opens storage and the oauth components, runs fn and releases them.
func withOAuth(ctx context.Context, fn func(o *helpers.OAuth) error) error {
	conf, err := helpers.LoadConfig()
	if err != nil {
		return err
	}
	store, err := helpers.OpenStorage(ctx, conf)
	if err != nil {
		return err
	}
	defer func(s storage.Storage) { _ = s.Stop() }(store)

	o, err := helpers.BuildOAuth(conf, store, helpers.CLILogger())
	if err != nil {
		return err
	}
	defer o.Grants.Close()

	return fn(o)
}
