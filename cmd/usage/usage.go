package usage

import "github.com/spf13/cobra"

var (
	UsageCmd = &cobra.Command{
		Use:   "usage",
		Short: "This command groups subcommands for inspecting usage records.",
		Long: `
Usage: tally usage <subcommand> [options]

  This command groups subcommands for inspecting the usage records written
  by the server. Records can only be read back from the storage sink.

      $ tally usage list -c tally.hcl --limit 20
`,
	}
)

func init() {
	UsageCmd.AddCommand(ListCmd)
}
