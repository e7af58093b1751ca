package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/docsync/pkg/docsync"
)

const modulePath = "github.com/mesh-intelligence/docsync"

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the docsync version",
		Args:  cobra.NoArgs,
		// Version needs no config.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "docsync v%s\nmodule: %s\n", docsync.Version, modulePath)
			return nil
		},
	}
}
