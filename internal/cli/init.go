package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/docsync/internal/paths"
)

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize configuration and the local store",
		Long: `Create the configuration directory with a default config.yaml and the
SQLite store in the data directory. Running it again changes nothing.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			configDir, err := paths.ResolveConfigDir(flags.configDir)
			if err != nil {
				return fmt.Errorf("resolve config dir: %w", err)
			}
			st, err := openStore()
			if err != nil {
				return err
			}
			dbPath := st.Path()
			if err := st.Close(); err != nil {
				return fmt.Errorf("finalize store: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "docsync initialized")
			fmt.Fprintln(out, "  config:  ", paths.ConfigFile(configDir))
			fmt.Fprintln(out, "  database:", dbPath)
			return nil
		},
	}
}
