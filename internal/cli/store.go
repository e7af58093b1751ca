package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/docsync/internal/store"
)

// openStore opens the durable store in the resolved data directory.
func openStore() (*store.Store, error) {
	st, err := store.Open(conf.DataDir, store.Options{Logger: slog.Default()})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return st, nil
}

func newExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export <file.jsonl>",
		Short: "Write every document of the local store to a JSONL file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			n, err := st.Export(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("export: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported %d documents to %s\n", n, args[0])
			return nil
		},
	}
}

func newImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.jsonl>",
		Short: "Load documents from a JSONL export into the local store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			n, err := st.Import(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("import: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d documents from %s\n", n, args[0])
			return nil
		},
	}
}
