package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export <file.jsonl>",
		Short: "Dump every table to a JSONL file",
		Long:  "Export writes one JSON record per row, replacing the file atomically.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := openRepository(cmd)
			if err != nil {
				return err
			}
			defer repo.Close()

			n, err := repo.Export(cmd.Context(), args[0])
			if err != nil {
				return systemErr(fmt.Errorf("export: %w", err))
			}
			if flags.jsonMode {
				return printJSON(cmd, map[string]any{"file": args[0], "records": n})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Exported %d records to %s\n", n, args[0])
			return nil
		},
	}
}

func newImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.jsonl>",
		Short: "Load a JSONL dump written by export",
		Long: `Import writes every record of the file in one transaction, replacing
existing rows. Malformed lines are skipped. Imported rows are invalidated on
the configured peers.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := openRepository(cmd)
			if err != nil {
				return err
			}
			defer repo.Close()

			inv, err := repo.Import(cmd.Context(), args[0])
			if err != nil {
				return systemErr(fmt.Errorf("import: %w", err))
			}
			rows := 0
			for _, table := range inv.Tables() {
				rows += len(inv.Modified(table))
			}
			if flags.jsonMode {
				return printJSON(cmd, map[string]any{"file": args[0], "rows": rows, "tables": inv.Tables()})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d rows from %s\n", rows, args[0])
			return nil
		},
	}
}
