package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newTablesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tables",
		Short: "List the tables present in the repository",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := openRepository(cmd)
			if err != nil {
				return err
			}
			defer repo.Close()

			names, err := repo.Tables(cmd.Context())
			if err != nil {
				return systemErr(err)
			}
			if flags.jsonMode {
				if names == nil {
					names = []string{}
				}
				return printJSON(cmd, names)
			}
			for _, name := range names {
				kind := "simple"
				if repo.Model().IsCollection(name) {
					kind = "collection"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", name, kind)
			}
			return nil
		},
	}
}
