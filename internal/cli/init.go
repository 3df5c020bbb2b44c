package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/rowcache/internal/paths"
)

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize rowcache storage",
		Long:  "Create the configuration and data directories, then initialize the SQLite database.",
		Args:  cobra.NoArgs,
		RunE:  runInit,
	}
}

func runInit(cmd *cobra.Command, args []string) error {
	configDir, err := paths.ResolveConfigDir(flags.configDir)
	if err != nil {
		return systemErr(err)
	}
	repo, err := openRepository(cmd)
	if err != nil {
		return err
	}
	dataDir := repo.Config().DataDir
	if err := repo.Close(); err != nil {
		return systemErr(fmt.Errorf("finalize storage: %w", err))
	}

	if flags.jsonMode {
		return printJSON(cmd, map[string]string{"config_dir": configDir, "data_dir": dataDir})
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "rowcache initialized successfully")
	fmt.Fprintln(out, "  config:", configDir)
	fmt.Fprintln(out, "  data:  ", dataDir)
	return nil
}
