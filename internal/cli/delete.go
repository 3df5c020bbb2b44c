package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/rowcache/internal/cache"
	"github.com/mesh-intelligence/rowcache/internal/repository"
)

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <table> <id>...",
		Short: "Remove rows by id",
		Long:  "Delete removes rows in one transaction. Nothing is deleted if any id has no row.",
		Args:  cobra.MinimumNArgs(2),
		RunE:  runDelete,
	}
}

func runDelete(cmd *cobra.Command, args []string) error {
	table, ids := args[0], toIDs(args[1:])
	err := withSession(cmd, func(ctx context.Context, repo *repository.Repository, s *cache.Session) error {
		frags, err := s.GetMulti(ctx, table, ids, false)
		if err != nil {
			return systemErr(err)
		}
		for i, f := range frags {
			if f == nil || (f.IsCollection() && len(f.Rows()) == 0) {
				return fmt.Errorf("row %s/%s %w", table, ids[i], errNotFound)
			}
		}
		for _, f := range frags {
			if err := s.Remove(f); err != nil {
				return systemErr(err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if flags.jsonMode {
		return printJSON(cmd, map[string]any{"table": table, "deleted": ids})
	}
	for _, id := range ids {
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s/%s\n", table, id)
	}
	return nil
}
