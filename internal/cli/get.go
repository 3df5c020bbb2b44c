package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/rowcache/internal/cache"
	"github.com/mesh-intelligence/rowcache/internal/repository"
	"github.com/mesh-intelligence/rowcache/pkg/types"
)

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <table> <id>...",
		Short: "Print rows by id",
		Long: `Get reads the rows of a table in one bulk read and prints them.
Missing ids are reported and make the command fail.

Example:
  rowcache get dublincore 7f0c4d2e 91aa03b5`,
		Args: cobra.MinimumNArgs(2),
		RunE: runGet,
	}
}

func runGet(cmd *cobra.Command, args []string) error {
	table, ids := args[0], toIDs(args[1:])
	var (
		views   []rowView
		missing []types.ID
	)
	err := withSession(cmd, func(ctx context.Context, repo *repository.Repository, s *cache.Session) error {
		frags, err := s.GetMulti(ctx, table, ids, false)
		if err != nil {
			return systemErr(err)
		}
		for i, f := range frags {
			if f == nil {
				missing = append(missing, ids[i])
				continue
			}
			views = append(views, viewOf(f))
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := printViews(cmd, views); err != nil {
		return err
	}
	if len(missing) > 0 {
		return fmt.Errorf("%s: ids %v %w", table, missing, errNotFound)
	}
	return nil
}
