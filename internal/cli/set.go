package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/rowcache/internal/cache"
	"github.com/mesh-intelligence/rowcache/internal/repository"
	"github.com/mesh-intelligence/rowcache/pkg/types"
)

func newSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <table> <id> key=value...",
		Short: "Create or update a row",
		Long: `Set writes fields of a row, creating it if the id has no row yet.
Values are parsed as JSON when possible (42, true, ["a"]) and taken as
strings otherwise. For collection tables each argument after the id is a
JSON object and the collection is replaced by them.

Example:
  rowcache set dublincore 7f0c4d2e title="Annual report" pages=12
  rowcache set subjects 7f0c4d2e '{"item":"finance"}' '{"item":"2026"}'`,
		Args: cobra.MinimumNArgs(3),
		RunE: runSet,
	}
}

func runSet(cmd *cobra.Command, args []string) error {
	table, id := args[0], types.ID(args[1])
	var view rowView
	err := withSession(cmd, func(ctx context.Context, repo *repository.Repository, s *cache.Session) error {
		f, err := s.Get(ctx, table, id, true)
		if err != nil {
			return systemErr(err)
		}
		if f == nil {
			return fmt.Errorf("%s/%s was deleted in this transaction", table, id)
		}
		if repo.Model().IsCollection(table) {
			rows, err := parseRows(args[2:])
			if err != nil {
				return err
			}
			if err := f.SetRows(rows); err != nil {
				return writeErr(err)
			}
		} else {
			row, err := parseAssignments(args[2:])
			if err != nil {
				return err
			}
			for k, v := range row {
				if err := f.Put(k, v); err != nil {
					return writeErr(err)
				}
			}
		}
		view = viewOf(f)
		return nil
	})
	if err != nil {
		return err
	}
	return printViews(cmd, []rowView{view})
}

func writeErr(err error) error {
	if errors.Is(err, types.ErrConcurrentModification) {
		return fmt.Errorf("write: %w; retry the command", err)
	}
	return err
}
