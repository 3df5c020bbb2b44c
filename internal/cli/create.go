package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/rowcache/internal/cache"
	"github.com/mesh-intelligence/rowcache/internal/repository"
)

func newCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <table> key=value...",
		Short: "Create a row under a generated id",
		Long: `Create allocates an id with the configured id strategy and inserts
a new row. The id is printed. For collection tables each argument is a
JSON object.

Example:
  rowcache create dublincore title="Annual report"`,
		Args: cobra.MinimumNArgs(1),
		RunE: runCreate,
	}
}

func runCreate(cmd *cobra.Command, args []string) error {
	table := args[0]
	var view rowView
	err := withSession(cmd, func(ctx context.Context, repo *repository.Repository, s *cache.Session) error {
		id := s.GenerateID()
		var f *cache.Fragment
		if repo.Model().IsCollection(table) {
			rows, err := parseRows(args[1:])
			if err != nil {
				return err
			}
			if f, err = s.CreateCollection(table, id, rows); err != nil {
				return err
			}
		} else {
			row, err := parseAssignments(args[1:])
			if err != nil {
				return err
			}
			if f, err = s.Create(table, id, row); err != nil {
				return err
			}
		}
		view = viewOf(f)
		return nil
	})
	if err != nil {
		return err
	}
	if flags.jsonMode {
		return printViews(cmd, []rowView{view})
	}
	fmt.Fprintln(cmd.OutOrStdout(), view.ID)
	return nil
}
