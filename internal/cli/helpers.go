package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/rowcache/internal/cache"
	"github.com/mesh-intelligence/rowcache/internal/logging"
	"github.com/mesh-intelligence/rowcache/internal/repository"
	"github.com/mesh-intelligence/rowcache/pkg/types"
)

// errNotFound is returned by data commands when a requested row is absent.
var errNotFound = errors.New("not found")

// openRepository loads the configuration and opens the repository. The
// caller must Close it.
func openRepository(cmd *cobra.Command) (*repository.Repository, error) {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return nil, err
	}
	repo, err := repository.Open(cmd.Context(), cfg, repository.Options{
		Logger: logging.Component(logger, "cli"),
	})
	if err != nil {
		if isConfigError(err) {
			return nil, err
		}
		return nil, systemErr(fmt.Errorf("open repository: %w", err))
	}
	return repo, nil
}

func isConfigError(err error) bool {
	for _, target := range []error{
		types.ErrBackendEmpty, types.ErrBackendUnknown, types.ErrCacheSizeInvalid,
		types.ErrIDStrategyUnknown, types.ErrFulltextTypeUnknown, types.ErrClusterListenEmpty,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// withSession opens the repository and one session, runs fn in a
// transaction and commits it. fn's error rolls the transaction back.
func withSession(cmd *cobra.Command, fn func(ctx context.Context, repo *repository.Repository, s *cache.Session) error) error {
	repo, err := openRepository(cmd)
	if err != nil {
		return err
	}
	defer repo.Close()

	s, err := repo.NewSession()
	if err != nil {
		return systemErr(err)
	}
	defer s.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := s.Begin(ctx); err != nil {
		return systemErr(err)
	}
	if err := fn(ctx, repo, s); err != nil {
		rollback(repo.Logger(), s, err)
		return err
	}
	if err := s.Commit(ctx); err != nil {
		if errors.Is(err, types.ErrConcurrentModification) {
			return fmt.Errorf("commit: %w; retry the command", err)
		}
		return systemErr(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// rollback abandons the transaction of s after cause. A rollback failure is
// logged; cause remains the command's error.
func rollback(log *logrus.Entry, s *cache.Session, cause error) {
	if err := s.Rollback(); err != nil {
		log.WithError(err).WithField("cause", cause.Error()).Warn("rollback failed")
	}
}

// parseAssignments turns key=value arguments into a row. Values that parse
// as JSON keep their JSON type; anything else is a string.
func parseAssignments(args []string) (types.Row, error) {
	row := make(types.Row, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid assignment %q (want key=value)", arg)
		}
		row[key] = parseValue(value)
	}
	return row, nil
}

func parseValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return s
}

// parseRows decodes one JSON object per argument, for collection tables.
func parseRows(args []string) ([]types.Row, error) {
	rows := make([]types.Row, 0, len(args))
	for _, arg := range args {
		var row types.Row
		if err := json.Unmarshal([]byte(arg), &row); err != nil {
			return nil, fmt.Errorf("invalid collection row %q: %w", arg, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// rowView is how a fragment is printed.
type rowView struct {
	Table string      `json:"table"`
	ID    types.ID    `json:"id"`
	Row   types.Row   `json:"row,omitempty"`
	Rows  []types.Row `json:"rows,omitempty"`

	collection bool
}

func viewOf(f *cache.Fragment) rowView {
	v := rowView{Table: f.TableName(), ID: f.ID(), collection: f.IsCollection()}
	if v.collection {
		v.Rows = f.Rows()
	} else {
		v.Row = f.Row()
	}
	return v
}

// printViews writes views as a JSON array in --json mode, else one line
// per row.
func printViews(cmd *cobra.Command, views []rowView) error {
	if flags.jsonMode {
		return printJSON(cmd, views)
	}
	out := cmd.OutOrStdout()
	for _, v := range views {
		if v.collection {
			if len(v.Rows) == 0 {
				fmt.Fprintf(out, "%s/%s (empty)\n", v.Table, v.ID)
			}
			for i, r := range v.Rows {
				fmt.Fprintf(out, "%s/%s[%d] %s\n", v.Table, v.ID, i, formatRow(r))
			}
			continue
		}
		fmt.Fprintf(out, "%s/%s %s\n", v.Table, v.ID, formatRow(v.Row))
	}
	return nil
}

func formatRow(row types.Row) string {
	parts := make([]string, 0, len(row))
	for _, k := range slices.Sorted(maps.Keys(row)) {
		parts = append(parts, k+"="+formatValue(row[k]))
	}
	return strings.Join(parts, " ")
}

func formatValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return systemErr(fmt.Errorf("marshal JSON: %w", err))
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

func toIDs(args []string) []types.ID {
	ids := make([]types.ID, len(args))
	for i, a := range args {
		ids[i] = types.ID(a)
	}
	return ids
}
