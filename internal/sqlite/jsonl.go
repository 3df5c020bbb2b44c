package sqlite

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mesh-intelligence/rowcache/pkg/types"
)

// record is one line of a JSONL dump. Pos is set for collection rows only.
type record struct {
	Table string          `json:"table"`
	ID    types.ID        `json:"id"`
	Pos   *int            `json:"pos,omitempty"`
	Data  json.RawMessage `json:"data"`
}

// readJSONL reads a JSONL file and returns each non-empty, parseable line.
// Malformed lines are skipped.
func readJSONL(path string) ([]json.RawMessage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	var lines []json.RawMessage
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 || !json.Valid(line) {
			continue
		}
		lines = append(lines, json.RawMessage(append([]byte(nil), line...)))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning %s: %w", path, err)
	}
	return lines, nil
}

// writeJSONL writes lines to path atomically: temp file, fsync, rename.
func writeJSONL(path string, lines []json.RawMessage) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".jsonl-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	w := bufio.NewWriter(tmp)
	for _, line := range lines {
		if _, err = w.Write(line); err != nil {
			return fmt.Errorf("writing record: %w", err)
		}
		if err = w.WriteByte('\n'); err != nil {
			return fmt.Errorf("writing newline: %w", err)
		}
	}
	if err = w.Flush(); err != nil {
		return fmt.Errorf("flushing buffer: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err = os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}

// ExportJSONL dumps every table to path, one record per row, and returns
// the number of records written.
func (s *Store) ExportJSONL(ctx context.Context, path string) (int, error) {
	names, err := s.Tables(ctx)
	if err != nil {
		return 0, err
	}

	var lines []json.RawMessage
	for _, name := range names {
		collection := s.isCollection(name)
		query := `SELECT id, data FROM "` + name + `" ORDER BY id`
		if collection {
			query = `SELECT id, data, pos FROM "` + name + `" ORDER BY id, pos`
		}
		rows, err := s.db.QueryContext(ctx, query)
		if err != nil {
			return 0, fmt.Errorf("exporting %s: %w", name, err)
		}
		for rows.Next() {
			rec := record{Table: name}
			var data string
			dest := []any{&rec.ID, &data}
			var pos int
			if collection {
				dest = append(dest, &pos)
				rec.Pos = &pos
			}
			if err := rows.Scan(dest...); err != nil {
				rows.Close()
				return 0, fmt.Errorf("exporting %s: %w", name, err)
			}
			rec.Data = json.RawMessage(data)
			line, err := json.Marshal(rec)
			if err != nil {
				rows.Close()
				return 0, fmt.Errorf("exporting %s: %w", name, err)
			}
			lines = append(lines, line)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return 0, fmt.Errorf("exporting %s: %w", name, err)
		}
	}

	if err := writeJSONL(path, lines); err != nil {
		return 0, err
	}
	return len(lines), nil
}

// ImportJSONL loads a dump written by ExportJSONL in one transaction,
// replacing rows that already exist. It returns the ids it wrote, as
// modified, so that caches can be invalidated.
func (s *Store) ImportJSONL(ctx context.Context, path string) (*types.Invalidations, error) {
	lines, err := readJSONL(path)
	if err != nil {
		return nil, err
	}

	simple := make(map[string][]record)
	collections := make(map[string]map[types.ID][]record)
	var order []string
	seen := make(map[string]bool)
	for _, line := range lines {
		var rec record
		if err := json.Unmarshal(line, &rec); err != nil || rec.Table == "" || rec.ID == "" {
			continue
		}
		if !seen[rec.Table] {
			seen[rec.Table] = true
			order = append(order, rec.Table)
		}
		if s.isCollection(rec.Table) {
			if collections[rec.Table] == nil {
				collections[rec.Table] = make(map[types.ID][]record)
			}
			collections[rec.Table][rec.ID] = append(collections[rec.Table][rec.ID], rec)
			continue
		}
		simple[rec.Table] = append(simple[rec.Table], rec)
	}

	tables := make(map[string]*table, len(order))
	for _, name := range order {
		if tables[name], err = s.table(ctx, name); err != nil {
			return nil, err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning import: %w", err)
	}
	defer tx.Rollback()

	inv := types.NewInvalidations()
	for _, name := range order {
		t := tables[name]
		for _, rec := range simple[name] {
			if _, err := tx.ExecContext(ctx, t.upsert, string(rec.ID), string(rec.Data)); err != nil {
				return nil, fmt.Errorf("importing %s/%s: %w", name, rec.ID, err)
			}
			inv.AddModified(name, rec.ID)
		}
		for id, recs := range collections[name] {
			if _, err := tx.ExecContext(ctx, t.deleteByID, string(id)); err != nil {
				return nil, fmt.Errorf("importing %s/%s: %w", name, id, err)
			}
			for i, rec := range recs {
				pos := i
				if rec.Pos != nil {
					pos = *rec.Pos
				}
				if _, err := tx.ExecContext(ctx, t.insertAtPos, string(id), pos, string(rec.Data)); err != nil {
					return nil, fmt.Errorf("importing %s/%s: %w", name, id, err)
				}
			}
			inv.AddModified(name, id)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing import: %w", err)
	}
	return inv, nil
}
