package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/mesh-intelligence/rowcache/pkg/types"
)

// maxParams bounds the ids of one IN list, below SQLite's default limit on
// bound parameters.
const maxParams = 500

// querier is what both *sql.DB and *sql.Tx provide.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Mapper implements types.Mapper and types.Transactional for one session.
//
// Between BeginTx and CommitTx or RollbackTx, writes go to a SQL
// transaction that is opened at the first write, so a session that only
// reads never holds the database write lock. Reads use the transaction once
// it is open. Outside BeginTx each write commits on its own.
type Mapper struct {
	store *Store
	inTx  bool
	tx    *sql.Tx

	// created holds tables first created inside tx.
	created map[string]*table
}

var (
	_ types.Mapper        = (*Mapper)(nil)
	_ types.Transactional = (*Mapper)(nil)
)

// BeginTx implements types.Transactional.
func (m *Mapper) BeginTx(context.Context) error {
	if m.inTx {
		return errors.New("sqlite: transaction already open")
	}
	m.inTx = true
	return nil
}

// CommitTx implements types.Transactional.
func (m *Mapper) CommitTx() error {
	tx, created := m.tx, m.created
	m.inTx, m.tx, m.created = false, nil, nil
	if tx == nil {
		return nil
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	for _, t := range created {
		m.store.remember(t)
	}
	return nil
}

// RollbackTx implements types.Transactional.
func (m *Mapper) RollbackTx() error {
	tx := m.tx
	m.inTx, m.tx, m.created = false, nil, nil
	if tx == nil {
		return nil
	}
	return tx.Rollback()
}

// table resolves the statements for name. Once the session transaction
// holds the write lock, a missing table is created inside it, since the
// shared handle would wait on that very lock.
func (m *Mapper) table(ctx context.Context, name string) (*table, error) {
	if m.tx == nil {
		return m.store.table(ctx, name)
	}
	if t, ok, err := m.store.lookup(name); ok || err != nil {
		return t, err
	}
	if t, ok := m.created[name]; ok {
		return t, nil
	}
	t, err := m.store.create(ctx, m.tx, name)
	if err != nil {
		return nil, err
	}
	if m.created == nil {
		m.created = make(map[string]*table)
	}
	m.created[name] = t
	return t, nil
}

func (m *Mapper) reader() querier {
	if m.tx != nil {
		return m.tx
	}
	return m.store.db
}

// write runs fn in the session transaction, opening it if needed, or in a
// transaction of its own outside BeginTx.
func (m *Mapper) write(ctx context.Context, fn func(q querier) error) error {
	if m.inTx {
		if m.tx == nil {
			tx, err := m.store.db.BeginTx(ctx, nil)
			if err != nil {
				return fmt.Errorf("beginning transaction: %w", err)
			}
			m.tx = tx
		}
		return fn(m.tx)
	}

	tx, err := m.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// ReadRow implements types.Mapper.
func (m *Mapper) ReadRow(ctx context.Context, table string, id types.ID) (types.Row, error) {
	t, err := m.table(ctx, table)
	if err != nil {
		return nil, err
	}
	var data string
	err = m.reader().QueryRowContext(ctx, t.selectOne, string(id)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeRow(data)
}

// ReadRows implements types.Mapper.
func (m *Mapper) ReadRows(ctx context.Context, table string, ids []types.ID) (map[types.ID]types.Row, error) {
	t, err := m.table(ctx, table)
	if err != nil {
		return nil, err
	}
	out := make(map[types.ID]types.Row, len(ids))
	err = m.selectIn(ctx, t, ids, func(id types.ID, data string) error {
		row, err := decodeRow(data)
		if err != nil {
			return err
		}
		out[id] = row
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReadCollection implements types.Mapper.
func (m *Mapper) ReadCollection(ctx context.Context, table string, id types.ID) ([]types.Row, error) {
	t, err := m.table(ctx, table)
	if err != nil {
		return nil, err
	}
	rows, err := m.reader().QueryContext(ctx, t.selectOne, string(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []types.Row{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		row, err := decodeRow(data)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// ReadCollections implements types.Mapper. Every requested id is present
// in the result, with an empty collection if it has no rows.
func (m *Mapper) ReadCollections(ctx context.Context, table string, ids []types.ID) (map[types.ID][]types.Row, error) {
	t, err := m.table(ctx, table)
	if err != nil {
		return nil, err
	}
	out := make(map[types.ID][]types.Row, len(ids))
	for _, id := range ids {
		out[id] = []types.Row{}
	}
	err = m.selectIn(ctx, t, ids, func(id types.ID, data string) error {
		row, err := decodeRow(data)
		if err != nil {
			return err
		}
		out[id] = append(out[id], row)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// selectIn runs the IN query of t for ids, maxParams at a time.
func (m *Mapper) selectIn(ctx context.Context, t *table, ids []types.ID, fn func(types.ID, string) error) error {
	for start := 0; start < len(ids); start += maxParams {
		chunk := ids[start:min(start+maxParams, len(ids))]
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = string(id)
		}
		rows, err := m.reader().QueryContext(ctx, fmt.Sprintf(t.selectMany, placeholders(len(chunk))), args...)
		if err != nil {
			return err
		}
		for rows.Next() {
			var id, data string
			if err := rows.Scan(&id, &data); err != nil {
				rows.Close()
				return err
			}
			if err := fn(types.ID(id), data); err != nil {
				rows.Close()
				return err
			}
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// InsertRow implements types.Mapper. Ids are stored as given.
func (m *Mapper) InsertRow(ctx context.Context, table string, id types.ID, row types.Row) (types.ID, error) {
	t, err := m.table(ctx, table)
	if err != nil {
		return "", err
	}
	data, err := encodeRow(row)
	if err != nil {
		return "", err
	}
	err = m.write(ctx, func(q querier) error {
		_, err := q.ExecContext(ctx, t.insert, string(id), data)
		return err
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// UpdateRow implements types.Mapper. The whole row is written; dirty is
// only logged.
func (m *Mapper) UpdateRow(ctx context.Context, table string, id types.ID, row types.Row, dirty []string) error {
	t, err := m.table(ctx, table)
	if err != nil {
		return err
	}
	data, err := encodeRow(row)
	if err != nil {
		return err
	}
	m.store.log.WithFields(logrus.Fields{"table": table, "id": id, "dirty": dirty}).Trace("update row")
	return m.write(ctx, func(q querier) error {
		_, err := q.ExecContext(ctx, t.upsert, string(id), data)
		return err
	})
}

// InsertCollection implements types.Mapper.
func (m *Mapper) InsertCollection(ctx context.Context, table string, id types.ID, rows []types.Row) error {
	return m.replaceCollection(ctx, table, id, rows)
}

// UpdateCollection implements types.Mapper.
func (m *Mapper) UpdateCollection(ctx context.Context, table string, id types.ID, rows []types.Row) error {
	return m.replaceCollection(ctx, table, id, rows)
}

func (m *Mapper) replaceCollection(ctx context.Context, table string, id types.ID, rows []types.Row) error {
	t, err := m.table(ctx, table)
	if err != nil {
		return err
	}
	encoded := make([]string, len(rows))
	for i, row := range rows {
		if encoded[i], err = encodeRow(row); err != nil {
			return err
		}
	}
	return m.write(ctx, func(q querier) error {
		if _, err := q.ExecContext(ctx, t.deleteByID, string(id)); err != nil {
			return err
		}
		for pos, data := range encoded {
			if _, err := q.ExecContext(ctx, t.insertAtPos, string(id), pos, data); err != nil {
				return err
			}
		}
		return nil
	})
}

// Delete implements types.Mapper.
func (m *Mapper) Delete(ctx context.Context, table string, id types.ID) error {
	t, err := m.table(ctx, table)
	if err != nil {
		return err
	}
	return m.write(ctx, func(q querier) error {
		_, err := q.ExecContext(ctx, t.deleteByID, string(id))
		return err
	})
}
