package sqlite

import (
	"errors"
	"fmt"
	"regexp"
)

// Store errors.
var (
	ErrStoreClosed      = errors.New("store closed")
	ErrInvalidTableName = errors.New("invalid table name")
)

// tableNamePattern restricts table names to plain identifiers, which are
// then safe to splice into SQL.
var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// DDL per table kind. Row data is stored as one JSON document; collection
// rows keep their position.
const (
	createSimpleTable = `CREATE TABLE IF NOT EXISTS "%s" (
    id TEXT PRIMARY KEY,
    data TEXT NOT NULL
);`

	createCollectionTable = `CREATE TABLE IF NOT EXISTS "%s" (
    id TEXT NOT NULL,
    pos INTEGER NOT NULL,
    data TEXT NOT NULL,
    PRIMARY KEY (id, pos)
);`
)

// table holds the SQL for one logical table.
type table struct {
	name       string
	collection bool
	ddl        string

	selectOne   string
	selectMany  string // IN list appended
	insert      string
	upsert      string
	deleteByID  string
	insertAtPos string
}

func newTable(name string, collection bool) (*table, error) {
	if !tableNamePattern.MatchString(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTableName, name)
	}
	q := `"` + name + `"`
	t := &table{
		name:       name,
		collection: collection,
		deleteByID: `DELETE FROM ` + q + ` WHERE id = ?`,
	}
	if collection {
		t.ddl = fmt.Sprintf(createCollectionTable, name)
		t.selectOne = `SELECT data FROM ` + q + ` WHERE id = ? ORDER BY pos`
		t.selectMany = `SELECT id, data FROM ` + q + ` WHERE id IN (%s) ORDER BY id, pos`
		t.insertAtPos = `INSERT INTO ` + q + ` (id, pos, data) VALUES (?, ?, ?)`
		return t, nil
	}
	t.ddl = fmt.Sprintf(createSimpleTable, name)
	t.selectOne = `SELECT data FROM ` + q + ` WHERE id = ?`
	t.selectMany = `SELECT id, data FROM ` + q + ` WHERE id IN (%s)`
	t.insert = `INSERT INTO ` + q + ` (id, data) VALUES (?, ?)`
	t.upsert = `INSERT INTO ` + q + ` (id, data) VALUES (?, ?) ON CONFLICT(id) DO UPDATE SET data = excluded.data`
	return t, nil
}
