// Package sqlite stores rowcache tables in a SQLite database and serves
// them to the cache through a types.Mapper.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/mesh-intelligence/rowcache/pkg/types"
)

// DBFileName is the database file created in the data directory.
const DBFileName = "rowcache.db"

// busyTimeoutMillis bounds how long a writer waits for another
// connection's write lock.
const busyTimeoutMillis = 5000

// Store owns the database shared by every session of a repository. Tables
// are created on first use, simple or collection according to the model.
type Store struct {
	db    *sql.DB
	path  string
	model types.Model
	log   *logrus.Entry

	mu     sync.Mutex
	tables map[string]*table
	closed bool
}

// Open opens or creates the database in dataDir.
func Open(ctx context.Context, dataDir string, model types.Model, log *logrus.Entry) (*Store, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	path := filepath.Join(dataDir, DBFileName)
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_txlock=immediate",
		path, busyTimeoutMillis)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}

	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = logrus.NewEntry(l)
	}
	return &Store{
		db:     db,
		path:   path,
		model:  model,
		log:    log.WithField("component", "sqlite"),
		tables: make(map[string]*table),
	}, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// NewMapper returns a Mapper for one session. Mappers share the database
// but each has its own transaction.
func (s *Store) NewMapper() *Mapper {
	return &Mapper{store: s}
}

// Tables lists the tables present in the database, sorted.
func (s *Store) Tables(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`)
	if err != nil {
		return nil, fmt.Errorf("listing tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("listing tables: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing tables: %w", err)
	}
	slices.Sort(names)
	return names, nil
}

// Close closes the database. Close is idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// table returns the statements for name, creating the SQL table on first
// use through the shared handle.
func (s *Store) table(ctx context.Context, name string) (*table, error) {
	if t, ok, err := s.lookup(name); ok || err != nil {
		return t, err
	}
	t, err := s.create(ctx, s.db, name)
	if err != nil {
		return nil, err
	}
	s.remember(t)
	return t, nil
}

func (s *Store) lookup(name string) (*table, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, ErrStoreClosed
	}
	t, ok := s.tables[name]
	return t, ok, nil
}

// create runs the DDL of name on q. The table is not remembered: a table
// created inside a transaction exists only once the transaction commits.
func (s *Store) create(ctx context.Context, q querier, name string) (*table, error) {
	t, err := newTable(name, s.isCollection(name))
	if err != nil {
		return nil, err
	}
	if _, err := q.ExecContext(ctx, t.ddl); err != nil {
		return nil, fmt.Errorf("creating table %s: %w", name, err)
	}
	return t, nil
}

func (s *Store) remember(tables ...*table) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tables {
		if _, ok := s.tables[t.name]; !ok {
			s.log.WithField("table", t.name).Debug("table ready")
			s.tables[t.name] = t
		}
	}
}

func (s *Store) isCollection(name string) bool {
	return s.model != nil && s.model.IsCollection(name)
}

// placeholders returns "?, ?, ..." for n parameters.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
