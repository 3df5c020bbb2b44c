package cache

import (
	"context"
	"errors"
	"io"
	"maps"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/mesh-intelligence/rowcache/internal/idgen"
	"github.com/mesh-intelligence/rowcache/internal/schema"
	"github.com/mesh-intelligence/rowcache/pkg/types"
)

// fakeBackend is the shared durable state several fakeMappers read and
// write, standing in for one database.
type fakeBackend struct {
	mu    sync.Mutex
	rows  map[string]map[types.ID]types.Row
	colls map[string]map[types.ID][]types.Row
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		rows:  make(map[string]map[types.ID]types.Row),
		colls: make(map[string]map[types.ID][]types.Row),
	}
}

func (b *fakeBackend) put(table string, id types.ID, row types.Row) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rows[table] == nil {
		b.rows[table] = make(map[types.ID]types.Row)
	}
	b.rows[table][id] = row.Clone()
}

func (b *fakeBackend) putCollection(table string, id types.ID, rows []types.Row) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.colls[table] == nil {
		b.colls[table] = make(map[types.ID][]types.Row)
	}
	b.colls[table][id] = types.CloneRows(rows)
}

func (b *fakeBackend) row(table string, id types.ID) types.Row {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rows[table][id].Clone()
}

func (b *fakeBackend) collection(table string, id types.ID) []types.Row {
	b.mu.Lock()
	defer b.mu.Unlock()
	return types.CloneRows(b.colls[table][id])
}

// fakeMapper is a counting types.Mapper and types.Transactional over a
// fakeBackend.
type fakeMapper struct {
	b *fakeBackend

	calls    map[string]int
	bulkIDs  [][]types.ID
	writes   []string // "op table/id" in call order
	durable  func(types.ID) types.ID
	failRead error

	// failWrite fails writes to the listed "table/id" targets.
	failWrite map[string]error

	begun, committed, rolledBack int
}

func newFakeMapper(b *fakeBackend) *fakeMapper {
	return &fakeMapper{b: b, calls: make(map[string]int)}
}

func (m *fakeMapper) ReadRow(_ context.Context, table string, id types.ID) (types.Row, error) {
	m.calls["ReadRow"]++
	if m.failRead != nil {
		return nil, m.failRead
	}
	return m.b.row(table, id), nil
}

func (m *fakeMapper) ReadRows(_ context.Context, table string, ids []types.ID) (map[types.ID]types.Row, error) {
	m.calls["ReadRows"]++
	m.bulkIDs = append(m.bulkIDs, slices.Clone(ids))
	if m.failRead != nil {
		return nil, m.failRead
	}
	out := make(map[types.ID]types.Row)
	for _, id := range ids {
		if row := m.b.row(table, id); row != nil {
			out[id] = row
		}
	}
	return out, nil
}

func (m *fakeMapper) ReadCollection(_ context.Context, table string, id types.ID) ([]types.Row, error) {
	m.calls["ReadCollection"]++
	if m.failRead != nil {
		return nil, m.failRead
	}
	rows := m.b.collection(table, id)
	if rows == nil {
		rows = []types.Row{}
	}
	return rows, nil
}

func (m *fakeMapper) ReadCollections(_ context.Context, table string, ids []types.ID) (map[types.ID][]types.Row, error) {
	m.calls["ReadCollections"]++
	m.bulkIDs = append(m.bulkIDs, slices.Clone(ids))
	if m.failRead != nil {
		return nil, m.failRead
	}
	out := make(map[types.ID][]types.Row)
	for _, id := range ids {
		out[id] = m.b.collection(table, id)
	}
	return out, nil
}

func (m *fakeMapper) writeErr(table string, id types.ID) error {
	return m.failWrite[table+"/"+string(id)]
}

func (m *fakeMapper) InsertRow(_ context.Context, table string, id types.ID, row types.Row) (types.ID, error) {
	m.calls["InsertRow"]++
	if err := m.writeErr(table, id); err != nil {
		return "", err
	}
	if m.durable != nil {
		id = m.durable(id)
	}
	m.writes = append(m.writes, "insert "+table+"/"+string(id))
	m.b.put(table, id, row)
	return id, nil
}

func (m *fakeMapper) UpdateRow(_ context.Context, table string, id types.ID, row types.Row, _ []string) error {
	m.calls["UpdateRow"]++
	if err := m.writeErr(table, id); err != nil {
		return err
	}
	m.writes = append(m.writes, "update "+table+"/"+string(id))
	m.b.put(table, id, row)
	return nil
}

func (m *fakeMapper) InsertCollection(_ context.Context, table string, id types.ID, rows []types.Row) error {
	m.calls["InsertCollection"]++
	if err := m.writeErr(table, id); err != nil {
		return err
	}
	m.writes = append(m.writes, "insert "+table+"/"+string(id))
	m.b.putCollection(table, id, rows)
	return nil
}

func (m *fakeMapper) UpdateCollection(_ context.Context, table string, id types.ID, rows []types.Row) error {
	m.calls["UpdateCollection"]++
	if err := m.writeErr(table, id); err != nil {
		return err
	}
	m.writes = append(m.writes, "update "+table+"/"+string(id))
	m.b.putCollection(table, id, rows)
	return nil
}

func (m *fakeMapper) Delete(_ context.Context, table string, id types.ID) error {
	m.calls["Delete"]++
	if err := m.writeErr(table, id); err != nil {
		return err
	}
	m.writes = append(m.writes, "delete "+table+"/"+string(id))
	m.b.mu.Lock()
	defer m.b.mu.Unlock()
	delete(m.b.rows[table], id)
	delete(m.b.colls[table], id)
	return nil
}

func (m *fakeMapper) BeginTx(context.Context) error { m.begun++; return nil }
func (m *fakeMapper) CommitTx() error               { m.committed++; return nil }
func (m *fakeMapper) RollbackTx() error             { m.rolledBack++; return nil }

func (m *fakeMapper) reads() int {
	return m.calls["ReadRow"] + m.calls["ReadRows"] + m.calls["ReadCollection"] + m.calls["ReadCollections"]
}

// dbIDs renames client-side ids UUID_<n> to DB_<n> on insert.
func dbIDs(id types.ID) types.ID {
	if rest, ok := strings.CutPrefix(string(id), idgen.SequentialPrefix); ok {
		return types.ID("DB_" + rest)
	}
	return id
}

// fakeIndexer records MarkDirty calls.
type fakeIndexer struct {
	strings, binaries []types.ID
	calls             int
}

func (x *fakeIndexer) MarkDirty(dirtyStrings, dirtyBinaries []types.ID) {
	x.calls++
	x.strings = append(x.strings, dirtyStrings...)
	x.binaries = append(x.binaries, dirtyBinaries...)
}

var errBackendDown = errors.New("backend down")

func testModel(t *testing.T) *schema.Model {
	t.Helper()
	m, err := schema.New(types.SchemaConfig{
		Tables: map[string]types.TableConfig{
			"dublincore": {Fulltext: map[string]string{"title": "string"}},
			"content":    {Fulltext: map[string]string{"data": "binary"}},
			"subjects":   {Collection: true, Fulltext: map[string]string{"item": "string"}},
			"acls":       {Collection: true},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// setupSession returns a session over a fresh backend. opts may adjust the
// session options before it is built.
func setupSession(t *testing.T, opts ...func(*Options)) (*Session, *fakeMapper) {
	t.Helper()
	return setupSessionOn(t, newFakeBackend(), opts...)
}

func setupSessionOn(t *testing.T, b *fakeBackend, opts ...func(*Options)) (*Session, *fakeMapper) {
	t.Helper()
	m := newFakeMapper(b)
	o := Options{
		CacheSize: 100,
		IDs:       &idgen.Sequential{},
		Logger:    quietLogger(),
		Metrics:   NewMetrics(nil),
	}
	for _, fn := range opts {
		fn(&o)
	}
	s := NewSession(m, testModel(t), o)
	t.Cleanup(func() { _ = s.Close() })
	return s, m
}

func withHook(t *testing.T) (func(*Options), *test.Hook) {
	t.Helper()
	logger, hook := test.NewNullLogger()
	return func(o *Options) { o.Logger = logrus.NewEntry(logger) }, hook
}

func ids(set map[types.ID]struct{}) []types.ID {
	return slices.Sorted(maps.Keys(set))
}
