package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/mesh-intelligence/rowcache/pkg/types"
)

// Options configure a Session. IDs is required only by sessions that call
// GenerateID.
type Options struct {
	// CacheSize bounds the pristine entries kept per table.
	CacheSize int
	// IDs allocates ids for rows created client-side.
	IDs types.IDGenerator
	// Fulltext, if set, receives the documents to reindex after each save.
	Fulltext types.FulltextIndexer
	// Logger is the base log entry; a discarding logger is used if nil.
	Logger *logrus.Entry
	// Metrics records cache activity; nil records nothing.
	Metrics *Metrics
	// Publish, if set, receives the invalidations of each commit, to be
	// delivered to the other sessions of the repository.
	Publish func(*types.Invalidations)
	// OnClose, if set, is called once when the session is closed.
	OnClose func()
}

// ErrSessionClosed is returned by operations on a closed session.
var ErrSessionClosed = errors.New("session closed")

// Session groups the tables of one user of a repository and coordinates
// their saves and transactions. A Session is used by one goroutine at a
// time, except for Invalidate, which may be called from any goroutine.
type Session struct {
	mapper types.Mapper
	model  types.Model
	opts   Options
	log    *logrus.Entry

	mu     sync.RWMutex // guards tables and closed
	tables map[string]*Table
	closed bool

	newIDs map[types.ID]struct{}
	inTx   bool
}

// NewSession creates a session reading and writing through mapper.
func NewSession(mapper types.Mapper, model types.Model, opts Options) *Session {
	log := opts.Logger
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = logrus.NewEntry(l)
	}
	s := &Session{
		mapper: mapper,
		model:  model,
		opts:   opts,
		log:    log,
		tables: make(map[string]*Table),
		newIDs: make(map[types.ID]struct{}),
	}
	if r, ok := mapper.(types.InvalidationReporter); ok {
		r.SetInvalidationSink(s)
	}
	return s
}

var _ types.InvalidationSink = (*Session)(nil)

// MarkInvalidated implements types.InvalidationSink. It is called by the
// session's Mapper from within a session operation. See Table.MarkInvalidated.
func (s *Session) MarkInvalidated(table string, id types.ID, wasModified bool) {
	s.Table(table).MarkInvalidated(id, wasModified)
}

// Table returns the table cache for name, creating it on first use.
func (s *Session) Table(name string) *Table {
	s.mu.RLock()
	t, ok := s.tables[name]
	s.mu.RUnlock()
	if ok {
		return t
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tables[name]; ok {
		return t
	}
	t = newTable(name, s.mapper, s.model, s, tableConfig{
		cacheSize: s.opts.CacheSize,
		log:       s.log,
		metrics:   s.opts.Metrics,
	})
	s.tables[name] = t
	return t
}

// Tables returns the names of the tables used so far, sorted.
func (s *Session) Tables() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.tables))
}

// GenerateID allocates an id for a new row. The id is known to have no
// backend row until the next save.
func (s *Session) GenerateID() types.ID {
	if s.opts.IDs == nil {
		panic("rowcache: session has no id generator")
	}
	id := s.opts.IDs.NewID()
	s.newIDs[id] = struct{}{}
	return id
}

// IsNew reports whether id was generated by this session and not yet saved.
func (s *Session) IsNew(id types.ID) bool {
	_, ok := s.newIDs[id]
	return ok
}

// Create registers a new row in table.
func (s *Session) Create(table string, id types.ID, row types.Row) (*Fragment, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.Table(table).Create(id, row)
}

// CreateCollection registers a new collection in table.
func (s *Session) CreateCollection(table string, id types.ID, rows []types.Row) (*Fragment, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.Table(table).CreateCollection(id, rows)
}

// Get returns the fragment of table for id. See Table.Get.
func (s *Session) Get(ctx context.Context, table string, id types.ID, allowAbsent bool) (*Fragment, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.Table(table).Get(ctx, id, allowAbsent)
}

// GetMulti returns the fragments of table for ids. See Table.GetMulti.
func (s *Session) GetMulti(ctx context.Context, table string, ids []types.ID, allowAbsent bool) ([]*Fragment, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.Table(table).GetMulti(ctx, ids, allowAbsent)
}

// Remove marks f deleted in its table.
func (s *Session) Remove(f *Fragment) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	f.table.Remove(f)
	return nil
}

// RemoveID marks the row of table with id deleted.
func (s *Session) RemoveID(table string, id types.ID) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.Table(table).RemoveID(id)
	return nil
}

// ContainingDocument returns the document that id belongs to: complex
// properties are stored as hierarchy rows flagged as properties, and the
// walk goes up their parents until a row that is not a property. An id with
// no hierarchy row is its own document.
func (s *Session) ContainingDocument(ctx context.Context, id types.ID) (types.ID, error) {
	hierarchy := s.Table(s.model.HierarchyTable())
	seen := make(map[types.ID]struct{})
	for {
		if _, ok := seen[id]; ok {
			return "", fmt.Errorf("containing document of %s: cycle in hierarchy", id)
		}
		seen[id] = struct{}{}

		f, err := hierarchy.Get(ctx, id, false)
		if err != nil {
			return "", err
		}
		if f == nil || !truthy(f.Get(types.KeyIsProperty)) {
			return id, nil
		}
		parent, ok := asID(f.Get(types.KeyParentID))
		if !ok {
			return id, nil
		}
		id = parent
	}
}

func truthy(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case int:
		return b != 0
	case int64:
		return b != 0
	case float64:
		return b != 0
	case string:
		return b == "true" || b == "1"
	}
	return false
}

// Save writes all pending changes. The hierarchy table is saved first so
// that the durable ids of new rows are known when their children and
// properties are saved. Documents needing reindexing are handed to the
// fulltext indexer afterwards.
func (s *Session) Save(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	tables := s.saveOrder()

	dirtyStrings := make(map[types.ID]struct{})
	dirtyBinaries := make(map[types.ID]struct{})
	if s.opts.Fulltext != nil {
		for _, t := range tables {
			if err := t.FindDirtyDocuments(ctx, dirtyStrings, dirtyBinaries); err != nil {
				return fmt.Errorf("finding dirty documents: %w", err)
			}
		}
	}

	idMap := make(map[types.ID]types.ID)
	for _, t := range tables {
		if err := t.Save(ctx, idMap); err != nil {
			return err
		}
	}
	clear(s.newIDs)

	if s.opts.Fulltext != nil && (len(dirtyStrings) > 0 || len(dirtyBinaries) > 0) {
		s.opts.Fulltext.MarkDirty(remapIDs(dirtyStrings, idMap), remapIDs(dirtyBinaries, idMap))
	}
	return nil
}

func (s *Session) saveOrder() []*Table {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hierarchy := s.model.HierarchyTable()
	tables := make([]*Table, 0, len(s.tables))
	if t, ok := s.tables[hierarchy]; ok {
		tables = append(tables, t)
	}
	for _, name := range slices.Sorted(maps.Keys(s.tables)) {
		if name != hierarchy {
			tables = append(tables, s.tables[name])
		}
	}
	return tables
}

func remapIDs(set map[types.ID]struct{}, idMap map[types.ID]types.ID) []types.ID {
	out := make(map[types.ID]struct{}, len(set))
	for id := range set {
		if newID, ok := idMap[id]; ok {
			id = newID
		}
		out[id] = struct{}{}
	}
	return slices.Sorted(maps.Keys(out))
}

// Begin starts a transaction. Invalidations received since the previous
// transaction are applied first, so reads see other writers' commits.
func (s *Session) Begin(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if s.inTx {
		return errors.New("transaction already started")
	}
	s.ProcessReceivedInvalidations()
	if tx, ok := s.mapper.(types.Transactional); ok {
		if err := tx.BeginTx(ctx); err != nil {
			return &types.StorageError{Op: "begin", Err: err}
		}
	}
	s.inTx = true
	return nil
}

// Commit saves pending changes, checks them against invalidations received
// meanwhile, commits the backend transaction and publishes what changed.
// On ErrConcurrentModification the transaction is rolled back.
func (s *Session) Commit(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.Save(ctx); err != nil {
		s.rollbackAfter(err)
		return err
	}
	if err := s.CheckReceivedInvalidations(); err != nil {
		s.rollbackAfter(err)
		return err
	}
	if tx, ok := s.mapper.(types.Transactional); ok && s.inTx {
		if err := tx.CommitTx(); err != nil {
			err = &types.StorageError{Op: "commit", Err: err}
			s.rollbackAfter(err)
			return err
		}
	}
	s.inTx = false

	inv := s.GatherInvalidations()
	if !inv.IsEmpty() && s.opts.Publish != nil {
		s.opts.Publish(inv)
	}
	return nil
}

func (s *Session) rollbackAfter(cause error) {
	if err := s.Rollback(); err != nil {
		s.log.WithError(err).WithField("cause", cause.Error()).Warn("rollback failed")
	}
}

// Rollback abandons the transaction: the backend transaction is rolled back
// and every cached entry is dropped, since pending changes and what was
// read under them are no longer trustworthy.
func (s *Session) Rollback() error {
	var err error
	if tx, ok := s.mapper.(types.Transactional); ok && s.inTx {
		if rerr := tx.RollbackTx(); rerr != nil {
			err = &types.StorageError{Op: "rollback", Err: rerr}
		}
	}
	s.inTx = false
	s.ClearCaches()
	clear(s.newIDs)
	return err
}

// InTransaction reports whether Begin was called without a matching Commit
// or Rollback.
func (s *Session) InTransaction() bool { return s.inTx }

// GatherInvalidations collects and resets the ids changed by this session.
func (s *Session) GatherInvalidations() *types.Invalidations {
	inv := types.NewInvalidations()
	for _, t := range s.snapshot() {
		t.GatherInvalidations(inv)
	}
	return inv
}

// Invalidate queues invalidations received from another writer. Tables the
// session has not used yet hold nothing to invalidate and are skipped. Safe
// for concurrent use.
func (s *Session) Invalidate(inv *types.Invalidations) {
	if inv == nil || inv.IsEmpty() {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, name := range inv.Tables() {
		if t, ok := s.tables[name]; ok {
			t.Invalidate(inv)
		}
	}
}

// ProcessReceivedInvalidations applies queued invalidations to every table.
func (s *Session) ProcessReceivedInvalidations() {
	for _, t := range s.snapshot() {
		t.ProcessReceivedInvalidations()
	}
}

// CheckReceivedInvalidations returns ErrConcurrentModification if a row
// written by this session was changed by another writer since.
func (s *Session) CheckReceivedInvalidations() error {
	for _, t := range s.snapshot() {
		if err := t.CheckReceivedInvalidations(); err != nil {
			return err
		}
	}
	return nil
}

// ClearCaches drops every cached entry of every table and returns the
// number of evictable entries dropped.
func (s *Session) ClearCaches() int {
	n := 0
	for _, t := range s.snapshot() {
		n += t.ClearCaches()
	}
	return n
}

// EvictPristine drops every evictable entry and keeps pending changes.
func (s *Session) EvictPristine() int {
	n := 0
	for _, t := range s.snapshot() {
		n += t.EvictPristine()
	}
	return n
}

// Close rolls back an open transaction and releases the session. Closing
// twice does nothing.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	var err error
	if s.inTx {
		err = s.Rollback()
	}
	for _, t := range s.snapshot() {
		t.close()
	}
	if s.opts.OnClose != nil {
		s.opts.OnClose()
	}
	return err
}

func (s *Session) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSessionClosed
	}
	return nil
}

func (s *Session) snapshot() []*Table {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Collect(maps.Values(s.tables))
}
