package cache

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/sirupsen/logrus"

	"github.com/mesh-intelligence/rowcache/pkg/types"
)

// owner is what a Table needs from its session.
type owner interface {
	// IsNew reports whether id was allocated client-side and not yet saved.
	IsNew(id types.ID) bool
	// ContainingDocument returns the document id a fragment id belongs to.
	ContainingDocument(ctx context.Context, id types.ID) (types.ID, error)
}

// Table holds the fragments of one table for one session. All unsaved
// changes of the session for the table are referenced here; Save sends them
// to the Mapper.
type Table struct {
	name       string
	collection bool
	mapper     types.Mapper
	model      types.Model
	owner      owner
	log        *logrus.Entry
	metrics    *Metrics

	// rows is the single id to fragment table; the entry state tells
	// whether it is evictable or pinned.
	rows     map[types.ID]*Fragment
	pristine *pristinePolicy
	pending  map[types.ID]*Fragment // modified-class entries of rows
	seq      uint64

	// Ids to publish to other sessions at commit.
	modifiedInTransaction map[types.ID]struct{}
	deletedInTransaction  map[types.ID]struct{}

	// Ids received from other writers, applied by the owner.
	inbox *inbox
}

type tableConfig struct {
	cacheSize int
	log       *logrus.Entry
	metrics   *Metrics
}

func newTable(name string, mapper types.Mapper, model types.Model, o owner, cfg tableConfig) *Table {
	t := &Table{
		name:                  name,
		collection:            model.IsCollection(name),
		mapper:                mapper,
		model:                 model,
		owner:                 o,
		log:                   cfg.log.WithField("table", name),
		metrics:               cfg.metrics,
		rows:                  make(map[types.ID]*Fragment),
		pending:               make(map[types.ID]*Fragment),
		modifiedInTransaction: make(map[types.ID]struct{}),
		deletedInTransaction:  make(map[types.ID]struct{}),
		inbox:                 newInbox(),
	}
	t.pristine = newPristinePolicy(cfg.cacheSize, t.evicted)
	return t
}

// Name returns the table name.
func (t *Table) Name() string { return t.name }

// IsCollection reports whether the table holds collection fragments.
func (t *Table) IsCollection() bool { return t.collection }

// Len returns the number of cached entries, pinned or not.
func (t *Table) Len() int { return len(t.rows) }

func (t *Table) String() string { return "Table(" + t.name + ")" }

// Create registers a new row. It fails with ErrAlreadyRegistered if id is
// already cached.
func (t *Table) Create(id types.ID, row types.Row) (*Fragment, error) {
	if t.collection {
		return nil, fmt.Errorf("create %s/%s: table holds collections", t.name, id)
	}
	if err := t.checkUnregistered(id); err != nil {
		return nil, err
	}
	f := t.newFragment(id, types.StateCreated)
	f.row = row.Clone()
	if f.row == nil {
		f.row = make(types.Row)
	}
	t.register(f)
	return f, nil
}

// CreateCollection registers a new collection. It fails with
// ErrAlreadyRegistered if id is already cached.
func (t *Table) CreateCollection(id types.ID, rows []types.Row) (*Fragment, error) {
	if !t.collection {
		return nil, fmt.Errorf("create %s/%s: table holds single rows", t.name, id)
	}
	if err := t.checkUnregistered(id); err != nil {
		return nil, err
	}
	f := t.newFragment(id, types.StateCreated)
	f.rows = types.CloneRows(rows)
	if f.rows == nil {
		f.rows = []types.Row{}
	}
	t.register(f)
	return f, nil
}

func (t *Table) checkUnregistered(id types.ID) error {
	f, ok := t.rows[id]
	if !ok {
		return nil
	}
	if f.state.IsInvalidated() {
		// Stale data, no longer a registration.
		t.drop(id)
		return nil
	}
	return fmt.Errorf("%w: %s/%s", types.ErrAlreadyRegistered, t.name, id)
}

// Get returns the fragment for id, reading it through the Mapper on a miss.
//
// A deleted fragment yields nil. An id with no row yields nil, or a cached
// absent fragment when allowAbsent is true, so that later lookups do not go
// back to the backend. Collection tables always yield a fragment, possibly
// with no rows.
func (t *Table) Get(ctx context.Context, id types.ID, allowAbsent bool) (*Fragment, error) {
	if f, ok := t.cached(id, allowAbsent); ok {
		return f, nil
	}
	return t.fetch(ctx, id, allowAbsent)
}

// GetMulti returns the fragments for ids, in the same order, with the same
// nil and absent rules as Get. Ids missing from the cache are read with a
// single bulk Mapper call.
func (t *Table) GetMulti(ctx context.Context, ids []types.ID, allowAbsent bool) ([]*Fragment, error) {
	if len(ids) == 0 {
		return []*Fragment{}, nil
	}

	// resolved holds every answer until the result is built, so evictions
	// caused by registering fetched fragments cannot lose earlier ones.
	resolved := make(map[types.ID]*Fragment, len(ids))
	var fetchIDs []types.ID
	queued := make(map[types.ID]struct{})
	for _, id := range ids {
		if _, ok := resolved[id]; ok {
			continue
		}
		if _, ok := queued[id]; ok {
			continue
		}
		if f, ok := t.cached(id, allowAbsent); ok {
			resolved[id] = f
			continue
		}
		queued[id] = struct{}{}
		fetchIDs = append(fetchIDs, id)
	}

	if len(fetchIDs) > 0 {
		fetched, err := t.fetchMulti(ctx, fetchIDs, allowAbsent)
		if err != nil {
			return nil, err
		}
		maps.Copy(resolved, fetched)
	}

	fragments := make([]*Fragment, len(ids))
	for i, id := range ids {
		fragments[i] = resolved[id]
	}
	return fragments, nil
}

// cached answers a lookup from the cache. ok is false when the Mapper must
// be consulted.
func (t *Table) cached(id types.ID, allowAbsent bool) (f *Fragment, ok bool) {
	f, ok = t.rows[id]
	if !ok {
		return nil, false
	}
	switch f.state {
	case types.StateDeleted:
		t.metrics.hit(t.name)
		return nil, true
	case types.StateInvalidatedModified:
		t.drop(id)
		return nil, false
	case types.StateInvalidatedDeleted:
		t.drop(id)
		t.metrics.hit(t.name)
		return t.notFound(id, allowAbsent), true
	case types.StateAbsent:
		t.pristine.touch(id)
		t.metrics.hit(t.name)
		if !allowAbsent && !t.collection {
			return nil, true
		}
		return f, true
	case types.StatePristine:
		t.pristine.touch(id)
	}
	t.metrics.hit(t.name)
	return f, true
}

// fetch reads one id through the Mapper and caches the result.
func (t *Table) fetch(ctx context.Context, id types.ID, allowAbsent bool) (*Fragment, error) {
	t.metrics.miss(t.name, 1)
	if t.owner.IsNew(id) {
		// Not saved yet, so nothing exists in the backend.
		return t.notFound(id, allowAbsent), nil
	}
	t.metrics.mapperRead(t.name, "single")
	if t.collection {
		rows, err := t.mapper.ReadCollection(ctx, t.name, id)
		if err != nil {
			return nil, t.storageError("read", id, err)
		}
		return t.loaded(id, nil, rows), nil
	}
	row, err := t.mapper.ReadRow(ctx, t.name, id)
	if err != nil {
		return nil, t.storageError("read", id, err)
	}
	if row == nil {
		return t.notFound(id, allowAbsent), nil
	}
	return t.loaded(id, row, nil), nil
}

// fetchMulti reads ids through one bulk Mapper call and caches the results.
func (t *Table) fetchMulti(ctx context.Context, ids []types.ID, allowAbsent bool) (map[types.ID]*Fragment, error) {
	t.metrics.miss(t.name, len(ids))
	fragments := make(map[types.ID]*Fragment, len(ids))

	var durable []types.ID
	for _, id := range ids {
		if t.owner.IsNew(id) {
			fragments[id] = t.notFound(id, allowAbsent)
		} else {
			durable = append(durable, id)
		}
	}
	if len(durable) == 0 {
		return fragments, nil
	}

	t.metrics.mapperRead(t.name, "bulk")
	if t.collection {
		collections, err := t.mapper.ReadCollections(ctx, t.name, durable)
		if err != nil {
			return nil, t.storageError("read", "", err)
		}
		for _, id := range durable {
			fragments[id] = t.loaded(id, nil, collections[id])
		}
		return fragments, nil
	}

	rows, err := t.mapper.ReadRows(ctx, t.name, durable)
	if err != nil {
		return nil, t.storageError("read", "", err)
	}
	for _, id := range durable {
		row := rows[id]
		if row == nil {
			fragments[id] = t.notFound(id, allowAbsent)
			continue
		}
		fragments[id] = t.loaded(id, row, nil)
	}
	return fragments, nil
}

// loaded registers a pristine fragment read from the backend.
func (t *Table) loaded(id types.ID, row types.Row, rows []types.Row) *Fragment {
	f := t.newFragment(id, types.StatePristine)
	if t.collection {
		f.rows = rows
		if f.rows == nil {
			f.rows = []types.Row{}
		}
	} else {
		f.row = row
	}
	t.register(f)
	return f
}

// notFound answers a lookup for an id with no row. Collections are never
// missing, only empty.
func (t *Table) notFound(id types.ID, allowAbsent bool) *Fragment {
	if !allowAbsent && !t.collection {
		return nil
	}
	f := t.newFragment(id, types.StateAbsent)
	if t.collection {
		f.rows = []types.Row{}
	}
	t.register(f)
	return f
}

// Remove marks a fragment deleted; the next Save deletes the row. Removing a
// deleted fragment does nothing. A created fragment was never saved, so it
// is simply detached. A detached fragment registers a deleted placeholder
// for its id.
func (t *Table) Remove(f *Fragment) {
	if f.table != t {
		panic(fmt.Sprintf("rowcache: %s removed from %s", f, t))
	}
	if cur, ok := t.rows[f.id]; ok && cur != f {
		// f is an evicted copy; the live entry is the one to delete.
		f.state = types.StateDetached
		t.remove(cur)
		return
	}
	t.remove(f)
}

// RemoveID marks the row with id deleted, whether or not it is cached.
func (t *Table) RemoveID(id types.ID) {
	if f, ok := t.rows[id]; ok {
		t.remove(f)
		return
	}
	t.register(t.newFragment(id, types.StateDeleted))
}

func (t *Table) remove(f *Fragment) {
	switch f.state {
	case types.StateDeleted:
	case types.StateCreated:
		t.drop(f.id)
		f.state = types.StateDetached
	case types.StateDetached:
		t.RemoveID(f.id)
	default:
		f.state = types.StateDeleted
		t.pristine.forget(f.id)
		t.rows[f.id] = f
		if _, ok := t.pending[f.id]; !ok {
			t.addPending(f)
		}
	}
}

// markModified promotes f on its first write.
func (t *Table) markModified(f *Fragment) error {
	var next types.State
	switch f.state {
	case types.StatePristine:
		next = types.StateModified
	case types.StateAbsent:
		next = types.StateCreated
	default:
		return nil
	}
	if cur, ok := t.rows[f.id]; ok && cur != f {
		if cur.state.IsModifiedClass() {
			return fmt.Errorf("%w: %s/%s has pending changes in another fragment",
				types.ErrAlreadyRegistered, t.name, f.id)
		}
		// f was evicted and refetched since; the caller's copy wins.
		t.drop(f.id)
		cur.state = types.StateDetached
	}
	f.state = next
	t.pristine.forget(f.id)
	t.rows[f.id] = f
	t.addPending(f)
	return nil
}

// Save writes every pending change through the Mapper, in the order the
// changes were first made.
//
// Created rows are first renamed through idMap, which maps temporary ids to
// durable ids; the durable id returned by the Mapper is added to idMap for
// the tables saved afterwards. Saved rows become pristine and are queued for
// publication; deleted rows become detached.
//
// A pending fragment in any other state cannot be produced by this package.
// It is logged at error level and counted as an invariant violation, then
// skipped, so that pre-existing bad state does not block the rest of the
// save.
func (t *Table) Save(ctx context.Context, idMap map[types.ID]types.ID) error {
	for _, f := range t.pendingInOrder() {
		switch f.state {
		case types.StateCreated:
			if newID, ok := idMap[f.id]; ok && newID != f.id {
				t.rekey(f, newID)
			}
			t.remapReferences(f, idMap)
			if t.collection {
				if err := t.mapper.InsertCollection(ctx, t.name, f.id, f.rows); err != nil {
					return t.storageError("insert", f.id, err)
				}
			} else {
				durable, err := t.mapper.InsertRow(ctx, t.name, f.id, f.row)
				if err != nil {
					return t.storageError("insert", f.id, err)
				}
				if durable != "" && durable != f.id {
					idMap[f.id] = durable
					t.rekey(f, durable)
				}
			}
			t.setPristine(f)
			t.modifiedInTransaction[f.id] = struct{}{}
		case types.StateModified:
			t.remapReferences(f, idMap)
			var err error
			if t.collection {
				err = t.mapper.UpdateCollection(ctx, t.name, f.id, f.rows)
			} else {
				err = t.mapper.UpdateRow(ctx, t.name, f.id, f.row, f.Dirty())
			}
			if err != nil {
				return t.storageError("update", f.id, err)
			}
			t.setPristine(f)
			t.modifiedInTransaction[f.id] = struct{}{}
		case types.StateDeleted:
			if err := t.mapper.Delete(ctx, t.name, f.id); err != nil {
				return t.storageError("delete", f.id, err)
			}
			delete(t.rows, f.id)
			delete(t.pending, f.id)
			f.state = types.StateDetached
			t.deletedInTransaction[f.id] = struct{}{}
		default:
			t.metrics.invariantViolation(t.name)
			t.log.WithFields(logrus.Fields{
				"id":        f.id,
				"state":     f.state.String(),
				"invariant": "pending fragment must be created, modified or deleted",
			}).Error("found unexpected fragment in pending set, skipping")
		}
	}
	clear(t.pending)
	return nil
}

// remapReferences rewrites a parent reference that points at a row saved
// under a new id earlier in the save.
func (t *Table) remapReferences(f *Fragment, idMap map[types.ID]types.ID) {
	if t.collection || len(idMap) == 0 {
		return
	}
	parent, ok := asID(f.row[types.KeyParentID])
	if !ok {
		return
	}
	if newID, ok := idMap[parent]; ok {
		f.row[types.KeyParentID] = newID
	}
}

func (t *Table) rekey(f *Fragment, id types.ID) {
	delete(t.rows, f.id)
	delete(t.pending, f.id)
	f.id = id
	t.rows[id] = f
	t.pending[id] = f
}

func (t *Table) setPristine(f *Fragment) {
	f.state = types.StatePristine
	f.dirty = nil
	delete(t.pending, f.id)
	t.pristine.track(f.id)
}

// FindDirtyDocuments adds to dirtyStrings and dirtyBinaries the documents
// whose pending changes need fulltext reindexing. Created rows dirty both
// sets; modified rows dirty the sets matching the fulltext type of their
// changed fields.
func (t *Table) FindDirtyDocuments(ctx context.Context, dirtyStrings, dirtyBinaries map[types.ID]struct{}) error {
	for _, f := range t.pendingInOrder() {
		switch f.state {
		case types.StateCreated:
			docID, err := t.owner.ContainingDocument(ctx, f.id)
			if err != nil {
				return err
			}
			dirtyStrings[docID] = struct{}{}
			dirtyBinaries[docID] = struct{}{}
		case types.StateModified:
			keys := []string{""}
			if !t.collection {
				keys = f.Dirty()
			}
			var docID types.ID
			for _, key := range keys {
				kind := t.model.FulltextType(t.name, key)
				if kind == types.FulltextNone {
					continue
				}
				if docID == "" {
					var err error
					if docID, err = t.owner.ContainingDocument(ctx, f.id); err != nil {
						return err
					}
				}
				if kind == types.FulltextString {
					dirtyStrings[docID] = struct{}{}
				} else {
					dirtyBinaries[docID] = struct{}{}
				}
			}
		}
	}
	return nil
}

// MarkInvalidated records that another writer changed id in the backend.
// Mappers reach it through Session.MarkInvalidated when they implement
// types.InvalidationReporter. A cached pristine or absent entry is
// invalidated at once, and the id is queued for publication so other
// sessions hear of it.
func (t *Table) MarkInvalidated(id types.ID, wasModified bool) {
	state := types.StateInvalidatedDeleted
	if wasModified {
		state = types.StateInvalidatedModified
	}
	if f, ok := t.rows[id]; ok && (f.state == types.StatePristine || f.state == types.StateAbsent) {
		f.state = state
	}
	if wasModified {
		t.modifiedInTransaction[id] = struct{}{}
	} else {
		t.deletedInTransaction[id] = struct{}{}
	}
}

// GatherInvalidations moves the ids changed in this transaction into out.
func (t *Table) GatherInvalidations(out *types.Invalidations) {
	out.AddModified(t.name, slices.Collect(maps.Keys(t.modifiedInTransaction))...)
	out.AddDeleted(t.name, slices.Collect(maps.Keys(t.deletedInTransaction))...)
	clear(t.modifiedInTransaction)
	clear(t.deletedInTransaction)
}

// Invalidate queues the ids of inv that belong to this table. It is safe to
// call from any goroutine; nothing changes until ProcessReceivedInvalidations.
func (t *Table) Invalidate(inv *types.Invalidations) {
	t.inbox.deliver(inv.Modified(t.name), inv.Deleted(t.name))
}

// ProcessReceivedInvalidations applies queued invalidations: every cached
// pristine-class entry they name is evicted and its fragment marked
// invalidated, so that holders of it notice. Call it before serving any read
// of a new transaction.
func (t *Table) ProcessReceivedInvalidations() {
	modified, deleted := t.inbox.drain()
	for _, id := range modified {
		t.invalidateCached(id, types.StateInvalidatedModified, "modified")
	}
	for _, id := range deleted {
		t.invalidateCached(id, types.StateInvalidatedDeleted, "deleted")
	}
}

func (t *Table) invalidateCached(id types.ID, state types.State, kind string) {
	f, ok := t.rows[id]
	if !ok || !f.state.IsPristineClass() {
		return
	}
	t.drop(id)
	f.state = state
	t.metrics.invalidated(t.name, kind)
}

// CheckReceivedInvalidations returns ErrConcurrentModification if a row
// written in this transaction was invalidated by another writer meanwhile.
// Call it after Save and before committing the backend transaction.
func (t *Table) CheckReceivedInvalidations() error {
	if id, ok := t.inbox.conflict(t.modifiedInTransaction); ok {
		t.metrics.conflict(t.name)
		return fmt.Errorf("%w: %s/%s", types.ErrConcurrentModification, t.name, id)
	}
	return nil
}

// EvictPristine drops every evictable entry, as memory pressure would, and
// returns how many were dropped. Pending changes are kept.
func (t *Table) EvictPristine() int {
	return t.pristine.purge()
}

// ClearCaches drops all cached state, pending changes included, and returns
// the number of evictable entries that were cached. Every dropped fragment
// is detached, so holders cannot write through it afterwards.
func (t *Table) ClearCaches() int {
	n := t.pristine.len()
	for _, f := range t.rows {
		f.state = types.StateDetached
	}
	clear(t.pending)
	clear(t.rows)
	t.pristine.purge()
	clear(t.modifiedInTransaction)
	clear(t.deletedInTransaction)
	return n
}

// close detaches pending changes. Pristine entries stay cached, and stay
// subject to invalidation, for the next user of the table.
func (t *Table) close() {
	t.detachPending()
}

func (t *Table) detachPending() {
	for id, f := range t.pending {
		delete(t.rows, id)
		f.state = types.StateDetached
	}
	clear(t.pending)
}

// evicted is the pristine policy callback.
func (t *Table) evicted(id types.ID) {
	f, ok := t.rows[id]
	if !ok || !f.state.IsPristineClass() {
		return
	}
	delete(t.rows, id)
	t.metrics.evicted(t.name)
}

func (t *Table) newFragment(id types.ID, state types.State) *Fragment {
	return &Fragment{id: id, state: state, collection: t.collection, table: t}
}

func (t *Table) register(f *Fragment) {
	t.rows[f.id] = f
	switch {
	case f.state.IsPristineClass():
		t.pristine.track(f.id)
	case f.state.IsModifiedClass():
		t.addPending(f)
	}
}

func (t *Table) addPending(f *Fragment) {
	t.seq++
	f.seq = t.seq
	t.pending[f.id] = f
}

func (t *Table) pendingInOrder() []*Fragment {
	fragments := slices.Collect(maps.Values(t.pending))
	slices.SortFunc(fragments, func(a, b *Fragment) int {
		return cmp.Compare(a.seq, b.seq)
	})
	return fragments
}

// drop removes the entry for id, whatever its state.
func (t *Table) drop(id types.ID) {
	delete(t.rows, id)
	delete(t.pending, id)
	t.pristine.forget(id)
}

func (t *Table) storageError(op string, id types.ID, err error) error {
	return &types.StorageError{Op: op, Table: t.name, ID: id, Err: err}
}

// asID accepts the shapes an id takes in a decoded row.
func asID(v any) (types.ID, bool) {
	switch id := v.(type) {
	case types.ID:
		return id, id != ""
	case string:
		return types.ID(id), id != ""
	}
	return "", false
}
