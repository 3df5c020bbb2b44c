package cache

import (
	"context"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/rowcache/pkg/types"
)

// pair returns two sessions over one backend, each publishing its commits
// to the other.
func pair(t *testing.T, b *fakeBackend) (a, bs *Session, ma, mb *fakeMapper) {
	t.Helper()
	var sa, sb *Session
	sa, ma = setupSessionOn(t, b, func(o *Options) {
		o.Publish = func(inv *types.Invalidations) { sb.Invalidate(inv) }
	})
	sb, mb = setupSessionOn(t, b, func(o *Options) {
		o.Publish = func(inv *types.Invalidations) { sa.Invalidate(inv) }
	})
	return sa, sb, ma, mb
}

func TestSession_InvalidationExclusion(t *testing.T) {
	b := newFakeBackend()
	b.put("dublincore", "x", types.Row{"title": "v1"})
	b.put("dublincore", "y", types.Row{"title": "v1"})
	a, bs, _, mb := pair(t, b)
	ctx := context.Background()

	stale, err := bs.Get(ctx, "dublincore", "x", false)
	require.NoError(t, err)
	doomed, err := bs.Get(ctx, "dublincore", "y", false)
	require.NoError(t, err)
	readsBefore := mb.reads()

	require.NoError(t, a.Begin(ctx))
	f, err := a.Get(ctx, "dublincore", "x", false)
	require.NoError(t, err)
	require.NoError(t, f.Put("title", "v2"))
	require.NoError(t, a.RemoveID("dublincore", "y"))
	require.NoError(t, a.Commit(ctx))

	// Nothing changes for B until it processes what it received.
	got, err := bs.Get(ctx, "dublincore", "x", false)
	require.NoError(t, err)
	assert.Same(t, stale, got)

	require.NoError(t, bs.Begin(ctx))
	assert.Equal(t, types.StateInvalidatedModified, stale.State())
	assert.Equal(t, types.StateInvalidatedDeleted, doomed.State())

	fresh, err := bs.Get(ctx, "dublincore", "x", false)
	require.NoError(t, err)
	assert.NotSame(t, stale, fresh)
	assert.Equal(t, "v2", fresh.Get("title"))
	assert.Equal(t, readsBefore+1, mb.reads())

	gone, err := bs.Get(ctx, "dublincore", "y", false)
	require.NoError(t, err)
	assert.Nil(t, gone)

	assert.ErrorIs(t, stale.Put("title", "v3"), types.ErrConcurrentModification)
}

func TestSession_ConflictDetection(t *testing.T) {
	b := newFakeBackend()
	b.put("dublincore", "x", types.Row{"title": "v1"})
	a, bs, ma, _ := pair(t, b)
	ctx := context.Background()

	require.NoError(t, a.Begin(ctx))
	require.NoError(t, bs.Begin(ctx))

	fa, err := a.Get(ctx, "dublincore", "x", false)
	require.NoError(t, err)
	require.NoError(t, fa.Put("title", "from a"))

	fb, err := bs.Get(ctx, "dublincore", "x", false)
	require.NoError(t, err)
	require.NoError(t, fb.Put("title", "from b"))
	require.NoError(t, bs.Commit(ctx))

	err = a.Commit(ctx)
	require.ErrorIs(t, err, types.ErrConcurrentModification)
	assert.Equal(t, 1, ma.rolledBack)
	assert.Zero(t, ma.committed)
	assert.False(t, a.InTransaction())
	assert.Equal(t, float64(1), testutil.ToFloat64(a.opts.Metrics.conflicts.WithLabelValues("dublincore")))

	// The retry starts from a fresh read.
	assert.Equal(t, types.StateDetached, fa.State())
	require.NoError(t, a.Begin(ctx))
	again, err := a.Get(ctx, "dublincore", "x", false)
	require.NoError(t, err)
	assert.NotSame(t, fa, again)
	require.NoError(t, again.Put("title", "retried"))
	require.NoError(t, a.Commit(ctx))
}

func TestSession_NoConflictOnDisjointRows(t *testing.T) {
	b := newFakeBackend()
	b.put("dublincore", "x", types.Row{})
	b.put("dublincore", "y", types.Row{})
	a, bs, _, _ := pair(t, b)
	ctx := context.Background()

	require.NoError(t, a.Begin(ctx))
	require.NoError(t, bs.Begin(ctx))
	fa, err := a.Get(ctx, "dublincore", "x", false)
	require.NoError(t, err)
	require.NoError(t, fa.Put("title", "a"))
	fb, err := bs.Get(ctx, "dublincore", "y", false)
	require.NoError(t, err)
	require.NoError(t, fb.Put("title", "b"))

	require.NoError(t, bs.Commit(ctx))
	require.NoError(t, a.Commit(ctx))
}

func TestSession_SaveRemapsIDsHierarchyFirst(t *testing.T) {
	s, m := setupSession(t)
	m.durable = dbIDs
	ctx := context.Background()

	doc := s.GenerateID()
	child := s.GenerateID()

	// Created before the hierarchy rows so only table order puts them last.
	_, err := s.Create("dublincore", doc, types.Row{"title": "doc"})
	require.NoError(t, err)
	_, err = s.Create("hierarchy", doc, types.Row{"parentid": "root"})
	require.NoError(t, err)
	childRow, err := s.Create("hierarchy", child, types.Row{"parentid": doc})
	require.NoError(t, err)
	_, err = s.CreateCollection("subjects", doc, []types.Row{{"item": "a"}})
	require.NoError(t, err)

	require.NoError(t, s.Save(ctx))

	assert.Equal(t, []string{
		"insert hierarchy/DB_1",
		"insert hierarchy/DB_2",
		"insert dublincore/DB_1",
		"insert subjects/DB_1",
	}, m.writes)
	assert.Equal(t, types.ID("DB_2"), childRow.ID())
	assert.Equal(t, types.ID("DB_1"), childRow.Get("parentid"))
	assert.False(t, s.IsNew(doc))

	got, err := s.Get(ctx, "dublincore", "DB_1", false)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "doc", got.Get("title"))
	assert.Zero(t, m.reads())
}

func TestSession_FulltextIndexer(t *testing.T) {
	b := newFakeBackend()
	b.put("hierarchy", "doc", types.Row{"isproperty": false})
	b.put("hierarchy", "prop", types.Row{"parentid": "doc", "isproperty": true})
	b.put("dublincore", "prop", types.Row{"title": "x"})
	indexer := &fakeIndexer{}
	s, m := setupSessionOn(t, b, func(o *Options) { o.Fulltext = indexer })
	m.durable = dbIDs
	ctx := context.Background()

	f, err := s.Get(ctx, "dublincore", "prop", false)
	require.NoError(t, err)
	require.NoError(t, f.Put("title", "y"))

	id := s.GenerateID()
	_, err = s.Create("hierarchy", id, types.Row{"parentid": "doc"})
	require.NoError(t, err)
	_, err = s.Create("content", id, types.Row{"data": "blob"})
	require.NoError(t, err)

	require.NoError(t, s.Save(ctx))
	require.Equal(t, 1, indexer.calls)
	assert.Equal(t, []types.ID{"DB_1", "doc"}, indexer.strings)
	assert.Equal(t, []types.ID{"DB_1"}, indexer.binaries)

	require.NoError(t, s.Save(ctx))
	assert.Equal(t, 1, indexer.calls, "nothing dirty, no call")
}

func TestSession_ContainingDocument(t *testing.T) {
	b := newFakeBackend()
	b.put("hierarchy", "doc", types.Row{"parentid": "folder"})
	b.put("hierarchy", "p1", types.Row{"parentid": "doc", "isproperty": true})
	b.put("hierarchy", "p2", types.Row{"parentid": "p1", "isproperty": float64(1)})
	b.put("hierarchy", "loop1", types.Row{"parentid": "loop2", "isproperty": "true"})
	b.put("hierarchy", "loop2", types.Row{"parentid": "loop1", "isproperty": true})
	s, _ := setupSessionOn(t, b)
	ctx := context.Background()

	tests := []struct {
		id      types.ID
		want    types.ID
		wantErr bool
	}{
		{id: "doc", want: "doc"},
		{id: "p1", want: "doc"},
		{id: "p2", want: "doc"},
		{id: "unknown", want: "unknown"},
		{id: "loop1", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(string(tt.id), func(t *testing.T) {
			got, err := s.ContainingDocument(ctx, tt.id)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSession_TransactionLifecycle(t *testing.T) {
	b := newFakeBackend()
	b.put("dublincore", "x", types.Row{"title": "v1"})
	var published []*types.Invalidations
	s, m := setupSessionOn(t, b, func(o *Options) {
		o.Publish = func(inv *types.Invalidations) { published = append(published, inv) }
	})
	ctx := context.Background()

	require.NoError(t, s.Begin(ctx))
	assert.True(t, s.InTransaction())
	assert.Error(t, s.Begin(ctx), "nested begin")

	f, err := s.Get(ctx, "dublincore", "x", false)
	require.NoError(t, err)
	require.NoError(t, f.Put("title", "v2"))
	require.NoError(t, s.Commit(ctx))

	assert.Equal(t, 1, m.begun)
	assert.Equal(t, 1, m.committed)
	require.Len(t, published, 1)
	assert.Equal(t, []types.ID{"x"}, published[0].Modified("dublincore"))

	// Read-only transactions publish nothing.
	require.NoError(t, s.Begin(ctx))
	_, err = s.Get(ctx, "dublincore", "x", false)
	require.NoError(t, err)
	require.NoError(t, s.Commit(ctx))
	assert.Len(t, published, 1)
}

func TestSession_Rollback(t *testing.T) {
	b := newFakeBackend()
	b.put("dublincore", "x", types.Row{"title": "v1"})
	s, m := setupSessionOn(t, b)
	ctx := context.Background()

	require.NoError(t, s.Begin(ctx))
	f, err := s.Get(ctx, "dublincore", "x", false)
	require.NoError(t, err)
	require.NoError(t, f.Put("title", "v2"))
	id := s.GenerateID()
	_, err = s.Create("dublincore", id, nil)
	require.NoError(t, err)

	require.NoError(t, s.Rollback())
	assert.Equal(t, 1, m.rolledBack)
	assert.Equal(t, types.StateDetached, f.State())
	assert.False(t, s.IsNew(id))

	got, err := s.Get(ctx, "dublincore", "x", false)
	require.NoError(t, err)
	assert.Equal(t, "v1", got.Get("title"))
	assert.Empty(t, m.writes)
}

func TestSession_Close(t *testing.T) {
	closed := 0
	s, m := setupSession(t, func(o *Options) { o.OnClose = func() { closed++ } })
	ctx := context.Background()

	require.NoError(t, s.Begin(ctx))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.Equal(t, 1, closed)
	assert.Equal(t, 1, m.rolledBack)
	assert.ErrorIs(t, s.Save(ctx), ErrSessionClosed)
	assert.ErrorIs(t, s.Begin(ctx), ErrSessionClosed)
	assert.ErrorIs(t, s.Commit(ctx), ErrSessionClosed)

	_, err := s.Get(ctx, "dublincore", "x", true)
	assert.ErrorIs(t, err, ErrSessionClosed)
	_, err = s.GetMulti(ctx, "dublincore", []types.ID{"x"}, true)
	assert.ErrorIs(t, err, ErrSessionClosed)
	_, err = s.Create("dublincore", "y", types.Row{})
	assert.ErrorIs(t, err, ErrSessionClosed)
	_, err = s.CreateCollection("subjects", "y", nil)
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.ErrorIs(t, s.RemoveID("dublincore", "x"), ErrSessionClosed)
	assert.Zero(t, m.reads(), "a closed session does not read")
}

func TestSession_CommitRollsBackOnSaveFailure(t *testing.T) {
	b := newFakeBackend()
	b.put("dublincore", "x", types.Row{"title": "v1"})
	published := 0
	s, m := setupSessionOn(t, b, func(o *Options) {
		o.Publish = func(*types.Invalidations) { published++ }
	})
	m.failWrite = map[string]error{"dublincore/x": errBackendDown}
	ctx := context.Background()

	require.NoError(t, s.Begin(ctx))
	f, err := s.Get(ctx, "dublincore", "x", false)
	require.NoError(t, err)
	require.NoError(t, f.Put("title", "v2"))

	err = s.Commit(ctx)
	require.ErrorIs(t, err, types.ErrStorage)
	assert.ErrorIs(t, err, errBackendDown)

	assert.Equal(t, 1, m.rolledBack)
	assert.Zero(t, m.committed)
	assert.Zero(t, published, "nothing is published for a failed commit")
	assert.False(t, s.InTransaction())
	assert.Zero(t, s.Table("dublincore").Len(), "caches are cleared")
	assert.Equal(t, types.StateDetached, f.State())
	assert.Equal(t, "v1", b.row("dublincore", "x")["title"])
}

func TestSession_ConcurrentInvalidate(t *testing.T) {
	b := newFakeBackend()
	b.put("dublincore", "x", types.Row{})
	s, _ := setupSessionOn(t, b)
	ctx := context.Background()

	_, err := s.Get(ctx, "dublincore", "x", false)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inv := types.NewInvalidations()
			inv.AddModified("dublincore", "x")
			s.Invalidate(inv)
		}()
	}
	wg.Wait()

	s.ProcessReceivedInvalidations()
	assert.Zero(t, s.Table("dublincore").Len())
}

func TestSession_GenerateIDWithoutGenerator(t *testing.T) {
	s, _ := setupSession(t, func(o *Options) { o.IDs = nil })
	assert.Panics(t, func() { s.GenerateID() })
}
