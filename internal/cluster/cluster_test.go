package cluster

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/rowcache/pkg/types"
)

// recorder collects what a Handler delivers.
type recorder struct {
	mu   sync.Mutex
	got  []*types.Invalidations
	from []string
}

func (r *recorder) deliver(origin string, inv *types.Invalidations) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, inv)
	r.from = append(r.from, origin)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func quietLog() *logrus.Entry {
	l, _ := test.NewNullLogger()
	return logrus.NewEntry(l)
}

func newNode(t *testing.T, nodeID string) (*httptest.Server, *recorder) {
	t.Helper()
	rec := &recorder{}
	srv := httptest.NewServer(NewHandler(nodeID, rec.deliver, quietLog()))
	t.Cleanup(srv.Close)
	return srv, rec
}

func TestHandler_PostInvalidations(t *testing.T) {
	srv, rec := newNode(t, "node-a")
	c := NewClient(time.Second)

	inv := types.NewInvalidations()
	inv.AddModified("dublincore", "a", "b")
	inv.AddDeleted("hierarchy", "c")

	err := c.PostJSON(context.Background(), srv.URL+InvalidationsPath, Message{Origin: "node-b", Invalidations: inv}, nil)
	require.NoError(t, err)

	require.Equal(t, 1, rec.count())
	assert.Equal(t, "node-b", rec.from[0])
	assert.Equal(t, []types.ID{"a", "b"}, rec.got[0].Modified("dublincore"))
	assert.Equal(t, []types.ID{"c"}, rec.got[0].Deleted("hierarchy"))
}

func TestHandler_DropsMessages(t *testing.T) {
	nonEmpty := types.NewInvalidations()
	nonEmpty.AddModified("dublincore", "a")

	tests := []struct {
		name string
		msg  Message
	}{
		{"own origin", Message{Origin: "node-a", Invalidations: nonEmpty}},
		{"nil set", Message{Origin: "node-b"}},
		{"empty set", Message{Origin: "node-b", Invalidations: types.NewInvalidations()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, rec := newNode(t, "node-a")
			err := NewClient(time.Second).PostJSON(context.Background(), srv.URL+InvalidationsPath, tt.msg, nil)
			require.NoError(t, err)
			assert.Zero(t, rec.count())
		})
	}
}

func TestHandler_RejectsBadRequests(t *testing.T) {
	srv, rec := newNode(t, "node-a")

	tests := []struct {
		name   string
		method string
		body   string
		want   int
	}{
		{"malformed json", http.MethodPost, `{not json`, http.StatusBadRequest},
		{"missing origin", http.MethodPost, `{"invalidations":{"modified":{"t":["a"]}}}`, http.StatusBadRequest},
		{"wrong method", http.MethodGet, ``, http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, srv.URL+InvalidationsPath, strings.NewReader(tt.body))
			require.NoError(t, err)
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
	assert.Zero(t, rec.count())
}

func TestHandler_Health(t *testing.T) {
	srv, _ := newNode(t, "node-a")
	var h Health
	require.NoError(t, NewClient(time.Second).GetJSON(context.Background(), srv.URL+HealthPath, &h))
	assert.Equal(t, Health{NodeID: "node-a", Status: "ok"}, h)
}

func TestBroadcaster_DeliversToEveryPeer(t *testing.T) {
	srvB, recB := newNode(t, "node-b")
	srvC, recC := newNode(t, "node-c")

	b := NewBroadcaster("node-a", []string{srvB.URL, srvC.URL + "/", " "}, NewClient(time.Second), quietLog())
	assert.Equal(t, []string{srvB.URL, srvC.URL}, b.Peers())

	inv := types.NewInvalidations()
	inv.AddModified("dublincore", "x")
	require.NoError(t, b.Broadcast(context.Background(), inv))

	for _, rec := range []*recorder{recB, recC} {
		require.Equal(t, 1, rec.count())
		assert.Equal(t, "node-a", rec.from[0])
		assert.Equal(t, []types.ID{"x"}, rec.got[0].Modified("dublincore"))
	}
}

func TestBroadcaster_FailingPeerDoesNotBlockOthers(t *testing.T) {
	srvB, recB := newNode(t, "node-b")
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(down.Close)

	b := NewBroadcaster("node-a", []string{down.URL, srvB.URL}, NewClient(time.Second), quietLog())
	inv := types.NewInvalidations()
	inv.AddDeleted("dublincore", "x")

	err := b.Broadcast(context.Background(), inv)
	require.Error(t, err)
	assert.Contains(t, err.Error(), down.URL)
	assert.Equal(t, 1, recB.count())

	failed := b.CheckPeers(context.Background())
	assert.Contains(t, failed, down.URL)
	assert.NotContains(t, failed, srvB.URL)
}

func TestBroadcaster_SkipsEmptySets(t *testing.T) {
	srvB, recB := newNode(t, "node-b")
	b := NewBroadcaster("node-a", []string{srvB.URL}, nil, quietLog())

	require.NoError(t, b.Broadcast(context.Background(), nil))
	require.NoError(t, b.Broadcast(context.Background(), types.NewInvalidations()))
	assert.Zero(t, recB.count())
}

func TestBaseURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"localhost:7070", "http://localhost:7070"},
		{"http://node:7070/", "http://node:7070"},
		{"https://node", "https://node"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, baseURL(tt.in))
		})
	}
}
