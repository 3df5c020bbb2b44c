package repository

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mesh-intelligence/rowcache/internal/cache"
	"github.com/mesh-intelligence/rowcache/pkg/types"
)

// outboxSize bounds the sets waiting to be broadcast to peers.
const outboxSize = 64

// broadcaster sends committed invalidations to other nodes.
type broadcaster interface {
	Broadcast(ctx context.Context, inv *types.Invalidations) error
}

// Hub routes invalidations between the open sessions of a repository and,
// when clustering is on, to the peer nodes.
type Hub struct {
	log     *logrus.Entry
	peers   broadcaster
	timeout time.Duration

	mu       sync.Mutex // guards sessions and closed
	sessions map[*cache.Session]struct{}
	closed   bool
	outbox   chan *types.Invalidations
	senders  sync.WaitGroup // publishes between the closed check and the send
	wg       sync.WaitGroup
}

// newHub returns a Hub. A nil peers keeps invalidations local.
func newHub(peers broadcaster, timeout time.Duration, log *logrus.Entry) *Hub {
	h := &Hub{
		log:      log,
		peers:    peers,
		timeout:  timeout,
		sessions: make(map[*cache.Session]struct{}),
	}
	if peers != nil {
		h.outbox = make(chan *types.Invalidations, outboxSize)
		h.wg.Add(1)
		go h.run()
	}
	return h
}

func (h *Hub) register(s *cache.Session) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	h.sessions[s] = struct{}{}
	return nil
}

func (h *Hub) unregister(s *cache.Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, s)
}

// Len returns the number of open sessions.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// publish hands what from committed to every other session and queues it
// for the peers. A nil from reaches every session, as for an import. When
// the outbox is full publish waits for room, without holding the hub lock.
func (h *Hub) publish(from *cache.Session, inv *types.Invalidations) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.fanOut(from, inv)
	outbox := h.outbox
	if outbox != nil {
		h.senders.Add(1)
	}
	h.mu.Unlock()

	if outbox == nil {
		return
	}
	defer h.senders.Done()
	select {
	case outbox <- inv:
	default:
		h.log.WithField("queued", len(outbox)).Debug("peer outbox full, waiting")
		outbox <- inv
	}
}

// deliver hands a set received from a peer to every local session.
func (h *Hub) deliver(origin string, inv *types.Invalidations) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.log.WithFields(logrus.Fields{"origin": origin, "sessions": len(h.sessions)}).Debug("delivering peer invalidations")
	h.fanOut(nil, inv)
}

func (h *Hub) fanOut(from *cache.Session, inv *types.Invalidations) {
	for s := range h.sessions {
		if s != from {
			s.Invalidate(inv)
		}
	}
}

func (h *Hub) run() {
	defer h.wg.Done()
	for inv := range h.outbox {
		ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
		if err := h.peers.Broadcast(ctx, inv); err != nil {
			h.log.WithError(err).Warn("some peers missed invalidations")
		}
		cancel()
	}
}

// close stops routing and waits for queued broadcasts to finish.
func (h *Hub) close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.mu.Unlock()
	if h.outbox != nil {
		h.senders.Wait()
		close(h.outbox)
	}
	h.wg.Wait()
}
