package cluster

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/mesh-intelligence/rowcache/pkg/types"
)

// maxInFlight bounds the concurrent requests of one broadcast.
const maxInFlight = 16

// Broadcaster posts invalidations committed on this node to its peers.
type Broadcaster struct {
	nodeID string
	peers  []string
	client *Client
	log    *logrus.Entry
}

// NewBroadcaster returns a Broadcaster for nodeID. Peers are base URLs; a
// bare host:port is taken as http.
func NewBroadcaster(nodeID string, peers []string, client *Client, log *logrus.Entry) *Broadcaster {
	if client == nil {
		client = NewClient(DefaultTimeout)
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	normalized := make([]string, 0, len(peers))
	for _, p := range peers {
		if p = strings.TrimSpace(p); p != "" {
			normalized = append(normalized, baseURL(p))
		}
	}
	return &Broadcaster{
		nodeID: nodeID,
		peers:  normalized,
		client: client,
		log:    log.WithField("component", "cluster"),
	}
}

// Peers returns the normalized peer URLs.
func (b *Broadcaster) Peers() []string { return b.peers }

// Broadcast posts inv to every peer concurrently. A failing peer does not
// stop delivery to the others; the failures are joined in the returned
// error.
func (b *Broadcaster) Broadcast(ctx context.Context, inv *types.Invalidations) error {
	if inv == nil || inv.IsEmpty() || len(b.peers) == 0 {
		return nil
	}
	msg := Message{Origin: b.nodeID, Invalidations: inv}

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(maxInFlight)
	for _, peer := range b.peers {
		g.Go(func() error {
			if err := b.client.PostJSON(ctx, peer+InvalidationsPath, msg, nil); err != nil {
				b.log.WithError(err).WithField("peer", peer).Warn("broadcasting invalidations")
				mu.Lock()
				errs = append(errs, fmt.Errorf("peer %s: %w", peer, err))
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return errors.Join(errs...)
}

// CheckPeers asks every peer for its health and returns the peers that did
// not answer, with their errors.
func (b *Broadcaster) CheckPeers(ctx context.Context) map[string]error {
	g, ctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	failed := make(map[string]error)
	for _, peer := range b.peers {
		g.Go(func() error {
			var h Health
			if err := b.client.GetJSON(ctx, peer+HealthPath, &h); err != nil {
				mu.Lock()
				failed[peer] = err
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return failed
}

func baseURL(peer string) string {
	if !strings.Contains(peer, "://") {
		peer = "http://" + peer
	}
	return strings.TrimSuffix(peer, "/")
}
