// Package repository opens a rowcache data directory and hands out cache
// sessions that see each other's commits.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/mesh-intelligence/rowcache/internal/cache"
	"github.com/mesh-intelligence/rowcache/internal/cluster"
	"github.com/mesh-intelligence/rowcache/internal/idgen"
	"github.com/mesh-intelligence/rowcache/internal/schema"
	"github.com/mesh-intelligence/rowcache/internal/sqlite"
	"github.com/mesh-intelligence/rowcache/pkg/types"
)

// ErrClosed is returned by a closed Repository.
var ErrClosed = errors.New("repository closed")

// Options carry the collaborators a Repository does not build from Config.
type Options struct {
	// Logger is the base log entry. Defaults to the standard logrus logger.
	Logger *logrus.Entry
	// Registerer receives the cache metrics. Nil leaves them unregistered.
	Registerer prometheus.Registerer
	// Fulltext receives the documents to reindex after each save.
	Fulltext types.FulltextIndexer
}

// Repository owns the store of one data directory and the sessions opened
// on it.
type Repository struct {
	cfg         types.Config
	log         *logrus.Entry
	store       *sqlite.Store
	model       *schema.Model
	ids         types.IDGenerator
	metrics     *cache.Metrics
	fulltext    types.FulltextIndexer
	broadcaster *cluster.Broadcaster
	hub         *Hub
}

// Open validates cfg, fills its defaults and opens the store.
func Open(ctx context.Context, cfg types.Config, opts Options) (*Repository, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	model, err := schema.New(cfg.Schema)
	if err != nil {
		return nil, err
	}
	ids, err := idgen.New(cfg.IDStrategy)
	if err != nil {
		return nil, err
	}
	store, err := sqlite.Open(ctx, cfg.DataDir, model, log)
	if err != nil {
		return nil, err
	}

	r := &Repository{
		cfg:      cfg,
		log:      log.WithField("component", "repository"),
		store:    store,
		model:    model,
		ids:      ids,
		metrics:  cache.NewMetrics(opts.Registerer),
		fulltext: opts.Fulltext,
	}
	timeout := time.Duration(cfg.Cluster.TimeoutSeconds) * time.Second
	var peers broadcaster
	if cfg.Cluster.NodeID != "" && len(cfg.Cluster.Peers) > 0 {
		r.broadcaster = cluster.NewBroadcaster(cfg.Cluster.NodeID, cfg.Cluster.Peers, cluster.NewClient(timeout), log)
		peers = r.broadcaster
	}
	r.hub = newHub(peers, timeout, r.log)
	r.log.WithFields(logrus.Fields{"path": store.Path(), "node": cfg.Cluster.NodeID}).Debug("repository opened")
	return r, nil
}

// Config returns the effective configuration.
func (r *Repository) Config() types.Config { return r.cfg }

// Model returns the schema model.
func (r *Repository) Model() types.Model { return r.model }

// Logger returns the repository's log entry.
func (r *Repository) Logger() *logrus.Entry { return r.log }

// Hub returns the invalidation hub.
func (r *Repository) Hub() *Hub { return r.hub }

// Broadcaster returns the peer broadcaster, or nil when clustering is off.
func (r *Repository) Broadcaster() *cluster.Broadcaster { return r.broadcaster }

// NewSession opens a session on its own mapper. The caller closes it.
func (r *Repository) NewSession() (*cache.Session, error) {
	var s *cache.Session
	s = cache.NewSession(r.store.NewMapper(), r.model, cache.Options{
		CacheSize: r.cfg.CacheSize,
		IDs:       r.ids,
		Fulltext:  r.fulltext,
		Logger:    r.log.WithField("component", "cache"),
		Metrics:   r.metrics,
		Publish:   func(inv *types.Invalidations) { r.hub.publish(s, inv) },
		OnClose:   func() { r.hub.unregister(s) },
	})
	if err := r.hub.register(s); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Deliver hands invalidations received from a peer to every open session.
// It has the signature of cluster.DeliverFunc.
func (r *Repository) Deliver(origin string, inv *types.Invalidations) {
	r.hub.deliver(origin, inv)
}

// ClusterHandler returns the HTTP handler serving this node's cluster
// routes.
func (r *Repository) ClusterHandler() *cluster.Handler {
	return cluster.NewHandler(r.cfg.Cluster.NodeID, r.Deliver, r.log)
}

// Export writes every table to a JSONL file and returns the number of
// records written.
func (r *Repository) Export(ctx context.Context, path string) (int, error) {
	return r.store.ExportJSONL(ctx, path)
}

// Import loads a JSONL file written by Export. Every imported row is
// invalidated in the open sessions and on the peers.
func (r *Repository) Import(ctx context.Context, path string) (*types.Invalidations, error) {
	inv, err := r.store.ImportJSONL(ctx, path)
	if err != nil {
		return nil, err
	}
	if !inv.IsEmpty() {
		r.hub.publish(nil, inv)
	}
	return inv, nil
}

// Tables lists the tables present in the store.
func (r *Repository) Tables(ctx context.Context) ([]string, error) {
	return r.store.Tables(ctx)
}

// Close stops invalidation routing, flushes pending broadcasts and closes
// the store. Sessions still open must not be used afterwards.
func (r *Repository) Close() error {
	r.hub.close()
	return r.store.Close()
}
