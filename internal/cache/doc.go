// Package cache implements the transactional row cache of a session.
//
// A Table caches the fragments (rows, or ordered collections of rows) of one
// logical table for one session. Each cached id has exactly one entry tagged
// with its lifecycle state. Entries in a pristine-class state are subject to
// an LRU eviction policy and are always refetched through the Mapper when
// missing; entries holding session changes are pinned until save, rollback
// or close.
//
// A Session aggregates the tables of a session, tracks the ids allocated
// client-side, orders saves across tables and routes invalidations received
// from other sessions or cluster nodes to its tables.
//
// Neither type is safe for concurrent use, with one exception: Invalidate
// may be called from any goroutine. Received invalidations are queued and
// only take effect when the owning goroutine calls Begin.
package cache
