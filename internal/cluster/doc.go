// Package cluster carries invalidations between rowcache nodes over HTTP.
//
// Each node serves POST /v1/invalidations, which hands received sets to the
// local repository, and GET /v1/health. A Broadcaster posts the sets
// committed locally to every configured peer.
package cluster
