// Package types defines the row, state, invalidation and collaborator types
// shared by the rowcache packages, and the standard errors of the cache.
//
// The Mapper, Model, FulltextIndexer and IDGenerator interfaces describe the
// collaborators the cache consumes. Their implementations live elsewhere
// (internal/sqlite, internal/schema, internal/idgen) or are supplied by the
// embedding application.
package types
