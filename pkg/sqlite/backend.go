// Package sqlite exposes the SQLite store to programs outside this module.
//
// Example:
//
//	store, err := sqlite.Open(ctx, ".rowcache-db", model, nil)
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//	mapper := sqlite.NewMapper(store) // one per session
package sqlite

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/mesh-intelligence/rowcache/internal/sqlite"
	"github.com/mesh-intelligence/rowcache/pkg/types"
)

// Store is the SQLite database shared by the sessions of a repository.
type Store = sqlite.Store

// Open opens or creates the database in dataDir. log may be nil.
func Open(ctx context.Context, dataDir string, model types.Model, log *logrus.Entry) (*Store, error) {
	return sqlite.Open(ctx, dataDir, model, log)
}

// NewMapper returns a per-session Mapper over store.
func NewMapper(store *Store) types.Mapper {
	return store.NewMapper()
}
