package types

import "context"

// Mapper is the backend I/O gateway used by the cache on misses and at save
// time. All methods are synchronous; retries, if any, are the Mapper's
// business. Read methods return a nil row (and no error) for absent ids.
type Mapper interface {
	// ReadRow reads one row of a simple table.
	ReadRow(ctx context.Context, table string, id ID) (Row, error)

	// ReadRows reads several rows of a simple table in one round trip.
	// Absent ids are missing from the result.
	ReadRows(ctx context.Context, table string, ids []ID) (map[ID]Row, error)

	// ReadCollection reads the ordered rows of a collection table for id.
	// An id with no rows yields an empty collection.
	ReadCollection(ctx context.Context, table string, id ID) ([]Row, error)

	// ReadCollections reads collections for several ids in one round trip.
	ReadCollections(ctx context.Context, table string, ids []ID) (map[ID][]Row, error)

	// InsertRow inserts a row and returns its durable id, which may differ
	// from the id the row was created with.
	InsertRow(ctx context.Context, table string, id ID, row Row) (ID, error)

	// UpdateRow writes a changed row. dirty lists the changed keys.
	UpdateRow(ctx context.Context, table string, id ID, row Row, dirty []string) error

	// InsertCollection inserts the rows of a new collection.
	InsertCollection(ctx context.Context, table string, id ID, rows []Row) error

	// UpdateCollection replaces the rows of a collection.
	UpdateCollection(ctx context.Context, table string, id ID, rows []Row) error

	// Delete removes the row or collection stored under id.
	Delete(ctx context.Context, table string, id ID) error
}

// Transactional is implemented by Mappers that group writes into backend
// transactions. The session begins one per cache transaction.
type Transactional interface {
	BeginTx(ctx context.Context) error
	CommitTx() error
	RollbackTx() error
}

// InvalidationSink receives rows that a Mapper learned were changed by
// another writer, so the cache stops trusting its copies.
type InvalidationSink interface {
	MarkInvalidated(table string, id ID, wasModified bool)
}

// InvalidationReporter is implemented by Mappers able to detect concurrent
// writes, for example through row versions checked at update. The session
// registers itself as the sink when it is created.
type InvalidationReporter interface {
	SetInvalidationSink(sink InvalidationSink)
}
