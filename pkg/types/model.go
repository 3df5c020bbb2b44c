package types

// FulltextType classifies a field for fulltext reindexing.
type FulltextType int

// Fulltext field types.
const (
	FulltextNone FulltextType = iota
	FulltextString
	FulltextBinary
)

// String returns the configuration name of the type.
func (t FulltextType) String() string {
	switch t {
	case FulltextString:
		return "string"
	case FulltextBinary:
		return "binary"
	default:
		return "none"
	}
}

// Model describes the table layout the cache needs to know about.
type Model interface {
	// IsCollection reports whether table holds ordered collections of rows
	// per id instead of a single row.
	IsCollection(table string) bool

	// FulltextType reports how a field participates in fulltext indexing.
	// For collection tables field is empty.
	FulltextType(table, field string) FulltextType

	// HierarchyTable names the table whose rows link fragments to their
	// parents. It is saved first.
	HierarchyTable() string
}

// FulltextIndexer receives the documents whose text or binaries changed in
// a save, to schedule asynchronous reindexing.
type FulltextIndexer interface {
	MarkDirty(strings, binaries []ID)
}

// IDGenerator allocates ids for rows created client-side.
type IDGenerator interface {
	NewID() ID
}
