package types

// ID identifies a row within a table. Ids are opaque to the cache.
type ID string

// Row is the attribute map of a single row. Values are whatever the Mapper
// decodes: scalars, nested maps or slices.
type Row map[string]any

// Clone returns a shallow copy of the row. A nil row clones to nil.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	c := make(Row, len(r))
	for k, v := range r {
		c[k] = v
	}
	return c
}

// CloneRows returns a copy of a collection, cloning every row.
func CloneRows(rows []Row) []Row {
	if rows == nil {
		return nil
	}
	c := make([]Row, len(rows))
	for i, r := range rows {
		c[i] = r.Clone()
	}
	return c
}

// Hierarchy row keys used to find the document containing a fragment.
const (
	KeyParentID   = "parentid"
	KeyIsProperty = "isproperty"
)
