package cache

import (
	"fmt"
	"maps"
	"slices"

	"github.com/mesh-intelligence/rowcache/pkg/types"
)

// Fragment is one cached row, or the ordered rows of a collection, of a
// table. A fragment is owned by the Table that created it.
//
// Writes go through Put or SetRows, which promote a pristine fragment to
// modified the first time. Writing a deleted or detached fragment panics:
// the caller kept a reference it had released.
type Fragment struct {
	id         types.ID
	state      types.State
	row        types.Row
	rows       []types.Row
	collection bool
	dirty      map[string]struct{}
	seq        uint64 // order of the first change in the transaction
	table      *Table
}

// ID returns the fragment id. A created fragment may change id when it is
// saved under a durable id.
func (f *Fragment) ID() types.ID { return f.id }

// State returns the lifecycle state.
func (f *Fragment) State() types.State { return f.state }

// TableName returns the name of the owning table.
func (f *Fragment) TableName() string { return f.table.name }

// IsCollection reports whether the fragment holds a collection of rows.
func (f *Fragment) IsCollection() bool { return f.collection }

// Get returns the value of key, or nil.
func (f *Fragment) Get(key string) any {
	return f.row[key]
}

// Row returns a copy of the row of a simple fragment.
func (f *Fragment) Row() types.Row {
	return f.row.Clone()
}

// Rows returns a copy of the rows of a collection fragment.
func (f *Fragment) Rows() []types.Row {
	return types.CloneRows(f.rows)
}

// Dirty returns the sorted keys changed since the fragment was last saved.
func (f *Fragment) Dirty() []string {
	return slices.Sorted(maps.Keys(f.dirty))
}

// Put sets key to value. It returns ErrConcurrentModification if another
// writer invalidated the fragment since it was read.
func (f *Fragment) Put(key string, value any) error {
	if f.collection {
		panic(fmt.Sprintf("rowcache: Put on collection fragment %s", f))
	}
	if err := f.checkWritable(); err != nil {
		return err
	}
	if err := f.table.markModified(f); err != nil {
		return err
	}
	if f.row == nil {
		f.row = make(types.Row)
	}
	f.row[key] = value
	if f.dirty == nil {
		f.dirty = make(map[string]struct{})
	}
	f.dirty[key] = struct{}{}
	return nil
}

// SetRows replaces the rows of a collection fragment.
func (f *Fragment) SetRows(rows []types.Row) error {
	if !f.collection {
		panic(fmt.Sprintf("rowcache: SetRows on simple fragment %s", f))
	}
	if err := f.checkWritable(); err != nil {
		return err
	}
	if err := f.table.markModified(f); err != nil {
		return err
	}
	f.rows = types.CloneRows(rows)
	if f.rows == nil {
		f.rows = []types.Row{}
	}
	return nil
}

func (f *Fragment) checkWritable() error {
	switch f.state {
	case types.StateDeleted, types.StateDetached:
		panic(fmt.Sprintf("rowcache: write to %s", f))
	case types.StateInvalidatedModified, types.StateInvalidatedDeleted:
		return fmt.Errorf("%w: %s/%s", types.ErrConcurrentModification, f.table.name, f.id)
	}
	return nil
}

func (f *Fragment) String() string {
	return fmt.Sprintf("Fragment(%s, %s, %s)", f.table.name, f.id, f.state)
}
