package types

import (
	"encoding/json"
	"maps"
	"slices"
	"sync"
)

// Invalidations groups, per table, the ids that were modified and the ids
// that were deleted by a writer. It is the unit exchanged between sessions
// and cluster nodes.
//
// An Invalidations is safe for concurrent use. The zero value is empty and
// ready to use.
type Invalidations struct {
	mu       sync.Mutex
	modified map[string]map[ID]struct{}
	deleted  map[string]map[ID]struct{}
}

// NewInvalidations returns an empty set.
func NewInvalidations() *Invalidations {
	return &Invalidations{}
}

// AddModified records ids of table as modified.
func (inv *Invalidations) AddModified(table string, ids ...ID) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.modified = addIDs(inv.modified, table, ids)
}

// AddDeleted records ids of table as deleted.
func (inv *Invalidations) AddDeleted(table string, ids ...ID) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.deleted = addIDs(inv.deleted, table, ids)
}

// Merge adds every id of other into inv. Merging a set into itself is a
// no-op. other is copied before inv is locked, so concurrent merges in
// opposite directions cannot deadlock.
func (inv *Invalidations) Merge(other *Invalidations) {
	if other == nil || other == inv {
		return
	}
	modified, deleted := other.snapshot()

	inv.mu.Lock()
	defer inv.mu.Unlock()
	for table, ids := range modified {
		inv.modified = addIDs(inv.modified, table, ids)
	}
	for table, ids := range deleted {
		inv.deleted = addIDs(inv.deleted, table, ids)
	}
}

// IsEmpty reports whether the set holds no id at all.
func (inv *Invalidations) IsEmpty() bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return len(inv.modified) == 0 && len(inv.deleted) == 0
}

// Tables returns the sorted names of the tables with at least one id.
func (inv *Invalidations) Tables() []string {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	names := make(map[string]struct{}, len(inv.modified)+len(inv.deleted))
	for t := range inv.modified {
		names[t] = struct{}{}
	}
	for t := range inv.deleted {
		names[t] = struct{}{}
	}
	return slices.Sorted(maps.Keys(names))
}

// Modified returns the sorted modified ids of table.
func (inv *Invalidations) Modified(table string) []ID {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return slices.Sorted(maps.Keys(inv.modified[table]))
}

// Deleted returns the sorted deleted ids of table.
func (inv *Invalidations) Deleted(table string) []ID {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return slices.Sorted(maps.Keys(inv.deleted[table]))
}

// invalidationsJSON is the wire shape of an Invalidations.
type invalidationsJSON struct {
	Modified map[string][]ID `json:"modified,omitempty"`
	Deleted  map[string][]ID `json:"deleted,omitempty"`
}

// MarshalJSON encodes the set with sorted ids.
func (inv *Invalidations) MarshalJSON() ([]byte, error) {
	modified, deleted := inv.snapshot()
	return json.Marshal(invalidationsJSON{Modified: modified, Deleted: deleted})
}

// UnmarshalJSON decodes a set, merging into whatever inv already holds.
func (inv *Invalidations) UnmarshalJSON(data []byte) error {
	var w invalidationsJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	inv.mu.Lock()
	defer inv.mu.Unlock()
	for table, ids := range w.Modified {
		inv.modified = addIDs(inv.modified, table, ids)
	}
	for table, ids := range w.Deleted {
		inv.deleted = addIDs(inv.deleted, table, ids)
	}
	return nil
}

// snapshot copies the set into sorted slices under the lock.
func (inv *Invalidations) snapshot() (modified, deleted map[string][]ID) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return flatten(inv.modified), flatten(inv.deleted)
}

func addIDs(m map[string]map[ID]struct{}, table string, ids []ID) map[string]map[ID]struct{} {
	if len(ids) == 0 {
		return m
	}
	if m == nil {
		m = make(map[string]map[ID]struct{})
	}
	set, ok := m[table]
	if !ok {
		set = make(map[ID]struct{}, len(ids))
		m[table] = set
	}
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return m
}

func flatten(m map[string]map[ID]struct{}) map[string][]ID {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string][]ID, len(m))
	for table, set := range m {
		out[table] = slices.Sorted(maps.Keys(set))
	}
	return out
}
