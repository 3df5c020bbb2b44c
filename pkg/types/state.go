package types

// State is the lifecycle state of a cached fragment.
type State int

// Fragment states.
const (
	// StateDetached means the fragment is no longer owned by a table cache.
	StateDetached State = iota
	// StatePristine means the in-memory data matches the backend.
	StatePristine
	// StateAbsent means the backend confirmed there is no such row.
	StateAbsent
	// StateCreated means the row is new in this session.
	StateCreated
	// StateModified means a pristine row was changed in this session.
	StateModified
	// StateDeleted means the row will be deleted at the next save.
	StateDeleted
	// StateInvalidatedModified means another writer changed the row; the
	// data must be refetched before use.
	StateInvalidatedModified
	// StateInvalidatedDeleted means another writer deleted the row.
	StateInvalidatedDeleted
)

var stateNames = map[State]string{
	StateDetached:            "detached",
	StatePristine:            "pristine",
	StateAbsent:              "absent",
	StateCreated:             "created",
	StateModified:            "modified",
	StateDeleted:             "deleted",
	StateInvalidatedModified: "invalidated_modified",
	StateInvalidatedDeleted:  "invalidated_deleted",
}

// String returns the lower-case name of the state.
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// IsPristineClass reports whether the state belongs to the evictable part of
// a table cache: data that can always be refetched.
func (s State) IsPristineClass() bool {
	switch s {
	case StatePristine, StateAbsent, StateInvalidatedModified, StateInvalidatedDeleted:
		return true
	}
	return false
}

// IsModifiedClass reports whether the state holds unsaved session changes.
// Such fragments are strongly held until save, rollback or close.
func (s State) IsModifiedClass() bool {
	switch s {
	case StateCreated, StateModified, StateDeleted:
		return true
	}
	return false
}

// IsInvalidated reports whether another writer invalidated the fragment.
func (s State) IsInvalidated() bool {
	return s == StateInvalidatedModified || s == StateInvalidatedDeleted
}
