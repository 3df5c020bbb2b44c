package cache

import (
	"maps"
	"slices"
	"sync"

	"github.com/mesh-intelligence/rowcache/pkg/types"
)

// inbox queues the ids a table received from other writers until the owning
// session applies them. deliver may be called from any goroutine; the other
// methods are called by the owner. The mutex is held only inside methods.
type inbox struct {
	mu       sync.Mutex
	modified map[types.ID]struct{}
	deleted  map[types.ID]struct{}
}

func newInbox() *inbox {
	return &inbox{
		modified: make(map[types.ID]struct{}),
		deleted:  make(map[types.ID]struct{}),
	}
}

func (b *inbox) deliver(modified, deleted []types.ID) {
	if len(modified) == 0 && len(deleted) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range modified {
		b.modified[id] = struct{}{}
	}
	for _, id := range deleted {
		b.deleted[id] = struct{}{}
	}
}

// drain empties the inbox and returns what it held, sorted.
func (b *inbox) drain() (modified, deleted []types.ID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	modified = slices.Sorted(maps.Keys(b.modified))
	deleted = slices.Sorted(maps.Keys(b.deleted))
	clear(b.modified)
	clear(b.deleted)
	return modified, deleted
}

// conflict returns an id of written that was received as modified or
// deleted. The inbox is left untouched.
func (b *inbox) conflict(written map[types.ID]struct{}) (types.ID, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, set := range []map[types.ID]struct{}{b.modified, b.deleted} {
		for id := range set {
			if _, ok := written[id]; ok {
				return id, true
			}
		}
	}
	return "", false
}

func (b *inbox) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.modified) + len(b.deleted)
}
