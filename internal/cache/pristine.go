package cache

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mesh-intelligence/rowcache/pkg/types"
)

// pristinePolicy decides which pristine-class entries a table keeps. It
// tracks ids only; the entries themselves live in Table.rows. onEvict runs
// for every id leaving the policy, including explicit forget and purge, so
// the callback must check the entry state before dropping it.
type pristinePolicy struct {
	ids *lru.Cache[types.ID, struct{}]
}

func newPristinePolicy(size int, onEvict func(types.ID)) *pristinePolicy {
	if size <= 0 {
		size = types.DefaultCacheSize
	}
	ids, err := lru.NewWithEvict(size, func(id types.ID, _ struct{}) {
		onEvict(id)
	})
	if err != nil {
		// Only returned for a non-positive size.
		panic(err)
	}
	return &pristinePolicy{ids: ids}
}

func (p *pristinePolicy) track(id types.ID) { p.ids.Add(id, struct{}{}) }

func (p *pristinePolicy) touch(id types.ID) { p.ids.Get(id) }

func (p *pristinePolicy) forget(id types.ID) { p.ids.Remove(id) }

// purge forgets every id and returns how many were tracked.
func (p *pristinePolicy) purge() int {
	n := p.ids.Len()
	p.ids.Purge()
	return n
}

func (p *pristinePolicy) len() int { return p.ids.Len() }
