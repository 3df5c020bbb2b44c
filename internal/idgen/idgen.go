// Package idgen allocates ids for rows created client-side.
package idgen

import (
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/mesh-intelligence/rowcache/pkg/types"
)

// SequentialPrefix starts every id produced by Sequential.
const SequentialPrefix = "UUID_"

// Sequential produces UUID_1, UUID_2, ... Ids are unique within one
// generator only, which makes it suitable for tests and single-node debugging.
type Sequential struct {
	n atomic.Uint64
}

// NewID returns the next id.
func (g *Sequential) NewID() types.ID {
	return types.ID(SequentialPrefix + strconv.FormatUint(g.n.Add(1), 10))
}

// Random produces time-ordered random UUIDs (version 7).
type Random struct{}

// NewID returns a new UUID v7, or a v4 UUID if the clock source fails.
func (Random) NewID() types.ID {
	id, err := uuid.NewV7()
	if err != nil {
		return types.ID(uuid.New().String())
	}
	return types.ID(id.String())
}

// New returns the generator for strategy. An empty strategy selects random
// ids.
func New(strategy string) (types.IDGenerator, error) {
	switch strategy {
	case types.IDStrategyRandom, "":
		return Random{}, nil
	case types.IDStrategySequential:
		return &Sequential{}, nil
	}
	return nil, fmt.Errorf("%w: %q", types.ErrIDStrategyUnknown, strategy)
}
