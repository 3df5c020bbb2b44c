package idgen

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/rowcache/pkg/types"
)

func TestSequential(t *testing.T) {
	g := &Sequential{}
	assert.Equal(t, types.ID("UUID_1"), g.NewID())
	assert.Equal(t, types.ID("UUID_2"), g.NewID())
	assert.Equal(t, types.ID("UUID_3"), g.NewID())
}

func TestSequential_ConcurrentUnique(t *testing.T) {
	g := &Sequential{}
	const workers, per = 8, 100

	var mu sync.Mutex
	seen := make(map[types.ID]bool)
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range per {
				id := g.NewID()
				mu.Lock()
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, workers*per)
}

func TestRandom(t *testing.T) {
	a, b := Random{}.NewID(), Random{}.NewID()
	assert.NotEqual(t, a, b)

	parsed, err := uuid.Parse(string(a))
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), parsed.Version())
}

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		strategy string
		want     any
		wantErr  error
	}{
		{"empty is random", "", Random{}, nil},
		{"random", types.IDStrategyRandom, Random{}, nil},
		{"sequential", types.IDStrategySequential, &Sequential{}, nil},
		{"unknown", "snowflake", nil, types.ErrIDStrategyUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := New(tt.strategy)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, tt.want, g)
		})
	}
}
