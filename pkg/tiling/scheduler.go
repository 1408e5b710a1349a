package tiling

import (
	"fmt"

	"slidenorm/internal/models"
)

// SeedPolicy selects the tile that calibrates a slide
type SeedPolicy struct {
	// Middle picks (tileCount-1)/2
	Middle bool

	// Index is the explicit seed when Middle is false
	Index int
}

// MiddleSeed is the default policy
func MiddleSeed() SeedPolicy {
	return SeedPolicy{Middle: true}
}

// ExplicitSeed selects a fixed tile index
func ExplicitSeed(index int) SeedPolicy {
	return SeedPolicy{Index: index}
}

// Seed resolves the policy for a grid of tileCount tiles
func (p SeedPolicy) Seed(tileCount int) (int, error) {
	if tileCount <= 0 {
		return 0, fmt.Errorf("%w: cannot choose a seed tile from an empty grid", models.ErrConfiguration)
	}
	if p.Middle {
		return (tileCount - 1) / 2, nil
	}
	if p.Index < 0 || p.Index >= tileCount {
		return 0, fmt.Errorf("%w: seed tile %d out of range [0, %d)", models.ErrConfiguration, p.Index, tileCount)
	}
	return p.Index, nil
}

// Schedule returns the processing order of a grid: the seed index first,
// every other index after it in its original order.
func Schedule(grid models.TileGrid, policy SeedPolicy) ([]int, error) {
	seed, err := policy.Seed(grid.Len())
	if err != nil {
		return nil, err
	}
	queue := make([]int, 0, grid.Len())
	queue = append(queue, seed)
	for i := 0; i < grid.Len(); i++ {
		if i != seed {
			queue = append(queue, i)
		}
	}
	return queue, nil
}
