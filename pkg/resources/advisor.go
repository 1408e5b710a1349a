// Package resources picks the maximum tile side for a run.
package resources

import (
	"fmt"
	"sort"

	"slidenorm/internal/models"
)

// Advisor supplies the maximum tile side in pixels
type Advisor interface {
	MaxSide() (int, error)
}

// Fixed always returns the same side
type Fixed int

// MaxSide returns the fixed side
func (f Fixed) MaxSide() (int, error) {
	if f <= 0 {
		return 0, fmt.Errorf("%w: maximum tile side must be positive, got %d", models.ErrConfiguration, int(f))
	}
	return int(f), nil
}

// Table maps available memory in MB to a tile side. The entry whose key is
// closest to the available memory wins; on a tie the smaller key wins.
type Table struct {
	Entries     map[int]int
	AvailableMB int
}

// MaxSide looks up the nearest memory key
func (t Table) MaxSide() (int, error) {
	if len(t.Entries) == 0 {
		return 0, fmt.Errorf("%w: memory table is empty", models.ErrConfiguration)
	}
	if t.AvailableMB <= 0 {
		return 0, fmt.Errorf("%w: available memory must be positive, got %d MB", models.ErrConfiguration, t.AvailableMB)
	}

	keys := make([]int, 0, len(t.Entries))
	for k := range t.Entries {
		keys = append(keys, k)
	}
	sort.Ints(keys)

	best := keys[0]
	for _, k := range keys[1:] {
		if abs(k-t.AvailableMB) < abs(best-t.AvailableMB) {
			best = k
		}
	}
	return Fixed(t.Entries[best]).MaxSide()
}

// FromSettings chooses the advisor for a run: an explicit side wins, then the
// memory table when the available memory is known.
func FromSettings(maxSide int, table map[int]int, availableMB int) (Advisor, error) {
	switch {
	case maxSide > 0:
		return Fixed(maxSide), nil
	case availableMB > 0 && len(table) > 0:
		return Table{Entries: table, AvailableMB: availableMB}, nil
	default:
		return nil, fmt.Errorf("%w: no tile side configured and available memory unknown", models.ErrConfiguration)
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
