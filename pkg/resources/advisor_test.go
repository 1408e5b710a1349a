package resources

import (
	"errors"
	"testing"

	"slidenorm/internal/models"
)

// TestTableNearestKey checks the lookup against the default table
func TestTableNearestKey(t *testing.T) {
	entries := map[int]int{12000: 12000, 12001: 24500}
	tests := []struct {
		available int
		want      int
	}{
		{4000, 12000},
		{12000, 12000},
		{12001, 24500},
		{64000, 24500},
	}

	for _, tc := range tests {
		side, err := Table{Entries: entries, AvailableMB: tc.available}.MaxSide()
		if err != nil {
			t.Fatalf("Failed lookup for %d MB: %v", tc.available, err)
		}
		if side != tc.want {
			t.Errorf("Expected side %d for %d MB, got %d", tc.want, tc.available, side)
		}
	}
}

// TestTableTieTakesSmallerKey checks equidistant keys
func TestTableTieTakesSmallerKey(t *testing.T) {
	side, err := Table{Entries: map[int]int{1000: 1, 3000: 3}, AvailableMB: 2000}.MaxSide()
	if err != nil {
		t.Fatal(err)
	}
	if side != 1 {
		t.Errorf("Expected side 1, got %d", side)
	}
}

// TestFromSettings checks advisor selection and rejections
func TestFromSettings(t *testing.T) {
	a, err := FromSettings(900, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if side, _ := a.MaxSide(); side != 900 {
		t.Errorf("Expected fixed side 900, got %d", side)
	}

	a, err = FromSettings(0, map[int]int{8000: 5000}, 16000)
	if err != nil {
		t.Fatal(err)
	}
	if side, _ := a.MaxSide(); side != 5000 {
		t.Errorf("Expected table side 5000, got %d", side)
	}

	if _, err := FromSettings(0, map[int]int{8000: 5000}, 0); !errors.Is(err, models.ErrConfiguration) {
		t.Errorf("Expected configuration error without memory, got %v", err)
	}
	if _, err := (Fixed(0)).MaxSide(); !errors.Is(err, models.ErrConfiguration) {
		t.Errorf("Expected configuration error for zero side, got %v", err)
	}
}
