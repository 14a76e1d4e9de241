package geometry

import (
	"fmt"
	"math"

	"tomorecon/internal/models"
	"tomorecon/pkg/compute"
)

// Classify returns the projection direction for one angle.
// Ties go to Vertical.
func Classify(sin, cos float64) models.Direction {
	if math.Abs(sin) <= math.Abs(cos) {
		return models.Vertical
	}
	return models.Horizontal
}

// Plan partitions the angles described by the sin/cos tables into maximal
// contiguous runs of equal direction.
//
// The result is ordered, non-overlapping and covers [0, len(sin)) exactly;
// adjacent subsets never share a direction.
//
// Parameters:
//   - sin, cos: per-angle tables of equal length
//
// Returns:
//   - The subsets in angle order, or ErrDimensionMismatch for unequal tables
func Plan(sin, cos []float64) ([]models.Subset, error) {
	if len(sin) != len(cos) {
		return nil, fmt.Errorf("%w: %d sines vs %d cosines", compute.ErrDimensionMismatch, len(sin), len(cos))
	}

	var subsets []models.Subset
	for i := range sin {
		dir := Classify(sin[i], cos[i])
		if n := len(subsets); n > 0 && subsets[n-1].Direction == dir {
			subsets[n-1].Count++
			continue
		}
		subsets = append(subsets, models.Subset{Offset: i, Count: 1, Direction: dir})
	}
	return subsets, nil
}
