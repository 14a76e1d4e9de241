package reconstruction

import (
	"fmt"
	"math"

	"tomorecon/pkg/compute"
)

// ellipse is one component of an analytic phantom. Centre and semi-axes are
// in normalized coordinates where the image spans [-1, 1] on both axes.
type ellipse struct {
	intensity float64
	a, b      float64
	x0, y0    float64
	phi       float64 // rotation in degrees
}

// sheppLogan is the modified Shepp-Logan head phantom with the contrast
// raised so every region is visible on a [0, 1] scale.
var sheppLogan = []ellipse{
	{1, 0.69, 0.92, 0, 0, 0},
	{-0.8, 0.6624, 0.8740, 0, -0.0184, 0},
	{-0.2, 0.1100, 0.3100, 0.22, 0, -18},
	{-0.2, 0.1600, 0.4100, -0.22, 0, 18},
	{0.1, 0.2100, 0.2500, 0, 0.35, 0},
	{0.1, 0.0460, 0.0460, 0, 0.1, 0},
	{0.1, 0.0460, 0.0460, 0, -0.1, 0},
	{0.1, 0.0460, 0.0230, -0.08, -0.605, 0},
	{0.1, 0.0230, 0.0230, 0, -0.606, 0},
	{0.1, 0.0230, 0.0460, 0.06, -0.605, 0},
}

func (e ellipse) contains(x, y float64) bool {
	sin, cos := math.Sincos(e.phi * math.Pi / 180)
	dx, dy := x-e.x0, y-e.y0
	u := dx*cos + dy*sin
	v := -dx*sin + dy*cos
	return (u*u)/(e.a*e.a)+(v*v)/(e.b*e.b) <= 1
}

// SheppLogan renders an n x n modified Shepp-Logan phantom and stacks it into
// the given number of slices. Values lie in [0, 1]; y points up so the
// small ellipses at the bottom of the head land in the last rows.
func SheppLogan(n, slices int) ([]float64, error) {
	if n <= 0 || slices <= 0 {
		return nil, fmt.Errorf("%w: phantom %dx%d with %d slices", compute.ErrConfiguration, n, n, slices)
	}

	plane := make([]float64, n*n)
	for j := 0; j < n; j++ {
		y := 1 - float64(2*j+1)/float64(n)
		for i := 0; i < n; i++ {
			x := float64(2*i+1)/float64(n) - 1
			var v float64
			for _, e := range sheppLogan {
				if e.contains(x, y) {
					v += e.intensity
				}
			}
			// overlapping negative ellipses can cancel to a tiny negative
			plane[j*n+i] = math.Max(v, 0)
		}
	}

	data := make([]float64, 0, n*n*slices)
	for z := 0; z < slices; z++ {
		data = append(data, plane...)
	}
	return data, nil
}
