package reconstruction

import (
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// AddNoise adds zero-mean Gaussian noise with standard deviation sigma to
// data in place. The same seed always produces the same noise.
func AddNoise(data []float64, sigma float64, seed uint64) {
	if sigma <= 0 {
		return
	}
	dist := distuv.Normal{
		Mu:    0,
		Sigma: sigma,
		Src:   rand.NewSource(seed),
	}
	for i := range data {
		data[i] += dist.Rand()
	}
}
