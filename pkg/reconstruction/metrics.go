package reconstruction

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"tomorecon/pkg/compute"
)

// Metrics holds the quality of a reconstruction measured against the
// phantom it was simulated from.
type Metrics struct {
	// RMSE (Root Mean Square Error) is the average voxel error. Lower is better.
	RMSE float64

	// PSNR is the peak signal-to-noise ratio in dB, with the reference's
	// dynamic range as the peak. It is +Inf for a perfect reconstruction.
	PSNR float64

	// SSIM (Structural Similarity Index) compares luminance, contrast and
	// structure over the whole volume. 1 means identical.
	SSIM float64

	// Correlation is the Pearson correlation coefficient. It is insensitive
	// to the scale of the reconstruction.
	Correlation float64
}

// Compare computes the metrics of reconstructed against reference
func Compare(reference, reconstructed []float64) (Metrics, error) {
	if len(reference) == 0 || len(reference) != len(reconstructed) {
		return Metrics{}, fmt.Errorf("%w: comparing %d values with %d", compute.ErrDimensionMismatch, len(reference), len(reconstructed))
	}

	peak := floats.Max(reference) - floats.Min(reference)
	if peak == 0 {
		peak = 1
	}

	m := Metrics{
		RMSE: calculateRMSE(reference, reconstructed),
		SSIM: calculateSSIM(reference, reconstructed, peak),
	}
	m.PSNR = math.Inf(1)
	if m.RMSE > 0 {
		m.PSNR = 20 * math.Log10(peak/m.RMSE)
	}
	if stat.Variance(reference, nil) > 0 && stat.Variance(reconstructed, nil) > 0 {
		m.Correlation = stat.Correlation(reference, reconstructed, nil)
	}
	return m, nil
}

func calculateRMSE(original, reconstructed []float64) float64 {
	return floats.Distance(original, reconstructed, 2) / math.Sqrt(float64(len(original)))
}

// calculateSSIM computes a global Structural Similarity Index with dynamic
// range L
func calculateSSIM(original, reconstructed []float64, L float64) float64 {
	const k1 = 0.01
	const k2 = 0.03

	c1 := (k1 * L) * (k1 * L)
	c2 := (k2 * L) * (k2 * L)

	muX := stat.Mean(original, nil)
	muY := stat.Mean(reconstructed, nil)

	sigmaX := stat.Variance(original, nil)
	sigmaY := stat.Variance(reconstructed, nil)
	sigmaXY := stat.Covariance(original, reconstructed, nil)

	num := (2*muX*muY + c1) * (2*sigmaXY + c2)
	den := (muX*muX + muY*muY + c1) * (sigmaX + sigmaY + c2)

	if den > 0 {
		return num / den
	}
	return 0
}
