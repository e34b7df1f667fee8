package reconstruction

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// ValidationMetrics compares a reconstructed map with a known ground truth,
// used when refining synthetic data.
type ValidationMetrics struct {
	// RMSE is the root mean square voxel difference. Lower is better.
	RMSE float64

	// Correlation is the Pearson correlation of the two maps, from -1 to 1.
	Correlation float64

	// SSIM is the structural similarity index computed over the whole
	// volume, from -1 to 1 with 1 meaning identical maps.
	SSIM float64
}

// Validate computes the metrics of reconstructed against original. Both are
// real-space voxel buffers of the same length.
func Validate(original, reconstructed []float64) ValidationMetrics {
	var m ValidationMetrics
	if len(original) != len(reconstructed) || len(original) == 0 {
		return m
	}
	m.RMSE = calculateRMSE(original, reconstructed)
	m.Correlation = stat.Correlation(original, reconstructed, nil)
	m.SSIM = calculateSSIM(original, reconstructed)
	return m
}

// calculateRMSE computes the root mean square error
func calculateRMSE(original, reconstructed []float64) float64 {
	mse := 0.0
	for i := range original {
		diff := original[i] - reconstructed[i]
		mse += diff * diff
	}
	return math.Sqrt(mse / float64(len(original)))
}

// calculateSSIM computes the Structural Similarity Index with the dynamic
// range taken from the original map.
func calculateSSIM(original, reconstructed []float64) float64 {
	const k1 = 0.01
	const k2 = 0.03

	lo, hi := original[0], original[0]
	for _, v := range original {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	L := hi - lo
	if L == 0 {
		L = 1
	}
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
