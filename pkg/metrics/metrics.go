// Package metrics quantifies how a denoised volume relates to the original
// acquisition. The figures are the usual reconstruction-quality metrics:
// error magnitude (RMSE, PSNR), perceived similarity (SSIM), information
// preservation (entropy difference, mutual information) and a gradient-based
// edge preservation ratio.
package metrics

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"mriascm/pkg/volume"
)

// Report holds the quality metrics of a denoising run.
type Report struct {
	// RMSE is the root mean square difference between original and result.
	// For a denoiser this is the magnitude of the removed component.
	RMSE float64

	// PSNR is the peak signal-to-noise ratio of the result against the
	// original, in dB, using the original's dynamic range as peak.
	PSNR float64

	// SSIM is the structural similarity index between original and result.
	// Values near 1 indicate that anatomy survived the filtering.
	SSIM float64

	// EntropyDiff is the absolute difference in Shannon entropy. Denoising
	// removes information carried by the noise, so small positive values
	// are expected.
	EntropyDiff float64

	// MI is a Gaussian approximation of the mutual information between the
	// two volumes.
	MI float64

	// EdgePreserved is the correlation between the gradient magnitude maps
	// of the two volumes, in [-1, 1]; values near 1 mean edges survived.
	EdgePreserved float64
}

// Evaluate computes the report between an original volume and a processed
// result of identical shape. When a mask is given, only foreground voxels
// contribute to the intensity statistics; the gradient correlation always
// uses the full volume, since edges commonly sit on the mask boundary.
func Evaluate(orig, result *volume.Volume, mask *volume.Mask) (Report, error) {
	var rep Report
	if orig == nil || len(orig.Data) == 0 {
		return rep, &volume.DegenerateInputError{Reason: "empty volume"}
	}
	if err := orig.CheckShape(result); err != nil {
		return rep, err
	}
	if mask != nil && !mask.MatchesVolume(orig) {
		return rep, &volume.ShapeMismatchError{
			WantNx: orig.Nx, WantNy: orig.Ny, WantNz: orig.Nz,
			GotNx: mask.Nx, GotNy: mask.Ny, GotNz: mask.Nz,
		}
	}

	a, b := maskedPair(orig, result, mask)
	if len(a) == 0 {
		return rep, &volume.DegenerateInputError{Reason: "mask excludes every voxel"}
	}

	rep.RMSE = rmse(a, b)
	rep.PSNR = psnr(a, rep.RMSE)
	rep.SSIM = ssim(a, b)
	rep.EntropyDiff = math.Abs(entropy(a) - entropy(b))
	rep.MI = mutualInformation(a, b)
	rep.EdgePreserved = gradientCorrelation(orig, result)

	return rep, nil
}

// maskedPair collects the paired intensities under the mask.
func maskedPair(orig, result *volume.Volume, mask *volume.Mask) ([]float64, []float64) {
	if mask == nil {
		return orig.Data, result.Data
	}
	a := make([]float64, 0, len(orig.Data))
	b := make([]float64, 0, len(orig.Data))
	for i, in := range mask.Data {
		if in {
			a = append(a, orig.Data[i])
			b = append(b, result.Data[i])
		}
	}
	return a, b
}

func rmse(a, b []float64) float64 {
	mse := 0.0
	for i := range a {
		d := a[i] - b[i]
		mse += d * d
	}
	return math.Sqrt(mse / float64(len(a)))
}

func psnr(a []float64, rmseVal float64) float64 {
	if rmseVal == 0 {
		return math.Inf(1)
	}
	lo, hi := a[0], a[0]
	for _, v := range a {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	if hi <= lo {
		return 0
	}
	return 20 * math.Log10((hi-lo)/rmseVal)
}

// ssim computes the global structural similarity index with the standard
// stabilisation constants, scaled to the data's dynamic range.
func ssim(a, b []float64) float64 {
	const k1 = 0.01
	const k2 = 0.03

	muX := stat.Mean(a, nil)
	muY := stat.Mean(b, nil)
	sigmaX := stat.Variance(a, nil)
	sigmaY := stat.Variance(b, nil)
	sigmaXY := stat.Covariance(a, b, nil)

	lo, hi := a[0], a[0]
	for _, v := range a {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	l := hi - lo
	if l == 0 {
		l = 1
	}
	c1 := (k1 * l) * (k1 * l)
	c2 := (k2 * l) * (k2 * l)

	num := (2*muX*muY + c1) * (2*sigmaXY + c2)
	den := (muX*muX + muY*muY + c1) * (sigmaX + sigmaY + c2)
	if den == 0 {
		return 0
	}
	return num / den
}

// entropy computes the Shannon entropy of the intensities over a 256-bin
// histogram spanning the data range.
func entropy(data []float64) float64 {
	const numBins = 256

	lo, hi := data[0], data[0]
	for _, v := range data {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	if hi <= lo {
		return 0
	}

	hist := make([]float64, numBins)
	binWidth := (hi - lo) / float64(numBins)
	for _, v := range data {
		idx := int((v - lo) / binWidth)
		if idx >= numBins {
			idx = numBins - 1
		}
		hist[idx]++
	}

	n := float64(len(data))
	h := 0.0
	for _, count := range hist {
		if count > 0 {
			p := count / n
			h -= p * math.Log2(p)
		}
	}
	return h
}

// mutualInformation approximates the mutual information between the two
// intensity sets under a joint Gaussian model.
func mutualInformation(a, b []float64) float64 {
	varA := stat.Variance(a, nil)
	varB := stat.Variance(b, nil)
	covar := stat.Covariance(a, b, nil)

	if varA <= 0 || varB <= 0 {
		return 0
	}
	det := varA*varB - covar*covar
	if det <= 0 {
		return 0
	}
	return 0.5 * math.Log(varA*varB/det)
}

// gradientCorrelation correlates the central-difference gradient magnitude
// maps of the two volumes.
func gradientCorrelation(orig, result *volume.Volume) float64 {
	ga := gradientMagnitude(orig)
	gb := gradientMagnitude(result)
	return stat.Correlation(ga, gb, nil)
}

// gradientMagnitude computes per-voxel central-difference gradient
// magnitudes, with one-sided differences at the volume boundary.
func gradientMagnitude(vol *volume.Volume) []float64 {
	out := make([]float64, len(vol.Data))
	for z := 0; z < vol.Nz; z++ {
		for y := 0; y < vol.Ny; y++ {
			for x := 0; x < vol.Nx; x++ {
				gx := axisDiff(vol, x, y, z, 0)
				gy := axisDiff(vol, x, y, z, 1)
				gz := axisDiff(vol, x, y, z, 2)
				out[vol.Idx(x, y, z)] = math.Sqrt(gx*gx + gy*gy + gz*gz)
			}
		}
	}
	return out
}

func axisDiff(vol *volume.Volume, x, y, z, axis int) float64 {
	c := [3]int{x, y, z}
	n := [3]int{vol.Nx, vol.Ny, vol.Nz}

	lo, hi := c, c
	if c[axis] > 0 {
		lo[axis]--
	}
	if c[axis] < n[axis]-1 {
		hi[axis]++
	}
	span := hi[axis] - lo[axis]
	if span == 0 {
		return 0
	}
	return (vol.At(hi[0], hi[1], hi[2]) - vol.At(lo[0], lo[1], lo[2])) / float64(span)
}
