// Package noise estimates the noise standard deviation of magnitude MR
// volumes. The estimator measures the residual of a discrete Laplacian,
// which cancels locally smooth anatomy and leaves the noise, then corrects
// for the intensity statistics of multi-coil magnitude reconstruction.
package noise

import (
	"math"

	"mriascm/pkg/volume"
)

// Laplacian stencil variance gain: the 3D kernel (-6 center, +1 for the six
// face neighbours) applied to i.i.d. noise multiplies the variance by
// 6*1^2 + (-6)^2 = 42.
const laplacianGain = 42.0

// Estimator computes the Gaussian-equivalent noise standard deviation of a
// volume acquired with a given number of receiver coils.
type Estimator struct {
	// Coils is the number of independent noise-contributing channels of the
	// acquisition hardware (N in sum-of-squares reconstruction).
	Coils int
}

// NewEstimator creates an estimator for the given coil count.
func NewEstimator(coils int) *Estimator {
	return &Estimator{Coils: coils}
}

// EstimateSigma returns the Gaussian-equivalent noise standard deviation of
// the volume. When a mask is given, only voxels whose full 6-neighbourhood
// lies inside the mask contribute. Empty and constant-valued volumes are
// rejected as degenerate, as are volumes too small to hold the stencil.
func (e *Estimator) EstimateSigma(vol *volume.Volume, mask *volume.Mask) (float64, error) {
	if e.Coils < 1 {
		return 0, &volume.InvalidParameterError{
			Name:   "coils",
			Value:  float64(e.Coils),
			Reason: "coil count must be at least 1",
		}
	}
	if vol == nil || len(vol.Data) == 0 {
		return 0, &volume.DegenerateInputError{Reason: "empty volume"}
	}
	if mask != nil && !mask.MatchesVolume(vol) {
		return 0, &volume.ShapeMismatchError{
			WantNx: vol.Nx, WantNy: vol.Ny, WantNz: vol.Nz,
			GotNx: mask.Nx, GotNy: mask.Ny, GotNz: mask.Nz,
		}
	}
	if vol.Nx < 3 || vol.Ny < 3 || vol.Nz < 3 {
		return 0, &volume.DegenerateInputError{
			Reason: "volume too small for noise estimation, need at least 3 voxels per axis",
		}
	}
	if vol.IsConstant() {
		return 0, &volume.DegenerateInputError{Reason: "constant-valued volume"}
	}

	sumSq := 0.0
	count := 0
	for z := 1; z < vol.Nz-1; z++ {
		for y := 1; y < vol.Ny-1; y++ {
			for x := 1; x < vol.Nx-1; x++ {
				if mask != nil && !stencilInMask(mask, x, y, z) {
					continue
				}
				conv := vol.At(x-1, y, z) + vol.At(x+1, y, z) +
					vol.At(x, y-1, z) + vol.At(x, y+1, z) +
					vol.At(x, y, z-1) + vol.At(x, y, z+1) -
					6*vol.At(x, y, z)
				sumSq += conv * conv
				count++
			}
		}
	}

	if count == 0 {
		return 0, &volume.DegenerateInputError{
			Reason: "no voxels with a full neighbourhood inside the mask",
		}
	}

	measured := math.Sqrt(sumSq / (laplacianGain * float64(count)))
	if measured == 0 {
		return 0, &volume.DegenerateInputError{
			Reason: "zero noise residual, volume is locally constant",
		}
	}

	return measured / corrFactor(e.Coils), nil
}

// stencilInMask reports whether the voxel and its six face neighbours are
// all foreground.
func stencilInMask(m *volume.Mask, x, y, z int) bool {
	return m.At(x, y, z) &&
		m.At(x-1, y, z) && m.At(x+1, y, z) &&
		m.At(x, y-1, z) && m.At(x, y+1, z) &&
		m.At(x, y, z-1) && m.At(x, y, z+1)
}

// corrFactor converts the measured magnitude-image noise standard deviation
// to the underlying Gaussian channel sigma for an N-coil sum-of-squares
// reconstruction. The background magnitude of such a reconstruction has
// variance (2N - beta^2) * sigma^2 with beta = sqrt(2)*Gamma(N+1/2)/Gamma(N);
// for N=1 this reduces to the Rayleigh correction sqrt(2 - pi/2).
func corrFactor(coils int) float64 {
	n := float64(coils)
	beta := math.Sqrt2 * math.Gamma(n+0.5) / math.Gamma(n)
	return math.Sqrt(2*n - beta*beta)
}
