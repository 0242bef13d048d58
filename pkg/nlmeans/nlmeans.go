// Package nlmeans implements a non-local means denoising filter for 3D
// magnitude MR volumes. Each output voxel is a weighted average of
// candidates inside a search block, weighted by the similarity of the local
// patches around the voxel and the candidate. Rician mode applies the
// second-moment bias correction appropriate for magnitude reconstruction.
package nlmeans

import (
	"math"
	"runtime"
	"sync"

	"mriascm/pkg/volume"
)

// Params configures a denoising pass.
type Params struct {
	// PatchRadius is the half-width of the neighbourhood compared when
	// judging similarity between two locations. Larger values smooth more.
	PatchRadius int

	// BlockRadius is the half-width of the search window within which
	// candidate patches are sought.
	BlockRadius int

	// Rician selects the bias correction for magnitude-reconstructed images
	// instead of the additive Gaussian model.
	Rician bool

	// Workers is the number of goroutines used; zero means NumCPU.
	Workers int
}

// Denoiser applies non-local means filtering with fixed parameters.
type Denoiser struct {
	params Params
}

// New validates the parameters and creates a denoiser.
func New(p Params) (*Denoiser, error) {
	if p.PatchRadius < 1 {
		return nil, &volume.InvalidParameterError{
			Name:   "patchRadius",
			Value:  float64(p.PatchRadius),
			Reason: "patch radius must be at least 1",
		}
	}
	if p.BlockRadius < 1 {
		return nil, &volume.InvalidParameterError{
			Name:   "blockRadius",
			Value:  float64(p.BlockRadius),
			Reason: "block radius must be at least 1",
		}
	}
	if p.Workers <= 0 {
		p.Workers = runtime.NumCPU()
	}
	return &Denoiser{params: p}, nil
}

// Params returns the parameters the denoiser was built with.
func (d *Denoiser) Params() Params {
	return d.params
}

// Denoise filters the volume and returns a new volume of identical shape.
// Voxels outside the mask pass through unchanged. The result is a pure
// function of the inputs regardless of the worker count.
func (d *Denoiser) Denoise(vol *volume.Volume, sigma float64, mask *volume.Mask) (*volume.Volume, error) {
	if vol == nil || len(vol.Data) == 0 {
		return nil, &volume.DegenerateInputError{Reason: "empty volume"}
	}
	if sigma < 0 || math.IsNaN(sigma) || math.IsInf(sigma, 0) {
		return nil, &volume.InvalidParameterError{
			Name:   "sigma",
			Value:  sigma,
			Reason: "noise sigma must be finite and non-negative",
		}
	}
	if mask != nil && !mask.MatchesVolume(vol) {
		return nil, &volume.ShapeMismatchError{
			WantNx: vol.Nx, WantNy: vol.Ny, WantNz: vol.Nz,
			GotNx: mask.Nx, GotNy: mask.Ny, GotNz: mask.Nz,
		}
	}

	// Zero sigma means no measurable noise and the filter degenerates to
	// the identity.
	if sigma == 0 {
		return vol.Clone(), nil
	}

	out := vol.Clone()

	workers := d.params.Workers
	if workers > vol.Nz {
		workers = vol.Nz
	}
	zPerWorker := (vol.Nz + workers - 1) / workers

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		z0 := w * zPerWorker
		z1 := z0 + zPerWorker
		if z1 > vol.Nz {
			z1 = vol.Nz
		}
		if z0 >= z1 {
			continue
		}

		wg.Add(1)
		go func(z0, z1 int) {
			defer wg.Done()
			d.denoiseRange(vol, out, mask, sigma, z0, z1)
		}(z0, z1)
	}
	wg.Wait()

	return out, nil
}

// denoiseRange filters the z-slab [z0, z1). Each worker owns a disjoint
// output range, so no synchronization is needed beyond the final join.
func (d *Denoiser) denoiseRange(vol, out *volume.Volume, mask *volume.Mask, sigma float64, z0, z1 int) {
	h2 := sigma * sigma
	twoSigma2 := 2 * h2

	for z := z0; z < z1; z++ {
		for y := 0; y < vol.Ny; y++ {
			for x := 0; x < vol.Nx; x++ {
				if mask != nil && !mask.At(x, y, z) {
					continue
				}

				var wsum, acc float64
				for dz := -d.params.BlockRadius; dz <= d.params.BlockRadius; dz++ {
					qz := z + dz
					if qz < 0 || qz >= vol.Nz {
						continue
					}
					for dy := -d.params.BlockRadius; dy <= d.params.BlockRadius; dy++ {
						qy := y + dy
						if qy < 0 || qy >= vol.Ny {
							continue
						}
						for dx := -d.params.BlockRadius; dx <= d.params.BlockRadius; dx++ {
							qx := x + dx
							if qx < 0 || qx >= vol.Nx {
								continue
							}

							w := math.Exp(-d.patchDistance(vol, x, y, z, qx, qy, qz) / h2)
							val := vol.At(qx, qy, qz)
							if d.params.Rician {
								acc += w * val * val
							} else {
								acc += w * val
							}
							wsum += w
						}
					}
				}

				// The candidate at zero offset always contributes weight 1,
				// so wsum is never zero here.
				mean := acc / wsum
				if d.params.Rician {
					unbiased := mean - twoSigma2
					if unbiased < 0 {
						unbiased = 0
					}
					out.Set(x, y, z, math.Sqrt(unbiased))
				} else {
					out.Set(x, y, z, mean)
				}
			}
		}
	}
}

// patchDistance returns the mean squared intensity difference between the
// patches centred on p and q. Offsets that would leave the volume for
// either patch are skipped, so boundary patches compare a reduced
// neighbourhood instead of reading out of bounds.
func (d *Denoiser) patchDistance(vol *volume.Volume, px, py, pz, qx, qy, qz int) float64 {
	r := d.params.PatchRadius
	sum := 0.0
	n := 0

	for oz := -r; oz <= r; oz++ {
		paz, qaz := pz+oz, qz+oz
		if paz < 0 || paz >= vol.Nz || qaz < 0 || qaz >= vol.Nz {
			continue
		}
		for oy := -r; oy <= r; oy++ {
			pay, qay := py+oy, qy+oy
			if pay < 0 || pay >= vol.Ny || qay < 0 || qay >= vol.Ny {
				continue
			}
			for ox := -r; ox <= r; ox++ {
				pax, qax := px+ox, qx+ox
				if pax < 0 || pax >= vol.Nx || qax < 0 || qax >= vol.Nx {
					continue
				}
				diff := vol.At(pax, pay, paz) - vol.At(qax, qay, qaz)
				sum += diff * diff
				n++
			}
		}
	}

	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
