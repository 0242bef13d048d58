// Package ascm implements adaptive soft coefficient matching: the voxel-wise
// fusion of two denoised estimates of the same volume, one sharp and one
// smooth, steered by the local structure of the original noisy data. Near
// edges the sharp estimate dominates to preserve detail; in homogeneous
// regions the smooth estimate dominates to maximize noise suppression.
package ascm

import (
	"math"
	"runtime"
	"sync"

	"mriascm/pkg/volume"
)

// DefaultRadius is the half-width of the neighbourhood used for the local
// structure measure. Radius 2 spans five voxels per axis, wide enough to see
// past the interior of small structures.
const DefaultRadius = 2

// Engine fuses denoised volume pairs.
type Engine struct {
	// Radius is the neighbourhood half-width for the structure measure;
	// zero selects DefaultRadius.
	Radius int

	// Workers is the number of goroutines used; zero means NumCPU.
	Workers int
}

// NewEngine creates a fusion engine with the given worker count and the
// default neighbourhood radius.
func NewEngine(workers int) *Engine {
	return &Engine{Workers: workers}
}

// Fuse combines the two denoised estimates using the default engine.
func Fuse(orig, small, large *volume.Volume, h float64) (*volume.Volume, error) {
	return NewEngine(0).Fuse(orig, small, large, h)
}

// Fuse blends the sharp (small patch) and smooth (large patch) estimates
// into a single volume of the same shape as the original. The smoothing
// parameter h sets the structure threshold: local intensity variance on the
// order of h*h is attributed to noise and favours the smooth estimate,
// variance well above it indicates an edge and favours the sharp estimate.
//
// The result is a pure function of (orig, small, large, h): repeated calls
// produce identical output regardless of the worker count.
func (e *Engine) Fuse(orig, small, large *volume.Volume, h float64) (*volume.Volume, error) {
	if orig == nil || len(orig.Data) == 0 {
		return nil, &volume.DegenerateInputError{Reason: "empty volume"}
	}
	if err := orig.CheckShape(small); err != nil {
		return nil, err
	}
	if err := orig.CheckShape(large); err != nil {
		return nil, err
	}
	if h < 0 || math.IsNaN(h) || math.IsInf(h, 0) {
		return nil, &volume.InvalidParameterError{
			Name:   "h",
			Value:  h,
			Reason: "smoothing parameter must be finite and non-negative",
		}
	}

	radius := e.Radius
	if radius <= 0 {
		radius = DefaultRadius
	}
	workers := e.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > orig.Nz {
		workers = orig.Nz
	}

	out := orig.EmptyLike()

	zPerWorker := (orig.Nz + workers - 1) / workers
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		z0 := w * zPerWorker
		z1 := z0 + zPerWorker
		if z1 > orig.Nz {
			z1 = orig.Nz
		}
		if z0 >= z1 {
			continue
		}

		wg.Add(1)
		go func(z0, z1 int) {
			defer wg.Done()
			fuseRange(orig, small, large, out, h, radius, z0, z1)
		}(z0, z1)
	}
	wg.Wait()

	return out, nil
}

// fuseRange fuses the z-slab [z0, z1). Inputs are read-only and each output
// voxel is written exactly once, so the slabs need no locking.
func fuseRange(orig, small, large, out *volume.Volume, h float64, radius, z0, z1 int) {
	h2 := h * h
	for z := z0; z < z1; z++ {
		for y := 0; y < orig.Ny; y++ {
			for x := 0; x < orig.Nx; x++ {
				w := blendWeight(orig, x, y, z, h2, radius)
				idx := orig.Idx(x, y, z)
				out.Data[idx] = w*small.Data[idx] + (1-w)*large.Data[idx]
			}
		}
	}
}

// blendWeight derives the per-voxel weight in [0, 1] from the local
// intensity variance of the original volume. Variance at the noise floor
// (h2) yields weight near 0, favouring the smooth estimate; variance far
// above it yields weight near 1, favouring the sharp estimate. Boundary
// voxels use the clipped neighbourhood rather than reading out of bounds.
func blendWeight(orig *volume.Volume, x, y, z int, h2 float64, radius int) float64 {
	x0, x1 := clipRange(x, radius, orig.Nx)
	y0, y1 := clipRange(y, radius, orig.Ny)
	z0, z1 := clipRange(z, radius, orig.Nz)

	var sum, sumSq float64
	n := 0
	for zz := z0; zz <= z1; zz++ {
		for yy := y0; yy <= y1; yy++ {
			base := (zz*orig.Ny + yy) * orig.Nx
			for xx := x0; xx <= x1; xx++ {
				v := orig.Data[base+xx]
				sum += v
				sumSq += v * v
				n++
			}
		}
	}

	mean := sum / float64(n)
	variance := sumSq/float64(n) - mean*mean
	if variance < 0 {
		// Numerical cancellation on near-constant neighbourhoods.
		variance = 0
	}

	// Structure beyond the noise floor.
	edge := variance - h2
	if edge < 0 {
		edge = 0
	}

	den := edge + h2
	if den == 0 {
		return 0
	}
	return edge / den
}

// clipRange clips [c-radius, c+radius] to [0, n-1].
func clipRange(c, radius, n int) (int, int) {
	lo := c - radius
	if lo < 0 {
		lo = 0
	}
	hi := c + radius
	if hi > n-1 {
		hi = n - 1
	}
	return lo, hi
}
