// Package volume provides the typed 3D scalar volume and mask structures
// shared by the denoising pipeline, with shape-checked construction so that
// dimension mismatches surface at the point of the invalid call rather than
// as silent out-of-range reads.
package volume

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Volume is a 3D scalar intensity field stored as a flat array in row-major
// order with x varying fastest. The affine carries the voxel-to-world
// transform for persistence; the numeric code treats it as opaque.
type Volume struct {
	// Data holds the voxel intensities, indexed as z*Ny*Nx + y*Nx + x.
	Data []float64

	// Nx, Ny, Nz are the voxel dimensions along each axis.
	Nx, Ny, Nz int

	// Affine is the voxel-to-world transform (the top three rows of the
	// homogeneous 4x4 matrix, as stored in NIfTI srow fields).
	Affine [3][4]float64
}

// Mask marks foreground voxels of a volume with matching dimensions.
type Mask struct {
	Data       []bool
	Nx, Ny, Nz int
}

// ShapeMismatchError reports volumes whose spatial extents disagree.
type ShapeMismatchError struct {
	WantNx, WantNy, WantNz int
	GotNx, GotNy, GotNz    int
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("shape mismatch: want %dx%dx%d, got %dx%dx%d",
		e.WantNx, e.WantNy, e.WantNz, e.GotNx, e.GotNy, e.GotNz)
}

// InvalidParameterError reports a parameter outside its valid domain.
type InvalidParameterError struct {
	Name   string
	Value  float64
	Reason string
}

func (e *InvalidParameterError) Error() string {
	return fmt.Sprintf("invalid parameter %s=%v: %s", e.Name, e.Value, e.Reason)
}

// DegenerateInputError reports input on which the computation is undefined,
// such as an empty or constant-valued volume passed to noise estimation.
type DegenerateInputError struct {
	Reason string
}

func (e *DegenerateInputError) Error() string {
	return fmt.Sprintf("degenerate input: %s", e.Reason)
}

// Identity returns the identity voxel-to-world transform.
func Identity() [3][4]float64 {
	return [3][4]float64{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
	}
}

// New allocates a zero-filled volume with the given dimensions and an
// identity affine.
func New(nx, ny, nz int) (*Volume, error) {
	if nx <= 0 || ny <= 0 || nz <= 0 {
		return nil, &InvalidParameterError{
			Name:   "dims",
			Value:  float64(nx * ny * nz),
			Reason: fmt.Sprintf("dimensions must be positive, got %dx%dx%d", nx, ny, nz),
		}
	}
	return &Volume{
		Data:   make([]float64, nx*ny*nz),
		Nx:     nx,
		Ny:     ny,
		Nz:     nz,
		Affine: Identity(),
	}, nil
}

// FromData wraps an existing flat array as a volume, verifying that its
// length matches the dimensions.
func FromData(data []float64, nx, ny, nz int) (*Volume, error) {
	v, err := New(nx, ny, nz)
	if err != nil {
		return nil, err
	}
	if len(data) != nx*ny*nz {
		return nil, &ShapeMismatchError{
			WantNx: nx, WantNy: ny, WantNz: nz,
			GotNx: len(data), GotNy: 1, GotNz: 1,
		}
	}
	v.Data = data
	return v, nil
}

// Idx converts voxel coordinates to the flat array index.
func (v *Volume) Idx(x, y, z int) int {
	return (z*v.Ny+y)*v.Nx + x
}

// At returns the intensity at the given voxel coordinates.
func (v *Volume) At(x, y, z int) float64 {
	return v.Data[(z*v.Ny+y)*v.Nx+x]
}

// Set stores an intensity at the given voxel coordinates.
func (v *Volume) Set(x, y, z int, value float64) {
	v.Data[(z*v.Ny+y)*v.Nx+x] = value
}

// NumVoxels returns the total number of voxels.
func (v *Volume) NumVoxels() int {
	return v.Nx * v.Ny * v.Nz
}

// SameShape reports whether another volume has identical spatial extents.
func (v *Volume) SameShape(o *Volume) bool {
	return o != nil && v.Nx == o.Nx && v.Ny == o.Ny && v.Nz == o.Nz
}

// CheckShape returns a ShapeMismatchError if the other volume disagrees
// in spatial extent.
func (v *Volume) CheckShape(o *Volume) error {
	if v.SameShape(o) {
		return nil
	}
	e := &ShapeMismatchError{WantNx: v.Nx, WantNy: v.Ny, WantNz: v.Nz}
	if o != nil {
		e.GotNx, e.GotNy, e.GotNz = o.Nx, o.Ny, o.Nz
	}
	return e
}

// Clone returns a deep copy sharing no storage with the original.
func (v *Volume) Clone() *Volume {
	data := make([]float64, len(v.Data))
	copy(data, v.Data)
	return &Volume{Data: data, Nx: v.Nx, Ny: v.Ny, Nz: v.Nz, Affine: v.Affine}
}

// EmptyLike returns a zero-filled volume with the same shape and affine.
func (v *Volume) EmptyLike() *Volume {
	return &Volume{
		Data:   make([]float64, len(v.Data)),
		Nx:     v.Nx,
		Ny:     v.Ny,
		Nz:     v.Nz,
		Affine: v.Affine,
	}
}

// MinMax returns the minimum and maximum intensities in the volume.
func (v *Volume) MinMax() (float64, float64) {
	if len(v.Data) == 0 {
		return 0, 0
	}
	return floats.Min(v.Data), floats.Max(v.Data)
}

// Mean returns the mean intensity over the whole volume.
func (v *Volume) Mean() float64 {
	if len(v.Data) == 0 {
		return 0
	}
	return floats.Sum(v.Data) / float64(len(v.Data))
}

// IsConstant reports whether every voxel carries the same value.
func (v *Volume) IsConstant() bool {
	lo, hi := v.MinMax()
	return hi-lo == 0
}

// IsFinite reports whether every voxel is a finite number.
func (v *Volume) IsFinite() bool {
	for _, x := range v.Data {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

// NewMask allocates an all-false mask with the given dimensions.
func NewMask(nx, ny, nz int) (*Mask, error) {
	if nx <= 0 || ny <= 0 || nz <= 0 {
		return nil, &InvalidParameterError{
			Name:   "dims",
			Value:  float64(nx * ny * nz),
			Reason: fmt.Sprintf("dimensions must be positive, got %dx%dx%d", nx, ny, nz),
		}
	}
	return &Mask{Data: make([]bool, nx*ny*nz), Nx: nx, Ny: ny, Nz: nz}, nil
}

// MaskFromThreshold builds a foreground mask from the voxels of a reference
// volume that exceed the threshold.
func MaskFromThreshold(ref *Volume, threshold float64) *Mask {
	m := &Mask{
		Data: make([]bool, len(ref.Data)),
		Nx:   ref.Nx,
		Ny:   ref.Ny,
		Nz:   ref.Nz,
	}
	for i, val := range ref.Data {
		m.Data[i] = val > threshold
	}
	return m
}

// At reports whether the voxel at the given coordinates is foreground.
func (m *Mask) At(x, y, z int) bool {
	return m.Data[(z*m.Ny+y)*m.Nx+x]
}

// Count returns the number of foreground voxels.
func (m *Mask) Count() int {
	n := 0
	for _, b := range m.Data {
		if b {
			n++
		}
	}
	return n
}

// MatchesVolume reports whether the mask has the same dimensions as a volume.
func (m *Mask) MatchesVolume(v *Volume) bool {
	return m.Nx == v.Nx && m.Ny == v.Ny && m.Nz == v.Nz
}
