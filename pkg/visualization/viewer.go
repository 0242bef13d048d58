// Package visualization renders volume slices and denoising comparisons as
// grayscale images, standing in for the plotting layer of interactive
// environments.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"

	"mriascm/pkg/volume"
)

// Viewer extracts 2D slices from a volume for inspection and export.
type Viewer struct {
	vol *volume.Volume

	// lo and hi span the display window; intensities are mapped linearly
	// onto the 16-bit gray range.
	lo, hi float64
}

// NewViewer creates a viewer windowed to the volume's full dynamic range.
func NewViewer(vol *volume.Volume) *Viewer {
	lo, hi := vol.MinMax()
	return &Viewer{vol: vol, lo: lo, hi: hi}
}

// SetWindow overrides the display window, so that several volumes can be
// rendered with a common intensity mapping.
func (v *Viewer) SetWindow(lo, hi float64) {
	v.lo, v.hi = lo, hi
}

// gray maps an intensity into the display window.
func (v *Viewer) gray(val float64) color.Gray16 {
	if v.hi <= v.lo {
		return color.Gray16{}
	}
	norm := (val - v.lo) / (v.hi - v.lo)
	scaled := math.Max(0, math.Min(65535, norm*65535))
	return color.Gray16{Y: uint16(scaled)}
}

// ExtractSlice extracts a 2D slice along the given axis: "x" (sagittal),
// "y" (coronal) or "z" (axial).
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}

	vol := v.vol
	switch axis {
	case "x", "X":
		if position >= vol.Nx {
			return nil, fmt.Errorf("position %d exceeds width %d", position, vol.Nx)
		}
		img := image.NewGray16(image.Rect(0, 0, vol.Ny, vol.Nz))
		for z := 0; z < vol.Nz; z++ {
			for y := 0; y < vol.Ny; y++ {
				img.SetGray16(y, z, v.gray(vol.At(position, y, z)))
			}
		}
		return img, nil

	case "y", "Y":
		if position >= vol.Ny {
			return nil, fmt.Errorf("position %d exceeds height %d", position, vol.Ny)
		}
		img := image.NewGray16(image.Rect(0, 0, vol.Nx, vol.Nz))
		for z := 0; z < vol.Nz; z++ {
			for x := 0; x < vol.Nx; x++ {
				img.SetGray16(x, z, v.gray(vol.At(x, position, z)))
			}
		}
		return img, nil

	case "z", "Z":
		if position >= vol.Nz {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, vol.Nz)
		}
		img := image.NewGray16(image.Rect(0, 0, vol.Nx, vol.Ny))
		for y := 0; y < vol.Ny; y++ {
			for x := 0; x < vol.Nx; x++ {
				img.SetGray16(x, y, v.gray(vol.At(x, y, position)))
			}
		}
		return img, nil

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}
}

// SaveSlice saves an extracted slice as a JPEG image.
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
}

// SaveSliceSequence extracts and saves every slice along the given axis.
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	var maxPos int
	switch axis {
	case "x", "X":
		maxPos = v.vol.Nx
	case "y", "Y":
		maxPos = v.vol.Ny
	case "z", "Z":
		maxPos = v.vol.Nz
	default:
		return fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	for pos := 0; pos < maxPos; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.jpg", axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}

	return nil
}

// SaveComparison renders the axial slice at position z of the original and
// denoised volumes side by side with their absolute residual, the residual
// zeroed outside the mask, and writes the strip as a JPEG.
func SaveComparison(orig, denoised *volume.Volume, mask *volume.Mask, z int, filename string) error {
	if err := orig.CheckShape(denoised); err != nil {
		return err
	}
	if z < 0 || z >= orig.Nz {
		return fmt.Errorf("position %d exceeds depth %d", z, orig.Nz)
	}

	lo, hi := orig.MinMax()
	vOrig := NewViewer(orig)
	vOrig.SetWindow(lo, hi)
	vDen := NewViewer(denoised)
	vDen.SetWindow(lo, hi)

	left, err := vOrig.ExtractSlice("z", z)
	if err != nil {
		return err
	}
	middle, err := vDen.ExtractSlice("z", z)
	if err != nil {
		return err
	}

	residual := residualSlice(orig, denoised, mask, z)
	vRes := NewViewer(residual)
	right, err := vRes.ExtractSlice("z", 0)
	if err != nil {
		return err
	}

	strip := image.NewGray16(image.Rect(0, 0, 3*orig.Nx, orig.Ny))
	for i, img := range []image.Image{left, middle, right} {
		offset := i * orig.Nx
		for y := 0; y < orig.Ny; y++ {
			for x := 0; x < orig.Nx; x++ {
				strip.Set(offset+x, y, img.At(x, y))
			}
		}
	}

	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return jpeg.Encode(file, strip, &jpeg.Options{Quality: 90})
}

// residualSlice builds a single-slice volume of |denoised - orig| at depth
// z, zeroed outside the mask.
func residualSlice(orig, denoised *volume.Volume, mask *volume.Mask, z int) *volume.Volume {
	res, _ := volume.New(orig.Nx, orig.Ny, 1)
	for y := 0; y < orig.Ny; y++ {
		for x := 0; x < orig.Nx; x++ {
			if mask != nil && !mask.At(x, y, z) {
				continue
			}
			res.Set(x, y, 0, math.Abs(denoised.At(x, y, z)-orig.At(x, y, z)))
		}
	}
	return res
}
