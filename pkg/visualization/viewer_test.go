package visualization

import (
	"image"
	"os"
	"path/filepath"
	"testing"

	"mriascm/pkg/volume"
)

func gradientVolume(t *testing.T) *volume.Volume {
	t.Helper()
	vol, err := volume.New(10, 8, 5)
	if err != nil {
		t.Fatalf("Failed to create volume: %v", err)
	}
	for z := 0; z < 5; z++ {
		for y := 0; y < 8; y++ {
			for x := 0; x < 10; x++ {
				vol.Set(x, y, z, float64(x+y+10*z))
			}
		}
	}
	return vol
}

// TestNewViewer verifies the display window initialisation
func TestNewViewer(t *testing.T) {
	vol := gradientVolume(t)
	viewer := NewViewer(vol)

	if viewer.lo != 0 {
		t.Errorf("Expected window low 0, got %f", viewer.lo)
	}
	if viewer.hi != float64(9+7+40) {
		t.Errorf("Expected window high %d, got %f", 9+7+40, viewer.hi)
	}
}

// TestExtractSlice verifies slice dimensions and content per axis
func TestExtractSlice(t *testing.T) {
	vol := gradientVolume(t)
	viewer := NewViewer(vol)

	cases := []struct {
		axis   string
		pos    int
		bounds image.Rectangle
	}{
		{"x", 3, image.Rect(0, 0, 8, 5)},
		{"y", 2, image.Rect(0, 0, 10, 5)},
		{"z", 4, image.Rect(0, 0, 10, 8)},
	}

	for _, c := range cases {
		img, err := viewer.ExtractSlice(c.axis, c.pos)
		if err != nil {
			t.Fatalf("ExtractSlice(%s, %d) failed: %v", c.axis, c.pos, err)
		}
		if img.Bounds() != c.bounds {
			t.Errorf("Axis %s: expected bounds %v, got %v", c.axis, c.bounds, img.Bounds())
		}
	}

	// The axial slice at the top of the stack must be brighter than at the
	// bottom for this monotone pattern.
	top, _ := viewer.ExtractSlice("z", 4)
	bottom, _ := viewer.ExtractSlice("z", 0)
	tR, _, _, _ := top.At(5, 5).RGBA()
	bR, _, _, _ := bottom.At(5, 5).RGBA()
	if tR <= bR {
		t.Errorf("Axial slice 4 should render brighter than slice 0: %d vs %d", tR, bR)
	}
}

// TestExtractSliceErrors verifies position and axis validation
func TestExtractSliceErrors(t *testing.T) {
	viewer := NewViewer(gradientVolume(t))

	if _, err := viewer.ExtractSlice("z", -1); err == nil {
		t.Errorf("Negative position should fail")
	}
	if _, err := viewer.ExtractSlice("z", 5); err == nil {
		t.Errorf("Out-of-range position should fail")
	}
	if _, err := viewer.ExtractSlice("w", 0); err == nil {
		t.Errorf("Invalid axis should fail")
	}
}

// TestSaveSliceSequence verifies the exported file set
func TestSaveSliceSequence(t *testing.T) {
	viewer := NewViewer(gradientVolume(t))
	dir := t.TempDir()

	if err := viewer.SaveSliceSequence("z", dir); err != nil {
		t.Fatalf("SaveSliceSequence failed: %v", err)
	}

	files, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("Failed to read output dir: %v", err)
	}
	if len(files) != 5 {
		t.Errorf("Expected 5 axial slices, got %d files", len(files))
	}
	if _, err := os.Stat(filepath.Join(dir, "slice_z_004.jpg")); err != nil {
		t.Errorf("Expected slice_z_004.jpg to exist: %v", err)
	}
}

// TestSaveComparison verifies the side-by-side strip output
func TestSaveComparison(t *testing.T) {
	orig := gradientVolume(t)
	denoised := orig.Clone()
	denoised.Set(5, 4, 2, denoised.At(5, 4, 2)+10)

	mask := volume.MaskFromThreshold(orig, 5)
	path := filepath.Join(t.TempDir(), "comparison.jpg")

	if err := SaveComparison(orig, denoised, mask, 2, path); err != nil {
		t.Fatalf("SaveComparison failed: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Comparison image missing: %v", err)
	}
	defer f.Close()

	cfg, err := decodeConfig(f)
	if err != nil {
		t.Fatalf("Comparison image unreadable: %v", err)
	}
	if cfg.Width != 3*orig.Nx || cfg.Height != orig.Ny {
		t.Errorf("Expected %dx%d strip, got %dx%d", 3*orig.Nx, orig.Ny, cfg.Width, cfg.Height)
	}

	// Shape mismatch must be rejected before any file is written.
	short, _ := volume.New(10, 8, 4)
	if err := SaveComparison(orig, short, nil, 2, path); err == nil {
		t.Errorf("Expected shape mismatch error")
	}
}

func decodeConfig(f *os.File) (image.Config, error) {
	cfg, _, err := image.DecodeConfig(f)
	return cfg, err
}
