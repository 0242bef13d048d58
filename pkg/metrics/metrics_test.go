package metrics

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"mriascm/pkg/volume"
)

// structured builds a volume with a bright slab so that gradients and
// histograms are non-degenerate.
func structured(n int, noise float64, seed int64) *volume.Volume {
	rng := rand.New(rand.NewSource(seed))
	vol, _ := volume.New(n, n, n)
	for z := 0; z < n; z++ {
		for y := 0; y < n; y++ {
			for x := 0; x < n; x++ {
				base := 100.0
				if x >= n/2 {
					base = 200.0
				}
				vol.Set(x, y, z, base+noise*rng.NormFloat64())
			}
		}
	}
	return vol
}

// TestEvaluateIdentical verifies the metrics on a perfect result
func TestEvaluateIdentical(t *testing.T) {
	vol := structured(10, 0, 1)

	rep, err := Evaluate(vol, vol.Clone(), nil)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	if rep.RMSE != 0 {
		t.Errorf("RMSE of identical volumes must be 0, got %f", rep.RMSE)
	}
	if !math.IsInf(rep.PSNR, 1) {
		t.Errorf("PSNR of identical volumes must be +Inf, got %f", rep.PSNR)
	}
	if math.Abs(rep.SSIM-1) > 1e-9 {
		t.Errorf("SSIM of identical volumes must be 1, got %f", rep.SSIM)
	}
	if rep.EntropyDiff != 0 {
		t.Errorf("Entropy difference of identical volumes must be 0, got %f", rep.EntropyDiff)
	}
	if math.Abs(rep.EdgePreserved-1) > 1e-9 {
		t.Errorf("Gradient correlation of identical volumes must be 1, got %f", rep.EdgePreserved)
	}
}

// TestEvaluateNoisyPair verifies metric directions on a realistic pair
func TestEvaluateNoisyPair(t *testing.T) {
	clean := structured(12, 0, 2)
	noisy := structured(12, 5, 2)

	rep, err := Evaluate(noisy, clean, nil)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	if rep.RMSE <= 0 {
		t.Errorf("RMSE should be positive for differing volumes, got %f", rep.RMSE)
	}
	if math.IsInf(rep.PSNR, 1) || rep.PSNR <= 0 {
		t.Errorf("PSNR should be finite and positive, got %f", rep.PSNR)
	}
	if rep.SSIM <= 0.5 || rep.SSIM >= 1 {
		t.Errorf("SSIM of a mildly noisy pair should sit in (0.5, 1), got %f", rep.SSIM)
	}
	if rep.MI <= 0 {
		t.Errorf("MI of correlated volumes should be positive, got %f", rep.MI)
	}
	if rep.EdgePreserved <= 0.5 {
		t.Errorf("The slab edge dominates both gradient maps, correlation should be high, got %f",
			rep.EdgePreserved)
	}
}

// TestEvaluateMask verifies that the mask restricts the statistics
func TestEvaluateMask(t *testing.T) {
	orig := structured(10, 0, 3)
	result := orig.Clone()

	// Corrupt only the background half; mask it away.
	mask, _ := volume.NewMask(10, 10, 10)
	for z := 0; z < 10; z++ {
		for y := 0; y < 10; y++ {
			for x := 0; x < 10; x++ {
				if x >= 5 {
					mask.Data[(z*10+y)*10+x] = true
				} else {
					result.Set(x, y, z, 0)
				}
			}
		}
	}

	rep, err := Evaluate(orig, result, mask)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if rep.RMSE != 0 {
		t.Errorf("Masked RMSE should ignore the corrupted background, got %f", rep.RMSE)
	}

	unmasked, err := Evaluate(orig, result, nil)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if unmasked.RMSE <= 0 {
		t.Errorf("Unmasked RMSE should see the corruption, got %f", unmasked.RMSE)
	}
}

// TestEvaluateErrors verifies the failure taxonomy
func TestEvaluateErrors(t *testing.T) {
	vol := structured(8, 0, 4)
	short, _ := volume.New(8, 8, 7)

	var mismatch *volume.ShapeMismatchError
	if _, err := Evaluate(vol, short, nil); !errors.As(err, &mismatch) {
		t.Errorf("Expected ShapeMismatchError, got %v", err)
	}

	var degenerate *volume.DegenerateInputError
	if _, err := Evaluate(nil, vol, nil); !errors.As(err, &degenerate) {
		t.Errorf("Expected DegenerateInputError for nil original, got %v", err)
	}

	empty, _ := volume.NewMask(8, 8, 8)
	if _, err := Evaluate(vol, vol.Clone(), empty); !errors.As(err, &degenerate) {
		t.Errorf("Expected DegenerateInputError for all-false mask, got %v", err)
	}
}
