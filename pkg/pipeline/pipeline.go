// Package pipeline sequences the full denoising run: load the acquisition,
// derive the foreground mask, estimate the noise level, run the two
// non-local-means passes concurrently, fuse them with adaptive soft
// coefficient matching and persist the result with quality metrics.
package pipeline

import (
	"fmt"
	"os"
	"path/filepath"

	"mriascm/pkg/ascm"
	"mriascm/pkg/metrics"
	"mriascm/pkg/niftiio"
	"mriascm/pkg/nlmeans"
	"mriascm/pkg/noise"
	"mriascm/pkg/visualization"
	"mriascm/pkg/volume"
)

// Params holds the denoising parameters.
type Params struct {
	// InputFile is the NIfTI file (.nii or .nii.gz) holding the acquisition.
	InputFile string

	// OutputFile is the path where the fused volume will be saved.
	OutputFile string

	// DataChannel is the t index of the 4D acquisition to denoise.
	DataChannel int

	// MaskChannel is the t index thresholded to build the foreground mask.
	MaskChannel int

	// MaskThreshold is the intensity above which a voxel counts as foreground.
	MaskThreshold float64

	// Coils is the receiver coil count used by the noise estimator.
	Coils int

	// SmallPatchRadius and LargePatchRadius are the patch radii of the two
	// non-local-means passes; the block radius is shared.
	SmallPatchRadius int
	LargePatchRadius int
	BlockRadius      int

	// Rician selects the magnitude-image bias correction for both passes.
	Rician bool

	// NumCores specifies how many CPU cores to use for parallel processing.
	NumCores int

	// Sigma overrides the estimated noise level when positive.
	Sigma float64

	// SaveIntermediaryResults determines whether to save intermediary
	// processing results.
	SaveIntermediaryResults bool

	// IntermediaryDir is the directory where intermediary results will be
	// saved. Only used when SaveIntermediaryResults is true.
	IntermediaryDir string
}

// Denoiser runs the adaptive soft coefficient matching workflow: two
// non-local-means estimates at different smoothing scales, fused voxel-wise
// so that edges follow the sharper estimate and homogeneous tissue follows
// the smoother one.
type Denoiser struct {
	params *Params

	orig  *volume.Volume
	mask  *volume.Mask
	sigma float64

	small *volume.Volume
	large *volume.Volume
	fused *volume.Volume

	report metrics.Report
}

// NewDenoiser creates a denoiser instance with the provided parameters.
func NewDenoiser(params *Params) *Denoiser {
	return &Denoiser{params: params}
}

// validate checks the parameter combination before any work starts.
func (d *Denoiser) validate() error {
	p := d.params
	if p.SmallPatchRadius >= p.LargePatchRadius {
		return &volume.InvalidParameterError{
			Name:   "largePatchRadius",
			Value:  float64(p.LargePatchRadius),
			Reason: "large patch radius must exceed the small patch radius",
		}
	}
	if p.MaskThreshold < 0 {
		return &volume.InvalidParameterError{
			Name:   "maskThreshold",
			Value:  p.MaskThreshold,
			Reason: "mask threshold must be non-negative",
		}
	}
	// Radii, coil count and sigma are validated by the stages that consume
	// them, so a misconfiguration is reported next to its meaning.
	return nil
}

// Process runs the complete denoising pipeline.
func (d *Denoiser) Process() error {
	if err := d.validate(); err != nil {
		return err
	}

	if d.params.SaveIntermediaryResults {
		if err := os.MkdirAll(d.params.IntermediaryDir, 0755); err != nil {
			return fmt.Errorf("failed to create intermediary directory: %w", err)
		}
	}

	// Step 1: Load the acquisition.
	fmt.Println("Step 1: Loading input volume...")
	data, err := niftiio.LoadChannel(d.params.InputFile, d.params.DataChannel)
	if err != nil {
		return fmt.Errorf("failed to load data channel: %w", err)
	}
	d.orig = data
	fmt.Printf("Loaded volume %dx%dx%d from %s\n", data.Nx, data.Ny, data.Nz, d.params.InputFile)
	d.saveIntermediarySlices("01_original", data)

	// Step 2: Derive the foreground mask from the reference channel.
	fmt.Println("Step 2: Deriving foreground mask...")
	ref := data
	if d.params.MaskChannel != d.params.DataChannel {
		ref, err = niftiio.LoadChannel(d.params.InputFile, d.params.MaskChannel)
		if err != nil {
			return fmt.Errorf("failed to load mask channel: %w", err)
		}
	}
	d.mask = volume.MaskFromThreshold(ref, d.params.MaskThreshold)
	fmt.Printf("Mask keeps %d of %d voxels (threshold %.1f)\n",
		d.mask.Count(), data.NumVoxels(), d.params.MaskThreshold)

	// Steps 3-5 run on the in-memory volume.
	if err := d.DenoiseVolume(d.orig, d.mask); err != nil {
		return err
	}

	// Step 6: Quality metrics against the original.
	fmt.Println("Step 6: Calculating quality metrics...")
	d.report, err = metrics.Evaluate(d.orig, d.fused, d.mask)
	if err != nil {
		return fmt.Errorf("failed to evaluate metrics: %w", err)
	}

	// Step 7: Persist the fused volume with the original transform.
	fmt.Println("Step 7: Saving denoised volume...")
	if err := niftiio.Save(d.params.OutputFile, d.fused); err != nil {
		return fmt.Errorf("failed to save output: %w", err)
	}
	fmt.Printf("Denoised volume saved to: %s\n", d.params.OutputFile)

	if d.params.SaveIntermediaryResults {
		z := d.orig.Nz / 2
		path := filepath.Join(d.params.IntermediaryDir, "comparison_axial.jpg")
		if err := visualization.SaveComparison(d.orig, d.fused, d.mask, z, path); err != nil {
			fmt.Printf("Warning: failed to save comparison image: %v\n", err)
		}
	}

	return nil
}

// DenoiseVolume runs the computational stages (sigma estimation, the two
// concurrent non-local-means passes and the fusion) on an in-memory volume.
// The fused result is available through GetResult afterwards.
func (d *Denoiser) DenoiseVolume(vol *volume.Volume, mask *volume.Mask) error {
	if err := d.validate(); err != nil {
		return err
	}
	d.orig = vol
	d.mask = mask

	// Step 3: Noise level.
	fmt.Println("Step 3: Estimating noise level...")
	if d.params.Sigma > 0 {
		d.sigma = d.params.Sigma
		fmt.Printf("Using sigma override: %.4f\n", d.sigma)
	} else {
		estimator := noise.NewEstimator(d.params.Coils)
		sigma, err := estimator.EstimateSigma(vol, mask)
		if err != nil {
			return fmt.Errorf("noise estimation failed: %w", err)
		}
		d.sigma = sigma
		fmt.Printf("Estimated sigma: %.4f (N=%d coils)\n", d.sigma, d.params.Coils)
	}

	// Step 4: The two non-local-means passes are independent, so they run
	// concurrently and join on the result channel.
	fmt.Println("Step 4: Running non-local means at both patch radii...")
	type denoiseResult struct {
		radius int
		vol    *volume.Volume
		err    error
	}
	resultChan := make(chan denoiseResult, 2)

	// Each pass gets half the cores; a single remaining core goes to both.
	coresPerPass := d.params.NumCores / 2
	if coresPerPass < 1 {
		coresPerPass = 1
	}

	for _, radius := range []int{d.params.SmallPatchRadius, d.params.LargePatchRadius} {
		go func(radius int) {
			den, err := nlmeans.New(nlmeans.Params{
				PatchRadius: radius,
				BlockRadius: d.params.BlockRadius,
				Rician:      d.params.Rician,
				Workers:     coresPerPass,
			})
			if err != nil {
				resultChan <- denoiseResult{radius: radius, err: err}
				return
			}
			out, err := den.Denoise(vol, d.sigma, mask)
			resultChan <- denoiseResult{radius: radius, vol: out, err: err}
		}(radius)
	}

	for i := 0; i < 2; i++ {
		res := <-resultChan
		if res.err != nil {
			return fmt.Errorf("non-local means at patch radius %d failed: %w", res.radius, res.err)
		}
		if res.radius == d.params.SmallPatchRadius {
			d.small = res.vol
		} else {
			d.large = res.vol
		}
	}
	d.saveIntermediarySlices("02_nlmeans_small", d.small)
	d.saveIntermediarySlices("03_nlmeans_large", d.large)

	// Step 5: Adaptive soft coefficient matching, with h set to the noise
	// level as in the reference workflow.
	fmt.Println("Step 5: Fusing estimates with adaptive soft coefficient matching...")
	engine := ascm.NewEngine(d.params.NumCores)
	fused, err := engine.Fuse(vol, d.small, d.large, d.sigma)
	if err != nil {
		return fmt.Errorf("fusion failed: %w", err)
	}
	d.fused = fused
	d.saveIntermediarySlices("04_fused", d.fused)

	return nil
}

// GetMetrics returns the quality metrics of the last run.
func (d *Denoiser) GetMetrics() metrics.Report {
	return d.report
}

// GetResult returns the fused volume of the last run.
func (d *Denoiser) GetResult() *volume.Volume {
	return d.fused
}

// GetSigma returns the noise level used by the last run.
func (d *Denoiser) GetSigma() float64 {
	return d.sigma
}

// saveIntermediarySlices saves the first, middle and last axial slices of a
// stage to the intermediary directory.
func (d *Denoiser) saveIntermediarySlices(stage string, vol *volume.Volume) {
	if !d.params.SaveIntermediaryResults || vol == nil {
		return
	}

	stageDir := filepath.Join(d.params.IntermediaryDir, stage)
	if err := os.MkdirAll(stageDir, 0755); err != nil {
		fmt.Printf("Warning: failed to create %s: %v\n", stageDir, err)
		return
	}

	viewer := visualization.NewViewer(vol)
	for _, z := range []int{0, vol.Nz / 2, vol.Nz - 1} {
		img, err := viewer.ExtractSlice("z", z)
		if err != nil {
			fmt.Printf("Warning: failed to extract slice %d: %v\n", z, err)
			continue
		}
		path := filepath.Join(stageDir, fmt.Sprintf("%03d.jpg", z))
		if err := viewer.SaveSlice(img, path); err != nil {
			fmt.Printf("Warning: failed to save slice %d of %s: %v\n", z, stage, err)
		}
	}
}
