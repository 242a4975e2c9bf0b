// Package conversion runs the file-level BraTS2021 to two-label conversion:
// reading both segmentations, remapping, and writing the result.
package conversion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"brats2twolabel/internal/models"
	"brats2twolabel/pkg/nifti"
	"brats2twolabel/pkg/remap"
	"brats2twolabel/pkg/visualization"
)

// Params holds the conversion inputs and settings.
type Params struct {
	// BratsFile is the BraTS2021 segmentation; its header is propagated to the output
	BratsFile string

	// HDGlioFile is the HD-GLIO segmentation of the same scan
	HDGlioFile string

	// OutputFile receives the converted segmentation (.nii or .nii.gz)
	OutputFile string

	// Remap controls the label conversion
	Remap remap.Options

	// SlicesDir receives PNG previews of the output when non-empty
	SlicesDir string
}

// Converter runs one conversion.
type Converter struct {
	params *Params
	logger *slog.Logger

	// template is the BraTS image whose header is written to the output
	template *nifti.Image

	output *models.LabelVolume
	report *remap.Report

	// previews lists the slice images written, if any
	previews []string
}

// NewConverter creates a converter. A nil logger discards log output.
func NewConverter(params *Params, logger *slog.Logger) *Converter {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Converter{
		params: params,
		logger: logger,
	}
}

// Process runs the complete conversion. The output file is only created
// once every input has been read and validated and the remap succeeded.
func (c *Converter) Process(ctx context.Context) error {
	start := time.Now()

	// Step 1: Load both segmentations
	c.logger.Info("loading segmentations", "brats", c.params.BratsFile, "hdglio", c.params.HDGlioFile)
	brats, hdglio, err := c.loadInputs(ctx)
	if err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	// Step 2: Remap labels
	c.logger.Info("remapping labels",
		"shape", brats.Shape.String(),
		"clusterSizeThreshold", c.params.Remap.ClusterSizeThreshold,
		"atFill", c.params.Remap.ATFill,
		"connectivity", int(c.params.Remap.Connectivity))
	remapper := remap.NewRemapper(c.params.Remap, c.logger)
	out, report, err := remapper.Remap(brats, hdglio)
	if err != nil {
		return fmt.Errorf("failed to remap labels: %w", err)
	}
	c.output, c.report = out, report
	c.logReport()

	if err := ctx.Err(); err != nil {
		return err
	}

	// Step 3: Write the converted segmentation
	if err := nifti.Save(c.params.OutputFile, c.template, out); err != nil {
		return fmt.Errorf("failed to save output: %w", err)
	}
	size := "unknown size"
	if info, err := os.Stat(c.params.OutputFile); err == nil {
		size = humanize.Bytes(uint64(info.Size()))
	}
	c.logger.Info("wrote converted segmentation", "path", c.params.OutputFile, "size", size)

	// Step 4: Optional slice previews
	if c.params.SlicesDir != "" {
		viewer := visualization.NewViewer(out, visualization.DefaultPalette())
		paths, err := viewer.SaveMidSlices(c.params.SlicesDir)
		if err != nil {
			c.logger.Warn("failed to save slice previews", "dir", c.params.SlicesDir, "error", err)
		} else {
			c.previews = paths
			c.logger.Info("saved slice previews", "dir", c.params.SlicesDir, "count", len(paths))
		}
	}

	c.logger.Debug("conversion finished", "elapsed", time.Since(start).String())
	return nil
}

// loadInputs reads both segmentations concurrently and converts them to
// label volumes.
func (c *Converter) loadInputs(ctx context.Context) (*models.LabelVolume, *models.LabelVolume, error) {
	var bratsImg, hdglioImg *nifti.Image
	var brats, hdglio *models.LabelVolume

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		img, vol, err := c.loadLabels(ctx, "BraTS", c.params.BratsFile)
		bratsImg, brats = img, vol
		return err
	})
	g.Go(func() error {
		img, vol, err := c.loadLabels(ctx, "HD-GLIO", c.params.HDGlioFile)
		hdglioImg, hdglio = img, vol
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	if bratsImg.Header.Affine() != hdglioImg.Header.Affine() {
		c.logger.Warn("BraTS and HD-GLIO affines differ; output uses the BraTS header",
			"brats", fmt.Sprint(bratsImg.Header.Affine()),
			"hdglio", fmt.Sprint(hdglioImg.Header.Affine()))
	}

	c.template = bratsImg
	return brats, hdglio, nil
}

func (c *Converter) loadLabels(ctx context.Context, name, path string) (*nifti.Image, *models.LabelVolume, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	img, err := nifti.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load %s segmentation: %w", name, err)
	}
	vol, err := img.Labels()
	if err != nil {
		if errors.Is(err, nifti.ErrInvalidValue) {
			return nil, nil, fmt.Errorf("%w: %s segmentation %s: %w", remap.ErrInvalidLabel, name, path, err)
		}
		return nil, nil, err
	}
	c.logger.Debug("loaded segmentation",
		"scheme", name,
		"shape", vol.Shape.String(),
		"voxels", humanize.Comma(int64(vol.Shape.Len())))
	// Voxel values are no longer needed once converted to labels
	img.Values = nil
	return img, vol, nil
}

func (c *Converter) logReport() {
	r := c.report
	c.logger.Info("clusters filtered",
		"found", r.Clusters,
		"kept", r.ClustersKept,
		"discarded", r.ClustersDiscarded(),
		"discardedVoxels", humanize.Comma(int64(r.DiscardedVoxels)),
		"retainedEdemaVoxels", humanize.Comma(int64(r.RetainedEdemaVoxels)),
		"meanSize", fmt.Sprintf("%.1f", r.MeanClusterSize),
		"medianSize", fmt.Sprintf("%.1f", r.MedianClusterSize))
	if r.ATFill {
		c.logger.Info("enclosed necrosis removed",
			"enclosedVoxels", humanize.Comma(int64(r.EnclosedVoxels)),
			"necrosisVoxels", humanize.Comma(int64(r.EnclosedNecrosisVoxels)))
	}
	c.logger.Info("output labels",
		"nonEnhancing", humanize.Comma(int64(r.OutputNonEnhancing)),
		"enhancing", humanize.Comma(int64(r.OutputEnhancing)),
		"necrosis", humanize.Comma(int64(r.OutputNecrosis)),
		"enhancingDice", fmt.Sprintf("%.3f", r.EnhancingDice))
}

// GetReport returns the statistics of the last successful conversion.
func (c *Converter) GetReport() *remap.Report {
	return c.report
}

// GetOutput returns the converted volume of the last successful conversion.
func (c *Converter) GetOutput() *models.LabelVolume {
	return c.output
}

// GetPreviews returns the slice preview paths written by the last conversion.
func (c *Converter) GetPreviews() []string {
	return c.previews
}
