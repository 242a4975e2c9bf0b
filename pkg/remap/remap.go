// Package remap converts BraTS2021 segmentations to the two-label
// (non-enhancing / contrast-enhancing) format, guided by an HD-GLIO
// segmentation of the same scan.
//
// The conversion runs as a single deterministic pass:
//  1. Both volumes are checked for identical shape and known label codes
//  2. A non-enhancing candidate mask is built from BraTS edema plus BraTS
//     necrosis that lies inside the HD-GLIO whole tumor
//  3. Optionally, necrosis fully enclosed by active tumor is removed from it
//  4. Candidate clusters smaller than the size threshold are discarded,
//     edema is always retained
//  5. BraTS active tumor becomes contrast-enhancing tumor
package remap

import (
	"errors"
	"fmt"
	"log/slog"

	"brats2twolabel/internal/models"
	"brats2twolabel/pkg/morphology"
)

var (
	// ErrShapeMismatch is returned when the two input volumes differ in shape.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrInvalidLabel is returned when a voxel carries a code outside its
	// label scheme and the strict policy is in effect.
	ErrInvalidLabel = errors.New("invalid label")
)

// LabelPolicy selects how unknown label codes are handled.
type LabelPolicy string

const (
	// PolicyStrict fails the conversion on the first unknown code.
	PolicyStrict LabelPolicy = "strict"
	// PolicyWarn logs unknown codes and treats them as background.
	PolicyWarn LabelPolicy = "warn"
)

// BratsLabels holds the BraTS2021 label codes.
type BratsLabels struct {
	Background uint8 `yaml:"background"`
	Necrosis   uint8 `yaml:"necrosis"`
	Edema      uint8 `yaml:"edema"`
	Enhancing  uint8 `yaml:"enhancing"`
}

// HDGlioLabels holds the HD-GLIO label codes.
type HDGlioLabels struct {
	Background   uint8 `yaml:"background"`
	NonEnhancing uint8 `yaml:"nonEnhancing"`
	Enhancing    uint8 `yaml:"enhancing"`
}

// OutputLabels holds the codes written to the converted volume. Necrosis
// equal to Background merges enclosed necrosis into the background, which
// gives the plain two-label format.
type OutputLabels struct {
	Background   uint8 `yaml:"background"`
	NonEnhancing uint8 `yaml:"nonEnhancing"`
	Enhancing    uint8 `yaml:"enhancing"`
	Necrosis     uint8 `yaml:"necrosis"`
}

// Scheme returns the BraTS codes as a label scheme.
func (l BratsLabels) Scheme() models.LabelScheme {
	return models.LabelScheme{
		Name:       "BraTS",
		Background: l.Background,
		Classes: map[string]uint8{
			models.ClassNecrosis:  l.Necrosis,
			models.ClassEdema:     l.Edema,
			models.ClassEnhancing: l.Enhancing,
		},
	}
}

// Scheme returns the HD-GLIO codes as a label scheme.
func (l HDGlioLabels) Scheme() models.LabelScheme {
	return models.LabelScheme{
		Name:       "HD-GLIO",
		Background: l.Background,
		Classes: map[string]uint8{
			models.ClassNonEnhancing: l.NonEnhancing,
			models.ClassEnhancing:    l.Enhancing,
		},
	}
}

// Options controls the conversion.
type Options struct {
	// ClusterSizeThreshold is the minimum voxel count for a non-enhancing
	// cluster to be retained. Clusters of exactly this size are kept.
	ClusterSizeThreshold int

	// ATFill removes necrosis completely enclosed by active tumor from the
	// non-enhancing region.
	ATFill bool

	// Connectivity is used for both clustering and enclosure detection.
	Connectivity morphology.Connectivity

	// Policy decides what happens to unknown label codes.
	Policy LabelPolicy

	Brats  BratsLabels
	HDGlio HDGlioLabels
	Output OutputLabels
}

// DefaultOptions returns the BraTS2021 / HD-GLIO conventions with a
// 50 voxel cluster threshold, enclosed necrosis filling and 6-connectivity.
func DefaultOptions() Options {
	return Options{
		ClusterSizeThreshold: 50,
		ATFill:               true,
		Connectivity:         morphology.Face,
		Policy:               PolicyStrict,
		Brats:                BratsLabels{Background: 0, Necrosis: 1, Edema: 2, Enhancing: 4},
		HDGlio:               HDGlioLabels{Background: 0, NonEnhancing: 1, Enhancing: 2},
		Output:               OutputLabels{Background: 0, NonEnhancing: 1, Enhancing: 2, Necrosis: 0},
	}
}

// Remapper performs the conversion for a fixed set of options.
type Remapper struct {
	opts   Options
	logger *slog.Logger
}

// NewRemapper creates a remapper. A nil logger discards log output.
func NewRemapper(opts Options, logger *slog.Logger) *Remapper {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Remapper{opts: opts, logger: logger}
}

// Remap converts brats into the output label format using hdglio as guide.
// Neither input is modified. On error no output volume is returned.
func (r *Remapper) Remap(brats, hdglio *models.LabelVolume) (*models.LabelVolume, *Report, error) {
	// Step 1: Validate shapes and label codes
	if brats.Shape != hdglio.Shape {
		return nil, nil, fmt.Errorf("%w: BraTS volume is %s, HD-GLIO volume is %s",
			ErrShapeMismatch, brats.Shape, hdglio.Shape)
	}
	if !brats.Shape.Valid() {
		return nil, nil, fmt.Errorf("%w: empty volume shape %s", ErrShapeMismatch, brats.Shape)
	}
	if len(brats.Data) != brats.Shape.Len() || len(hdglio.Data) != hdglio.Shape.Len() {
		return nil, nil, fmt.Errorf("%w: voxel buffer does not match volume shape %s", ErrShapeMismatch, brats.Shape)
	}
	if _, err := morphology.ParseConnectivity(int(r.opts.Connectivity)); err != nil {
		return nil, nil, err
	}

	b, err := r.sanitize(brats, r.opts.Brats.Scheme(), r.opts.Brats.Background)
	if err != nil {
		return nil, nil, err
	}
	h, err := r.sanitize(hdglio, r.opts.HDGlio.Scheme(), r.opts.HDGlio.Background)
	if err != nil {
		return nil, nil, err
	}

	shape := brats.Shape
	n := shape.Len()
	bl := r.opts.Brats
	report := newReport(r.opts)
	report.countInputs(b, h)

	// Step 2: Non-enhancing candidates are edema plus necrosis inside the HD-GLIO whole tumor
	candidates := make([]bool, n)
	for i := 0; i < n; i++ {
		inWholeTumor := h[i] != r.opts.HDGlio.Background
		candidates[i] = (inWholeTumor && b[i] == bl.Necrosis) || b[i] == bl.Edema
	}

	// Step 3: Remove necrosis completely enclosed by active tumor
	var enclosed []bool
	if r.opts.ATFill {
		at := make([]bool, n)
		for i := 0; i < n; i++ {
			at[i] = b[i] == bl.Enhancing
		}
		filled := morphology.FillHoles(at, shape, r.opts.Connectivity)
		enclosed = make([]bool, n)
		for i := 0; i < n; i++ {
			if filled[i] && !at[i] {
				enclosed[i] = true
				candidates[i] = false
				report.EnclosedVoxels++
				if b[i] == bl.Necrosis {
					report.EnclosedNecrosisVoxels++
				}
			}
		}
	}

	// Step 4: Drop small candidate clusters; edema always survives
	labels, sizes := morphology.Label(candidates, shape, r.opts.Connectivity)
	keep := make([]bool, len(sizes))
	for id := 1; id < len(sizes); id++ {
		keep[id] = sizes[id] >= r.opts.ClusterSizeThreshold
	}
	report.countClusters(sizes, keep)

	// Step 5: Assemble the output volume
	out := models.NewLabelVolume(shape)
	ol := r.opts.Output
	for i := 0; i < n; i++ {
		switch {
		case b[i] == bl.Enhancing:
			out.Data[i] = ol.Enhancing
		case keep[labels[i]]:
			out.Data[i] = ol.NonEnhancing
		case b[i] == bl.Edema:
			out.Data[i] = ol.NonEnhancing
			if candidates[i] {
				report.RetainedEdemaVoxels++
			}
		case enclosed != nil && enclosed[i] && b[i] == bl.Necrosis:
			out.Data[i] = ol.Necrosis
		default:
			out.Data[i] = ol.Background
			if candidates[i] {
				report.DiscardedVoxels++
			}
		}
	}
	report.countOutput(out, h)

	r.logger.Debug("remap complete",
		"shape", shape.String(),
		"clusters", report.Clusters,
		"clustersKept", report.ClustersKept,
		"discardedVoxels", report.DiscardedVoxels,
		"enclosedVoxels", report.EnclosedVoxels)

	return out, report, nil
}

// sanitize checks every voxel of vol against scheme. Under the warn policy,
// unknown codes are mapped to background in the returned buffer.
func (r *Remapper) sanitize(vol *models.LabelVolume, scheme models.LabelScheme, background uint8) ([]uint8, error) {
	var known [256]bool
	for code := 0; code < 256; code++ {
		known[code] = scheme.Known(uint8(code))
	}

	unknown := 0
	first := -1
	for i, l := range vol.Data {
		if !known[l] {
			if first < 0 {
				first = i
			}
			unknown++
		}
	}
	if unknown == 0 {
		return vol.Data, nil
	}

	x, y, z := vol.Shape.Coord(first)
	if r.opts.Policy != PolicyWarn {
		return nil, fmt.Errorf("%w: %s volume has code %d at voxel (%d, %d, %d) (%d unknown voxels)",
			ErrInvalidLabel, scheme.Name, vol.Data[first], x, y, z, unknown)
	}

	r.logger.Warn("unknown label codes treated as background",
		"scheme", scheme.Name,
		"voxels", unknown,
		"firstCode", vol.Data[first],
		"firstVoxel", fmt.Sprintf("(%d, %d, %d)", x, y, z))

	data := make([]uint8, len(vol.Data))
	for i, l := range vol.Data {
		if known[l] {
			data[i] = l
		} else {
			data[i] = background
		}
	}
	return data, nil
}
