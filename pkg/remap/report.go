package remap

import (
	"sort"

	"gonum.org/v1/gonum/stat"

	"brats2twolabel/internal/models"
)

// Report summarises one conversion.
type Report struct {
	// Threshold and ATFill echo the options the report was produced with
	Threshold int
	ATFill    bool

	// Voxel counts per BraTS class
	BratsNecrosis  int
	BratsEdema     int
	BratsEnhancing int

	// Voxel counts per HD-GLIO class
	HDGlioNonEnhancing int
	HDGlioEnhancing    int

	// Clusters is the number of non-enhancing candidate clusters found
	Clusters int

	// ClustersKept is the number of clusters at or above the threshold
	ClustersKept int

	// DiscardedVoxels is the number of candidate voxels dropped from the
	// non-enhancing region. Edema in a cluster below the threshold is not
	// dropped and is counted in RetainedEdemaVoxels instead.
	DiscardedVoxels     int
	RetainedEdemaVoxels int

	// MeanClusterSize, StdClusterSize and MedianClusterSize describe the
	// candidate cluster size distribution
	MeanClusterSize   float64
	StdClusterSize    float64
	MedianClusterSize float64

	// EnclosedVoxels counts non-AT voxels enclosed by active tumor, of which
	// EnclosedNecrosisVoxels carry the BraTS necrosis code
	EnclosedVoxels         int
	EnclosedNecrosisVoxels int

	// Output voxel counts
	OutputNonEnhancing int
	OutputEnhancing    int
	OutputNecrosis     int

	// EnhancingDice is the Dice overlap between HD-GLIO contrast-enhancing
	// tumor and the output contrast-enhancing label. It is 1 when both are empty.
	EnhancingDice float64

	opts Options
}

func newReport(opts Options) *Report {
	return &Report{
		Threshold: opts.ClusterSizeThreshold,
		ATFill:    opts.ATFill,
		opts:      opts,
	}
}

// ClustersDiscarded is the number of clusters below the threshold.
func (r *Report) ClustersDiscarded() int {
	return r.Clusters - r.ClustersKept
}

func (r *Report) countInputs(brats, hdglio []uint8) {
	bl, hl := r.opts.Brats, r.opts.HDGlio
	for i := range brats {
		switch brats[i] {
		case bl.Necrosis:
			r.BratsNecrosis++
		case bl.Edema:
			r.BratsEdema++
		case bl.Enhancing:
			r.BratsEnhancing++
		}
		switch hdglio[i] {
		case hl.NonEnhancing:
			r.HDGlioNonEnhancing++
		case hl.Enhancing:
			r.HDGlioEnhancing++
		}
	}
}

func (r *Report) countClusters(sizes []int, keep []bool) {
	if len(sizes) <= 1 {
		return
	}
	values := make([]float64, 0, len(sizes)-1)
	for id := 1; id < len(sizes); id++ {
		values = append(values, float64(sizes[id]))
		if keep[id] {
			r.ClustersKept++
		}
	}
	r.Clusters = len(values)

	r.MeanClusterSize, r.StdClusterSize = stat.MeanStdDev(values, nil)
	if len(values) < 2 {
		r.StdClusterSize = 0
	}
	sort.Float64s(values)
	r.MedianClusterSize = stat.Quantile(0.5, stat.Empirical, values, nil)
}

func (r *Report) countOutput(out *models.LabelVolume, hdglio []uint8) {
	ol := r.opts.Output
	intersection := 0
	for i, l := range out.Data {
		isCE := l == ol.Enhancing
		switch {
		case isCE:
			r.OutputEnhancing++
		case l == ol.NonEnhancing:
			r.OutputNonEnhancing++
		case l == ol.Necrosis && ol.Necrosis != ol.Background:
			r.OutputNecrosis++
		}
		if isCE && hdglio[i] == r.opts.HDGlio.Enhancing {
			intersection++
		}
	}

	total := r.OutputEnhancing + r.HDGlioEnhancing
	if total == 0 {
		r.EnhancingDice = 1
		return
	}
	r.EnhancingDice = 2 * float64(intersection) / float64(total)
}
