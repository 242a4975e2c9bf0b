package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"brats2twolabel/internal/logging"
	"brats2twolabel/pkg/config"
	"brats2twolabel/pkg/conversion"
)

// Flag names follow the original command line of the conversion script.
const (
	flagClusterSizeThreshold = "cluster_size_threshold"
	flagATFill               = "at_fill"
	flagConnectivity         = "connectivity"
	flagLabelPolicy          = "label_policy"
	flagNecrosisLabel        = "necrosis_label"
	flagSlicesDir            = "slices_dir"
	flagConfig               = "config"
	flagVerbose              = "verbose"
	flagLogFormat            = "log-format"
	flagLogFile              = "log-file"
	flagLogMaxSize           = "log-max-size"
)

// boolValue is a boolean flag that takes its value as a separate argument,
// so both "--at_fill false" and "--at_fill=false" work.
type boolValue struct {
	v *bool
}

func (b *boolValue) Set(s string) error {
	v, err := strconv.ParseBool(s)
	if err != nil {
		return fmt.Errorf("expected true or false, got %q", s)
	}
	*b.v = v
	return nil
}

func (b *boolValue) String() string {
	if b.v == nil {
		return "false"
	}
	return strconv.FormatBool(*b.v)
}

func (b *boolValue) Type() string {
	return "bool"
}

// convertFlags holds the raw command-line values. Only flags the user set
// override the configuration file.
type convertFlags struct {
	clusterSizeThreshold int
	atFill               bool
	connectivity         int
	labelPolicy          string
	necrosisLabel        uint8
	slicesDir            string
	configPath           string
	verbose              bool
	logFormat            string
	logFile              string
	logMaxSizeMB         int
}

func newRootCmd() *cobra.Command {
	defaults := config.DefaultConfig()
	flags := &convertFlags{atFill: defaults.Conversion.ATFill}

	rootCmd := &cobra.Command{
		Use:   "brats2twolabel <brats_file> <hdglio_file> <output_file>",
		Short: "Convert BraTS2021 segmentation to two-label format using HD-GLIO segmentation",
		Long: `Converts a BraTS2021 segmentation (1 NCR/NET, 2 ED, 4 AT) to a two-label
segmentation (1 non-enhancing, 2 contrast-enhancing) guided by an HD-GLIO
segmentation of the same scan. Inputs and output are NIfTI-1 files (.nii or
.nii.gz); the output carries the BraTS header and affine.`,
		Example:      "  brats2twolabel ./data/brats2021_seg.nii.gz ./data/hdglio_seg.nii.gz ./output/output_twolabel_seg.nii.gz",
		Args:         cobra.ExactArgs(3),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConvert(cmd, args, flags)
		},
	}

	f := rootCmd.Flags()
	f.IntVar(&flags.clusterSizeThreshold, flagClusterSizeThreshold, defaults.Conversion.ClusterSizeThreshold,
		"Minimum cluster size threshold (voxels)")
	f.Var(&boolValue{v: &flags.atFill}, flagATFill, "Fill completely AT enclosed necrosis (true or false)")
	f.IntVar(&flags.connectivity, flagConnectivity, defaults.Conversion.Connectivity,
		"Voxel connectivity for clustering and enclosure (6, 18 or 26)")
	f.StringVar(&flags.labelPolicy, flagLabelPolicy, defaults.Conversion.LabelPolicy,
		"Handling of unknown label codes: strict fails, warn treats them as background")
	f.Uint8Var(&flags.necrosisLabel, flagNecrosisLabel, defaults.Labels.Output.Necrosis,
		"Output code for AT enclosed necrosis (0 merges it into background)")
	f.StringVar(&flags.slicesDir, flagSlicesDir, "", "Directory for PNG previews of the converted segmentation")
	f.StringVar(&flags.configPath, flagConfig, "", "YAML configuration file")
	f.BoolVarP(&flags.verbose, flagVerbose, "v", false, "Enable debug logging")
	f.StringVar(&flags.logFormat, flagLogFormat, defaults.Output.LogFormat, "Log format: text or json")
	f.StringVar(&flags.logFile, flagLogFile, "", "Write logs to a rotated file instead of stderr")
	f.IntVar(&flags.logMaxSizeMB, flagLogMaxSize, defaults.Output.LogMaxSizeMB, "Log file size in MB before rotation")

	rootCmd.AddCommand(newInitConfigCmd())
	return rootCmd
}

func newInitConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-config <path>",
		Short: "Write the default configuration to a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.CreateDefaultConfigFile(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Default configuration written to %s\n", args[0])
			return nil
		},
	}
}

// resolveConfig layers explicitly set flags over the configuration file.
func resolveConfig(cmd *cobra.Command, flags *convertFlags) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if flags.configPath != "" {
		loaded, err := config.LoadConfig(flags.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	changed := cmd.Flags().Changed
	if changed(flagClusterSizeThreshold) {
		cfg.Conversion.ClusterSizeThreshold = flags.clusterSizeThreshold
	}
	if changed(flagATFill) {
		cfg.Conversion.ATFill = flags.atFill
	}
	if changed(flagConnectivity) {
		cfg.Conversion.Connectivity = flags.connectivity
	}
	if changed(flagLabelPolicy) {
		cfg.Conversion.LabelPolicy = flags.labelPolicy
	}
	if changed(flagNecrosisLabel) {
		cfg.Labels.Output.Necrosis = flags.necrosisLabel
	}
	if changed(flagSlicesDir) {
		cfg.Output.SlicesDir = flags.slicesDir
	}
	if changed(flagVerbose) {
		cfg.Output.Verbose = flags.verbose
	}
	if changed(flagLogFormat) {
		cfg.Output.LogFormat = flags.logFormat
	}
	if changed(flagLogFile) {
		cfg.Output.LogFile = flags.logFile
	}
	if changed(flagLogMaxSize) {
		cfg.Output.LogMaxSizeMB = flags.logMaxSizeMB
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runConvert(cmd *cobra.Command, args []string, flags *convertFlags) error {
	cfg, err := resolveConfig(cmd, flags)
	if err != nil {
		return err
	}

	logger, closer, err := logging.New(logging.Options{
		Verbose:   cfg.Output.Verbose,
		Format:    cfg.Output.LogFormat,
		File:      cfg.Output.LogFile,
		MaxSizeMB: cfg.Output.LogMaxSizeMB,
	})
	if err != nil {
		return err
	}
	defer closer.Close()

	params := &conversion.Params{
		BratsFile:  args[0],
		HDGlioFile: args[1],
		OutputFile: args[2],
		Remap:      cfg.RemapOptions(),
		SlicesDir:  cfg.Output.SlicesDir,
	}

	converter := conversion.NewConverter(params, logger)
	startTime := time.Now()
	if err := converter.Process(cmd.Context()); err != nil {
		return err
	}

	printSummary(cmd.OutOrStdout(), converter, time.Since(startTime))
	return nil
}

func printSummary(w io.Writer, converter *conversion.Converter, elapsed time.Duration) {
	report := converter.GetReport()
	out := converter.GetOutput()

	fmt.Fprintln(w, "================================")
	fmt.Fprintln(w, "BraTS2021 -> TWO-LABEL CONVERSION")
	fmt.Fprintln(w, "================================")
	fmt.Fprintf(w, "Volume: %s (%s voxels)\n", out.Shape, humanize.Comma(int64(out.Shape.Len())))
	fmt.Fprintf(w, "Cluster size threshold: %d voxels\n", report.Threshold)
	fmt.Fprintf(w, "Clusters kept: %d of %d (%s voxels discarded)\n",
		report.ClustersKept, report.Clusters, humanize.Comma(int64(report.DiscardedVoxels)))
	if report.RetainedEdemaVoxels > 0 {
		fmt.Fprintf(w, "Edema retained in small clusters: %s voxels\n", humanize.Comma(int64(report.RetainedEdemaVoxels)))
	}
	if report.ATFill {
		fmt.Fprintf(w, "AT enclosed necrosis removed: %s voxels\n", humanize.Comma(int64(report.EnclosedNecrosisVoxels)))
	}
	fmt.Fprintf(w, "Non-enhancing: %s voxels\n", humanize.Comma(int64(report.OutputNonEnhancing)))
	fmt.Fprintf(w, "Contrast-enhancing: %s voxels\n", humanize.Comma(int64(report.OutputEnhancing)))
	if report.OutputNecrosis > 0 {
		fmt.Fprintf(w, "Necrosis: %s voxels\n", humanize.Comma(int64(report.OutputNecrosis)))
	}
	fmt.Fprintf(w, "CE agreement with HD-GLIO (Dice): %.3f\n", report.EnhancingDice)
	for _, p := range converter.GetPreviews() {
		fmt.Fprintf(w, "Preview: %s\n", p)
	}
	fmt.Fprintf(w, "Completed in %.2f seconds\n", elapsed.Seconds())
}
