package main

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brats2twolabel/internal/models"
	"brats2twolabel/pkg/nifti"
)

// writeInputs creates a BraTS / HD-GLIO pair where a 3^3 necrotic core is
// fully enclosed by a 5^3 active tumor shell.
func writeInputs(t *testing.T, dir string) (string, string) {
	t.Helper()
	shape := models.Shape{10, 10, 10}
	brats := models.NewLabelVolume(shape)
	hdglio := models.NewLabelVolume(shape)
	for z := 2; z < 7; z++ {
		for y := 2; y < 7; y++ {
			for x := 2; x < 7; x++ {
				if x > 2 && x < 6 && y > 2 && y < 6 && z > 2 && z < 6 {
					brats.Set(x, y, z, 1)
				} else {
					brats.Set(x, y, z, 4)
				}
				hdglio.Set(x, y, z, 2)
			}
		}
	}

	hdr := nifti.NewHeader(shape, [3]float32{1, 1, 1})
	template := &nifti.Image{Header: hdr, Order: binary.LittleEndian, Shape: shape}
	bratsPath := filepath.Join(dir, "brats.nii.gz")
	hdglioPath := filepath.Join(dir, "hdglio.nii.gz")
	require.NoError(t, nifti.Save(bratsPath, template, brats))
	require.NoError(t, nifti.Save(hdglioPath, template, hdglio))
	return bratsPath, hdglioPath
}

// run executes the root command and returns its stdout
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), err
}

func loadLabels(t *testing.T, path string) *models.LabelVolume {
	t.Helper()
	img, err := nifti.Load(path)
	require.NoError(t, err)
	vol, err := img.Labels()
	require.NoError(t, err)
	return vol
}

func TestConvertDefaults(t *testing.T) {
	dir := t.TempDir()
	bratsPath, hdglioPath := writeInputs(t, dir)
	outPath := filepath.Join(dir, "out.nii.gz")

	stdout, err := run(t, bratsPath, hdglioPath, outPath, "--log-file", filepath.Join(dir, "run.log"))
	require.NoError(t, err)
	assert.Contains(t, stdout, "Cluster size threshold: 50 voxels")
	assert.Contains(t, stdout, "AT enclosed necrosis removed: 27 voxels")

	out := loadLabels(t, outPath)
	assert.Equal(t, uint8(0), out.At(4, 4, 4))
	assert.Equal(t, uint8(2), out.At(2, 2, 2))
}

func TestConvertATFillFlagForms(t *testing.T) {
	for _, args := range [][]string{
		{"--at_fill", "false"},
		{"--at_fill=False"},
		{"--at_fill", "0"},
	} {
		t.Run(args[len(args)-1], func(t *testing.T) {
			dir := t.TempDir()
			bratsPath, hdglioPath := writeInputs(t, dir)
			outPath := filepath.Join(dir, "out.nii")

			cmdArgs := append([]string{bratsPath, hdglioPath, outPath, "--cluster_size_threshold", "1",
				"--log-file", filepath.Join(dir, "run.log")}, args...)
			_, err := run(t, cmdArgs...)
			require.NoError(t, err)

			out := loadLabels(t, outPath)
			assert.Equal(t, uint8(1), out.At(4, 4, 4), "necrosis stays non-enhancing without fill")
		})
	}
}

func TestConvertNecrosisLabel(t *testing.T) {
	dir := t.TempDir()
	bratsPath, hdglioPath := writeInputs(t, dir)
	outPath := filepath.Join(dir, "out.nii.gz")

	stdout, err := run(t, bratsPath, hdglioPath, outPath, "--necrosis_label", "3",
		"--log-file", filepath.Join(dir, "run.log"))
	require.NoError(t, err)
	assert.Contains(t, stdout, "Necrosis: 27 voxels")
	assert.Equal(t, uint8(3), loadLabels(t, outPath).At(4, 4, 4))
}

func TestConvertConfigFileAndOverride(t *testing.T) {
	dir := t.TempDir()
	bratsPath, hdglioPath := writeInputs(t, dir)
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("conversion:\n  atFill: false\n  clusterSizeThreshold: 1\n"), 0644))

	outPath := filepath.Join(dir, "from_config.nii.gz")
	_, err := run(t, bratsPath, hdglioPath, outPath, "--config", cfgPath, "--log-file", filepath.Join(dir, "run.log"))
	require.NoError(t, err)
	assert.Equal(t, uint8(1), loadLabels(t, outPath).At(4, 4, 4))

	outPath = filepath.Join(dir, "override.nii.gz")
	_, err = run(t, bratsPath, hdglioPath, outPath, "--config", cfgPath, "--at_fill", "true",
		"--log-file", filepath.Join(dir, "run.log"))
	require.NoError(t, err)
	assert.Equal(t, uint8(0), loadLabels(t, outPath).At(4, 4, 4))
}

func TestConvertErrors(t *testing.T) {
	dir := t.TempDir()
	bratsPath, hdglioPath := writeInputs(t, dir)
	outPath := filepath.Join(dir, "out.nii.gz")
	logPath := filepath.Join(dir, "run.log")

	tests := []struct {
		name string
		args []string
	}{
		{"missing positional", []string{bratsPath, hdglioPath}},
		{"missing input", []string{bratsPath, filepath.Join(dir, "nope.nii.gz"), outPath, "--log-file", logPath}},
		{"bad at_fill", []string{bratsPath, hdglioPath, outPath, "--at_fill", "maybe"}},
		{"negative threshold", []string{bratsPath, hdglioPath, outPath, "--cluster_size_threshold", "-5"}},
		{"bad connectivity", []string{bratsPath, hdglioPath, outPath, "--connectivity", "7"}},
		{"zero log size", []string{bratsPath, hdglioPath, outPath, "--log-max-size", "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, tt.args...)
			assert.Error(t, err)
			_, statErr := os.Stat(outPath)
			assert.True(t, os.IsNotExist(statErr))
		})
	}
}

func TestInitConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "brats2twolabel.yaml")
	stdout, err := run(t, "init-config", path)
	require.NoError(t, err)
	assert.Contains(t, stdout, path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "clusterSizeThreshold: 50")
}
