package conversion

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brats2twolabel/internal/models"
	"brats2twolabel/pkg/nifti"
	"brats2twolabel/pkg/remap"
)

// writeVolume saves vol as a gzipped NIfTI file with a recognisable affine
func writeVolume(t *testing.T, path string, vol *models.LabelVolume, originX float32) {
	t.Helper()
	hdr := nifti.NewHeader(vol.Shape, [3]float32{1, 1, 1})
	hdr.SrowX[3] = originX
	template := &nifti.Image{Header: hdr, Order: binary.LittleEndian, Shape: vol.Shape}
	require.NoError(t, nifti.Save(path, template, vol))
}

// createTestCase writes a BraTS / HD-GLIO pair with an enhancing shell
// around necrosis, a large edema block and a small stray necrosis cluster.
func createTestCase(t *testing.T, dir string) (bratsPath, hdglioPath string) {
	t.Helper()
	shape := models.Shape{20, 20, 20}
	brats := models.NewLabelVolume(shape)
	hdglio := models.NewLabelVolume(shape)

	for z := 0; z < 20; z++ {
		for y := 0; y < 20; y++ {
			for x := 0; x < 20; x++ {
				switch {
				case x >= 4 && x < 11 && y >= 4 && y < 11 && z >= 4 && z < 11:
					// Enhancing shell with a 5^3 necrotic core
					if x > 4 && x < 10 && y > 4 && y < 10 && z > 4 && z < 10 {
						brats.Set(x, y, z, 1)
					} else {
						brats.Set(x, y, z, 4)
					}
					hdglio.Set(x, y, z, 2)
				case x >= 12 && x < 18 && y >= 12 && y < 18 && z >= 12 && z < 18:
					brats.Set(x, y, z, 2)
					hdglio.Set(x, y, z, 1)
				}
			}
		}
	}
	// Stray two-voxel necrosis inside the HD-GLIO tumor
	brats.Set(1, 1, 1, 1)
	brats.Set(2, 1, 1, 1)
	hdglio.Set(1, 1, 1, 1)
	hdglio.Set(2, 1, 1, 1)

	bratsPath = filepath.Join(dir, "brats_seg.nii.gz")
	hdglioPath = filepath.Join(dir, "hdglio_seg.nii.gz")
	writeVolume(t, bratsPath, brats, 90)
	writeVolume(t, hdglioPath, hdglio, 90)
	return bratsPath, hdglioPath
}

func TestProcessEndToEnd(t *testing.T) {
	dir := t.TempDir()
	bratsPath, hdglioPath := createTestCase(t, dir)
	outPath := filepath.Join(dir, "out", "twolabel.nii.gz")
	require.NoError(t, os.MkdirAll(filepath.Dir(outPath), 0755))

	params := &Params{
		BratsFile:  bratsPath,
		HDGlioFile: hdglioPath,
		OutputFile: outPath,
		Remap:      remap.DefaultOptions(),
		SlicesDir:  filepath.Join(dir, "slices"),
	}
	converter := NewConverter(params, nil)
	require.NoError(t, converter.Process(context.Background()))

	img, err := nifti.Load(outPath)
	require.NoError(t, err)
	assert.Equal(t, nifti.DTUint8, img.Header.Datatype)
	assert.Equal(t, float32(90), img.Header.SrowX[3], "BraTS affine is propagated")

	out, err := img.Labels()
	require.NoError(t, err)
	assert.Equal(t, converter.GetOutput().Data, out.Data)

	assert.Equal(t, uint8(2), out.At(4, 4, 4), "enhancing shell")
	assert.Equal(t, uint8(0), out.At(7, 7, 7), "enclosed necrosis")
	assert.Equal(t, uint8(1), out.At(14, 14, 14), "edema")
	assert.Equal(t, uint8(0), out.At(1, 1, 1), "stray cluster below threshold")

	report := converter.GetReport()
	require.NotNil(t, report)
	assert.Equal(t, 125, report.EnclosedNecrosisVoxels)
	assert.Equal(t, 216, report.OutputNonEnhancing)
	assert.Len(t, converter.GetPreviews(), 3)
}

func TestProcessWithoutFill(t *testing.T) {
	dir := t.TempDir()
	bratsPath, hdglioPath := createTestCase(t, dir)
	outPath := filepath.Join(dir, "twolabel.nii")

	opts := remap.DefaultOptions()
	opts.ATFill = false
	opts.ClusterSizeThreshold = 2
	converter := NewConverter(&Params{
		BratsFile:  bratsPath,
		HDGlioFile: hdglioPath,
		OutputFile: outPath,
		Remap:      opts,
	}, nil)
	require.NoError(t, converter.Process(context.Background()))

	img, err := nifti.Load(outPath)
	require.NoError(t, err)
	out, err := img.Labels()
	require.NoError(t, err)
	assert.Equal(t, uint8(1), out.At(7, 7, 7), "necrosis kept without fill")
	assert.Equal(t, uint8(1), out.At(1, 1, 1), "stray cluster at threshold is kept")
	assert.Empty(t, converter.GetPreviews())
}

func TestProcessShapeMismatchWritesNothing(t *testing.T) {
	dir := t.TempDir()
	bratsPath := filepath.Join(dir, "brats.nii.gz")
	hdglioPath := filepath.Join(dir, "hdglio.nii.gz")
	outPath := filepath.Join(dir, "out.nii.gz")
	writeVolume(t, bratsPath, models.NewLabelVolume(models.Shape{10, 10, 10}), 0)
	writeVolume(t, hdglioPath, models.NewLabelVolume(models.Shape{10, 10, 9}), 0)

	err := NewConverter(&Params{
		BratsFile:  bratsPath,
		HDGlioFile: hdglioPath,
		OutputFile: outPath,
		Remap:      remap.DefaultOptions(),
	}, nil).Process(context.Background())
	require.ErrorIs(t, err, remap.ErrShapeMismatch)

	_, statErr := os.Stat(outPath)
	assert.True(t, os.IsNotExist(statErr), "no output file may be created")
}

func TestProcessMissingInput(t *testing.T) {
	dir := t.TempDir()
	bratsPath, _ := createTestCase(t, dir)
	outPath := filepath.Join(dir, "out.nii.gz")

	err := NewConverter(&Params{
		BratsFile:  bratsPath,
		HDGlioFile: filepath.Join(dir, "missing.nii.gz"),
		OutputFile: outPath,
		Remap:      remap.DefaultOptions(),
	}, nil).Process(context.Background())
	require.ErrorIs(t, err, os.ErrNotExist)
	assert.Contains(t, err.Error(), "HD-GLIO")

	_, statErr := os.Stat(outPath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestProcessNonIntegerVoxels(t *testing.T) {
	dir := t.TempDir()
	shape := models.Shape{4, 4, 4}
	hdr := nifti.NewHeader(shape, [3]float32{1, 1, 1})
	hdr.Datatype = nifti.DTFloat32
	hdr.Bitpix = 32
	values := make([]float32, shape.Len())
	values[5] = 1.5

	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, hdr))
	buf.Write([]byte{0, 0, 0, 0})
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, values))
	bratsPath := filepath.Join(dir, "brats.nii")
	require.NoError(t, os.WriteFile(bratsPath, buf.Bytes(), 0644))

	hdglioPath := filepath.Join(dir, "hdglio.nii.gz")
	writeVolume(t, hdglioPath, models.NewLabelVolume(shape), 0)

	err := NewConverter(&Params{
		BratsFile:  bratsPath,
		HDGlioFile: hdglioPath,
		OutputFile: filepath.Join(dir, "out.nii.gz"),
		Remap:      remap.DefaultOptions(),
	}, nil).Process(context.Background())
	require.ErrorIs(t, err, remap.ErrInvalidLabel)
	assert.ErrorIs(t, err, nifti.ErrInvalidValue)
}

func TestProcessInvalidLabelCode(t *testing.T) {
	dir := t.TempDir()
	shape := models.Shape{5, 5, 5}
	brats := models.NewLabelVolume(shape)
	brats.Set(2, 2, 2, 9)
	bratsPath := filepath.Join(dir, "brats.nii.gz")
	hdglioPath := filepath.Join(dir, "hdglio.nii.gz")
	outPath := filepath.Join(dir, "out.nii.gz")
	writeVolume(t, bratsPath, brats, 0)
	writeVolume(t, hdglioPath, models.NewLabelVolume(shape), 0)

	params := &Params{
		BratsFile:  bratsPath,
		HDGlioFile: hdglioPath,
		OutputFile: outPath,
		Remap:      remap.DefaultOptions(),
	}
	err := NewConverter(params, nil).Process(context.Background())
	require.ErrorIs(t, err, remap.ErrInvalidLabel)
	_, statErr := os.Stat(outPath)
	assert.True(t, os.IsNotExist(statErr))

	params.Remap.Policy = remap.PolicyWarn
	require.NoError(t, NewConverter(params, nil).Process(context.Background()))
	_, statErr = os.Stat(outPath)
	assert.NoError(t, statErr)
}

func TestProcessCancelled(t *testing.T) {
	dir := t.TempDir()
	bratsPath, hdglioPath := createTestCase(t, dir)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewConverter(&Params{
		BratsFile:  bratsPath,
		HDGlioFile: hdglioPath,
		OutputFile: filepath.Join(dir, "out.nii.gz"),
		Remap:      remap.DefaultOptions(),
	}, nil).Process(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
