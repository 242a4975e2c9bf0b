package nifti

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	"brats2twolabel/internal/models"
)

// Image is a decoded NIfTI-1 image.
type Image struct {
	// Header is the header as read from disk
	Header *Header

	// Order is the byte order the image was stored in
	Order binary.ByteOrder

	// Shape is the spatial extent of the image
	Shape models.Shape

	// Values holds the voxel values after slope/intercept scaling, x fastest
	Values []float64
}

// NewHeader returns a little-endian single-file header for a uint8 volume
// with the given voxel size in mm and an sform that scales voxel indices
// to world coordinates.
func NewHeader(shape models.Shape, voxelSize [3]float32) *Header {
	h := &Header{
		SizeofHdr: HeaderSize,
		Regular:   'r',
		Datatype:  DTUint8,
		Bitpix:    8,
		VoxOffset: DataOffset,
		SclSlope:  1,
		XYZTUnits: 2, // mm
		SformCode: 1,
	}
	h.Dim = [8]int16{3, int16(shape[0]), int16(shape[1]), int16(shape[2]), 1, 1, 1, 1}
	h.Pixdim = [8]float32{1, voxelSize[0], voxelSize[1], voxelSize[2], 1, 1, 1, 1}
	h.SrowX = [4]float32{voxelSize[0], 0, 0, 0}
	h.SrowY = [4]float32{0, voxelSize[1], 0, 0}
	h.SrowZ = [4]float32{0, 0, voxelSize[2], 0}
	copy(h.Magic[:], "n+1\x00")
	return h
}

// Load reads a .nii or .nii.gz file. Compression is detected from the
// content, not the file name.
func Load(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	img, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return img, nil
}

// Decode reads a single-file NIfTI-1 image, gzipped or not.
func Decode(r io.Reader) (*Image, error) {
	br := bufio.NewReader(r)
	if magic, err := br.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return decode(bufio.NewReader(zr))
	}
	return decode(br)
}

func decode(r io.Reader) (*Image, error) {
	hdr, order, err := decodeHeader(r)
	if err != nil {
		return nil, err
	}
	shape, err := hdr.Shape()
	if err != nil {
		return nil, err
	}
	size, err := bytesPerVoxel(hdr.Datatype)
	if err != nil {
		return nil, err
	}

	// Skip extensions up to the start of the voxel data
	offset := int64(hdr.VoxOffset)
	if offset < HeaderSize {
		offset = HeaderSize
	}
	if _, err := io.CopyN(io.Discard, r, offset-HeaderSize); err != nil {
		return nil, fmt.Errorf("failed to skip to voxel data: %w", err)
	}

	// Header dims are untrusted until the bytes arrive
	want := int64(shape.Len()) * int64(size)
	raw, err := io.ReadAll(io.LimitReader(r, want))
	if err != nil {
		return nil, fmt.Errorf("failed to read %d voxels: %w", shape.Len(), err)
	}
	if int64(len(raw)) < want {
		return nil, fmt.Errorf("failed to read %d voxels: got %d of %d bytes: %w",
			shape.Len(), len(raw), want, io.ErrUnexpectedEOF)
	}

	values := decodeValues(raw, hdr.Datatype, order, shape.Len())
	if hdr.scaled() {
		slope, inter := float64(hdr.SclSlope), float64(hdr.SclInter)
		for i, v := range values {
			values[i] = v*slope + inter
		}
	}

	return &Image{
		Header: hdr,
		Order:  order,
		Shape:  shape,
		Values: values,
	}, nil
}

// decodeValues converts raw voxel bytes to float64. The datatype has
// already been validated by bytesPerVoxel.
func decodeValues(raw []byte, datatype int16, order binary.ByteOrder, n int) []float64 {
	values := make([]float64, n)
	for i := 0; i < n; i++ {
		switch datatype {
		case DTUint8:
			values[i] = float64(raw[i])
		case DTInt8:
			values[i] = float64(int8(raw[i]))
		case DTInt16:
			values[i] = float64(int16(order.Uint16(raw[i*2:])))
		case DTUint16:
			values[i] = float64(order.Uint16(raw[i*2:]))
		case DTInt32:
			values[i] = float64(int32(order.Uint32(raw[i*4:])))
		case DTUint32:
			values[i] = float64(order.Uint32(raw[i*4:]))
		case DTFloat32:
			values[i] = float64(math.Float32frombits(order.Uint32(raw[i*4:])))
		case DTInt64:
			values[i] = float64(int64(order.Uint64(raw[i*8:])))
		case DTUint64:
			values[i] = float64(order.Uint64(raw[i*8:]))
		case DTFloat64:
			values[i] = math.Float64frombits(order.Uint64(raw[i*8:]))
		}
	}
	return values
}

// labelTolerance absorbs float32 rounding in scl_slope/scl_inter, e.g.
// 0.1 * 30 stored as 3.0000001.
const labelTolerance = 1e-3

// Labels converts the voxel values to label codes. Every value must be
// within labelTolerance of a whole number in [0, 255].
func (img *Image) Labels() (*models.LabelVolume, error) {
	vol := models.NewLabelVolume(img.Shape)
	for i, v := range img.Values {
		code := math.Round(v)
		if math.IsNaN(v) || math.Abs(v-code) > labelTolerance || code < 0 || code > math.MaxUint8 {
			x, y, z := img.Shape.Coord(i)
			return nil, fmt.Errorf("%w: %g at voxel (%d, %d, %d)", ErrInvalidValue, v, x, y, z)
		}
		vol.Data[i] = uint8(code)
	}
	return vol, nil
}

// Encode writes vol as an uncompressed uint8 image. Spatial metadata comes
// from template; the data type, scaling and voxel offset are rewritten and
// extensions are dropped. A nil order writes little-endian.
func Encode(w io.Writer, template *Header, order binary.ByteOrder, vol *models.LabelVolume) error {
	shape, err := template.Shape()
	if err != nil {
		return err
	}
	if shape != vol.Shape {
		return fmt.Errorf("%w: volume is %s but template header is %s", ErrUnsupportedDims, vol.Shape, shape)
	}

	if order == nil {
		order = binary.LittleEndian
	}

	hdr := *template
	hdr.SizeofHdr = HeaderSize
	hdr.Datatype = DTUint8
	hdr.Bitpix = 8
	hdr.VoxOffset = DataOffset
	hdr.SclSlope = 1
	hdr.SclInter = 0
	hdr.CalMin = 0
	hdr.CalMax = float32(maxLabel(vol.Data))
	copy(hdr.Magic[:], "n+1\x00")

	if err := binary.Write(w, order, &hdr); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	// Extension flag: no extensions follow
	if _, err := w.Write([]byte{0, 0, 0, 0}); err != nil {
		return fmt.Errorf("failed to write extension flag: %w", err)
	}
	if _, err := w.Write(vol.Data); err != nil {
		return fmt.Errorf("failed to write voxel data: %w", err)
	}
	return nil
}

func maxLabel(data []uint8) uint8 {
	var m uint8
	for _, l := range data {
		if l > m {
			m = l
		}
	}
	return m
}

// Save writes vol to path using template for the spatial metadata. Paths
// ending in .gz are gzipped. The file is written under a temporary name in
// the same directory and renamed into place, so path is either the complete
// image or untouched.
func Save(path string, template *Image, vol *models.LabelVolume) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	bw := bufio.NewWriter(tmp)
	var w io.Writer = bw
	var zw *gzip.Writer
	if strings.HasSuffix(strings.ToLower(path), ".gz") {
		zw = gzip.NewWriter(bw)
		w = zw
	}

	if err = Encode(w, template.Header, template.Order, vol); err != nil {
		return err
	}
	if zw != nil {
		if err = zw.Close(); err != nil {
			return fmt.Errorf("failed to compress output: %w", err)
		}
	}
	if err = bw.Flush(); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err = tmp.Chmod(0644); err != nil {
		return fmt.Errorf("failed to set permissions on %s: %w", path, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move output into place: %w", err)
	}
	return nil
}
