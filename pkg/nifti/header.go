// Package nifti reads and writes label volumes stored as NIfTI-1 images.
//
// Only what a label map needs is supported: 3D images (or 4D with a single
// volume) with integer or floating point voxels, uncompressed or gzipped.
// Spatial metadata is carried through untouched so that a converted
// segmentation stays aligned with the scan it was drawn on.
package nifti

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"brats2twolabel/internal/models"
)

const (
	// HeaderSize is the fixed size of a NIfTI-1 header.
	HeaderSize = 348

	// DataOffset is where voxel data starts in single-file images written
	// by this package: the header plus the four extension flag bytes.
	DataOffset = 352
)

// NIfTI-1 datatype codes.
const (
	DTUint8   int16 = 2
	DTInt16   int16 = 4
	DTInt32   int16 = 8
	DTFloat32 int16 = 16
	DTFloat64 int16 = 64
	DTInt8    int16 = 256
	DTUint16  int16 = 512
	DTUint32  int16 = 768
	DTInt64   int16 = 1024
	DTUint64  int16 = 1280
)

var (
	// ErrNotNIfTI is returned when the input has no valid NIfTI-1 header.
	ErrNotNIfTI = errors.New("not a NIfTI-1 image")

	// ErrUnsupportedDatatype is returned for datatypes other than the
	// scalar integer and floating point types.
	ErrUnsupportedDatatype = errors.New("unsupported NIfTI datatype")

	// ErrUnsupportedDims is returned for images that are not a single 3D volume.
	ErrUnsupportedDims = errors.New("unsupported NIfTI dimensions")

	// ErrInvalidValue is returned when a voxel value cannot be a label code.
	ErrInvalidValue = errors.New("voxel value is not a label code")
)

// Header mirrors the on-disk NIfTI-1 header field by field. encoding/binary
// packs it without padding, so it occupies exactly HeaderSize bytes.
type Header struct {
	SizeofHdr     int32
	DataType      [10]byte
	DBName        [18]byte
	Extents       int32
	SessionError  int16
	Regular       byte
	DimInfo       byte
	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	Datatype      int16
	Bitpix        int16
	SliceStart    int16
	Pixdim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     byte
	XYZTUnits     byte
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	TOffset       float32
	GLMax         int32
	GLMin         int32
	Descrip       [80]byte
	AuxFile       [24]byte
	QformCode     int16
	SformCode     int16
	QuaternB      float32
	QuaternC      float32
	QuaternD      float32
	QoffsetX      float32
	QoffsetY      float32
	QoffsetZ      float32
	SrowX         [4]float32
	SrowY         [4]float32
	SrowZ         [4]float32
	IntentName    [16]byte
	Magic         [4]byte
}

// bytesPerVoxel returns the storage size of a datatype.
func bytesPerVoxel(datatype int16) (int, error) {
	switch datatype {
	case DTUint8, DTInt8:
		return 1, nil
	case DTInt16, DTUint16:
		return 2, nil
	case DTInt32, DTUint32, DTFloat32:
		return 4, nil
	case DTInt64, DTUint64, DTFloat64:
		return 8, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrUnsupportedDatatype, datatype)
	}
}

// decodeHeader reads a header and reports the byte order it was written in.
func decodeHeader(r io.Reader) (*Header, binary.ByteOrder, error) {
	raw := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, nil, fmt.Errorf("%w: short header: %v", ErrNotNIfTI, err)
	}

	var order binary.ByteOrder
	switch {
	case binary.LittleEndian.Uint32(raw) == HeaderSize:
		order = binary.LittleEndian
	case binary.BigEndian.Uint32(raw) == HeaderSize:
		order = binary.BigEndian
	default:
		return nil, nil, fmt.Errorf("%w: bad header size", ErrNotNIfTI)
	}

	hdr := &Header{}
	if err := binary.Read(bytes.NewReader(raw), order, hdr); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrNotNIfTI, err)
	}

	magic := string(hdr.Magic[:3])
	if magic != "n+1" {
		if magic == "ni1" {
			return nil, nil, fmt.Errorf("%w: detached header/image pairs are not supported", ErrNotNIfTI)
		}
		return nil, nil, fmt.Errorf("%w: bad magic %q", ErrNotNIfTI, hdr.Magic[:])
	}
	return hdr, order, nil
}

// Shape returns the spatial extent of the image. Images with a fourth
// dimension are accepted only when that dimension is a single volume.
func (h *Header) Shape() (models.Shape, error) {
	ndim := int(h.Dim[0])
	if ndim < 1 || ndim > 7 {
		return models.Shape{}, fmt.Errorf("%w: dim[0]=%d", ErrUnsupportedDims, ndim)
	}
	shape := models.Shape{1, 1, 1}
	for i := 1; i <= ndim; i++ {
		d := int(h.Dim[i])
		if d < 1 {
			return models.Shape{}, fmt.Errorf("%w: dim[%d]=%d", ErrUnsupportedDims, i, d)
		}
		if i <= 3 {
			shape[i-1] = d
		} else if d != 1 {
			return models.Shape{}, fmt.Errorf("%w: %d volumes along dimension %d", ErrUnsupportedDims, d, i)
		}
	}
	return shape, nil
}

// scaled reports whether voxel values must be scaled on read.
func (h *Header) scaled() bool {
	slope := float64(h.SclSlope)
	if slope == 0 || math.IsNaN(slope) || math.IsInf(slope, 0) {
		return false
	}
	return slope != 1 || h.SclInter != 0
}

// Affine returns the voxel-to-world transform rows stored in the sform.
func (h *Header) Affine() [3][4]float32 {
	return [3][4]float32{h.SrowX, h.SrowY, h.SrowZ}
}

// Description returns the free-text description field.
func (h *Header) Description() string {
	return string(bytes.TrimRight(h.Descrip[:], "\x00"))
}
